package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

// IngestRequest records usage against every window in Windows. Callers pass
// the billing period used for invoicing and, when different, the entitlement
// reset window used for enforcement.
type IngestRequest struct {
	EventID        string                `json:"event_id"`
	CustomerID     snowflake.ID          `json:"customer_id"`
	FeatureID      snowflake.ID          `json:"feature_id"`
	FeatureCode    string                `json:"feature_code"`
	SubscriptionID *snowflake.ID         `json:"subscription_id"`
	Quantity       decimal.Decimal       `json:"quantity"`
	Timestamp      time.Time             `json:"timestamp"`
	Windows        []billingcycle.Period `json:"-"`
	Metadata       map[string]any        `json:"metadata"`
}

type IngestResult struct {
	Event     Event `json:"event"`
	Duplicate bool  `json:"duplicate"`
}

type ListEventsRequest struct {
	CustomerID     string     `form:"customer_id"`
	FeatureID      string     `form:"feature_id"`
	SubscriptionID string     `form:"subscription_id"`
	From           *time.Time `form:"from"`
	To             *time.Time `form:"to"`
	PageToken      string     `form:"page_token"`
	PageSize       int32      `form:"page_size"`
}

type ListEventsResponse struct {
	pagination.PageInfo
	Events []Event `json:"events"`
}

type Service interface {
	Ingest(ctx context.Context, req IngestRequest) (IngestResult, error)
	// Current is the live total used for enforcement.
	Current(ctx context.Context, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error)
	// Snapshot returns the quantity to invoice for window and persists it as
	// the new high-water mark.
	Snapshot(ctx context.Context, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error)
	SnapshotTx(ctx context.Context, tx *gorm.DB, orgID, customerID, featureID snowflake.ID, window billingcycle.Period) (decimal.Decimal, error)
	ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error)
}

var (
	ErrInvalidCustomer     = errs.Validation("invalid_customer")
	ErrInvalidFeature      = errs.Validation("invalid_feature")
	ErrInvalidEventID      = errs.Validation("invalid_event_id")
	ErrInvalidSubscription = errs.Validation("invalid_subscription")
	ErrInvalidQuantity     = errs.Validation("invalid_quantity")
	ErrInvalidWindow       = errs.Validation("invalid_usage_window")
	ErrInvalidTimestamp    = errs.Validation("invalid_timestamp")

	// ErrEventConflict means the event id was taken but the stored event
	// could not be read back.
	ErrEventConflict = errs.Conflict("usage_event_conflict")
)
