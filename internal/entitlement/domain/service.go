package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

// Source is a plan or addon a customer actively subscribes to.
type Source struct {
	SubscriptionID snowflake.ID
	ProductID      snowflake.ID
	Quantity       int64
	PeriodStart    time.Time
	PeriodEnd      time.Time
}

type Repository interface {
	ActiveSources(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]Source, error)
}

type CheckRequest struct {
	CustomerID  string          `form:"customer_id"`
	FeatureCode string          `form:"feature_code"`
	Quantity    decimal.Decimal `form:"quantity"`
	At          time.Time       `form:"at"`
}

// CheckResult answers whether Quantity more units of a feature may be
// consumed now. Remaining is nil for unlimited features.
type CheckResult struct {
	FeatureID   snowflake.ID             `json:"feature_id"`
	FeatureCode string                   `json:"feature_code"`
	Enabled     bool                     `json:"enabled"`
	UsageLimit  *int64                   `json:"usage_limit"`
	Used        decimal.Decimal          `json:"used"`
	Remaining   *decimal.Decimal         `json:"remaining"`
	Allowed     bool                     `json:"allowed"`
	ResetPeriod billingcycle.ResetPeriod `json:"usage_reset_period,omitempty"`
	Window      billingcycle.Period      `json:"window"`
}

type Service interface {
	// Resolve returns the effective entitlements of a customer, or of one
	// feature when featureID is set.
	Resolve(ctx context.Context, customerID snowflake.ID, featureID *snowflake.ID) ([]Resolved, error)
	Check(ctx context.Context, req CheckRequest) (CheckResult, error)
}

var (
	ErrInvalidCustomer = errs.Validation("invalid_customer")
	ErrInvalidFeature  = errs.Validation("invalid_feature")
	ErrInvalidQuantity = errs.Validation("invalid_quantity")
)
