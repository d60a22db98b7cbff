package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/proration"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type AddonInput struct {
	AddonID  string `json:"addon_id"`
	Quantity int64  `json:"quantity"`
}

type CreateSubscriptionRequest struct {
	CustomerID         string                         `json:"customer_id"`
	PlanID             string                         `json:"plan_id"`
	Currency           string                         `json:"currency"`
	BillingPeriod      billingcycle.Unit              `json:"billing_period"`
	BillingPeriodCount int                            `json:"billing_period_count"`
	BillingCycleAnchor billingcycle.Anchor            `json:"billing_cycle_anchor"`
	ProrationBehavior  proration.Behavior             `json:"proration_behavior"`
	CollectionMethod   invoicedomain.CollectionMethod `json:"collection_method"`
	AllowOverlap       bool                           `json:"allow_overlap"`
	Addons             []AddonInput                   `json:"addons"`
	Metadata           map[string]any                 `json:"metadata"`
	IdempotencyKey     string                         `json:"-"`
}

type ActivateRequest struct {
	ID             string     `json:"-"`
	StartDate      *time.Time `json:"start_date"`
	IdempotencyKey string     `json:"-"`
}

type PauseRequest struct {
	ID   string `json:"-"`
	Mode Mode   `json:"mode"`
}

type ResumeRequest struct {
	ID   string `json:"-"`
	Mode Mode   `json:"mode"`
}

type CancelRequest struct {
	ID             string `json:"-"`
	Mode           Mode   `json:"mode"`
	IdempotencyKey string `json:"-"`
}

// ChangeRequest swaps the plan of a subscription. New billing terms take
// effect at the next renewal.
type ChangeRequest struct {
	ID                 string              `json:"-"`
	PlanID             string              `json:"plan_id"`
	BillingPeriod      *billingcycle.Unit  `json:"billing_period"`
	BillingPeriodCount *int                `json:"billing_period_count"`
	ProrationBehavior  *proration.Behavior `json:"proration_behavior"`
	ImmediateInvoicing bool                `json:"immediate_invoicing"`
	IdempotencyKey     string              `json:"-"`
}

type AddonRequest struct {
	SubscriptionID     string              `json:"-"`
	AddonID            string              `json:"addon_id"`
	Quantity           int64               `json:"quantity"`
	ProrationBehavior  *proration.Behavior `json:"proration_behavior"`
	ImmediateInvoicing bool                `json:"immediate_invoicing"`
	IdempotencyKey     string              `json:"-"`
}

// ChangeResult is a subscription after a change together with what the
// change was billed as: pending line items, or an invoice when it was
// invoiced immediately.
type ChangeResult struct {
	Subscription Subscription                    `json:"subscription"`
	Proration    proration.Result                `json:"proration"`
	Pending      []invoicedomain.PendingLineItem `json:"pending_line_items,omitempty"`
	Invoice      *invoicedomain.Invoice          `json:"invoice,omitempty"`
}

type ReportUsageRequest struct {
	SubscriptionID string          `json:"-"`
	EventID        string          `json:"event_id"`
	FeatureCode    string          `json:"feature_code"`
	Quantity       decimal.Decimal `json:"quantity"`
	Timestamp      *time.Time      `json:"timestamp"`
	Metadata       map[string]any  `json:"metadata"`
}

type ListSubscriptionRequest struct {
	PageToken   string     `form:"page_token"`
	PageSize    int32      `form:"page_size"`
	CustomerID  string     `form:"customer_id"`
	PlanID      string     `form:"plan_id"`
	Status      Status     `form:"status"`
	CreatedFrom *time.Time `form:"created_from"`
	CreatedTo   *time.Time `form:"created_to"`
}

type ListSubscriptionResponse struct {
	pagination.PageInfo
	Subscriptions []Subscription `json:"subscriptions"`
}

type Service interface {
	Create(ctx context.Context, req CreateSubscriptionRequest) (Subscription, error)
	Get(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	Search(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)

	Activate(ctx context.Context, req ActivateRequest) (Subscription, error)
	Pause(ctx context.Context, req PauseRequest) (Subscription, error)
	Resume(ctx context.Context, req ResumeRequest) (Subscription, error)
	// Cancel is a no-op on a canceled subscription or one already scheduled
	// to cancel at period end.
	Cancel(ctx context.Context, req CancelRequest) (Subscription, error)
	Change(ctx context.Context, req ChangeRequest) (ChangeResult, error)
	AddAddon(ctx context.Context, req AddonRequest) (ChangeResult, error)
	RemoveAddon(ctx context.Context, req AddonRequest) (ChangeResult, error)
	ReportUsage(ctx context.Context, req ReportUsageRequest) (usagedomain.IngestResult, error)

	// Renew applies due scheduled transitions, then closes every elapsed
	// period: one invoice and one round of credit grants per period.
	Renew(ctx context.Context, id string) (Subscription, error)
	ApplyScheduledTransitions(ctx context.Context, id string) (Subscription, error)
	ListDue(ctx context.Context, now time.Time, limit int) ([]Subscription, error)

	Preview(ctx context.Context, id string) (invoicedomain.Invoice, error)
	PreviewCustomer(ctx context.Context, customerID string) ([]invoicedomain.Invoice, error)
}

var (
	ErrInvalidID               = errs.Validation("invalid_id")
	ErrInvalidCustomer         = errs.Validation("invalid_customer")
	ErrInvalidPlan             = errs.Validation("invalid_plan")
	ErrInvalidAddon            = errs.Validation("invalid_addon")
	ErrInvalidQuantity         = errs.Validation("invalid_quantity")
	ErrInvalidCurrency         = errs.Validation("invalid_currency")
	ErrInvalidBillingPeriod    = errs.Validation("invalid_billing_period")
	ErrInvalidAnchor           = errs.Validation("invalid_billing_cycle_anchor")
	ErrInvalidProration        = errs.Validation("invalid_proration_behavior")
	ErrInvalidCollectionMethod = errs.Validation("invalid_collection_method")
	ErrInvalidMode             = errs.Validation("invalid_mode")
	ErrInvalidStartDate        = errs.Validation("invalid_start_date")
	ErrInvalidFeature          = errs.Validation("invalid_feature")
	ErrInvalidUsage            = errs.Validation("invalid_usage")
	ErrNoRecurringPrice        = errs.Validation("plan_has_no_recurring_price")
	ErrNotFound                = errs.NotFound("subscription_not_found")
	ErrAddonNotFound           = errs.NotFound("subscription_addon_not_found")
	ErrNotDraft                = errs.InvalidState("subscription_not_draft")
	ErrNotActive               = errs.InvalidState("subscription_not_active")
	ErrNotPaused               = errs.InvalidState("subscription_not_paused")
	ErrCanceled                = errs.InvalidState("subscription_canceled")
	ErrPauseScheduled          = errs.InvalidState("subscription_pause_scheduled")
	ErrCancelScheduled         = errs.InvalidState("subscription_cancel_scheduled")
	ErrFeatureNotEntitled      = errs.InvalidState("feature_not_entitled")
	ErrUsageOutsidePeriod      = errs.InvalidState("usage_outside_period")
	ErrSamePlan                = errs.Validation("subscription_same_plan")
	ErrOverlap                 = errs.Conflict("subscription_overlap")
	ErrAddonAttached           = errs.Conflict("subscription_addon_attached")
	ErrConcurrentUpdate        = errs.Conflict("subscription_concurrent_update")
)
