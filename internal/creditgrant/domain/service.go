package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

type CreateCreditGrantRequest struct {
	Name           string            `json:"name"`
	Scope          Scope             `json:"scope"`
	PlanID         string            `json:"plan_id"`
	SubscriptionID string            `json:"subscription_id"`
	Amount         int64             `json:"amount"`
	Currency       string            `json:"currency"`
	Cadence        Cadence           `json:"cadence"`
	Period         billingcycle.Unit `json:"period"`
	PeriodCount    int               `json:"period_count"`
	ExpiryPolicy   ExpiryPolicy      `json:"expiry_policy"`
	ExpiryDuration int               `json:"expiry_duration"`
	ExpiryUnit     billingcycle.Unit `json:"expiry_unit"`
	Metadata       map[string]any    `json:"metadata"`
	IdempotencyKey string            `json:"-"`
}

type UpdateCreditGrantRequest struct {
	ID       string          `json:"-"`
	Name     *string         `json:"name"`
	Metadata *map[string]any `json:"metadata"`
}

type ListCreditGrantRequest struct {
	PageToken      string `form:"page_token"`
	PageSize       int32  `form:"page_size"`
	Scope          Scope  `form:"scope"`
	PlanID         string `form:"plan_id"`
	SubscriptionID string `form:"subscription_id"`
	Status         Status `form:"status"`
}

type ListCreditGrantResponse struct {
	pagination.PageInfo
	CreditGrants []CreditGrant `json:"credit_grants"`
}

// Target is the subscription period grants are applied for.
type Target struct {
	OrgID          snowflake.ID
	SubscriptionID snowflake.ID
	CustomerID     snowflake.ID
	Currency       string
	PlanIDs        []snowflake.ID
	Period         billingcycle.Period
}

type Service interface {
	Create(context.Context, CreateCreditGrantRequest) (CreditGrant, error)
	Get(context.Context, string) (CreditGrant, error)
	List(context.Context, ListCreditGrantRequest) (ListCreditGrantResponse, error)
	Update(context.Context, UpdateCreditGrantRequest) (CreditGrant, error)
	// Delete archives the grant. Credit already applied stays in wallets.
	Delete(context.Context, string) (CreditGrant, error)
	Applications(ctx context.Context, subscriptionID string) ([]Application, error)

	// ApplyForPeriodTx credits every grant due for target. Each (grant,
	// subscription, period) is applied at most once. Callers must hold the
	// customer's wallet lock.
	ApplyForPeriodTx(ctx context.Context, tx *gorm.DB, target Target) ([]Application, error)
	// ExpireDue debits credit whose expiry passed, once per application.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

var (
	ErrInvalidID           = errs.Validation("invalid_id")
	ErrInvalidName         = errs.Validation("invalid_name")
	ErrInvalidScope        = errs.Validation("invalid_scope")
	ErrInvalidPlan         = errs.Validation("invalid_plan")
	ErrInvalidSubscription = errs.Validation("invalid_subscription")
	ErrInvalidAmount       = errs.Validation("invalid_amount")
	ErrInvalidCurrency     = errs.Validation("invalid_currency")
	ErrInvalidCadence      = errs.Validation("invalid_cadence")
	ErrInvalidExpiry       = errs.Validation("invalid_expiry")
	ErrNotFound            = errs.NotFound("credit_grant_not_found")
	ErrArchived            = errs.InvalidState("credit_grant_archived")
)
