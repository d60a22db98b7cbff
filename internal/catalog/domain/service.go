package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type CreatePlanRequest struct {
	Kind        PlanKind       `json:"kind"`
	Code        string         `json:"code"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

type UpdatePlanRequest struct {
	ID          string          `json:"-"`
	Code        *string         `json:"code"`
	Name        *string         `json:"name"`
	Description *string         `json:"description"`
	Active      *bool           `json:"active"`
	Metadata    *map[string]any `json:"metadata"`
}

type ListPlanRequest struct {
	Kind   PlanKind `form:"kind"`
	Active *bool    `form:"active"`
}

type CreatePriceRequest struct {
	PlanID             string            `json:"plan_id"`
	Currency           string            `json:"currency"`
	Cadence            Cadence           `json:"cadence"`
	BillingPeriod      billingcycle.Unit `json:"billing_period"`
	BillingPeriodCount int               `json:"billing_period_count"`
	BillingModel       pricing.Kind      `json:"billing_model"`
	Amount             int64             `json:"amount"`
	UnitAmount         decimal.Decimal   `json:"unit_amount"`
	TierMode           pricing.TierMode  `json:"tier_mode"`
	Tiers              []pricing.Tier    `json:"tiers"`
	FeatureID          string            `json:"feature_id"`
	Metadata           map[string]any    `json:"metadata"`
}

type UpdatePriceRequest struct {
	ID       string          `json:"-"`
	Amount   *int64          `json:"amount"`
	Active   *bool           `json:"active"`
	Metadata *map[string]any `json:"metadata"`
}

type CreateFeatureRequest struct {
	Code string      `json:"code"`
	Name string      `json:"name"`
	Type FeatureType `json:"type"`
}

type UpdateFeatureRequest struct {
	ID   string  `json:"-"`
	Name *string `json:"name"`
}

type CreateEntitlementRequest struct {
	PlanID           string                   `json:"plan_id"`
	FeatureID        string                   `json:"feature_id"`
	Enabled          bool                     `json:"enabled"`
	UsageLimit       *int64                   `json:"usage_limit"`
	UsageResetPeriod billingcycle.ResetPeriod `json:"usage_reset_period"`
}

type UpdateEntitlementRequest struct {
	ID               string                    `json:"-"`
	Enabled          *bool                     `json:"enabled"`
	UsageLimit       *int64                    `json:"usage_limit"`
	Unlimited        bool                      `json:"unlimited"`
	UsageResetPeriod *billingcycle.ResetPeriod `json:"usage_reset_period"`
}

type Service interface {
	CreatePlan(context.Context, CreatePlanRequest) (Plan, error)
	GetPlan(context.Context, string) (Plan, error)
	ListPlans(context.Context, ListPlanRequest) ([]Plan, error)
	UpdatePlan(context.Context, UpdatePlanRequest) (Plan, error)

	CreatePrice(context.Context, CreatePriceRequest) (Price, error)
	GetPrice(context.Context, string) (Price, error)
	ListPrices(ctx context.Context, planID string) ([]Price, error)
	UpdatePrice(context.Context, UpdatePriceRequest) (Price, error)

	CreateFeature(context.Context, CreateFeatureRequest) (Feature, error)
	GetFeature(context.Context, string) (Feature, error)
	GetFeatureByCode(ctx context.Context, code string) (Feature, error)
	ListFeatures(context.Context) ([]Feature, error)
	UpdateFeature(context.Context, UpdateFeatureRequest) (Feature, error)

	CreateEntitlement(context.Context, CreateEntitlementRequest) (Entitlement, error)
	ListEntitlements(ctx context.Context, planID string) ([]Entitlement, error)
	UpdateEntitlement(context.Context, UpdateEntitlementRequest) (Entitlement, error)

	// PlanPrices returns the active prices of a plan or addon in currency.
	PlanPrices(ctx context.Context, planID snowflake.ID, currency string) ([]Price, error)
	// PlanEntitlements returns the entitlements of every plan in planIDs.
	PlanEntitlements(ctx context.Context, planIDs []snowflake.ID) ([]Entitlement, error)
}

var (
	ErrInvalidOrganization = errs.Validation("invalid_organization")
	ErrInvalidID           = errs.Validation("invalid_id")
	ErrInvalidKind         = errs.Validation("invalid_kind")
	ErrInvalidName         = errs.Validation("invalid_name")
	ErrInvalidCode         = errs.Validation("invalid_code")
	ErrInvalidCurrency     = errs.Validation("invalid_currency")
	ErrInvalidCadence      = errs.Validation("invalid_cadence")
	ErrInvalidFeature      = errs.Validation("invalid_feature")
	ErrInvalidFeatureType  = errs.Validation("invalid_feature_type")
	ErrInvalidUsageLimit   = errs.Validation("invalid_usage_limit")
	ErrInvalidResetPeriod  = errs.Validation("invalid_usage_reset_period")
	ErrMeteredOneTime      = errs.Validation("metered_price_must_recur")
	ErrPlanNotFound        = errs.NotFound("plan_not_found")
	ErrPriceNotFound       = errs.NotFound("price_not_found")
	ErrFeatureNotFound     = errs.NotFound("feature_not_found")
	ErrEntitlementNotFound = errs.NotFound("entitlement_not_found")
	ErrCodeTaken           = errs.Conflict("code_taken")
	ErrEntitlementExists   = errs.Conflict("entitlement_exists")
	ErrPlanInUse           = errs.InvalidState("plan_in_use")
)
