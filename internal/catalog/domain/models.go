package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/pricing"
	"gorm.io/datatypes"
)

type PlanKind string

const (
	KindPlan  PlanKind = "PLAN"
	KindAddon PlanKind = "ADDON"
)

// Plan is a sellable offering. Addons share the table and differ by Kind.
type Plan struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_plans_code,priority:1" json:"organization_id"`
	Kind        PlanKind          `gorm:"type:text;not null;uniqueIndex:ux_plans_code,priority:2" json:"kind"`
	Code        string            `gorm:"type:text;not null;uniqueIndex:ux_plans_code,priority:3" json:"code"`
	Name        string            `gorm:"type:text;not null" json:"name"`
	Description string            `gorm:"type:text" json:"description,omitempty"`
	Active      bool              `gorm:"not null;default:true" json:"active"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time         `gorm:"not null" json:"updated_at"`
}

func (Plan) TableName() string { return "plans" }

type Cadence string

const (
	CadenceOneTime   Cadence = "ONE_TIME"
	CadenceRecurring Cadence = "RECURRING"
)

type Price struct {
	ID                 snowflake.ID                      `gorm:"primaryKey" json:"id"`
	OrgID              snowflake.ID                      `gorm:"not null;index" json:"organization_id"`
	PlanID             snowflake.ID                      `gorm:"not null;index" json:"plan_id"`
	Currency           string                            `gorm:"type:text;not null" json:"currency"`
	Cadence            Cadence                           `gorm:"type:text;not null" json:"cadence"`
	BillingPeriod      billingcycle.Unit                 `gorm:"type:text" json:"billing_period,omitempty"`
	BillingPeriodCount int                               `gorm:"not null;default:1" json:"billing_period_count"`
	BillingModel       pricing.Kind                      `gorm:"type:text;not null" json:"billing_model"`
	Amount             int64                             `gorm:"not null;default:0" json:"amount"`
	UnitAmount         decimal.Decimal                   `gorm:"type:numeric;not null;default:0" json:"unit_amount"`
	TierMode           pricing.TierMode                  `gorm:"type:text" json:"tier_mode,omitempty"`
	Tiers              datatypes.JSONSlice[pricing.Tier] `gorm:"type:jsonb" json:"tiers,omitempty"`
	FeatureID          *snowflake.ID                     `gorm:"index" json:"feature_id,omitempty"`
	Active             bool                              `gorm:"not null;default:true" json:"active"`
	Metadata           datatypes.JSONMap                 `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt          time.Time                         `gorm:"not null" json:"created_at"`
	UpdatedAt          time.Time                         `gorm:"not null" json:"updated_at"`
}

func (Price) TableName() string { return "prices" }

// Model returns the billing model variant the price is computed with.
func (p Price) Model() (pricing.Model, error) {
	switch p.BillingModel {
	case pricing.KindFlatFee:
		return pricing.FlatFee{Amount: p.Amount}, nil
	case pricing.KindUsage:
		return pricing.Usage{UnitAmount: p.UnitAmount}, nil
	case pricing.KindTiered:
		return pricing.Tiered{Mode: p.TierMode, Tiers: []pricing.Tier(p.Tiers)}, nil
	}
	return nil, pricing.ErrInvalidModel
}

// IsMetered reports whether the price bills usage in arrears.
func (p Price) IsMetered() bool {
	return p.BillingModel == pricing.KindUsage || p.BillingModel == pricing.KindTiered
}

type FeatureType string

const (
	FeatureBoolean FeatureType = "BOOLEAN"
	FeatureMetered FeatureType = "METERED"
)

type Feature struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;index;uniqueIndex:ux_features_code,priority:1" json:"organization_id"`
	Code      string       `gorm:"type:text;not null;uniqueIndex:ux_features_code,priority:2" json:"code"`
	Name      string       `gorm:"type:text;not null" json:"name"`
	Type      FeatureType  `gorm:"type:text;not null" json:"type"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time    `gorm:"not null" json:"updated_at"`
}

func (Feature) TableName() string { return "features" }

// Entitlement grants a feature to every subscriber of a plan or addon.
// A nil UsageLimit is unlimited.
type Entitlement struct {
	ID               snowflake.ID             `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID             `gorm:"not null;index" json:"organization_id"`
	PlanID           snowflake.ID             `gorm:"not null;uniqueIndex:ux_entitlements_plan_feature,priority:1" json:"plan_id"`
	FeatureID        snowflake.ID             `gorm:"not null;uniqueIndex:ux_entitlements_plan_feature,priority:2" json:"feature_id"`
	Enabled          bool                     `gorm:"not null" json:"enabled"`
	UsageLimit       *int64                   `json:"usage_limit,omitempty"`
	UsageResetPeriod billingcycle.ResetPeriod `gorm:"type:text;not null" json:"usage_reset_period"`
	CreatedAt        time.Time                `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time                `gorm:"not null" json:"updated_at"`
}

func (Entitlement) TableName() string { return "entitlements" }
