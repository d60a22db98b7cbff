// Package domain contains credit grant models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"gorm.io/datatypes"
)

type Scope string

const (
	ScopePlan         Scope = "PLAN"
	ScopeSubscription Scope = "SUBSCRIPTION"
)

type Cadence string

const (
	CadenceOneTime   Cadence = "ONE_TIME"
	CadenceRecurring Cadence = "RECURRING"
)

type ExpiryPolicy string

const (
	ExpiryNever    ExpiryPolicy = "NEVER"
	ExpiryDuration ExpiryPolicy = "DURATION"
)

type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// CreditGrant puts prepaid credit into a subscriber's wallet, once or on a
// recurring cadence.
type CreditGrant struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	Name           string            `gorm:"type:text;not null" json:"name"`
	Scope          Scope             `gorm:"type:text;not null" json:"scope"`
	PlanID         *snowflake.ID     `gorm:"index" json:"plan_id,omitempty"`
	SubscriptionID *snowflake.ID     `gorm:"index" json:"subscription_id,omitempty"`
	Amount         int64             `gorm:"not null" json:"amount"`
	Currency       string            `gorm:"type:text;not null" json:"currency"`
	Cadence        Cadence           `gorm:"type:text;not null" json:"cadence"`
	Period         billingcycle.Unit `gorm:"type:text" json:"period,omitempty"`
	PeriodCount    int               `gorm:"not null;default:1" json:"period_count"`
	ExpiryPolicy   ExpiryPolicy      `gorm:"type:text;not null" json:"expiry_policy"`
	ExpiryDuration int               `gorm:"not null;default:0" json:"expiry_duration,omitempty"`
	ExpiryUnit     billingcycle.Unit `gorm:"type:text" json:"expiry_unit,omitempty"`
	Status         Status            `gorm:"type:text;not null" json:"status"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// ExpiresAt returns when credit granted at start expires, or nil when it
// never does.
func (g CreditGrant) ExpiresAt(start time.Time) *time.Time {
	if g.ExpiryPolicy != ExpiryDuration || g.ExpiryDuration <= 0 {
		return nil
	}
	t := billingcycle.Add(start, g.ExpiryUnit, g.ExpiryDuration)
	return &t
}

// Application records one grant credited to one subscription for the period
// starting at PeriodStart.
type Application struct {
	ID             snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID `gorm:"not null;index" json:"organization_id"`
	GrantID        snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_grant_applications,priority:1" json:"grant_id"`
	SubscriptionID snowflake.ID `gorm:"not null;uniqueIndex:ux_credit_grant_applications,priority:2" json:"subscription_id"`
	PeriodStart    time.Time    `gorm:"not null;uniqueIndex:ux_credit_grant_applications,priority:3" json:"period_start"`
	CustomerID     snowflake.ID `gorm:"not null" json:"customer_id"`
	WalletID       snowflake.ID `gorm:"not null" json:"wallet_id"`
	TransactionID  snowflake.ID `gorm:"not null" json:"transaction_id"`
	Amount         int64        `gorm:"not null" json:"amount"`
	ExpiresAt      *time.Time   `gorm:"index" json:"expires_at,omitempty"`
	Expired        bool         `gorm:"not null;default:false" json:"expired"`
	ExpiredAmount  int64        `gorm:"not null;default:0" json:"expired_amount"`
	ExpiredAt      *time.Time   `json:"expired_at,omitempty"`
	CreatedAt      time.Time    `gorm:"not null" json:"created_at"`
}

func (Application) TableName() string { return "credit_grant_applications" }
