// Package domain contains the persistence models for metered usage.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// Event is one accepted unit of metered activity. EventID is supplied by the
// producer and deduplicates retried deliveries.
type Event struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;uniqueIndex:ux_usage_events_event,priority:1" json:"organization_id"`
	EventID        string            `gorm:"type:text;not null;uniqueIndex:ux_usage_events_event,priority:2" json:"event_id"`
	CustomerID     snowflake.ID      `gorm:"not null;index:ix_usage_events_customer,priority:1" json:"customer_id"`
	FeatureID      snowflake.ID      `gorm:"not null;index:ix_usage_events_customer,priority:2" json:"feature_id"`
	SubscriptionID *snowflake.ID     `json:"subscription_id,omitempty"`
	Quantity       decimal.Decimal   `gorm:"type:numeric;not null" json:"quantity"`
	Timestamp      time.Time         `gorm:"not null" json:"timestamp"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
}

func (Event) TableName() string { return "usage_events" }

// Counter aggregates events for one (customer, feature, window). Snapshot is
// the high-water mark handed to invoicing and never decreases.
type Counter struct {
	ID          snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_counters_window,priority:1" json:"organization_id"`
	CustomerID  snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_counters_window,priority:2" json:"customer_id"`
	FeatureID   snowflake.ID    `gorm:"not null;uniqueIndex:ux_usage_counters_window,priority:3" json:"feature_id"`
	PeriodStart time.Time       `gorm:"not null;uniqueIndex:ux_usage_counters_window,priority:4" json:"period_start"`
	PeriodEnd   time.Time       `gorm:"not null;uniqueIndex:ux_usage_counters_window,priority:5" json:"period_end"`
	Quantity    decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"quantity"`
	Snapshot    decimal.Decimal `gorm:"type:numeric;not null;default:0" json:"snapshot"`
	SnapshotAt  *time.Time      `json:"snapshot_at,omitempty"`
	CreatedAt   time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt   time.Time       `gorm:"not null" json:"updated_at"`
}

func (Counter) TableName() string { return "usage_counters" }
