// Package events records domain events in a transactional outbox and relays
// them to a Publisher once the originating transaction has committed.
package events

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const (
	EventSubscriptionActivated = "subscription.activated"
	EventSubscriptionPaused    = "subscription.paused"
	EventSubscriptionResumed   = "subscription.resumed"
	EventSubscriptionCanceled  = "subscription.canceled"
	EventSubscriptionChanged   = "subscription.changed"
	EventInvoiceFinalized      = "invoice.finalized"
	EventInvoiceVoided         = "invoice.voided"
	EventInvoicePaid           = "invoice.paid"
	EventWalletCredited        = "wallet.credited"
	EventWalletDebited         = "wallet.debited"
	EventCreditGrantApplied    = "credit_grant.applied"
)

type Event struct {
	OrgID         snowflake.ID
	Type          string
	AggregateType string
	AggregateID   string
	Payload       map[string]any
	// DedupeKey makes a publish idempotent. Leave empty for events that may
	// legitimately repeat (pause after resume).
	DedupeKey string
}

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "PENDING"
	OutboxStatusPublished OutboxStatus = "PUBLISHED"
	OutboxStatusFailed    OutboxStatus = "FAILED"
)

type OutboxEvent struct {
	ID            snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID         snowflake.ID      `gorm:"not null;index" json:"org_id"`
	Type          string            `gorm:"not null;index" json:"type"`
	AggregateType string            `gorm:"not null" json:"aggregate_type"`
	AggregateID   string            `gorm:"not null;index" json:"aggregate_id"`
	Payload       datatypes.JSONMap `gorm:"type:jsonb;not null" json:"payload"`
	DedupeKey     string            `gorm:"not null;uniqueIndex" json:"dedupe_key"`
	Status        OutboxStatus      `gorm:"not null;index" json:"status"`
	Attempts      int               `gorm:"not null;default:0" json:"attempts"`
	LastError     string            `json:"last_error,omitempty"`
	CreatedAt     time.Time         `gorm:"not null;index" json:"created_at"`
	PublishedAt   *time.Time        `json:"published_at,omitempty"`
}

func (OutboxEvent) TableName() string { return "outbox_events" }

// Message is the envelope handed to publishers.
type Message struct {
	ID            string         `json:"id"`
	OrgID         string         `json:"org_id"`
	Type          string         `json:"type"`
	AggregateType string         `json:"aggregate_type"`
	AggregateID   string         `json:"aggregate_id"`
	Payload       map[string]any `json:"payload"`
	OccurredAt    time.Time      `json:"occurred_at"`
}

func messageFromOutbox(ev OutboxEvent) Message {
	return Message{
		ID:            ev.ID.String(),
		OrgID:         ev.OrgID.String(),
		Type:          ev.Type,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		Payload:       map[string]any(ev.Payload),
		OccurredAt:    ev.CreatedAt,
	}
}
