// Package domain contains credit note models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusFinalized Status = "FINALIZED"
)

// CreditNote reduces what a finalized invoice collects. RefundedAmount is
// the part returned to the customer's wallet because it exceeded what was
// still due.
type CreditNote struct {
	ID                  snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID               snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_credit_notes_number,priority:1" json:"organization_id"`
	InvoiceID           snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	CustomerID          snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	Number              string            `gorm:"type:text;not null;uniqueIndex:ux_credit_notes_number,priority:2" json:"number"`
	Currency            string            `gorm:"type:text;not null" json:"currency"`
	Status              Status            `gorm:"type:text;not null" json:"status"`
	Reason              string            `gorm:"type:text" json:"reason,omitempty"`
	Total               int64             `gorm:"not null" json:"total"`
	RefundedAmount      int64             `gorm:"not null;default:0" json:"refunded_amount"`
	WalletTransactionID *snowflake.ID     `json:"wallet_transaction_id,omitempty"`
	FinalizedAt         *time.Time        `json:"finalized_at,omitempty"`
	Metadata            datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt           time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt           time.Time         `gorm:"not null" json:"updated_at"`

	Lines []Line `gorm:"-" json:"lines,omitempty"`
}

func (CreditNote) TableName() string { return "credit_notes" }

type Line struct {
	ID           snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID        snowflake.ID `gorm:"not null;index" json:"organization_id"`
	CreditNoteID snowflake.ID `gorm:"not null;index" json:"credit_note_id"`
	InvoiceID    snowflake.ID `gorm:"not null;index" json:"invoice_id"`
	LineItemID   snowflake.ID `gorm:"not null;index" json:"line_item_id"`
	Amount       int64        `gorm:"not null" json:"amount"`
	Description  string       `gorm:"type:text" json:"description,omitempty"`
	CreatedAt    time.Time    `gorm:"not null" json:"created_at"`
}

func (Line) TableName() string { return "credit_note_lines" }
