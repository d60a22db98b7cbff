// Package domain contains persistence models for invoicing.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusFinalized Status = "FINALIZED"
	StatusVoid      Status = "VOID"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// CollectionMethod decides how a finalized invoice gets paid.
type CollectionMethod string

const (
	CollectSendInvoice  CollectionMethod = "SEND_INVOICE"
	CollectChargeWallet CollectionMethod = "CHARGE_WALLET"
)

func (m CollectionMethod) Valid() bool {
	return m == CollectSendInvoice || m == CollectChargeWallet
}

// Invoice amounts are integer minor units. At every persisted state
// Total = Subtotal + Tax and AmountDue = Total - AmountPaid.
type Invoice struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_invoices_number,priority:1" json:"organization_id"`
	CustomerID       snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	SubscriptionID   *snowflake.ID     `gorm:"index" json:"subscription_id,omitempty"`
	Number           string            `gorm:"type:text;not null;uniqueIndex:ux_invoices_number,priority:2" json:"number"`
	Currency         string            `gorm:"type:text;not null" json:"currency"`
	PeriodStart      *time.Time        `json:"period_start,omitempty"`
	PeriodEnd        *time.Time        `json:"period_end,omitempty"`
	Status           Status            `gorm:"type:text;not null" json:"status"`
	PaymentStatus    PaymentStatus     `gorm:"type:text;not null" json:"payment_status"`
	CollectionMethod CollectionMethod  `gorm:"type:text;not null" json:"collection_method"`
	Subtotal         int64             `gorm:"not null;default:0" json:"subtotal"`
	Tax              int64             `gorm:"not null;default:0" json:"tax"`
	Total            int64             `gorm:"not null;default:0" json:"total"`
	AmountPaid       int64             `gorm:"not null;default:0" json:"amount_paid"`
	AmountDue        int64             `gorm:"not null;default:0" json:"amount_due"`
	AmountCredited   int64             `gorm:"not null;default:0" json:"amount_credited"`
	AutoPaid         bool              `gorm:"not null;default:false" json:"auto_paid"`
	DueAt            *time.Time        `json:"due_at,omitempty"`
	FinalizedAt      *time.Time        `json:"finalized_at,omitempty"`
	PaidAt           *time.Time        `json:"paid_at,omitempty"`
	VoidedAt         *time.Time        `json:"voided_at,omitempty"`
	Version          int64             `gorm:"not null;default:1" json:"version"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`

	Lines []LineItem `gorm:"-" json:"lines,omitempty"`
}

func (Invoice) TableName() string { return "invoices" }

// Recompute derives the totals from the line items and tax.
func (i *Invoice) Recompute() {
	var subtotal int64
	for _, line := range i.Lines {
		subtotal += line.Amount
	}
	i.Subtotal = subtotal
	i.Total = i.Subtotal + i.Tax
	i.AmountDue = i.Total - i.AmountPaid
}

// Collectable is what may still be paid once credit notes are deducted.
func (i Invoice) Collectable() int64 {
	return i.Total - i.AmountCredited - i.AmountPaid
}

// FullyPaid reports FINALIZED with payment status SUCCEEDED.
func (i Invoice) FullyPaid() bool {
	return i.Status == StatusFinalized && i.PaymentStatus == PaymentSucceeded
}

type LineSource string

const (
	SourceRecurring LineSource = "RECURRING"
	SourceUsage     LineSource = "USAGE"
	SourceProration LineSource = "PRORATION"
	SourceOneOff    LineSource = "ONE_OFF"
	SourceAddon     LineSource = "ADDON"
	SourceCredit    LineSource = "CREDIT"
)

func (s LineSource) Valid() bool {
	switch s {
	case SourceRecurring, SourceUsage, SourceProration, SourceOneOff, SourceAddon, SourceCredit:
		return true
	}
	return false
}

// AllowsNegative reports whether lines of this source may carry a negative
// amount.
func (s LineSource) AllowsNegative() bool {
	return s == SourceProration || s == SourceCredit
}

type LineItem struct {
	ID          snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID       snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	InvoiceID   snowflake.ID      `gorm:"not null;index" json:"invoice_id"`
	Name        string            `gorm:"type:text;not null" json:"name"`
	Quantity    decimal.Decimal   `gorm:"type:numeric;not null" json:"quantity"`
	UnitAmount  decimal.Decimal   `gorm:"type:numeric;not null" json:"unit_amount"`
	Amount      int64             `gorm:"not null" json:"amount"`
	Source      LineSource        `gorm:"type:text;not null" json:"source"`
	SourceID    *snowflake.ID     `json:"source_id,omitempty"`
	PriceID     *snowflake.ID     `json:"price_id,omitempty"`
	PeriodStart *time.Time        `json:"period_start,omitempty"`
	PeriodEnd   *time.Time        `json:"period_end,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CreatedAt   time.Time         `gorm:"not null" json:"created_at"`
}

func (LineItem) TableName() string { return "invoice_line_items" }

// InvoicePayment records that a payment was applied to an invoice. The
// unique (invoice, payment) pair makes applying a payment idempotent.
type InvoicePayment struct {
	ID        snowflake.ID `gorm:"primaryKey" json:"id"`
	OrgID     snowflake.ID `gorm:"not null;index" json:"organization_id"`
	InvoiceID snowflake.ID `gorm:"not null;uniqueIndex:ux_invoice_payments,priority:1" json:"invoice_id"`
	PaymentID snowflake.ID `gorm:"not null;uniqueIndex:ux_invoice_payments,priority:2" json:"payment_id"`
	Amount    int64        `gorm:"not null" json:"amount"`
	CreatedAt time.Time    `gorm:"not null" json:"created_at"`
}

func (InvoicePayment) TableName() string { return "invoice_payments" }

// PendingLineItem holds a charge or credit produced between invoices, such
// as a proration, until the next invoice of the subscription consumes it.
type PendingLineItem struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID    `gorm:"not null;index" json:"organization_id"`
	SubscriptionID snowflake.ID    `gorm:"not null;index" json:"subscription_id"`
	CustomerID     snowflake.ID    `gorm:"not null" json:"customer_id"`
	Currency       string          `gorm:"type:text;not null" json:"currency"`
	Name           string          `gorm:"type:text;not null" json:"name"`
	Quantity       decimal.Decimal `gorm:"type:numeric;not null" json:"quantity"`
	UnitAmount     decimal.Decimal `gorm:"type:numeric;not null" json:"unit_amount"`
	Amount         int64           `gorm:"not null" json:"amount"`
	Source         LineSource      `gorm:"type:text;not null" json:"source"`
	SourceID       *snowflake.ID   `json:"source_id,omitempty"`
	PriceID        *snowflake.ID   `json:"price_id,omitempty"`
	PeriodStart    *time.Time      `json:"period_start,omitempty"`
	PeriodEnd      *time.Time      `json:"period_end,omitempty"`
	InvoiceID      *snowflake.ID   `gorm:"index" json:"invoice_id,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
}

func (PendingLineItem) TableName() string { return "pending_line_items" }
