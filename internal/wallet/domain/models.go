package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type WalletStatus string

const (
	WalletStatusActive WalletStatus = "ACTIVE"
	WalletStatusClosed WalletStatus = "CLOSED"
)

// Wallet is a prepaid credit account. It stores no balance of its own; the
// balance is always the sum of its transactions.
type Wallet struct {
	ID             snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_wallets_customer_currency,priority:1" json:"organization_id"`
	CustomerID     snowflake.ID      `gorm:"not null;uniqueIndex:ux_wallets_customer_currency,priority:2" json:"customer_id"`
	Currency       string            `gorm:"type:text;not null;uniqueIndex:ux_wallets_customer_currency,priority:3" json:"currency"`
	Status         WalletStatus      `gorm:"type:text;not null" json:"status"`
	AllowOverdraft bool              `gorm:"not null" json:"allow_overdraft"`
	Version        int64             `gorm:"not null;default:1" json:"version"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	Balance        int64             `gorm:"->;-:migration" json:"balance"`
	CreatedAt      time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt      time.Time         `gorm:"not null" json:"updated_at"`
}

func (Wallet) TableName() string { return "wallets" }

type TransactionType string

const (
	TransactionCredit TransactionType = "CREDIT"
	TransactionDebit  TransactionType = "DEBIT"
)

type Reason string

const (
	ReasonTopUp            Reason = "TOP_UP"
	ReasonDebit            Reason = "DEBIT"
	ReasonCreditGrant      Reason = "CREDIT_GRANT"
	ReasonUsageDeduction   Reason = "USAGE_DEDUCTION"
	ReasonInvoicePayment   Reason = "INVOICE_PAYMENT"
	ReasonCreditNoteRefund Reason = "CREDIT_NOTE_REFUND"
	ReasonCreditExpired    Reason = "CREDIT_EXPIRED"
	ReasonReversal         Reason = "REVERSAL"
)

// Allows reports whether the reason may be used for a transaction type.
func (r Reason) Allows(t TransactionType) bool {
	switch r {
	case ReasonTopUp, ReasonCreditGrant, ReasonCreditNoteRefund:
		return t == TransactionCredit
	case ReasonDebit, ReasonUsageDeduction, ReasonInvoicePayment, ReasonCreditExpired:
		return t == TransactionDebit
	case ReasonReversal:
		return true
	}
	return false
}

// Transaction is an append-only ledger entry. Amount is signed: credits are
// positive and debits negative.
type Transaction struct {
	ID             snowflake.ID    `gorm:"primaryKey" json:"id"`
	OrgID          snowflake.ID    `gorm:"not null;index" json:"organization_id"`
	WalletID       snowflake.ID    `gorm:"not null;index;uniqueIndex:ux_wallet_transactions_key,priority:1" json:"wallet_id"`
	Type           TransactionType `gorm:"type:text;not null" json:"type"`
	Reason         Reason          `gorm:"type:text;not null" json:"reason"`
	Amount         int64           `gorm:"not null" json:"amount"`
	BalanceAfter   int64           `gorm:"not null" json:"balance_after"`
	IdempotencyKey *string         `gorm:"type:text;uniqueIndex:ux_wallet_transactions_key,priority:2" json:"idempotency_key,omitempty"`
	RequestHash    string          `gorm:"type:text" json:"-"`
	ReferenceType  string          `gorm:"type:text" json:"reference_type,omitempty"`
	ReferenceID    string          `gorm:"type:text;index" json:"reference_id,omitempty"`
	Description    string          `gorm:"type:text" json:"description,omitempty"`
	ExpiresAt      *time.Time      `json:"expires_at,omitempty"`
	CreatedAt      time.Time       `gorm:"not null" json:"created_at"`
}

func (Transaction) TableName() string { return "wallet_transactions" }
