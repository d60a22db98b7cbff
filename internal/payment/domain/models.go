// Package domain contains payment models and the gateway contract.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Method string

const (
	MethodCard         Method = "CARD"
	MethodBankTransfer Method = "BANK_TRANSFER"
	MethodWallet       Method = "WALLET"
	MethodOffline      Method = "OFFLINE"
)

func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodBankTransfer, MethodWallet, MethodOffline:
		return true
	}
	return false
}

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Payment moves money from a customer towards an invoice. It only leaves
// PENDING once, to SUCCEEDED or FAILED.
type Payment struct {
	ID               snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID            snowflake.ID      `gorm:"not null;index" json:"organization_id"`
	CustomerID       snowflake.ID      `gorm:"not null;index" json:"customer_id"`
	InvoiceID        *snowflake.ID     `gorm:"index" json:"invoice_id,omitempty"`
	Amount           int64             `gorm:"not null" json:"amount"`
	Currency         string            `gorm:"type:text;not null" json:"currency"`
	Method           Method            `gorm:"type:text;not null" json:"method"`
	Status           Status            `gorm:"type:text;not null" json:"status"`
	GatewayReference string            `gorm:"type:text" json:"gateway_reference,omitempty"`
	FailureReason    string            `gorm:"type:text" json:"failure_reason,omitempty"`
	Attempts         int               `gorm:"not null;default:0" json:"attempts"`
	Metadata         datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	ProcessedAt      *time.Time        `json:"processed_at,omitempty"`
	CreatedAt        time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt        time.Time         `gorm:"not null" json:"updated_at"`
}

func (Payment) TableName() string { return "payments" }
