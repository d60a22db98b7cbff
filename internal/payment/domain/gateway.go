package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
)

type ChargeRequest struct {
	PaymentID  snowflake.ID
	CustomerID snowflake.ID
	InvoiceID  *snowflake.ID
	Amount     int64
	Currency   string
	// IdempotencyKey is stable across attempts so a charge that timed out
	// is not taken twice when it is retried.
	IdempotencyKey string
}

type ChargeResult struct {
	Reference     string
	Succeeded     bool
	FailureReason string
}

// Gateway collects payments for one method. An error means the outcome is
// unknown and the charge may be retried; a declined charge is a result with
// Succeeded false.
type Gateway interface {
	Method() Method
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, reference string, amount int64) error
}
