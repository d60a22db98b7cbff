package domain

import (
	"context"

	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
)

type CreatePaymentRequest struct {
	CustomerID     string         `json:"customer_id"`
	InvoiceID      string         `json:"invoice_id"`
	Amount         int64          `json:"amount"`
	Currency       string         `json:"currency"`
	Method         Method         `json:"method"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"-"`
}

type UpdatePaymentRequest struct {
	ID       string          `json:"-"`
	Method   *Method         `json:"method"`
	Metadata *map[string]any `json:"metadata"`
}

type ListPaymentRequest struct {
	PageToken  string `form:"page_token"`
	PageSize   int32  `form:"page_size"`
	CustomerID string `form:"customer_id"`
	InvoiceID  string `form:"invoice_id"`
	Status     Status `form:"status"`
	Method     Method `form:"method"`
}

type ListPaymentResponse struct {
	pagination.PageInfo
	Payments []Payment `json:"payments"`
}

type Service interface {
	Create(context.Context, CreatePaymentRequest) (Payment, error)
	Get(context.Context, string) (Payment, error)
	List(context.Context, ListPaymentRequest) (ListPaymentResponse, error)
	// Update edits a PENDING payment's method or metadata.
	Update(context.Context, UpdatePaymentRequest) (Payment, error)
	// Delete removes a payment that never succeeded.
	Delete(context.Context, string) error
	// Process collects a PENDING payment and applies it to its invoice.
	// Declines end in FAILED without an error. An unknown gateway outcome,
	// including a timeout, leaves the payment PENDING and returns a
	// dependency error so the call can be retried.
	Process(context.Context, string) (Payment, error)
}

var (
	ErrInvalidID          = errs.Validation("invalid_id")
	ErrInvalidCustomer    = errs.Validation("invalid_customer")
	ErrInvalidInvoice     = errs.Validation("invalid_invoice")
	ErrInvalidAmount      = errs.Validation("invalid_amount")
	ErrInvalidCurrency    = errs.Validation("invalid_currency")
	ErrInvalidMethod      = errs.Validation("invalid_payment_method")
	ErrNotFound           = errs.NotFound("payment_not_found")
	ErrNotPending         = errs.InvalidState("payment_not_pending")
	ErrSucceeded          = errs.InvalidState("payment_succeeded")
	ErrGatewayNotFound    = errs.Dependency("payment_gateway_not_configured")
	ErrGatewayTimeout     = errs.Dependency("payment_gateway_timeout")
	ErrGatewayUnavailable = errs.Dependency("payment_gateway_unavailable")
)
