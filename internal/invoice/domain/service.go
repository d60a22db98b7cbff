package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

// LineInput is a line item supplied by a caller. A zero Quantity means 1
// and a nil UnitAmount means Amount divided by Quantity.
type LineInput struct {
	Name        string           `json:"name"`
	Quantity    decimal.Decimal  `json:"quantity"`
	UnitAmount  *decimal.Decimal `json:"unit_amount"`
	Amount      int64            `json:"amount"`
	Source      LineSource       `json:"source"`
	SourceID    *snowflake.ID    `json:"source_id"`
	PriceID     *snowflake.ID    `json:"price_id"`
	PeriodStart *time.Time       `json:"period_start"`
	PeriodEnd   *time.Time       `json:"period_end"`
	Metadata    map[string]any   `json:"metadata"`
}

type CreateInvoiceRequest struct {
	CustomerID       string           `json:"customer_id"`
	SubscriptionID   string           `json:"subscription_id"`
	Currency         string           `json:"currency"`
	PeriodStart      *time.Time       `json:"period_start"`
	PeriodEnd        *time.Time       `json:"period_end"`
	Tax              int64            `json:"tax"`
	DueAt            *time.Time       `json:"due_at"`
	CollectionMethod CollectionMethod `json:"collection_method"`
	Lines            []LineInput      `json:"lines"`
	Metadata         map[string]any   `json:"metadata"`
	IdempotencyKey   string           `json:"-"`
}

// Draft is a validated invoice ready to be written inside a transaction.
type Draft struct {
	CustomerID       snowflake.ID
	SubscriptionID   *snowflake.ID
	Currency         string
	Period           *billingcycle.Period
	Tax              int64
	DueAt            *time.Time
	CollectionMethod CollectionMethod
	Lines            []LineInput
	Metadata         map[string]any
}

type UpdateInvoiceRequest struct {
	ID       string          `json:"-"`
	Tax      *int64          `json:"tax"`
	DueAt    *time.Time      `json:"due_at"`
	Lines    *[]LineInput    `json:"lines"`
	Metadata *map[string]any `json:"metadata"`
}

type ListInvoiceRequest struct {
	PageToken      string        `form:"page_token"`
	PageSize       int32         `form:"page_size"`
	CustomerID     string        `form:"customer_id"`
	SubscriptionID string        `form:"subscription_id"`
	Status         Status        `form:"status"`
	PaymentStatus  PaymentStatus `form:"payment_status"`
	Number         string        `form:"number"`
	TotalMin       *int64        `form:"total_min"`
	TotalMax       *int64        `form:"total_max"`
	CreatedFrom    *time.Time    `form:"created_from"`
	CreatedTo      *time.Time    `form:"created_to"`
}

type ListInvoiceFilter struct {
	CustomerID     snowflake.ID
	SubscriptionID snowflake.ID
	Status         Status
	PaymentStatus  PaymentStatus
	Number         string
	TotalMin       *int64
	TotalMax       *int64
	CreatedFrom    *time.Time
	CreatedTo      *time.Time
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

type ApplyPaymentRequest struct {
	InvoiceID string `json:"-"`
	PaymentID string `json:"payment_id"`
	Amount    int64  `json:"amount"`
}

type RecordPaymentRequest struct {
	InvoiceID      string         `json:"-"`
	Amount         int64          `json:"amount"`
	Reference      string         `json:"reference"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"-"`
}

// Product is a plan or addon billed on a subscription invoice. Prices must
// already be resolved in the subject currency.
type Product struct {
	ProductID snowflake.ID
	Name      string
	Quantity  int64
	Addon     bool
	Prices    []catalogdomain.Price
}

// Subject describes what a subscription invoice bills.
type Subject struct {
	OrgID            snowflake.ID
	CustomerID       snowflake.ID
	SubscriptionID   snowflake.ID
	Currency         string
	CollectionMethod CollectionMethod
	Products         []Product
}

// GenerateRequest builds a subscription invoice. Arrears is the usage window
// to bill metered prices for, Advance the period recurring fees are charged
// for ahead of time and AdvanceFactor the share of it charged (zero means
// all of it). AdvanceSubject, when set, replaces Subject for the one-time and
// recurring charges so a period can close on the old terms and open on new
// ones. With SkipEmpty nothing is written when there is nothing to
// bill and a zero Invoice is returned.
type GenerateRequest struct {
	Subject        Subject
	AdvanceSubject *Subject
	Period         billingcycle.Period
	Arrears        *billingcycle.Period
	Advance        *billingcycle.Period
	AdvanceFactor  decimal.Decimal
	IncludeOneTime bool
	IncludePending bool
	Extra          []LineInput
	Finalize       bool
	SkipEmpty      bool
}

type Service interface {
	Create(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	Get(ctx context.Context, id string) (Invoice, error)
	List(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	Search(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	Update(ctx context.Context, req UpdateInvoiceRequest) (Invoice, error)
	Finalize(ctx context.Context, id string) (Invoice, error)
	Void(ctx context.Context, id string) (Invoice, error)
	ApplyPayment(ctx context.Context, req ApplyPaymentRequest) (Invoice, error)
	RecordPayment(ctx context.Context, req RecordPaymentRequest) (Invoice, error)
	// Preview projects the invoice GenerateRequest would produce without
	// writing anything.
	Preview(ctx context.Context, req GenerateRequest) (Invoice, error)
	GenerateForPeriod(ctx context.Context, req GenerateRequest) (Invoice, error)

	// ResolvePrices fills the prices of every product in subject. It must run
	// before the transaction the subject is billed in.
	ResolvePrices(ctx context.Context, subject *Subject) error
	ListPending(ctx context.Context, subscriptionID snowflake.ID) ([]PendingLineItem, error)

	CreateTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, draft Draft) (Invoice, error)
	GenerateTx(ctx context.Context, tx *gorm.DB, req GenerateRequest) (Invoice, error)
	FinalizeTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (Invoice, error)
	ApplyPaymentTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID, paymentID snowflake.ID, amount int64) (Invoice, error)
	// CreditTx raises AmountCredited and returns the part of amount that
	// exceeds what was still collectable.
	CreditTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID, amount int64) (Invoice, int64, error)
	AddPendingTx(ctx context.Context, tx *gorm.DB, items []PendingLineItem) error
	FindForUpdateTx(ctx context.Context, tx *gorm.DB, orgID, invoiceID snowflake.ID) (*Invoice, error)
}

var (
	ErrInvalidID               = errs.Validation("invalid_id")
	ErrInvalidCustomer         = errs.Validation("invalid_customer")
	ErrInvalidCurrency         = errs.Validation("invalid_currency")
	ErrInvalidPeriod           = errs.Validation("invalid_period")
	ErrInvalidTax              = errs.Validation("invalid_tax")
	ErrInvalidAmount           = errs.Validation("invalid_amount")
	ErrInvalidLineItem         = errs.Validation("invalid_line_item")
	ErrInvalidCollectionMethod = errs.Validation("invalid_collection_method")
	ErrInvalidPayment          = errs.Validation("invalid_payment")
	ErrNotFound                = errs.NotFound("invoice_not_found")
	ErrNotDraft                = errs.InvalidState("invoice_not_draft")
	ErrNotFinalized            = errs.InvalidState("invoice_not_finalized")
	ErrHasPayments             = errs.InvalidState("invoice_has_payments")
	ErrAlreadyPaid             = errs.InvalidState("invoice_already_paid")
	ErrVoided                  = errs.InvalidState("invoice_void")
	ErrPaymentMismatch         = errs.Conflict("invoice_payment_mismatch")
	ErrPaymentNotFound         = errs.NotFound("invoice_payment_not_found")
	ErrPaymentNotSucceeded     = errs.InvalidState("invoice_payment_not_succeeded")
	ErrPaymentNotApplicable    = errs.InvalidState("invoice_payment_not_applicable")
	ErrConcurrentUpdate        = errs.Conflict("invoice_concurrent_update")
	ErrOverpayment             = errs.Overpayment("invoice_overpayment")
)
