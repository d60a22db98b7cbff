package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, invoice *Invoice) error
	// Update writes invoice when its stored version still equals
	// invoice.Version and bumps the version. It reports false on a stale
	// version.
	Update(ctx context.Context, db *gorm.DB, invoice *Invoice) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Invoice, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListInvoiceFilter, page pagination.Pagination) ([]*Invoice, error)

	InsertLines(ctx context.Context, db *gorm.DB, lines []LineItem) error
	DeleteLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) error
	ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]LineItem, error)

	// InsertPayment reports false when the payment was already applied.
	InsertPayment(ctx context.Context, db *gorm.DB, payment *InvoicePayment) (bool, error)
	FindPayment(ctx context.Context, db *gorm.DB, invoiceID, paymentID snowflake.ID) (*InvoicePayment, error)
	// AppliedAmount sums what a payment has been applied for across invoices.
	AppliedAmount(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error)

	InsertPending(ctx context.Context, db *gorm.DB, items []PendingLineItem) error
	ListPending(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]PendingLineItem, error)
	ClaimPending(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) error
	ReleasePending(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) error
}
