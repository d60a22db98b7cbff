package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListCreditNoteFilter struct {
	InvoiceID  snowflake.ID
	CustomerID snowflake.ID
	Status     Status
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, note *CreditNote) error
	Update(ctx context.Context, db *gorm.DB, note *CreditNote) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CreditNote, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CreditNote, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListCreditNoteFilter, page pagination.Pagination) ([]*CreditNote, error)

	InsertLines(ctx context.Context, db *gorm.DB, lines []Line) error
	ListLines(ctx context.Context, db *gorm.DB, creditNoteID snowflake.ID) ([]Line, error)
	// CreditedByLine sums the DRAFT and FINALIZED credit note lines of an
	// invoice, keyed by invoice line item.
	CreditedByLine(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (map[snowflake.ID]int64, error)
}
