package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/option"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(invoice).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, invoice *domain.Invoice) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET status = ?, payment_status = ?, subtotal = ?, tax = ?, total = ?, amount_paid = ?,
		     amount_due = ?, amount_credited = ?, auto_paid = ?, due_at = ?, finalized_at = ?,
		     paid_at = ?, voided_at = ?, metadata = ?, updated_at = ?, version = version + 1
		 WHERE org_id = ? AND id = ? AND version = ?`,
		invoice.Status,
		invoice.PaymentStatus,
		invoice.Subtotal,
		invoice.Tax,
		invoice.Total,
		invoice.AmountPaid,
		invoice.AmountDue,
		invoice.AmountCredited,
		invoice.AutoPaid,
		invoice.DueAt,
		invoice.FinalizedAt,
		invoice.PaidAt,
		invoice.VoidedAt,
		invoice.Metadata,
		invoice.UpdatedAt,
		invoice.OrgID,
		invoice.ID,
		invoice.Version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	invoice.Version++
	return true, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT * FROM invoices WHERE org_id = ? AND id = ?`, orgID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Invoice, error) {
	return r.findOne(ctx, db, `SELECT * FROM invoices WHERE org_id = ? AND id = ?`+pkgdb.ForUpdate(db), orgID, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Invoice, error) {
	var invoice domain.Invoice
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&invoice).Error; err != nil {
		return nil, err
	}
	if invoice.ID == 0 {
		return nil, nil
	}
	return &invoice, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListInvoiceFilter, page pagination.Pagination) ([]*domain.Invoice, error) {
	var invoices []*domain.Invoice
	stmt := db.WithContext(ctx).Model(&domain.Invoice{}).Where("org_id = ?", orgID)
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.SubscriptionID != 0 {
		stmt = stmt.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.PaymentStatus != "" {
		stmt = stmt.Where("payment_status = ?", filter.PaymentStatus)
	}
	if filter.Number != "" {
		stmt = stmt.Where("number = ?", filter.Number)
	}
	if filter.TotalMin != nil {
		stmt = stmt.Where("total >= ?", *filter.TotalMin)
	}
	if filter.TotalMax != nil {
		stmt = stmt.Where("total <= ?", *filter.TotalMax)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at <= ?", *filter.CreatedTo)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&invoices).Error; err != nil {
		return nil, err
	}
	return invoices, nil
}

func (r *repo) InsertLines(ctx context.Context, db *gorm.DB, lines []domain.LineItem) error {
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&lines).Error
}

func (r *repo) DeleteLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) error {
	return db.WithContext(ctx).Exec(`DELETE FROM invoice_line_items WHERE invoice_id = ?`, invoiceID).Error
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.LineItem, error) {
	var lines []domain.LineItem
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at asc, id asc").
		Find(&lines).Error
	return lines, err
}

func (r *repo) InsertPayment(ctx context.Context, db *gorm.DB, payment *domain.InvoicePayment) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "invoice_id"}, {Name: "payment_id"}},
			DoNothing: true,
		}).
		Create(payment)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) AppliedAmount(ctx context.Context, db *gorm.DB, paymentID snowflake.ID) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM invoice_payments WHERE payment_id = ?`,
		paymentID,
	).Scan(&total).Error
	return total, err
}

func (r *repo) FindPayment(ctx context.Context, db *gorm.DB, invoiceID, paymentID snowflake.ID) (*domain.InvoicePayment, error) {
	var payment domain.InvoicePayment
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM invoice_payments WHERE invoice_id = ? AND payment_id = ?`,
		invoiceID,
		paymentID,
	).Scan(&payment).Error
	if err != nil {
		return nil, err
	}
	if payment.ID == 0 {
		return nil, nil
	}
	return &payment, nil
}

func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, items []domain.PendingLineItem) error {
	if len(items) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&items).Error
}

func (r *repo) ListPending(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]domain.PendingLineItem, error) {
	var items []domain.PendingLineItem
	err := db.WithContext(ctx).
		Where("org_id = ? AND subscription_id = ? AND invoice_id IS NULL", orgID, subscriptionID).
		Order("created_at asc, id asc").
		Find(&items).Error
	return items, err
}

func (r *repo) ClaimPending(ctx context.Context, db *gorm.DB, ids []snowflake.ID, invoiceID snowflake.ID) error {
	if len(ids) == 0 {
		return nil
	}
	return db.WithContext(ctx).Exec(
		`UPDATE pending_line_items SET invoice_id = ? WHERE id IN ? AND invoice_id IS NULL`,
		invoiceID,
		ids,
	).Error
}

func (r *repo) ReleasePending(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) error {
	return db.WithContext(ctx).Exec(
		`UPDATE pending_line_items SET invoice_id = NULL WHERE invoice_id = ?`,
		invoiceID,
	).Error
}
