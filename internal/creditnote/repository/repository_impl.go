package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/creditnote/domain"
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

func (r *repo) Insert(ctx context.Context, db *gorm.DB, note *domain.CreditNote) error {
	return db.WithContext(ctx).Omit(clause.Associations).Create(note).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, note *domain.CreditNote) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_notes
		 SET status = ?, refunded_amount = ?, wallet_transaction_id = ?, finalized_at = ?, updated_at = ?
		 WHERE org_id = ? AND id = ?`,
		note.Status,
		note.RefundedAmount,
		note.WalletTransactionID,
		note.FinalizedAt,
		note.UpdatedAt,
		note.OrgID,
		note.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CreditNote, error) {
	return r.findOne(ctx, db, `SELECT * FROM credit_notes WHERE org_id = ? AND id = ?`, orgID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CreditNote, error) {
	return r.findOne(ctx, db, `SELECT * FROM credit_notes WHERE org_id = ? AND id = ?`+pkgdb.ForUpdate(db), orgID, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.CreditNote, error) {
	var note domain.CreditNote
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&note).Error; err != nil {
		return nil, err
	}
	if note.ID == 0 {
		return nil, nil
	}
	return &note, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListCreditNoteFilter, page pagination.Pagination) ([]*domain.CreditNote, error) {
	var notes []*domain.CreditNote
	stmt := db.WithContext(ctx).Model(&domain.CreditNote{}).Where("org_id = ?", orgID)
	if filter.InvoiceID != 0 {
		stmt = stmt.Where("invoice_id = ?", filter.InvoiceID)
	}
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&notes).Error; err != nil {
		return nil, err
	}
	return notes, nil
}

func (r *repo) InsertLines(ctx context.Context, db *gorm.DB, lines []domain.Line) error {
	if len(lines) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&lines).Error
}

func (r *repo) ListLines(ctx context.Context, db *gorm.DB, creditNoteID snowflake.ID) ([]domain.Line, error) {
	var lines []domain.Line
	err := db.WithContext(ctx).
		Where("credit_note_id = ?", creditNoteID).
		Order("created_at asc, id asc").
		Find(&lines).Error
	if err != nil {
		return nil, err
	}
	return lines, nil
}

func (r *repo) CreditedByLine(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) (map[snowflake.ID]int64, error) {
	var rows []struct {
		LineItemID snowflake.ID
		Total      int64
	}
	err := db.WithContext(ctx).Raw(
		`SELECT l.line_item_id AS line_item_id, COALESCE(SUM(l.amount), 0) AS total
		 FROM credit_note_lines l
		 JOIN credit_notes n ON n.id = l.credit_note_id
		 WHERE l.invoice_id = ? AND n.status IN (?, ?)
		 GROUP BY l.line_item_id`,
		invoiceID, domain.StatusDraft, domain.StatusFinalized,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[snowflake.ID]int64, len(rows))
	for _, row := range rows {
		out[row.LineItemID] = row.Total
	}
	return out, nil
}
