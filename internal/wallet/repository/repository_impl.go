package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/wallet/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/option"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const balanceExpr = `(SELECT COALESCE(SUM(t.amount), 0) FROM wallet_transactions t WHERE t.wallet_id = wallets.id)`

const walletColumns = `wallets.id, wallets.org_id, wallets.customer_id, wallets.currency, wallets.status,
	wallets.allow_overdraft, wallets.version, wallets.metadata, wallets.created_at, wallets.updated_at, ` + balanceExpr + ` AS balance`

func (r *repo) Insert(ctx context.Context, db *gorm.DB, wallet *domain.Wallet) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallets (id, org_id, customer_id, currency, status, allow_overdraft, version, metadata, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wallet.ID,
		wallet.OrgID,
		wallet.CustomerID,
		wallet.Currency,
		wallet.Status,
		wallet.AllowOverdraft,
		wallet.Version,
		wallet.Metadata,
		wallet.CreatedAt,
		wallet.UpdatedAt,
	).Error
}

func (r *repo) BumpVersion(ctx context.Context, db *gorm.DB, wallet *domain.Wallet, expected int64) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE wallets SET version = version + 1, updated_at = ? WHERE id = ? AND version = ?`,
		wallet.UpdatedAt,
		wallet.ID,
		expected,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, wallet *domain.Wallet) error {
	return db.WithContext(ctx).Exec(
		`UPDATE wallets SET status = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		wallet.Status,
		wallet.UpdatedAt,
		wallet.OrgID,
		wallet.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Wallet, error) {
	return r.findOne(ctx, db, `SELECT `+walletColumns+` FROM wallets WHERE wallets.org_id = ? AND wallets.id = ?`, orgID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Wallet, error) {
	return r.findOne(ctx, db,
		`SELECT id, org_id, customer_id, currency, status, allow_overdraft, version, metadata, created_at, updated_at
		 FROM wallets WHERE org_id = ? AND id = ?`+pkgdb.ForUpdate(db),
		orgID, id,
	)
}

func (r *repo) FindByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, currency string) (*domain.Wallet, error) {
	return r.findOne(ctx, db,
		`SELECT `+walletColumns+` FROM wallets WHERE wallets.org_id = ? AND wallets.customer_id = ? AND wallets.currency = ?`,
		orgID, customerID, currency,
	)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Wallet, error) {
	var wallet domain.Wallet
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&wallet).Error; err != nil {
		return nil, err
	}
	if wallet.ID == 0 {
		return nil, nil
	}
	return &wallet, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListWalletFilter, page pagination.Pagination) ([]*domain.Wallet, error) {
	var wallets []*domain.Wallet
	stmt := db.WithContext(ctx).
		Table("wallets").
		Select(walletColumns).
		Where("wallets.org_id = ?", orgID)
	if filter.CustomerID != 0 {
		stmt = stmt.Where("wallets.customer_id = ?", filter.CustomerID)
	}
	if filter.Currency != "" {
		stmt = stmt.Where("wallets.currency = ?", filter.Currency)
	}
	if filter.Status != "" {
		stmt = stmt.Where("wallets.status = ?", filter.Status)
	}
	if filter.MinBalance != nil {
		stmt = stmt.Where(balanceExpr+" >= ?", *filter.MinBalance)
	}
	if filter.MaxBalance != nil {
		stmt = stmt.Where(balanceExpr+" <= ?", *filter.MaxBalance)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&wallets).Error; err != nil {
		return nil, err
	}
	return wallets, nil
}

func (r *repo) InsertTransaction(ctx context.Context, db *gorm.DB, txn *domain.Transaction) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO wallet_transactions (id, org_id, wallet_id, type, reason, amount, balance_after, idempotency_key,
		   request_hash, reference_type, reference_id, description, expires_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		txn.ID,
		txn.OrgID,
		txn.WalletID,
		txn.Type,
		txn.Reason,
		txn.Amount,
		txn.BalanceAfter,
		txn.IdempotencyKey,
		txn.RequestHash,
		txn.ReferenceType,
		txn.ReferenceID,
		txn.Description,
		txn.ExpiresAt,
		txn.CreatedAt,
	).Error
}

func (r *repo) FindTransactionByKey(ctx context.Context, db *gorm.DB, walletID snowflake.ID, key string) (*domain.Transaction, error) {
	var txn domain.Transaction
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM wallet_transactions WHERE wallet_id = ? AND idempotency_key = ?`,
		walletID,
		key,
	).Scan(&txn).Error
	if err != nil {
		return nil, err
	}
	if txn.ID == 0 {
		return nil, nil
	}
	return &txn, nil
}

func (r *repo) ListTransactions(ctx context.Context, db *gorm.DB, orgID, walletID snowflake.ID, page pagination.Pagination) ([]*domain.Transaction, error) {
	var txns []*domain.Transaction
	stmt := db.WithContext(ctx).
		Model(&domain.Transaction{}).
		Where("org_id = ? AND wallet_id = ?", orgID, walletID)
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&txns).Error; err != nil {
		return nil, err
	}
	return txns, nil
}

func (r *repo) SumBalance(ctx context.Context, db *gorm.DB, walletID snowflake.ID) (int64, error) {
	var balance int64
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = ?`,
		walletID,
	).Scan(&balance).Error
	return balance, err
}
