package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	// BumpVersion advances the version if it still equals expected and
	// reports whether it did.
	BumpVersion(ctx context.Context, db *gorm.DB, wallet *Wallet, expected int64) (bool, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, wallet *Wallet) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Wallet, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Wallet, error)
	FindByCustomer(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID, currency string) (*Wallet, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListWalletFilter, page pagination.Pagination) ([]*Wallet, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	FindTransactionByKey(ctx context.Context, db *gorm.DB, walletID snowflake.ID, key string) (*Transaction, error)
	ListTransactions(ctx context.Context, db *gorm.DB, orgID, walletID snowflake.ID, page pagination.Pagination) ([]*Transaction, error)
	SumBalance(ctx context.Context, db *gorm.DB, walletID snowflake.ID) (int64, error)
}
