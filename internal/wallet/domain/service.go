package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

type CreateWalletRequest struct {
	CustomerID     string         `json:"customer_id"`
	Currency       string         `json:"currency"`
	AllowOverdraft bool           `json:"allow_overdraft"`
	Metadata       map[string]any `json:"metadata"`
	IdempotencyKey string         `json:"-"`
}

type ListWalletRequest struct {
	PageToken  string       `form:"page_token"`
	PageSize   int32        `form:"page_size"`
	CustomerID string       `form:"customer_id"`
	Currency   string       `form:"currency"`
	Status     WalletStatus `form:"status"`
	MinBalance *int64       `form:"min_balance"`
	MaxBalance *int64       `form:"max_balance"`
}

type ListWalletFilter struct {
	CustomerID snowflake.ID
	Currency   string
	Status     WalletStatus
	MinBalance *int64
	MaxBalance *int64
}

type ListWalletResponse struct {
	pagination.PageInfo
	Wallets []Wallet `json:"wallets"`
}

// TransactionRequest is a top up or debit issued through the command
// surface. Amount is always positive.
type TransactionRequest struct {
	WalletID       string     `json:"-"`
	Amount         int64      `json:"amount"`
	Reason         Reason     `json:"reason"`
	ReferenceType  string     `json:"reference_type"`
	ReferenceID    string     `json:"reference_id"`
	Description    string     `json:"description"`
	ExpiresAt      *time.Time `json:"expires_at"`
	IdempotencyKey string     `json:"-"`
}

type ListTransactionsRequest struct {
	WalletID  string `form:"-"`
	PageToken string `form:"page_token"`
	PageSize  int32  `form:"page_size"`
}

type ListTransactionsResponse struct {
	pagination.PageInfo
	Transactions []Transaction `json:"transactions"`
}

// Entry is a ledger movement posted inside a caller's transaction. Callers
// must hold LockKey(WalletID) for the duration of that transaction.
type Entry struct {
	WalletID       snowflake.ID
	Amount         int64
	Reason         Reason
	ReferenceType  string
	ReferenceID    string
	Description    string
	ExpiresAt      *time.Time
	IdempotencyKey string
}

type Service interface {
	Create(context.Context, CreateWalletRequest) (Wallet, error)
	Get(context.Context, string) (Wallet, error)
	List(context.Context, ListWalletRequest) (ListWalletResponse, error)
	Search(context.Context, ListWalletRequest) (ListWalletResponse, error)
	Close(context.Context, string) (Wallet, error)
	TopUp(context.Context, TransactionRequest) (Transaction, error)
	Debit(context.Context, TransactionRequest) (Transaction, error)
	Balance(context.Context, string) (int64, error)
	Transactions(context.Context, ListTransactionsRequest) (ListTransactionsResponse, error)

	FindForCustomerTx(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, currency string) (*Wallet, error)
	EnsureTx(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, currency string) (Wallet, error)
	BalanceTx(ctx context.Context, tx *gorm.DB, walletID snowflake.ID) (int64, error)
	CreditTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, entry Entry) (Transaction, error)
	DebitTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, entry Entry) (Transaction, error)
}

var (
	ErrInvalidID           = errs.Validation("invalid_id")
	ErrInvalidCustomer     = errs.Validation("invalid_customer")
	ErrInvalidCurrency     = errs.Validation("invalid_currency")
	ErrInvalidAmount       = errs.Validation("invalid_amount")
	ErrInvalidReason       = errs.Validation("invalid_reason")
	ErrNotFound            = errs.NotFound("wallet_not_found")
	ErrWalletExists        = errs.Conflict("wallet_exists")
	ErrIdempotencyMismatch = errs.Conflict("wallet_idempotency_key_reused")
	ErrConcurrentUpdate    = errs.Conflict("wallet_concurrent_update")
	ErrWalletClosed        = errs.InvalidState("wallet_closed")
	ErrWalletHasBalance    = errs.InvalidState("wallet_has_balance")
	ErrInsufficientBalance = errs.InsufficientBalance("insufficient_balance")
)
