package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	auditdomain "github.com/smallbiznis/billcore/internal/audit/domain"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/idempotency"
	"github.com/smallbiznis/billcore/internal/locker"
	"github.com/smallbiznis/billcore/internal/observability/metrics"
	"github.com/smallbiznis/billcore/internal/observability/tracing"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/wallet/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Billing     *config.BillingConfigHolder
	Locker      locker.Locker
	Outbox      *events.Outbox
	Audit       auditdomain.Service
	Idempotency *idempotency.Store
	Customers   customerdomain.Service
	Metrics     *metrics.Metrics `optional:"true"`
	Repo        domain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	billing     *config.BillingConfigHolder
	locker      locker.Locker
	outbox      *events.Outbox
	audit       auditdomain.Service
	idempotency *idempotency.Store
	customers   customerdomain.Service
	metrics     *metrics.Metrics
	repo        domain.Repository
}

func New(p Params) domain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("wallet.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		billing:     p.Billing,
		locker:      p.Locker,
		outbox:      p.Outbox,
		audit:       p.Audit,
		idempotency: p.Idempotency,
		customers:   p.Customers,
		metrics:     p.Metrics,
		repo:        p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateWalletRequest) (domain.Wallet, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}

	customer, err := s.customers.GetByID(ctx, req.CustomerID)
	if err != nil {
		return domain.Wallet{}, err
	}

	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if currency == "" {
		currency = customer.Currency
	}
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Wallet{}, domain.ErrInvalidCurrency
	}

	return idempotency.Run(ctx, s.idempotency, s.db, orgID, "wallet.create", req.IdempotencyKey, req,
		func(tx *gorm.DB) (domain.Wallet, error) {
			existing, err := s.repo.FindByCustomer(ctx, tx, orgID, customer.ID, currency)
			if err != nil {
				return domain.Wallet{}, err
			}
			if existing != nil {
				return domain.Wallet{}, domain.ErrWalletExists.WithEntity("wallet", existing.ID.String())
			}
			return s.open(ctx, tx, orgID, customer.ID, currency, req.AllowOverdraft, req.Metadata)
		})
}

// EnsureTx returns the customer's wallet in currency, opening one when the
// customer has none.
func (s *Service) EnsureTx(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, currency string) (domain.Wallet, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if !s.billing.Get().SupportsCurrency(currency) {
		return domain.Wallet{}, domain.ErrInvalidCurrency
	}
	existing, err := s.repo.FindByCustomer(ctx, tx, orgID, customerID, currency)
	if err != nil {
		return domain.Wallet{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return s.open(ctx, tx, orgID, customerID, currency, false, nil)
}

func (s *Service) open(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, currency string, overdraft bool, metadata map[string]any) (domain.Wallet, error) {
	now := s.clock.Now()
	wallet := domain.Wallet{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		CustomerID:     customerID,
		Currency:       currency,
		Status:         domain.WalletStatusActive,
		AllowOverdraft: overdraft,
		Version:        1,
		Metadata:       datatypes.JSONMap(copyMetadata(metadata)),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.repo.Insert(ctx, tx, &wallet); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Wallet{}, domain.ErrWalletExists
		}
		return domain.Wallet{}, err
	}
	if err := s.audit.Record(ctx, tx, auditdomain.Entry{
		OrgID:      orgID,
		Action:     "wallet.create",
		TargetType: "wallet",
		TargetID:   wallet.ID.String(),
		To:         string(wallet.Status),
		Metadata:   map[string]any{"customer_id": customerID.String(), "currency": currency},
	}); err != nil {
		return domain.Wallet{}, err
	}

	s.log.Info("wallet created",
		zap.String("wallet_id", wallet.ID.String()),
		zap.String("customer_id", customerID.String()),
		zap.String("currency", currency),
	)
	return wallet, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Wallet, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}
	walletID, err := parseID(id)
	if err != nil {
		return domain.Wallet{}, err
	}

	wallet, err := s.repo.FindByID(ctx, s.db, orgID, walletID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if wallet == nil {
		return domain.Wallet{}, domain.ErrNotFound.WithEntity("wallet", id)
	}
	return *wallet, nil
}

func (s *Service) List(ctx context.Context, req domain.ListWalletRequest) (domain.ListWalletResponse, error) {
	req.MinBalance = nil
	req.MaxBalance = nil
	return s.list(ctx, req)
}

// Search is List with balance bounds.
func (s *Service) Search(ctx context.Context, req domain.ListWalletRequest) (domain.ListWalletResponse, error) {
	return s.list(ctx, req)
}

func (s *Service) list(ctx context.Context, req domain.ListWalletRequest) (domain.ListWalletResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListWalletResponse{}, err
	}

	filter := domain.ListWalletFilter{
		Currency:   strings.ToUpper(strings.TrimSpace(req.Currency)),
		Status:     req.Status,
		MinBalance: req.MinBalance,
		MaxBalance: req.MaxBalance,
	}
	if strings.TrimSpace(req.CustomerID) != "" {
		customerID, err := parseID(req.CustomerID)
		if err != nil {
			return domain.ListWalletResponse{}, domain.ErrInvalidCustomer
		}
		filter.CustomerID = customerID
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.List(ctx, s.db, orgID, filter, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListWalletResponse{}, err
	}

	wallets, info := pagination.Trim(items, pageSize, func(w *domain.Wallet) string {
		return pagination.CursorFor(w.ID.String(), w.CreatedAt)
	})
	return domain.ListWalletResponse{PageInfo: info, Wallets: wallets}, nil
}

func (s *Service) Close(ctx context.Context, id string) (domain.Wallet, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Wallet{}, err
	}
	walletID, err := parseID(id)
	if err != nil {
		return domain.Wallet{}, err
	}

	unlock, err := s.locker.Lock(ctx, domain.LockKey(walletID))
	if err != nil {
		return domain.Wallet{}, err
	}
	defer unlock()

	var closed domain.Wallet
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		wallet, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, walletID)
		if err != nil {
			return err
		}
		if wallet == nil {
			return domain.ErrNotFound.WithEntity("wallet", id)
		}
		if wallet.Status == domain.WalletStatusClosed {
			closed = *wallet
			return nil
		}

		balance, err := s.repo.SumBalance(ctx, tx, walletID)
		if err != nil {
			return err
		}
		if balance != 0 {
			return domain.ErrWalletHasBalance.WithEntity("wallet", id)
		}

		from := wallet.Status
		wallet.Status = domain.WalletStatusClosed
		wallet.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdateStatus(ctx, tx, wallet); err != nil {
			return err
		}
		if err := s.audit.Record(ctx, tx, auditdomain.Entry{
			OrgID:      orgID,
			Action:     "wallet.close",
			TargetType: "wallet",
			TargetID:   id,
			From:       string(from),
			To:         string(wallet.Status),
		}); err != nil {
			return err
		}
		closed = *wallet
		return nil
	})
	if err != nil {
		return domain.Wallet{}, err
	}
	return closed, nil
}

func (s *Service) TopUp(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	if req.Reason == "" {
		req.Reason = domain.ReasonTopUp
	}
	return s.post(ctx, domain.TransactionCredit, req)
}

func (s *Service) Debit(ctx context.Context, req domain.TransactionRequest) (domain.Transaction, error) {
	if req.Reason == "" {
		req.Reason = domain.ReasonDebit
	}
	return s.post(ctx, domain.TransactionDebit, req)
}

func (s *Service) post(ctx context.Context, txType domain.TransactionType, req domain.TransactionRequest) (domain.Transaction, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.Transaction{}, err
	}
	walletID, err := parseID(req.WalletID)
	if err != nil {
		return domain.Transaction{}, err
	}

	ctx, span := tracing.Start(ctx, "wallet.post",
		attribute.String("wallet_id", walletID.String()),
		attribute.String("type", string(txType)),
	)
	defer span.End()

	unlock, err := s.locker.Lock(ctx, domain.LockKey(walletID))
	if err != nil {
		return domain.Transaction{}, err
	}
	defer unlock()

	entry := domain.Entry{
		WalletID:       walletID,
		Amount:         req.Amount,
		Reason:         req.Reason,
		ReferenceType:  strings.TrimSpace(req.ReferenceType),
		ReferenceID:    strings.TrimSpace(req.ReferenceID),
		Description:    strings.TrimSpace(req.Description),
		ExpiresAt:      req.ExpiresAt,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
	}

	var txn domain.Transaction
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		txn, err = s.apply(ctx, tx, orgID, txType, entry)
		return err
	})
	if err != nil {
		span.RecordError(err)
		return domain.Transaction{}, err
	}
	return txn, nil
}

func (s *Service) Balance(ctx context.Context, id string) (int64, error) {
	wallet, err := s.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	return wallet.Balance, nil
}

func (s *Service) Transactions(ctx context.Context, req domain.ListTransactionsRequest) (domain.ListTransactionsResponse, error) {
	orgID, err := orgcontext.Require(ctx)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}
	walletID, err := parseID(req.WalletID)
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	pageSize := pagination.Normalize(req.PageSize)
	items, err := s.repo.ListTransactions(ctx, s.db, orgID, walletID, pagination.Pagination{
		PageToken: req.PageToken,
		PageSize:  int(pageSize),
	})
	if err != nil {
		return domain.ListTransactionsResponse{}, err
	}

	txns, info := pagination.Trim(items, pageSize, func(t *domain.Transaction) string {
		return pagination.CursorFor(t.ID.String(), t.CreatedAt)
	})
	return domain.ListTransactionsResponse{PageInfo: info, Transactions: txns}, nil
}

func (s *Service) FindForCustomerTx(ctx context.Context, tx *gorm.DB, orgID, customerID snowflake.ID, currency string) (*domain.Wallet, error) {
	return s.repo.FindByCustomer(ctx, tx, orgID, customerID, strings.ToUpper(strings.TrimSpace(currency)))
}

func (s *Service) BalanceTx(ctx context.Context, tx *gorm.DB, walletID snowflake.ID) (int64, error) {
	return s.repo.SumBalance(ctx, tx, walletID)
}

func (s *Service) CreditTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, entry domain.Entry) (domain.Transaction, error) {
	return s.apply(ctx, tx, orgID, domain.TransactionCredit, entry)
}

func (s *Service) DebitTx(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, entry domain.Entry) (domain.Transaction, error) {
	return s.apply(ctx, tx, orgID, domain.TransactionDebit, entry)
}

// apply posts one ledger entry inside tx. A repeated idempotency key returns
// the stored transaction; the same key with a different payload is a
// conflict.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, orgID snowflake.ID, txType domain.TransactionType, entry domain.Entry) (domain.Transaction, error) {
	if entry.Amount <= 0 {
		return domain.Transaction{}, domain.ErrInvalidAmount
	}
	if !entry.Reason.Allows(txType) {
		return domain.Transaction{}, domain.ErrInvalidReason
	}

	wallet, err := s.repo.FindByIDForUpdate(ctx, tx, orgID, entry.WalletID)
	if err != nil {
		return domain.Transaction{}, err
	}
	if wallet == nil {
		return domain.Transaction{}, domain.ErrNotFound.WithEntity("wallet", entry.WalletID.String())
	}

	hash, err := idempotency.Hash(struct {
		Type          domain.TransactionType
		Amount        int64
		Reason        domain.Reason
		ReferenceType string
		ReferenceID   string
	}{txType, entry.Amount, entry.Reason, entry.ReferenceType, entry.ReferenceID})
	if err != nil {
		return domain.Transaction{}, err
	}

	var key *string
	if k := strings.TrimSpace(entry.IdempotencyKey); k != "" {
		key = &k
		existing, err := s.repo.FindTransactionByKey(ctx, tx, wallet.ID, k)
		if err != nil {
			return domain.Transaction{}, err
		}
		if existing != nil {
			if existing.RequestHash != hash {
				return domain.Transaction{}, domain.ErrIdempotencyMismatch.WithEntity("wallet", wallet.ID.String())
			}
			return *existing, nil
		}
	}

	if wallet.Status != domain.WalletStatusActive {
		return domain.Transaction{}, domain.ErrWalletClosed.WithEntity("wallet", wallet.ID.String())
	}

	balance, err := s.repo.SumBalance(ctx, tx, wallet.ID)
	if err != nil {
		return domain.Transaction{}, err
	}

	amount := entry.Amount
	if txType == domain.TransactionDebit {
		if !wallet.AllowOverdraft && balance < entry.Amount {
			return domain.Transaction{}, domain.ErrInsufficientBalance.WithEntity("wallet", wallet.ID.String())
		}
		amount = -entry.Amount
	}

	now := s.clock.Now()
	txn := domain.Transaction{
		ID:             s.genID.Generate(),
		OrgID:          orgID,
		WalletID:       wallet.ID,
		Type:           txType,
		Reason:         entry.Reason,
		Amount:         amount,
		BalanceAfter:   balance + amount,
		IdempotencyKey: key,
		RequestHash:    hash,
		ReferenceType:  entry.ReferenceType,
		ReferenceID:    entry.ReferenceID,
		Description:    entry.Description,
		ExpiresAt:      entry.ExpiresAt,
		CreatedAt:      now,
	}
	if err := s.repo.InsertTransaction(ctx, tx, &txn); err != nil {
		if pkgdb.IsDuplicateKeyErr(err) {
			return domain.Transaction{}, domain.ErrConcurrentUpdate.WithEntity("wallet", wallet.ID.String())
		}
		return domain.Transaction{}, err
	}

	wallet.UpdatedAt = now
	ok, err := s.repo.BumpVersion(ctx, tx, wallet, wallet.Version)
	if err != nil {
		return domain.Transaction{}, err
	}
	if !ok {
		return domain.Transaction{}, domain.ErrConcurrentUpdate.WithEntity("wallet", wallet.ID.String())
	}

	eventType := events.EventWalletCredited
	if txType == domain.TransactionDebit {
		eventType = events.EventWalletDebited
	}
	if err := s.outbox.PublishTx(ctx, tx, events.Event{
		OrgID:         orgID,
		Type:          eventType,
		AggregateType: "wallet",
		AggregateID:   wallet.ID.String(),
		DedupeKey:     eventType + ":" + txn.ID.String(),
		Payload: map[string]any{
			"wallet_id":      wallet.ID.String(),
			"customer_id":    wallet.CustomerID.String(),
			"transaction_id": txn.ID.String(),
			"amount":         txn.Amount,
			"balance_after":  txn.BalanceAfter,
			"reason":         string(txn.Reason),
			"currency":       wallet.Currency,
		},
	}); err != nil {
		return domain.Transaction{}, err
	}

	s.metrics.RecordWalletTransaction(ctx, string(txType), string(entry.Reason))
	s.log.Info("wallet transaction posted",
		zap.String("wallet_id", wallet.ID.String()),
		zap.String("transaction_id", txn.ID.String()),
		zap.String("type", string(txType)),
		zap.String("reason", string(entry.Reason)),
		zap.Int64("amount", txn.Amount),
		zap.Int64("balance_after", txn.BalanceAfter),
	)
	return txn, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, domain.ErrInvalidID
	}
	return id, nil
}

func copyMetadata(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
