package service

import (
	"errors"
	"sync"
	"testing"

	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	customerrepo "github.com/smallbiznis/billcore/internal/customer/repository"
	customerservice "github.com/smallbiznis/billcore/internal/customer/service"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/testkit"
	"github.com/smallbiznis/billcore/internal/wallet/domain"
	"github.com/smallbiznis/billcore/internal/wallet/repository"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	env      *testkit.Env
	svc      domain.Service
	customer customerdomain.Customer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testkit.New(t, &customerdomain.Customer{}, &domain.Wallet{}, &domain.Transaction{})
	customers := customerservice.New(customerservice.Params{
		DB:          env.DB,
		Log:         env.Log,
		GenID:       env.Node,
		Clock:       env.Clock,
		Billing:     env.Billing,
		Idempotency: env.Idempotency,
		Repo:        customerrepo.Provide(),
	})
	svc := New(Params{
		DB:          env.DB,
		Log:         env.Log,
		GenID:       env.Node,
		Clock:       env.Clock,
		Billing:     env.Billing,
		Locker:      env.Locker,
		Outbox:      env.Outbox,
		Audit:       env.Audit,
		Idempotency: env.Idempotency,
		Customers:   customers,
		Repo:        repository.Provide(),
	})

	customer, err := customers.Create(env.Context(), customerdomain.CreateCustomerRequest{
		Name: "Acme", Email: "billing@acme.test", Currency: "USD",
	})
	require.NoError(t, err)
	return &fixture{env: env, svc: svc, customer: customer}
}

func (f *fixture) wallet(t *testing.T, overdraft bool) domain.Wallet {
	t.Helper()
	w, err := f.svc.Create(f.env.Context(), domain.CreateWalletRequest{
		CustomerID:     f.customer.ID.String(),
		AllowOverdraft: overdraft,
	})
	require.NoError(t, err)
	return w
}

func TestCreateDefaultsToCustomerCurrency(t *testing.T) {
	f := newFixture(t)
	w := f.wallet(t, false)
	assert.Equal(t, "USD", w.Currency)
	assert.Equal(t, domain.WalletStatusActive, w.Status)

	_, err := f.svc.Create(f.env.Context(), domain.CreateWalletRequest{CustomerID: f.customer.ID.String(), Currency: "usd"})
	assert.ErrorIs(t, err, domain.ErrWalletExists)

	_, err = f.svc.Create(f.env.Context(), domain.CreateWalletRequest{CustomerID: "123"})
	assert.ErrorIs(t, err, errs.ErrNotFound)

	assert.Equal(t, []string{"wallet.create"}, f.env.AuditActions(t, "wallet", w.ID.String()))
}

func TestBalanceIsSumOfTransactions(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)

	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 5000})
	require.NoError(t, err)
	_, err = f.svc.Debit(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 1200})
	require.NoError(t, err)
	last, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 300})
	require.NoError(t, err)

	balance, err := f.svc.Balance(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(4100), balance)
	assert.Equal(t, balance, last.BalanceAfter)

	page, err := f.svc.Transactions(ctx, domain.ListTransactionsRequest{WalletID: w.ID.String()})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	var sum int64
	for _, txn := range page.Transactions {
		sum += txn.Amount
	}
	assert.Equal(t, balance, sum)

	loaded, err := f.svc.Get(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(4), loaded.Version)
}

func TestDebitIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 1000})
	require.NoError(t, err)

	req := domain.TransactionRequest{WalletID: w.ID.String(), Amount: 400, IdempotencyKey: "debit-1"}
	first, err := f.svc.Debit(ctx, req)
	require.NoError(t, err)
	second, err := f.svc.Debit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, err := f.svc.Balance(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(600), balance)

	req.Amount = 500
	_, err = f.svc.Debit(ctx, req)
	assert.ErrorIs(t, err, domain.ErrIdempotencyMismatch)
	assert.ErrorIs(t, err, errs.ErrConflict)

	assert.Len(t, f.env.Events(t, events.EventWalletDebited), 1)
}

func TestDebitInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 100})
	require.NoError(t, err)

	_, err = f.svc.Debit(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 101})
	assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	assert.ErrorIs(t, err, errs.ErrInsufficientBalance)

	balance, err := f.svc.Balance(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 100})
	require.NoError(t, err)

	const workers = 8
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Debit(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 60})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrInsufficientBalance)
	}
	assert.Equal(t, 1, succeeded)

	balance, err := f.svc.Balance(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(40), balance)
	assert.Len(t, f.env.Events(t, events.EventWalletDebited), 1)
}

func TestOverdraftAllowed(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, true)

	txn, err := f.svc.Debit(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 250})
	require.NoError(t, err)
	assert.Equal(t, int64(-250), txn.BalanceAfter)
}

func TestRejectsBadEntries(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)

	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
	_, err = f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 10, Reason: domain.ReasonInvoicePayment})
	assert.ErrorIs(t, err, domain.ErrInvalidReason)
}

func TestTxVariantsRollBackWithCaller(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	boom := errors.New("boom")

	err := f.env.DB.Transaction(func(tx *gorm.DB) error {
		if _, err := f.svc.CreditTx(ctx, tx, w.OrgID, domain.Entry{WalletID: w.ID, Amount: 700, Reason: domain.ReasonCreditGrant}); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	balance, err := f.svc.Balance(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Zero(t, balance)
	assert.Empty(t, f.env.Events(t, events.EventWalletCredited))
}

func TestCloseRequiresZeroBalance(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 100})
	require.NoError(t, err)

	_, err = f.svc.Close(ctx, w.ID.String())
	assert.ErrorIs(t, err, domain.ErrWalletHasBalance)

	_, err = f.svc.Debit(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 100})
	require.NoError(t, err)
	closed, err := f.svc.Close(ctx, w.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.WalletStatusClosed, closed.Status)

	_, err = f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 100})
	assert.ErrorIs(t, err, domain.ErrWalletClosed)
}

func TestSearchByBalance(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	w := f.wallet(t, false)
	_, err := f.svc.TopUp(ctx, domain.TransactionRequest{WalletID: w.ID.String(), Amount: 900})
	require.NoError(t, err)

	low := int64(1000)
	res, err := f.svc.Search(ctx, domain.ListWalletRequest{MinBalance: &low})
	require.NoError(t, err)
	assert.Empty(t, res.Wallets)

	low = 500
	res, err = f.svc.Search(ctx, domain.ListWalletRequest{MinBalance: &low})
	require.NoError(t, err)
	require.Len(t, res.Wallets, 1)
	assert.Equal(t, int64(900), res.Wallets[0].Balance)
}
