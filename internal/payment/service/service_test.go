package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/smallbiznis/billcore/internal/config"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	customerrepo "github.com/smallbiznis/billcore/internal/customer/repository"
	customerservice "github.com/smallbiznis/billcore/internal/customer/service"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/billcore/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/billcore/internal/invoice/service"
	"github.com/smallbiznis/billcore/internal/payment/domain"
	"github.com/smallbiznis/billcore/internal/payment/gateway"
	"github.com/smallbiznis/billcore/internal/payment/repository"
	"github.com/smallbiznis/billcore/internal/testkit"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	walletrepo "github.com/smallbiznis/billcore/internal/wallet/repository"
	walletservice "github.com/smallbiznis/billcore/internal/wallet/service"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGateway struct {
	mu       sync.Mutex
	result   domain.ChargeResult
	err      error
	block    bool
	charges  []domain.ChargeRequest
	refunded []string
}

func (g *fakeGateway) Method() domain.Method { return domain.MethodCard }

func (g *fakeGateway) Charge(ctx context.Context, req domain.ChargeRequest) (domain.ChargeResult, error) {
	g.mu.Lock()
	g.charges = append(g.charges, req)
	block, result, err := g.block, g.result, g.err
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return domain.ChargeResult{}, ctx.Err()
	}
	return result, err
}

func (g *fakeGateway) Refund(_ context.Context, reference string, _ int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunded = append(g.refunded, reference)
	return nil
}

type fixture struct {
	env      *testkit.Env
	svc      domain.Service
	invoices invoicedomain.Service
	wallets  walletdomain.Service
	gateway  *fakeGateway
	customer customerdomain.Customer
}

func newFixture(t *testing.T, tune ...func(*config.BillingConfig)) *fixture {
	t.Helper()
	env := testkit.New(t,
		&customerdomain.Customer{},
		&walletdomain.Wallet{}, &walletdomain.Transaction{},
		&domain.Payment{},
		&invoicedomain.Invoice{}, &invoicedomain.LineItem{}, &invoicedomain.InvoicePayment{}, &invoicedomain.PendingLineItem{},
	)
	cfg := env.Billing.Get()
	for _, fn := range tune {
		fn(&cfg)
	}
	env.Billing = config.NewStaticBillingConfigHolder(cfg)

	customers := customerservice.New(customerservice.Params{
		DB:          env.DB,
		Log:         env.Log,
		GenID:       env.Node,
		Clock:       env.Clock,
		Billing:     env.Billing,
		Idempotency: env.Idempotency,
		Repo:        customerrepo.Provide(),
	})
	wallets := walletservice.New(walletservice.Params{
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
		Repo:        walletrepo.Provide(),
	})
	payments := repository.Provide()
	invoices := invoiceservice.New(invoiceservice.Params{
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
		Wallets:     wallets,
		Payments:    payments,
		Repo:        invoicerepo.Provide(),
	})
	gw := &fakeGateway{result: domain.ChargeResult{Succeeded: true, Reference: "ch_1"}}
	svc := New(Params{
		DB:          env.DB,
		Log:         env.Log,
		GenID:       env.Node,
		Clock:       env.Clock,
		Billing:     env.Billing,
		Locker:      env.Locker,
		Audit:       env.Audit,
		Idempotency: env.Idempotency,
		Customers:   customers,
		Invoices:    invoices,
		Wallets:     wallets,
		Gateways:    gateway.NewRegistry(gw),
		Repo:        payments,
	})

	customer, err := customers.Create(env.Context(), customerdomain.CreateCustomerRequest{
		Name: "Acme", Email: "billing@acme.test", Currency: "USD",
	})
	require.NoError(t, err)
	return &fixture{env: env, svc: svc, invoices: invoices, wallets: wallets, gateway: gw, customer: customer}
}

func (f *fixture) invoice(t *testing.T, amount int64) invoicedomain.Invoice {
	t.Helper()
	inv, err := f.invoices.Create(f.env.Context(), invoicedomain.CreateInvoiceRequest{
		CustomerID: f.customer.ID.String(),
		Lines:      []invoicedomain.LineInput{{Name: "Pro plan", Amount: amount}},
	})
	require.NoError(t, err)
	inv, err = f.invoices.Finalize(f.env.Context(), inv.ID.String())
	require.NoError(t, err)
	return inv
}

func (f *fixture) payment(t *testing.T, inv invoicedomain.Invoice, amount int64, method domain.Method) domain.Payment {
	t.Helper()
	payment, err := f.svc.Create(f.env.Context(), domain.CreatePaymentRequest{
		CustomerID: f.customer.ID.String(),
		InvoiceID:  inv.ID.String(),
		Amount:     amount,
		Method:     method,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, payment.Status)
	assert.Equal(t, "USD", payment.Currency)
	return payment
}

func TestCreateValidatesInvoiceOwnership(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()

	_, err := f.svc.Create(ctx, domain.CreatePaymentRequest{CustomerID: f.customer.ID.String(), Amount: 0, Method: domain.MethodCard})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = f.svc.Create(ctx, domain.CreatePaymentRequest{CustomerID: f.customer.ID.String(), Amount: 100, Method: "CHEQUE"})
	assert.ErrorIs(t, err, domain.ErrInvalidMethod)

	inv := f.invoice(t, 1000)
	_, err = f.svc.Create(ctx, domain.CreatePaymentRequest{
		CustomerID: f.customer.ID.String(), InvoiceID: inv.ID.String(),
		Amount: 100, Currency: "EUR", Method: domain.MethodCard,
	})
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestProcessGatewaySuccessAppliesToInvoice(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodCard)

	processed, err := f.svc.Process(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, processed.Status)
	assert.Equal(t, "ch_1", processed.GatewayReference)
	assert.Equal(t, 1, processed.Attempts)
	require.Len(t, f.gateway.charges, 1)
	assert.Equal(t, "payment:"+payment.ID.String(), f.gateway.charges[0].IdempotencyKey)

	got, err := f.invoices.Get(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.True(t, got.FullyPaid())

	again, err := f.svc.Process(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, again.Status)
	assert.Len(t, f.gateway.charges, 1)

	assert.ErrorIs(t, f.svc.Delete(ctx, payment.ID.String()), domain.ErrSucceeded)
	assert.Equal(t, []string{"payment.create", "payment.succeeded"},
		f.env.AuditActions(t, "payment", payment.ID.String()))
}

func TestProcessGatewayDeclineFails(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	f.gateway.result = domain.ChargeResult{Succeeded: false, FailureReason: "card_declined"}
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodCard)

	processed, err := f.svc.Process(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, processed.Status)
	assert.Equal(t, "card_declined", processed.FailureReason)

	_, err = f.svc.Process(ctx, payment.ID.String())
	assert.ErrorIs(t, err, domain.ErrNotPending)

	got, err := f.invoices.Get(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Zero(t, got.AmountPaid)

	require.NoError(t, f.svc.Delete(ctx, payment.ID.String()))
	_, err = f.svc.Get(ctx, payment.ID.String())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProcessGatewayTimeoutLeavesPending(t *testing.T) {
	f := newFixture(t, func(cfg *config.BillingConfig) {
		cfg.PaymentTimeout = 20 * time.Millisecond
	})
	ctx := f.env.Context()
	f.gateway.block = true

	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodCard)

	_, err := f.svc.Process(ctx, payment.ID.String())
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)
	assert.ErrorIs(t, err, errs.ErrDependency)

	pending, err := f.svc.Get(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
	assert.Equal(t, 1, pending.Attempts)

	f.gateway.block = false
	processed, err := f.svc.Process(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, processed.Status)
	assert.Equal(t, 2, processed.Attempts)
}

func TestProcessGatewayErrorIsRetriable(t *testing.T) {
	f := newFixture(t)
	f.gateway.err = errors.New("upstream 502")
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodCard)

	_, err := f.svc.Process(f.env.Context(), payment.ID.String())
	assert.ErrorIs(t, err, domain.ErrGatewayUnavailable)

	pending, err := f.svc.Get(f.env.Context(), payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, pending.Status)
}

func TestProcessRefundsWhenApplyFails(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodCard)

	_, err := f.invoices.RecordPayment(ctx, invoicedomain.RecordPaymentRequest{InvoiceID: inv.ID.String(), Amount: 600})
	require.NoError(t, err)

	_, err = f.svc.Process(ctx, payment.ID.String())
	assert.ErrorIs(t, err, errs.ErrOverpayment)
	assert.Equal(t, []string{"ch_1"}, f.gateway.refunded)

	failed, err := f.svc.Get(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "ch_1", failed.GatewayReference)

	got, err := f.invoices.Get(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(600), got.AmountPaid)
}

func TestProcessWalletIsAtomic(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	wallet, err := f.wallets.Create(ctx, walletdomain.CreateWalletRequest{CustomerID: f.customer.ID.String()})
	require.NoError(t, err)
	_, err = f.wallets.TopUp(ctx, walletdomain.TransactionRequest{WalletID: wallet.ID.String(), Amount: 700})
	require.NoError(t, err)

	inv := f.invoice(t, 1000)
	short := f.payment(t, inv, 1000, domain.MethodWallet)
	failed, err := f.svc.Process(ctx, short.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, "insufficient_balance", failed.FailureReason)

	balance, err := f.wallets.Balance(ctx, wallet.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	partial := f.payment(t, inv, 700, domain.MethodWallet)
	paid, err := f.svc.Process(ctx, partial.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, paid.Status)
	assert.NotEmpty(t, paid.GatewayReference)

	balance, err = f.wallets.Balance(ctx, wallet.ID.String())
	require.NoError(t, err)
	assert.Zero(t, balance)

	got, err := f.invoices.Get(ctx, inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(700), got.AmountPaid)
	assert.Equal(t, int64(300), got.AmountDue)
}

func TestUpdateOnlyWhilePending(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodBankTransfer)

	method := domain.MethodOffline
	updated, err := f.svc.Update(ctx, domain.UpdatePaymentRequest{
		ID: payment.ID.String(), Method: &method, Metadata: &map[string]any{"note": "wire received"},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.MethodOffline, updated.Method)

	processed, err := f.svc.Process(ctx, payment.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSucceeded, processed.Status)

	_, err = f.svc.Update(ctx, domain.UpdatePaymentRequest{ID: payment.ID.String(), Method: &method})
	assert.ErrorIs(t, err, domain.ErrNotPending)

	list, err := f.svc.List(ctx, domain.ListPaymentRequest{InvoiceID: inv.ID.String()})
	require.NoError(t, err)
	assert.Len(t, list.Payments, 1)
}

func TestProcessWithoutGatewayIsDependencyError(t *testing.T) {
	f := newFixture(t)
	inv := f.invoice(t, 1000)
	payment := f.payment(t, inv, 1000, domain.MethodBankTransfer)

	_, err := f.svc.Process(f.env.Context(), payment.ID.String())
	assert.ErrorIs(t, err, domain.ErrGatewayNotFound)
}
