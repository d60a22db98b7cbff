package service

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	customerrepo "github.com/smallbiznis/billcore/internal/customer/repository"
	customerservice "github.com/smallbiznis/billcore/internal/customer/service"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/invoice/repository"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/billcore/internal/payment/repository"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/internal/testkit"
	usagedomain "github.com/smallbiznis/billcore/internal/usage/domain"
	usagerepo "github.com/smallbiznis/billcore/internal/usage/repository"
	usageservice "github.com/smallbiznis/billcore/internal/usage/service"
	walletdomain "github.com/smallbiznis/billcore/internal/wallet/domain"
	walletrepo "github.com/smallbiznis/billcore/internal/wallet/repository"
	walletservice "github.com/smallbiznis/billcore/internal/wallet/service"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fixture struct {
	env      *testkit.Env
	svc      domain.Service
	usage    usagedomain.Service
	wallets  walletdomain.Service
	customer customerdomain.Customer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testkit.New(t,
		&customerdomain.Customer{},
		&walletdomain.Wallet{}, &walletdomain.Transaction{},
		&usagedomain.Event{}, &usagedomain.Counter{},
		&paymentdomain.Payment{},
		&domain.Invoice{}, &domain.LineItem{}, &domain.InvoicePayment{}, &domain.PendingLineItem{},
	)
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
	usage := usageservice.New(usageservice.Params{
		DB:    env.DB,
		Log:   env.Log,
		GenID: env.Node,
		Clock: env.Clock,
		Repo:  usagerepo.Provide(),
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
		Usage:       usage,
		Wallets:     wallets,
		Payments:    paymentrepo.Provide(),
		Repo:        repository.Provide(),
	})

	customer, err := customers.Create(env.Context(), customerdomain.CreateCustomerRequest{
		Name: "Acme", Email: "billing@acme.test", Currency: "USD",
	})
	require.NoError(t, err)
	return &fixture{env: env, svc: svc, usage: usage, wallets: wallets, customer: customer}
}

func (f *fixture) ctx() context.Context { return f.env.Context() }

func (f *fixture) draft(t *testing.T, method domain.CollectionMethod, lines ...domain.LineInput) domain.Invoice {
	t.Helper()
	inv, err := f.svc.Create(f.ctx(), domain.CreateInvoiceRequest{
		CustomerID:       f.customer.ID.String(),
		CollectionMethod: method,
		Lines:            lines,
	})
	require.NoError(t, err)
	return inv
}

func (f *fixture) finalized(t *testing.T, amount int64) domain.Invoice {
	t.Helper()
	inv := f.draft(t, "", domain.LineInput{Name: "Consulting", Amount: amount})
	inv, err := f.svc.Finalize(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	return inv
}

// payment books a succeeded card payment for invoice, or for the customer
// when invoice is nil.
func (f *fixture) payment(t *testing.T, invoice *domain.Invoice, amount int64, mutate ...func(*paymentdomain.Payment)) string {
	t.Helper()
	now := f.env.Clock.Now()
	payment := paymentdomain.Payment{
		ID:          f.env.Node.Generate(),
		OrgID:       snowflake.ID(testkit.OrgID),
		CustomerID:  f.customer.ID,
		Amount:      amount,
		Currency:    "USD",
		Method:      paymentdomain.MethodCard,
		Status:      paymentdomain.StatusSucceeded,
		Attempts:    1,
		ProcessedAt: &now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if invoice != nil {
		invoiceID := invoice.ID
		payment.InvoiceID = &invoiceID
	}
	for _, m := range mutate {
		m(&payment)
	}
	require.NoError(t, paymentrepo.Provide().Insert(f.ctx(), f.env.DB, &payment))
	return payment.ID.String()
}

func assertTotals(t *testing.T, inv domain.Invoice) {
	t.Helper()
	assert.Equal(t, inv.Subtotal+inv.Tax, inv.Total)
	assert.Equal(t, inv.Total-inv.AmountPaid, inv.AmountDue)
}

func TestCreateComputesTotals(t *testing.T) {
	f := newFixture(t)

	inv, err := f.svc.Create(f.ctx(), domain.CreateInvoiceRequest{
		CustomerID: f.customer.ID.String(),
		Tax:        100,
		Lines: []domain.LineInput{
			{Name: "Setup", Amount: 1000},
			{Name: "Seats", Quantity: decimal.NewFromInt(2), Amount: 250},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusDraft, inv.Status)
	assert.Equal(t, domain.CollectSendInvoice, inv.CollectionMethod)
	assert.Equal(t, "USD", inv.Currency)
	assert.True(t, strings.HasPrefix(inv.Number, "INV-202401-"), inv.Number)
	assert.Equal(t, int64(1250), inv.Subtotal)
	assert.Equal(t, int64(1350), inv.Total)
	assertTotals(t, inv)

	got, err := f.svc.Get(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	require.Len(t, got.Lines, 2)
	assert.Equal(t, "Setup", got.Lines[0].Name)
	assert.True(t, got.Lines[1].UnitAmount.Equal(decimal.NewFromInt(125)))
	assert.Equal(t, domain.SourceOneOff, got.Lines[1].Source)
}

func TestCreateRejectsNegativeChargeLines(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(f.ctx(), domain.CreateInvoiceRequest{
		CustomerID: f.customer.ID.String(),
		Lines:      []domain.LineInput{{Name: "Refund", Amount: -100}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidLineItem)
	assert.ErrorIs(t, err, errs.ErrValidation)

	inv := f.draft(t, "", domain.LineInput{Name: "Unused time", Amount: -100, Source: domain.SourceProration})
	assert.Equal(t, int64(-100), inv.Total)

	_, err = f.svc.Create(f.ctx(), domain.CreateInvoiceRequest{CustomerID: f.customer.ID.String(), Currency: "XYZ"})
	assert.ErrorIs(t, err, domain.ErrInvalidCurrency)
	_, err = f.svc.Create(f.ctx(), domain.CreateInvoiceRequest{CustomerID: f.customer.ID.String(), Tax: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidTax)
}

func TestUpdateOnlyWhileDraft(t *testing.T) {
	f := newFixture(t)
	inv := f.draft(t, "", domain.LineInput{Name: "Setup", Amount: 1000})

	tax := int64(80)
	lines := []domain.LineInput{{Name: "Setup", Amount: 900}}
	inv, err := f.svc.Update(f.ctx(), domain.UpdateInvoiceRequest{ID: inv.ID.String(), Tax: &tax, Lines: &lines})
	require.NoError(t, err)
	assert.Equal(t, int64(980), inv.Total)
	assert.Equal(t, int64(2), inv.Version)
	assertTotals(t, inv)

	_, err = f.svc.Finalize(f.ctx(), inv.ID.String())
	require.NoError(t, err)

	_, err = f.svc.Update(f.ctx(), domain.UpdateInvoiceRequest{ID: inv.ID.String(), Tax: &tax})
	assert.ErrorIs(t, err, domain.ErrNotDraft)
}

func TestFinalizeTwiceIsInvalidState(t *testing.T) {
	f := newFixture(t)
	inv := f.finalized(t, 1000)

	assert.Equal(t, domain.StatusFinalized, inv.Status)
	assert.Equal(t, domain.PaymentPending, inv.PaymentStatus)
	assert.False(t, inv.AutoPaid)
	require.NotNil(t, inv.FinalizedAt)
	assertTotals(t, inv)

	_, err := f.svc.Finalize(f.ctx(), inv.ID.String())
	assert.ErrorIs(t, err, domain.ErrNotDraft)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Contains(t, err.Error(), "FINALIZED->FINALIZED")

	assert.Len(t, f.env.Events(t, events.EventInvoiceFinalized), 1)
	assert.Equal(t, []string{"invoice.create", "invoice.finalize"}, f.env.AuditActions(t, "invoice", inv.ID.String()))
}

func TestFinalizeZeroDueAutoPays(t *testing.T) {
	f := newFixture(t)
	inv := f.draft(t, "")

	inv, err := f.svc.Finalize(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentSucceeded, inv.PaymentStatus)
	assert.True(t, inv.AutoPaid)
	assert.True(t, inv.FullyPaid())
	assert.Len(t, f.env.Events(t, events.EventInvoicePaid), 1)

	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{
		InvoiceID: inv.ID.String(), PaymentID: f.payment(t, &inv, 100), Amount: 100,
	})
	assert.ErrorIs(t, err, errs.ErrOverpayment)
}

func TestNegativeTotalIsNotAutoPaid(t *testing.T) {
	f := newFixture(t)
	inv := f.draft(t, "", domain.LineInput{Name: "Unused time", Amount: -500, Source: domain.SourceProration})

	inv, err := f.svc.Finalize(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(-500), inv.AmountDue)
	assert.Equal(t, domain.PaymentPending, inv.PaymentStatus)
	assert.False(t, inv.AutoPaid)
}

func TestVoidRules(t *testing.T) {
	f := newFixture(t)

	draft := f.draft(t, "", domain.LineInput{Name: "Setup", Amount: 1000})
	voided, err := f.svc.Void(f.ctx(), draft.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusVoid, voided.Status)
	require.NotNil(t, voided.VoidedAt)

	_, err = f.svc.Void(f.ctx(), draft.ID.String())
	assert.ErrorIs(t, err, domain.ErrVoided)
	_, err = f.svc.Finalize(f.ctx(), draft.ID.String())
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	unpaid := f.finalized(t, 1000)
	_, err = f.svc.Void(f.ctx(), unpaid.ID.String())
	require.NoError(t, err)

	paid := f.finalized(t, 1000)
	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: paid.ID.String(), PaymentID: f.payment(t, &paid, 100), Amount: 100})
	require.NoError(t, err)
	_, err = f.svc.Void(f.ctx(), paid.ID.String())
	assert.ErrorIs(t, err, domain.ErrHasPayments)

	got, err := f.svc.Get(f.ctx(), paid.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, got.Status)
	assert.Len(t, f.env.Events(t, events.EventInvoiceVoided), 2)
}

func TestApplyPaymentIsIdempotentPerPayment(t *testing.T) {
	f := newFixture(t)
	inv := f.finalized(t, 1000)
	id := inv.ID.String()

	first := f.payment(t, &inv, 400)
	second := f.payment(t, &inv, 700)

	inv, err := f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: id, PaymentID: first, Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), inv.AmountPaid)
	assert.Equal(t, int64(600), inv.AmountDue)
	assert.Equal(t, domain.PaymentPending, inv.PaymentStatus)

	again, err := f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: id, PaymentID: first, Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), again.AmountPaid)

	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: id, PaymentID: first, Amount: 500})
	assert.ErrorIs(t, err, domain.ErrPaymentMismatch)
	assert.ErrorIs(t, err, errs.ErrConflict)

	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: id, PaymentID: second, Amount: 700})
	assert.ErrorIs(t, err, domain.ErrOverpayment)

	inv, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: id, PaymentID: second, Amount: 600})
	require.NoError(t, err)
	assert.Equal(t, int64(0), inv.AmountDue)
	assert.True(t, inv.FullyPaid())
	assertTotals(t, inv)
	assert.Len(t, f.env.Events(t, events.EventInvoicePaid), 1)

	draft := f.draft(t, "", domain.LineInput{Name: "Setup", Amount: 1000})
	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: draft.ID.String(), PaymentID: f.payment(t, &draft, 100), Amount: 100})
	assert.ErrorIs(t, err, domain.ErrNotFinalized)
}

func TestApplyPaymentRequiresMatchingSucceededPayment(t *testing.T) {
	f := newFixture(t)
	inv := f.finalized(t, 1000)
	other := f.finalized(t, 1000)
	apply := func(paymentID string, amount int64) error {
		_, err := f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: inv.ID.String(), PaymentID: paymentID, Amount: amount})
		return err
	}

	err := apply("987654321", 100)
	assert.ErrorIs(t, err, domain.ErrPaymentNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)

	pending := f.payment(t, &inv, 100, func(p *paymentdomain.Payment) { p.Status = paymentdomain.StatusPending })
	err = apply(pending, 100)
	assert.ErrorIs(t, err, domain.ErrPaymentNotSucceeded)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	assert.ErrorIs(t, apply(f.payment(t, &other, 100), 100), domain.ErrPaymentNotApplicable)
	assert.ErrorIs(t, apply(f.payment(t, &inv, 100, func(p *paymentdomain.Payment) { p.Currency = "EUR" }), 100), domain.ErrPaymentNotApplicable)
	assert.ErrorIs(t, apply(f.payment(t, &inv, 300), 500), domain.ErrPaymentNotApplicable)
	assert.ErrorIs(t, apply(f.payment(t, nil, 100, func(p *paymentdomain.Payment) { p.CustomerID = 424242 }), 100), domain.ErrPaymentNotApplicable)

	got, err := f.svc.Get(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.Zero(t, got.AmountPaid)

	// A customer payment is split across invoices up to its amount.
	shared := f.payment(t, nil, 1000)
	require.NoError(t, apply(shared, 600))
	_, err = f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: other.ID.String(), PaymentID: shared, Amount: 500})
	assert.ErrorIs(t, err, domain.ErrPaymentNotApplicable)
	paid, err := f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: other.ID.String(), PaymentID: shared, Amount: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), paid.AmountPaid)
}

func TestRecordPaymentCreatesOfflinePayment(t *testing.T) {
	f := newFixture(t)
	inv := f.finalized(t, 1000)

	req := domain.RecordPaymentRequest{
		InvoiceID: inv.ID.String(), Amount: 1000, Reference: "wire-8812", IdempotencyKey: "rec-1",
	}
	paid, err := f.svc.RecordPayment(f.ctx(), req)
	require.NoError(t, err)
	assert.True(t, paid.FullyPaid())

	again, err := f.svc.RecordPayment(f.ctx(), req)
	require.NoError(t, err)
	assert.Equal(t, paid.AmountPaid, again.AmountPaid)

	var payments []paymentdomain.Payment
	require.NoError(t, f.env.DB.Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, paymentdomain.MethodOffline, payments[0].Method)
	assert.Equal(t, paymentdomain.StatusSucceeded, payments[0].Status)
	assert.Equal(t, "wire-8812", payments[0].GatewayReference)
}

func TestFinalizeChargesWallet(t *testing.T) {
	f := newFixture(t)
	wallet, err := f.wallets.Create(f.ctx(), walletdomain.CreateWalletRequest{CustomerID: f.customer.ID.String()})
	require.NoError(t, err)
	_, err = f.wallets.TopUp(f.ctx(), walletdomain.TransactionRequest{WalletID: wallet.ID.String(), Amount: 1500})
	require.NoError(t, err)

	first := f.draft(t, domain.CollectChargeWallet, domain.LineInput{Name: "Pro", Amount: 1200})
	first, err = f.svc.Finalize(f.ctx(), first.ID.String())
	require.NoError(t, err)
	assert.True(t, first.FullyPaid())
	assert.Equal(t, int64(1200), first.AmountPaid)

	balance, err := f.wallets.Balance(f.ctx(), wallet.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)

	second := f.draft(t, domain.CollectChargeWallet, domain.LineInput{Name: "Pro", Amount: 1200})
	second, err = f.svc.Finalize(f.ctx(), second.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFinalized, second.Status)
	assert.Equal(t, domain.PaymentPending, second.PaymentStatus)
	assert.Equal(t, int64(1200), second.AmountDue)

	balance, err = f.wallets.Balance(f.ctx(), wallet.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(300), balance)
}

func TestConcurrentFinalizeChargesWalletOnce(t *testing.T) {
	f := newFixture(t)
	wallet, err := f.wallets.Create(f.ctx(), walletdomain.CreateWalletRequest{CustomerID: f.customer.ID.String()})
	require.NoError(t, err)
	_, err = f.wallets.TopUp(f.ctx(), walletdomain.TransactionRequest{WalletID: wallet.ID.String(), Amount: 5000})
	require.NoError(t, err)
	inv := f.draft(t, domain.CollectChargeWallet, domain.LineInput{Name: "Pro", Amount: 1200})

	const workers = 6
	results := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.svc.Finalize(f.ctx(), inv.ID.String())
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, domain.ErrNotDraft)
	}
	assert.Equal(t, 1, succeeded)

	balance, err := f.wallets.Balance(f.ctx(), wallet.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(3800), balance)

	var payments []paymentdomain.Payment
	require.NoError(t, f.env.DB.Find(&payments).Error)
	require.Len(t, payments, 1)
	assert.Equal(t, int64(1200), payments[0].Amount)

	loaded, err := f.svc.Get(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	assert.True(t, loaded.FullyPaid())
	assert.Equal(t, int64(1200), loaded.AmountPaid)
	assert.Len(t, f.env.Events(t, events.EventWalletDebited), 1)
}

func (f *fixture) subject(t *testing.T, featureID snowflake.ID) domain.Subject {
	t.Helper()
	return domain.Subject{
		CustomerID:     f.customer.ID,
		SubscriptionID: 9001,
		Currency:       "USD",
		Products: []domain.Product{{
			ProductID: 10,
			Name:      "Pro",
			Quantity:  1,
			Prices: []catalogdomain.Price{
				{ID: 11, Currency: "USD", Cadence: catalogdomain.CadenceRecurring, BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindFlatFee, Amount: 2999},
				{ID: 12, Currency: "USD", Cadence: catalogdomain.CadenceRecurring, BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindUsage, UnitAmount: decimal.RequireFromString("0.5"), FeatureID: &featureID},
				{ID: 13, Currency: "USD", Cadence: catalogdomain.CadenceOneTime, BillingModel: pricing.KindFlatFee, Amount: 5000},
			},
		}},
	}
}

func TestGenerateBillsUsageAndClaimsPending(t *testing.T) {
	f := newFixture(t)
	featureID := snowflake.ID(77)
	jan := billingcycle.Period{Start: testkit.Epoch, End: testkit.Epoch.AddDate(0, 1, 0)}
	feb := billingcycle.Period{Start: jan.End, End: jan.End.AddDate(0, 1, 0)}

	_, err := f.usage.Ingest(f.ctx(), usagedomain.IngestRequest{
		EventID: "evt-1", CustomerID: f.customer.ID, FeatureID: featureID,
		Quantity: decimal.NewFromInt(101), Windows: []billingcycle.Period{jan},
	})
	require.NoError(t, err)

	err = f.env.DB.Transaction(func(tx *gorm.DB) error {
		return f.svc.AddPendingTx(f.ctx(), tx, []domain.PendingLineItem{{
			OrgID: snowflake.ID(testkit.OrgID), SubscriptionID: 9001, CustomerID: f.customer.ID,
			Currency: "USD", Name: "Downgrade credit", Amount: -1000, Source: domain.SourceProration,
		}})
	})
	require.NoError(t, err)

	inv, err := f.svc.GenerateForPeriod(f.ctx(), domain.GenerateRequest{
		Subject:        f.subject(t, featureID),
		Period:         jan,
		Arrears:        &jan,
		Advance:        &feb,
		IncludePending: true,
	})
	require.NoError(t, err)

	require.Len(t, inv.Lines, 3)
	assert.Equal(t, domain.SourceRecurring, inv.Lines[0].Source)
	assert.Equal(t, int64(2999), inv.Lines[0].Amount)
	assert.Equal(t, domain.SourceUsage, inv.Lines[1].Source)
	assert.Equal(t, int64(50), inv.Lines[1].Amount)
	assert.Equal(t, domain.SourceProration, inv.Lines[2].Source)
	assert.Equal(t, int64(2049), inv.Total)
	assert.Equal(t, domain.StatusDraft, inv.Status)
	assertTotals(t, inv)

	pending, err := f.svc.ListPending(f.ctx(), 9001)
	require.NoError(t, err)
	assert.Empty(t, pending)

	snapshot, err := f.usage.Snapshot(f.ctx(), f.customer.ID, featureID, jan)
	require.NoError(t, err)
	assert.True(t, snapshot.Equal(decimal.NewFromInt(101)))

	_, err = f.svc.Void(f.ctx(), inv.ID.String())
	require.NoError(t, err)
	pending, err = f.svc.ListPending(f.ctx(), 9001)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestPreviewWritesNothing(t *testing.T) {
	f := newFixture(t)
	jan := billingcycle.Period{Start: testkit.Epoch, End: testkit.Epoch.AddDate(0, 1, 0)}

	preview, err := f.svc.Preview(f.ctx(), domain.GenerateRequest{
		Subject:        f.subject(t, 77),
		Period:         jan,
		Advance:        &jan,
		AdvanceFactor:  decimal.RequireFromString("0.5"),
		IncludeOneTime: true,
	})
	require.NoError(t, err)
	require.Len(t, preview.Lines, 2)
	assert.Equal(t, int64(1500), preview.Lines[0].Amount)
	assert.Equal(t, domain.SourceOneOff, preview.Lines[1].Source)
	assert.Equal(t, int64(6500), preview.Total)
	assert.Empty(t, preview.Number)

	var count int64
	require.NoError(t, f.env.DB.Model(&domain.Invoice{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestCreditReturnsExcess(t *testing.T) {
	f := newFixture(t)
	inv := f.finalized(t, 1000)
	_, err := f.svc.ApplyPayment(f.ctx(), domain.ApplyPaymentRequest{InvoiceID: inv.ID.String(), PaymentID: f.payment(t, &inv, 600), Amount: 600})
	require.NoError(t, err)

	var (
		credited domain.Invoice
		excess   int64
	)
	err = f.env.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		credited, excess, err = f.svc.CreditTx(f.ctx(), tx, snowflake.ID(testkit.OrgID), inv.ID, 500)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(100), excess)
	assert.Equal(t, int64(500), credited.AmountCredited)
	assert.True(t, credited.FullyPaid())
	assertTotals(t, credited)
}
