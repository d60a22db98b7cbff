package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billcore/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/billcore/internal/catalog/service"
	creditgrantdomain "github.com/smallbiznis/billcore/internal/creditgrant/domain"
	creditgrantrepo "github.com/smallbiznis/billcore/internal/creditgrant/repository"
	creditgrantservice "github.com/smallbiznis/billcore/internal/creditgrant/service"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	customerrepo "github.com/smallbiznis/billcore/internal/customer/repository"
	customerservice "github.com/smallbiznis/billcore/internal/customer/service"
	entitlementrepo "github.com/smallbiznis/billcore/internal/entitlement/repository"
	entitlementservice "github.com/smallbiznis/billcore/internal/entitlement/service"
	"github.com/smallbiznis/billcore/internal/events"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	invoicerepo "github.com/smallbiznis/billcore/internal/invoice/repository"
	invoiceservice "github.com/smallbiznis/billcore/internal/invoice/service"
	paymentdomain "github.com/smallbiznis/billcore/internal/payment/domain"
	paymentrepo "github.com/smallbiznis/billcore/internal/payment/repository"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/internal/proration"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	"github.com/smallbiznis/billcore/internal/subscription/repository"
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
)

type fixture struct {
	env      *testkit.Env
	svc      domain.Service
	catalog  catalogdomain.Service
	invoices invoicedomain.Service
	wallets  walletdomain.Service
	grants   creditgrantdomain.Service
	customer customerdomain.Customer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testkit.New(t,
		&customerdomain.Customer{},
		&walletdomain.Wallet{}, &walletdomain.Transaction{},
		&catalogdomain.Plan{}, &catalogdomain.Price{}, &catalogdomain.Feature{}, &catalogdomain.Entitlement{},
		&usagedomain.Event{}, &usagedomain.Counter{},
		&paymentdomain.Payment{},
		&invoicedomain.Invoice{}, &invoicedomain.LineItem{}, &invoicedomain.InvoicePayment{}, &invoicedomain.PendingLineItem{},
		&creditgrantdomain.CreditGrant{}, &creditgrantdomain.Application{},
		&domain.Subscription{}, &domain.Addon{}, &domain.Pause{},
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
	catalog, err := catalogservice.New(catalogservice.Params{
		DB:      env.DB,
		Log:     env.Log,
		GenID:   env.Node,
		Clock:   env.Clock,
		Billing: env.Billing,
		Repo:    catalogrepo.Provide(),
	})
	require.NoError(t, err)
	usage := usageservice.New(usageservice.Params{
		DB:    env.DB,
		Log:   env.Log,
		GenID: env.Node,
		Clock: env.Clock,
		Repo:  usagerepo.Provide(),
	})
	entitlements := entitlementservice.New(entitlementservice.Params{
		DB:      env.DB,
		Log:     env.Log,
		Clock:   env.Clock,
		Catalog: catalog,
		Usage:   usage,
		Repo:    entitlementrepo.Provide(),
	})
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
		Catalog:     catalog,
		Usage:       usage,
		Wallets:     wallets,
		Payments:    paymentrepo.Provide(),
		Repo:        invoicerepo.Provide(),
	})
	grants := creditgrantservice.New(creditgrantservice.Params{
		DB:          env.DB,
		Log:         env.Log,
		GenID:       env.Node,
		Clock:       env.Clock,
		Billing:     env.Billing,
		Locker:      env.Locker,
		Outbox:      env.Outbox,
		Audit:       env.Audit,
		Idempotency: env.Idempotency,
		Catalog:     catalog,
		Wallets:     wallets,
		Repo:        creditgrantrepo.Provide(),
	})

	svc := New(Params{
		DB:           env.DB,
		Log:          env.Log,
		GenID:        env.Node,
		Clock:        env.Clock,
		Billing:      env.Billing,
		Locker:       env.Locker,
		Outbox:       env.Outbox,
		Audit:        env.Audit,
		Idempotency:  env.Idempotency,
		Customers:    customers,
		Catalog:      catalog,
		Entitlements: entitlements,
		Usage:        usage,
		Invoices:     invoices,
		Wallets:      wallets,
		CreditGrants: grants,
		Repo:         repository.Provide(),
	})

	customer, err := customers.Create(env.Context(), customerdomain.CreateCustomerRequest{
		Name: "Acme", Email: "billing@acme.test", Currency: "USD",
	})
	require.NoError(t, err)
	return &fixture{
		env:      env,
		svc:      svc,
		catalog:  catalog,
		invoices: invoices,
		wallets:  wallets,
		grants:   grants,
		customer: customer,
	}
}

func (f *fixture) ctx() context.Context { return f.env.Context() }

// product creates a plan or addon with one monthly flat price.
func (f *fixture) product(t *testing.T, kind catalogdomain.PlanKind, code string, amount int64) catalogdomain.Plan {
	t.Helper()
	plan, err := f.catalog.CreatePlan(f.ctx(), catalogdomain.CreatePlanRequest{Kind: kind, Code: code, Name: code})
	require.NoError(t, err)
	_, err = f.catalog.CreatePrice(f.ctx(), catalogdomain.CreatePriceRequest{
		PlanID:             plan.ID.String(),
		Currency:           "USD",
		Cadence:            catalogdomain.CadenceRecurring,
		BillingPeriod:      billingcycle.UnitMonth,
		BillingPeriodCount: 1,
		BillingModel:       pricing.KindFlatFee,
		Amount:             amount,
	})
	require.NoError(t, err)
	return plan
}

func (f *fixture) create(t *testing.T, plan catalogdomain.Plan, mutate ...func(*domain.CreateSubscriptionRequest)) domain.Subscription {
	t.Helper()
	req := domain.CreateSubscriptionRequest{CustomerID: f.customer.ID.String(), PlanID: plan.ID.String()}
	for _, m := range mutate {
		m(&req)
	}
	sub, err := f.svc.Create(f.ctx(), req)
	require.NoError(t, err)
	return sub
}

func (f *fixture) active(t *testing.T, plan catalogdomain.Plan) domain.Subscription {
	t.Helper()
	sub := f.create(t, plan)
	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	return sub
}

func (f *fixture) invoicesOf(t *testing.T, sub domain.Subscription) []invoicedomain.Invoice {
	t.Helper()
	var out []invoicedomain.Invoice
	require.NoError(t, f.env.DB.Where("subscription_id = ?", sub.ID).Order("id asc").Find(&out).Error)
	return out
}

func at(y int, m time.Month, d, h int) time.Time {
	return time.Date(y, m, d, h, 0, 0, 0, time.UTC)
}

func TestActivationBillsFirstPeriodInAdvance(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 2999)

	sub := f.create(t, plan)
	assert.Equal(t, domain.StatusDraft, sub.Status)
	assert.Equal(t, billingcycle.UnitMonth, sub.BillingPeriod)
	assert.Equal(t, proration.BehaviorCreateProrations, sub.ProrationBehavior)

	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.CurrentPeriodStart.Equal(testkit.Epoch))
	assert.True(t, sub.CurrentPeriodEnd.Equal(at(2024, time.February, 1, 0)))

	invoices := f.invoicesOf(t, sub)
	require.Len(t, invoices, 1)
	inv := invoices[0]
	assert.Equal(t, invoicedomain.StatusFinalized, inv.Status)
	assert.Equal(t, int64(2999), inv.Total)

	paid, err := f.invoices.RecordPayment(f.ctx(), invoicedomain.RecordPaymentRequest{
		InvoiceID: inv.ID.String(), Amount: 2999, Reference: "wire-5001",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), paid.AmountDue)
	assert.True(t, paid.FullyPaid())

	assert.Len(t, f.env.Events(t, events.EventSubscriptionActivated), 1)
	assert.Equal(t, []string{"subscription.create", "subscription.activate"},
		f.env.AuditActions(t, "subscription", sub.ID.String()))

	_, err = f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNotDraft)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
}

func TestCalendarAnchorProratesFirstPeriod(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "calendar", 3100)
	sub := f.create(t, plan, func(r *domain.CreateSubscriptionRequest) {
		r.BillingCycleAnchor = billingcycle.AnchorCalendar
	})

	f.env.Clock.Set(at(2024, time.January, 16, 0))
	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodStart.Equal(testkit.Epoch))
	assert.True(t, sub.CurrentPeriodEnd.Equal(at(2024, time.February, 1, 0)))

	invoices := f.invoicesOf(t, sub)
	require.Len(t, invoices, 1)
	assert.Equal(t, int64(1600), invoices[0].Total)
}

func TestCreateRejectsPlanWithoutRecurringPrice(t *testing.T) {
	f := newFixture(t)
	plan, err := f.catalog.CreatePlan(f.ctx(), catalogdomain.CreatePlanRequest{Kind: catalogdomain.KindPlan, Code: "empty", Name: "Empty"})
	require.NoError(t, err)

	_, err = f.svc.Create(f.ctx(), domain.CreateSubscriptionRequest{CustomerID: f.customer.ID.String(), PlanID: plan.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNoRecurringPrice)

	addon := f.product(t, catalogdomain.KindAddon, "seats", 500)
	_, err = f.svc.Create(f.ctx(), domain.CreateSubscriptionRequest{CustomerID: f.customer.ID.String(), PlanID: addon.ID.String()})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)
}

func TestOverlappingSubscriptionIsRejected(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	f.active(t, plan)

	second := f.create(t, plan)
	_, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: second.ID.String()})
	assert.ErrorIs(t, err, domain.ErrOverlap)
	assert.ErrorIs(t, err, errs.ErrConflict)

	got, err := f.svc.Get(f.ctx(), second.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, got.Status)

	allowed := f.create(t, plan, func(r *domain.CreateSubscriptionRequest) { r.AllowOverlap = true })
	_, err = f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: allowed.ID.String()})
	assert.NoError(t, err)
}

func TestCancelIsIdempotent(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 3100)
	sub := f.active(t, plan)

	f.env.Clock.Set(at(2024, time.January, 16, 0))
	canceled, err := f.svc.Cancel(f.ctx(), domain.CancelRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, canceled.Status)
	assert.True(t, canceled.CanceledAt.Equal(at(2024, time.January, 16, 0)))

	again, err := f.svc.Cancel(f.ctx(), domain.CancelRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, canceled.Version, again.Version)
	assert.Len(t, f.env.Events(t, events.EventSubscriptionCanceled), 1)

	invoices := f.invoicesOf(t, sub)
	require.Len(t, invoices, 2)
	assert.Equal(t, int64(-1600), invoices[1].Total)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestCancelAtPeriodEndAppliesOnRenewal(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	sub := f.active(t, plan)

	sub, err := f.svc.Cancel(f.ctx(), domain.CancelRequest{ID: sub.ID.String(), Mode: domain.ModeEndOfPeriod})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.True(t, sub.CancelAtPeriodEnd)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrCancelScheduled)

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	due, err := f.svc.ListDue(context.Background(), f.env.Clock.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	sub, err = f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCanceled, sub.Status)
	assert.Len(t, f.invoicesOf(t, sub), 1)
}

func TestPauseAndResumeKeepPeriodBoundaries(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	sub := f.active(t, plan)
	start, end := *sub.CurrentPeriodStart, *sub.CurrentPeriodEnd

	f.env.Clock.Advance(10 * 24 * time.Hour)
	paused, err := f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, paused.Status)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNotActive)

	f.env.Clock.Advance(5 * 24 * time.Hour)
	resumed, err := f.svc.Resume(f.ctx(), domain.ResumeRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.True(t, resumed.CurrentPeriodStart.Equal(start))
	assert.True(t, resumed.CurrentPeriodEnd.Equal(end))

	_, err = f.svc.Resume(f.ctx(), domain.ResumeRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrNotPaused)

	assert.Len(t, f.env.Events(t, events.EventSubscriptionPaused), 1)
	assert.Len(t, f.env.Events(t, events.EventSubscriptionResumed), 1)
}

func TestScheduledPauseCanBeCanceled(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	sub := f.active(t, plan)

	sub, err := f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String(), Mode: domain.ModeEndOfPeriod})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	require.NotNil(t, sub.PauseAt)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	assert.ErrorIs(t, err, domain.ErrPauseScheduled)

	sub, err = f.svc.Resume(f.ctx(), domain.ResumeRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, sub.Status)
	assert.Nil(t, sub.PauseAt)
	assert.Contains(t, f.env.AuditActions(t, "subscription", sub.ID.String()), "subscription.pause_canceled")
}

func TestChangeAtHalfPeriodProratesBothPlans(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)

	sub := f.create(t, basic)
	start := at(2024, time.February, 1, 0)
	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String(), StartDate: &start})
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodEnd.Equal(at(2024, time.March, 1, 0)))

	f.env.Clock.Set(at(2024, time.February, 15, 12))
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: pro.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, pro.ID, result.Subscription.PlanID)
	assert.True(t, result.Proration.Coefficient.Equal(decimal.RequireFromString("0.5")))
	require.Len(t, result.Pending, 2)
	assert.Equal(t, int64(-1500), result.Pending[0].Amount)
	assert.Equal(t, int64(3000), result.Pending[1].Amount)
	assert.Equal(t, int64(1500), result.Proration.Net)
	assert.Nil(t, result.Invoice)

	_, err = f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: pro.ID.String()})
	assert.ErrorIs(t, err, domain.ErrSamePlan)

	f.env.Clock.Set(at(2024, time.March, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, renewed.CurrentPeriodEnd.Equal(at(2024, time.April, 1, 0)))

	invoices := f.invoicesOf(t, sub)
	require.Len(t, invoices, 2)
	assert.Equal(t, int64(7500), invoices[1].Total)

	pending, err := f.invoices.ListPending(f.ctx(), sub.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestChangeWithImmediateInvoicing(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	sub := f.create(t, basic)
	start := at(2024, time.February, 1, 0)
	_, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String(), StartDate: &start})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.February, 15, 12))
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{
		ID: sub.ID.String(), PlanID: pro.ID.String(), ImmediateInvoicing: true,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Pending)
	require.NotNil(t, result.Invoice)
	assert.Equal(t, int64(1500), result.Invoice.Total)
	assert.Equal(t, invoicedomain.StatusFinalized, result.Invoice.Status)
}

func TestCanceledContextLeavesPlanUnchanged(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	sub := f.active(t, basic)

	ctx, cancel := context.WithCancel(f.ctx())
	cancel()
	_, err := f.svc.Change(ctx, domain.ChangeRequest{ID: sub.ID.String(), PlanID: pro.ID.String()})
	require.Error(t, err)

	got, err := f.svc.Get(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, basic.ID, got.PlanID)
	assert.Equal(t, sub.Version, got.Version)
}

func TestAddonsAreProrated(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	seats := f.product(t, catalogdomain.KindAddon, "seats", 1000)
	sub := f.create(t, plan)
	start := at(2024, time.February, 1, 0)
	_, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String(), StartDate: &start})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.February, 15, 12))
	added, err := f.svc.AddAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), Quantity: 2})
	require.NoError(t, err)
	require.Len(t, added.Pending, 1)
	assert.Equal(t, int64(1000), added.Pending[0].Amount)
	assert.Len(t, added.Subscription.ActiveAddons(), 1)

	_, err = f.svc.AddAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String()})
	assert.ErrorIs(t, err, domain.ErrAddonAttached)

	removed, err := f.svc.RemoveAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String()})
	require.NoError(t, err)
	require.Len(t, removed.Pending, 1)
	assert.Equal(t, int64(-1000), removed.Pending[0].Amount)
	assert.Empty(t, removed.Subscription.ActiveAddons())

	_, err = f.svc.RemoveAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String()})
	assert.ErrorIs(t, err, domain.ErrAddonNotFound)
}

func TestRenewClosesEachElapsedPeriodOnce(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	_, err := f.grants.Create(f.ctx(), creditgrantdomain.CreateCreditGrantRequest{
		Name: "Monthly credit", Scope: creditgrantdomain.ScopePlan, PlanID: plan.ID.String(),
		Amount: 500, Currency: "USD", Cadence: creditgrantdomain.CadenceRecurring, Period: billingcycle.UnitMonth,
	})
	require.NoError(t, err)

	sub := f.active(t, plan)
	assert.Equal(t, int64(500), f.balance(t))

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, renewed.CurrentPeriodStart.Equal(at(2024, time.February, 1, 0)))

	again, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, renewed.Version, again.Version)
	assert.Len(t, f.invoicesOf(t, sub), 2)
	assert.Equal(t, int64(1000), f.balance(t))

	f.env.Clock.Set(at(2024, time.April, 1, 0))
	renewed, err = f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.True(t, renewed.CurrentPeriodStart.Equal(at(2024, time.April, 1, 0)))
	assert.True(t, renewed.CurrentPeriodEnd.Equal(at(2024, time.May, 1, 0)))
	assert.Len(t, f.invoicesOf(t, sub), 4)
	assert.Equal(t, int64(2000), f.balance(t))
}

func TestReportUsage(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 1000)
	feature, err := f.catalog.CreateFeature(f.ctx(), catalogdomain.CreateFeatureRequest{
		Code: "api_calls", Name: "API calls", Type: catalogdomain.FeatureMetered,
	})
	require.NoError(t, err)
	_, err = f.catalog.CreateEntitlement(f.ctx(), catalogdomain.CreateEntitlementRequest{
		PlanID: plan.ID.String(), FeatureID: feature.ID.String(), Enabled: true,
	})
	require.NoError(t, err)
	sub := f.active(t, plan)

	req := domain.ReportUsageRequest{
		SubscriptionID: sub.ID.String(), EventID: "evt-1", FeatureCode: "api_calls", Quantity: decimal.NewFromInt(10),
	}
	result, err := f.svc.ReportUsage(f.ctx(), req)
	require.NoError(t, err)
	assert.False(t, result.Duplicate)

	result, err = f.svc.ReportUsage(f.ctx(), req)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	late := at(2024, time.March, 1, 0)
	_, err = f.svc.ReportUsage(f.ctx(), domain.ReportUsageRequest{
		SubscriptionID: sub.ID.String(), EventID: "evt-2", FeatureCode: "api_calls",
		Quantity: decimal.NewFromInt(1), Timestamp: &late,
	})
	assert.ErrorIs(t, err, domain.ErrUsageOutsidePeriod)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	_, err = f.svc.ReportUsage(f.ctx(), domain.ReportUsageRequest{
		SubscriptionID: sub.ID.String(), EventID: "evt-3", FeatureCode: "api_calls", Quantity: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrNotActive)
}

func TestPreviewProjectsRenewal(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 2500)

	draft := f.create(t, plan)
	preview, err := f.svc.Preview(f.ctx(), draft.ID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(2500), preview.Total)

	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: draft.ID.String()})
	require.NoError(t, err)
	previews, err := f.svc.PreviewCustomer(f.ctx(), f.customer.ID.String())
	require.NoError(t, err)
	require.Len(t, previews, 1)
	assert.Equal(t, int64(2500), previews[0].Total)

	assert.Len(t, f.invoicesOf(t, sub), 1)
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	var wallet walletdomain.Wallet
	require.NoError(t, f.env.DB.Where("customer_id = ?", f.customer.ID).First(&wallet).Error)
	balance, err := f.wallets.Balance(f.ctx(), wallet.ID.String())
	require.NoError(t, err)
	return balance
}
