package service

import (
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	catalogrepo "github.com/smallbiznis/billcore/internal/catalog/repository"
	catalogservice "github.com/smallbiznis/billcore/internal/catalog/service"
	"github.com/smallbiznis/billcore/internal/creditgrant/domain"
	"github.com/smallbiznis/billcore/internal/creditgrant/repository"
	customerdomain "github.com/smallbiznis/billcore/internal/customer/domain"
	customerrepo "github.com/smallbiznis/billcore/internal/customer/repository"
	customerservice "github.com/smallbiznis/billcore/internal/customer/service"
	"github.com/smallbiznis/billcore/internal/events"
	"github.com/smallbiznis/billcore/internal/testkit"
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
	wallets  walletdomain.Service
	plan     catalogdomain.Plan
	customer customerdomain.Customer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	env := testkit.New(t,
		&customerdomain.Customer{},
		&walletdomain.Wallet{}, &walletdomain.Transaction{},
		&catalogdomain.Plan{}, &catalogdomain.Price{}, &catalogdomain.Feature{}, &catalogdomain.Entitlement{},
		&domain.CreditGrant{}, &domain.Application{},
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
		Catalog:     catalog,
		Wallets:     wallets,
		Repo:        repository.Provide(),
	})

	ctx := env.Context()
	customer, err := customers.Create(ctx, customerdomain.CreateCustomerRequest{
		Name: "Acme", Email: "billing@acme.test", Currency: "USD",
	})
	require.NoError(t, err)
	plan, err := catalog.CreatePlan(ctx, catalogdomain.CreatePlanRequest{
		Kind: catalogdomain.KindPlan, Code: "pro", Name: "Pro",
	})
	require.NoError(t, err)
	return &fixture{env: env, svc: svc, wallets: wallets, plan: plan, customer: customer}
}

func (f *fixture) apply(t *testing.T, subscriptionID snowflake.ID, start time.Time) []domain.Application {
	t.Helper()
	target := domain.Target{
		OrgID:          snowflake.ID(testkit.OrgID),
		SubscriptionID: subscriptionID,
		CustomerID:     f.customer.ID,
		Currency:       "USD",
		PlanIDs:        []snowflake.ID{f.plan.ID},
		Period:         billingcycle.Period{Start: start, End: billingcycle.Add(start, billingcycle.UnitMonth, 1)},
	}
	var applied []domain.Application
	err := f.env.DB.Transaction(func(tx *gorm.DB) error {
		var err error
		applied, err = f.svc.ApplyForPeriodTx(f.env.Context(), tx, target)
		return err
	})
	require.NoError(t, err)
	return applied
}

func (f *fixture) balance(t *testing.T) int64 {
	t.Helper()
	var wallet walletdomain.Wallet
	require.NoError(t, f.env.DB.Where("customer_id = ?", f.customer.ID).First(&wallet).Error)
	balance, err := f.wallets.Balance(f.env.Context(), wallet.ID.String())
	require.NoError(t, err)
	return balance
}

func TestCreateValidatesScopeAndCadence(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()

	_, err := f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Welcome", Scope: domain.ScopePlan, PlanID: "12345",
		Amount: 500, Currency: "USD", Cadence: domain.CadenceOneTime,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidPlan)

	_, err = f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Monthly", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 500, Currency: "USD", Cadence: domain.CadenceRecurring, Period: "FORTNIGHT",
	})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, err = f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Expiring", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 500, Currency: "USD", Cadence: domain.CadenceOneTime,
		ExpiryPolicy: domain.ExpiryDuration,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidExpiry)

	_, err = f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Zero", Scope: domain.ScopeSubscription, SubscriptionID: "77",
		Amount: 0, Currency: "USD", Cadence: domain.CadenceOneTime,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	grant, err := f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Monthly", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 500, Currency: "usd", Cadence: domain.CadenceRecurring, Period: billingcycle.UnitMonth,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", grant.Currency)
	assert.Equal(t, domain.ExpiryNever, grant.ExpiryPolicy)
	assert.Equal(t, 1, grant.PeriodCount)
}

func TestApplyOncePerPeriod(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	_, err := f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Monthly credit", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 500, Currency: "USD", Cadence: domain.CadenceRecurring, Period: billingcycle.UnitMonth,
	})
	require.NoError(t, err)

	subscriptionID := f.env.Node.Generate()
	assert.Len(t, f.apply(t, subscriptionID, testkit.Epoch), 1)
	assert.Empty(t, f.apply(t, subscriptionID, testkit.Epoch))
	assert.Equal(t, int64(500), f.balance(t))

	next := billingcycle.Add(testkit.Epoch, billingcycle.UnitMonth, 1)
	assert.Len(t, f.apply(t, subscriptionID, next), 1)
	assert.Equal(t, int64(1000), f.balance(t))

	apps, err := f.svc.Applications(ctx, subscriptionID.String())
	require.NoError(t, err)
	assert.Len(t, apps, 2)
	assert.Len(t, f.env.Events(t, events.EventCreditGrantApplied), 2)
}

func TestOneTimeGrantAppliesOnce(t *testing.T) {
	f := newFixture(t)
	subscriptionID := f.env.Node.Generate()
	_, err := f.svc.Create(f.env.Context(), domain.CreateCreditGrantRequest{
		Name: "Welcome", Scope: domain.ScopeSubscription, SubscriptionID: subscriptionID.String(),
		Amount: 2500, Currency: "USD", Cadence: domain.CadenceOneTime,
	})
	require.NoError(t, err)

	assert.Len(t, f.apply(t, subscriptionID, testkit.Epoch), 1)
	assert.Empty(t, f.apply(t, subscriptionID, billingcycle.Add(testkit.Epoch, billingcycle.UnitMonth, 1)))
	assert.Empty(t, f.apply(t, f.env.Node.Generate(), testkit.Epoch))
	assert.Equal(t, int64(2500), f.balance(t))
}

func TestArchivedGrantStopsApplying(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	grant, err := f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Monthly credit", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 500, Currency: "USD", Cadence: domain.CadenceRecurring, Period: billingcycle.UnitMonth,
	})
	require.NoError(t, err)

	archived, err := f.svc.Delete(ctx, grant.ID.String())
	require.NoError(t, err)
	assert.Equal(t, domain.StatusArchived, archived.Status)

	name := "Renamed"
	_, err = f.svc.Update(ctx, domain.UpdateCreditGrantRequest{ID: grant.ID.String(), Name: &name})
	assert.ErrorIs(t, err, domain.ErrArchived)

	assert.Empty(t, f.apply(t, f.env.Node.Generate(), testkit.Epoch))
	assert.Equal(t, []string{"credit_grant.create", "credit_grant.archive"},
		f.env.AuditActions(t, "credit_grant", grant.ID.String()))
}

func TestExpireDueTakesBackUnspentCredit(t *testing.T) {
	f := newFixture(t)
	ctx := f.env.Context()
	_, err := f.svc.Create(ctx, domain.CreateCreditGrantRequest{
		Name: "Trial credit", Scope: domain.ScopePlan, PlanID: f.plan.ID.String(),
		Amount: 1000, Currency: "USD", Cadence: domain.CadenceOneTime,
		ExpiryPolicy: domain.ExpiryDuration, ExpiryDuration: 7, ExpiryUnit: billingcycle.UnitDay,
	})
	require.NoError(t, err)

	subscriptionID := f.env.Node.Generate()
	applied := f.apply(t, subscriptionID, testkit.Epoch)
	require.Len(t, applied, 1)
	require.NotNil(t, applied[0].ExpiresAt)

	_, err = f.wallets.Debit(ctx, walletdomain.TransactionRequest{
		WalletID: applied[0].WalletID.String(), Amount: 400, Reason: walletdomain.ReasonDebit,
	})
	require.NoError(t, err)

	n, err := f.svc.ExpireDue(ctx, testkit.Epoch.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	after := testkit.Epoch.Add(8 * 24 * time.Hour)
	n, err = f.svc.ExpireDue(ctx, after)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Zero(t, f.balance(t))

	n, err = f.svc.ExpireDue(ctx, after)
	require.NoError(t, err)
	assert.Zero(t, n)

	apps, err := f.svc.Applications(ctx, subscriptionID.String())
	require.NoError(t, err)
	require.Len(t, apps, 1)
	assert.True(t, apps[0].Expired)
	assert.Equal(t, int64(600), apps[0].ExpiredAmount)
}
