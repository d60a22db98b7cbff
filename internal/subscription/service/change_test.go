package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	catalogdomain "github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/events"
	invoicedomain "github.com/smallbiznis/billcore/internal/invoice/domain"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/internal/proration"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// metered adds a usage price and an enabled entitlement for a new metered
// feature to plan.
func (f *fixture) metered(t *testing.T, plan catalogdomain.Plan, code string, unit int64) catalogdomain.Feature {
	t.Helper()
	feature, err := f.catalog.CreateFeature(f.ctx(), catalogdomain.CreateFeatureRequest{
		Code: code, Name: code, Type: catalogdomain.FeatureMetered,
	})
	require.NoError(t, err)
	_, err = f.catalog.CreateEntitlement(f.ctx(), catalogdomain.CreateEntitlementRequest{
		PlanID: plan.ID.String(), FeatureID: feature.ID.String(), Enabled: true,
	})
	require.NoError(t, err)
	_, err = f.catalog.CreatePrice(f.ctx(), catalogdomain.CreatePriceRequest{
		PlanID:             plan.ID.String(),
		Currency:           "USD",
		Cadence:            catalogdomain.CadenceRecurring,
		BillingPeriod:      billingcycle.UnitMonth,
		BillingPeriodCount: 1,
		BillingModel:       pricing.KindUsage,
		UnitAmount:         decimal.NewFromInt(unit),
		FeatureID:          feature.ID.String(),
	})
	require.NoError(t, err)
	return feature
}

func (f *fixture) yearlyPrice(t *testing.T, plan catalogdomain.Plan, amount int64) {
	t.Helper()
	_, err := f.catalog.CreatePrice(f.ctx(), catalogdomain.CreatePriceRequest{
		PlanID:             plan.ID.String(),
		Currency:           "USD",
		Cadence:            catalogdomain.CadenceRecurring,
		BillingPeriod:      billingcycle.UnitYear,
		BillingPeriodCount: 1,
		BillingModel:       pricing.KindFlatFee,
		Amount:             amount,
	})
	require.NoError(t, err)
}

func (f *fixture) lines(t *testing.T, invoice invoicedomain.Invoice) []invoicedomain.LineItem {
	t.Helper()
	var out []invoicedomain.LineItem
	require.NoError(t, f.env.DB.Where("invoice_id = ?", invoice.ID).Order("id asc").Find(&out).Error)
	return out
}

func TestChangeWithoutProrationWaitsForPeriodEnd(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	f.metered(t, basic, "api_calls", 10)
	sub := f.active(t, basic)

	f.env.Clock.Set(at(2024, time.January, 10, 0))
	_, err := f.svc.ReportUsage(f.ctx(), domain.ReportUsageRequest{
		SubscriptionID: sub.ID.String(), EventID: "evt-1", FeatureCode: "api_calls", Quantity: decimal.NewFromInt(5),
	})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.January, 16, 0))
	none := proration.BehaviorNone
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{
		ID: sub.ID.String(), PlanID: pro.ID.String(), ProrationBehavior: &none,
	})
	require.NoError(t, err)
	assert.Equal(t, basic.ID, result.Subscription.PlanID)
	require.NotNil(t, result.Subscription.PendingPlanID)
	assert.Equal(t, pro.ID, *result.Subscription.PendingPlanID)
	require.NotNil(t, result.Subscription.PendingChangeAt)
	assert.True(t, result.Subscription.PendingChangeAt.Equal(at(2024, time.February, 1, 0)))
	assert.Empty(t, result.Pending)
	assert.Nil(t, result.Invoice)
	assert.Empty(t, f.env.Events(t, events.EventSubscriptionChanged))

	f.env.Clock.Set(at(2024, time.January, 31, 0))
	got, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, basic.ID, got.PlanID)
	assert.Len(t, f.invoicesOf(t, sub), 1)

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, pro.ID, renewed.PlanID)
	assert.False(t, renewed.HasPendingChange())
	assert.True(t, renewed.CurrentPeriodEnd.Equal(at(2024, time.March, 1, 0)))

	// Usage of January is billed on the basic plan, February in advance on pro.
	invoices := f.invoicesOf(t, sub)
	require.Len(t, invoices, 2)
	assert.Equal(t, int64(50+6000), invoices[1].Total)

	assert.Len(t, f.env.Events(t, events.EventSubscriptionChanged), 1)
	actions := f.env.AuditActions(t, "subscription", sub.ID.String())
	assert.Contains(t, actions, "subscription.change_scheduled")
	assert.Contains(t, actions, "subscription.change_applied")
}

func TestChangeBackWithdrawsPendingChange(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	sub := f.active(t, basic)

	none := proration.BehaviorNone
	_, err := f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: pro.ID.String(), ProrationBehavior: &none})
	require.NoError(t, err)

	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: basic.ID.String(), ProrationBehavior: &none})
	require.NoError(t, err)
	assert.False(t, result.Subscription.HasPendingChange())
	assert.Nil(t, result.Subscription.PendingChangeAt)

	_, err = f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: basic.ID.String()})
	assert.ErrorIs(t, err, domain.ErrSamePlan)

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, basic.ID, renewed.PlanID)
	assert.Equal(t, int64(3000), f.invoicesOf(t, sub)[1].Total)
}

func TestAddonChangesWithoutProrationWaitForPeriodEnd(t *testing.T) {
	f := newFixture(t)
	plan := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	seats := f.product(t, catalogdomain.KindAddon, "seats", 1000)
	sub := f.active(t, plan)
	none := proration.BehaviorNone

	f.env.Clock.Set(at(2024, time.January, 16, 0))
	added, err := f.svc.AddAddon(f.ctx(), domain.AddonRequest{
		SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), Quantity: 2, ProrationBehavior: &none,
	})
	require.NoError(t, err)
	assert.Empty(t, added.Subscription.ActiveAddons())
	require.Len(t, added.Subscription.PendingAddons, 1)
	assert.Empty(t, added.Pending)

	_, err = f.svc.AddAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), ProrationBehavior: &none})
	assert.ErrorIs(t, err, domain.ErrAddonAttached)

	// Removing a queued addon drops it from the queue.
	dropped, err := f.svc.RemoveAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), ProrationBehavior: &none})
	require.NoError(t, err)
	assert.False(t, dropped.Subscription.HasPendingChange())

	_, err = f.svc.AddAddon(f.ctx(), domain.AddonRequest{
		SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), Quantity: 2, ProrationBehavior: &none,
	})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	require.Len(t, renewed.ActiveAddons(), 1)
	assert.Equal(t, int64(2), renewed.ActiveAddons()[0].Quantity)
	assert.Equal(t, int64(3000+2000), f.invoicesOf(t, sub)[1].Total)

	f.env.Clock.Set(at(2024, time.February, 10, 0))
	removed, err := f.svc.RemoveAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String(), ProrationBehavior: &none})
	require.NoError(t, err)
	assert.Len(t, removed.Subscription.ActiveAddons(), 1)
	assert.Empty(t, removed.Pending)

	f.env.Clock.Set(at(2024, time.March, 1, 0))
	renewed, err = f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Empty(t, renewed.ActiveAddons())
	assert.Equal(t, int64(3000), f.invoicesOf(t, sub)[2].Total)
}

func TestChangeWhilePausedProratesFrozenPeriod(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	sub := f.create(t, basic)
	start := at(2024, time.February, 1, 0)
	_, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String(), StartDate: &start})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.February, 15, 12))
	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String()})
	require.NoError(t, err)

	f.env.Clock.Set(at(2024, time.February, 20, 0))
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: pro.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, result.Subscription.Status)
	assert.Equal(t, pro.ID, result.Subscription.PlanID)
	assert.True(t, result.Proration.Coefficient.Equal(decimal.RequireFromString("0.5")))
	require.Len(t, result.Pending, 2)
	assert.Equal(t, int64(-1500), result.Pending[0].Amount)
	assert.Equal(t, int64(3000), result.Pending[1].Amount)

	seats := f.product(t, catalogdomain.KindAddon, "seats", 1000)
	added, err := f.svc.AddAddon(f.ctx(), domain.AddonRequest{SubscriptionID: sub.ID.String(), AddonID: seats.ID.String()})
	require.NoError(t, err)
	require.Len(t, added.Pending, 1)
	assert.Equal(t, int64(500), added.Pending[0].Amount)
}

func TestChangeWhilePausedAtPeriodEndAppliesOnResume(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	pro := f.product(t, catalogdomain.KindPlan, "pro", 6000)
	sub := f.create(t, basic, func(r *domain.CreateSubscriptionRequest) {
		r.ProrationBehavior = proration.BehaviorNone
	})
	sub, err := f.svc.Activate(f.ctx(), domain.ActivateRequest{ID: sub.ID.String()})
	require.NoError(t, err)

	_, err = f.svc.Pause(f.ctx(), domain.PauseRequest{ID: sub.ID.String(), Mode: domain.ModeEndOfPeriod})
	require.NoError(t, err)
	f.env.Clock.Set(at(2024, time.February, 1, 0))
	paused, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	require.Equal(t, domain.StatusPaused, paused.Status)

	prorate := proration.BehaviorCreateProrations
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{
		ID: sub.ID.String(), PlanID: pro.ID.String(), ProrationBehavior: &prorate,
	})
	require.NoError(t, err)
	assert.Equal(t, basic.ID, result.Subscription.PlanID)
	assert.Nil(t, result.Subscription.PendingChangeAt)
	assert.Empty(t, result.Pending)
	assert.Zero(t, result.Proration.Net)

	f.env.Clock.Set(at(2024, time.February, 10, 0))
	resumed, err := f.svc.Resume(f.ctx(), domain.ResumeRequest{ID: sub.ID.String()})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, resumed.Status)
	assert.Equal(t, pro.ID, resumed.PlanID)
	assert.False(t, resumed.HasPendingChange())
	assert.True(t, resumed.CurrentPeriodStart.Equal(at(2024, time.February, 1, 0)))

	invoices := f.invoicesOf(t, sub)
	last := invoices[len(invoices)-1]
	assert.Equal(t, int64(6000), last.Total)
	lines := f.lines(t, last)
	require.Len(t, lines, 1)
	assert.Equal(t, pro.ID, *lines[0].SourceID)
}

func TestProratedChangeNeedsPriceAtCurrentTerms(t *testing.T) {
	f := newFixture(t)
	basic := f.product(t, catalogdomain.KindPlan, "basic", 3000)
	sub := f.active(t, basic)

	annual, err := f.catalog.CreatePlan(f.ctx(), catalogdomain.CreatePlanRequest{Kind: catalogdomain.KindPlan, Code: "annual", Name: "annual"})
	require.NoError(t, err)
	f.yearlyPrice(t, annual, 30000)
	yearly := billingcycle.UnitYear

	_, err = f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: annual.ID.String(), BillingPeriod: &yearly})
	assert.ErrorIs(t, err, domain.ErrNoRecurringPrice)

	// A plan priced at both terms prorates at the current monthly terms and
	// moves to yearly terms at the boundary.
	flexible := f.product(t, catalogdomain.KindPlan, "flexible", 6000)
	f.yearlyPrice(t, flexible, 60000)
	f.env.Clock.Set(at(2024, time.January, 16, 12))
	result, err := f.svc.Change(f.ctx(), domain.ChangeRequest{ID: sub.ID.String(), PlanID: flexible.ID.String(), BillingPeriod: &yearly})
	require.NoError(t, err)
	assert.Equal(t, flexible.ID, result.Subscription.PlanID)
	assert.Equal(t, billingcycle.UnitMonth, result.Subscription.BillingPeriod)
	assert.Equal(t, billingcycle.UnitYear, result.Subscription.PendingBillingPeriod)
	require.Len(t, result.Pending, 2)
	assert.Equal(t, int64(-1500), result.Pending[0].Amount)
	assert.Equal(t, int64(3000), result.Pending[1].Amount)

	f.env.Clock.Set(at(2024, time.February, 1, 0))
	renewed, err := f.svc.Renew(f.ctx(), sub.ID.String())
	require.NoError(t, err)
	assert.Equal(t, billingcycle.UnitYear, renewed.BillingPeriod)
	assert.True(t, renewed.CurrentPeriodEnd.Equal(at(2025, time.January, 1, 0)))
	assert.Equal(t, int64(60000+1500), f.invoicesOf(t, sub)[1].Total)

	// Without prorations the yearly-only plan waits for the boundary.
	none := proration.BehaviorNone
	deferred, err := f.svc.Change(f.ctx(), domain.ChangeRequest{
		ID: sub.ID.String(), PlanID: annual.ID.String(), BillingPeriod: &yearly, ProrationBehavior: &none,
	})
	require.NoError(t, err)
	assert.Equal(t, flexible.ID, deferred.Subscription.PlanID)
	require.NotNil(t, deferred.Subscription.PendingPlanID)
	assert.Equal(t, annual.ID, *deferred.Subscription.PendingPlanID)
}
