package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/internal/catalog/repository"
	"github.com/smallbiznis/billcore/internal/clock"
	"github.com/smallbiznis/billcore/internal/config"
	"github.com/smallbiznis/billcore/internal/orgcontext"
	"github.com/smallbiznis/billcore/internal/pricing"
	"github.com/smallbiznis/billcore/pkg/db/dbtest"
	"github.com/smallbiznis/billcore/pkg/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type subscriptionRow struct {
	ID     int64 `gorm:"primaryKey"`
	OrgID  int64
	PlanID int64
	Status string
}

func (subscriptionRow) TableName() string { return "subscriptions" }

type subscriptionAddonRow struct {
	ID             int64 `gorm:"primaryKey"`
	SubscriptionID int64
	AddonID        int64
	RemovedAt      *time.Time
}

func (subscriptionAddonRow) TableName() string { return "subscription_addons" }

func newTestService(t *testing.T) (domain.Service, *gorm.DB, context.Context) {
	t.Helper()
	db := dbtest.Open(t,
		&domain.Plan{}, &domain.Price{}, &domain.Feature{}, &domain.Entitlement{},
		&subscriptionRow{}, &subscriptionAddonRow{},
	)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	svc, err := New(Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   clock.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		Billing: config.NewStaticBillingConfigHolder(config.DefaultBillingConfig()),
		Repo:    repository.Provide(),
	})
	require.NoError(t, err)
	return svc, db, orgcontext.WithOrgID(context.Background(), 1)
}

func TestCreatePlanDerivesCode(t *testing.T) {
	svc, _, ctx := newTestService(t)

	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Pro Monthly"})
	require.NoError(t, err)
	assert.Equal(t, "pro-monthly", plan.Code)
	assert.Equal(t, domain.KindPlan, plan.Kind)

	_, err = svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Another", Code: "Pro Monthly"})
	assert.ErrorIs(t, err, domain.ErrCodeTaken)

	addon, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Pro Monthly", Kind: domain.KindAddon})
	require.NoError(t, err)
	assert.Equal(t, "pro-monthly", addon.Code)

	addons, err := svc.ListPlans(ctx, domain.ListPlanRequest{Kind: domain.KindAddon})
	require.NoError(t, err)
	require.Len(t, addons, 1)
	assert.Equal(t, addon.ID, addons[0].ID)
}

func TestCreatePriceValidation(t *testing.T) {
	svc, _, ctx := newTestService(t)
	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Basic"})
	require.NoError(t, err)

	_, err = svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceRecurring,
		BillingPeriod: "FORTNIGHT", BillingModel: pricing.KindFlatFee, Amount: 100,
	})
	assert.ErrorIs(t, err, billingcycle.ErrInvalidUnit)

	_, err = svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceOneTime,
		BillingModel: pricing.KindUsage, UnitAmount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrMeteredOneTime)

	_, err = svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceRecurring, BillingPeriod: billingcycle.UnitMonth,
		BillingModel: pricing.KindUsage, UnitAmount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, domain.ErrInvalidFeature)

	price, err := svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "usd", Cadence: domain.CadenceRecurring,
		BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindFlatFee, Amount: 2999,
	})
	require.NoError(t, err)
	assert.Equal(t, "USD", price.Currency)
	assert.Equal(t, 1, price.BillingPeriodCount)
}

func TestTieredPriceRoundTrips(t *testing.T) {
	svc, _, ctx := newTestService(t)
	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Metered"})
	require.NoError(t, err)
	feature, err := svc.CreateFeature(ctx, domain.CreateFeatureRequest{Name: "API Calls", Type: domain.FeatureMetered})
	require.NoError(t, err)
	assert.Equal(t, "api-calls", feature.Code)

	ten := int64(10)
	created, err := svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceRecurring,
		BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindTiered,
		TierMode: pricing.TierModeGraduated, FeatureID: feature.ID.String(),
		Tiers: []pricing.Tier{
			{UpTo: &ten, UnitAmount: decimal.NewFromInt(50)},
			{UnitAmount: decimal.NewFromInt(40)},
		},
	})
	require.NoError(t, err)

	loaded, err := svc.GetPrice(ctx, created.ID.String())
	require.NoError(t, err)
	model, err := loaded.Model()
	require.NoError(t, err)
	amount, err := model.ComputeAmount(decimal.NewFromInt(15))
	require.NoError(t, err)
	assert.Equal(t, int64(700), pricing.RoundMinor(amount))
}

func TestPlanImmutableWhileReferenced(t *testing.T) {
	svc, db, ctx := newTestService(t)
	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Basic"})
	require.NoError(t, err)
	price, err := svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceRecurring,
		BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindFlatFee, Amount: 1000,
	})
	require.NoError(t, err)

	require.NoError(t, db.Create(&subscriptionRow{ID: 1, OrgID: 1, PlanID: int64(plan.ID), Status: "ACTIVE"}).Error)

	newCode := "basic-v2"
	_, err = svc.UpdatePlan(ctx, domain.UpdatePlanRequest{ID: plan.ID.String(), Code: &newCode})
	assert.ErrorIs(t, err, domain.ErrPlanInUse)
	assert.ErrorIs(t, err, errs.ErrInvalidState)

	amount := int64(2000)
	_, err = svc.UpdatePrice(ctx, domain.UpdatePriceRequest{ID: price.ID.String(), Amount: &amount})
	assert.ErrorIs(t, err, domain.ErrPlanInUse)

	name := "Basic (legacy)"
	updated, err := svc.UpdatePlan(ctx, domain.UpdatePlanRequest{ID: plan.ID.String(), Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "Basic (legacy)", updated.Name)
	assert.Equal(t, "basic", updated.Code)
}

func TestPlanPricesCacheEvictedOnWrite(t *testing.T) {
	svc, _, ctx := newTestService(t)
	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Basic"})
	require.NoError(t, err)

	prices, err := svc.PlanPrices(ctx, plan.ID, "USD")
	require.NoError(t, err)
	assert.Empty(t, prices)

	_, err = svc.CreatePrice(ctx, domain.CreatePriceRequest{
		PlanID: plan.ID.String(), Currency: "USD", Cadence: domain.CadenceRecurring,
		BillingPeriod: billingcycle.UnitMonth, BillingModel: pricing.KindFlatFee, Amount: 1000,
	})
	require.NoError(t, err)

	prices, err = svc.PlanPrices(ctx, plan.ID, "usd")
	require.NoError(t, err)
	require.Len(t, prices, 1)
	assert.Equal(t, int64(1000), prices[0].Amount)
}

func TestEntitlements(t *testing.T) {
	svc, _, ctx := newTestService(t)
	plan, err := svc.CreatePlan(ctx, domain.CreatePlanRequest{Name: "Basic"})
	require.NoError(t, err)
	calls, err := svc.CreateFeature(ctx, domain.CreateFeatureRequest{Name: "API Calls", Type: domain.FeatureMetered})
	require.NoError(t, err)
	sso, err := svc.CreateFeature(ctx, domain.CreateFeatureRequest{Name: "SSO", Type: domain.FeatureBoolean})
	require.NoError(t, err)

	limit := int64(1000)
	_, err = svc.CreateEntitlement(ctx, domain.CreateEntitlementRequest{
		PlanID: plan.ID.String(), FeatureID: sso.ID.String(), Enabled: true, UsageLimit: &limit,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUsageLimit)

	ent, err := svc.CreateEntitlement(ctx, domain.CreateEntitlementRequest{
		PlanID: plan.ID.String(), FeatureID: calls.ID.String(), Enabled: true, UsageLimit: &limit,
	})
	require.NoError(t, err)
	assert.Equal(t, billingcycle.ResetBillingPeriod, ent.UsageResetPeriod)

	_, err = svc.CreateEntitlement(ctx, domain.CreateEntitlementRequest{
		PlanID: plan.ID.String(), FeatureID: calls.ID.String(), Enabled: true,
	})
	assert.ErrorIs(t, err, domain.ErrEntitlementExists)

	listed, err := svc.PlanEntitlements(ctx, []snowflake.ID{plan.ID})
	require.NoError(t, err)
	require.Len(t, listed, 1)

	updated, err := svc.UpdateEntitlement(ctx, domain.UpdateEntitlementRequest{ID: ent.ID.String(), Unlimited: true})
	require.NoError(t, err)
	assert.Nil(t, updated.UsageLimit)

	listed, err = svc.ListEntitlements(ctx, plan.ID.String())
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Nil(t, listed[0].UsageLimit)
}
