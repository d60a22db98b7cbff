package domain

import (
	"testing"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/billingcycle"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func limit(v int64) *int64 { return &v }

const apiCalls snowflake.ID = 10

func TestResolveSumsLimitsAndORsAccess(t *testing.T) {
	grants := []Grant{
		{SubscriptionID: 1, ProductID: 100, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1000), ResetPeriod: billingcycle.ResetMonth},
		{SubscriptionID: 1, ProductID: 200, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(250), ResetPeriod: billingcycle.ResetMonth, Quantity: 2},
		{SubscriptionID: 1, ProductID: 300, FeatureID: apiCalls, Enabled: false, UsageLimit: nil, ResetPeriod: billingcycle.ResetDay},
	}

	out := Resolve(grants)
	require.Len(t, out, 1)
	assert.True(t, out[0].Enabled)
	require.NotNil(t, out[0].UsageLimit)
	assert.Equal(t, int64(1500), *out[0].UsageLimit)
	assert.Equal(t, billingcycle.ResetMonth, out[0].ResetPeriod)
	assert.Equal(t, []snowflake.ID{1}, out[0].Subscriptions)
}

func TestResolveUnlimitedDominates(t *testing.T) {
	out := Resolve([]Grant{
		{SubscriptionID: 1, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(10)},
		{SubscriptionID: 2, FeatureID: apiCalls, Enabled: true, UsageLimit: nil},
	})
	require.Len(t, out, 1)
	assert.Nil(t, out[0].UsageLimit)
	assert.True(t, out[0].Unlimited())
	assert.Equal(t, []snowflake.ID{1, 2}, out[0].Subscriptions)
}

func TestResolveDisabledEverywhere(t *testing.T) {
	out := Resolve([]Grant{
		{SubscriptionID: 1, FeatureID: apiCalls, Enabled: false, UsageLimit: limit(10)},
	})
	require.Len(t, out, 1)
	assert.False(t, out[0].Enabled)
	assert.Nil(t, out[0].UsageLimit)
	assert.False(t, out[0].Unlimited())
}

func TestResolveResetPeriodMostFrequentThenShortest(t *testing.T) {
	out := Resolve([]Grant{
		{SubscriptionID: 1, ProductID: 1, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1), ResetPeriod: billingcycle.ResetYear},
		{SubscriptionID: 1, ProductID: 2, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1), ResetPeriod: billingcycle.ResetYear},
		{SubscriptionID: 1, ProductID: 3, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1), ResetPeriod: billingcycle.ResetDay},
	})
	assert.Equal(t, billingcycle.ResetYear, out[0].ResetPeriod)

	tie := Resolve([]Grant{
		{SubscriptionID: 1, ProductID: 1, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1), ResetPeriod: billingcycle.ResetMonth},
		{SubscriptionID: 1, ProductID: 2, FeatureID: apiCalls, Enabled: true, UsageLimit: limit(1), ResetPeriod: billingcycle.ResetWeek},
	})
	assert.Equal(t, billingcycle.ResetWeek, tie[0].ResetPeriod)
}

func TestResolveIsOrderIndependent(t *testing.T) {
	grants := []Grant{
		{SubscriptionID: 2, ProductID: 1, FeatureID: 20, Enabled: true, UsageLimit: limit(5), ResetPeriod: billingcycle.ResetMonth},
		{SubscriptionID: 1, ProductID: 2, FeatureID: 10, Enabled: true, UsageLimit: limit(7), ResetPeriod: billingcycle.ResetDay},
		{SubscriptionID: 1, ProductID: 3, FeatureID: 20, Enabled: true, UsageLimit: limit(3), ResetPeriod: billingcycle.ResetDay},
	}
	reversed := []Grant{grants[2], grants[1], grants[0]}

	assert.Equal(t, Resolve(grants), Resolve(reversed))
	out := Resolve(grants)
	require.Len(t, out, 2)
	assert.Equal(t, snowflake.ID(10), out[0].FeatureID)
	assert.Equal(t, int64(8), *out[1].UsageLimit)
	assert.Equal(t, billingcycle.ResetDay, out[1].ResetPeriod)
}

func TestResolveEmpty(t *testing.T) {
	assert.Empty(t, Resolve(nil))
}
