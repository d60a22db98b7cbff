// Package domain resolves the effective feature access of a customer from
// the entitlements of every plan and addon they actively subscribe to.
package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/samber/lo"
	"github.com/smallbiznis/billcore/internal/billingcycle"
)

// Grant is one entitlement contributed by an active subscription. Quantity
// multiplies the usage limit for addons bought more than once.
type Grant struct {
	SubscriptionID snowflake.ID
	ProductID      snowflake.ID
	FeatureID      snowflake.ID
	Enabled        bool
	UsageLimit     *int64
	ResetPeriod    billingcycle.ResetPeriod
	Quantity       int64
	BillingPeriod  billingcycle.Period
}

// Resolved is the effective entitlement for one feature. A nil UsageLimit is
// unlimited.
type Resolved struct {
	FeatureID     snowflake.ID             `json:"feature_id"`
	Enabled       bool                     `json:"enabled"`
	UsageLimit    *int64                   `json:"usage_limit"`
	ResetPeriod   billingcycle.ResetPeriod `json:"usage_reset_period,omitempty"`
	Subscriptions []snowflake.ID           `json:"subscription_ids"`
	BillingPeriod billingcycle.Period      `json:"-"`
}

// Unlimited reports whether usage of the feature is uncapped.
func (r Resolved) Unlimited() bool { return r.Enabled && r.UsageLimit == nil }

// CounterWindow is the usage window the limit applies to at t.
func (r Resolved) CounterWindow(t time.Time) billingcycle.Period {
	return billingcycle.CounterWindow(r.ResetPeriod, r.BillingPeriod, t)
}

// Resolve folds grants into one Resolved per feature, ordered by feature id.
// Only enabled grants contribute limits and reset periods. It has no side
// effects and the result does not depend on the order of grants.
func Resolve(grants []Grant) []Resolved {
	byFeature := lo.GroupBy(grants, func(g Grant) snowflake.ID { return g.FeatureID })

	out := make([]Resolved, 0, len(byFeature))
	for featureID, group := range byFeature {
		out = append(out, resolveFeature(featureID, group))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FeatureID < out[j].FeatureID })
	return out
}

func resolveFeature(featureID snowflake.ID, group []Grant) Resolved {
	res := Resolved{FeatureID: featureID}

	enabled := lo.Filter(group, func(g Grant, _ int) bool { return g.Enabled })
	if len(enabled) == 0 {
		return res
	}
	sort.Slice(enabled, func(i, j int) bool {
		if enabled[i].SubscriptionID != enabled[j].SubscriptionID {
			return enabled[i].SubscriptionID < enabled[j].SubscriptionID
		}
		return enabled[i].ProductID < enabled[j].ProductID
	})

	res.Enabled = true
	res.Subscriptions = lo.Uniq(lo.Map(enabled, func(g Grant, _ int) snowflake.ID { return g.SubscriptionID }))
	res.BillingPeriod = enabled[0].BillingPeriod

	unlimited := lo.SomeBy(enabled, func(g Grant) bool { return g.UsageLimit == nil })
	if !unlimited {
		total := lo.SumBy(enabled, func(g Grant) int64 { return *g.UsageLimit * max(g.Quantity, 1) })
		res.UsageLimit = &total
	}

	periods := lo.Map(enabled, func(g Grant, _ int) billingcycle.ResetPeriod {
		if g.ResetPeriod == "" {
			return billingcycle.ResetBillingPeriod
		}
		return g.ResetPeriod
	})
	counts := lo.CountValues(periods)
	res.ResetPeriod = lo.MaxBy(lo.Keys(counts), func(a, b billingcycle.ResetPeriod) bool {
		if counts[a] != counts[b] {
			return counts[a] > counts[b]
		}
		return a.Rank() < b.Rank()
	})
	return res
}
