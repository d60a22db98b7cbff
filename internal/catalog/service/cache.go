package service

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/smallbiznis/billcore/internal/catalog/domain"
)

const cacheSize = 1024

// definitionCache holds price lists and entitlement lists per plan. Writes
// through the service evict the affected plan.
type definitionCache struct {
	prices       *lru.Cache[string, []domain.Price]
	entitlements *lru.Cache[string, []domain.Entitlement]
}

func newDefinitionCache() (*definitionCache, error) {
	prices, err := lru.New[string, []domain.Price](cacheSize)
	if err != nil {
		return nil, err
	}
	entitlements, err := lru.New[string, []domain.Entitlement](cacheSize)
	if err != nil {
		return nil, err
	}
	return &definitionCache{prices: prices, entitlements: entitlements}, nil
}

func priceKey(orgID, planID snowflake.ID, currency string) string {
	return fmt.Sprintf("%d:%d:%s", orgID, planID, currency)
}

func planKey(orgID, planID snowflake.ID) string {
	return fmt.Sprintf("%d:%d", orgID, planID)
}

func (c *definitionCache) evictPrices(orgID, planID snowflake.ID) {
	prefix := planKey(orgID, planID) + ":"
	for _, key := range c.prices.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.prices.Remove(key)
		}
	}
}

func (c *definitionCache) evictEntitlements(orgID, planID snowflake.ID) {
	c.entitlements.Remove(planKey(orgID, planID))
}
