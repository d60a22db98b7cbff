package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type CounterKey struct {
	OrgID       snowflake.ID
	CustomerID  snowflake.ID
	FeatureID   snowflake.ID
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type ListEventFilter struct {
	CustomerID     snowflake.ID
	FeatureID      snowflake.ID
	SubscriptionID snowflake.ID
	From           *time.Time
	To             *time.Time
}

type Repository interface {
	// InsertEvent reports false when the event id was already recorded.
	InsertEvent(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, eventID string) (*Event, error)
	ListEvents(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListEventFilter, page pagination.Pagination) ([]*Event, error)

	EnsureCounter(ctx context.Context, db *gorm.DB, counter *Counter) error
	FindCounter(ctx context.Context, db *gorm.DB, key CounterKey) (*Counter, error)
	FindCounterForUpdate(ctx context.Context, db *gorm.DB, key CounterKey) (*Counter, error)
	UpdateCounter(ctx context.Context, db *gorm.DB, counter *Counter) error
}
