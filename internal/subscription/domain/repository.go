package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListSubscriptionFilter struct {
	CustomerID  snowflake.ID
	PlanID      snowflake.ID
	Status      Status
	CreatedFrom *time.Time
	CreatedTo   *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) error
	// Update writes sub when its stored version still equals sub.Version and
	// bumps the version. It reports false on a stale version.
	Update(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Subscription, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListSubscriptionFilter, page pagination.Pagination) ([]*Subscription, error)
	// ListDue returns subscriptions of every organization that may need the
	// scheduler at now, oldest period end first.
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Subscription, error)
	ListLive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]Subscription, error)
	// CountLive counts ACTIVE or PAUSED subscriptions of a customer to a plan,
	// ignoring excludeID.
	CountLive(ctx context.Context, db *gorm.DB, orgID, customerID, planID, excludeID snowflake.ID) (int64, error)

	InsertAddons(ctx context.Context, db *gorm.DB, addons []Addon) error
	UpdateAddon(ctx context.Context, db *gorm.DB, addon *Addon) error
	ListAddons(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]Addon, error)

	InsertPause(ctx context.Context, db *gorm.DB, pause *Pause) error
	UpdatePause(ctx context.Context, db *gorm.DB, pause *Pause) error
	// FindOpenPause returns the latest SCHEDULED or ACTIVE pause.
	FindOpenPause(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*Pause, error)
}
