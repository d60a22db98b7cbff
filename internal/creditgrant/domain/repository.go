package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type ListCreditGrantFilter struct {
	Scope          Scope
	PlanID         snowflake.ID
	SubscriptionID snowflake.ID
	Status         Status
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, grant *CreditGrant) error
	Update(ctx context.Context, db *gorm.DB, grant *CreditGrant) error
	FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*CreditGrant, error)
	List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListCreditGrantFilter, page pagination.Pagination) ([]*CreditGrant, error)
	// ListApplicable returns the active grants scoped to the subscription or
	// to any of planIDs, in currency.
	ListApplicable(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, planIDs []snowflake.ID, currency string) ([]CreditGrant, error)

	// InsertApplication reports false when the (grant, subscription, period)
	// was already applied.
	InsertApplication(ctx context.Context, db *gorm.DB, app *Application) (bool, error)
	LastApplied(ctx context.Context, db *gorm.DB, grantID, subscriptionID snowflake.ID) (*time.Time, error)
	ListApplications(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]Application, error)
	ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Application, error)
	FindApplicationForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Application, error)
	MarkExpired(ctx context.Context, db *gorm.DB, app *Application) error
}
