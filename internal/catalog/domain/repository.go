package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertPlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	UpdatePlan(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindPlan(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Plan, error)
	FindPlanByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, kind PlanKind, code string) (*Plan, error)
	ListPlans(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter ListPlanRequest) ([]*Plan, error)

	InsertPrice(ctx context.Context, db *gorm.DB, price *Price) error
	UpdatePrice(ctx context.Context, db *gorm.DB, price *Price) error
	FindPrice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Price, error)
	ListPrices(ctx context.Context, db *gorm.DB, orgID, planID snowflake.ID) ([]*Price, error)

	InsertFeature(ctx context.Context, db *gorm.DB, feature *Feature) error
	UpdateFeature(ctx context.Context, db *gorm.DB, feature *Feature) error
	FindFeature(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Feature, error)
	FindFeatureByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*Feature, error)
	ListFeatures(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]*Feature, error)

	InsertEntitlement(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
	UpdateEntitlement(ctx context.Context, db *gorm.DB, entitlement *Entitlement) error
	FindEntitlement(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*Entitlement, error)
	FindEntitlementByPlanFeature(ctx context.Context, db *gorm.DB, orgID, planID, featureID snowflake.ID) (*Entitlement, error)
	ListEntitlements(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planIDs []snowflake.ID) ([]*Entitlement, error)

	// CountLiveReferences counts ACTIVE or PAUSED subscriptions using planID
	// either as their plan or as a current addon.
	CountLiveReferences(ctx context.Context, db *gorm.DB, orgID, planID snowflake.ID) (int64, error)
}
