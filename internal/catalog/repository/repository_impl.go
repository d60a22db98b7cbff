package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/catalog/domain"
	"github.com/smallbiznis/billcore/pkg/db/option"
	"github.com/smallbiznis/billcore/pkg/repository"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return repository.For[domain.Plan](db).Create(ctx, plan)
}

func (r *repo) UpdatePlan(ctx context.Context, db *gorm.DB, plan *domain.Plan) error {
	return repository.For[domain.Plan](db).Update(ctx, plan.ID, map[string]any{
		"code":        plan.Code,
		"name":        plan.Name,
		"description": plan.Description,
		"active":      plan.Active,
		"metadata":    plan.Metadata,
		"updated_at":  plan.UpdatedAt,
	})
}

func (r *repo) FindPlan(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Plan, error) {
	return repository.For[domain.Plan](db).FindOne(ctx, &domain.Plan{OrgID: orgID, ID: id})
}

func (r *repo) FindPlanByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, kind domain.PlanKind, code string) (*domain.Plan, error) {
	return repository.For[domain.Plan](db).FindOne(ctx, &domain.Plan{OrgID: orgID, Kind: kind, Code: code})
}

func (r *repo) ListPlans(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListPlanRequest) ([]*domain.Plan, error) {
	opts := []option.QueryOption{option.WithOrder("created_at asc, id asc")}
	if filter.Active != nil {
		active := *filter.Active
		opts = append(opts, option.QueryFunc(func(db *gorm.DB) *gorm.DB {
			return db.Where("active = ?", active)
		}))
	}
	return repository.For[domain.Plan](db).Find(ctx, &domain.Plan{OrgID: orgID, Kind: filter.Kind}, opts...)
}

func (r *repo) InsertPrice(ctx context.Context, db *gorm.DB, price *domain.Price) error {
	return repository.For[domain.Price](db).Create(ctx, price)
}

func (r *repo) UpdatePrice(ctx context.Context, db *gorm.DB, price *domain.Price) error {
	return repository.For[domain.Price](db).Update(ctx, price.ID, map[string]any{
		"amount":     price.Amount,
		"active":     price.Active,
		"metadata":   price.Metadata,
		"updated_at": price.UpdatedAt,
	})
}

func (r *repo) FindPrice(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Price, error) {
	return repository.For[domain.Price](db).FindOne(ctx, &domain.Price{OrgID: orgID, ID: id})
}

func (r *repo) ListPrices(ctx context.Context, db *gorm.DB, orgID, planID snowflake.ID) ([]*domain.Price, error) {
	return repository.For[domain.Price](db).Find(ctx,
		&domain.Price{OrgID: orgID, PlanID: planID},
		option.WithOrder("created_at asc, id asc"),
	)
}

func (r *repo) InsertFeature(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return repository.For[domain.Feature](db).Create(ctx, feature)
}

func (r *repo) UpdateFeature(ctx context.Context, db *gorm.DB, feature *domain.Feature) error {
	return repository.For[domain.Feature](db).Update(ctx, feature.ID, map[string]any{
		"name":       feature.Name,
		"updated_at": feature.UpdatedAt,
	})
}

func (r *repo) FindFeature(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Feature, error) {
	return repository.For[domain.Feature](db).FindOne(ctx, &domain.Feature{OrgID: orgID, ID: id})
}

func (r *repo) FindFeatureByCode(ctx context.Context, db *gorm.DB, orgID snowflake.ID, code string) (*domain.Feature, error) {
	return repository.For[domain.Feature](db).FindOne(ctx, &domain.Feature{OrgID: orgID, Code: code})
}

func (r *repo) ListFeatures(ctx context.Context, db *gorm.DB, orgID snowflake.ID) ([]*domain.Feature, error) {
	return repository.For[domain.Feature](db).Find(ctx, &domain.Feature{OrgID: orgID}, option.WithOrder("code asc"))
}

func (r *repo) InsertEntitlement(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return repository.For[domain.Entitlement](db).Create(ctx, entitlement)
}

func (r *repo) UpdateEntitlement(ctx context.Context, db *gorm.DB, entitlement *domain.Entitlement) error {
	return repository.For[domain.Entitlement](db).Update(ctx, entitlement.ID, map[string]any{
		"enabled":            entitlement.Enabled,
		"usage_limit":        entitlement.UsageLimit,
		"usage_reset_period": entitlement.UsageResetPeriod,
		"updated_at":         entitlement.UpdatedAt,
	})
}

func (r *repo) FindEntitlement(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Entitlement, error) {
	return repository.For[domain.Entitlement](db).FindOne(ctx, &domain.Entitlement{OrgID: orgID, ID: id})
}

func (r *repo) FindEntitlementByPlanFeature(ctx context.Context, db *gorm.DB, orgID, planID, featureID snowflake.ID) (*domain.Entitlement, error) {
	return repository.For[domain.Entitlement](db).FindOne(ctx, &domain.Entitlement{OrgID: orgID, PlanID: planID, FeatureID: featureID})
}

func (r *repo) ListEntitlements(ctx context.Context, db *gorm.DB, orgID snowflake.ID, planIDs []snowflake.ID) ([]*domain.Entitlement, error) {
	if len(planIDs) == 0 {
		return nil, nil
	}
	return repository.For[domain.Entitlement](db).Find(ctx,
		&domain.Entitlement{OrgID: orgID},
		option.QueryFunc(func(db *gorm.DB) *gorm.DB {
			return db.Where("plan_id IN ?", planIDs)
		}),
		option.WithOrder("plan_id asc, feature_id asc"),
	)
}

func (r *repo) CountLiveReferences(ctx context.Context, db *gorm.DB, orgID, planID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscriptions s
		 WHERE s.org_id = ? AND s.status IN ('ACTIVE', 'PAUSED')
		   AND (s.plan_id = ? OR EXISTS (
		     SELECT 1 FROM subscription_addons a
		     WHERE a.subscription_id = s.id AND a.addon_id = ? AND a.removed_at IS NULL))`,
		orgID,
		planID,
		planID,
	).Scan(&count).Error
	return count, err
}
