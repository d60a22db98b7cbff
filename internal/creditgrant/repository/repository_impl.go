package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/creditgrant/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/option"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, grant *domain.CreditGrant) error {
	return db.WithContext(ctx).Create(grant).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, grant *domain.CreditGrant) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_grants SET name = ?, status = ?, metadata = ?, updated_at = ? WHERE org_id = ? AND id = ?`,
		grant.Name,
		grant.Status,
		grant.Metadata,
		grant.UpdatedAt,
		grant.OrgID,
		grant.ID,
	).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.CreditGrant, error) {
	var grant domain.CreditGrant
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM credit_grants WHERE org_id = ? AND id = ?`,
		orgID, id,
	).Scan(&grant).Error
	if err != nil {
		return nil, err
	}
	if grant.ID == 0 {
		return nil, nil
	}
	return &grant, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListCreditGrantFilter, page pagination.Pagination) ([]*domain.CreditGrant, error) {
	var grants []*domain.CreditGrant
	stmt := db.WithContext(ctx).Model(&domain.CreditGrant{}).Where("org_id = ?", orgID)
	if filter.Scope != "" {
		stmt = stmt.Where("scope = ?", filter.Scope)
	}
	if filter.PlanID != 0 {
		stmt = stmt.Where("plan_id = ?", filter.PlanID)
	}
	if filter.SubscriptionID != 0 {
		stmt = stmt.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&grants).Error; err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) ListApplicable(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID, planIDs []snowflake.ID, currency string) ([]domain.CreditGrant, error) {
	var grants []domain.CreditGrant
	scope := db.WithContext(ctx).
		Where("scope = ? AND subscription_id = ?", domain.ScopeSubscription, subscriptionID)
	if len(planIDs) > 0 {
		scope = scope.Or("scope = ? AND plan_id IN ?", domain.ScopePlan, planIDs)
	}
	err := db.WithContext(ctx).
		Where("org_id = ? AND status = ? AND currency = ?", orgID, domain.StatusActive, currency).
		Where(scope).
		Order("created_at asc, id asc").
		Find(&grants).Error
	if err != nil {
		return nil, err
	}
	return grants, nil
}

func (r *repo) InsertApplication(ctx context.Context, db *gorm.DB, app *domain.Application) (bool, error) {
	res := db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(app)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) LastApplied(ctx context.Context, db *gorm.DB, grantID, subscriptionID snowflake.ID) (*time.Time, error) {
	var apps []domain.Application
	err := db.WithContext(ctx).
		Where("grant_id = ? AND subscription_id = ?", grantID, subscriptionID).
		Order("period_start desc").
		Limit(1).
		Find(&apps).Error
	if err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, nil
	}
	start := apps[0].PeriodStart.UTC()
	return &start, nil
}

func (r *repo) ListApplications(ctx context.Context, db *gorm.DB, orgID, subscriptionID snowflake.ID) ([]domain.Application, error) {
	var apps []domain.Application
	err := db.WithContext(ctx).
		Where("org_id = ? AND subscription_id = ?", orgID, subscriptionID).
		Order("period_start asc, id asc").
		Find(&apps).Error
	if err != nil {
		return nil, err
	}
	return apps, nil
}

func (r *repo) ListExpirable(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Application, error) {
	var apps []domain.Application
	err := db.WithContext(ctx).
		Where("expired = ? AND expires_at IS NOT NULL AND expires_at <= ?", false, now).
		Order("expires_at asc, id asc").
		Limit(limit).
		Find(&apps).Error
	if err != nil {
		return nil, err
	}
	return apps, nil
}

func (r *repo) FindApplicationForUpdate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Application, error) {
	var apps []domain.Application
	stmt := db.WithContext(ctx)
	if pkgdb.ForUpdate(db) != "" {
		stmt = stmt.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	if err := stmt.Where("id = ?", id).Limit(1).Find(&apps).Error; err != nil {
		return nil, err
	}
	if len(apps) == 0 {
		return nil, nil
	}
	return &apps[0], nil
}

func (r *repo) MarkExpired(ctx context.Context, db *gorm.DB, app *domain.Application) error {
	return db.WithContext(ctx).Exec(
		`UPDATE credit_grant_applications SET expired = ?, expired_amount = ?, expired_at = ? WHERE id = ?`,
		true, app.ExpiredAmount, app.ExpiredAt, app.ID,
	).Error
}
