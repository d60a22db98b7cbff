package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/subscription/domain"
	pkgdb "github.com/smallbiznis/billcore/pkg/db"
	"github.com/smallbiznis/billcore/pkg/db/option"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, sub *domain.Subscription) error {
	return db.WithContext(ctx).Create(sub).Error
}

func (r *repo) Update(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET plan_id = ?, billing_period = ?, billing_period_count = ?, status = ?,
		     proration_behavior = ?, start_date = ?, current_period_start = ?, current_period_end = ?,
		     cancel_at_period_end = ?, cancel_at = ?, canceled_at = ?, paused_at = ?, pause_at = ?,
		     resume_at = ?, activated_at = ?, pending_plan_id = ?, pending_billing_period = ?,
		     pending_billing_period_count = ?, pending_addons = ?, pending_change_at = ?,
		     metadata = ?, updated_at = ?, version = version + 1
		 WHERE org_id = ? AND id = ? AND version = ?`,
		sub.PlanID,
		sub.BillingPeriod,
		sub.BillingPeriodCount,
		sub.Status,
		sub.ProrationBehavior,
		sub.StartDate,
		sub.CurrentPeriodStart,
		sub.CurrentPeriodEnd,
		sub.CancelAtPeriodEnd,
		sub.CancelAt,
		sub.CanceledAt,
		sub.PausedAt,
		sub.PauseAt,
		sub.ResumeAt,
		sub.ActivatedAt,
		sub.PendingPlanID,
		sub.PendingBillingPeriod,
		sub.PendingBillingPeriodCount,
		sub.PendingAddons,
		sub.PendingChangeAt,
		sub.Metadata,
		sub.UpdatedAt,
		sub.OrgID,
		sub.ID,
		sub.Version,
	)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected != 1 {
		return false, nil
	}
	sub.Version++
	return true, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT * FROM subscriptions WHERE org_id = ? AND id = ?`, orgID, id)
}

func (r *repo) FindByIDForUpdate(ctx context.Context, db *gorm.DB, orgID, id snowflake.ID) (*domain.Subscription, error) {
	return r.findOne(ctx, db, `SELECT * FROM subscriptions WHERE org_id = ? AND id = ?`+pkgdb.ForUpdate(db), orgID, id)
}

func (r *repo) findOne(ctx context.Context, db *gorm.DB, query string, args ...any) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := db.WithContext(ctx).Raw(query, args...).Scan(&sub).Error; err != nil {
		return nil, err
	}
	if sub.ID == 0 {
		return nil, nil
	}
	addons, err := r.ListAddons(ctx, db, sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Addons = addons
	return &sub, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListSubscriptionFilter, page pagination.Pagination) ([]*domain.Subscription, error) {
	var subs []*domain.Subscription
	stmt := db.WithContext(ctx).Model(&domain.Subscription{}).Where("org_id = ?", orgID)
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.PlanID != 0 {
		stmt = stmt.Where("plan_id = ?", filter.PlanID)
	}
	if filter.Status != "" {
		stmt = stmt.Where("status = ?", filter.Status)
	}
	if filter.CreatedFrom != nil {
		stmt = stmt.Where("created_at >= ?", *filter.CreatedFrom)
	}
	if filter.CreatedTo != nil {
		stmt = stmt.Where("created_at <= ?", *filter.CreatedTo)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	stmt := db.WithContext(ctx).
		Where(`(status = ? AND (current_period_end <= ? OR pause_at <= ? OR cancel_at <= ?))
		    OR (status = ? AND (resume_at <= ? OR cancel_at <= ?))`,
			domain.StatusActive, now, now, now,
			domain.StatusPaused, now, now,
		).
		Order("current_period_end asc, id asc")
	stmt = option.WithLimit(limit).Apply(stmt)
	if err := stmt.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func (r *repo) ListLive(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]domain.Subscription, error) {
	var subs []domain.Subscription
	err := db.WithContext(ctx).
		Where("org_id = ? AND customer_id = ? AND status IN ?", orgID, customerID,
			[]domain.Status{domain.StatusActive, domain.StatusPaused}).
		Order("created_at asc, id asc").
		Find(&subs).Error
	if err != nil {
		return nil, err
	}
	for i := range subs {
		if subs[i].Addons, err = r.ListAddons(ctx, db, subs[i].ID); err != nil {
			return nil, err
		}
	}
	return subs, nil
}

func (r *repo) CountLive(ctx context.Context, db *gorm.DB, orgID, customerID, planID, excludeID snowflake.ID) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(*) FROM subscriptions
		 WHERE org_id = ? AND customer_id = ? AND plan_id = ? AND id <> ?
		   AND status IN ('ACTIVE', 'PAUSED')`,
		orgID,
		customerID,
		planID,
		excludeID,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertAddons(ctx context.Context, db *gorm.DB, addons []domain.Addon) error {
	if len(addons) == 0 {
		return nil
	}
	return db.WithContext(ctx).Create(&addons).Error
}

func (r *repo) UpdateAddon(ctx context.Context, db *gorm.DB, addon *domain.Addon) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_addons SET quantity = ?, removed_at = ?, updated_at = ? WHERE id = ?`,
		addon.Quantity,
		addon.RemovedAt,
		addon.UpdatedAt,
		addon.ID,
	).Error
}

func (r *repo) ListAddons(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) ([]domain.Addon, error) {
	var addons []domain.Addon
	err := db.WithContext(ctx).
		Where("subscription_id = ?", subscriptionID).
		Order("added_at asc, id asc").
		Find(&addons).Error
	return addons, err
}

func (r *repo) InsertPause(ctx context.Context, db *gorm.DB, pause *domain.Pause) error {
	return db.WithContext(ctx).Create(pause).Error
}

func (r *repo) UpdatePause(ctx context.Context, db *gorm.DB, pause *domain.Pause) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscription_pauses
		 SET status = ?, resume_mode = ?, resume_at = ?, resumed_at = ?, updated_at = ?
		 WHERE id = ?`,
		pause.Status,
		pause.ResumeMode,
		pause.ResumeAt,
		pause.ResumedAt,
		pause.UpdatedAt,
		pause.ID,
	).Error
}

func (r *repo) FindOpenPause(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*domain.Pause, error) {
	var pause domain.Pause
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscription_pauses
		 WHERE subscription_id = ? AND status IN ('SCHEDULED', 'ACTIVE')
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		subscriptionID,
	).Scan(&pause).Error
	if err != nil {
		return nil, err
	}
	if pause.ID == 0 {
		return nil, nil
	}
	return &pause, nil
}
