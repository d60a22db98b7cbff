package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/usage/domain"
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

func (r *repo) InsertEvent(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	res := db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "org_id"}, {Name: "event_id"}},
			DoNothing: true,
		}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) FindEvent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, eventID string) (*domain.Event, error) {
	var event domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM usage_events WHERE org_id = ? AND event_id = ?`,
		orgID,
		eventID,
	).Scan(&event).Error
	if err != nil {
		return nil, err
	}
	if event.ID == 0 {
		return nil, nil
	}
	return &event, nil
}

func (r *repo) ListEvents(ctx context.Context, db *gorm.DB, orgID snowflake.ID, filter domain.ListEventFilter, page pagination.Pagination) ([]*domain.Event, error) {
	var events []*domain.Event
	stmt := db.WithContext(ctx).Model(&domain.Event{}).Where("org_id = ?", orgID)
	if filter.CustomerID != 0 {
		stmt = stmt.Where("customer_id = ?", filter.CustomerID)
	}
	if filter.FeatureID != 0 {
		stmt = stmt.Where("feature_id = ?", filter.FeatureID)
	}
	if filter.SubscriptionID != 0 {
		stmt = stmt.Where("subscription_id = ?", filter.SubscriptionID)
	}
	if filter.From != nil {
		stmt = stmt.Where("timestamp >= ?", *filter.From)
	}
	if filter.To != nil {
		stmt = stmt.Where("timestamp < ?", *filter.To)
	}
	stmt = option.ApplyPagination(page).Apply(stmt)
	if err := stmt.Order("created_at desc, id desc").Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *repo) EnsureCounter(ctx context.Context, db *gorm.DB, counter *domain.Counter) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "org_id"}, {Name: "customer_id"}, {Name: "feature_id"},
				{Name: "period_start"}, {Name: "period_end"},
			},
			DoNothing: true,
		}).
		Create(counter).Error
}

const counterWhere = `org_id = ? AND customer_id = ? AND feature_id = ? AND period_start = ? AND period_end = ?`

func (r *repo) FindCounter(ctx context.Context, db *gorm.DB, key domain.CounterKey) (*domain.Counter, error) {
	return r.findCounter(ctx, db, `SELECT * FROM usage_counters WHERE `+counterWhere, key)
}

func (r *repo) FindCounterForUpdate(ctx context.Context, db *gorm.DB, key domain.CounterKey) (*domain.Counter, error) {
	return r.findCounter(ctx, db, `SELECT * FROM usage_counters WHERE `+counterWhere+pkgdb.ForUpdate(db), key)
}

func (r *repo) findCounter(ctx context.Context, db *gorm.DB, query string, key domain.CounterKey) (*domain.Counter, error) {
	var counter domain.Counter
	err := db.WithContext(ctx).Raw(query,
		key.OrgID,
		key.CustomerID,
		key.FeatureID,
		key.PeriodStart,
		key.PeriodEnd,
	).Scan(&counter).Error
	if err != nil {
		return nil, err
	}
	if counter.ID == 0 {
		return nil, nil
	}
	return &counter, nil
}

func (r *repo) UpdateCounter(ctx context.Context, db *gorm.DB, counter *domain.Counter) error {
	return db.WithContext(ctx).Exec(
		`UPDATE usage_counters SET quantity = ?, snapshot = ?, snapshot_at = ?, updated_at = ? WHERE id = ?`,
		counter.Quantity,
		counter.Snapshot,
		counter.SnapshotAt,
		counter.UpdatedAt,
		counter.ID,
	).Error
}
