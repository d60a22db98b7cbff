package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/entitlement/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) ActiveSources(ctx context.Context, db *gorm.DB, orgID, customerID snowflake.ID) ([]domain.Source, error) {
	var plans []domain.Source
	err := db.WithContext(ctx).Raw(
		`SELECT s.id AS subscription_id, s.plan_id AS product_id, 1 AS quantity,
		        s.current_period_start AS period_start, s.current_period_end AS period_end
		 FROM subscriptions s
		 WHERE s.org_id = ? AND s.customer_id = ? AND s.status = 'ACTIVE'`,
		orgID,
		customerID,
	).Scan(&plans).Error
	if err != nil {
		return nil, err
	}

	var addons []domain.Source
	err = db.WithContext(ctx).Raw(
		`SELECT s.id AS subscription_id, a.addon_id AS product_id, a.quantity AS quantity,
		        s.current_period_start AS period_start, s.current_period_end AS period_end
		 FROM subscription_addons a
		 JOIN subscriptions s ON s.id = a.subscription_id
		 WHERE s.org_id = ? AND s.customer_id = ? AND s.status = 'ACTIVE' AND a.removed_at IS NULL`,
		orgID,
		customerID,
	).Scan(&addons).Error
	if err != nil {
		return nil, err
	}
	return append(plans, addons...), nil
}
