package option

import (
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"gorm.io/gorm"
)

type QueryOption interface {
	Apply(*gorm.DB) *gorm.DB
}

type QueryFunc func(*gorm.DB) *gorm.DB

func (f QueryFunc) Apply(db *gorm.DB) *gorm.DB {
	return f(db)
}

func WithOrder(order string) QueryOption {
	return QueryFunc(func(db *gorm.DB) *gorm.DB {
		return db.Order(order)
	})
}

func WithLimit(limit int) QueryOption {
	return QueryFunc(func(db *gorm.DB) *gorm.DB {
		if limit <= 0 {
			return db
		}
		return db.Limit(limit)
	})
}

func WithOrgID(orgID any) QueryOption {
	return QueryFunc(func(db *gorm.DB) *gorm.DB {
		return db.Where("org_id = ?", orgID)
	})
}

// ApplyPagination applies keyset pagination ordered by created_at desc, id desc.
// It fetches one extra row so callers can tell whether more pages exist.
func ApplyPagination(page pagination.Pagination) QueryOption {
	return QueryFunc(func(db *gorm.DB) *gorm.DB {
		size := int(pagination.Normalize(int32(page.PageSize)))
		db = db.Limit(size + 1)

		token := strings.TrimSpace(page.PageToken)
		if token == "" {
			return db
		}
		cursor, err := pagination.DecodeCursor(token)
		if err != nil || cursor == nil {
			return db
		}
		createdAt, err := time.Parse(time.RFC3339Nano, cursor.CreatedAt)
		if err != nil {
			return db
		}
		id, err := strconv.ParseInt(cursor.ID, 10, 64)
		if err != nil {
			return db
		}
		return db.Where("(created_at < ?) OR (created_at = ? AND id < ?)", createdAt, createdAt, id)
	})
}
