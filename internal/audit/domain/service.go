package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/pkg/db/pagination"
	"github.com/smallbiznis/billcore/pkg/errs"
	"gorm.io/gorm"
)

// Entry describes one audited transition. From and To are recorded for state
// machines; Metadata carries anything else worth keeping.
type Entry struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	From       string
	To         string
	Metadata   map[string]any
}

type ListAuditLogRequest struct {
	pagination.Pagination
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
}

type ListAuditLogResponse struct {
	pagination.PageInfo
	AuditLogs []AuditLog `json:"audit_logs"`
}

type ListFilter struct {
	OrgID      snowflake.ID
	Action     string
	TargetType string
	TargetID   string
	StartAt    *time.Time
	EndAt      *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *AuditLog) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter, page pagination.Pagination) ([]*AuditLog, error)
}

type Service interface {
	// Record writes the entry using tx so the audit row commits or rolls back
	// with the transition it describes.
	Record(ctx context.Context, tx *gorm.DB, entry Entry) error
	List(ctx context.Context, req ListAuditLogRequest) (ListAuditLogResponse, error)
}

var (
	ErrInvalidAction    = errs.Validation("invalid_action")
	ErrInvalidTimeRange = errs.Validation("invalid_time_range")
)
