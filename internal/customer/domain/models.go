package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Customer struct {
	ID         snowflake.ID      `gorm:"primaryKey" json:"id"`
	OrgID      snowflake.ID      `gorm:"not null;index;uniqueIndex:ux_customers_external_id" json:"organization_id"`
	ExternalID *string           `gorm:"uniqueIndex:ux_customers_external_id" json:"external_id,omitempty"`
	Name       string            `gorm:"not null" json:"name"`
	Email      string            `gorm:"not null" json:"email"`
	Currency   string            `gorm:"not null" json:"currency"`
	Metadata   datatypes.JSONMap `gorm:"type:jsonb;not null" json:"metadata,omitempty"`
	CreatedAt  time.Time         `gorm:"not null" json:"created_at"`
	UpdatedAt  time.Time         `gorm:"not null" json:"updated_at"`
	DeletedAt  *time.Time        `gorm:"index" json:"deleted_at,omitempty"`
}

func (Customer) TableName() string { return "customers" }
