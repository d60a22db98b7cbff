package db

import "gorm.io/gorm"

// ForUpdate returns the row lock suffix for raw SELECTs. SQLite has no row
// locks, so the suffix is empty there and callers rely on the entity locker.
func ForUpdate(tx *gorm.DB) string {
	if tx.Dialector != nil && tx.Dialector.Name() == "sqlite" {
		return ""
	}
	return " FOR UPDATE"
}
