package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/locker"
)

func LockKey(invoiceID snowflake.ID) string {
	return locker.Key("invoice", invoiceID)
}
