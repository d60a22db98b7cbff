package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/locker"
)

func LockKey(paymentID snowflake.ID) string {
	return locker.Key("payment", paymentID)
}
