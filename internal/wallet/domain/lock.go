package domain

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/locker"
)

func LockKey(walletID snowflake.ID) string {
	return locker.Key("wallet", walletID)
}
