package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/billcore/internal/locker"
)

func LockKey(subscriptionID snowflake.ID) string {
	return locker.Key("subscription", subscriptionID)
}

// IsDue reports whether sub needs the scheduler at now: an active period
// has ended, or a scheduled pause, resume or cancellation has come due. It
// reads nothing but sub.
func IsDue(sub Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusActive:
		if reached(sub.CancelAt, now) || reached(sub.PauseAt, now) {
			return true
		}
		return reached(sub.CurrentPeriodEnd, now)
	case StatusPaused:
		return reached(sub.ResumeAt, now) || reached(sub.CancelAt, now)
	}
	return false
}

// ScheduledDue reports whether a scheduled transition of sub is due at now.
func ScheduledDue(sub Subscription, now time.Time) bool {
	switch sub.Status {
	case StatusActive:
		return reached(sub.CancelAt, now) || reached(sub.PauseAt, now)
	case StatusPaused:
		return reached(sub.ResumeAt, now) || reached(sub.CancelAt, now)
	}
	return false
}

func reached(t *time.Time, now time.Time) bool {
	return t != nil && !now.Before(*t)
}
