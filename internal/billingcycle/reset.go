package billingcycle

import "time"

// ResetPeriod is how often a usage counter starts over.
type ResetPeriod string

const (
	ResetDay           ResetPeriod = "DAY"
	ResetWeek          ResetPeriod = "WEEK"
	ResetMonth         ResetPeriod = "MONTH"
	ResetYear          ResetPeriod = "YEAR"
	ResetBillingPeriod ResetPeriod = "BILLING_PERIOD"
	ResetNever         ResetPeriod = "NEVER"
)

var (
	lifetimeStart = time.Unix(0, 0).UTC()
	lifetimeEnd   = time.Date(9999, time.December, 31, 0, 0, 0, 0, time.UTC)
)

func (r ResetPeriod) Valid() bool {
	switch r {
	case ResetDay, ResetWeek, ResetMonth, ResetYear, ResetBillingPeriod, ResetNever:
		return true
	}
	return false
}

// Rank orders reset periods from shortest to longest. A billing period is
// ranked between a month and a year.
func (r ResetPeriod) Rank() int {
	switch r {
	case ResetDay:
		return 0
	case ResetWeek:
		return 1
	case ResetMonth:
		return 2
	case ResetBillingPeriod:
		return 3
	case ResetYear:
		return 4
	default:
		return 5
	}
}

// CounterWindow returns the usage counter window containing at.
func CounterWindow(reset ResetPeriod, billing Period, at time.Time) Period {
	at = at.UTC()
	switch reset {
	case ResetDay:
		return calendarWindow(at, UnitDay)
	case ResetWeek:
		return calendarWindow(at, UnitWeek)
	case ResetMonth:
		return calendarWindow(at, UnitMonth)
	case ResetYear:
		return calendarWindow(at, UnitYear)
	case ResetBillingPeriod:
		if billing.Valid() {
			return billing
		}
		return calendarWindow(at, UnitMonth)
	default:
		return Period{Start: lifetimeStart, End: lifetimeEnd}
	}
}

func calendarWindow(at time.Time, unit Unit) Period {
	start := StartOf(at, unit)
	return Period{Start: start, End: Add(start, unit, 1)}
}
