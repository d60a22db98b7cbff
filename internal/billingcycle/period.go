// Package billingcycle holds the calendar arithmetic behind subscription
// billing periods and usage counter windows.
package billingcycle

import (
	"time"

	"github.com/smallbiznis/billcore/pkg/errs"
)

type Unit string

const (
	UnitDay   Unit = "DAY"
	UnitWeek  Unit = "WEEK"
	UnitMonth Unit = "MONTH"
	UnitYear  Unit = "YEAR"
)

type Anchor string

const (
	AnchorAnniversary Anchor = "ANNIVERSARY"
	AnchorCalendar    Anchor = "CALENDAR"
)

var (
	ErrInvalidUnit   = errs.Validation("invalid_billing_period")
	ErrInvalidCount  = errs.Validation("invalid_billing_period_count")
	ErrInvalidAnchor = errs.Validation("invalid_billing_cycle_anchor")
	ErrInvalidPeriod = errs.Validation("invalid_period")
)

// maxBoundarySteps bounds the walk from an anchor to the next boundary.
const maxBoundarySteps = 100000

func (u Unit) Valid() bool {
	switch u {
	case UnitDay, UnitWeek, UnitMonth, UnitYear:
		return true
	}
	return false
}

func (a Anchor) Valid() bool {
	return a == AnchorAnniversary || a == AnchorCalendar
}

// Validate checks a billing period definition.
func Validate(unit Unit, count int) error {
	if !unit.Valid() {
		return ErrInvalidUnit
	}
	if count < 1 {
		return ErrInvalidCount
	}
	return nil
}

// Period is a half-open interval [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Duration() time.Duration { return p.End.Sub(p.Start) }

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

func (p Period) Valid() bool { return p.End.After(p.Start) }

// Add moves t forward by count units. Month and year steps clamp the day to
// the last day of the target month, so Jan 31 + 1 month is Feb 28/29.
func Add(t time.Time, unit Unit, count int) time.Time {
	switch unit {
	case UnitDay:
		return t.AddDate(0, 0, count)
	case UnitWeek:
		return t.AddDate(0, 0, 7*count)
	case UnitMonth:
		return addMonthsClamped(t, count)
	case UnitYear:
		return addMonthsClamped(t, 12*count)
	}
	return t
}

func addMonthsClamped(t time.Time, months int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location()).AddDate(0, months, 0)
	last := daysIn(first.Year(), first.Month())
	if d > last {
		d = last
	}
	return time.Date(first.Year(), first.Month(), d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// StartOf truncates t to the start of the calendar unit containing it.
// Weeks start on Monday.
func StartOf(t time.Time, unit Unit) time.Time {
	y, m, d := t.Date()
	day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	switch unit {
	case UnitDay:
		return day
	case UnitWeek:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case UnitMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	case UnitYear:
		return time.Date(y, time.January, 1, 0, 0, 0, 0, t.Location())
	}
	return t
}

// AnchorTime is the instant every period boundary is counted from.
func AnchorTime(start time.Time, anchor Anchor, unit Unit) time.Time {
	if anchor == AnchorCalendar {
		return StartOf(start, unit)
	}
	return start
}

// First returns the period a subscription starting at start is billed for.
// With a calendar anchor the period begins before start and the first charge
// covers only the partial period.
func First(start time.Time, anchor Anchor, unit Unit, count int) (Period, error) {
	if err := Validate(unit, count); err != nil {
		return Period{}, err
	}
	if !anchor.Valid() {
		return Period{}, ErrInvalidAnchor
	}
	from := AnchorTime(start, anchor, unit)
	return Period{Start: from, End: Add(from, unit, count)}, nil
}

// Next returns the period following current. Boundaries are computed from
// anchor rather than chained, which keeps month-end anchors from drifting.
func Next(anchor time.Time, current Period, unit Unit, count int) (Period, error) {
	if err := Validate(unit, count); err != nil {
		return Period{}, err
	}
	end, err := BoundaryAfter(anchor, current.End, unit, count)
	if err != nil {
		return Period{}, err
	}
	return Period{Start: current.End, End: end}, nil
}

// BoundaryAfter returns the first anchor-aligned boundary strictly after t.
func BoundaryAfter(anchor, t time.Time, unit Unit, count int) (time.Time, error) {
	if err := Validate(unit, count); err != nil {
		return time.Time{}, err
	}
	for k := 1; k <= maxBoundarySteps; k++ {
		b := Add(anchor, unit, k*count)
		if b.After(t) {
			return b, nil
		}
	}
	return time.Time{}, ErrInvalidPeriod
}
