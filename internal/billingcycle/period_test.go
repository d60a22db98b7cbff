package billingcycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestAddClampsMonthEnd(t *testing.T) {
	assert.Equal(t, day(2024, time.February, 29), Add(day(2024, time.January, 31), UnitMonth, 1))
	assert.Equal(t, day(2023, time.February, 28), Add(day(2023, time.January, 31), UnitMonth, 1))
	assert.Equal(t, day(2025, time.February, 28), Add(day(2024, time.February, 29), UnitYear, 1))
	assert.Equal(t, day(2024, time.January, 15), Add(day(2024, time.January, 1), UnitWeek, 2))
}

func TestNextDoesNotDriftFromAnchor(t *testing.T) {
	anchor := day(2024, time.January, 31)
	p, err := First(anchor, AnchorAnniversary, UnitMonth, 1)
	require.NoError(t, err)
	assert.Equal(t, day(2024, time.February, 29), p.End)

	p, err = Next(anchor, p, UnitMonth, 1)
	require.NoError(t, err)
	assert.Equal(t, day(2024, time.February, 29), p.Start)
	assert.Equal(t, day(2024, time.March, 31), p.End)
}

func TestFirstCalendarAnchor(t *testing.T) {
	start := time.Date(2024, time.March, 16, 12, 0, 0, 0, time.UTC)
	p, err := First(start, AnchorCalendar, UnitMonth, 1)
	require.NoError(t, err)
	assert.Equal(t, day(2024, time.March, 1), p.Start)
	assert.Equal(t, day(2024, time.April, 1), p.End)
	assert.True(t, p.Contains(start))
}

func TestFirstRejectsBadTerms(t *testing.T) {
	_, err := First(day(2024, 1, 1), AnchorAnniversary, Unit("FORTNIGHT"), 1)
	assert.ErrorIs(t, err, ErrInvalidUnit)
	_, err = First(day(2024, 1, 1), AnchorAnniversary, UnitMonth, 0)
	assert.ErrorIs(t, err, ErrInvalidCount)
	_, err = First(day(2024, 1, 1), Anchor("NOPE"), UnitMonth, 1)
	assert.ErrorIs(t, err, ErrInvalidAnchor)
}

func TestStartOfWeekIsMonday(t *testing.T) {
	// 2024-03-17 is a Sunday.
	assert.Equal(t, day(2024, time.March, 11), StartOf(day(2024, time.March, 17), UnitWeek))
	assert.Equal(t, day(2024, time.March, 11), StartOf(day(2024, time.March, 11), UnitWeek))
}

func TestCounterWindow(t *testing.T) {
	at := time.Date(2024, time.May, 20, 8, 0, 0, 0, time.UTC)
	billing := Period{Start: day(2024, time.May, 10), End: day(2024, time.June, 10)}

	assert.Equal(t, Period{Start: day(2024, time.May, 20), End: day(2024, time.May, 21)}, CounterWindow(ResetDay, billing, at))
	assert.Equal(t, Period{Start: day(2024, time.May, 1), End: day(2024, time.June, 1)}, CounterWindow(ResetMonth, billing, at))
	assert.Equal(t, billing, CounterWindow(ResetBillingPeriod, billing, at))

	never := CounterWindow(ResetNever, billing, at)
	assert.True(t, never.Contains(at))
	assert.Equal(t, never, CounterWindow(ResetNever, billing, at.AddDate(5, 0, 0)))
}

func TestResetRank(t *testing.T) {
	assert.Less(t, ResetDay.Rank(), ResetWeek.Rank())
	assert.Less(t, ResetMonth.Rank(), ResetBillingPeriod.Rank())
	assert.Less(t, ResetYear.Rank(), ResetNever.Rank())
}
