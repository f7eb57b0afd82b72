package quota

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 9, 30, 0, 0, time.UTC)
}

func TestEvaluateReset_NotDue(t *testing.T) {
	rec := &Record{Used: 10, Limit: 150, AnchorDay: 1, ResetAt: date(2026, time.February, 1)}

	_, due := evaluateReset(rec, 150, date(2026, time.January, 15))
	assert.False(t, due)
}

func TestEvaluateReset_DueAtExactBoundary(t *testing.T) {
	rec := &Record{Used: 10, Limit: 150, AnchorDay: 1, ResetAt: date(2026, time.February, 1)}

	tr, due := evaluateReset(rec, 150, date(2026, time.February, 1))
	require.True(t, due)
	assert.Equal(t, 10, tr.PreviousUsed)
	assert.Equal(t, date(2026, time.March, 1), tr.NewResetAt)
}

func TestEvaluateReset_AdvancesOnePeriod(t *testing.T) {
	rec := &Record{Used: 149, Limit: 150, AnchorDay: 1, ResetAt: date(2026, time.February, 1)}

	tr, due := evaluateReset(rec, 150, date(2026, time.February, 2))
	require.True(t, due)
	assert.Equal(t, 149, tr.PreviousUsed)
	assert.Equal(t, 150, tr.NewLimit)
	// Next boundary comes from the stored reset_at, not from now.
	assert.Equal(t, date(2026, time.March, 1), tr.NewResetAt)
	assert.True(t, tr.NewResetAt.After(rec.ResetAt))
}

func TestEvaluateReset_RestoresCanonicalLimit(t *testing.T) {
	// Admin raised the limit mid-period; the reset reverts it.
	rec := &Record{Used: 42, Limit: 999, AnchorDay: 1, ResetAt: date(2026, time.February, 1)}

	tr, due := evaluateReset(rec, 150, date(2026, time.February, 3))
	require.True(t, due)
	assert.Equal(t, 150, tr.NewLimit)
}

func TestEvaluateReset_CatchesUpAfterDowntime(t *testing.T) {
	// reset_at is several periods in the past; the boundary advances one
	// period at a time until it lands in the future, keeping the grid
	// anchored.
	rec := &Record{Used: 7, Limit: 150, AnchorDay: 31, ResetAt: date(2025, time.October, 31)}

	tr, due := evaluateReset(rec, 150, date(2026, time.February, 5))
	require.True(t, due)
	assert.Equal(t, date(2026, time.February, 28), tr.NewResetAt)
}

func TestNextAnchorDate_ClampsShortMonths(t *testing.T) {
	got := nextAnchorDate(date(2026, time.January, 31), 31)
	assert.Equal(t, date(2026, time.February, 28), got)

	// Leap year keeps the 29th.
	got = nextAnchorDate(date(2028, time.January, 31), 31)
	assert.Equal(t, date(2028, time.February, 29), got)
}

func TestNextAnchorDate_RecoversAnchorAfterClamp(t *testing.T) {
	// Feb 28 with a day-31 anchor lands back on Mar 31.
	got := nextAnchorDate(date(2026, time.February, 28), 31)
	assert.Equal(t, date(2026, time.March, 31), got)
}

func TestNextAnchorDate_YearRollover(t *testing.T) {
	got := nextAnchorDate(date(2025, time.December, 15), 15)
	assert.Equal(t, date(2026, time.January, 15), got)
}

func TestNextAnchorDate_PreservesClockTime(t *testing.T) {
	at := time.Date(2026, time.March, 10, 23, 59, 58, 123, time.UTC)
	got := nextAnchorDate(at, 10)
	assert.Equal(t, time.Date(2026, time.April, 10, 23, 59, 58, 123, time.UTC), got)
}

func TestDaysInMonth(t *testing.T) {
	assert.Equal(t, 31, daysInMonth(2026, time.January))
	assert.Equal(t, 28, daysInMonth(2026, time.February))
	assert.Equal(t, 29, daysInMonth(2028, time.February))
	assert.Equal(t, 30, daysInMonth(2026, time.April))
	assert.Equal(t, 31, daysInMonth(2026, time.December))
}
