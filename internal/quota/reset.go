package quota

import "time"

// resetTransition describes the state a due record moves to.
type resetTransition struct {
	PreviousUsed int
	NewLimit     int
	NewResetAt   time.Time
}

// evaluateReset decides whether rec is due for reset at now and, if so,
// computes the transition: used returns to zero, limit returns to the
// bucket's canonical value, and reset_at advances one period at a time from
// its stored value until it lands in the future. Advancing from the stored
// value rather than from now keeps the period grid anchored even after
// downtime spanning several periods.
//
// The evaluator commits nothing itself; callers apply the transition inside
// their own transaction.
func evaluateReset(rec *Record, canonicalLimit int, now time.Time) (resetTransition, bool) {
	if now.Before(rec.ResetAt) {
		return resetTransition{}, false
	}

	next := nextAnchorDate(rec.ResetAt, rec.AnchorDay)
	for !next.After(now) {
		next = nextAnchorDate(next, rec.AnchorDay)
	}

	return resetTransition{
		PreviousUsed: rec.Used,
		NewLimit:     canonicalLimit,
		NewResetAt:   next,
	}, true
}

// nextAnchorDate returns the anchor day in the month after t, clamped to
// the last day of short months (a day-31 anchor lands on Feb 28/29 and is
// back on the 31st in March, because the anchor day is stored rather than
// re-derived from the clamped date). The clock time of t is preserved.
func nextAnchorDate(t time.Time, anchorDay int) time.Time {
	year, month, _ := t.Date()
	// Normalize through the first of the following month so December rolls
	// over cleanly.
	first := time.Date(year, month+1, 1, 0, 0, 0, 0, t.Location())

	day := anchorDay
	if last := daysInMonth(first.Year(), first.Month()); day > last {
		day = last
	}

	return time.Date(first.Year(), first.Month(), day,
		t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// daysInMonth returns the number of days in the given month.
func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
