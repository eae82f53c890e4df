package cpd

import "time"

// =============================================================================
// PERIOD - Allocation periods
// =============================================================================

// Period is a half-open interval [Start, End). Allocation periods are one
// calendar month long and anchored to the member's last allocation date.
type Period struct {
	Start time.Time
	End   time.Time
}

// Next returns the month-long period following this one.
func (p Period) Next() Period {
	return MonthlyPeriod(p.End)
}

func (p Period) String() string {
	return "[" + p.Start.Format("2006-01-02") + ", " + p.End.Format("2006-01-02") + ")"
}

// Key renders the period boundary used in idempotency keys.
func (p Period) Key() string {
	return p.Start.Format("2006-01-02")
}

// MonthlyPeriod returns the one-month period starting at start.
func MonthlyPeriod(start time.Time) Period {
	return Period{Start: start, End: AddMonths(start, 1)}
}

// NextAllocationPeriod returns the period the next allocation covers and
// whether it is due at now. A member never allocated before is due for a
// period starting today. Otherwise the next period starts exactly one month
// after the last one, not at now, so retries land on the same boundary.
func NextAllocationPeriod(last *time.Time, now time.Time) (Period, bool) {
	if last == nil {
		return MonthlyPeriod(StartOfDay(now)), true
	}
	p := MonthlyPeriod(*last).Next()
	return p, !now.Before(p.Start)
}

// =============================================================================
// TIME UTILITIES
// =============================================================================

func StartOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// AddMonths adds n months, clamping the day to the end of the target month
// (Jan 31 + 1 month = Feb 28/29, not Mar 3).
func AddMonths(t time.Time, n int) time.Time {
	t = t.UTC()
	first := time.Date(t.Year(), t.Month(), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC).AddDate(0, n, 0)
	day := t.Day()
	if last := daysIn(first.Year(), first.Month()); day > last {
		day = last
	}
	return time.Date(first.Year(), first.Month(), day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), time.UTC)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
