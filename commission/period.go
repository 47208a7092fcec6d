package commission

import (
	"fmt"
	"time"
)

// =============================================================================
// PERIOD - half-open commission window
// =============================================================================

// Period is the half-open window [Start, End) a payout covers.
// Commission periods are calendar months in UTC.
type Period struct {
	Start time.Time
	End   time.Time
}

// MonthPeriod returns [first day of month, first day of next month).
func MonthPeriod(year int, month time.Month) Period {
	start := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.AddDate(0, 1, 0)}
}

// Contains returns true if t is within [Start, End).
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// monthAligned reports whether t is midnight UTC on the first of a month.
func monthAligned(t time.Time) bool {
	t = t.UTC()
	return t.Equal(time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC))
}

func (p Period) String() string {
	return fmt.Sprintf("[%s, %s)", p.Start.Format("2006-01-02"), p.End.Format("2006-01-02"))
}

// CurrentMonth returns the month containing now.
func CurrentMonth(now time.Time) (int, time.Month) {
	now = now.UTC()
	return now.Year(), now.Month()
}
