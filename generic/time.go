package generic

import (
	"time"
)

// =============================================================================
// CLOCK - Injectable wall clock (ts stamps, auto fields)
// =============================================================================

// Clock returns the current time. Stores and validators take one so tests
// can pin the wall clock.
type Clock func() time.Time

// SystemClock is the UTC wall clock truncated to seconds.
func SystemClock() time.Time { return time.Now().UTC().Truncate(time.Second) }

// =============================================================================
// DAY UTILITIES - All dates are UTC calendar days
// =============================================================================

// Open question (local vs UTC reference days): the core uses UTC for both
// timestamps and calendar dates so that compute results do not depend on the
// host time zone.

func StartOfYear(year int) time.Time { return time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC) }
func EndOfYear(year int) time.Time   { return time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC) }

func StartOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func EndOfMonth(year int, month time.Month) time.Time {
	return time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
}

// TruncateDay drops the time of day, keeping the UTC date.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseDate parses YYYY-MM-DD (a longer timestamp is truncated to its date).
func ParseDate(s string) (time.Time, bool) {
	if len(s) > len(DateLayout) {
		s = s[:len(DateLayout)]
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	return t, err == nil
}
