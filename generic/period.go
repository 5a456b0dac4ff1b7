package generic

import (
	"fmt"
	"time"
)

// =============================================================================
// MONTH - The period unit for payroll (YYYY-MM)
// =============================================================================

// Month is a calendar month. Salary periods and deduction-tax periods are
// both Months; the deduction-tax period of salary period S is S+1.
type Month struct {
	Year  int
	Month time.Month
}

// ParseMonth parses "YYYY-MM".
func ParseMonth(s string) (Month, error) {
	t, err := time.ParseInLocation(MonthLayout, s, time.UTC)
	if err != nil {
		return Month{}, fmt.Errorf("%w: invalid period %q (want YYYY-MM)", ErrValidation, s)
	}
	return Month{Year: t.Year(), Month: t.Month()}, nil
}

// MustParseMonth is ParseMonth for literals.
func MustParseMonth(s string) Month {
	m, err := ParseMonth(s)
	if err != nil {
		panic(err)
	}
	return m
}

// MonthOf returns the month containing t.
func MonthOf(t time.Time) Month { return Month{Year: t.Year(), Month: t.Month()} }

func (m Month) String() string { return fmt.Sprintf("%04d-%02d", m.Year, int(m.Month)) }

// AddMonths shifts by n months (negative allowed).
func (m Month) AddMonths(n int) Month {
	return MonthOf(m.FirstDay().AddDate(0, n, 0))
}

// Next and Prev are AddMonths(1) and AddMonths(-1).
func (m Month) Next() Month { return m.AddMonths(1) }
func (m Month) Prev() Month { return m.AddMonths(-1) }

// Before reports whether m is strictly earlier than other.
func (m Month) Before(other Month) bool {
	return m.Year < other.Year || (m.Year == other.Year && m.Month < other.Month)
}

// FirstDay is the first day of the month at 00:00 UTC.
func (m Month) FirstDay() time.Time { return StartOfMonth(m.Year, m.Month) }

// LastDay is the last day of the month at 00:00 UTC.
func (m Month) LastDay() time.Time { return EndOfMonth(m.Year, m.Month) }

// DayClamped returns day d of the month, clamped to the month's last day.
func (m Month) DayClamped(d int) time.Time {
	last := m.LastDay()
	if d > last.Day() {
		d = last.Day()
	}
	if d < 1 {
		d = 1
	}
	return time.Date(m.Year, m.Month, d, 0, 0, 0, 0, time.UTC)
}

// =============================================================================
// PAYROLL PERIODS - Salary vs deduction-tax (one-month lag)
// =============================================================================

// ReferenceDayOfMonth anchors YTD computations inside a deduction-tax period.
const ReferenceDayOfMonth = 26

// DeductionPeriod returns the withholding period of salary period m (m+1).
func (m Month) DeductionPeriod() Month { return m.Next() }

// SalaryPeriod returns the salary period withheld in deduction-tax period m (m-1).
func (m Month) SalaryPeriod() Month { return m.Prev() }

// ReferenceDay is the 26th of the month, clamped to month end. Its year is
// the YTD year of a deduction-tax period.
func (m Month) ReferenceDay() time.Time { return m.DayClamped(ReferenceDayOfMonth) }

// MonthsFromJanuary returns January..m-1 of m's year, in order. For January it is empty.
func (m Month) MonthsFromJanuary() []Month {
	var out []Month
	for cur := (Month{Year: m.Year, Month: time.January}); cur.Before(m); cur = cur.Next() {
		out = append(out, cur)
	}
	return out
}
