package payroll

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// YEAR-TO-DATE - Reads of prior payroll states
// =============================================================================

// ytdSum sums source.metric over the payroll states of every deduction
// period from January of the reference year up to, not including, the
// current deduction period. Each deduction period reads the state keyed by
// its salary period.
func (r *run) ytdSum(m Metric) (any, bool, error) {
	idx, err := r.memo.byPeriod(r.ctx, m.Source.Twin)
	if err != nil {
		return nil, false, err
	}
	sum := decimal.Zero
	for _, dp := range r.referenceMonth().MonthsFromJanuary() {
		state, ok := idx[dp.SalaryPeriod().String()]
		if !ok {
			continue
		}
		if v, ok := state.Decimal(m.Source.Metric); ok {
			sum = sum.Add(v)
		}
	}
	return sum, true, nil
}

// prevValue reads source.metric from the payroll state of the previous
// deduction period. Across a year boundary it is zero.
func (r *run) prevValue(m Metric) (any, bool, error) {
	prev := r.deduction.Prev()
	if prev.Year < r.referenceMonth().Year {
		return decimal.Zero, true, nil
	}
	state, err := r.memo.periodState(r.ctx, m.Source.Twin, prev.SalaryPeriod().String())
	if err != nil || state == nil {
		return nil, false, err
	}
	v, ok := state[m.Source.Metric]
	return v, ok && v != nil, nil
}

// referenceMonth is the month holding the reference day of the deduction
// period. Its year is the YTD year.
func (r *run) referenceMonth() generic.Month {
	return generic.MonthOf(r.deduction.ReferenceDay())
}

// =============================================================================
// CROSS-PERIOD RESOLVERS
// =============================================================================

type resolverFunc func(r *run, m Metric) (any, bool, error)

var resolvers = map[string]resolverFunc{
	"months_employed_in_year": monthsEmployedInYear,
}

// Resolvers returns the names of the built-in cross-period resolvers.
func Resolvers() []string {
	out := make([]string, 0, len(resolvers))
	for name := range resolvers {
		out = append(out, name)
	}
	return out
}

// monthsEmployedInYear counts the months of the reference year the person
// was employed, for the cumulative basic deduction.
//
//	entry = earliest onboarding month in the reference year, else January
//	end   = previous month if it is in the reference year and holds a
//	        termination, else the reference month
//	result = clamp(end - entry + 1, 0, 12)
func monthsEmployedInYear(r *run, m Metric) (any, bool, error) {
	ref := r.referenceMonth()

	id, err := r.memo.primaryTwin(r.ctx, m.Source.Twin)
	if err != nil {
		return nil, false, err
	}
	var states []generic.State
	if id != 0 {
		if states, err = r.memo.history(r.ctx, m.Source.Twin, id); err != nil {
			return nil, false, err
		}
	}

	entry := time.January
	end := ref.Month
	prev := ref.Prev()
	found := false
	for _, st := range states {
		emp, err := DecodeEmployment(st.Data)
		if err != nil {
			continue
		}
		day, ok := emp.Date()
		if !ok {
			continue
		}
		month := generic.MonthOf(day)
		switch emp.ChangeType {
		case ChangeOnboard:
			if month.Year == ref.Year && (!found || month.Month < entry) {
				entry, found = month.Month, true
			}
		case ChangeTerminate:
			if prev.Year == ref.Year && month == prev {
				end = prev.Month
			}
		}
	}

	n := int(end) - int(entry) + 1
	if n < 0 {
		n = 0
	}
	if n > 12 {
		n = 12
	}
	return decimal.NewFromInt(int64(n)), true, nil
}
