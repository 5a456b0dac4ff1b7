package payroll

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// TRANSFORMS - Named value rewrites applied by point_in_time metrics
// =============================================================================

// WorkingDaysPerMonth converts a daily salary to a monthly one.
var WorkingDaysPerMonth = decimal.RequireFromString("21.75")

// transformFunc rewrites value; state is the whole state the value came from,
// so a transform can consult peer fields. ok=false means "use the default".
type transformFunc func(r *Registry, value any, state generic.Payload) (any, bool)

var transforms = map[string]transformFunc{
	"salary_to_monthly":         salaryToMonthly,
	"position_to_base_ratio":    lookupTransform(LookupPositionBaseRatio),
	"position_to_perf_ratio":    lookupTransform(LookupPositionPerfRatio),
	"employee_type_to_discount": lookupTransform(LookupEmployeeTypeDiscount),
	"grade_to_coefficient":      lookupTransform(LookupGradeCoefficient),
}

// Transforms returns the names of the built-in transforms.
func Transforms() []string {
	out := make([]string, 0, len(transforms))
	for name := range transforms {
		out = append(out, name)
	}
	return out
}

// salaryToMonthly normalizes a salary by its peer salary_type: annual / 12,
// daily * 21.75, monthly unchanged.
func salaryToMonthly(_ *Registry, value any, state generic.Payload) (any, bool) {
	salary, ok := generic.ToDecimal(value)
	if !ok {
		return nil, false
	}
	emp, err := DecodeEmployment(state)
	if err != nil {
		return salary, true
	}
	switch strings.ToLower(strings.TrimSpace(emp.SalaryType)) {
	case "年薪", "annual", "yearly":
		return salary.Div(decimal.NewFromInt(12)), true
	case "日薪", "daily":
		return salary.Mul(WorkingDaysPerMonth), true
	default:
		return salary, true
	}
}

// lookupTransform maps a text value through a catalog lookup table. A
// missing value still resolves to the table default.
func lookupTransform(table string) transformFunc {
	return func(r *Registry, value any, _ generic.Payload) (any, bool) {
		key := strings.TrimSpace(generic.Payload{"v": value}.String("v"))
		return r.Lookup(table).Get(key), true
	}
}
