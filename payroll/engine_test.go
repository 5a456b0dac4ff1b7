/*
engine_test.go - Tests for payroll computation

Tests for:
- Monthly earnings from the default catalog
- Temporal resolution (version history, activity scan, config tables, period records)
- Year-to-date sums and prior-period values across a year boundary
- Months employed in the withholding year
- Formula failures, determinism, metrics and persistence
*/
package payroll_test

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/generic"
	"github.com/warp/payroll-engine/payroll"
	"github.com/warp/payroll-engine/store/sqlite"
)

type fixture struct {
	ctx     context.Context
	store   *sqlite.Store
	engine  *payroll.Engine
	person  int64
	company int64
}

// newFixture opens an in-memory store on the default schema, builds the
// engine from catalog (the default catalog when empty) and seeds one
// person and one company.
func newFixture(t *testing.T, catalog string, opts ...payroll.EngineOption) *fixture {
	t.Helper()
	ctx := context.Background()

	schema, err := generic.LoadSchema(factory.DefaultSchemaYAML())
	require.NoError(t, err)
	store, err := sqlite.New(sqlite.DriverSQLite, ":memory:", schema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Provision(ctx))

	f := factory.NewCatalogFactory()
	var cat *factory.Catalog
	if catalog == "" {
		cat, err = f.LoadCatalogFile("")
	} else {
		cat, err = f.ParseCatalog([]byte(catalog))
	}
	require.NoError(t, err)
	metrics, err := cat.Registry(schema)
	require.NoError(t, err)

	var evalOpts []formula.Option
	if grades := cat.Grades(); len(grades) > 0 {
		evalOpts = append(evalOpts, formula.WithGrades(grades))
	}
	engine := payroll.NewEngine(store, metrics, formula.NewEvaluator(evalOpts...), opts...)

	person, err := store.CreateTwin(ctx, "person", generic.Payload{"name": "张三"})
	require.NoError(t, err)
	company, err := store.CreateTwin(ctx, "company", generic.Payload{"name": "Acme"})
	require.NoError(t, err)

	return &fixture{ctx: ctx, store: store, engine: engine, person: person.ID, company: company.ID}
}

// create adds an activity twin of the fixture's person and company.
func (f *fixture) create(t *testing.T, twin string, data generic.Payload) int64 {
	t.Helper()
	rec, err := f.store.CreateTwin(f.ctx, twin, data.Merge(generic.Payload{
		"person_id": f.person, "company_id": f.company,
	}))
	require.NoError(t, err)
	return rec.ID
}

func (f *fixture) update(t *testing.T, twin string, id int64, data generic.Payload) {
	t.Helper()
	_, err := f.store.UpdateTwin(f.ctx, twin, id, data)
	require.NoError(t, err)
}

func (f *fixture) compute(t *testing.T, period string) *payroll.Result {
	t.Helper()
	res, err := f.engine.Compute(f.ctx, f.person, f.company, period)
	require.NoError(t, err)
	return res
}

// onboard hires the fixture's person on a monthly salary.
func (f *fixture) onboard(t *testing.T, salary float64, date string) int64 {
	t.Helper()
	return f.create(t, payroll.EmploymentTwin, generic.Payload{
		"position":      "Engineer",
		"employee_type": "正式员工",
		"salary_type":   "月薪",
		"salary":        salary,
		"change_type":   payroll.ChangeOnboard,
		"change_date":   date,
	})
}

func assertValue(t *testing.T, res *payroll.Result, key, want string) {
	t.Helper()
	got, ok := res.Values[key]
	require.True(t, ok, "metric %s was not resolved", key)
	assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s = %s, want %s", key, got, want)
}

// =============================================================================
// EARNINGS
// =============================================================================

func TestCompute_MonthlyEarnings(t *testing.T) {
	// GIVEN: an engineer hired mid-January at 10000 a month
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-15")

	// WHEN: January payroll is computed
	res := f.compute(t, "2025-01")

	// THEN: pay splits 70/30 with full attendance and a B grade
	assert.Equal(t, "2025-01", res.Period)
	assert.Equal(t, "2025-02", res.DeductionPeriod)
	assertValue(t, res, "monthly_salary", "10000")
	assertValue(t, res, "attendance_rate", "1")
	assertValue(t, res, "perf_coef", "1")
	assertValue(t, res, "base_amount", "7000")
	assertValue(t, res, "perf_amount", "3000")
	assertValue(t, res, "gross_pay", "10000.00")
	assert.Equal(t, "B", res.Text["assessment_grade"])

	// AND: two months of basic deduction leave nothing taxable
	assertValue(t, res, "months_employed", "2")
	assertValue(t, res, "cumulative_deductions", "10000")
	assertValue(t, res, "current_tax", "0")
	assertValue(t, res, "net_pay", "10000")
	assert.Empty(t, res.Warnings)
}

func TestCompute_BeforeEmployment(t *testing.T) {
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-15")

	res := f.compute(t, "2024-12")

	assertValue(t, res, "monthly_salary", "0")
	assertValue(t, res, "gross_pay", "0")
}

func TestCompute_CumulativeWithholding(t *testing.T) {
	// GIVEN: a 30000 salary and a persisted January payroll
	f := newFixture(t, "")
	f.onboard(t, 30000, "2025-01-02")

	jan := f.compute(t, "2025-01")
	assertValue(t, jan, "gross_pay", "30000")
	assertValue(t, jan, "cumulative_taxable_income", "20000")
	assertValue(t, jan, "cumulative_tax", "600")
	assertValue(t, jan, "current_tax", "600")
	assertValue(t, jan, "net_pay", "29400")
	_, err := payroll.Persist(f.ctx, f.store, jan)
	require.NoError(t, err)

	// WHEN: February is computed
	feb := f.compute(t, "2025-02")

	// THEN: January's income and tax carry into the cumulative bracket
	assertValue(t, feb, "prev_cumulative_income", "30000")
	assertValue(t, feb, "prev_tax_paid", "600")
	assertValue(t, feb, "prev_cumulative_tax", "600")
	assertValue(t, feb, "months_employed", "3")
	assertValue(t, feb, "cumulative_taxable_income", "45000")
	assertValue(t, feb, "cumulative_tax", "1980")
	assertValue(t, feb, "current_tax", "1380")
	assertValue(t, feb, "net_pay", "28620")
}

func TestCompute_SalaryTypes(t *testing.T) {
	cases := map[string]struct {
		salary float64
		want   string
	}{
		"年薪": {120000, "10000"},
		"日薪": {400, "8700"},
		"月薪": {9000, "9000"},
	}
	for salaryType, tc := range cases {
		t.Run(salaryType, func(t *testing.T) {
			f := newFixture(t, "")
			f.create(t, payroll.EmploymentTwin, generic.Payload{
				"salary_type": salaryType, "salary": tc.salary,
				"change_type": payroll.ChangeOnboard, "change_date": "2025-01-01",
			})

			assertValue(t, f.compute(t, "2025-01"), "monthly_salary", tc.want)
		})
	}
}

func TestCompute_PositionAndTypeLookups(t *testing.T) {
	f := newFixture(t, "")
	f.create(t, payroll.EmploymentTwin, generic.Payload{
		"position": "Manager", "employee_type": "试用期", "salary": 10000,
		"change_type": payroll.ChangeOnboard, "change_date": "2025-01-01",
	})

	res := f.compute(t, "2025-01")

	assertValue(t, res, "base_ratio", "0.6")
	assertValue(t, res, "perf_ratio", "0.4")
	assertValue(t, res, "employee_discount", "0.8")
	assertValue(t, res, "base_amount", "4800")
	assertValue(t, res, "perf_amount", "3200")
}

// =============================================================================
// TEMPORAL RESOLUTION
// =============================================================================

func TestVersionHistory_PicksEffectiveState(t *testing.T) {
	// GIVEN: a raise recorded twice on the same day and a future raise
	f := newFixture(t, "")
	id := f.onboard(t, 10000, "2025-01-15")
	f.update(t, payroll.EmploymentTwin, id, generic.Payload{"salary": 11000, "change_type": "调薪", "change_date": "2025-01-15"})
	f.update(t, payroll.EmploymentTwin, id, generic.Payload{"salary": 20000, "change_type": "调薪", "change_date": "2025-03-01"})

	// THEN: equal dates resolve to the later version and future states are ignored
	assertValue(t, f.compute(t, "2025-01"), "monthly_salary", "11000")
	assertValue(t, f.compute(t, "2025-02"), "monthly_salary", "11000")
	assertValue(t, f.compute(t, "2025-03"), "monthly_salary", "20000")
}

func TestActivityScan_LatestAssessment(t *testing.T) {
	// GIVEN: assessments in January and February
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	f.create(t, "person_company_assessment", generic.Payload{"grade": "A", "assessment_date": "2025-01-10"})
	f.create(t, "person_company_assessment", generic.Payload{"grade": "S", "assessment_date": "2025-02-05"})

	// THEN: each month reads the newest assessment effective by its end
	jan := f.compute(t, "2025-01")
	assert.Equal(t, "A", jan.Text["assessment_grade"])
	assertValue(t, jan, "perf_coef", "1.2")
	assertValue(t, jan, "perf_amount", "3600")

	feb := f.compute(t, "2025-02")
	assert.Equal(t, "S", feb.Text["assessment_grade"])
	assertValue(t, feb, "perf_coef", "1.5")

	// WHEN: a second assessment lands on the same day
	f.create(t, "person_company_assessment", generic.Payload{"grade": "D", "assessment_date": "2025-02-05"})

	// THEN: the newer twin wins
	assert.Equal(t, "D", f.compute(t, "2025-02").Text["assessment_grade"])
}

func TestConfigLookup_EffectiveRates(t *testing.T) {
	// GIVEN: two city configurations and a 10000 social-security base
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	_, err := f.store.CreateTwin(f.ctx, "social_insurance_config", generic.Payload{
		"name": "上海 2024", "effective_date": "2024-01-01", "pension_rate": 0.08,
	})
	require.NoError(t, err)
	_, err = f.store.CreateTwin(f.ctx, "social_insurance_config", generic.Payload{
		"name": "上海 2025", "effective_date": "2025-02-01", "pension_rate": 0.09, "medical_rate": 0.03,
	})
	require.NoError(t, err)
	f.create(t, "person_company_social_security_base", generic.Payload{"base_amount": 10000, "effective_date": "2025-01-01"})

	// THEN: January uses 2024 rates, with defaults for rates it omits
	jan := f.compute(t, "2025-01")
	assertValue(t, jan, "pension_rate", "0.08")
	assertValue(t, jan, "medical_rate", "0.02")
	assertValue(t, jan, "social_insurance_personal", "1050")

	// AND: February picks up the new configuration
	feb := f.compute(t, "2025-02")
	assertValue(t, feb, "pension_rate", "0.09")
	assertValue(t, feb, "medical_rate", "0.03")
	assertValue(t, feb, "social_insurance_personal", "1250")
}

func TestPointInTime_HousingFund(t *testing.T) {
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	f.create(t, "person_company_housing_fund_base", generic.Payload{
		"base_amount": 10000, "rate": 0.07, "effective_date": "2025-01-01",
	})

	res := f.compute(t, "2025-01")

	assertValue(t, res, "housing_fund_personal", "700")
	assertValue(t, res, "net_pay", "9300")
}

func TestPeriodRecord_Attendance(t *testing.T) {
	// GIVEN: half attendance in January only
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	f.create(t, "person_company_attendance_summary", generic.Payload{
		"period": "2025-01", "expected_days": 22, "actual_days": 11,
	})

	// THEN: January base pay is halved, February falls back to defaults
	jan := f.compute(t, "2025-01")
	assertValue(t, jan, "attendance_rate", "0.5")
	assertValue(t, jan, "base_amount", "3500")

	assertValue(t, f.compute(t, "2025-02"), "attendance_rate", "1")
}

func TestPeriodRecord_DeductionBasis(t *testing.T) {
	// GIVEN: a special deduction declared for the February withholding period
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	f.create(t, "person_company_tax_deduction", generic.Payload{"period": "2025-02", "children_education": 2000})

	// THEN: it applies to the January salary period
	assertValue(t, f.compute(t, "2025-01"), "special_additional_deduction", "2000")
	assertValue(t, f.compute(t, "2025-02"), "special_additional_deduction", "0")
}

// =============================================================================
// YEAR TO DATE
// =============================================================================

const ytdCatalog = `
metrics:
  - key: ytd_cumulative_tax
    temporal_type: ytd_sum
    period_basis: deduction_tax
    source: {metric: cumulative_tax}
  - key: last_cumulative_tax
    temporal_type: prev_value
    period_basis: deduction_tax
    source: {metric: cumulative_tax}
`

func TestYTDSum_ResetsAtYearBoundary(t *testing.T) {
	// GIVEN: payroll states for salary periods 2024-11 and 2025-01
	f := newFixture(t, ytdCatalog)
	id := f.create(t, payroll.PayrollTwin, generic.Payload{"salary_period": "2024-11", "cumulative_tax": 500})
	f.update(t, payroll.PayrollTwin, id, generic.Payload{"salary_period": "2025-01", "cumulative_tax": 200})

	// WHEN: February 2025 is computed (withheld in March)
	res := f.compute(t, "2025-02")

	// THEN: only 2025 withholding periods are summed
	assertValue(t, res, "ytd_cumulative_tax", "200")
	assertValue(t, res, "last_cumulative_tax", "200")
}

func TestPrevValue_ZeroAcrossYearBoundary(t *testing.T) {
	f := newFixture(t, ytdCatalog)
	f.create(t, payroll.PayrollTwin, generic.Payload{"salary_period": "2024-11", "cumulative_tax": 500})

	// WHEN: December 2024 is computed (withheld in January 2025)
	res := f.compute(t, "2024-12")

	// THEN: the November state belongs to last year
	assertValue(t, res, "last_cumulative_tax", "0")
	assertValue(t, res, "ytd_cumulative_tax", "0")
}

func TestPrevValue_MissingStateUsesDefault(t *testing.T) {
	f := newFixture(t, ytdCatalog)

	res := f.compute(t, "2025-06")

	assertValue(t, res, "last_cumulative_tax", "0")
}

// =============================================================================
// MONTHS EMPLOYED
// =============================================================================

func TestMonthsEmployed(t *testing.T) {
	cases := []struct {
		name      string
		onboard   string
		terminate string
		period    string
		want      string
	}{
		{"hired this year", "2025-03-10", "", "2025-03", "2"},
		{"terminated last month", "2025-03-10", "2025-06-20", "2025-06", "4"},
		{"hired last year", "2024-05-01", "", "2025-01", "2"},
		{"december salary withheld in january", "2024-05-01", "", "2024-12", "1"},
		{"full year", "2024-05-01", "", "2025-11", "12"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "")
			id := f.onboard(t, 10000, tc.onboard)
			if tc.terminate != "" {
				f.update(t, payroll.EmploymentTwin, id, generic.Payload{
					"change_type": payroll.ChangeTerminate, "change_date": tc.terminate,
				})
			}

			assertValue(t, f.compute(t, tc.period), "months_employed", tc.want)
		})
	}
}

func TestMonthsEmployed_NoEmployment(t *testing.T) {
	f := newFixture(t, "")

	assertValue(t, f.compute(t, "2025-04"), "months_employed", "5")
}

// =============================================================================
// FAILURES, DETERMINISM, METRICS
// =============================================================================

const brokenCatalog = `
metrics:
  - key: base
    temporal_type: constant
    source: {value: 100}
  - key: broken
    temporal_type: formula
    source: {expression: "base +"}
    default: 42
  - key: doubled
    temporal_type: formula
    source: {expression: "base * 2"}
  - key: forbidden
    temporal_type: formula
    source: {expression: "exec(base)"}
`

func TestCompute_FormulaFailureFallsBackToDefault(t *testing.T) {
	// GIVEN: a catalog with two unusable expressions
	core, logs := observer.New(zapcore.WarnLevel)
	f := newFixture(t, brokenCatalog, payroll.WithLogger(zap.New(core)))

	// WHEN: the catalog is computed
	res := f.compute(t, "2025-01")

	// THEN: failures use their defaults and the rest still resolve
	assertValue(t, res, "broken", "42")
	assertValue(t, res, "forbidden", "0")
	assertValue(t, res, "doubled", "200")
	require.Len(t, res.Warnings, 2)
	assert.Equal(t, "broken", res.Warnings[0].Metric)
	assert.Equal(t, "forbidden", res.Warnings[1].Metric)

	// AND: each failure is logged once
	assert.Equal(t, 2, logs.FilterMessage("formula failed, using default").Len())
}

func TestCompute_InvalidPeriod(t *testing.T) {
	f := newFixture(t, "")

	_, err := f.engine.Compute(f.ctx, f.person, f.company, "2025-13")

	require.Error(t, err)
	assert.Equal(t, generic.KindValidation, generic.KindOf(err))
}

func TestCompute_IsDeterministic(t *testing.T) {
	f := newFixture(t, "")
	f.onboard(t, 18000, "2025-01-01")
	f.create(t, "person_company_assessment", generic.Payload{"grade": "A", "assessment_date": "2025-01-10"})
	f.create(t, "person_company_social_security_base", generic.Payload{"base_amount": 12000, "effective_date": "2025-01-01"})

	first := f.compute(t, "2025-01")
	second := f.compute(t, "2025-01")

	require.Equal(t, len(first.Values), len(second.Values))
	for k, v := range first.Values {
		assert.True(t, v.Equal(second.Values[k]), "metric %s differs between runs", k)
	}
	assert.Equal(t, first.Text, second.Text)
}

func TestCompute_CountsOutcomes(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, "", payroll.WithRegisterer(reg))

	f.compute(t, "2025-01")
	_, err := f.engine.Compute(f.ctx, f.person, f.company, "bad")
	require.Error(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	counts := make(map[string]float64)
	for _, fam := range families {
		if fam.GetName() != "payroll_computations_total" {
			continue
		}
		for _, m := range fam.GetMetric() {
			counts[m.GetLabel()[0].GetValue()] = m.GetCounter().GetValue()
		}
	}
	assert.Equal(t, map[string]float64{"ok": 1, "validation": 1}, counts)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestPersist_UpsertsBySalaryPeriod(t *testing.T) {
	// GIVEN: a computed January payroll
	f := newFixture(t, "")
	f.onboard(t, 10000, "2025-01-01")
	jan := f.compute(t, "2025-01")

	// WHEN: it is saved twice and February once
	first, err := payroll.Persist(f.ctx, f.store, jan)
	require.NoError(t, err)
	again, err := payroll.Persist(f.ctx, f.store, jan)
	require.NoError(t, err)
	feb, err := payroll.Persist(f.ctx, f.store, f.compute(t, "2025-02"))
	require.NoError(t, err)

	// THEN: one payroll twin holds one state per salary period
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.ID, feb.ID)
	states, err := f.store.QueryTwins(f.ctx, payroll.PayrollTwin, generic.Filters{"person_id": f.person}, "salary_period", 0)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "2025-01", states[0].TimeKey)
	assert.Equal(t, "2025-02", states[0].Data.String("deduction_period"))
	gross, ok := states[0].Data.Decimal("gross_pay")
	require.True(t, ok)
	assert.Equal(t, "10000", gross.String())
	assert.False(t, states[0].Data.Has("assessment_grade"), "undeclared metrics are not stored")
}
