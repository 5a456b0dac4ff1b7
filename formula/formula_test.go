package formula_test

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/generic"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func assertDec(t *testing.T, want string, got decimal.Decimal) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "want %s, got %s", want, got)
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func TestEval_Precedence(t *testing.T) {
	got, err := formula.Eval("1 + 2 * 3 - 4 / 2", nil)
	require.NoError(t, err)
	assertDec(t, "5", got)

	got, err = formula.Eval("(1 + 2) * 3", nil)
	require.NoError(t, err)
	assertDec(t, "9", got)
}

func TestEval_UnaryMinus(t *testing.T) {
	got, err := formula.Eval("-x + 10", map[string]any{"x": 3})
	require.NoError(t, err)
	assertDec(t, "7", got)

	got, err = formula.Eval("abs(-2.5)", nil)
	require.NoError(t, err)
	assertDec(t, "2.5", got)
}

func TestEval_DivisionByZeroIsZero(t *testing.T) {
	got, err := formula.Eval("actual_days / expected_days", map[string]any{"actual_days": 20, "expected_days": 0})
	require.NoError(t, err)
	assertDec(t, "0", got)

	got, err = formula.Eval("10 / (5 - 5) + 1", nil)
	require.NoError(t, err)
	assertDec(t, "1", got)
}

func TestEval_UnknownIdentifierIsZero(t *testing.T) {
	got, err := formula.Eval("salary + bonus", map[string]any{"salary": 100.5})
	require.NoError(t, err)
	assertDec(t, "100.5", got)
}

func TestEval_VariablesOfEveryNumericType(t *testing.T) {
	vars := map[string]any{
		"a": dec("1.25"),
		"b": 2.0,
		"c": int64(3),
		"d": "4",
	}
	got, err := formula.Eval("a + b + c + d", vars)
	require.NoError(t, err)
	assertDec(t, "10.25", got)
}

func TestEval_Functions(t *testing.T) {
	cases := []struct {
		expr string
		want string
	}{
		{"max(1, 5, 3)", "5"},
		{"min(4, 2, 8)", "2"},
		{"max(7)", "7"},
		{"abs(3 - 10)", "7"},
		{"round(2.345, 2)", "2.35"},
		{"round(2.5)", "3"},
		{"round(-2.5)", "-3"},
		{"grade_coef(\"A\")", "1.2"},
		{"grade_coef('D')", "0.5"},
		{"grade_coef(\"Z\")", "1"},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := formula.Eval(tc.expr, nil)
			require.NoError(t, err)
			assertDec(t, tc.want, got)
		})
	}
}

func TestEval_GradeFromVariable(t *testing.T) {
	// GIVEN: a grade carried as a text variable
	vars := map[string]any{"assessment_grade": "S", "monthly_salary": 10000}

	// WHEN: the performance formula is evaluated
	got, err := formula.Eval("monthly_salary * 0.3 * grade_coef(assessment_grade)", vars)

	// THEN: the grade resolves to its coefficient
	require.NoError(t, err)
	assertDec(t, "4500", got)
}

func TestEval_GrossPayScenario(t *testing.T) {
	vars := map[string]any{"monthly_salary": 10000, "base_ratio": 0.7, "perf_ratio": 0.3}
	got, err := formula.Eval(`base_ratio * monthly_salary + perf_ratio * monthly_salary * grade_coef("B")`, vars)
	require.NoError(t, err)
	assertDec(t, "10000", got)
	assert.Equal(t, "10000.00", got.StringFixed(2))
}

func TestEval_ConfiguredGrades(t *testing.T) {
	ev := formula.NewEvaluator(formula.WithGrades(map[string]decimal.Decimal{"B": dec("0.9")}))
	got, err := ev.Eval(`grade_coef("B")`, nil)
	require.NoError(t, err)
	assertDec(t, "0.9", got)

	got, err = ev.Eval(`grade_coef("S")`, nil)
	require.NoError(t, err)
	assertDec(t, "1", got)
}

// =============================================================================
// ALLOW-LIST - Security boundary
// =============================================================================

func TestParse_RejectsEverythingOutsideTheGrammar(t *testing.T) {
	rejected := []string{
		"",
		"   ",
		"__import__('os')",
		"os.system(1)",
		"a.b",
		"x[0]",
		"a > b",
		"a == b",
		"a < 1",
		"!a",
		"a ** 2",
		"pow(2, 3)",
		"eval(1)",
		"sum(1, 2)",
		"grade_coef()",
		"abs(1, 2)",
		"round(1, 2, 3)",
		"max()",
		"(1 + 2",
		"1 + 2)",
		"1 +",
		"\"B\" + 1",
		"max(\"B\")",
		"grade_coef(\"B\"",
		"'unterminated",
		"a; b",
		"a = 1",
		"lambda: 1",
		"_private + 1",
		"max(_x, 1)",
	}
	for _, src := range rejected {
		t.Run(src, func(t *testing.T) {
			_, err := formula.Parse(src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrFormula))
		})
	}
}

func TestParse_AllowListIsExactlyTheDocumentedSet(t *testing.T) {
	names := formula.Allowed()
	sort.Strings(names)
	assert.Equal(t, []string{"abs", "grade_coef", "max", "min", "round"}, names)

	for _, name := range names {
		src := name + "(1)"
		if name == "grade_coef" {
			src = `grade_coef("A")`
		}
		_, err := formula.Parse(src)
		assert.NoError(t, err, name)
	}
}

func TestParse_Identifiers(t *testing.T) {
	expr, err := formula.Parse("max(a, b) + a * grade_coef(g) - 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "g"}, expr.Identifiers())
}

// =============================================================================
// LIMITS - Untrusted input must stay cheap
// =============================================================================

func TestEval_RoundPlacesAreBounded(t *testing.T) {
	got, err := formula.Eval("round(1.23456789, 10)", nil)
	require.NoError(t, err)
	assertDec(t, "1.23456789", got)

	for _, src := range []string{
		"round(1, 5000000000)",
		"round(1, 11)",
		"round(1, -1)",
		"round(1, 1.5)",
		"round(1, 0 - 2147483648)",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := formula.Eval(src, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, generic.ErrFormula))
		})
	}
}

func TestParse_NestingIsBounded(t *testing.T) {
	nested := func(n int) string {
		return strings.Repeat("(", n) + "1" + strings.Repeat(")", n)
	}

	_, err := formula.Parse(nested(formula.MaxDepth - 1))
	assert.NoError(t, err)

	_, err = formula.Parse(nested(formula.MaxDepth + 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrFormula))

	_, err = formula.Parse(strings.Repeat("-", 2*formula.MaxDepth) + "1")
	assert.True(t, errors.Is(err, generic.ErrFormula))

	_, err = formula.Parse(strings.Repeat("abs(", formula.MaxDepth+1) + "1" + strings.Repeat(")", formula.MaxDepth+1))
	assert.True(t, errors.Is(err, generic.ErrFormula))
}

func TestParse_LengthIsBounded(t *testing.T) {
	_, err := formula.Parse(nested4M())
	require.Error(t, err)
	assert.True(t, errors.Is(err, generic.ErrFormula))

	long := "1" + strings.Repeat(" + 1", formula.MaxExpressionLength/4)
	require.Greater(t, len(long), formula.MaxExpressionLength)
	_, err = formula.Parse(long)
	assert.True(t, errors.Is(err, generic.ErrFormula))

	flat := "1" + strings.Repeat("+1", 1000)
	got, err := formula.Eval(flat, nil)
	require.NoError(t, err, "long flat sums are not nesting")
	assertDec(t, "1001", got)
}

func nested4M() string {
	return strings.Repeat("(", 4_000_000) + "1" + strings.Repeat(")", 4_000_000)
}

// =============================================================================
// CACHE
// =============================================================================

func TestEvaluator_CachesASTPerExpression(t *testing.T) {
	ev := formula.NewEvaluator()
	for i := 0; i < 3; i++ {
		_, err := ev.Eval("a + b", map[string]any{"a": i})
		require.NoError(t, err)
	}
	_, err := ev.Eval("a * b", nil)
	require.NoError(t, err)
	_, err = ev.Eval("a >", nil)
	require.Error(t, err)

	assert.Equal(t, 2, ev.CachedExpressions())
}

// =============================================================================
// RENDERERS
// =============================================================================

func TestToReadable(t *testing.T) {
	ev := formula.NewEvaluator()
	labels := map[string]string{"monthly_salary": "月薪", "base_ratio": "基本比例", "attendance_rate": "出勤率"}

	got, err := ev.ToReadable("monthly_salary * base_ratio * (attendance_rate - 0.1) / 2 + bonus", labels)
	require.NoError(t, err)
	assert.Equal(t, "月薪 × 基本比例 × (出勤率 − 0.1) ÷ 2 + bonus", got)
}

func TestWithValues(t *testing.T) {
	ev := formula.NewEvaluator()
	got, err := ev.WithValues("round(a * b, 2) - grade_coef(g) + missing", map[string]any{
		"a": 10000, "b": dec("0.7"), "g": "B",
	})
	require.NoError(t, err)
	assert.Equal(t, `round(10000 * 0.7, 2) - grade_coef("B") + 0`, got)
}

func TestRender_RoundTripsThroughParse(t *testing.T) {
	sources := []string{
		"a + b * c",
		"(a + b) * c",
		"max(x - 3520, 0) * 0.03",
		"-a / (b - -c)",
		`grade_coef("A") * round(x, 2)`,
	}
	for _, src := range sources {
		first, err := formula.Parse(src)
		require.NoError(t, err)
		second, err := formula.Parse(first.String())
		require.NoError(t, err)
		assert.Equal(t, first.String(), second.String())
		assert.Equal(t, first.Root, second.Root)
	}
}
