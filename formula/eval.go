package formula

import (
	"fmt"
	"strings"

	"github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// DefaultGradeCoefficient applies to grades missing from the table.
var DefaultGradeCoefficient = decimal.NewFromInt(1)

// DefaultGrades is the grade table used when none is configured.
var DefaultGrades = map[string]decimal.Decimal{
	"S": decimal.RequireFromString("1.5"),
	"A": decimal.RequireFromString("1.2"),
	"B": decimal.NewFromInt(1),
	"C": decimal.RequireFromString("0.8"),
	"D": decimal.RequireFromString("0.5"),
}

// Evaluator parses, caches and evaluates expressions. The AST cache and
// the grade table are read-only after construction, so an Evaluator is
// safe for concurrent use.
type Evaluator struct {
	asts   *cache.Cache
	grades map[string]decimal.Decimal
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithGrades sets the grade_coef table.
func WithGrades(grades map[string]decimal.Decimal) Option {
	return func(e *Evaluator) {
		e.grades = make(map[string]decimal.Decimal, len(grades))
		for k, v := range grades {
			e.grades[k] = v
		}
	}
}

// NewEvaluator returns an evaluator with an unbounded, non-expiring AST cache.
func NewEvaluator(opts ...Option) *Evaluator {
	e := &Evaluator{
		asts:   cache.New(cache.NoExpiration, 0),
		grades: DefaultGrades,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

var defaultEvaluator = NewEvaluator()

// Eval evaluates src with the default grade table.
func Eval(src string, vars map[string]any) (decimal.Decimal, error) {
	return defaultEvaluator.Eval(src, vars)
}

// Parse returns the cached AST for src.
func (e *Evaluator) Parse(src string) (*Expr, error) {
	key := strings.TrimSpace(src)
	if v, ok := e.asts.Get(key); ok {
		return v.(*Expr), nil
	}
	expr, err := Parse(key)
	if err != nil {
		return nil, err
	}
	e.asts.SetDefault(key, expr)
	return expr, nil
}

// Eval parses (or reuses) src and evaluates it against vars. Variables may
// be numbers (decimal, float, int, numeric text) or grade strings.
func (e *Evaluator) Eval(src string, vars map[string]any) (decimal.Decimal, error) {
	expr, err := e.Parse(src)
	if err != nil {
		return decimal.Zero, err
	}
	return e.EvalExpr(expr, vars)
}

// EvalExpr evaluates a parsed expression.
func (e *Evaluator) EvalExpr(expr *Expr, vars map[string]any) (decimal.Decimal, error) {
	return e.eval(expr.Root, vars)
}

// GradeCoefficient resolves a grade to its coefficient.
func (e *Evaluator) GradeCoefficient(grade string) decimal.Decimal {
	if c, ok := e.grades[strings.TrimSpace(grade)]; ok {
		return c
	}
	return DefaultGradeCoefficient
}

// CachedExpressions reports the number of cached ASTs.
func (e *Evaluator) CachedExpressions() int { return e.asts.ItemCount() }

func (e *Evaluator) eval(n Node, vars map[string]any) (decimal.Decimal, error) {
	switch t := n.(type) {
	case Number:
		return t.Value, nil
	case Ident:
		d, _ := generic.ToDecimal(vars[t.Name])
		return d, nil
	case Paren:
		return e.eval(t.X, vars)
	case Unary:
		x, err := e.eval(t.X, vars)
		return x.Neg(), err
	case Binary:
		l, err := e.eval(t.L, vars)
		if err != nil {
			return decimal.Zero, err
		}
		r, err := e.eval(t.R, vars)
		if err != nil {
			return decimal.Zero, err
		}
		switch t.Op {
		case '+':
			return l.Add(r), nil
		case '-':
			return l.Sub(r), nil
		case '*':
			return l.Mul(r), nil
		case '/':
			if r.IsZero() {
				return decimal.Zero, nil
			}
			return l.Div(r), nil
		}
		return decimal.Zero, fmt.Errorf("%w: unknown operator %q", generic.ErrFormula, t.Op)
	case Call:
		return e.call(t, vars)
	case Str:
		return decimal.Zero, fmt.Errorf("%w: string %q used as a number", generic.ErrFormula, t.Value)
	}
	return decimal.Zero, fmt.Errorf("%w: unknown node %T", generic.ErrFormula, n)
}

func (e *Evaluator) call(c Call, vars map[string]any) (decimal.Decimal, error) {
	if c.Func == "grade_coef" {
		return e.GradeCoefficient(textArg(c.Args[0], vars)), nil
	}

	args := make([]decimal.Decimal, len(c.Args))
	for i, a := range c.Args {
		v, err := e.eval(a, vars)
		if err != nil {
			return decimal.Zero, err
		}
		args[i] = v
	}
	switch c.Func {
	case "max":
		return decimal.Max(args[0], args[1:]...), nil
	case "min":
		return decimal.Min(args[0], args[1:]...), nil
	case "abs":
		return args[0].Abs(), nil
	case "round":
		places := int64(0)
		if len(args) == 2 {
			if !args[1].IsInteger() || args[1].IsNegative() || args[1].GreaterThan(decimal.NewFromInt(MaxRoundPlaces)) {
				return decimal.Zero, fmt.Errorf("%w: round places must be an integer in [0, %d], got %s",
					generic.ErrFormula, MaxRoundPlaces, args[1])
			}
			places = args[1].IntPart()
		}
		return args[0].Round(int32(places)), nil
	}
	return decimal.Zero, fmt.Errorf("%w: function %q is not allowed", generic.ErrFormula, c.Func)
}

// textArg resolves the grade_coef argument to a grade string.
func textArg(n Node, vars map[string]any) string {
	switch t := n.(type) {
	case Str:
		return t.Value
	case Ident:
		return generic.Payload(vars).String(t.Name)
	case Paren:
		return textArg(t.X, vars)
	}
	return ""
}
