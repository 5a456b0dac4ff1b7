package formula

import (
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// RENDERERS - Walk the tree, never evaluate
// =============================================================================

type style struct {
	ops   map[byte]string
	neg   string
	ident func(name string) string
}

var plainStyle = style{
	ops:   map[byte]string{'+': "+", '-': "-", '*': "*", '/': "/"},
	neg:   "-",
	ident: func(name string) string { return name },
}

var readableOps = map[byte]string{'+': "+", '-': "−", '*': "×", '/': "÷"}

// ToReadable renders src with variable names replaced by labels and the
// operators × ÷ − +. Names without a label are kept.
func (e *Evaluator) ToReadable(src string, labels map[string]string) (string, error) {
	expr, err := e.Parse(src)
	if err != nil {
		return "", err
	}
	return render(expr.Root, style{
		ops: readableOps,
		neg: "−",
		ident: func(name string) string {
			if l, ok := labels[name]; ok && l != "" {
				return l
			}
			return name
		},
	}), nil
}

// WithValues renders src with every variable replaced by its value. Missing
// variables render as 0, grade strings render quoted.
func (e *Evaluator) WithValues(src string, vars map[string]any) (string, error) {
	expr, err := e.Parse(src)
	if err != nil {
		return "", err
	}
	return render(expr.Root, style{
		ops: plainStyle.ops,
		neg: "-",
		ident: func(name string) string {
			v, ok := vars[name]
			if !ok || v == nil {
				return "0"
			}
			if d, ok := generic.ToDecimal(v); ok {
				return formatValue(d)
			}
			return strconv.Quote(generic.Payload(vars).String(name))
		},
	}), nil
}

func formatValue(d decimal.Decimal) string {
	if d.IsNegative() {
		return "(" + d.String() + ")"
	}
	return d.String()
}

func render(n Node, st style) string {
	switch t := n.(type) {
	case Number:
		return t.Text
	case Str:
		return strconv.Quote(t.Value)
	case Ident:
		return st.ident(t.Name)
	case Paren:
		return "(" + render(t.X, st) + ")"
	case Unary:
		return st.neg + render(t.X, st)
	case Binary:
		return render(t.L, st) + " " + st.ops[t.Op] + " " + render(t.R, st)
	case Call:
		args := make([]string, len(t.Args))
		for i, a := range t.Args {
			args[i] = render(a, st)
		}
		return t.Func + "(" + strings.Join(args, ", ") + ")"
	}
	return ""
}
