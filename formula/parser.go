package formula

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/generic"
)

// =============================================================================
// ALLOW-LIST
// =============================================================================

type arity struct {
	min, max int // max < 0 means variadic
}

var allowed = map[string]arity{
	"max":        {1, -1},
	"min":        {1, -1},
	"abs":        {1, 1},
	"round":      {1, 2},
	"grade_coef": {1, 1},
}

// Limits on untrusted input. Parsing recurses per nesting level, so depth
// is bounded before the goroutine stack is.
const (
	MaxExpressionLength = 4096
	MaxDepth            = 64
	MaxRoundPlaces      = 10
)

// Allowed returns the allow-listed function names.
func Allowed() []string {
	return []string{"abs", "grade_coef", "max", "min", "round"}
}

// =============================================================================
// LEXER
// =============================================================================

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokIdent
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	rs := []rune(src)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r >= '0' && r <= '9' || r == '.' && i+1 < len(rs) && rs[i+1] >= '0' && rs[i+1] <= '9':
			start := i
			dot := false
			for i < len(rs) && (rs[i] >= '0' && rs[i] <= '9' || rs[i] == '.' && !dot) {
				if rs[i] == '.' {
					dot = true
				}
				i++
			}
			toks = append(toks, token{tokNumber, string(rs[start:i]), start})
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			start := i
			for i < len(rs) && (rs[i] == '_' || rs[i] < unicode.MaxASCII && (unicode.IsLetter(rs[i]) || unicode.IsDigit(rs[i]))) {
				i++
			}
			toks = append(toks, token{tokIdent, string(rs[start:i]), start})
		case r == '"' || r == '\'':
			start := i
			i++
			for i < len(rs) && rs[i] != r {
				i++
			}
			if i >= len(rs) {
				return nil, fmt.Errorf("unterminated string at %d", start)
			}
			toks = append(toks, token{tokString, string(rs[start+1 : i]), start})
			i++
		case r == '+' || r == '-' || r == '*' || r == '/':
			toks = append(toks, token{tokOp, string(r), i})
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		default:
			return nil, fmt.Errorf("unexpected %q at %d", r, i)
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

// =============================================================================
// PARSER
// =============================================================================

type parser struct {
	toks   []token
	pos    int
	depth  int
	idents []string
	seen   map[string]bool
}

// Parse parses src without caching. Errors wrap generic.ErrFormula.
func Parse(src string) (*Expr, error) {
	if strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: empty expression", generic.ErrFormula)
	}
	if len(src) > MaxExpressionLength {
		return nil, fmt.Errorf("%w: expression longer than %d bytes", generic.ErrFormula, MaxExpressionLength)
	}
	toks, err := lex(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", generic.ErrFormula, err)
	}
	p := &parser{toks: toks, seen: make(map[string]bool)}
	root, err := p.expr()
	if err == nil && p.peek().kind != tokEOF {
		err = fmt.Errorf("unexpected %q at %d", p.peek().text, p.peek().pos)
	}
	if err == nil {
		err = checkStrings(root, false)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", generic.ErrFormula, src, err)
	}
	return &Expr{Source: src, Root: root, idents: p.idents}, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expr() (Node, error) {
	left, err := p.term()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "+" || t.text == "-"); t = p.peek() {
		p.next()
		right, err := p.term()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: t.text[0], L: left, R: right}
	}
	return left, nil
}

func (p *parser) term() (Node, error) {
	left, err := p.unary()
	if err != nil {
		return nil, err
	}
	for t := p.peek(); t.kind == tokOp && (t.text == "*" || t.text == "/"); t = p.peek() {
		p.next()
		right, err := p.unary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: t.text[0], L: left, R: right}
	}
	return left, nil
}

func (p *parser) unary() (Node, error) {
	p.depth++
	defer func() { p.depth-- }()
	if p.depth > MaxDepth {
		return nil, fmt.Errorf("nesting deeper than %d at %d", MaxDepth, p.peek().pos)
	}
	if t := p.peek(); t.kind == tokOp && t.text == "-" {
		p.next()
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return Unary{X: x}, nil
	}
	return p.primary()
}

func (p *parser) primary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		v, err := decimal.NewFromString(t.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return Number{Value: v, Text: t.text}, nil
	case tokString:
		return Str{Value: t.text}, nil
	case tokLParen:
		x, err := p.expr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')' for '(' at %d", t.pos)
		}
		return Paren{X: x}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.call(t)
		}
		if !p.seen[t.text] {
			p.seen[t.text] = true
			p.idents = append(p.idents, t.text)
		}
		return Ident{Name: t.text}, nil
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at %d", t.text, t.pos)
	}
}

func (p *parser) call(name token) (Node, error) {
	ar, ok := allowed[name.text]
	if !ok {
		return nil, fmt.Errorf("function %q is not allowed", name.text)
	}
	p.next() // (
	var args []Node
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.expr()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if p.next().kind != tokRParen {
		return nil, fmt.Errorf("missing ')' in call to %s", name.text)
	}
	if len(args) < ar.min || ar.max >= 0 && len(args) > ar.max {
		return nil, fmt.Errorf("%s: wrong number of arguments (%d)", name.text, len(args))
	}
	return Call{Func: name.text, Args: args}, nil
}

// checkStrings rejects string literals outside the grade_coef argument.
func checkStrings(n Node, gradeArg bool) error {
	switch t := n.(type) {
	case Str:
		if !gradeArg {
			return fmt.Errorf("string %q is only allowed as the grade_coef argument", t.Value)
		}
	case Unary:
		return checkStrings(t.X, false)
	case Binary:
		if err := checkStrings(t.L, false); err != nil {
			return err
		}
		return checkStrings(t.R, false)
	case Paren:
		return checkStrings(t.X, false)
	case Call:
		for _, a := range t.Args {
			if err := checkStrings(a, t.Func == "grade_coef"); err != nil {
				return err
			}
		}
	}
	return nil
}
