/*
Package formula evaluates the restricted arithmetic language used by payroll
metrics and user-editable step formulas.

GRAMMAR:
  expr    := term (("+" | "-") term)*
  term    := unary (("*" | "/") unary)*
  unary   := "-" unary | primary
  primary := number | name | call | "(" expr ")"
  call    := ident "(" expr ("," expr)* ")"
  ident   := letter (letter | digit | "_")*

  A quoted string is legal only as the argument of grade_coef.
  Expressions are capped at MaxExpressionLength bytes and MaxDepth levels
  of nesting.

ALLOWED FUNCTIONS:
  max(x, ...)     at least one argument
  min(x, ...)     at least one argument
  abs(x)
  round(x[, n])   n decimal places in [0, 10], default 0
  grade_coef(g)   assessment grade -> configured coefficient

  Attribute access, subscripts, comparisons and any other call are parse
  errors. Formulas come from editable configuration, so the allow-list is
  the whole defense.

SEMANTICS:
  - Arithmetic is decimal, never float
  - Division by zero yields 0
  - Unknown identifiers resolve to 0

SEE ALSO:
  - parser.go: lexer and recursive-descent parser
  - eval.go:   Evaluator (AST cache, evaluation)
  - render.go: ToReadable and WithValues
*/
package formula

import "github.com/shopspring/decimal"

// Node is a parse-tree node.
type Node interface {
	node()
}

// Number is a numeric literal. Text keeps the source spelling for rendering.
type Number struct {
	Value decimal.Decimal
	Text  string
}

// Str is a quoted string literal.
type Str struct {
	Value string
}

// Ident is a variable reference.
type Ident struct {
	Name string
}

// Unary is a negation.
type Unary struct {
	X Node
}

// Binary is an arithmetic operation; Op is one of + - * /.
type Binary struct {
	Op   byte
	L, R Node
}

// Paren keeps explicit grouping so renderers reproduce the source shape.
type Paren struct {
	X Node
}

// Call is an allow-listed function call.
type Call struct {
	Func string
	Args []Node
}

func (Number) node() {}
func (Str) node()    {}
func (Ident) node()  {}
func (Unary) node()  {}
func (Binary) node() {}
func (Paren) node()  {}
func (Call) node()   {}

// Expr is a parsed expression.
type Expr struct {
	Source string
	Root   Node
	idents []string
}

// Identifiers returns the distinct variable names in first-use order.
func (e *Expr) Identifiers() []string {
	out := make([]string, len(e.idents))
	copy(out, e.idents)
	return out
}

func (e *Expr) String() string { return render(e.Root, plainStyle) }
