/*
expr.go - Closed-grammar evaluator for NODE_ARITHMETIC (Math) rules

PURPOSE:
  Parses and evaluates Math-rule expressions against a frozen calculation
  context. The grammar is deliberately tiny:

    expr    := term (('+' | '-') term)*
    term    := factor (('*' | '/') factor)*
    factor  := NUMBER | IDENT | '(' expr ')' | '-' factor
    IDENT   := [A-Za-z_][A-Za-z0-9_]*
    NUMBER  := decimal literal

  No function calls, no attribute access, no host-language evaluation. The
  expression is parsed once into an AST and evaluated per measure by
  substituting each identifier with that node's value for the measure.

CONTEXT SEMANTICS:
  An identifier resolves to the node's current adjusted value, falling back
  to natural, falling back to zero. Unknown identifiers evaluate to zero and
  are reported as warnings, never as errors. Division by zero is fatal.

SEE ALSO:
  - deps.go: Topological ordering of Math rules before evaluation
  - engine.go: Stage 1b executes rules in that order
*/
package overlay

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// =============================================================================
// AST
// =============================================================================

type exprNode interface {
	eval(ctx *EvalContext) (decimal.Decimal, error)
	idents(set map[string]bool)
}

type literalNode struct{ value decimal.Decimal }

type identNode struct{ name string }

type binaryNode struct {
	op          byte // '+', '-', '*', '/'
	left, right exprNode
}

type negNode struct{ operand exprNode }

// ParsedExpr is a compiled Math-rule expression.
type ParsedExpr struct {
	Source string
	root   exprNode
}

// EvalContext maps node-id symbols to values for one measure. Warnings
// accumulate unknown identifiers encountered during evaluation.
type EvalContext struct {
	Values   map[string]decimal.Decimal
	Warnings []string
}

func (c *EvalContext) lookup(name string) decimal.Decimal {
	if v, ok := c.Values[name]; ok {
		return v
	}
	c.Warnings = append(c.Warnings, fmt.Sprintf("identifier %q not in calculation context, treated as zero", name))
	return decimal.Zero
}

func (n *literalNode) eval(*EvalContext) (decimal.Decimal, error) { return n.value, nil }
func (n *literalNode) idents(map[string]bool)                     {}

func (n *identNode) eval(ctx *EvalContext) (decimal.Decimal, error) { return ctx.lookup(n.name), nil }
func (n *identNode) idents(set map[string]bool)                     { set[n.name] = true }

func (n *negNode) eval(ctx *EvalContext) (decimal.Decimal, error) {
	v, err := n.operand.eval(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return v.Neg(), nil
}
func (n *negNode) idents(set map[string]bool) { n.operand.idents(set) }

func (n *binaryNode) eval(ctx *EvalContext) (decimal.Decimal, error) {
	l, err := n.left.eval(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	r, err := n.right.eval(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	switch n.op {
	case '+':
		return l.Add(r), nil
	case '-':
		return l.Sub(r), nil
	case '*':
		return l.Mul(r), nil
	case '/':
		if r.IsZero() {
			return decimal.Zero, ErrDivisionByZero
		}
		return l.Div(r), nil
	}
	return decimal.Zero, fmt.Errorf("unknown operator %q", n.op)
}

func (n *binaryNode) idents(set map[string]bool) {
	n.left.idents(set)
	n.right.idents(set)
}

// =============================================================================
// PARSER - recursive descent
// =============================================================================

type exprParser struct {
	src string
	pos int
}

// ParseExpr compiles a Math-rule expression into an AST.
func ParseExpr(src string) (*ParsedExpr, error) {
	p := &exprParser{src: src}
	root, err := p.parseExpr()
	if err != nil {
		return nil, &ValidationError{Field: "rule_expression", Reason: err.Error()}
	}
	p.skipSpace()
	if p.pos != len(p.src) {
		return nil, &ValidationError{Field: "rule_expression",
			Reason: fmt.Sprintf("unexpected %q at position %d", p.src[p.pos], p.pos)}
	}
	return &ParsedExpr{Source: src, root: root}, nil
}

// Identifiers returns every identifier used in the expression, for checking
// against declared dependencies.
func (e *ParsedExpr) Identifiers() []string {
	set := make(map[string]bool)
	e.root.idents(set)
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Eval evaluates the expression for one measure context.
func (e *ParsedExpr) Eval(ctx *EvalContext) (decimal.Decimal, error) {
	return e.root.eval(ctx)
}

func (p *exprParser) parseExpr() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if op, ok := p.peekOp("+-"); ok {
			p.pos++
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *exprParser) parseTerm() (exprNode, error) {
	left, err := p.parseFactor()
	if err != nil {
		return nil, err
	}
	for {
		p.skipSpace()
		if op, ok := p.peekOp("*/"); ok {
			p.pos++
			right, err := p.parseFactor()
			if err != nil {
				return nil, err
			}
			left = &binaryNode{op: op, left: left, right: right}
			continue
		}
		return left, nil
	}
}

func (p *exprParser) parseFactor() (exprNode, error) {
	p.skipSpace()
	if p.pos >= len(p.src) {
		return nil, fmt.Errorf("unexpected end of expression")
	}

	ch := p.src[p.pos]
	switch {
	case ch == '(':
		p.pos++
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		p.skipSpace()
		if p.pos >= len(p.src) || p.src[p.pos] != ')' {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil

	case ch == '-':
		p.pos++
		inner, err := p.parseFactor()
		if err != nil {
			return nil, err
		}
		return &negNode{operand: inner}, nil

	case ch >= '0' && ch <= '9' || ch == '.':
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		d, err := decimal.NewFromString(p.src[start:p.pos])
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.src[start:p.pos])
		}
		return &literalNode{value: d}, nil

	case isIdentStart(rune(ch)):
		start := p.pos
		for p.pos < len(p.src) && isIdentPart(rune(p.src[p.pos])) {
			p.pos++
		}
		return &identNode{name: p.src[start:p.pos]}, nil
	}

	return nil, fmt.Errorf("unexpected character %q at position %d", ch, p.pos)
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && (p.src[p.pos] == ' ' || p.src[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) peekOp(ops string) (byte, bool) {
	if p.pos < len(p.src) && strings.IndexByte(ops, p.src[p.pos]) >= 0 {
		return p.src[p.pos], true
	}
	return 0, false
}

func isIdentStart(r rune) bool {
	return unicode.IsLetter(r) || r == '_'
}

func isIdentPart(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
