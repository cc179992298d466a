// Package combine parses combine expressions and shapes aggregated rows into
// responses. SQL for the aggregation itself is emitted by the planner; this
// package owns the grammar, the post-aggregation pass and the output layout.
package combine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"dynrest/internal/apierr"
)

const (
	identifierPattern = `[a-z][ A-Za-z0-9_.]*`
	literalPattern    = `(?:[0-9][0-9.]*|[-][0-9][0-9.]*)`
	basicPattern      = `(?:` + identifierPattern + `|` + literalPattern + `)`
)

var (
	functionExpression = regexp.MustCompile(`(?i)^\s*(` + basicPattern + `)\s*\(\s*(` + basicPattern + `)\s*\)(?: as \s*(` + basicPattern + `)\s*)?`)
	identifierPrefix   = regexp.MustCompile(`^` + identifierPattern)
	wordNumber         = regexp.MustCompile(`^([a-zA-Z]+)([0-9]+)$`)
	arithmeticSplit    = regexp.MustCompile(`[/*+-]`)
	asSplit            = regexp.MustCompile(`(?i) as `)
)

// Kind classifies an expression node.
type Kind int

const (
	// KindField is a bare identifier naming a field path.
	KindField Kind = iota
	KindLiteral
	KindCall
	// KindPost is a post-aggregation such as sum0(x), computed over result rows.
	KindPost
	KindArithmetic
)

// Expr is one parsed combine expression.
type Expr struct {
	Kind Kind
	Text string

	// Path is the identifier of a field node.
	Path    string
	Literal any

	// Func is the lowercased function name of a call or post-aggregation.
	Func string
	Arg  *Expr

	// Dimension and Ref describe a post-aggregation: Ref is a result key.
	Dimension int
	Ref       string

	Operands  []*Expr
	Operators []string

	// Float asks for a float cast; set on operands next to a division.
	Float bool
}

// Term is a keyed expression. Keys default to the expression text.
type Term struct {
	Key  string
	Expr *Expr
}

// Column is the result column alias for a term.
func (t *Term) Column() string { return "_" + t.Key }

// Query is a full combine request.
type Query struct {
	Terms []*Term
	By    []*Term
	Over  []*Term
	Flat  bool
	Debug bool
}

// Dimensions returns the by terms followed by the over terms.
func (q *Query) Dimensions() []*Term {
	out := make([]*Term, 0, len(q.By)+len(q.Over))
	out = append(out, q.By...)
	return append(out, q.Over...)
}

// Aggregates returns the terms computed in SQL.
func (q *Query) Aggregates() []*Term {
	var out []*Term
	for _, t := range q.Terms {
		if t.Expr.Kind != KindPost {
			out = append(out, t)
		}
	}
	return out
}

// Posts returns the post-aggregation terms.
func (q *Query) Posts() []*Term {
	var out []*Term
	for _, t := range q.Terms {
		if t.Expr.Kind == KindPost {
			out = append(out, t)
		}
	}
	return out
}

// Simple reports whether the query has no grouping dimensions.
func (q *Query) Simple() bool { return len(q.By) == 0 && len(q.Over) == 0 }

// Calls visits every call node, including those inside arithmetic.
func (q *Query) Calls(fn func(*Expr)) {
	var walk func(*Expr)
	walk = func(e *Expr) {
		if e == nil {
			return
		}
		if e.Kind == KindCall {
			fn(e)
		}
		for _, op := range e.Operands {
			walk(op)
		}
	}
	for _, t := range append(q.Terms, q.Dimensions()...) {
		walk(t.Expr)
	}
}

// Request carries the raw combine parameters.
type Request struct {
	Expressions []string
	By          []string
	Over        []string
	Format      []string
	Debug       bool
}

// Parse validates a combine request.
func Parse(req Request) (*Query, error) {
	terms, err := parseList(req.Expressions)
	if err != nil {
		return nil, err
	}
	q := &Query{Terms: terms, Debug: req.Debug}
	for _, f := range req.Format {
		if strings.EqualFold(strings.TrimSpace(f), "flat") {
			q.Flat = true
		}
	}
	if len(req.By) > 0 {
		if q.By, err = parseDimensions("by", req.By); err != nil {
			return nil, err
		}
	}
	if len(req.Over) > 0 {
		if q.Over, err = parseDimensions("over", req.Over); err != nil {
			return nil, err
		}
	}
	return q, nil
}

func parseDimensions(kind string, values []string) ([]*Term, error) {
	terms, err := parseList(values)
	if err != nil {
		return nil, err
	}
	for _, t := range terms {
		if t.Expr.Kind == KindPost || (t.Expr.Kind == KindLiteral && t.Expr.Literal == nil) {
			return nil, invalid("Expression invalid for %q: %s", kind, t.Expr.Text)
		}
	}
	return terms, nil
}

func parseList(values []string) ([]*Term, error) {
	var parts []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if strings.Contains(v, ",") {
			for _, p := range strings.Split(v, ",") {
				parts = append(parts, strings.TrimSpace(p))
			}
			continue
		}
		parts = append(parts, v)
	}
	if len(parts) == 0 {
		return nil, invalid("No value provided for combine query parameter")
	}
	terms := make([]*Term, 0, len(parts))
	for _, p := range parts {
		t, err := parseTerm(p)
		if err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, nil
}

func parseTerm(text string) (*Term, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("No value provided for combine query parameter")
	}
	key := text
	expression := text
	if asSplit.MatchString(text) {
		parts := asSplit.Split(text, -1)
		if len(parts) != 2 {
			return nil, invalid("Invalid expression: '%s'", text)
		}
		expression = strings.TrimSpace(parts[0])
		key = strings.TrimSpace(parts[1])
	}
	e, err := parseExpr(expression, false)
	if err != nil {
		return nil, err
	}
	return &Term{Key: key, Expr: e}, nil
}

var arithmeticOperators = map[string]bool{"/": true, "*": true, "+": true, "-": true}

func parseExpr(text string, float bool) (*Expr, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, invalid("No value provided for combine query parameter")
	}
	if arithmeticSplit.MatchString(text) {
		return parseArithmetic(text)
	}

	if m := functionExpression.FindStringSubmatch(text); m != nil {
		name := strings.ToLower(strings.TrimSpace(m[1]))
		arg := strings.TrimSpace(m[2])
		e, err := parseCall(text, name, arg)
		if err != nil {
			return nil, err
		}
		e.Float = float
		return e, nil
	}

	e := operand(text)
	e.Float = float
	return e, nil
}

// operand parses a function argument or a bare term: an identifier names a
// field, anything else is a JSON literal or, failing that, a string.
func operand(text string) *Expr {
	if identifierPrefix.MatchString(text) {
		return &Expr{Kind: KindField, Text: text, Path: text}
	}
	return &Expr{Kind: KindLiteral, Text: text, Literal: literalize(text)}
}

func parseCall(text, name, arg string) (*Expr, error) {
	if _, ok := functions[name]; ok || name == "auto" {
		if name == "percent" {
			// percent has no SQL form; it is the whole-set post-aggregation.
			return &Expr{Kind: KindPost, Text: text, Func: name, Dimension: 0, Ref: arg}, nil
		}
		return &Expr{Kind: KindCall, Text: text, Func: name, Arg: operand(arg)}, nil
	}
	if m := wordNumber.FindStringSubmatch(name); m != nil {
		word := strings.ToLower(m[1])
		if fn, ok := functions[word]; ok {
			if !fn.postAggregate {
				return nil, invalid("Cannot post-aggregate using %s", name)
			}
			dim, err := strconv.Atoi(m[2])
			if err != nil {
				return nil, invalid("Unknown function: %q", name)
			}
			return &Expr{Kind: KindPost, Text: text, Func: word, Dimension: dim, Ref: arg}, nil
		}
	}
	return nil, invalid("Unknown function: %q", name)
}

func parseArithmetic(text string) (*Expr, error) {
	locs := arithmeticSplit.FindAllStringIndex(text, -1)
	var splits []string
	prev := 0
	for _, loc := range locs {
		splits = append(splits, text[prev:loc[0]], text[loc[0]:loc[1]])
		prev = loc[1]
	}
	splits = append(splits, text[prev:])
	if len(splits) < 3 {
		return nil, invalid("Arithmetic exception: invalid expression: '%s'", text)
	}

	e := &Expr{Kind: KindArithmetic, Text: text}
	for i, raw := range splits {
		part := strings.TrimSpace(raw)
		if i%2 == 1 {
			if !arithmeticOperators[part] {
				return nil, invalid("Arithmetic exception: Expecting an operator at position %d, saw: '%s'", i, part)
			}
			e.Operators = append(e.Operators, part)
			continue
		}
		if arithmeticOperators[part] {
			return nil, invalid("Arithmetic exception: expecting a variable at position %d, saw: '%s'", i, part)
		}
		float := (i < len(splits)-1 && strings.TrimSpace(splits[i+1]) == "/") ||
			(i > 0 && strings.TrimSpace(splits[i-1]) == "/")
		if part == "" {
			return nil, invalid("Arithmetic exception: invalid expression: '%s'", text)
		}
		var (
			op  *Expr
			err error
		)
		if m := functionExpression.FindStringSubmatch(part); m != nil {
			op, err = parseCall(part, strings.ToLower(strings.TrimSpace(m[1])), strings.TrimSpace(m[2]))
		} else {
			op = operand(part)
		}
		if err != nil {
			return nil, err
		}
		if op.Kind == KindPost {
			return nil, invalid("Arithmetic exception: cannot combine post-aggregate '%s'", part)
		}
		op.Float = float
		e.Operands = append(e.Operands, op)
	}
	return e, nil
}

// literalize decodes JSON scalars, keeping integers integral. Text that is
// not JSON stays a string.
func literalize(text string) any {
	dec := json.NewDecoder(bytes.NewReader([]byte(text)))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return text
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

func invalid(format string, args ...any) error {
	return &apierr.InvalidCombineError{Message: fmt.Sprintf(format, args...)}
}
