package filter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"dynrest/internal/apierr"
	"dynrest/internal/boolutil"
	"dynrest/internal/permission"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
)

// Options tune compilation.
type Options struct {
	// CaseSensitiveOperators keeps contains, startswith and endswith case
	// sensitive. When false they compile to their i-variants.
	CaseSensitiveOperators bool
}

// Compiler turns filter entries into Trees. It holds no per-request state.
type Compiler struct {
	resolver *resolve.Resolver
	opts     Options
}

// NewCompiler returns a compiler resolving paths with r.
func NewCompiler(r *resolve.Resolver, opts Options) *Compiler {
	return &Compiler{resolver: r, opts: opts}
}

// Resolver returns the path resolver the compiler uses.
func (c *Compiler) Resolver() *resolve.Resolver { return c.resolver }

// Compile builds a tree from request filter entries keyed by the text inside
// filter{...}. Entries are processed in sorted key order so annotation
// numbering is stable for a given request.
func (c *Compiler) Compile(entity *schema.Entity, params map[string][]string, session *Session) (*Tree, error) {
	entries := make(map[string][]any, len(params))
	for key, values := range params {
		list := make([]any, len(values))
		for i, v := range values {
			list[i] = v
		}
		entries[key] = list
	}
	return c.compile(entity, entries, session)
}

// CompileSpec builds a tree from a bound permission filter. Scalar values are
// treated as a single value; slices keep every element.
func (c *Compiler) CompileSpec(entity *schema.Entity, spec permission.Filter, session *Session) (*Tree, error) {
	entries := make(map[string][]any, len(spec))
	for key, value := range spec {
		switch v := value.(type) {
		case []any:
			entries[key] = v
		case []string:
			list := make([]any, len(v))
			for i, s := range v {
				list[i] = s
			}
			entries[key] = list
		default:
			entries[key] = []any{v}
		}
	}
	return c.compile(entity, entries, session)
}

func (c *Compiler) compile(entity *schema.Entity, entries map[string][]any, session *Session) (*Tree, error) {
	if session == nil {
		session = NewSession()
	}
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	tree := NewTree()
	for _, key := range keys {
		if err := c.add(tree, entity, key, entries[key], session); err != nil {
			return nil, err
		}
	}
	return tree, nil
}

// parsed is the syntactic breakdown of one filter key.
type parsed struct {
	exclude   bool
	relation  string
	terms     []string
	count     bool
	reference bool
	operator  Operator
}

func parseKey(key string) (parsed, error) {
	var p parsed
	rest := key
	if strings.HasPrefix(rest, "-") {
		p.exclude = true
		rest = rest[1:]
	}
	if strings.Contains(rest, "|") {
		parts := strings.Split(rest, "|")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return p, &apierr.MalformedFilterKeyError{Key: key}
		}
		p.relation, rest = parts[0], parts[1]
	}
	if rest == "" {
		return p, &apierr.MalformedFilterKeyError{Key: key}
	}

	terms := strings.Split(rest, ".")
	if strings.HasSuffix(terms[len(terms)-1], "*") {
		p.reference = true
		terms[len(terms)-1] = strings.TrimSuffix(terms[len(terms)-1], "*")
	}
	switch {
	case len(terms) > 2 && terms[len(terms)-2] == countSegment:
		p.count = true
		terms = append(terms[:len(terms)-2:len(terms)-2], terms[len(terms)-1])
	case len(terms) > 1 && terms[len(terms)-1] == countSegment:
		p.count = true
		terms = terms[:len(terms)-1]
	}
	if len(terms) > 1 {
		if op, ok := ParseOperator(terms[len(terms)-1]); ok {
			p.operator = op
			terms = terms[:len(terms)-1]
		}
	}
	for _, t := range terms {
		if t == "" || t == countSegment {
			return p, &apierr.MalformedFilterKeyError{Key: key}
		}
	}
	p.terms = terms
	return p, nil
}

func (c *Compiler) add(tree *Tree, root *schema.Entity, key string, values []any, session *Session) error {
	p, err := parseKey(key)
	if err != nil {
		return err
	}
	if len(values) == 0 {
		return &apierr.MalformedFilterKeyError{Key: key, Reason: "no value"}
	}

	entity := root
	target := tree
	if p.relation != "" {
		rel, err := c.resolver.ResolveQueryable(root, p.relation)
		if err != nil {
			return err
		}
		if !rel.Leaf().Kind.IsRelation() {
			return &apierr.NotTraversableError{Entity: root.Name, Segment: rel.Leaf().Name, Path: p.relation}
		}
		next, ok := root.Schema().Entity(rel.Leaf().Target)
		if !ok {
			return fmt.Errorf("relation %s targets unknown entity %q", p.relation, rel.Leaf().Target)
		}
		entity = next
		target = tree.subtree(rel.Physical())
	}

	path := strings.Join(p.terms, ".")
	res, err := c.resolver.ResolveQueryable(entity, path)
	if err != nil {
		return err
	}
	if p.count && !res.Leaf().Kind.IsRelation() && len(res.Relations()) == 0 {
		return &apierr.MalformedFilterKeyError{Key: key, Reason: "$count needs a relation"}
	}

	cond := Condition{Param: key, Path: res, Steps: res.Steps, Operator: p.operator}
	if !c.opts.CaseSensitiveOperators {
		cond.Operator = cond.Operator.CaseInsensitive()
	}

	if p.reference {
		ref, err := c.resolver.ResolveQueryable(entity, fmt.Sprint(values[0]))
		if err != nil {
			return err
		}
		cond.Reference = ref
	} else {
		value, op, err := normalizeValue(key, cond.Operator, values)
		if err != nil {
			return err
		}
		cond.Operator = op
		cond.Value = value
	}

	// Only the first scoped relation on the path is redirected.
	for i, step := range res.Steps {
		if !step.Field.Kind.IsRelation() || len(step.Field.Scope) == 0 {
			continue
		}
		name := session.Next("f")
		target.Annotations[name] = Annotation{
			Name:  name,
			Kind:  AnnotateScoped,
			Steps: res.Steps[:i+1],
			Scope: step.Field.Scope,
		}
		cond.Annotation = name
		cond.Steps = res.Steps[i+1:]
		break
	}

	if p.count {
		name := session.Next("c")
		target.Annotations[name] = Annotation{
			Name:  name,
			Kind:  AnnotateCount,
			Steps: cond.Steps,
			Of:    cond.Annotation,
		}
		cond.Annotation = name
		cond.Steps = nil
		cond.Value = coerceCount(cond.Value)
	} else if cond.Reference == nil {
		cond.Value = coerceCondition(entity.Schema(), res, cond.Operator, cond.Value)
	}

	cond.Key = compiledKey(cond)
	if p.exclude {
		target.Exclude[cond.Key] = cond
	} else {
		target.Include[cond.Key] = cond
	}
	return nil
}

// normalizeValue applies the per-operator value rules and may rewrite the
// operator: a range with an empty bound degrades to gte or lte.
func normalizeValue(key string, op Operator, values []any) (any, Operator, error) {
	switch op {
	case OpRange:
		if len(values) < 2 {
			return nil, op, &apierr.MalformedFilterKeyError{Key: key, Reason: "range needs two values"}
		}
		low, high := values[0], values[1]
		switch {
		case isEmpty(low) && isEmpty(high):
			return nil, op, &apierr.MalformedFilterKeyError{Key: key, Reason: "range needs a bound"}
		case isEmpty(low):
			return high, OpLte, nil
		case isEmpty(high):
			return low, OpGte, nil
		}
		return []any{low, high}, op, nil
	case OpIn, OpAny, OpAll:
		return values, op, nil
	case OpIsNull:
		return boolutil.Truthy(values[0]), op, nil
	default:
		return values[0], op, nil
	}
}

func isEmpty(v any) bool {
	s, ok := v.(string)
	return v == nil || (ok && s == "")
}

func compiledKey(c Condition) string {
	var parts []string
	if c.Annotation != "" {
		parts = append(parts, c.Annotation)
	}
	for _, step := range c.Steps {
		parts = append(parts, step.Field.Source)
	}
	if c.Operator != OpEq {
		parts = append(parts, string(c.Operator))
	}
	return strings.Join(parts, ".")
}

// coerceCondition converts string values to the type of the compared column.
// Booleans are only coerced for direct equality.
func coerceCondition(s *schema.Schema, res *resolve.Resolution, op Operator, value any) any {
	leaf := res.Leaf()
	typ := leaf.Type
	if leaf.Kind.IsRelation() {
		typ = schema.TypeInt
		if target, ok := s.Entity(leaf.Target); ok {
			if pk, ok := target.Field(target.PrimaryKey); ok && pk.Type != "" {
				typ = pk.Type
			}
		}
	}
	switch {
	case op.IsDatePart():
		return mapValues(value, func(v any) any { return coerceScalar(schema.TypeInt, v) })
	case op == OpIsNull:
		return value
	case op == OpRegex, op == OpContains, op == OpIContains, op == OpStartsWith,
		op == OpIStartsWith, op == OpEndsWith, op == OpIEndsWith:
		return value
	case typ == schema.TypeBool:
		if op != OpEq {
			return value
		}
		return boolutil.Truthy(value)
	default:
		return mapValues(value, func(v any) any { return coerceScalar(typ, v) })
	}
}

func coerceCount(value any) any {
	return mapValues(value, func(v any) any { return coerceScalar(schema.TypeInt, v) })
}

func mapValues(value any, fn func(any) any) any {
	list, ok := value.([]any)
	if !ok {
		return fn(value)
	}
	out := make([]any, len(list))
	for i, v := range list {
		out[i] = fn(v)
	}
	return out
}

// coerceScalar parses numeric strings. Values that do not parse are passed
// through; the store reports them.
func coerceScalar(typ schema.FieldType, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch typ {
	case schema.TypeInt:
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n
		}
	case schema.TypeFloat:
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f
		}
	}
	return v
}
