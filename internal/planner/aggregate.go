package planner

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"dynrest/internal/apierr"
	"dynrest/internal/combine"
	"dynrest/internal/filter"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"
)

// AggregateColumn is one select expression of a combine query. ResultKey is
// the column alias rows are scanned under.
type AggregateColumn struct {
	SQLClause string
	Args      []any
	ResultKey string
}

// joinSet tracks the LEFT JOINs of an aggregate query, one per relation path.
type joinSet struct {
	state   *whereBuildState
	root    *schema.Entity
	alias   string
	aliases map[string]string
	clauses []string
}

func newJoinSet(state *whereBuildState, root *schema.Entity, alias string) *joinSet {
	return &joinSet{state: state, root: root, alias: alias, aliases: map[string]string{}}
}

// column joins every hop of a resolved path and returns the qualified column
// at its end.
func (j *joinSet) column(res *resolve.Resolution) (string, error) {
	hops, column := splitLeaf(nil, res.Steps)
	current := j.root
	currentAlias := j.alias
	var path []string
	for _, hop := range hops {
		f := hop.Field
		path = append(path, f.Source)
		key := strings.Join(path, ".")
		target, err := current.Target(f)
		if err != nil {
			return "", err
		}
		if existing, ok := j.aliases[key]; ok {
			current, currentAlias = target, existing
			continue
		}
		targetAlias := j.state.nextAlias(target.Table)
		switch {
		case f.Kind == schema.KindRelSingle:
			remote := f.RemoteColumn
			if remote == "" {
				remote = target.PrimaryKey
			}
			j.clauses = append(j.clauses, fmt.Sprintf("%s ON %s = %s", quotedFrom(target.Table, targetAlias),
				qualifiedColumn(targetAlias, remote), qualifiedColumn(currentAlias, f.Column)))
		case f.Kind == schema.KindRelMany && f.Through != nil:
			junctionAlias := j.state.nextAlias(f.Through.Table)
			j.clauses = append(j.clauses,
				fmt.Sprintf("%s ON %s = %s", quotedFrom(f.Through.Table, junctionAlias),
					qualifiedColumn(junctionAlias, f.Through.LocalColumn), qualifiedColumn(currentAlias, current.PrimaryKey)),
				fmt.Sprintf("%s ON %s = %s", quotedFrom(target.Table, targetAlias),
					qualifiedColumn(targetAlias, target.PrimaryKey), qualifiedColumn(junctionAlias, f.Through.RemoteColumn)))
		case f.Kind == schema.KindRelMany:
			j.clauses = append(j.clauses, fmt.Sprintf("%s ON %s = %s", quotedFrom(target.Table, targetAlias),
				qualifiedColumn(targetAlias, f.Column), qualifiedColumn(currentAlias, current.PrimaryKey)))
		default:
			return "", fmt.Errorf("field %s.%s is not a relation", current.Name, f.Name)
		}
		j.aliases[key] = targetAlias
		current, currentAlias = target, targetAlias
	}
	if column == "" {
		column = current.PrimaryKey
	}
	return qualifiedColumn(currentAlias, column), nil
}

type aggregateRenderer struct {
	planner *Planner
	entity  *schema.Entity
	joins   *joinSet
}

// expr renders a combine expression and its bind arguments.
func (r *aggregateRenderer) expr(e *combine.Expr) (string, []any, error) {
	sql, args, err := r.bare(e)
	if err != nil {
		return "", nil, err
	}
	if e.Float {
		sql = r.planner.dialect.CastFloat(sql)
	}
	return sql, args, nil
}

func (r *aggregateRenderer) bare(e *combine.Expr) (string, []any, error) {
	switch e.Kind {
	case combine.KindLiteral:
		return "?", []any{e.Literal}, nil
	case combine.KindField:
		return r.field(e.Path)
	case combine.KindCall:
		return r.call(e)
	case combine.KindArithmetic:
		// Strictly left to right: ((a op b) op c).
		sql, args, err := r.expr(e.Operands[0])
		if err != nil {
			return "", nil, err
		}
		for i, op := range e.Operators {
			rhs, rhsArgs, err := r.expr(e.Operands[i+1])
			if err != nil {
				return "", nil, err
			}
			sql = fmt.Sprintf("(%s %s %s)", sql, op, rhs)
			args = append(args, rhsArgs...)
		}
		return sql, args, nil
	default:
		return "", nil, &apierr.InvalidCombineError{Message: fmt.Sprintf("Cannot post-aggregate using %s", e.Text)}
	}
}

// field resolves an identifier through the schema. Names that resolve to no
// field are rejected, so only declared and permitted fields are aggregated.
func (r *aggregateRenderer) field(path string) (string, []any, error) {
	path = strings.TrimSpace(path)
	res, err := r.planner.compiler.Resolver().ResolveQueryable(r.entity, path)
	if err != nil {
		return "", nil, err
	}
	col, err := r.joins.column(res)
	return col, nil, err
}

func (r *aggregateRenderer) call(e *combine.Expr) (string, []any, error) {
	arg, args, err := r.expr(e.Arg)
	if err != nil {
		return "", nil, err
	}
	kind, unit, ok := combine.Lookup(e.Func)
	if !ok {
		return "", nil, &apierr.InvalidCombineError{Message: fmt.Sprintf("Unknown function: %q", e.Func)}
	}
	dialect := r.planner.dialect
	switch kind {
	case combine.Aggregate:
		switch e.Func {
		case "distinct":
			return "COUNT(DISTINCT " + arg + ")", args, nil
		default:
			return strings.ToUpper(e.Func) + "(" + arg + ")", args, nil
		}
	case combine.Truncate:
		sql, err := dialect.Truncate(unit, arg)
		return sql, args, err
	case combine.Scalar:
		switch e.Func {
		case "length":
			return dialect.Length(arg), args, nil
		default:
			return strings.ToUpper(e.Func) + "(" + arg + ")", args, nil
		}
	default:
		return "", nil, &apierr.InvalidCombineError{Message: fmt.Sprintf("Cannot use %s in a query", e.Func)}
	}
}

// columns renders the dimensions (by, then over) followed by
// the SQL-computed terms.
func (r *aggregateRenderer) columns(q *combine.Query) (dims, terms []AggregateColumn, err error) {
	render := func(t *combine.Term) (AggregateColumn, error) {
		sql, args, err := r.expr(t.Expr)
		if err != nil {
			return AggregateColumn{}, err
		}
		return AggregateColumn{
			SQLClause: sql + " AS " + sqlutil.QuoteIdentifier(t.Column()),
			Args:      args,
			ResultKey: t.Column(),
		}, nil
	}
	for _, t := range q.Dimensions() {
		c, err := render(t)
		if err != nil {
			return nil, nil, err
		}
		dims = append(dims, c)
	}
	for _, t := range q.Aggregates() {
		c, err := render(t)
		if err != nil {
			return nil, nil, err
		}
		terms = append(terms, c)
	}
	return dims, terms, nil
}

// PlanCombine builds the grouped aggregate query of a combine request over
// the rows a plan's root matches. Dimensions group and order the result by
// position. auto(...) must be resolved first.
func (p *Planner) PlanCombine(n *Node, q *combine.Query, session *filter.Session) (SQLQuery, []AggregateColumn, error) {
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	r := &aggregateRenderer{planner: p, entity: n.Entity, joins: newJoinSet(state, n.Entity, alias)}

	var unresolved []string
	q.Calls(func(e *combine.Expr) {
		if e.Func == "auto" {
			unresolved = append(unresolved, e.Text)
		}
	})
	if len(unresolved) > 0 {
		return SQLQuery{}, nil, fmt.Errorf("unresolved auto buckets: %s", strings.Join(unresolved, ", "))
	}

	dims, terms, err := r.columns(q)
	if err != nil {
		return SQLQuery{}, nil, err
	}
	all := append(append([]AggregateColumn{}, dims...), terms...)
	if len(all) == 0 {
		return SQLQuery{}, nil, &apierr.InvalidCombineError{Message: "No value provided for combine query parameter"}
	}

	builder := sq.Select()
	for _, c := range all {
		builder = builder.Column(sq.Expr(c.SQLClause, c.Args...))
	}
	builder = builder.From(quotedFrom(n.Entity.Table, alias))
	for _, join := range r.joins.clauses {
		builder = builder.LeftJoin(join)
	}
	if builder, err = state.whereBuilder(builder, n, alias); err != nil {
		return SQLQuery{}, nil, err
	}
	if len(dims) > 0 {
		positions := make([]string, len(dims))
		for i := range dims {
			positions[i] = strconv.Itoa(i + 1)
		}
		builder = builder.GroupBy(positions...).OrderBy(positions...)
	}
	query, err := toQuery(builder)
	return query, all, err
}

// AutoSpanColumns are the result keys of the span query for the i-th path.
func AutoSpanColumns(i int) (minKey, maxKey string) {
	return fmt.Sprintf("_min_%d", i), fmt.Sprintf("_max_%d", i)
}

// PlanAutoSpan reads the smallest and largest epoch of every auto(...) path
// so the bucket size can be picked before the combine query runs.
func (p *Planner) PlanAutoSpan(n *Node, paths []string, session *filter.Session) (SQLQuery, error) {
	if len(paths) == 0 {
		return SQLQuery{}, fmt.Errorf("no auto paths to measure")
	}
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	r := &aggregateRenderer{planner: p, entity: n.Entity, joins: newJoinSet(state, n.Entity, alias)}

	builder := sq.Select()
	for i, path := range paths {
		col, args, err := r.field(path)
		if err != nil {
			return SQLQuery{}, err
		}
		epoch := p.dialect.Epoch(col)
		minKey, maxKey := AutoSpanColumns(i)
		builder = builder.
			Column(sq.Expr(fmt.Sprintf("MIN(%s) AS %s", epoch, sqlutil.QuoteIdentifier(minKey)), args...)).
			Column(sq.Expr(fmt.Sprintf("MAX(%s) AS %s", epoch, sqlutil.QuoteIdentifier(maxKey)), args...))
	}
	builder = builder.From(quotedFrom(n.Entity.Table, alias))
	for _, join := range r.joins.clauses {
		builder = builder.LeftJoin(join)
	}
	builder, err := state.whereBuilder(builder, n, alias)
	if err != nil {
		return SQLQuery{}, err
	}
	return toQuery(builder)
}
