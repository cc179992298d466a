package planner

import (
	"fmt"
	"strings"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// whereBuildState carries alias numbering and the annotation session while
// one statement is rendered.
type whereBuildState struct {
	planner      *Planner
	session      *filter.Session
	aliasCounter int
}

func (p *Planner) newWhereBuildState(session *filter.Session) *whereBuildState {
	if session == nil {
		session = filter.NewSession()
	}
	return &whereBuildState{planner: p, session: session}
}

func (s *whereBuildState) nextAlias(prefix string) string {
	normalized := strings.TrimSpace(prefix)
	if normalized == "" {
		normalized = "rel"
	}
	normalized = strings.ReplaceAll(normalized, "`", "")
	normalized = strings.ReplaceAll(normalized, ".", "_")
	s.aliasCounter++
	return fmt.Sprintf("__%s_%d", normalized, s.aliasCounter)
}

func qualifiedColumn(alias, col string) string {
	return sqlutil.QuoteQualified(alias, col)
}

func quotedFrom(tableName, alias string) string {
	if alias == "" || alias == tableName {
		return sqlutil.QuoteIdentifier(tableName)
	}
	return fmt.Sprintf("%s AS %s", sqlutil.QuoteIdentifier(tableName), sqlutil.QuoteIdentifier(alias))
}

// falseCondition matches nothing.
var falseCondition = sq.Expr("1 = 0")

// buildTreeCondition renders one level of a filter tree. Includes are joined
// first, then every exclude is negated and joined, all with comb.
func (s *whereBuildState) buildTreeCondition(entity *schema.Entity, alias string, tree *filter.Tree, comb filter.Combinator) (sq.Sqlizer, error) {
	if tree.Empty() {
		return nil, nil
	}
	conditions := []sq.Sqlizer{}
	for _, key := range tree.IncludeKeys() {
		cond, err := s.buildCondition(entity, alias, tree, tree.Include[key], false)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	for _, key := range tree.ExcludeKeys() {
		cond, err := s.buildCondition(entity, alias, tree, tree.Exclude[key], true)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, cond)
	}
	if len(conditions) == 1 {
		return conditions[0], nil
	}
	if comb == filter.Or {
		return sq.Or(conditions), nil
	}
	return sq.And(conditions), nil
}

// buildPredicateCondition renders an access predicate. Full access renders to
// nil, meaning no restriction.
func (s *whereBuildState) buildPredicateCondition(entity *schema.Entity, alias string, pred permission.Predicate) (sq.Sqlizer, error) {
	switch {
	case permission.IsNone(pred):
		return falseCondition, nil
	case permission.IsFull(pred):
		return nil, nil
	}
	switch p := pred.(type) {
	case permission.Filter:
		tree, err := s.planner.compiler.CompileSpec(entity, p, s.session)
		if err != nil {
			return nil, fmt.Errorf("compile %s access filter: %w", entity.Name, err)
		}
		return s.buildTreeCondition(entity, alias, tree, filter.And)
	case permission.AndPredicate:
		left, err := s.buildPredicateCondition(entity, alias, p.Left)
		if err != nil {
			return nil, err
		}
		right, err := s.buildPredicateCondition(entity, alias, p.Right)
		if err != nil {
			return nil, err
		}
		switch {
		case left == nil:
			return right, nil
		case right == nil:
			return left, nil
		}
		return sq.And{left, right}, nil
	case permission.OrPredicate:
		left, err := s.buildPredicateCondition(entity, alias, p.Left)
		if err != nil {
			return nil, err
		}
		right, err := s.buildPredicateCondition(entity, alias, p.Right)
		if err != nil {
			return nil, err
		}
		if left == nil || right == nil {
			return nil, nil
		}
		return sq.Or{left, right}, nil
	case permission.NotPredicate:
		inner, err := s.buildPredicateCondition(entity, alias, p.Inner)
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return falseCondition, nil
		}
		return wrapCondition("NOT (%s)", inner)
	default:
		return nil, fmt.Errorf("unsupported access predicate %T", pred)
	}
}

func (s *whereBuildState) buildCondition(entity *schema.Entity, alias string, tree *filter.Tree, cond filter.Condition, negate bool) (sq.Sqlizer, error) {
	if cond.Operator == filter.OpAll {
		return s.buildAllCondition(entity, alias, tree, cond, negate)
	}

	var (
		prefix []resolve.Step
		scope  permission.Filter
	)
	if cond.Annotation != "" {
		ann, ok := tree.Annotations[cond.Annotation]
		if !ok {
			return nil, fmt.Errorf("filter %s refers to unknown annotation %s", cond.Key, cond.Annotation)
		}
		if ann.Kind == filter.AnnotateCount {
			return s.buildCountCondition(entity, alias, tree, ann, cond, negate)
		}
		prefix = ann.Steps
		scope = ann.Scope
	}

	hops, column := splitLeaf(prefix, cond.Steps)
	refSQL, refArgs, err := s.referenceExpr(entity, alias, cond.Reference)
	if err != nil {
		return nil, err
	}

	if len(hops) == 0 {
		lhs := qualifiedColumn(alias, column)
		cmp, err := s.comparison(lhs, nil, cond, refSQL, refArgs)
		if err != nil {
			return nil, err
		}
		if !negate {
			return cmp, nil
		}
		if cond.Operator == filter.OpIsNull {
			return wrapCondition("NOT (%s)", cmp)
		}
		// A negated comparison must not match NULL columns either.
		return wrapCondition("NOT (%s AND "+lhs+" IS NOT NULL)", cmp)
	}

	chain, err := s.buildChain(entity, alias, hops)
	if err != nil {
		return nil, err
	}
	if len(scope) > 0 {
		if err := s.applyScope(chain, len(prefix)-1, scope); err != nil {
			return nil, err
		}
	}
	if column == "" {
		column = chain.entity().PrimaryKey
	}
	lhs := qualifiedColumn(chain.alias(), column)

	exists := true
	if cond.Operator == filter.OpIsNull {
		chain.where = append(chain.where, sq.Expr(lhs+" IS NOT NULL"))
		if isNull, _ := cond.Value.(bool); isNull {
			exists = false
		}
	} else {
		cmp, err := s.comparison(lhs, nil, cond, refSQL, refArgs)
		if err != nil {
			return nil, err
		}
		chain.where = append(chain.where, cmp)
	}
	if negate {
		exists = !exists
	}
	sql, args, err := chain.toSQL("1")
	if err != nil {
		return nil, err
	}
	prefixSQL := "EXISTS"
	if !exists {
		prefixSQL = "NOT EXISTS"
	}
	return sq.Expr(fmt.Sprintf("%s (%s)", prefixSQL, sql), args...), nil
}

// buildAllCondition requires every listed value to match on its own.
func (s *whereBuildState) buildAllCondition(entity *schema.Entity, alias string, tree *filter.Tree, cond filter.Condition, negate bool) (sq.Sqlizer, error) {
	values := toList(cond.Value)
	if len(values) == 0 {
		return nil, apierr.Validation("%q needs at least one value.", cond.Param)
	}
	parts := make(sq.And, 0, len(values))
	for _, v := range values {
		single := cond
		single.Operator = filter.OpEq
		single.Value = v
		part, err := s.buildCondition(entity, alias, tree, single, false)
		if err != nil {
			return nil, err
		}
		parts = append(parts, part)
	}
	if negate {
		return wrapCondition("NOT (%s)", parts)
	}
	return parts, nil
}

func (s *whereBuildState) buildCountCondition(entity *schema.Entity, alias string, tree *filter.Tree, ann filter.Annotation, cond filter.Condition, negate bool) (sq.Sqlizer, error) {
	lhs, lhsArgs, err := s.countExpr(entity, alias, tree, ann)
	if err != nil {
		return nil, err
	}
	cmp, err := s.comparison(lhs, lhsArgs, cond, "", nil)
	if err != nil {
		return nil, err
	}
	if negate {
		return wrapCondition("NOT (%s)", cmp)
	}
	return cmp, nil
}

// countExpr renders a count annotation as a correlated scalar subquery.
func (s *whereBuildState) countExpr(entity *schema.Entity, alias string, tree *filter.Tree, ann filter.Annotation) (string, []any, error) {
	var (
		prefix []resolve.Step
		scope  permission.Filter
	)
	if ann.Of != "" {
		of, ok := tree.Annotations[ann.Of]
		if !ok {
			return "", nil, fmt.Errorf("annotation %s refers to unknown annotation %s", ann.Name, ann.Of)
		}
		prefix = of.Steps
		scope = of.Scope
	}
	all := append(append([]resolve.Step{}, prefix...), ann.Steps...)
	hops := all
	column := ""
	if n := len(all); n > 0 && !all[n-1].Field.Kind.IsRelation() {
		hops = all[:n-1]
		column = all[n-1].Field.Source
	}
	if len(hops) == 0 {
		return "", nil, fmt.Errorf("count annotation %s has no relation", ann.Name)
	}
	chain, err := s.buildChain(entity, alias, hops)
	if err != nil {
		return "", nil, err
	}
	if len(scope) > 0 {
		if err := s.applyScope(chain, len(prefix)-1, scope); err != nil {
			return "", nil, err
		}
	}
	if column == "" {
		column = chain.entity().PrimaryKey
	}
	sql, args, err := chain.toSQL(fmt.Sprintf("COUNT(DISTINCT %s)", qualifiedColumn(chain.alias(), column)))
	if err != nil {
		return "", nil, err
	}
	return "(" + sql + ")", args, nil
}

// annotationColumns selects every count annotation of a tree level as _cN.
func (s *whereBuildState) annotationColumns(entity *schema.Entity, alias string, tree *filter.Tree) ([]sq.Sqlizer, error) {
	if tree == nil {
		return nil, nil
	}
	var cols []sq.Sqlizer
	for _, name := range tree.AnnotationNames() {
		ann := tree.Annotations[name]
		if ann.Kind != filter.AnnotateCount {
			continue
		}
		sql, args, err := s.countExpr(entity, alias, tree, ann)
		if err != nil {
			return nil, err
		}
		cols = append(cols, sq.Expr(sql+" AS "+sqlutil.QuoteIdentifier(name), args...))
	}
	return cols, nil
}

// referenceExpr renders the column a field reference filter compares with.
// References through relations use the smallest related value.
func (s *whereBuildState) referenceExpr(entity *schema.Entity, alias string, ref *resolve.Resolution) (string, []any, error) {
	if ref == nil {
		return "", nil, nil
	}
	return s.pathExpr(entity, alias, ref, "MIN")
}

// pathExpr renders the value at a resolved path. Local columns are referenced
// directly; anything behind a relation becomes a correlated aggregate.
func (s *whereBuildState) pathExpr(entity *schema.Entity, alias string, res *resolve.Resolution, aggregate string) (string, []any, error) {
	hops, column := splitLeaf(nil, res.Steps)
	if len(hops) == 0 {
		return qualifiedColumn(alias, column), nil, nil
	}
	chain, err := s.buildChain(entity, alias, hops)
	if err != nil {
		return "", nil, err
	}
	if column == "" {
		column = chain.entity().PrimaryKey
	}
	sql, args, err := chain.toSQL(fmt.Sprintf("%s(%s)", aggregate, qualifiedColumn(chain.alias(), column)))
	if err != nil {
		return "", nil, err
	}
	return "(" + sql + ")", args, nil
}

// splitLeaf separates the relation hops of a path from the column compared at
// its end. An empty column means the primary key of the last hop.
func splitLeaf(prefix, steps []resolve.Step) ([]resolve.Step, string) {
	all := append(append([]resolve.Step{}, prefix...), steps...)
	if len(steps) == 0 {
		return all, ""
	}
	last := all[len(all)-1]
	switch last.Field.Kind {
	case schema.KindRelSingle:
		return all[:len(all)-1], last.Field.Column
	case schema.KindRelMany:
		return all, ""
	default:
		return all[:len(all)-1], last.Field.Source
	}
}

// hopChain is the FROM/JOIN part of a correlated subquery walking relations
// away from an outer alias.
type hopChain struct {
	from     string
	joins    []string
	corr     []string
	where    []sq.Sqlizer
	aliases  []string
	entities []*schema.Entity
}

func (c *hopChain) alias() string { return c.aliases[len(c.aliases)-1] }

func (c *hopChain) entity() *schema.Entity { return c.entities[len(c.entities)-1] }

func (c *hopChain) add(table, alias, on string) {
	if c.from == "" {
		c.from = quotedFrom(table, alias)
		c.corr = append(c.corr, on)
		return
	}
	c.joins = append(c.joins, fmt.Sprintf("%s ON %s", quotedFrom(table, alias), on))
}

func (c *hopChain) toSQL(selectExpr string) (string, []any, error) {
	builder := sq.Select(selectExpr).From(c.from)
	for _, join := range c.joins {
		builder = builder.Join(join)
	}
	for _, pair := range c.corr {
		builder = builder.Where(sq.Expr(pair))
	}
	for _, cond := range c.where {
		builder = builder.Where(cond)
	}
	return builder.PlaceholderFormat(sq.Question).ToSql()
}

// buildChain correlates each relation hop with the previous alias:
// many-to-one on the local key, one-to-many on the back reference and
// many-to-many through the junction table.
func (s *whereBuildState) buildChain(entity *schema.Entity, outerAlias string, hops []resolve.Step) (*hopChain, error) {
	chain := &hopChain{}
	current := entity
	currentAlias := outerAlias
	for _, hop := range hops {
		f := hop.Field
		target, err := current.Target(f)
		if err != nil {
			return nil, err
		}
		targetAlias := s.nextAlias(target.Table)
		switch {
		case f.Kind == schema.KindRelSingle:
			remote := f.RemoteColumn
			if remote == "" {
				remote = target.PrimaryKey
			}
			chain.add(target.Table, targetAlias, fmt.Sprintf("%s = %s",
				qualifiedColumn(targetAlias, remote), qualifiedColumn(currentAlias, f.Column)))
		case f.Kind == schema.KindRelMany && f.Through != nil:
			junctionAlias := s.nextAlias(f.Through.Table)
			chain.add(f.Through.Table, junctionAlias, fmt.Sprintf("%s = %s",
				qualifiedColumn(junctionAlias, f.Through.LocalColumn), qualifiedColumn(currentAlias, current.PrimaryKey)))
			chain.add(target.Table, targetAlias, fmt.Sprintf("%s = %s",
				qualifiedColumn(targetAlias, target.PrimaryKey), qualifiedColumn(junctionAlias, f.Through.RemoteColumn)))
		case f.Kind == schema.KindRelMany:
			chain.add(target.Table, targetAlias, fmt.Sprintf("%s = %s",
				qualifiedColumn(targetAlias, f.Column), qualifiedColumn(currentAlias, current.PrimaryKey)))
		default:
			return nil, fmt.Errorf("field %s.%s is not a relation", current.Name, f.Name)
		}
		chain.aliases = append(chain.aliases, targetAlias)
		chain.entities = append(chain.entities, target)
		current = target
		currentAlias = targetAlias
	}
	return chain, nil
}

// applyScope restricts the hop at index to the relation's scope.
func (s *whereBuildState) applyScope(chain *hopChain, index int, scope permission.Filter) error {
	if index < 0 || index >= len(chain.aliases) {
		return fmt.Errorf("scope applied outside the relation chain")
	}
	target := chain.entities[index]
	tree, err := s.planner.compiler.CompileSpec(target, scope, s.session)
	if err != nil {
		return fmt.Errorf("compile %s scope: %w", target.Name, err)
	}
	cond, err := s.buildTreeCondition(target, chain.aliases[index], tree, filter.And)
	if err != nil {
		return err
	}
	if cond != nil {
		chain.where = append(chain.where, cond)
	}
	return nil
}

// comparison renders the operator of cond against lhs. lhsArgs are the bind
// arguments of lhs itself; refSQL replaces the bound value for references.
func (s *whereBuildState) comparison(lhs string, lhsArgs []any, cond filter.Condition, refSQL string, refArgs []any) (sq.Sqlizer, error) {
	dialect := s.planner.dialect
	rhs := "?"
	rhsArgs := []any{cond.Value}
	if cond.Reference != nil {
		rhs = refSQL
		rhsArgs = refArgs
	}
	expr := func(sql string, args ...any) sq.Sqlizer {
		return sq.Expr(sql, append(append([]any{}, lhsArgs...), args...)...)
	}
	binary := func(op string) sq.Sqlizer {
		return expr(fmt.Sprintf("%s %s %s", lhs, op, rhs), rhsArgs...)
	}

	switch op := cond.Operator; op {
	case filter.OpEq:
		if cond.Reference == nil && cond.Value == nil {
			return expr(lhs + " IS NULL"), nil
		}
		return binary("="), nil
	case filter.OpGt:
		return binary(">"), nil
	case filter.OpGte:
		return binary(">="), nil
	case filter.OpLt:
		return binary("<"), nil
	case filter.OpLte:
		return binary("<="), nil
	case filter.OpIsNull:
		if isNull, _ := cond.Value.(bool); isNull {
			return expr(lhs + " IS NULL"), nil
		}
		return expr(lhs + " IS NOT NULL"), nil
	}

	if cond.Reference != nil {
		return nil, apierr.Validation("Operator %q cannot compare with a field reference.", cond.Operator.String())
	}

	switch op := cond.Operator; op {
	case filter.OpIn, filter.OpAny:
		values := toList(cond.Value)
		if len(values) == 0 {
			return falseCondition, nil
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(values)), ", ")
		return expr(fmt.Sprintf("%s IN (%s)", lhs, placeholders), values...), nil
	case filter.OpRange:
		values := toList(cond.Value)
		if len(values) != 2 {
			return nil, apierr.Validation("%q needs exactly two values.", cond.Param)
		}
		return expr(lhs+" BETWEEN ? AND ?", values[0], values[1]), nil
	case filter.OpIContains, filter.OpIStartsWith, filter.OpIEndsWith:
		pattern, err := sqlutil.LikePattern(strings.TrimPrefix(string(op), "i"), fmt.Sprint(cond.Value))
		if err != nil {
			return nil, err
		}
		return expr(fmt.Sprintf("LOWER(%s) LIKE LOWER(?)%s", lhs, dialect.LikeEscape()), pattern), nil
	case filter.OpContains, filter.OpStartsWith, filter.OpEndsWith:
		sql, arg, err := dialect.CaseSensitiveMatch(string(op), lhs, fmt.Sprint(cond.Value))
		if err != nil {
			return nil, err
		}
		return expr(sql, arg), nil
	case filter.OpYear, filter.OpMonth, filter.OpDay, filter.OpWeekDay:
		part, err := dialect.DatePart(string(op), lhs)
		if err != nil {
			return nil, err
		}
		return expr(part+" = ?", cond.Value), nil
	case filter.OpRegex:
		return expr(dialect.Regexp(lhs), fmt.Sprint(cond.Value)), nil
	default:
		return nil, fmt.Errorf("unsupported filter operator %q", op)
	}
}

func wrapCondition(format string, cond sq.Sqlizer) (sq.Sqlizer, error) {
	sql, args, err := cond.ToSql()
	if err != nil {
		return nil, err
	}
	return sq.Expr(fmt.Sprintf(format, sql), args...), nil
}

func toList(value any) []any {
	switch v := value.(type) {
	case nil:
		return nil
	case []any:
		return v
	default:
		return []any{v}
	}
}
