package planner

import (
	"fmt"

	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"

	sq "github.com/Masterminds/squirrel"
)

// BatchParentAlias is the column alias used to return parent keys in prefetch queries.
const BatchParentAlias = "__batch_parent_id"

// SQLQuery represents a planned SQL statement with bound args.
type SQLQuery struct {
	SQL  string
	Args []any
}

// selectColumns lists the node's columns qualified by alias. Distinct selects
// also carry their local ordering columns.
func selectColumns(n *Node, alias string) []string {
	cols := n.Columns
	if cols == nil {
		cols = n.Entity.Columns()
	}
	seen := make(map[string]bool, len(cols))
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		seen[c] = true
		out = append(out, qualifiedColumn(alias, c))
	}
	if n.Distinct {
		for _, term := range n.Order {
			hops, column := splitLeaf(nil, term.Path.Steps)
			if len(hops) == 0 && !seen[column] {
				seen[column] = true
				out = append(out, qualifiedColumn(alias, column))
			}
		}
	}
	return out
}

// selectBuilder renders the select list, the access predicate and the filter
// tree of a node.
func (s *whereBuildState) selectBuilder(n *Node, alias string) (sq.SelectBuilder, error) {
	builder := sq.Select(selectColumns(n, alias)...)
	if n.Distinct {
		builder = builder.Distinct()
	}
	annotations, err := s.annotationColumns(n.Entity, alias, n.Tree)
	if err != nil {
		return builder, err
	}
	for _, col := range annotations {
		builder = builder.Column(col)
	}
	builder = builder.From(quotedFrom(n.Entity.Table, alias))
	return s.whereBuilder(builder, n, alias)
}

func (s *whereBuildState) whereBuilder(builder sq.SelectBuilder, n *Node, alias string) (sq.SelectBuilder, error) {
	access, err := s.buildPredicateCondition(n.Entity, alias, n.Access)
	if err != nil {
		return builder, err
	}
	if access != nil {
		builder = builder.Where(access)
	}
	cond, err := s.buildTreeCondition(n.Entity, alias, n.Tree, n.Combinator)
	if err != nil {
		return builder, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	return builder, nil
}

func (s *whereBuildState) orderBuilder(builder sq.SelectBuilder, n *Node, alias string) (sq.SelectBuilder, error) {
	clauses, err := s.orderByClauses(n.Entity, alias, n.Order)
	if err != nil {
		return builder, err
	}
	for _, clause := range clauses {
		builder = builder.OrderByClause(clause)
	}
	return builder, nil
}

// PlanSelect builds the root select of a plan over a window of rows.
func (p *Planner) PlanSelect(n *Node, session *filter.Session, window Window) (SQLQuery, error) {
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	builder, err := state.selectBuilder(n, alias)
	if err != nil {
		return SQLQuery{}, err
	}
	if window.Seek != nil {
		builder = builder.Where(window.Seek.condition(alias))
	}
	if builder, err = state.orderBuilder(builder, n, alias); err != nil {
		return SQLQuery{}, err
	}
	if err := validateLimitOffset(window.Limit, window.Offset); err != nil {
		return SQLQuery{}, err
	}
	if window.Limit > 0 {
		builder = builder.Limit(uint64(window.Limit))
	}
	if window.Offset > 0 {
		builder = builder.Offset(uint64(window.Offset))
	}
	return toQuery(builder)
}

// PlanCount counts the rows the root of a plan matches.
func (p *Planner) PlanCount(n *Node, session *filter.Session) (SQLQuery, error) {
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	builder := sq.Select(fmt.Sprintf("COUNT(DISTINCT %s)", qualifiedColumn(alias, n.Entity.PrimaryKey))).
		From(quotedFrom(n.Entity.Table, alias))
	builder, err := state.whereBuilder(builder, n, alias)
	if err != nil {
		return SQLQuery{}, err
	}
	return toQuery(builder)
}

// PlanTableByPK builds the root select restricted to one primary key.
func (p *Planner) PlanTableByPK(n *Node, session *filter.Session, pk any) (SQLQuery, error) {
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	builder, err := state.selectBuilder(n, alias)
	if err != nil {
		return SQLQuery{}, err
	}
	builder = builder.Where(sq.Eq{qualifiedColumn(alias, n.Entity.PrimaryKey): pk}).Limit(1)
	return toQuery(builder)
}

// PlanPrefetch builds the batch query for a prefetch node. keys are the
// parent values the relation joins on: local keys for many-to-one, parent
// primary keys otherwise. Each row carries its parent key as BatchParentAlias.
func (p *Planner) PlanPrefetch(n *Node, session *filter.Session, keys []any) (SQLQuery, error) {
	if n.Relation == nil {
		return SQLQuery{}, fmt.Errorf("prefetch node for %s has no relation", n.Entity.Name)
	}
	if len(keys) == 0 {
		return SQLQuery{}, fmt.Errorf("prefetch %s needs parent keys", n.Relation.Name)
	}
	state := p.newWhereBuildState(session)
	alias := n.Entity.Table
	builder, err := state.selectBuilder(n, alias)
	if err != nil {
		return SQLQuery{}, err
	}

	f := n.Relation
	var parentColumn string
	switch {
	case f.Kind == schema.KindRelSingle:
		remote := f.RemoteColumn
		if remote == "" {
			remote = n.Entity.PrimaryKey
		}
		parentColumn = qualifiedColumn(alias, remote)
	case f.Kind == schema.KindRelMany && f.Through != nil:
		junctionAlias := state.nextAlias(f.Through.Table)
		builder = builder.Join(fmt.Sprintf("%s ON %s = %s",
			quotedFrom(f.Through.Table, junctionAlias),
			qualifiedColumn(junctionAlias, f.Through.RemoteColumn),
			qualifiedColumn(alias, n.Entity.PrimaryKey)))
		parentColumn = qualifiedColumn(junctionAlias, f.Through.LocalColumn)
	case f.Kind == schema.KindRelMany:
		parentColumn = qualifiedColumn(alias, f.Column)
	default:
		return SQLQuery{}, fmt.Errorf("field %s is not a relation", f.Name)
	}

	builder = builder.Column(fmt.Sprintf("%s AS %s", parentColumn, sqlutil.QuoteIdentifier(BatchParentAlias))).
		Where(sq.Eq{parentColumn: keys})
	if builder, err = state.orderBuilder(builder, n, alias); err != nil {
		return SQLQuery{}, err
	}
	return toQuery(builder)
}

// PlanAccessCheck builds a query returning a row when the record with the
// given primary key satisfies pred.
func (p *Planner) PlanAccessCheck(entity *schema.Entity, pred permission.Predicate, pk any, session *filter.Session) (SQLQuery, error) {
	state := p.newWhereBuildState(session)
	alias := entity.Table
	builder := sq.Select("1").
		From(quotedFrom(entity.Table, alias)).
		Where(sq.Eq{qualifiedColumn(alias, entity.PrimaryKey): pk})
	cond, err := state.buildPredicateCondition(entity, alias, pred)
	if err != nil {
		return SQLQuery{}, err
	}
	if cond != nil {
		builder = builder.Where(cond)
	}
	return toQuery(builder.Limit(1))
}

// ParentKeyColumn names the parent column whose values feed PlanPrefetch.
func ParentKeyColumn(parent *schema.Entity, f *schema.Field) string {
	if f.Kind == schema.KindRelSingle {
		return f.Column
	}
	return parent.PrimaryKey
}

func toQuery(builder sq.SelectBuilder) (SQLQuery, error) {
	query, args, err := builder.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func validateLimitOffset(limit, offset int) error {
	if limit < 0 {
		return fmt.Errorf("limit must be non-negative")
	}
	if offset < 0 {
		return fmt.Errorf("offset must be non-negative")
	}
	return nil
}
