package planner

import (
	"fmt"
	"strings"

	"dynrest/internal/apierr"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"

	sq "github.com/Masterminds/squirrel"
)

// OrderTerm is one resolved sort key.
type OrderTerm struct {
	Path *resolve.Resolution
	Desc bool
}

func (t OrderTerm) String() string {
	if t.Desc {
		return "-" + t.Path.Path
	}
	return t.Path.Path
}

// ParseOrdering resolves sort[] terms. A leading "-" sorts descending. Every
// invalid term is reported at once. Without terms the entity's default
// ordering applies.
func (p *Planner) ParseOrdering(entity *schema.Entity, terms []string) ([]OrderTerm, error) {
	if len(terms) == 0 {
		return p.DefaultOrdering(entity)
	}
	var (
		out     []OrderTerm
		invalid []string
	)
	for _, raw := range terms {
		term := strings.TrimSpace(raw)
		stripped := strings.TrimLeft(term, "-")
		desc := len(stripped) != len(term)
		if !entity.CanOrderBy(stripped) {
			invalid = append(invalid, fmt.Sprintf("%s: Invalid sort option: %s", term, stripped))
			continue
		}
		res, err := p.compiler.Resolver().ResolveQueryable(entity, stripped)
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %s", term, err))
			continue
		}
		out = append(out, OrderTerm{Path: res, Desc: desc})
	}
	if len(invalid) > 0 {
		return nil, apierr.Validation("Invalid ordering: %s", strings.Join(invalid, ","))
	}
	return out, nil
}

// DefaultOrdering returns the entity's declared ordering, or its primary key.
func (p *Planner) DefaultOrdering(entity *schema.Entity) ([]OrderTerm, error) {
	terms := entity.DefaultOrdering
	if len(terms) == 0 {
		terms = []string{entity.PrimaryKey}
	}
	out := make([]OrderTerm, 0, len(terms))
	for _, term := range terms {
		stripped := strings.TrimLeft(term, "-")
		path := stripped
		if path == entity.PrimaryKey {
			path = "pk"
		}
		res, err := p.compiler.Resolver().ResolveQueryable(entity, path)
		if err != nil {
			return nil, fmt.Errorf("default ordering of %s: %w", entity.Name, err)
		}
		out = append(out, OrderTerm{Path: res, Desc: len(stripped) != len(term)})
	}
	return out, nil
}

// orderByClauses renders sort keys. Keys behind a to-many relation sort by
// the smallest related value ascending and the largest descending.
func (s *whereBuildState) orderByClauses(entity *schema.Entity, alias string, terms []OrderTerm) ([]sq.Sqlizer, error) {
	clauses := make([]sq.Sqlizer, 0, len(terms))
	for _, term := range terms {
		aggregate := "MIN"
		direction := "ASC"
		if term.Desc {
			aggregate = "MAX"
			direction = "DESC"
		}
		expr, args, err := s.pathExpr(entity, alias, term.Path, aggregate)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, sq.Expr(expr+" "+direction, args...))
	}
	return clauses, nil
}
