package engine

import (
	"context"
	"net/url"
	"strings"

	"dynrest/internal/combine"
	"dynrest/internal/pagination"
	"dynrest/internal/permission"
	"dynrest/internal/planner"
)

// Statement is one rendered SQL statement of an explained request.
type Statement struct {
	// Name is "count", "select", "combine", "auto_span" or the dotted
	// relation path of a prefetch.
	Name string
	SQL  string
	Args []any
}

// Explanation is the SQL a list request would run.
type Explanation struct {
	Entity      string
	Fingerprint string
	Depth       int
	Statements  []Statement
}

// explainKey stands in for the parent keys of prefetch statements.
const explainKey = "<parent keys>"

// Explain compiles a list request without executing it. Prefetch statements
// are rendered with a placeholder key list, page=last resolves to the first
// page, and auto(...) units resolve as if no span were known.
func (e *Engine) Explain(ctx context.Context, route string, values url.Values) (*Explanation, error) {
	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	c, err := e.compile(ctx, entity, values, permission.ActionList)
	if err != nil {
		return nil, err
	}
	p := e.planner
	cost := planner.EstimateCost(c.node)
	out := &Explanation{Entity: entity.Name, Fingerprint: c.request.Fingerprint(), Depth: cost.Depth}

	if c.request.Combine != nil {
		q, err := combine.Parse(*c.request.Combine)
		if err != nil {
			return nil, err
		}
		if paths := combine.AutoPaths(q); len(paths) > 0 {
			spanQuery, err := p.PlanAutoSpan(c.node, paths, c.session)
			if err != nil {
				return nil, err
			}
			out.add("auto_span", spanQuery)
			combine.ResolveAuto(q, nil)
		}
		statement, _, err := p.PlanCombine(c.node, q, c.session)
		if err != nil {
			return nil, err
		}
		out.add("combine", statement)
		return out, nil
	}

	if c.paging.Count {
		count, err := p.PlanCount(c.node, c.session)
		if err != nil {
			return nil, err
		}
		out.add("count", count)
	}
	extra := 0
	if !c.paging.Count {
		extra = 1
	}
	window := planner.OffsetWindow(c.paging.Page(0), c.paging.PerPage, extra)
	if c.paging.Mode == pagination.ModeCursor {
		if window, err = c.paging.Window(0, c.seekColumn); err != nil {
			return nil, err
		}
	}
	selectQuery, err := p.PlanSelect(c.node, c.session, window)
	if err != nil {
		return nil, err
	}
	out.add("select", selectQuery)
	if err := out.prefetches(p, c, c.node, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (x *Explanation) add(name string, q planner.SQLQuery) {
	x.Statements = append(x.Statements, Statement{Name: name, SQL: q.SQL, Args: q.Args})
}

func (x *Explanation) prefetches(p *planner.Planner, c *compiled, n *planner.Node, path []string) error {
	for _, child := range n.Prefetches {
		childPath := append(append([]string(nil), path...), child.Relation.Name)
		if child.Denied() {
			continue
		}
		q, err := p.PlanPrefetch(child, c.session, []any{explainKey})
		if err != nil {
			return err
		}
		x.add(strings.Join(childPath, "."), q)
		if err := x.prefetches(p, c, child, childPath); err != nil {
			return err
		}
	}
	return nil
}
