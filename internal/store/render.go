package store

import (
	"strings"
	"sync"

	"dynrest/internal/planner"
	"dynrest/internal/requirement"
	"dynrest/internal/schema"
)

// ComputeFunc derives a computed field. values maps each requirement path of
// the field to the value plucked from the record: a scalar for local and
// to-one paths, a list for paths crossing a to-many relation.
type ComputeFunc func(values map[string]any) any

// Computed is the registry of computed field implementations, keyed by
// "entity.field".
type Computed struct {
	mu    sync.RWMutex
	funcs map[string]ComputeFunc
}

// NewComputed returns an empty registry.
func NewComputed() *Computed {
	return &Computed{funcs: map[string]ComputeFunc{}}
}

// Register sets the implementation of entity.field.
func (c *Computed) Register(entity, field string, fn ComputeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.funcs[entity+"."+field] = fn
}

// Lookup returns the implementation of entity.field.
func (c *Computed) Lookup(entity, field string) (ComputeFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fn, ok := c.funcs[entity+"."+field]
	return fn, ok
}

// Render serializes one record of a plan node. Expanded relations render as
// objects, the others as primary keys.
func (s *Store) Render(n *planner.Node, rec *Record) map[string]any {
	out := make(map[string]any, len(n.Fields))
	for _, f := range n.Fields {
		out[f.Name] = s.renderField(n, f, rec)
	}
	return out
}

// RenderAll serializes records in order.
func (s *Store) RenderAll(n *planner.Node, records []*Record) []map[string]any {
	out := make([]map[string]any, len(records))
	for i, rec := range records {
		out[i] = s.Render(n, rec)
	}
	return out
}

func (s *Store) renderField(n *planner.Node, f *schema.Field, rec *Record) any {
	switch f.Kind {
	case schema.KindPlain:
		if f.IsRenamed() {
			return pluck(n.Entity, rec, f.SourcePath())
		}
		return rec.Values[f.Source]
	case schema.KindRelSingle:
		if !n.Expanded[f.Name] {
			return rec.Values[f.Column]
		}
		child := n.Prefetch(f.Source)
		related := rec.Related[f.Source]
		if child == nil || len(related) == 0 {
			return nil
		}
		return s.Render(child, related[0])
	case schema.KindRelMany:
		child := n.Prefetch(f.Source)
		related := rec.Related[f.Source]
		if child == nil {
			return []any{}
		}
		out := make([]any, 0, len(related))
		for _, r := range related {
			if n.Expanded[f.Name] {
				out = append(out, s.Render(child, r))
			} else {
				out = append(out, r.Values[child.Entity.PrimaryKey])
			}
		}
		return out
	case schema.KindComputed:
		return s.compute(n.Entity, f, rec)
	default:
		return nil
	}
}

// compute runs the registered implementation of a computed field. Without
// one, a single requirement renders as its plucked value and several render
// as a map of path to value.
func (s *Store) compute(entity *schema.Entity, f *schema.Field, rec *Record) any {
	reqs := f.Requirements()
	values := make(map[string]any, len(reqs))
	for _, r := range reqs {
		values[r] = pluck(entity, rec, strings.Split(r, "."))
	}
	if fn, ok := s.computed.Lookup(entity.Name, f.Name); ok {
		return fn(values)
	}
	if len(reqs) == 1 {
		return values[reqs[0]]
	}
	return values
}

// pluck reads a physical path from a record and its prefetched relations.
// An empty or "*" final segment yields the whole record.
func pluck(entity *schema.Entity, rec *Record, path []string) any {
	if rec == nil {
		return nil
	}
	if len(path) == 0 || path[0] == "" || path[0] == requirement.Wildcard {
		return copyValues(rec.Values)
	}
	seg := path[0]
	f, ok := entity.FieldBySource(seg)
	if !ok {
		if f, ok = entity.Field(seg); !ok {
			return rec.Values[seg]
		}
	}
	if !f.Kind.IsRelation() {
		if f.IsRenamed() {
			return pluck(entity, rec, append(f.SourcePath(), path[1:]...))
		}
		return rec.Values[f.Source]
	}

	target, err := entity.Target(f)
	if err != nil {
		return nil
	}
	related, fetched := rec.Related[f.Source]
	if f.Kind == schema.KindRelSingle {
		if len(path) == 1 && !fetched {
			return rec.Values[f.Column]
		}
		if len(related) == 0 {
			return nil
		}
		return pluck(target, related[0], path[1:])
	}

	out := make([]any, 0, len(related))
	for _, r := range related {
		if len(path) == 1 {
			out = append(out, r.Values[target.PrimaryKey])
			continue
		}
		out = append(out, pluck(target, r, path[1:]))
	}
	return out
}

func copyValues(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
