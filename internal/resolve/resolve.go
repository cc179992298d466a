// Package resolve maps dotted logical field paths onto physical join paths.
//
// Resolutions are immutable and cached per (entity, path) for the lifetime of
// the schema the Resolver was built for.
package resolve

import (
	"fmt"
	"strings"

	"github.com/Yiling-J/theine-go"

	"dynrest/internal/apierr"
	"dynrest/internal/schema"
)

// DefaultCacheSize bounds the number of cached resolutions.
const DefaultCacheSize = 10000

// Step is one physical segment of a resolved path.
type Step struct {
	// Owner is the entity the segment is looked up on.
	Owner *schema.Entity
	Field *schema.Field
}

// Resolution is the outcome of resolving a logical path.
type Resolution struct {
	Entity *schema.Entity
	Path   string
	// Fields is the logical field chain, one per requested segment.
	Fields []*schema.Field
	// Steps is the physical chain. Renamed fields expand into several steps.
	Steps []Step
}

// Leaf returns the last physical field.
func (r *Resolution) Leaf() *schema.Field {
	return r.Steps[len(r.Steps)-1].Field
}

// LeafOwner returns the entity the last physical field belongs to.
func (r *Resolution) LeafOwner() *schema.Entity {
	return r.Steps[len(r.Steps)-1].Owner
}

// Logical returns the last logical field.
func (r *Resolution) Logical() *schema.Field {
	return r.Fields[len(r.Fields)-1]
}

// Physical returns the physical source names of every step.
func (r *Resolution) Physical() []string {
	out := make([]string, len(r.Steps))
	for i, step := range r.Steps {
		out[i] = step.Field.Source
	}
	return out
}

// Key joins the physical segments with dots.
func (r *Resolution) Key() string {
	return strings.Join(r.Physical(), ".")
}

// Relations returns the relational steps, excluding a relational leaf.
func (r *Resolution) Relations() []Step {
	var out []Step
	for _, step := range r.Steps[:len(r.Steps)-1] {
		if step.Field.Kind.IsRelation() {
			out = append(out, step)
		}
	}
	return out
}

// CrossesMany reports whether any step fans out over a to-many relation.
func (r *Resolution) CrossesMany() bool {
	for _, step := range r.Steps {
		if step.Field.Kind == schema.KindRelMany {
			return true
		}
	}
	return false
}

type cacheKey struct {
	entity string
	path   string
}

// Resolver resolves paths against one schema. It is safe for concurrent use.
type Resolver struct {
	schema *schema.Schema
	cache  *theine.Cache[cacheKey, *Resolution]
}

// New builds a resolver with a bounded cache. A non-positive size uses DefaultCacheSize.
func New(s *schema.Schema, cacheSize int64) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := theine.NewBuilder[cacheKey, *Resolution](cacheSize).Build()
	if err != nil {
		return nil, fmt.Errorf("build resolver cache: %w", err)
	}
	return &Resolver{schema: s, cache: cache}, nil
}

// Close releases the cache.
func (r *Resolver) Close() {
	r.cache.Close()
}

// Schema returns the schema the resolver walks.
func (r *Resolver) Schema() *schema.Schema { return r.schema }

// Stats reports cache hits and misses.
func (r *Resolver) Stats() (hits, misses uint64) {
	stats := r.cache.Stats()
	return stats.Hits(), stats.Misses()
}

// Resolve walks path from entity. Errors are not cached.
func (r *Resolver) Resolve(entity *schema.Entity, path string) (*Resolution, error) {
	key := cacheKey{entity: entity.Name, path: path}
	if res, ok := r.cache.Get(key); ok {
		return res, nil
	}
	res, err := r.walk(entity, path)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, res, 1)
	return res, nil
}

// ResolveQueryable resolves a path that must name stored data: computed fields
// cannot be filtered or sorted on.
func (r *Resolver) ResolveQueryable(entity *schema.Entity, path string) (*Resolution, error) {
	res, err := r.Resolve(entity, path)
	if err != nil {
		return nil, err
	}
	for _, f := range res.Fields {
		if f.Kind == schema.KindComputed {
			return nil, &apierr.UnknownFieldError{Entity: entity.Name, Segment: f.Name, Path: path}
		}
	}
	return res, nil
}

func (r *Resolver) walk(entity *schema.Entity, path string) (*Resolution, error) {
	if path == "" {
		return nil, &apierr.UnknownFieldError{Entity: entity.Name, Segment: "", Path: path}
	}
	segments := strings.Split(path, ".")
	res := &Resolution{Entity: entity, Path: path}
	current := entity
	for i, segment := range segments {
		if segment == "" {
			return nil, &apierr.UnknownFieldError{Entity: current.Name, Segment: segment, Path: path}
		}
		field, ok := current.Field(segment)
		if !ok {
			return nil, &apierr.UnknownFieldError{Entity: current.Name, Segment: segment, Path: path}
		}
		res.Fields = append(res.Fields, field)

		last := i == len(segments)-1
		next, err := r.expand(res, current, field, path)
		if err != nil {
			return nil, err
		}
		if last {
			break
		}
		if next == nil {
			return nil, &apierr.NotTraversableError{Entity: current.Name, Segment: segment, Path: path}
		}
		current = next
	}
	return res, nil
}

// expand appends the physical steps of one logical field and returns the
// entity reached when the field is relational, or nil.
func (r *Resolver) expand(res *Resolution, owner *schema.Entity, field *schema.Field, path string) (*schema.Entity, error) {
	switch field.Kind {
	case schema.KindComputed:
		res.Steps = append(res.Steps, Step{Owner: owner, Field: field})
		return nil, nil
	case schema.KindPlain, schema.KindRelSingle, schema.KindRelMany:
	default:
		return nil, fmt.Errorf("field %s.%s has unknown kind %s", owner.Name, field.Name, field.Kind)
	}

	if !field.IsRenamed() {
		res.Steps = append(res.Steps, Step{Owner: owner, Field: field})
		if !field.Kind.IsRelation() {
			return nil, nil
		}
		return r.target(owner, field)
	}

	current := owner
	parts := field.SourcePath()
	for i, part := range parts {
		physical, ok := current.FieldBySource(part)
		if !ok {
			return nil, &apierr.UnknownFieldError{Entity: current.Name, Segment: part, Path: path}
		}
		res.Steps = append(res.Steps, Step{Owner: current, Field: physical})
		if !physical.Kind.IsRelation() {
			if i != len(parts)-1 {
				return nil, &apierr.NotTraversableError{Entity: current.Name, Segment: part, Path: path}
			}
			return nil, nil
		}
		next, err := r.target(current, physical)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

func (r *Resolver) target(owner *schema.Entity, field *schema.Field) (*schema.Entity, error) {
	target, ok := r.schema.Entity(field.Target)
	if !ok {
		return nil, fmt.Errorf("field %s.%s targets unknown entity %q", owner.Name, field.Name, field.Target)
	}
	return target, nil
}
