package engine

import (
	"context"
	"net/url"
	"strings"
	"time"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/params"
	"dynrest/internal/permission"
	"dynrest/internal/schema"
)

// ListRelated serves GET /{entity}/{id}/{field}: the records behind one
// relation of a parent, rendered as if the relation had been expanded.
// Selection parameters apply to the related records; filters are rejected.
func (e *Engine) ListRelated(ctx context.Context, route, id, field string, values url.Values) (out map[string]any, err error) {
	start := time.Now()
	fingerprint := ""
	entityName := route
	defer func() { observe(ctx, permission.ActionGet, entityName, fingerprint, start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	f, target, err := relatedField(entity, field)
	if err != nil {
		return nil, err
	}
	pk, err := parsePK(entity, id)
	if err != nil {
		return nil, err
	}
	scoped, err := relatedValues(values, f.Name)
	if err != nil {
		return nil, err
	}
	c, err := e.compile(ctx, entity, scoped, permission.ActionGet)
	if err != nil {
		return nil, err
	}
	fingerprint = c.request.Fingerprint()
	record, err := e.store.Get(ctx, c.node, c.session, pk)
	if err != nil {
		return nil, err
	}

	related := e.store.Render(c.node, record)[f.Name]
	if f.Kind == schema.KindRelMany {
		if related == nil {
			related = []any{}
		}
		return map[string]any{e.namer.CollectionKey(target.Name): related}, nil
	}
	if related == nil {
		related = map[string]any{}
	}
	return map[string]any{e.namer.ItemKey(target.Name): related}, nil
}

// relatedValues rewrites the query of a relation endpoint onto the parent:
// selections are prefixed with the relation and the parent serializes
// nothing but the expanded relation.
func relatedValues(values url.Values, field string) (url.Values, error) {
	out := url.Values{}
	for key, vals := range values {
		switch {
		case key == params.Filter || strings.HasPrefix(key, params.Filter+"{"):
			return nil, apierr.Validation("Filtering is not enabled on relation endpoints.")
		case key == params.Include || key == params.Exclude:
			for _, v := range vals {
				if v != "" {
					out.Add(key, field+"."+v)
				}
			}
		default:
			out[key] = vals
		}
	}
	out.Add(params.Include, field+".")
	out.Add(params.Exclude, "*")
	return out, nil
}

// CreateRelated serves POST /{entity}/{id}/{field}: it creates a record of
// the relation's target linked to the parent. To-many relations link through
// the target's inverse field; to-one relations point the parent at the new
// record afterwards.
func (e *Engine) CreateRelated(ctx context.Context, route, id, field string, body map[string]any) (out map[string]any, err error) {
	start := time.Now()
	entityName := route
	defer func() { observe(ctx, permission.ActionCreate, entityName, "", start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	f, target, err := relatedField(entity, field)
	if err != nil {
		return nil, err
	}
	pk, err := parsePK(entity, id)
	if err != nil {
		return nil, err
	}
	// The parent must be visible to the caller.
	c, err := e.compile(ctx, entity, url.Values{params.Exclude: {"*"}}, permission.ActionGet)
	if err != nil {
		return nil, err
	}
	if _, err := e.store.Get(ctx, c.node, c.session, pk); err != nil {
		return nil, err
	}

	values := normalizeBody(unwrapBody(body, e.namer.ItemKey(target.Name)))
	parent := accessFor(ctx, entity)
	var parentAccess permission.Predicate
	if f.Kind == schema.KindRelMany {
		inverse, ok := inverseField(entity, f, target)
		if !ok {
			return nil, apierr.Validation("%q has no inverse field on %s.", f.Name, target.Name)
		}
		if inverse.Kind == schema.KindRelMany {
			values[inverse.Name] = []any{pk}
		} else {
			values[inverse.Name] = pk
		}
	} else {
		if parentAccess, err = parent.predicate(permission.AccessUpdate); err != nil {
			return nil, err
		}
		if permission.IsNone(parentAccess) {
			return nil, &apierr.PermissionDeniedError{Entity: entity.Name, Access: string(permission.AccessUpdate)}
		}
	}

	a := accessFor(ctx, target)
	check, err := a.predicate(permission.AccessCreate)
	if err != nil {
		return nil, err
	}
	childPK, err := e.store.Create(ctx, a.entity, values, check, filter.NewSession())
	if err != nil {
		return nil, err
	}
	if f.Kind == schema.KindRelSingle {
		link := map[string]any{f.Name: childPK}
		if err := e.store.Update(ctx, parent.entity, pk, link, parentAccess, filter.NewSession()); err != nil {
			return nil, err
		}
	}
	return e.readBack(ctx, target, childPK)
}

// relatedField looks up a relation of entity and its target.
func relatedField(entity *schema.Entity, name string) (*schema.Field, *schema.Entity, error) {
	f, ok := entity.Field(name)
	if !ok {
		return nil, nil, apierr.Validation("Unknown field: %q.", name)
	}
	if !f.Kind.IsRelation() || f.IsRenamed() {
		return nil, nil, apierr.Validation("Not a related field: %q.", name)
	}
	target, err := entity.Target(f)
	if err != nil {
		return nil, nil, err
	}
	return f, target, nil
}

// inverseField finds the field of target that walks f backwards: the to-one
// holding the same foreign key, or the to-many over the same junction.
func inverseField(entity *schema.Entity, f *schema.Field, target *schema.Entity) (*schema.Field, bool) {
	for _, candidate := range target.Relations() {
		if candidate.Target != entity.Name || candidate.ReadOnly || candidate.IsRenamed() {
			continue
		}
		switch {
		case f.Through != nil:
			if candidate.Through != nil &&
				candidate.Through.Table == f.Through.Table &&
				candidate.Through.LocalColumn == f.Through.RemoteColumn &&
				candidate.Through.RemoteColumn == f.Through.LocalColumn {
				return candidate, true
			}
		case candidate.Kind == schema.KindRelSingle && candidate.Column == f.Column:
			return candidate, true
		}
	}
	return nil, false
}

// unwrapBody accepts a body wrapped in the target's item key.
func unwrapBody(body map[string]any, key string) map[string]any {
	if len(body) != 1 {
		return body
	}
	if inner, ok := body[key].(map[string]any); ok {
		return inner
	}
	return body
}
