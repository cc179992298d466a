package engine

import (
	"context"
	"math"
	"net/url"
	"time"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/logging"
	"dynrest/internal/permission"
	"dynrest/internal/schema"
)

// Create serves POST /{entity}. The new record must satisfy the caller's
// create predicate or the insert is rolled back. The response is the record
// as the caller would read it.
func (e *Engine) Create(ctx context.Context, route string, body map[string]any) (out map[string]any, err error) {
	start := time.Now()
	entityName := route
	defer func() { observe(ctx, permission.ActionCreate, entityName, "", start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	a := accessFor(ctx, entity)
	check, err := a.predicate(permission.AccessCreate)
	if err != nil {
		return nil, err
	}
	pk, err := e.store.Create(ctx, a.entity, normalizeBody(body), check, filter.NewSession())
	if err != nil {
		return nil, err
	}
	return e.readBack(ctx, entity, pk)
}

// Update serves PATCH /{entity}/{id}. Records outside the caller's update
// predicate are reported as missing.
func (e *Engine) Update(ctx context.Context, route, id string, body map[string]any) (out map[string]any, err error) {
	start := time.Now()
	entityName := route
	defer func() { observe(ctx, permission.ActionUpdate, entityName, "", start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	pk, err := parsePK(entity, id)
	if err != nil {
		return nil, err
	}
	a := accessFor(ctx, entity)
	pred, err := a.predicate(permission.AccessUpdate)
	if err != nil {
		return nil, err
	}
	if err := e.store.Update(ctx, a.entity, pk, normalizeBody(body), pred, filter.NewSession()); err != nil {
		return nil, err
	}
	return e.readBack(ctx, entity, pk)
}

// Delete serves DELETE /{entity}/{id}.
func (e *Engine) Delete(ctx context.Context, route, id string) (err error) {
	start := time.Now()
	entityName := route
	defer func() { observe(ctx, permission.ActionDelete, entityName, "", start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return err
	}
	entityName = entity.Name
	pk, err := parsePK(entity, id)
	if err != nil {
		return err
	}
	a := accessFor(ctx, entity)
	pred, err := a.predicate(permission.AccessDelete)
	if err != nil {
		return err
	}
	return e.store.Delete(ctx, a.entity, pk, pred, filter.NewSession())
}

// readBack renders a written record through the caller's read access. A
// record the caller may write but not read comes back as its key only.
func (e *Engine) readBack(ctx context.Context, entity *schema.Entity, pk any) (map[string]any, error) {
	c, err := e.compile(ctx, entity, url.Values{}, permission.ActionGet)
	if err != nil {
		return nil, err
	}
	key := e.namer.ItemKey(entity.Name)
	record, err := e.store.Get(ctx, c.node, c.session, pk)
	if apierr.IsNotFound(err) || apierr.IsPermissionDenied(err) {
		logging.FromContext(ctx).Debug("written record is not readable", "entity", entity.Name, "pk", pk)
		name := entity.PrimaryKey
		if f, ok := entity.FieldBySource(entity.PrimaryKey); ok {
			name = f.Name
		}
		return map[string]any{key: map[string]any{name: pk}}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{key: e.store.Render(c.node, record)}, nil
}

// normalizeBody turns integral JSON numbers into int64 so keys and integer
// columns bind as integers.
func normalizeBody(body map[string]any) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = normalizeValue(item)
		}
		return out
	default:
		return v
	}
}
