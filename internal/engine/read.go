package engine

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"dynrest/internal/apierr"
	"dynrest/internal/combine"
	"dynrest/internal/filter"
	"dynrest/internal/logging"
	"dynrest/internal/observability"
	"dynrest/internal/pagination"
	"dynrest/internal/params"
	"dynrest/internal/permission"
	"dynrest/internal/planner"
	"dynrest/internal/requirement"
	"dynrest/internal/schema"
	"dynrest/internal/store"
)

// compiled is one request compiled down to a fetch plan.
type compiled struct {
	request *params.Request
	access  access
	node    *planner.Node
	session *filter.Session
	// paging is set for list requests.
	paging     *pagination.Plan
	seekColumn string
}

// compile parses values and plans the request root for action. List
// requests also resolve their pagination strategy; cursor mode replaces the
// requested ordering with the entity's cursor ordering.
func (e *Engine) compile(ctx context.Context, entity *schema.Entity, values url.Values, action permission.Action) (*compiled, error) {
	req, err := params.Parse(values)
	if err != nil {
		return nil, err
	}
	c := &compiled{request: req, access: accessFor(ctx, entity), session: filter.NewSession()}
	scoped := c.access.entity

	pred, err := c.access.predicate(permission.QuerysetAccess(action))
	if err != nil {
		return nil, err
	}
	tree, err := e.planner.Compiler().Compile(scoped, req.Filters, c.session)
	if err != nil {
		return nil, err
	}

	in := planner.Input{
		Entity:     scoped,
		Tree:       tree,
		Combinator: req.FilterCombinator(filter.ParseCombinator(e.cfg.DefaultCombinator)),
		Identity:   c.access.identity,
		Access:     pred,
		Mode:       planner.Mode{Action: action, ExpandAll: req.Admin()},
	}
	if req.HasSelection() {
		sel, err := requirement.ParseFields(req.Include, req.Exclude)
		if err != nil {
			return nil, err
		}
		in.Selection = sel.Root()
	}

	if action == permission.ActionList && req.Combine == nil {
		if c.paging, err = pagination.New(req.Pagination, e.pagination, e.cursorOrder(scoped)); err != nil {
			return nil, err
		}
	}
	if c.paging != nil && c.paging.Mode == pagination.ModeCursor {
		if err := e.cursorInput(scoped, c, &in); err != nil {
			return nil, err
		}
	} else if in.Order, err = e.planner.ParseOrdering(scoped, req.Sort); err != nil {
		return nil, err
	}

	if c.node, err = e.planner.Build(in); err != nil {
		return nil, err
	}
	recordPlan(ctx, c.node)
	logging.FromContext(ctx).Debug("compiled request",
		"entity", entity.Name,
		"action", string(action),
		"fingerprint", req.Fingerprint(),
		"statements", planner.EstimateCost(c.node).Statements,
	)
	return c, nil
}

func (e *Engine) cursorOrder(entity *schema.Entity) string {
	if entity.CursorField != "" {
		return entity.CursorField
	}
	return e.cfg.CursorField
}

// cursorInput orders the root by the cursor field and makes sure its column
// is fetched so the next cursor can be read off the last row.
func (e *Engine) cursorInput(entity *schema.Entity, c *compiled, in *planner.Input) error {
	order := c.paging.Order()
	f, ok := entity.Field(order.Field)
	if !ok || !f.IsColumn() {
		return apierr.Validation("Cursor field %q is not a column of %s.", order.Field, entity.Name)
	}
	res, err := e.resolver.ResolveQueryable(entity, order.Field)
	if err != nil {
		return err
	}
	in.Order = []planner.OrderTerm{{Path: res, Desc: order.Desc}}
	reqs, err := requirement.ParseFields([]string{order.Field}, nil)
	if err != nil {
		return err
	}
	in.Requirements = reqs.Root()
	c.seekColumn = f.Source
	return nil
}

// List serves GET /{entity}: a page of records, or a combine result when
// the request carries combine parameters.
func (e *Engine) List(ctx context.Context, route string, values url.Values) (out map[string]any, err error) {
	start := time.Now()
	fingerprint := ""
	entityName := route
	defer func() { observe(ctx, permission.ActionList, entityName, fingerprint, start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	c, err := e.compile(ctx, entity, values, permission.ActionList)
	if err != nil {
		return nil, err
	}
	fingerprint = c.request.Fingerprint()
	if c.request.Combine != nil {
		return e.aggregate(ctx, c)
	}

	total := 0
	if c.paging.Count {
		if total, err = e.store.Count(ctx, c.node, c.session); err != nil {
			return nil, err
		}
	} else if metrics := observability.MetricsFromContext(ctx); metrics != nil {
		reason := "exclude_count"
		if c.paging.Mode == pagination.ModeCursor {
			reason = "cursor"
		}
		metrics.RecordCountSkipped(ctx, reason)
	}

	window, err := c.paging.Window(total, c.seekColumn)
	if err != nil {
		return nil, err
	}
	records, err := e.store.Select(ctx, c.node, c.session, window)
	if err != nil {
		return nil, err
	}
	records, meta := pagination.Finish(c.paging, records, total, func(r *store.Record) any {
		return r.Values[c.seekColumn]
	})
	if metrics := observability.MetricsFromContext(ctx); metrics != nil {
		metrics.RecordResultsCount(ctx, int64(len(records)), string(permission.ActionList))
	}

	return map[string]any{
		e.namer.CollectionKey(entity.Name): e.store.RenderAll(c.node, records),
		"meta":                             meta.Map(),
	}, nil
}

// aggregate runs a combine request. Debug requests also get the generated
// SQL under meta.
func (e *Engine) aggregate(ctx context.Context, c *compiled) (map[string]any, error) {
	q, err := combine.Parse(*c.request.Combine)
	if err != nil {
		return nil, err
	}
	result, err := e.store.Aggregate(ctx, c.node, q, c.session)
	if err != nil {
		return nil, err
	}
	out := map[string]any{"data": result.Data}
	if c.request.Debug && len(result.SQL) > 0 {
		meta := map[string]any{"query": result.SQL[len(result.SQL)-1]}
		if len(result.SQL) > 1 {
			meta["queries"] = result.SQL
		}
		out["meta"] = meta
	}
	return out, nil
}

// Get serves GET /{entity}/{id}.
func (e *Engine) Get(ctx context.Context, route, id string, values url.Values) (out map[string]any, err error) {
	start := time.Now()
	fingerprint := ""
	entityName := route
	defer func() { observe(ctx, permission.ActionGet, entityName, fingerprint, start, err) }()

	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	entityName = entity.Name
	pk, err := parsePK(entity, id)
	if err != nil {
		return nil, err
	}
	c, err := e.compile(ctx, entity, values, permission.ActionGet)
	if err != nil {
		return nil, err
	}
	fingerprint = c.request.Fingerprint()
	record, err := e.store.Get(ctx, c.node, c.session, pk)
	if err != nil {
		return nil, err
	}
	return map[string]any{e.namer.ItemKey(entity.Name): e.store.Render(c.node, record)}, nil
}

// Permissions serves GET /{entity}/permissions: the access kinds the caller
// holds plus the field overrides.
func (e *Engine) Permissions(ctx context.Context, route string) (map[string]any, error) {
	entity, err := e.Entity(route)
	if err != nil {
		return nil, err
	}
	a := accessFor(ctx, entity)
	if a.perms == nil {
		out := make(map[string]any, len(permission.AllMethods)+1)
		for _, kind := range permission.AllMethods {
			out[string(kind)] = true
		}
		out[string(permission.AccessFields)] = true
		return map[string]any{"permissions": out}, nil
	}
	out, err := a.perms.Serialize()
	if err != nil {
		return nil, fmt.Errorf("serialize %s permissions: %w", entity.Name, err)
	}
	return map[string]any{"permissions": out}, nil
}
