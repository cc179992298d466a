// Package engine compiles REST requests against an entity schema and runs
// them through the store. It owns the per-request flow: parameter parsing,
// permission evaluation, filter compilation, planning, execution and the
// response envelope.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dynrest/internal/apierr"
	"dynrest/internal/config"
	"dynrest/internal/dbexec"
	"dynrest/internal/filter"
	"dynrest/internal/logging"
	"dynrest/internal/naming"
	"dynrest/internal/observability"
	"dynrest/internal/pagination"
	"dynrest/internal/permission"
	"dynrest/internal/planner"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"
	"dynrest/internal/store"
)

// Options carry the optional collaborators of an Engine.
type Options struct {
	// Dialect renders driver specific SQL. Nil uses MySQL.
	Dialect sqlutil.Dialect
	// Namer derives envelope keys. Nil uses naming.Default().
	Namer *naming.Namer
	// Computed renders computed fields.
	Computed *store.Computed
}

// Engine serves compiled requests for every entity of one schema.
type Engine struct {
	schema     *schema.Schema
	resolver   *resolve.Resolver
	planner    *planner.Planner
	store      *store.Store
	namer      *naming.Namer
	cfg        config.CompilerConfig
	pagination pagination.Settings
	routes     map[string]*schema.Entity
}

// New builds an engine over exec. cfg is the only configuration the
// compiler consults.
func New(s *schema.Schema, exec dbexec.QueryExecutor, cfg config.CompilerConfig, opts Options) (*Engine, error) {
	if s == nil {
		return nil, fmt.Errorf("schema is required")
	}
	dialect := opts.Dialect
	if dialect == nil {
		dialect = sqlutil.MySQL{}
	}
	namer := opts.Namer
	if namer == nil {
		namer = naming.Default()
	}

	r, err := resolve.New(s, cfg.ResolverCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}
	compiler := filter.NewCompiler(r, filter.Options{CaseSensitiveOperators: cfg.CaseSensitiveOperators})
	p := planner.New(compiler, dialect, planner.PlanLimits{MaxDepth: cfg.MaxDepth, MaxStatements: cfg.MaxStatements})

	e := &Engine{
		schema:   s,
		resolver: r,
		planner:  p,
		store:    store.New(p, exec, store.Options{BatchSize: cfg.PrefetchBatchSize, Computed: opts.Computed}),
		namer:    namer,
		cfg:      cfg,
		pagination: pagination.Settings{
			DefaultPageSize: cfg.DefaultPageSize,
			MaxPageSize:     cfg.MaxPageSize,
			ExcludeCount:    cfg.ExcludeCount,
		},
		routes: map[string]*schema.Entity{},
	}
	for _, entity := range s.Entities() {
		e.routes[entity.Name] = entity
		e.routes[namer.CollectionKey(entity.Name)] = entity
	}
	return e, nil
}

// Close releases the resolver cache.
func (e *Engine) Close() {
	e.resolver.Close()
}

// Schema returns the schema the engine serves.
func (e *Engine) Schema() *schema.Schema { return e.schema }

// Entity looks an entity up by name or by its collection key.
func (e *Engine) Entity(route string) (*schema.Entity, error) {
	entity, ok := e.routes[route]
	if !ok {
		return nil, &apierr.NotFoundError{Entity: "resource", ID: route}
	}
	return entity, nil
}

// Routes lists the collection keys the engine serves.
func (e *Engine) Routes() []string {
	out := make([]string, 0, len(e.schema.Entities()))
	for _, entity := range e.schema.Entities() {
		out = append(out, e.namer.CollectionKey(entity.Name))
	}
	return out
}

// access is the permission state of one request against one entity.
type access struct {
	identity permission.Identity
	// entity carries the request-scoped field overrides.
	entity *schema.Entity
	perms  *permission.Permissions
}

// accessFor evaluates the entity's permissions for the caller. Superusers get
// no restrictions but still see the field overrides of their roles.
func accessFor(ctx context.Context, entity *schema.Entity, allowed ...permission.Access) access {
	id := permission.IdentityFromContext(ctx)
	a := access{identity: id, entity: entity}
	a.perms = permission.ForIdentity(entity.Permissions, id, false, allowed...)
	switch {
	case a.perms != nil:
		a.entity = entity.WithOverrides(a.perms.Fields().Overrides())
	case id.Superuser && len(entity.Permissions) > 0:
		full := permission.New(entity.Permissions, id, allowed...)
		a.entity = entity.WithOverrides(full.Fields().Overrides())
	}
	return a
}

// predicate returns the caller's predicate for kind. Unrestricted callers get
// Full.
func (a access) predicate(kind permission.Access) (permission.Predicate, error) {
	if a.perms == nil {
		return permission.Full, nil
	}
	pred, err := a.perms.Get(kind)
	if err != nil {
		return nil, fmt.Errorf("%s %s access: %w", a.entity.Name, kind, err)
	}
	return pred, nil
}

// parsePK converts a path id to the primary key's storage type.
func parsePK(entity *schema.Entity, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, apierr.Validation("A primary key is required.")
	}
	f, ok := entity.FieldBySource(entity.PrimaryKey)
	if ok && f.Type == schema.TypeInt {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, &apierr.NotFoundError{Entity: entity.Name, ID: raw}
		}
		return n, nil
	}
	return raw, nil
}

// observe logs and records the outcome of one request.
func observe(ctx context.Context, action permission.Action, entity, fingerprint string, start time.Time, err error) {
	class := apierr.Class(err)
	logger := logging.FromContext(ctx)
	fields := []any{
		"action", string(action),
		"entity", entity,
		"outcome", class,
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if fingerprint != "" {
		fields = append(fields, "fingerprint", fingerprint)
	}
	switch class {
	case "success":
		logger.Debug("request served", fields...)
	case "error":
		logger.Error("request failed", append(fields, "error", err)...)
	default:
		logger.Info("request rejected", append(fields, "error", err)...)
	}

	if metrics := observability.MetricsFromContext(ctx); metrics != nil {
		errorClass := ""
		if err != nil {
			errorClass = class
		}
		metrics.RecordRequest(ctx, time.Since(start), string(action), entity, errorClass)
	}
}

func recordPlan(ctx context.Context, n *planner.Node) {
	if metrics := observability.MetricsFromContext(ctx); metrics != nil {
		cost := planner.EstimateCost(n)
		metrics.RecordPlan(ctx, int64(cost.Depth), int64(cost.Statements), n.Entity.Name)
	}
}
