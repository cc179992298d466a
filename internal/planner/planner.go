// Package planner converts compiled requests into parameterized SQL statements.
// It builds the nested fetch plan (columns, prefetches, access predicates),
// renders filter trees as correlated subqueries, and emits the select, count,
// prefetch, aggregate and mutation statements the store executes.
package planner

import (
	"dynrest/internal/filter"
	"dynrest/internal/sqlutil"
)

// Planner renders plans for one schema and one store dialect. It holds no
// per-request state and is safe for concurrent use.
type Planner struct {
	compiler *filter.Compiler
	dialect  sqlutil.Dialect
	limits   PlanLimits
}

// New returns a planner compiling filter specs with compiler and rendering SQL
// for dialect.
func New(compiler *filter.Compiler, dialect sqlutil.Dialect, limits PlanLimits) *Planner {
	return &Planner{compiler: compiler, dialect: dialect, limits: limits}
}

// Compiler returns the filter compiler used for access and scope specs.
func (p *Planner) Compiler() *filter.Compiler { return p.compiler }

// Dialect returns the SQL dialect statements are rendered for.
func (p *Planner) Dialect() sqlutil.Dialect { return p.dialect }

// Limits returns the configured plan limits.
func (p *Planner) Limits() PlanLimits { return p.limits }
