package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"dynrest/internal/combine"
	"dynrest/internal/filter"
	"dynrest/internal/planner"
)

// AggregateResult is a shaped combine response plus the statements that
// produced it.
type AggregateResult struct {
	Data any
	SQL  []string
}

// Aggregate runs a combine query over the rows a plan's root matches.
// auto(...) buckets are resolved first by measuring the span of each path.
func (s *Store) Aggregate(ctx context.Context, n *planner.Node, q *combine.Query, session *filter.Session) (result AggregateResult, err error) {
	ctx, span := startStoreSpan(ctx, "store.aggregate",
		attribute.String("dynrest.entity", n.Entity.Name),
		attribute.Int("dynrest.combine.terms", len(q.Terms)),
	)
	defer func() { finishStoreSpan(span, err, "") }()

	if paths := combine.AutoPaths(q); len(paths) > 0 {
		spanQuery, err := s.planner.PlanAutoSpan(n, paths, session)
		if err != nil {
			return result, err
		}
		result.SQL = append(result.SQL, spanQuery.SQL)
		spans := map[string]time.Duration{}
		if !n.Denied() {
			rows, err := query(ctx, s.exec, spanQuery)
			if err != nil {
				return result, err
			}
			if len(rows) > 0 {
				for i, path := range paths {
					minKey, maxKey := planner.AutoSpanColumns(i)
					lo, loErr := toInt(rows[0][minKey])
					hi, hiErr := toInt(rows[0][maxKey])
					if rows[0][minKey] == nil || rows[0][maxKey] == nil || loErr != nil || hiErr != nil {
						continue
					}
					spans[path] = time.Duration(hi-lo) * time.Second
				}
			}
		}
		combine.ResolveAuto(q, spans)
	}

	statement, _, err := s.planner.PlanCombine(n, q, session)
	if err != nil {
		return result, err
	}
	result.SQL = append(result.SQL, statement.SQL)

	var rows []map[string]any
	if !n.Denied() {
		if rows, err = query(ctx, s.exec, statement); err != nil {
			return result, err
		}
	}
	result.Data = combine.Shape(q, combine.Rows(rows))
	return result, nil
}
