package store

import (
	"context"
	"fmt"
	"strconv"

	"go.opentelemetry.io/otel/attribute"

	"dynrest/internal/apierr"
	"dynrest/internal/dbexec"
	"dynrest/internal/filter"
	"dynrest/internal/observability"
	"dynrest/internal/planner"
	"dynrest/internal/schema"
)

// Select fetches the root rows of a plan inside window, then every prefetch
// below them.
func (s *Store) Select(ctx context.Context, n *planner.Node, session *filter.Session, window planner.Window) (records []*Record, err error) {
	ctx, span := startStoreSpan(ctx, "store.select",
		attribute.String("dynrest.entity", n.Entity.Name),
		attribute.Int("dynrest.window.limit", window.Limit),
	)
	defer func() { finishStoreSpan(span, err, "") }()

	if n.Denied() {
		return nil, nil
	}
	q, err := s.planner.PlanSelect(n, session, window)
	if err != nil {
		return nil, err
	}
	rows, err := query(ctx, s.exec, q)
	if err != nil {
		return nil, err
	}
	records = toRecords(rows)
	if err := s.prefetch(ctx, s.exec, n, records, session); err != nil {
		return nil, err
	}
	return records, nil
}

// Count returns the number of root rows a plan matches.
func (s *Store) Count(ctx context.Context, n *planner.Node, session *filter.Session) (total int, err error) {
	ctx, span := startStoreSpan(ctx, "store.count", attribute.String("dynrest.entity", n.Entity.Name))
	defer func() { finishStoreSpan(span, err, "") }()

	if n.Denied() {
		return 0, nil
	}
	q, err := s.planner.PlanCount(n, session)
	if err != nil {
		return 0, err
	}
	rows, err := query(ctx, s.exec, q)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	for _, v := range rows[0] {
		return toInt(v)
	}
	return 0, nil
}

// Get fetches one root record by primary key.
func (s *Store) Get(ctx context.Context, n *planner.Node, session *filter.Session, pk any) (record *Record, err error) {
	ctx, span := startStoreSpan(ctx, "store.get", attribute.String("dynrest.entity", n.Entity.Name))
	defer func() { finishStoreSpan(span, err, "") }()

	return s.get(ctx, s.exec, n, session, pk)
}

func (s *Store) get(ctx context.Context, exec dbexec.QueryExecutor, n *planner.Node, session *filter.Session, pk any) (*Record, error) {
	notFound := &apierr.NotFoundError{Entity: n.Entity.Name, ID: fmt.Sprint(pk)}
	if n.Denied() {
		return nil, notFound
	}
	q, err := s.planner.PlanTableByPK(n, session, pk)
	if err != nil {
		return nil, err
	}
	rows, err := query(ctx, exec, q)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, notFound
	}
	records := toRecords(rows)
	if err := s.prefetch(ctx, exec, n, records, session); err != nil {
		return nil, err
	}
	return records[0], nil
}

// prefetch loads every prefetch of parent for the given parent records,
// batching parent keys into chunks, then recurses into the fetched children.
func (s *Store) prefetch(ctx context.Context, exec dbexec.QueryExecutor, parent *planner.Node, records []*Record, session *filter.Session) error {
	if len(records) == 0 {
		return nil
	}
	metrics := observability.MetricsFromContext(ctx)
	for _, child := range parent.Prefetches {
		rel := child.Relation
		kind := relationKind(rel)
		if child.Denied() {
			if metrics != nil {
				metrics.RecordPrefetchSkipped(ctx, kind, "no_access")
			}
			continue
		}
		keyColumn := planner.ParentKeyColumn(parent.Entity, rel)
		keys := uniqueParentValues(records, keyColumn)
		if len(keys) == 0 {
			if metrics != nil {
				metrics.RecordPrefetchSkipped(ctx, kind, "missing_parent_key")
			}
			continue
		}

		grouped := map[string][]*Record{}
		var children []*Record
		chunks := chunkValues(keys, s.batchSize)
		for _, chunk := range chunks {
			q, err := s.planner.PlanPrefetch(child, session, chunk)
			if err != nil {
				return err
			}
			rows, err := query(ctx, exec, q)
			if err != nil {
				return fmt.Errorf("prefetch %s.%s: %w", parent.Entity.Name, rel.Name, err)
			}
			if metrics != nil {
				metrics.RecordPrefetchParentCount(ctx, int64(len(chunk)), kind)
				metrics.RecordPrefetchResultRows(ctx, int64(len(rows)), kind)
			}
			for key, group := range groupByAlias(rows, planner.BatchParentAlias) {
				batch := toRecords(group)
				grouped[key] = append(grouped[key], batch...)
				children = append(children, batch...)
			}
		}
		if metrics != nil {
			metrics.RecordPrefetchQueriesSaved(ctx, int64(len(keys)-len(chunks)), kind)
		}

		if err := s.prefetch(ctx, exec, child, children, session); err != nil {
			return err
		}
		for _, rec := range records {
			raw := rec.Values[keyColumn]
			if raw == nil {
				rec.Related[rel.Source] = nil
				continue
			}
			rec.Related[rel.Source] = grouped[fmt.Sprint(raw)]
		}
	}
	return nil
}

func relationKind(f *schema.Field) string {
	switch {
	case f.Kind == schema.KindRelSingle:
		return "many_to_one"
	case f.Through != nil:
		return "many_to_many"
	default:
		return "one_to_many"
	}
}

func toRecords(rows []map[string]any) []*Record {
	records := make([]*Record, len(rows))
	for i, row := range rows {
		records[i] = newRecord(row)
	}
	return records
}

func uniqueParentValues(records []*Record, key string) []any {
	seen := make(map[string]struct{})
	values := make([]any, 0, len(records))

	for _, rec := range records {
		raw := rec.Values[key]
		if raw == nil {
			continue
		}
		normalized := fmt.Sprint(raw)
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		values = append(values, raw)
	}

	return values
}

// groupByAlias groups prefetched rows by parent key, removing the alias
// column from each row. Groups keep the statement's row order.
func groupByAlias(rows []map[string]any, alias string) map[string][]map[string]any {
	grouped := make(map[string][]map[string]any)
	for _, row := range rows {
		key := fmt.Sprint(row[alias])
		delete(row, alias)
		grouped[key] = append(grouped[key], row)
	}
	return grouped
}

func chunkValues(values []any, max int) [][]any {
	if len(values) == 0 {
		return nil
	}
	if max <= 0 || len(values) <= max {
		return [][]any{values}
	}
	chunks := make([][]any, 0, (len(values)+max-1)/max)
	for start := 0; start < len(values); start += max {
		end := start + max
		if end > len(values) {
			end = len(values)
		}
		chunks = append(chunks, values[start:end])
	}
	return chunks
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case uint64:
		return int(n), nil
	case float64:
		return int(n), nil
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(n, 64)
		return int(f), err
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("unexpected count value %T", v)
	}
}
