// Package store executes compiled plans against a relational database and
// renders the fetched records. Root selects, counts, batched prefetches,
// combine queries and permission-checked writes all run through a
// dbexec.QueryExecutor.
package store

import (
	"context"
	"fmt"
	"time"

	"dynrest/internal/apierr"
	"dynrest/internal/dbexec"
	"dynrest/internal/logging"
	"dynrest/internal/planner"
)

// DefaultBatchSize caps the parent keys bound into one prefetch statement.
const DefaultBatchSize = 500

// Options tune a Store.
type Options struct {
	// BatchSize caps the parent keys per prefetch statement. Zero uses
	// DefaultBatchSize.
	BatchSize int
	// Computed renders computed fields. Nil renders their raw requirements.
	Computed *Computed
}

// Store runs plans rendered by one planner.
type Store struct {
	planner   *planner.Planner
	exec      dbexec.QueryExecutor
	computed  *Computed
	batchSize int
}

// New returns a store executing statements with exec. Writes need exec to
// implement dbexec.Beginner.
func New(p *planner.Planner, exec dbexec.QueryExecutor, opts Options) *Store {
	size := opts.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	computed := opts.Computed
	if computed == nil {
		computed = NewComputed()
	}
	return &Store{planner: p, exec: exec, computed: computed, batchSize: size}
}

// Planner returns the planner the store renders statements with.
func (s *Store) Planner() *planner.Planner { return s.planner }

// Record is one fetched row plus the prefetched records of its relations,
// keyed by relation source.
type Record struct {
	Values  map[string]any
	Related map[string][]*Record
}

func newRecord(values map[string]any) *Record {
	return &Record{Values: values, Related: map[string][]*Record{}}
}

// query runs a select and scans every row into a column-keyed map.
func query(ctx context.Context, exec dbexec.QueryExecutor, q planner.SQLQuery) ([]map[string]any, error) {
	logger := logging.FromContext(ctx)
	start := time.Now()
	rows, err := exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		logger.Debug("query failed", "sql", q.SQL, "error", err)
		return nil, apierr.FromStore(err)
	}
	defer rows.Close()

	results, err := scanRows(rows)
	if err != nil {
		return nil, apierr.FromStore(err)
	}
	logger.Debug("query executed",
		"sql", q.SQL,
		"rows", len(results),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return results, nil
}

func scanRows(rows dbexec.Rows) ([]map[string]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read result columns: %w", err)
	}
	var results []map[string]any

	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))

		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		row := make(map[string]any, len(columns))
		for i, col := range columns {
			row[col] = convertValue(values[i])
		}

		results = append(results, row)
	}

	return results, rows.Err()
}

func convertValue(val any) any {
	if val == nil {
		return nil
	}

	// Drivers hand text columns back as bytes.
	if b, ok := val.([]byte); ok {
		return string(b)
	}

	return val
}
