package combine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Rows is the aggregated result set in query order. Row keys are the result
// column aliases, each a term key with a leading underscore.
type Rows []map[string]any

// Shape applies post-aggregations and lays rows out for the response body's
// data member.
func Shape(q *Query, rows Rows) any {
	flat := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		flat = append(flat, normalizeRow(row))
	}

	if q.Simple() {
		data := map[string]any{}
		if len(flat) > 0 {
			data = flat[0]
		}
		if q.Flat {
			return []map[string]any{data}
		}
		return data
	}

	postAggregate(q, flat)
	if q.Flat {
		return flat
	}
	return nest(q, flat)
}

// normalizeRow strips the first underscore of every key and turns driver
// values into JSON-friendly ones.
func normalizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[strings.Replace(k, "_", "", 1)] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
			return t.Format("2006-01-02")
		}
		return t.Format("2006-01-02 15:04:05")
	default:
		return v
	}
}

func postAggregate(q *Query, rows []map[string]any) {
	dims := q.Dimensions()
	for _, term := range q.Posts() {
		e := term.Expr
		fn := functions[e.Func]
		depth := e.Dimension
		if depth > len(dims) {
			depth = len(dims)
		}
		groupKey := func(row map[string]any) string {
			if depth == 0 {
				return "1"
			}
			parts := make([]any, depth)
			for i := 0; i < depth; i++ {
				parts[i] = row[dims[i].Key]
			}
			b, err := json.Marshal(parts)
			if err != nil {
				return fmt.Sprint(parts)
			}
			return string(b)
		}

		groups := map[string][]any{}
		for _, row := range rows {
			key := groupKey(row)
			if v := row[e.Ref]; v != nil {
				groups[key] = append(groups[key], v)
			} else if _, ok := groups[key]; !ok {
				groups[key] = []any{}
			}
		}

		// percent depends on the row itself; the rest are cached per group.
		results := map[string]any{}
		for _, row := range rows {
			key := groupKey(row)
			if e.Func == "percent" {
				row[term.Key] = fn.post(groups[key], row[e.Ref])
				continue
			}
			result, ok := results[key]
			if !ok {
				result = fn.post(groups[key], nil)
				results[key] = result
			}
			row[term.Key] = result
		}
	}
}

// nest builds the by-keyed tree; over dimensions turn leaves into lists of
// [x..., y] points in row order.
func nest(q *Query, rows []map[string]any) map[string]any {
	data := map[string]any{}
	for _, row := range rows {
		x := make([]any, 0, len(q.Over))
		for _, t := range q.Over {
			x = append(x, row[t.Key])
		}
		node := data
		for _, t := range q.By {
			k := byKey(row[t.Key])
			next, ok := node[k].(map[string]any)
			if !ok {
				next = map[string]any{}
				node[k] = next
			}
			node = next
		}
		for _, term := range q.Terms {
			y := row[term.Key]
			if len(q.Over) == 0 {
				node[term.Key] = y
				continue
			}
			points, _ := node[term.Key].([]any)
			point := append(append([]any{}, x...), y)
			node[term.Key] = append(points, point)
		}
	}
	return data
}

func byKey(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
