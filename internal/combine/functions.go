package combine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FunctionKind says how a function is rendered in SQL.
type FunctionKind int

const (
	// Aggregate functions reduce a group: sum, min, max, avg, count, distinct.
	Aggregate FunctionKind = iota
	// Truncate functions bucket a temporal value.
	Truncate
	// Scalar functions transform a value: length, lower, upper.
	Scalar
	// PostOnly functions exist only as post-aggregations: percent.
	PostOnly
)

type function struct {
	kind FunctionKind
	// unit is the truncation unit of a Truncate function.
	unit          string
	postAggregate bool
	post          func(values []any, this any) any
}

var functions = map[string]function{
	"sum":      {kind: Aggregate, postAggregate: true, post: postSum},
	"min":      {kind: Aggregate, postAggregate: true, post: postMin},
	"max":      {kind: Aggregate, postAggregate: true, post: postMax},
	"avg":      {kind: Aggregate, postAggregate: true, post: postAvg},
	"count":    {kind: Aggregate, postAggregate: true, post: postCount},
	"distinct": {kind: Aggregate, postAggregate: true, post: postDistinct},
	"percent":  {kind: PostOnly, postAggregate: true, post: postPercent},
	"year":     {kind: Truncate, unit: "year"},
	"quarter":  {kind: Truncate, unit: "quarter"},
	"month":    {kind: Truncate, unit: "month"},
	"week":     {kind: Truncate, unit: "week"},
	"day":      {kind: Truncate, unit: "day"},
	"date":     {kind: Truncate, unit: "day"},
	"hour":     {kind: Truncate, unit: "hour"},
	"minute":   {kind: Truncate, unit: "minute"},
	"second":   {kind: Truncate, unit: "second"},
	"length":   {kind: Scalar},
	"lower":    {kind: Scalar},
	"upper":    {kind: Scalar},
}

// Lookup returns the kind and truncation unit of a SQL-rendered function.
// Auto must be resolved with Bucket first.
func Lookup(name string) (FunctionKind, string, bool) {
	fn, ok := functions[name]
	if !ok {
		return 0, "", false
	}
	return fn.kind, fn.unit, true
}

// DateUnit reports whether a truncation unit yields a date rather than a
// timestamp.
func DateUnit(unit string) bool {
	switch unit {
	case "year", "quarter", "month", "week", "day":
		return true
	default:
		return false
	}
}

// Bucket picks the truncation unit for auto(path) from the span between the
// smallest and largest value. Without a span it falls back to month.
func Bucket(span time.Duration, ok bool) string {
	if !ok || span < 0 {
		return "month"
	}
	seconds := span.Seconds()
	limit := 120.0
	for _, step := range []struct {
		unit   string
		factor float64
	}{
		{"second", 60}, {"minute", 24}, {"hour", 7}, {"day", 4}, {"week", 6}, {"month", 4},
	} {
		if seconds < limit {
			return step.unit
		}
		limit *= step.factor
	}
	if seconds < limit {
		return "quarter"
	}
	return "year"
}

// ResolveAuto rewrites every auto(...) call to the unit picked for it.
// spans maps the auto argument path to its span; a missing entry means the
// path had no usable values.
func ResolveAuto(q *Query, spans map[string]time.Duration) {
	q.Calls(func(e *Expr) {
		if e.Func != "auto" {
			return
		}
		span, ok := spans[e.Arg.Path]
		e.Func = Bucket(span, ok)
	})
}

// AutoPaths lists the distinct argument paths of auto calls.
func AutoPaths(q *Query) []string {
	seen := map[string]bool{}
	var out []string
	q.Calls(func(e *Expr) {
		if e.Func == "auto" && e.Arg != nil && !seen[e.Arg.Path] {
			seen[e.Arg.Path] = true
			out = append(out, e.Arg.Path)
		}
	})
	sort.Strings(out)
	return out
}

func numeric(v any) (decimal.Decimal, bool) {
	switch n := v.(type) {
	case int:
		return decimal.NewFromInt(int64(n)), true
	case int32:
		return decimal.NewFromInt32(n), true
	case int64:
		return decimal.NewFromInt(n), true
	case uint64:
		return decimal.NewFromUint64(n), true
	case float32:
		return decimal.NewFromFloat32(n), true
	case float64:
		return decimal.NewFromFloat(n), true
	case decimal.Decimal:
		return n, true
	case []byte:
		d, err := decimal.NewFromString(string(n))
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(n)
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

func integral(values []any) bool {
	for _, v := range values {
		switch v.(type) {
		case int, int32, int64, uint64:
		default:
			return false
		}
	}
	return true
}

func postSum(values []any, _ any) any {
	total := decimal.Zero
	for _, v := range values {
		if d, ok := numeric(v); ok {
			total = total.Add(d)
		}
	}
	if integral(values) {
		return total.IntPart()
	}
	f, _ := total.Float64()
	return f
}

func postAvg(values []any, _ any) any {
	if len(values) == 0 {
		return nil
	}
	total := decimal.Zero
	for _, v := range values {
		if d, ok := numeric(v); ok {
			total = total.Add(d)
		}
	}
	f, _ := total.Div(decimal.NewFromInt(int64(len(values)))).Float64()
	return f
}

func postCount(values []any, _ any) any { return int64(len(values)) }

func postDistinct(values []any, _ any) any {
	seen := map[string]bool{}
	for _, v := range values {
		seen[fmt.Sprintf("%T:%v", v, v)] = true
	}
	return int64(len(seen))
}

func postMin(values []any, _ any) any { return extreme(values, -1) }

func postMax(values []any, _ any) any { return extreme(values, 1) }

// extreme returns the smallest (sign -1) or largest (sign 1) value. Numbers
// compare numerically, everything else by its string form.
func extreme(values []any, sign int) any {
	var best any
	for _, v := range values {
		if best == nil || compare(v, best)*sign > 0 {
			best = v
		}
	}
	return best
}

func compare(a, b any) int {
	da, okA := numeric(a)
	db, okB := numeric(b)
	if okA && okB {
		return da.Cmp(db)
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

var hundred = decimal.NewFromInt(100)

// percentPlaces matches 28 significant digits for two-digit percentages.
const percentPlaces = 26

func postPercent(values []any, this any) any {
	sum := decimal.Zero
	for _, v := range values {
		if d, ok := numeric(v); ok {
			sum = sum.Add(d)
		}
	}
	if sum.IsZero() {
		return nil
	}
	value := decimal.Zero
	if this != nil {
		if d, ok := numeric(this); ok {
			value = d
		}
	}
	return hundred.Mul(value).DivRound(sum, percentPlaces).String()
}
