package combine

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
)

func TestParseTerms(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(name)", " count( country_id) / count(id) + 0.1 as c ", "max(country_name),min(country_name)"}})
	require.NoError(t, err)
	require.Len(t, q.Terms, 4)

	assert.Equal(t, "count(name)", q.Terms[0].Key)
	assert.Equal(t, KindCall, q.Terms[0].Expr.Kind)
	assert.Equal(t, "count", q.Terms[0].Expr.Func)
	assert.Equal(t, "name", q.Terms[0].Expr.Arg.Path)

	arith := q.Terms[1]
	assert.Equal(t, "c", arith.Key)
	require.Equal(t, KindArithmetic, arith.Expr.Kind)
	assert.Equal(t, []string{"/", "+"}, arith.Expr.Operators)
	require.Len(t, arith.Expr.Operands, 3)
	assert.True(t, arith.Expr.Operands[0].Float)
	assert.True(t, arith.Expr.Operands[1].Float)
	assert.False(t, arith.Expr.Operands[2].Float)
	assert.Equal(t, KindLiteral, arith.Expr.Operands[2].Kind)
	assert.Equal(t, 0.1, arith.Expr.Operands[2].Literal)

	assert.Equal(t, "max(country_name)", q.Terms[2].Key)
	assert.Equal(t, "min(country_name)", q.Terms[3].Key)
}

func TestParseAsIsCaseInsensitive(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"COUNT(name) AS numCats"}})
	require.NoError(t, err)
	assert.Equal(t, "numCats", q.Terms[0].Key)
	assert.Equal(t, "count", q.Terms[0].Expr.Func)
}

func TestParseLiterals(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(id) * 3 as tripled"}})
	require.NoError(t, err)
	assert.Equal(t, int64(3), q.Terms[0].Expr.Operands[1].Literal)
	assert.Equal(t, "1.2.3", literalize("1.2.3"))
	assert.Nil(t, literalize("null"))
}

func TestParsePostAggregates(t *testing.T) {
	q, err := Parse(Request{
		Expressions: []string{"count(name) as count,count1(count) as c1,percent0(count) as p0,percent(count) as p"},
		Over:        []string{"month(date_of_birth),last_name"},
	})
	require.NoError(t, err)
	require.Len(t, q.Posts(), 3)
	assert.Len(t, q.Aggregates(), 1)

	c1 := q.Terms[1].Expr
	assert.Equal(t, KindPost, c1.Kind)
	assert.Equal(t, "count", c1.Func)
	assert.Equal(t, 1, c1.Dimension)
	assert.Equal(t, "count", c1.Ref)

	assert.Equal(t, "percent", q.Terms[3].Expr.Func)
	assert.Equal(t, 0, q.Terms[3].Expr.Dimension)
	require.Len(t, q.Over, 2)
	assert.Equal(t, "month", q.Over[0].Expr.Func)
	assert.Equal(t, KindField, q.Over[1].Expr.Kind)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{name: "empty", req: Request{Expressions: []string{" "}}, want: "No value provided for combine query parameter"},
		{name: "no expressions", req: Request{}, want: "No value provided for combine query parameter"},
		{name: "unknown", req: Request{Expressions: []string{"median(id)"}}, want: `Unknown function: "median"`},
		{name: "cannot post aggregate", req: Request{Expressions: []string{"year0(created)"}}, want: "Cannot post-aggregate using year0"},
		{name: "arithmetic", req: Request{Expressions: []string{"count(id) +"}}, want: "Arithmetic exception: invalid expression: 'count(id) +'"},
		{name: "by post", req: Request{Expressions: []string{"count(id)"}, By: []string{"sum0(id)"}}, want: `Expression invalid for "by": sum0(id)`},
		{name: "double as", req: Request{Expressions: []string{"count(id) as a as b"}}, want: "Invalid expression"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.req)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.True(t, apierr.IsValidation(err))
		})
	}
}

func TestBucket(t *testing.T) {
	day := 24 * time.Hour
	tests := []struct {
		span time.Duration
		want string
	}{
		{119 * time.Second, "second"},
		{119 * time.Minute, "minute"},
		{47 * time.Hour, "hour"},
		{13 * day, "day"},
		{31 * day, "week"},
		{300 * day, "month"},
		{3 * 365 * day, "quarter"},
		{5 * 365 * day, "year"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Bucket(tt.span, true), tt.span.String())
	}
	assert.Equal(t, "month", Bucket(0, false))
}

func TestResolveAuto(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(name)"}, Over: []string{"auto(date_of_birth)"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"date_of_birth"}, AutoPaths(q))

	ResolveAuto(q, map[string]time.Duration{"date_of_birth": 31 * 24 * time.Hour})
	assert.Equal(t, "week", q.Over[0].Expr.Func)
}

func TestShapeSimple(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(name) as count"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"count": int64(3)}, Shape(q, Rows{{"_count": int64(3)}}))

	q.Flat = true
	assert.Equal(t, []map[string]any{{"count": int64(3)}}, Shape(q, Rows{{"_count": int64(3)}}))
}

func TestShapeBy(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(name)"}, By: []string{"country_name"}})
	require.NoError(t, err)

	got := Shape(q, Rows{
		{"_country_name": "United States", "_count(name)": int64(2)},
		{"_country_name": "China", "_count(name)": int64(1)},
		{"_country_name": nil, "_count(name)": int64(1)},
	})
	want := map[string]any{
		"United States": map[string]any{"count(name)": int64(2)},
		"China":         map[string]any{"count(name)": int64(1)},
		"":              map[string]any{"count(name)": int64(1)},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("by shape mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeOverAndBy(t *testing.T) {
	q, err := Parse(Request{
		Expressions: []string{"count(name)", "min(name)"},
		Over:        []string{"month(date_of_birth)"},
		By:          []string{"last_name"},
	})
	require.NoError(t, err)

	got := Shape(q, Rows{
		{"_last_name": "Family1", "_month(date_of_birth)": "2020-01-01", "_count(name)": int64(1), "_min(name)": "test1"},
		{"_last_name": "Family1", "_month(date_of_birth)": "2020-02-01", "_count(name)": int64(1), "_min(name)": "test2"},
		{"_last_name": "Family2", "_month(date_of_birth)": "2020-01-01", "_count(name)": int64(1), "_min(name)": "test1"},
	})
	want := map[string]any{
		"Family1": map[string]any{
			"count(name)": []any{[]any{"2020-01-01", int64(1)}, []any{"2020-02-01", int64(1)}},
			"min(name)":   []any{[]any{"2020-01-01", "test1"}, []any{"2020-02-01", "test2"}},
		},
		"Family2": map[string]any{
			"count(name)": []any{[]any{"2020-01-01", int64(1)}},
			"min(name)":   []any{[]any{"2020-01-01", "test1"}},
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("over/by shape mismatch (-want +got):\n%s", diff)
	}
}

func TestShapeFlatPostAggregates(t *testing.T) {
	q, err := Parse(Request{
		Expressions: []string{"count(name) as count,count0(count) as count0,count1(count) as count1,count2(count) as count2,min(name),percent0(count) as p0"},
		Over:        []string{"month(date_of_birth),last_name"},
		Format:      []string{"flat"},
	})
	require.NoError(t, err)

	got := Shape(q, Rows{
		{"_month(date_of_birth)": "2020-01-01", "_last_name": "Family1", "_count": int64(1), "_min(name)": "test1"},
		{"_month(date_of_birth)": "2020-01-01", "_last_name": "Family2", "_count": int64(1), "_min(name)": "test1"},
		{"_month(date_of_birth)": "2020-02-01", "_last_name": "Family1", "_count": int64(1), "_min(name)": "test2"},
	})
	rows, ok := got.([]map[string]any)
	require.True(t, ok)
	require.Len(t, rows, 3)

	third := "33.33333333333333333333333333"
	for i, wantCount1 := range []int64{2, 2, 1} {
		assert.Equal(t, int64(3), rows[i]["count0"])
		assert.Equal(t, wantCount1, rows[i]["count1"])
		assert.Equal(t, int64(1), rows[i]["count2"])
		assert.Equal(t, third, rows[i]["p0"])
	}
	assert.Equal(t, "Family2", rows[1]["last_name"])
}

func TestPostFunctions(t *testing.T) {
	values := []any{int64(1), int64(3), int64(3)}
	assert.Equal(t, int64(7), postSum(values, nil))
	assert.Equal(t, int64(1), postMin(values, nil))
	assert.Equal(t, int64(3), postMax(values, nil))
	assert.InDelta(t, 2.333, postAvg(values, nil).(float64), 0.001)
	assert.Equal(t, int64(3), postCount(values, nil))
	assert.Equal(t, int64(2), postDistinct(values, nil))
	assert.Nil(t, postPercent([]any{int64(0)}, int64(0)))
	assert.Equal(t, "50", postPercent([]any{int64(1), int64(1)}, int64(1)))
	assert.Equal(t, 1.5, postSum([]any{1.0, 0.5}, nil))
	assert.Nil(t, postMin(nil, nil))
}

func TestShapeNormalizesDriverValues(t *testing.T) {
	q, err := Parse(Request{Expressions: []string{"count(id)"}, Over: []string{"day(created)"}})
	require.NoError(t, err)
	got := Shape(q, Rows{{"_day(created)": time.Date(2020, 1, 5, 0, 0, 0, 0, time.UTC), "_count(id)": []byte("2")}})
	want := map[string]any{"count(id)": []any{[]any{"2020-01-05", "2"}}}
	assert.Equal(t, want, got)
}
