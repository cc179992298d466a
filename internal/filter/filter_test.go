package filter

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/permission"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
	"dynrest/internal/schema/schematest"
)

func newCompiler(t *testing.T, opts Options) (*Compiler, *schema.Schema) {
	t.Helper()
	s := schematest.Load(t)
	r, err := resolve.New(s, 0)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return NewCompiler(r, opts), s
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key  string
		want parsed
	}{
		{key: "name", want: parsed{terms: []string{"name"}}},
		{key: "-name", want: parsed{exclude: true, terms: []string{"name"}}},
		{key: "name.icontains", want: parsed{terms: []string{"name"}, operator: OpIContains}},
		{key: "name.eq", want: parsed{terms: []string{"name"}}},
		{key: "groups.$count.gte", want: parsed{terms: []string{"groups"}, count: true, operator: OpGte}},
		{key: "groups.$count", want: parsed{terms: []string{"groups"}, count: true}},
		{key: "groups|name", want: parsed{relation: "groups", terms: []string{"name"}}},
		{key: "last_name*", want: parsed{terms: []string{"last_name"}, reference: true}},
		{key: "in", want: parsed{terms: []string{"in"}}},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := parseKey(tt.key)
			require.NoError(t, err)
			if diff := cmp.Diff(tt.want, got, cmp.AllowUnexported(parsed{})); diff != "" {
				t.Errorf("parseKey(%q) mismatch (-want +got):\n%s", tt.key, diff)
			}
		})
	}

	for _, bad := range []string{"a|b|c", "|name", "-", "name..in"} {
		_, err := parseKey(bad)
		var malformed *apierr.MalformedFilterKeyError
		assert.True(t, errors.As(err, &malformed), bad)
	}
}

func TestCompileBuckets(t *testing.T) {
	c, s := newCompiler(t, Options{CaseSensitiveOperators: true})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{
		"-name":           {"1"},
		"location.name":   {"Oslo"},
		"id.in":           {"1", "2"},
		"groups.name.eq":  {"admins"},
		"is_dead":         {"okies"},
		"name.startswith": {"A"},
	}, NewSession())
	require.NoError(t, err)

	assert.Equal(t, []string{"groups.name", "id.in", "is_dead", "location.name", "name.startswith"}, tree.IncludeKeys())
	assert.Equal(t, []string{"name"}, tree.ExcludeKeys())
	assert.Equal(t, []any{int64(1), int64(2)}, tree.Include["id.in"].Value)
	assert.Equal(t, true, tree.Include["is_dead"].Value)
	assert.Equal(t, OpStartsWith, tree.Include["name.startswith"].Operator)
	assert.True(t, tree.CrossesMany())
	assert.Empty(t, tree.Annotations)
}

func TestCompileBooleanCoercion(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	for value, want := range map[string]bool{"0": false, "false": false, "FALSE": false, "": false, "1": true, "okies": true} {
		tree, err := c.Compile(user, map[string][]string{"is_dead": {value}}, nil)
		require.NoError(t, err)
		assert.Equal(t, want, tree.Include["is_dead"].Value, value)
	}

	// Non-boolean columns keep the string.
	tree, err := c.Compile(user, map[string][]string{"name": {"false"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "false", tree.Include["name"].Value)
}

func TestCompileRange(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{
		"id.range":            {"1", "5", "9"},
		"date_of_birth.range": {"", "2020-01-01"},
		"created.range":       {"2020-01-01", ""},
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(1), int64(5)}, tree.Include["id.range"].Value)
	assert.Equal(t, "2020-01-01", tree.Include["date_of_birth.lte"].Value)
	assert.Equal(t, "2020-01-01", tree.Include["created.gte"].Value)

	_, err = c.Compile(user, map[string][]string{"id.range": {"1"}}, nil)
	assert.True(t, apierr.IsValidation(err))
}

func TestCompileCaseInsensitiveFallback(t *testing.T) {
	c, s := newCompiler(t, Options{CaseSensitiveOperators: false})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{"name.contains": {"an"}}, nil)
	require.NoError(t, err)
	cond, ok := tree.Include["name.icontains"]
	require.True(t, ok)
	assert.Equal(t, OpIContains, cond.Operator)
}

func TestCompileCountAnnotations(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")
	session := NewSession()

	tree, err := c.Compile(user, map[string][]string{
		"groups.$count.gte":      {"2"},
		"permissions.$count.lte": {"1"},
	}, session)
	require.NoError(t, err)

	assert.Equal(t, []string{"_c0", "_c1"}, tree.AnnotationNames())
	assert.Equal(t, []string{"_c0.gte", "_c1.lte"}, tree.IncludeKeys())
	assert.Equal(t, int64(2), tree.Include["_c0.gte"].Value)
	assert.Equal(t, "groups", tree.Annotations["_c0"].Steps[0].Field.Name)
	assert.Equal(t, 2, session.Issued())
}

func TestCompileScopedRelation(t *testing.T) {
	c, s := newCompiler(t, Options{})
	location := schematest.Entity(t, s, "location")
	session := NewSession()

	tree, err := c.Compile(location, map[string][]string{
		"living_users.$count.gte": {"1"},
		"living_users.name":       {"Ann"},
	}, session)
	require.NoError(t, err)

	// Sorted key order: the count entry compiles first and takes _f0 and _c1.
	assert.Equal(t, []string{"_c1.gte", "_f2.name"}, tree.IncludeKeys())
	count := tree.Annotations["_c1"]
	assert.Equal(t, AnnotateCount, count.Kind)
	assert.Equal(t, "_f0", count.Of)
	assert.Empty(t, count.Steps)

	scoped := tree.Annotations["_f2"]
	assert.Equal(t, AnnotateScoped, scoped.Kind)
	assert.Equal(t, permission.Filter{"is_dead": false}, scoped.Scope)
	assert.Equal(t, 3, session.Issued())
}

func TestSessionCounterSpansTrees(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")
	group := schematest.Entity(t, s, "group")
	session := NewSession()

	first, err := c.Compile(user, map[string][]string{"groups.$count": {"1"}}, session)
	require.NoError(t, err)
	second, err := c.Compile(group, map[string][]string{"members.$count": {"1"}}, session)
	require.NoError(t, err)

	assert.Contains(t, first.Annotations, "_c0")
	assert.Contains(t, second.Annotations, "_c1")
}

func TestCompileRelationScope(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{
		"groups|name":   {"admins"},
		"-groups|id":    {"3"},
		"location|name": {"Oslo"},
	}, nil)
	require.NoError(t, err)

	assert.True(t, tree.Empty())
	groups := tree.Sub("groups")
	require.NotNil(t, groups)
	assert.Equal(t, []string{"name"}, groups.IncludeKeys())
	assert.Equal(t, []string{"id"}, groups.ExcludeKeys())
	assert.Equal(t, int64(3), groups.Exclude["id"].Value)
	assert.NotNil(t, tree.Sub("location"))

	_, err = c.Compile(user, map[string][]string{"name|id": {"1"}}, nil)
	assert.True(t, apierr.IsValidation(err))
}

func TestCompileReference(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{"name*": {"last_name", "ignored"}}, nil)
	require.NoError(t, err)
	cond := tree.Include["name"]
	require.NotNil(t, cond.Reference)
	assert.Equal(t, "last_name", cond.Reference.Key())
	assert.Nil(t, cond.Value)

	_, err = c.Compile(user, map[string][]string{"name*": {"nope"}}, nil)
	assert.True(t, apierr.IsValidation(err))
}

func TestCompileUnknownAndComputed(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	_, err := c.Compile(user, map[string][]string{"groups.nope": {"1"}}, nil)
	var unknown *apierr.UnknownFieldError
	require.True(t, errors.As(err, &unknown))

	_, err = c.Compile(user, map[string][]string{"display_name": {"x"}}, nil)
	assert.True(t, apierr.IsValidation(err))
}

func TestCompileSpec(t *testing.T) {
	c, s := newCompiler(t, Options{})
	car := schematest.Entity(t, s, "car")

	tree, err := c.CompileSpec(car, permission.Filter{
		"name.startswith": "T",
		"id.in":           []any{1, 2},
		"country_name":    "Japan",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"country.name", "id.in", "name.istartswith"}, tree.IncludeKeys())
	assert.Equal(t, []any{1, 2}, tree.Include["id.in"].Value)
}

func TestParseCombinator(t *testing.T) {
	assert.Equal(t, Or, ParseCombinator("or"))
	assert.Equal(t, Or, ParseCombinator("|"))
	assert.Equal(t, Or, ParseCombinator(" OR "))
	assert.Equal(t, And, ParseCombinator("and"))
	assert.Equal(t, And, ParseCombinator("whatever"))
}

func TestCompileAnyAllKeepValueList(t *testing.T) {
	c, s := newCompiler(t, Options{})
	user := schematest.Entity(t, s, "user")

	tree, err := c.Compile(user, map[string][]string{
		"groups.name.any": {"admin", "staff"},
		"last_name.all":   {"Smith"},
	}, NewSession())
	require.NoError(t, err)

	assert.Equal(t, []any{"admin", "staff"}, tree.Include["groups.name.any"].Value)
	// A single value behaves as the one-value form.
	assert.Equal(t, []any{"Smith"}, tree.Include["last_name.all"].Value)
}
