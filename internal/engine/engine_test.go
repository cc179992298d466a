package engine

import (
	"context"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/config"
	"dynrest/internal/dbexec"
	"dynrest/internal/permission"
	"dynrest/internal/schema"
	"dynrest/internal/schema/schematest"
	"dynrest/internal/sqlutil"
	"dynrest/internal/testutil/sqlitedb"
)

// userPermissions restricts users: everyone sees the living, staff see all,
// and callers may only update themselves.
const userPermissions = `
    permissions:
      "*":
        list: {is_dead: false}
        read: {is_dead: false}
        create: false
        update: $me
        delete: false
        fields: true
      staff:
        list: true
        read: true
        delete: true
`

const groupNamesField = "        requires: [groups.name]\n"

func testCompilerConfig() config.CompilerConfig {
	return config.CompilerConfig{
		DefaultPageSize:        50,
		MaxPageSize:            1000,
		DefaultCombinator:      "and",
		CaseSensitiveOperators: true,
		CursorField:            "-created",
		PrefetchBatchSize:      500,
	}
}

func newTestEngine(t *testing.T, cfg config.CompilerConfig) (*Engine, *sqlitedb.TestDB) {
	t.Helper()
	yaml := strings.Replace(schematest.YAML, groupNamesField, groupNamesField+userPermissions, 1)
	s, err := schema.Load(strings.NewReader(yaml))
	require.NoError(t, err)

	db := sqlitedb.NewTestDB(t, schematest.DDL)
	db.Exec(t, schematest.Seed)
	e, err := New(s, dbexec.NewStandardExecutor(db.DB), cfg, Options{Dialect: sqlutil.SQLite{}})
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e, db
}

func as(id permission.Identity) context.Context {
	return permission.WithIdentity(context.Background(), id)
}

var (
	anonymous = permission.Identity{}
	staff     = permission.Identity{ID: int64(1), Attributes: map[string]any{"staff": true}}
	bob       = permission.Identity{ID: int64(2)}
	root      = permission.Identity{ID: int64(99), Superuser: true}
)

func names(t *testing.T, out map[string]any, key string) []any {
	t.Helper()
	rows, ok := out[key].([]map[string]any)
	require.True(t, ok, "envelope key %q missing: %v", key, out)
	got := make([]any, 0, len(rows))
	for _, row := range rows {
		got = append(got, row["name"])
	}
	return got
}

func TestList_AppliesListPermission(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	tests := []struct {
		name string
		id   permission.Identity
		want []any
	}{
		{name: "wildcard role hides the dead", id: anonymous, want: []any{"Ann", "Bob", "Dee"}},
		{name: "staff see everyone", id: staff, want: []any{"Ann", "Bob", "Cid", "Dee"}},
		{name: "superuser bypasses permissions", id: root, want: []any{"Ann", "Bob", "Cid", "Dee"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.List(as(tt.id), "users", url.Values{})
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(t, out, "users"))
			meta := out["meta"].(map[string]any)
			assert.Equal(t, len(tt.want), meta["total_results"])
			assert.Equal(t, 1, meta["page"])
		})
	}
}

func TestList_FiltersSortsAndSelects(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.List(as(staff), "user", url.Values{
		"filter{last_name}": {"Smith"},
		"sort[]":            {"-name"},
		"include[]":         {"location."},
		"exclude[]":         {"groups", "permissions"},
	})
	require.NoError(t, err)
	rows := out["users"].([]map[string]any)
	require.Len(t, rows, 2)
	assert.Equal(t, "Cid", rows[0]["name"])
	assert.Equal(t, "Ann", rows[1]["name"])
	assert.NotContains(t, rows[0], "groups")
	location, ok := rows[1]["location"].(map[string]any)
	require.True(t, ok, "location should be expanded: %v", rows[1]["location"])
	assert.Equal(t, "Paris", location["name"])
}

func TestList_OrCombinator(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.List(as(staff), "users", url.Values{
		"filter":       {"or"},
		"filter{name}": {"Ann"},
		"filter{id}":   {"4"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Dee"}, names(t, out, "users"))
}

func TestList_PagesWithoutCount(t *testing.T) {
	cfg := testCompilerConfig()
	cfg.ExcludeCount = true
	e, _ := newTestEngine(t, cfg)

	out, err := e.List(as(staff), "users", url.Values{"per_page": {"3"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Bob", "Cid"}, names(t, out, "users"))
	meta := out["meta"].(map[string]any)
	assert.Equal(t, true, meta["more_pages"])
	assert.NotContains(t, meta, "total_results")

	out, err = e.List(as(staff), "users", url.Values{"per_page": {"3"}, "page": {"2"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Dee"}, names(t, out, "users"))
	assert.Equal(t, false, out["meta"].(map[string]any)["more_pages"])
}

func TestList_CursorWalk(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())
	ctx := as(staff)

	out, err := e.List(ctx, "users", url.Values{"cursor": {"1"}, "per_page": {"3"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Dee", "Cid", "Bob"}, names(t, out, "users"))
	meta := out["meta"].(map[string]any)
	next, ok := meta["cursor"].(string)
	require.True(t, ok, "first page should carry a cursor: %v", meta)

	out, err = e.List(ctx, "users", url.Values{"cursor": {next}, "per_page": {"3"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann"}, names(t, out, "users"))
	assert.Nil(t, out["meta"].(map[string]any)["cursor"])
}

func TestList_Combine(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.List(as(anonymous), "cars", url.Values{
		"combine":    {"count(id) as n"},
		"combine.by": {"country_name"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"Germany": map[string]any{"n": int64(1)},
		"Japan":   map[string]any{"n": int64(2)},
	}, out["data"])
	assert.NotContains(t, out, "meta")

	out, err = e.List(as(anonymous), "cars", url.Values{"combine": {"count(id) as n"}, "debug": {"1"}})
	require.NoError(t, err)
	meta := out["meta"].(map[string]any)
	assert.Contains(t, meta["query"], "COUNT(")
}

func TestList_Errors(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	_, err := e.List(as(staff), "spaceships", url.Values{})
	assert.True(t, apierr.IsNotFound(err))

	_, err = e.List(as(staff), "users", url.Values{"filter{nickname}": {"x"}})
	assert.True(t, apierr.IsValidation(err))

	_, err = e.List(as(staff), "cars", url.Values{"sort[]": {"id"}})
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))

	_, err = e.List(as(staff), "users", url.Values{"page": {"0"}})
	assert.True(t, apierr.IsValidation(err))
}

func TestGet(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.Get(as(anonymous), "users", "2", url.Values{})
	require.NoError(t, err)
	user := out["user"].(map[string]any)
	assert.Equal(t, "Bob", user["name"])

	_, err = e.Get(as(anonymous), "users", "3", url.Values{})
	assert.True(t, apierr.IsNotFound(err), "dead users are outside the read predicate")

	out, err = e.Get(as(staff), "users", "3", url.Values{})
	require.NoError(t, err)
	assert.Equal(t, "Cid", out["user"].(map[string]any)["name"])

	_, err = e.Get(as(staff), "users", "abc", url.Values{})
	assert.True(t, apierr.IsNotFound(err))
}

func TestCreate(t *testing.T) {
	e, db := newTestEngine(t, testCompilerConfig())

	out, err := e.Create(as(anonymous), "cars", map[string]any{"name": "Tesla", "country": float64(1)})
	require.NoError(t, err)
	car := out["car"].(map[string]any)
	assert.Equal(t, "Tesla", car["name"])
	assert.Equal(t, int64(4), car["id"])

	_, err = e.Create(as(anonymous), "cars", map[string]any{"name": "Volvo"})
	assert.True(t, apierr.IsPermissionDenied(err))

	_, err = e.Create(as(anonymous), "users", map[string]any{"name": "Eve"})
	assert.True(t, apierr.IsPermissionDenied(err))

	var n int
	require.NoError(t, db.DB.QueryRow("SELECT COUNT(*) FROM cars").Scan(&n))
	assert.Equal(t, 4, n)
}

func TestUpdate(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.Update(as(bob), "users", "2", map[string]any{"name": "Robert"})
	require.NoError(t, err)
	assert.Equal(t, "Robert", out["user"].(map[string]any)["name"])

	_, err = e.Update(as(bob), "users", "1", map[string]any{"name": "Anna"})
	assert.True(t, apierr.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	err := e.Delete(as(anonymous), "users", "1")
	assert.True(t, apierr.IsPermissionDenied(err))

	require.NoError(t, e.Delete(as(staff), "users", "4"))
	_, err = e.Get(as(staff), "users", "4", url.Values{})
	assert.True(t, apierr.IsNotFound(err))
}

func TestPermissions(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.Permissions(as(anonymous), "users")
	require.NoError(t, err)
	perms := out["permissions"].(map[string]any)
	assert.Equal(t, true, perms["list"])
	assert.Equal(t, false, perms["create"])
	assert.Equal(t, false, perms["delete"])

	out, err = e.Permissions(as(staff), "users")
	require.NoError(t, err)
	assert.Equal(t, true, out["permissions"].(map[string]any)["delete"])

	out, err = e.Permissions(as(anonymous), "groups")
	require.NoError(t, err)
	for _, kind := range permission.AllMethods {
		assert.Equal(t, true, out["permissions"].(map[string]any)[string(kind)], kind)
	}
}

func TestExplain(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	x, err := e.Explain(as(anonymous), "users", url.Values{"filter{location.name}": {"Paris"}})
	require.NoError(t, err)
	assert.Equal(t, "user", x.Entity)
	assert.NotEmpty(t, x.Fingerprint)

	byName := map[string]Statement{}
	for _, st := range x.Statements {
		byName[st.Name] = st
	}
	require.Contains(t, byName, "count")
	require.Contains(t, byName, "select")
	assert.Contains(t, byName["select"].SQL, "LIMIT 50")
	require.Contains(t, byName, "groups")
	assert.Contains(t, byName["groups"].Args, explainKey)

	x, err = e.Explain(as(anonymous), "cars", url.Values{"combine": {"count(id)"}})
	require.NoError(t, err)
	require.Len(t, x.Statements, 1)
	assert.Equal(t, "combine", x.Statements[0].Name)
}

func TestNormalizeBody(t *testing.T) {
	got := normalizeBody(map[string]any{
		"id":     float64(3),
		"ratio":  1.5,
		"groups": []any{float64(1), float64(2)},
		"name":   "x",
	})
	assert.Equal(t, map[string]any{
		"id":     int64(3),
		"ratio":  1.5,
		"groups": []any{int64(1), int64(2)},
		"name":   "x",
	}, got)
}

func TestList_AdminFormatExpandsRootRelations(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.List(as(staff), "users", url.Values{"format": {"admin"}, "filter{id.in}": {"1", "4"}})
	require.NoError(t, err)
	rows := out["users"].([]map[string]any)
	require.Len(t, rows, 2)
	location, ok := rows[0]["location"].(map[string]any)
	require.True(t, ok, "location should render as an object: %v", rows[0]["location"])
	assert.Equal(t, "Paris", location["name"])
	groups := rows[0]["groups"].([]any)
	require.Len(t, groups, 2)
	assert.Equal(t, "admin", groups[0].(map[string]any)["name"])
	assert.Nil(t, rows[1]["location"])

	selected := url.Values{"include[]": {"name"}, "exclude[]": {"*"}}
	x, err := e.Explain(as(staff), "users", selected)
	require.NoError(t, err)
	assert.NotContains(t, selectStatement(t, x).SQL, "last_name")

	selected.Set("format", "admin")
	x, err = e.Explain(as(staff), "users", selected)
	require.NoError(t, err)
	assert.Contains(t, selectStatement(t, x).SQL, "last_name")
}

func selectStatement(t *testing.T, x *Explanation) Statement {
	t.Helper()
	for _, st := range x.Statements {
		if st.Name == "select" {
			return st
		}
	}
	t.Fatalf("no select statement in %v", x.Statements)
	return Statement{}
}

func TestList_CursorOrderOverride(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())
	ctx := as(staff)

	out, err := e.List(ctx, "users", url.Values{"cursor": {"1"}, "per_page": {"3"}, "cursor_order": {"created"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Ann", "Bob", "Cid"}, names(t, out, "users"))
	next, ok := out["meta"].(map[string]any)["cursor"].(string)
	require.True(t, ok)

	out, err = e.List(ctx, "users", url.Values{"cursor": {next}, "per_page": {"3"}, "cursor_order": {"created"}})
	require.NoError(t, err)
	assert.Equal(t, []any{"Dee"}, names(t, out, "users"))

	_, err = e.List(ctx, "users", url.Values{"cursor": {"1"}, "cursor_order": {"display_name"}})
	assert.True(t, apierr.IsValidation(err))
}

func TestList_ExcludeKeepsRowsWithoutRelated(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	tests := []struct {
		name   string
		values url.Values
		want   []any
	}{
		{name: "excluded group name", values: url.Values{"filter{-groups.name}": {"admin"}}, want: []any{"Bob", "Cid", "Dee"}},
		{name: "excluded location name", values: url.Values{"filter{-location.name}": {"Paris"}}, want: []any{"Cid", "Dee"}},
		{name: "excluded empty group count", values: url.Values{"filter{-groups.$count}": {"0"}}, want: []any{"Ann", "Bob", "Cid"}},
		{name: "group count of zero", values: url.Values{"filter{groups.$count}": {"0"}}, want: []any{"Dee"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.List(as(staff), "users", tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(t, out, "users"))
		})
	}
}

func TestList_OrCombinatorUnions(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	tests := []struct {
		name   string
		values url.Values
		want   []any
	}{
		{
			name: "date ranges",
			values: url.Values{
				"filter":                      {"or"},
				"filter{date_of_birth.range}": {"1970-01-01", "1975-12-31"},
				"filter{created.range}":       {"2024-01-04 00:00:00", "2024-01-05 00:00:00"},
			},
			want: []any{"Cid", "Dee"},
		},
		{
			name: "exclude",
			values: url.Values{
				"filter":             {"or"},
				"filter{name}":       {"Ann"},
				"filter{-last_name}": {"Smith"},
			},
			want: []any{"Ann", "Bob", "Dee"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := e.List(as(staff), "users", tt.values)
			require.NoError(t, err)
			assert.Equal(t, tt.want, names(t, out, "users"))
		})
	}
}

func TestList_CombineNullBucket(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.List(as(staff), "users", url.Values{
		"combine":    {"count(id) as n"},
		"combine.by": {"location_name"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"":      map[string]any{"n": int64(1)},
		"Oslo":  map[string]any{"n": int64(1)},
		"Paris": map[string]any{"n": int64(2)},
	}, out["data"])
}

func TestListRelated(t *testing.T) {
	e, _ := newTestEngine(t, testCompilerConfig())

	out, err := e.ListRelated(as(staff), "users", "1", "groups", url.Values{"include[]": {"permissions."}})
	require.NoError(t, err)
	groups := out["groups"].([]any)
	require.Len(t, groups, 2)
	perms := groups[0].(map[string]any)["permissions"].([]any)
	require.Len(t, perms, 1)
	assert.Equal(t, "write", perms[0].(map[string]any)["name"])

	// The parent is read through the caller's read predicate.
	_, err = e.ListRelated(as(anonymous), "users", "3", "groups", url.Values{})
	assert.True(t, apierr.IsNotFound(err))

	_, err = e.ListRelated(as(staff), "users", "1", "groups", url.Values{"filter{name}": {"admin"}})
	assert.True(t, apierr.IsValidation(err))
}

func TestCreateRelated(t *testing.T) {
	e, db := newTestEngine(t, testCompilerConfig())

	out, err := e.CreateRelated(as(staff), "users", "2", "groups", map[string]any{"name": "ops"})
	require.NoError(t, err)
	group := out["group"].(map[string]any)
	assert.Equal(t, "ops", group["name"])
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = 2 AND group_id = ?", group["id"]))

	_, err = e.CreateRelated(as(staff), "users", "1", "display_name", map[string]any{})
	assert.True(t, apierr.IsValidation(err))
}

func countRows(t *testing.T, db *sqlitedb.TestDB, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, db.DB.QueryRow(query, args...).Scan(&n))
	return n
}
