package permission

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"pgregory.net/rapid"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func genPredicate() *rapid.Generator[Predicate] {
	return rapid.Custom(func(t *rapid.T) Predicate {
		switch rapid.IntRange(0, 4).Draw(t, "kind") {
		case 0:
			return Full
		case 1:
			return None
		case 2:
			return Filter{rapid.SampledFrom([]string{"owner", "name", "groups.name"}).Draw(t, "key"): rapid.IntRange(0, 9).Draw(t, "value")}
		case 3:
			return AndPredicate{Left: Filter{"a": 1}, Right: Filter{"b": 2}}
		default:
			return NotPredicate{Inner: Filter{"c": 3}}
		}
	})
}

func TestAbsorbingElements(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		x := genPredicate().Draw(t, "x")

		assert.Equal(t, Full, Or(Full, x))
		assert.Equal(t, Full, Or(x, Full))
		assert.Equal(t, None, And(None, x))
		assert.Equal(t, None, And(x, None))
		assert.Equal(t, x, Or(None, x))
		assert.Equal(t, x, And(Full, x))
	})
}

func TestNot(t *testing.T) {
	assert.Equal(t, None, Not(Full))
	assert.Equal(t, Full, Not(None))

	f := Filter{"name": "a"}
	assert.Equal(t, NotPredicate{Inner: f}, Not(f))
	assert.Equal(t, f, Not(Not(f)))
}

func TestCombineFilters(t *testing.T) {
	a := Filter{"name": "a"}
	b := Filter{"name": "b"}
	assert.Equal(t, AndPredicate{Left: a, Right: b}, And(a, b))
	assert.Equal(t, OrPredicate{Left: a, Right: b}, Or(a, b))
	assert.Equal(t, "({name=a} OR {name=b})", Or(a, b).String())
}

func TestBind(t *testing.T) {
	id := Identity{ID: 42}

	p, err := Bind(false, id)
	require.NoError(t, err)
	assert.True(t, IsNone(p))

	p, err = Bind(nil, id)
	require.NoError(t, err)
	assert.True(t, IsNone(p))

	p, err = Bind(map[string]any{}, id)
	require.NoError(t, err)
	assert.True(t, IsNone(p))

	p, err = Bind(true, id)
	require.NoError(t, err)
	assert.True(t, IsFull(p))

	p, err = Bind(Me{}, id)
	require.NoError(t, err)
	assert.Equal(t, Filter{"pk": 42}, p)

	p, err = Bind(map[string]any{"owner": MeToken, "groups.name.in": []any{"a", Me{}}}, id)
	require.NoError(t, err)
	assert.Equal(t, Filter{"owner": 42, "groups.name.in": []any{"a", 42}}, p)

	_, err = Bind(3.5, id)
	assert.Error(t, err)
}

func TestRoleMatching(t *testing.T) {
	id := Identity{ID: 1, Attributes: map[string]any{"is_staff": true, "is_admin": false}}
	assert.True(t, id.HasRole("*"))
	assert.True(t, id.HasRole("is_staff"))
	assert.False(t, id.HasRole("is_admin"))
	assert.False(t, id.HasRole("missing"))
	assert.False(t, Anonymous.HasRole("is_staff"))
}

func TestPermissionsGet(t *testing.T) {
	cfg := Config{
		"*": RoleSpec{
			"list": map[string]any{"owner": MeToken},
			"read": true,
		},
		"is_staff": RoleSpec{
			"list":   map[string]any{"public": true},
			"delete": true,
		},
	}

	t.Run("single role", func(t *testing.T) {
		perms := New(cfg, Identity{ID: 7})
		list, err := perms.Get(AccessList)
		require.NoError(t, err)
		assert.Equal(t, Filter{"owner": 7}, list)

		del, err := perms.Get(AccessDelete)
		require.NoError(t, err)
		assert.True(t, IsNone(del))
	})

	t.Run("roles are ORed", func(t *testing.T) {
		perms := New(cfg, Identity{ID: 7, Attributes: map[string]any{"is_staff": 1}})
		list, err := perms.Get(AccessList)
		require.NoError(t, err)
		assert.Equal(t, OrPredicate{Left: Filter{"owner": 7}, Right: Filter{"public": true}}, list)

		del, err := perms.Get(AccessDelete)
		require.NoError(t, err)
		assert.True(t, IsFull(del))
	})

	t.Run("method not allowed", func(t *testing.T) {
		perms := New(cfg, Identity{ID: 7}, AccessList)
		read, err := perms.Get(AccessRead)
		require.NoError(t, err)
		assert.True(t, IsNone(read))
	})

	t.Run("no roles", func(t *testing.T) {
		perms := New(Config{"is_staff": RoleSpec{"list": true}}, Identity{ID: 7})
		list, err := perms.Get(AccessList)
		require.NoError(t, err)
		assert.True(t, IsNone(list))
	})
}

func TestForIdentity(t *testing.T) {
	cfg := Config{"*": RoleSpec{"list": true}}
	assert.Nil(t, ForIdentity(nil, Identity{}, false))
	assert.Nil(t, ForIdentity(cfg, Identity{Superuser: true}, false))
	assert.NotNil(t, ForIdentity(cfg, Identity{Superuser: true}, true))
	assert.NotNil(t, ForIdentity(cfg, Anonymous, false))
}

func TestFieldsDeepMerge(t *testing.T) {
	cfg := Config{
		"*": RoleSpec{
			"fields": map[string]any{
				"status": map[string]any{"read_only": true, "choices": []any{"a"}},
			},
		},
		"is_staff": RoleSpec{
			"fields": map[string]any{
				"status": map[string]any{"read_only": false},
				"name":   map[string]any{"read_only": true},
			},
		},
	}
	perms := New(cfg, Identity{Attributes: map[string]any{"is_staff": true}})
	got := perms.Fields().Spec()
	want := map[string]any{
		"status": map[string]any{"read_only": true, "choices": []any{"a"}},
		"name":   map[string]any{"read_only": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("fields mismatch (-want +got):\n%s", diff)
	}

	overrides := perms.Fields().Overrides()
	assert.Equal(t, true, overrides["name"]["read_only"])
}

func TestFieldsAbsorbing(t *testing.T) {
	spec := NewFieldAccess(map[string]any{"x": map[string]any{"read_only": true}})
	assert.True(t, spec.And(NoFields).IsNone())
	assert.True(t, spec.Or(AllFields).IsFull())
	assert.Equal(t, spec, spec.Or(NoFields))
	assert.Equal(t, spec, AllFields.And(spec))
	assert.True(t, NewFieldAccess(map[string]any{}).IsNone())
}

func TestMissingFieldsSpecDenies(t *testing.T) {
	perms := New(Config{"*": RoleSpec{"list": true}}, Anonymous)
	assert.True(t, perms.Fields().IsNone())
	assert.Equal(t, false, perms.Fields().Spec())
}

func TestSerialize(t *testing.T) {
	cfg := Config{"*": RoleSpec{"list": true, "read": map[string]any{"owner": MeToken}, "fields": true}}
	perms := New(cfg, Identity{ID: 1})
	out, err := perms.Serialize()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"create": false,
		"update": false,
		"delete": false,
		"list":   true,
		"read":   true,
		"fields": true,
	}, out)
}
