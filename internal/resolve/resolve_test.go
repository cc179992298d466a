package resolve

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"dynrest/internal/apierr"
	"dynrest/internal/schema"
	"dynrest/internal/schema/schematest"
)

func newResolver(t *testing.T) (*Resolver, *schema.Schema) {
	t.Helper()
	s := schematest.Load(t)
	r, err := New(s, 0)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r, s
}

func TestResolvePaths(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")
	car := schematest.Entity(t, s, "car")

	tests := []struct {
		name     string
		entity   *schema.Entity
		path     string
		physical []string
		leafType schema.FieldType
	}{
		{name: "plain", entity: user, path: "name", physical: []string{"name"}, leafType: schema.TypeString},
		{name: "to one", entity: user, path: "location.name", physical: []string{"location", "name"}, leafType: schema.TypeString},
		{name: "many to many chain", entity: user, path: "groups.permissions.name", physical: []string{"groups", "permissions", "name"}},
		{name: "renamed", entity: car, path: "country_name", physical: []string{"country", "name"}},
		{name: "renamed on user", entity: user, path: "location_name", physical: []string{"location", "name"}},
		{name: "pk alias", entity: user, path: "pk", physical: []string{"id"}, leafType: schema.TypeInt},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := r.Resolve(tt.entity, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.physical, res.Physical())
			if tt.leafType != "" {
				assert.Equal(t, tt.leafType, res.Leaf().Type)
			}
		})
	}
}

func TestResolveErrors(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")

	_, err := r.Resolve(user, "groups.nope")
	var unknown *apierr.UnknownFieldError
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, "nope", unknown.Segment)
	assert.Equal(t, `Unknown field: "nope" in "groups.nope".`, err.Error())
	assert.True(t, apierr.IsValidation(err))

	_, err = r.Resolve(user, "name.length")
	var notTraversable *apierr.NotTraversableError
	require.True(t, errors.As(err, &notTraversable))
	assert.Equal(t, "name", notTraversable.Segment)

	_, err = r.Resolve(user, "groups..name")
	assert.Error(t, err)
}

func TestResolveQueryableRejectsComputed(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")

	_, err := r.Resolve(user, "display_name")
	require.NoError(t, err)
	_, err = r.ResolveQueryable(user, "display_name")
	assert.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
}

func TestResolveCrossesMany(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")

	res, err := r.Resolve(user, "groups.name")
	require.NoError(t, err)
	assert.True(t, res.CrossesMany())

	res, err = r.Resolve(user, "location.name")
	require.NoError(t, err)
	assert.False(t, res.CrossesMany())
	assert.Len(t, res.Relations(), 1)
}

func TestResolveIsDeterministic(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")
	paths := []string{"name", "location.name", "groups.name", "groups.permissions.code", "location_name", "permissions.name"}

	rapid.Check(t, func(t *rapid.T) {
		path := rapid.SampledFrom(paths).Draw(t, "path")
		first, err := r.Resolve(user, path)
		if err != nil {
			t.Fatalf("resolve %s: %v", path, err)
		}
		second, err := r.Resolve(user, path)
		if err != nil {
			t.Fatalf("resolve %s again: %v", path, err)
		}
		if first.Key() != second.Key() {
			t.Fatalf("resolution changed: %s != %s", first.Key(), second.Key())
		}
	})
}

func TestResolveConcurrent(t *testing.T) {
	r, s := newResolver(t)
	user := schematest.Entity(t, s, "user")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Resolve(user, "groups.permissions.name")
			assert.NoError(t, err)
			assert.Equal(t, "groups.permissions.name", res.Key())
		}()
	}
	wg.Wait()
}
