package requirement

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
)

func TestParseFields(t *testing.T) {
	tree, err := ParseFields([]string{"name", "groups.", "location.name", "permissions.*"}, []string{"last_name", "location.name"})
	require.NoError(t, err)

	want := map[string]any{
		"name":        true,
		"groups":      map[string]any{},
		"location":    map[string]any{"name": false},
		"permissions": map[string]any{"*": true},
		"last_name":   false,
	}
	if diff := cmp.Diff(want, tree.Root().Spec()); diff != "" {
		t.Errorf("spec mismatch (-want +got):\n%s", diff)
	}

	groups, ok := tree.Lookup("groups")
	require.True(t, ok)
	assert.True(t, groups.Expanded())
	assert.Equal(t, Include, groups.Mark())

	name, ok := tree.Lookup("name")
	require.True(t, ok)
	assert.False(t, name.Expanded())
	assert.Equal(t, Include, name.Mark())

	perms, ok := tree.Lookup("permissions")
	require.True(t, ok)
	assert.True(t, perms.Terminal())
}

func TestParseFieldsRejectsEmptySegment(t *testing.T) {
	_, err := ParseFields([]string{"groups..name"}, nil)
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
	assert.Equal(t, `"groups..name" is not a valid field.`, err.Error())
}

func TestMergeTerminalWins(t *testing.T) {
	tree := New()
	root := tree.Root()
	root.Merge([]string{"groups", "name"})
	root.Merge([]string{"groups", "*"})
	root.Merge([]string{"groups", "permissions", "code"})

	groups, ok := root.Child("groups")
	require.True(t, ok)
	assert.True(t, groups.Terminal())
	assert.Equal(t, []string{"name", "*", "permissions"}, groups.Names())

	// A later partial path never removes the marker.
	root.Merge([]string{"groups", "name"})
	assert.True(t, groups.Terminal())
}

func TestMergeTrailingEmptyIsTerminal(t *testing.T) {
	tree := New()
	tree.Root().Merge([]string{"location", ""})
	loc, ok := tree.Lookup("location")
	require.True(t, ok)
	assert.True(t, loc.Terminal())
	assert.True(t, loc.Expanded())
}

func TestPopDetaches(t *testing.T) {
	tree := New()
	root := tree.Root()
	root.Merge([]string{"groups", "name"})
	root.Merge([]string{"location", "name"})

	popped, ok := root.Pop("groups")
	require.True(t, ok)
	assert.Equal(t, []string{"name"}, popped.Names())

	_, ok = root.Child("groups")
	assert.False(t, ok)
	_, ok = tree.Lookup("groups.name")
	assert.False(t, ok)
	assert.Equal(t, []string{"location"}, root.Names())

	// Re-adding after a pop starts a fresh subtree.
	root.Merge([]string{"groups", "id"})
	groups, ok := root.Child("groups")
	require.True(t, ok)
	assert.Equal(t, []string{"id"}, groups.Names())
	_, ok = root.Pop("missing")
	assert.False(t, ok)
}

func TestMergeTree(t *testing.T) {
	src := New()
	src.Root().Merge([]string{"groups", "permissions", "name"})
	src.Root().Merge([]string{"name"})

	dst := New()
	dst.Root().Merge([]string{"groups", "*"})
	dst.Root().MergeTree(src.Root())

	groups, ok := dst.Lookup("groups")
	require.True(t, ok)
	assert.True(t, groups.Terminal())
	_, ok = dst.Lookup("groups.permissions.name")
	assert.True(t, ok)
	_, ok = dst.Lookup("name")
	assert.True(t, ok)
}
