package planner

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/requirement"
	"dynrest/internal/resolve"
	"dynrest/internal/schema"
	"dynrest/internal/schema/schematest"
	"dynrest/internal/sqlutil"
)

func newTestPlanner(t *testing.T, limits PlanLimits) (*Planner, *schema.Schema) {
	t.Helper()
	return newPlannerFor(t, schematest.Load(t), limits)
}

func newPlannerFor(t *testing.T, s *schema.Schema, limits PlanLimits) (*Planner, *schema.Schema) {
	t.Helper()
	r, err := resolve.New(s, 0)
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return New(filter.NewCompiler(r, filter.Options{}), sqlutil.SQLite{}, limits), s
}

func selection(t *testing.T, include, exclude []string) requirement.Node {
	t.Helper()
	tree, err := requirement.ParseFields(include, exclude)
	require.NoError(t, err)
	return tree.Root()
}

// planFor compiles request filters and builds the root plan of an entity.
func planFor(t *testing.T, p *Planner, entity *schema.Entity, params map[string][]string, in Input) (*Node, *filter.Session) {
	t.Helper()
	session := filter.NewSession()
	tree, err := p.Compiler().Compile(entity, params, session)
	require.NoError(t, err)
	in.Entity = entity
	in.Tree = tree
	n, err := p.Build(in)
	require.NoError(t, err)
	return n, session
}

func fieldNames(fields []*schema.Field) []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func TestBuild_DefaultSelection(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{})

	assert.Equal(t, []string{
		"id", "name", "last_name", "date_of_birth", "is_dead", "created",
		"location", "location_name", "groups", "permissions", "display_name", "group_names",
	}, fieldNames(root.Fields))
	assert.Empty(t, root.Expanded)
	assert.False(t, root.Distinct)
	require.Len(t, root.Order, 1)
	assert.Equal(t, "id", root.Order[0].Path.Logical().Name)

	groups := root.Prefetch("groups")
	require.NotNil(t, groups)
	assert.True(t, groups.IDOnly)
	assert.True(t, groups.Distinct)
	// group_names needs the names of the id-only groups.
	assert.Equal(t, []string{"id", "name"}, groups.Columns)

	assert.True(t, root.Prefetch("permissions").IDOnly)

	location := root.Prefetch("location")
	require.NotNil(t, location, "location_name needs the related location")
	assert.True(t, location.Internal)
	assert.Empty(t, location.Fields)
	assert.Equal(t, []string{"id", "name"}, location.Columns)
}

func TestBuild_RenamedFieldsNarrowColumns(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	root, _ := planFor(t, p, car, nil, Input{})

	assert.Equal(t, []string{"id", "name", "country_id"}, root.Columns)
	country := root.Prefetch("country")
	require.NotNil(t, country)
	assert.True(t, country.Internal)
	assert.Equal(t, []string{"id", "name", "short_name"}, country.Columns)
}

func TestBuild_ExplicitSelection(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{Selection: selection(t, []string{"name"}, []string{"*"})})

	assert.Equal(t, []string{"name"}, fieldNames(root.Fields))
	assert.Empty(t, root.Prefetches)
	assert.Equal(t, []string{"id", "name"}, root.Columns)
}

func TestBuild_ExpandedRelation(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{Selection: selection(t, []string{"location."}, nil)})

	assert.True(t, root.Expanded["location"])
	location := root.Prefetch("location")
	require.NotNil(t, location)
	assert.False(t, location.IDOnly)
	assert.False(t, location.Internal)
	assert.Equal(t, []string{"id", "name", "users", "living_users"}, fieldNames(location.Fields))
	require.NotNil(t, location.Prefetch("users"))
	assert.True(t, location.Prefetch("users").IDOnly)
}

func TestBuild_ExpandAll(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	root, _ := planFor(t, p, car, nil, Input{Mode: Mode{Action: permission.ActionList, ExpandAll: true}})

	assert.True(t, root.Expanded["country"])
	assert.Nil(t, root.Columns)
	country := root.Prefetch("country")
	require.NotNil(t, country)
	assert.False(t, country.Internal)
	assert.Nil(t, country.Columns)
}

// Two fields over one relation source.
const sharedSourceYAML = `
entities:
  - name: user
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - name: groups
        kind: rel_many
        target: group
        through: {table: users_groups, local_column: user_id, remote_column: group_id}
      - name: teams
        source: groups
        kind: rel_many
        target: group
        through: {table: users_groups, local_column: user_id, remote_column: group_id}
        scope: {name: staff}
      - name: group_names
        kind: computed
        requires: [groups.name]
  - name: group
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: code, deferred: true}
`

func TestBuild_SharedSourceFetchedOnce(t *testing.T) {
	s, err := schema.Load(strings.NewReader(sharedSourceYAML))
	require.NoError(t, err)
	p, _ := newPlannerFor(t, s, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{Selection: selection(t, []string{"teams.code"}, nil)})

	require.Len(t, root.Prefetches, 1)
	assert.Equal(t, []string{"id", "name", "groups", "teams", "group_names"}, fieldNames(root.Fields))
	assert.False(t, root.Expanded["groups"])
	assert.True(t, root.Expanded["teams"])

	groups := root.Prefetch("groups")
	require.NotNil(t, groups)
	assert.False(t, groups.IDOnly)
	assert.False(t, groups.Internal)
	assert.Equal(t, []string{"id", "name", "code"}, fieldNames(groups.Fields))
	assert.ElementsMatch(t, []string{"id", "name", "code"}, groups.Columns)
	// The unscoped groups field widens the scoped teams access.
	assert.True(t, permission.IsFull(groups.Access))
}

func TestBuild_SharedSourceIDsAndRequirements(t *testing.T) {
	s, err := schema.Load(strings.NewReader(sharedSourceYAML))
	require.NoError(t, err)
	p, _ := newPlannerFor(t, s, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{Selection: selection(t, []string{"teams"}, []string{"groups"})})

	require.Len(t, root.Prefetches, 1)
	teams := root.Prefetch("groups")
	require.NotNil(t, teams)
	assert.True(t, teams.IDOnly)
	assert.Equal(t, "teams", teams.Relation.Name)
	// group_names needs the names of the same records.
	assert.Equal(t, []string{"id", "name"}, teams.Columns)
}

func TestBuild_WriteActionsKeepEveryColumn(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	root, _ := planFor(t, p, user, nil, Input{
		Selection: selection(t, []string{"name"}, []string{"*"}),
		Mode:      Mode{Action: permission.ActionUpdate},
	})
	assert.Nil(t, root.Columns)
}

func TestBuild_UnknownField(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	_, err := p.Build(Input{Entity: user, Selection: selection(t, []string{"nope"}, nil)})
	require.Error(t, err)
	var unknown *apierr.UnknownFieldError
	assert.ErrorAs(t, err, &unknown)
	assert.True(t, apierr.IsValidation(err))
}

func TestBuild_ChildAccessFromTargetPermissions(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	country := schematest.Entity(t, s, "country")
	country.Permissions = permission.Config{
		"*": {"list": map[string]any{"name": "Japan"}, "read": true},
	}
	car := schematest.Entity(t, s, "car")

	root, _ := planFor(t, p, car, nil, Input{Mode: Mode{Action: permission.ActionList, ExpandAll: true}})

	child := root.Prefetch("country")
	require.NotNil(t, child)
	assert.Equal(t, permission.Filter{"name": "Japan"}, child.Access)
	assert.True(t, permission.IsFull(root.Access))
}

func TestNode_Denied(t *testing.T) {
	assert.True(t, (&Node{Access: permission.None}).Denied())
	assert.False(t, (&Node{Access: permission.Full}).Denied())
}
