package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/schema/schematest"
)

func selectSQL(t *testing.T, p *Planner, n *Node, session *filter.Session) SQLQuery {
	t.Helper()
	query, err := p.PlanSelect(n, session, Window{})
	require.NoError(t, err)
	return query
}

func TestWhere_LocalComparison(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"last_name.in": {"Smith", "Jones"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "FROM `users` WHERE `users`.`last_name` IN (?, ?)")
	assert.Contains(t, query.SQL, "ORDER BY `users`.`id` ASC")
	assert.Equal(t, []any{"Smith", "Jones"}, query.Args)
}

func TestWhere_ManyToManyExists(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"groups.name": {"admin"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "EXISTS (SELECT 1 FROM `users_groups` AS `__users_groups_2`"+
		" JOIN `groups` AS `__groups_1` ON `__groups_1`.`id` = `__users_groups_2`.`group_id`"+
		" WHERE `__users_groups_2`.`user_id` = `users`.`id` AND `__groups_1`.`name` = ?)")
	assert.NotContains(t, query.SQL, "DISTINCT")
	assert.Equal(t, []any{"admin"}, query.Args)
}

func TestWhere_OneToManyAndManyToOne(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	location := schematest.Entity(t, s, "location")
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, location, map[string][]string{"users.name": {"Ann"}}, Input{})
	query := selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "EXISTS (SELECT 1 FROM `users` AS `__users_1`"+
		" WHERE `__users_1`.`location_id` = `locations`.`id` AND `__users_1`.`name` = ?)")

	n, session = planFor(t, p, user, map[string][]string{"location.name": {"Paris"}}, Input{})
	query = selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "EXISTS (SELECT 1 FROM `locations` AS `__locations_1`"+
		" WHERE `__locations_1`.`id` = `users`.`location_id` AND `__locations_1`.`name` = ?)")
}

func TestWhere_NegatedExcludesSkipNulls(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"-name": {"Bob"}}, Input{})
	query := selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE NOT (`users`.`name` = ? AND `users`.`name` IS NOT NULL)")

	n, session = planFor(t, p, user, map[string][]string{"-groups.name": {"admin"}}, Input{})
	query = selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE NOT EXISTS (SELECT 1 FROM `users_groups`")
}

func TestWhere_OrCombinator(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{
		"name":      {"Ann"},
		"last_name": {"Smith"},
	}, Input{Combinator: filter.Or})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "WHERE (`users`.`last_name` = ? OR `users`.`name` = ?)")
	assert.Equal(t, []any{"Smith", "Ann"}, query.Args)
}

func TestWhere_IsNullOverRelation(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"groups.isnull": {"true"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "WHERE NOT EXISTS (SELECT 1 FROM `users_groups`")
	assert.Contains(t, query.SQL, "`__groups_1`.`id` IS NOT NULL)")
}

func TestWhere_CountAnnotation(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"groups.$count.gte": {"2"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "(SELECT COUNT(DISTINCT `__groups_1`.`id`) FROM `users_groups` AS `__users_groups_2`")
	assert.Contains(t, query.SQL, "AS `_c0`")
	assert.Regexp(t, `WHERE \(SELECT COUNT\(DISTINCT .*\) >= \?`, query.SQL)
}

func TestWhere_ScopedRelation(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	location := schematest.Entity(t, s, "location")

	n, session := planFor(t, p, location, map[string][]string{"living_users.name": {"Ann"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "EXISTS (SELECT 1 FROM `users` AS `__users_1`")
	assert.Contains(t, query.SQL, "`__users_1`.`is_dead` = ?")
	assert.Contains(t, query.SQL, "`__users_1`.`name` = ?")
}

func TestWhere_AllRequiresEveryValue(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"groups.name.all": {"admin", "staff"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Regexp(t, `\(EXISTS \(SELECT 1 .*\) AND EXISTS \(SELECT 1 .*\)\)`, query.SQL)
	assert.Equal(t, []any{"admin", "staff"}, query.Args)
}

func TestWhere_CaseInsensitiveText(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"name.icontains": {"50%"}}, Input{})
	query := selectSQL(t, p, n, session)

	assert.Contains(t, query.SQL, "LOWER(`users`.`name`) LIKE LOWER(?) ESCAPE '\\'")
	assert.Equal(t, []any{`%50\%%`}, query.Args)
}

func TestWhere_FieldReference(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	n, session := planFor(t, p, user, map[string][]string{"name*": {"last_name"}}, Input{})
	query := selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE `users`.`name` = `users`.`last_name`")
	assert.Empty(t, query.Args)

	tree, err := p.Compiler().Compile(user, map[string][]string{"name.icontains*": {"last_name"}}, filter.NewSession())
	require.NoError(t, err)
	n, err = p.Build(Input{Entity: user, Tree: tree})
	require.NoError(t, err)
	_, err = p.PlanSelect(n, nil, Window{})
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
}

func TestWhere_AccessPredicate(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	n, session := planFor(t, p, car, nil, Input{Access: permission.Filter{"name.startswith": "T"}})
	query := selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE LOWER(`cars`.`name`) LIKE LOWER(?)")
	assert.Equal(t, []any{"T%"}, query.Args)

	n, session = planFor(t, p, car, nil, Input{Access: permission.None})
	query = selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE 1 = 0")

	n, session = planFor(t, p, car, nil, Input{Access: permission.Not(permission.Filter{"name": "X"})})
	query = selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "WHERE NOT (`cars`.`name` = ?)")
}

func TestPlanAccessCheck(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	query, err := p.PlanAccessCheck(car, permission.Filter{"name": "Tesla"}, 7, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FROM `cars` WHERE `cars`.`id` = ? AND `cars`.`name` = ? LIMIT 1", query.SQL)
	assert.Equal(t, []any{7, "Tesla"}, query.Args)
}
