package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/schema/schematest"
)

func TestParseOrdering(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	terms, err := p.ParseOrdering(car, []string{"-country_name", "name"})
	require.NoError(t, err)
	require.Len(t, terms, 2)
	assert.True(t, terms[0].Desc)
	assert.Equal(t, "-country_name", terms[0].String())
	assert.False(t, terms[1].Desc)
}

func TestParseOrdering_CollectsEveryInvalidTerm(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")

	_, err := p.ParseOrdering(car, []string{"id", "name", "-country"})
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
	assert.Equal(t, "Invalid ordering: id: Invalid sort option: id,-country: Invalid sort option: country", err.Error())
}

func TestParseOrdering_DefaultsToDeclaredOrdering(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	user := schematest.Entity(t, s, "user")

	terms, err := p.ParseOrdering(user, nil)
	require.NoError(t, err)
	require.Len(t, terms, 1)
	assert.Equal(t, "id", terms[0].Path.Logical().Name)
	assert.False(t, terms[0].Desc)
}

func TestOrderBy_RelationUsesAggregate(t *testing.T) {
	p, s := newTestPlanner(t, PlanLimits{})
	car := schematest.Entity(t, s, "car")
	user := schematest.Entity(t, s, "user")

	order, err := p.ParseOrdering(car, []string{"-country_name"})
	require.NoError(t, err)
	n, session := planFor(t, p, car, nil, Input{Order: order})
	query := selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "ORDER BY (SELECT MAX(`__countries_1`.`name`) FROM `countries` AS `__countries_1`"+
		" WHERE `__countries_1`.`id` = `cars`.`country_id`) DESC")

	order, err = p.ParseOrdering(user, []string{"groups.name"})
	require.NoError(t, err)
	n, session = planFor(t, p, user, nil, Input{Order: order})
	query = selectSQL(t, p, n, session)
	assert.Contains(t, query.SQL, "ORDER BY (SELECT MIN(`__groups_1`.`name`) FROM `users_groups`")
	assert.Contains(t, query.SQL, ") ASC")
}
