package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dynrest/internal/apierr"
	"dynrest/internal/dbexec"
	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/planner"
	"dynrest/internal/schema/schematest"
)

func TestCreate(t *testing.T) {
	st, s, db := newTestStore(t, Options{})
	car := schematest.Entity(t, s, "car")
	check := permission.Filter{"name.startswith": "T"}

	pk, err := st.Create(context.Background(), car, map[string]any{"name": "Tesla", "country": 1}, check, filter.NewSession())
	require.NoError(t, err)
	assert.Equal(t, int64(4), pk)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM cars WHERE name = 'Tesla' AND country_id = 1"))

	_, err = st.Create(context.Background(), car, map[string]any{"name": "Volvo"}, check, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsPermissionDenied(err))
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM cars WHERE name = 'Volvo'"), "insert must be rolled back")

	_, err = st.Create(context.Background(), car, map[string]any{"name": "Trabant"}, permission.None, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsPermissionDenied(err))
	assert.Equal(t, 4, countRows(t, db, "SELECT COUNT(*) FROM cars"))
}

func TestCreate_ManyToManyAndReadBack(t *testing.T) {
	st, s, db := newTestStore(t, Options{})
	user := schematest.Entity(t, s, "user")

	pk, err := st.Create(context.Background(), user, map[string]any{
		"name": "Eve", "last_name": "Stone", "is_dead": false,
		"created": "2024-02-01 00:00:00", "location": 2,
		"groups": []any{int64(1), int64(3)},
	}, permission.Full, filter.NewSession())
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = ?", pk))

	n, session := buildPlan(t, st, user, nil, planner.Input{})
	rec, err := st.Get(context.Background(), n, session, pk)
	require.NoError(t, err)
	out := st.Render(n, rec)
	assert.Equal(t, []any{int64(1), int64(3)}, out["groups"])
	assert.Equal(t, "Oslo", out["location_name"])
}

func TestCreate_RejectsBadInput(t *testing.T) {
	st, s, _ := newTestStore(t, Options{})
	user := schematest.Entity(t, s, "user")
	car := schematest.Entity(t, s, "car")

	tests := []struct {
		name   string
		values map[string]any
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unknown field",
			values: map[string]any{"nickname": "x"},
			check: func(t *testing.T, err error) {
				var unknown *apierr.UnknownFieldError
				assert.ErrorAs(t, err, &unknown)
			},
		},
		{
			name:   "computed field",
			values: map[string]any{"display_name": "x"},
			check: func(t *testing.T, err error) {
				assert.True(t, apierr.IsValidation(err))
			},
		},
		{
			name:   "list expected",
			values: map[string]any{"groups": "1"},
			check: func(t *testing.T, err error) {
				assert.True(t, apierr.IsValidation(err))
				assert.Contains(t, err.Error(), "groups expects a list of ids.")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.Create(context.Background(), user, tt.values, permission.Full, filter.NewSession())
			require.Error(t, err)
			tt.check(t, err)
		})
	}

	_, err := st.Create(context.Background(), car, map[string]any{"country_name": "Japan"}, permission.Full, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
}

func TestCreate_ChoicesAndReadOnlyOverrides(t *testing.T) {
	st, s, db := newTestStore(t, Options{})
	car := schematest.Entity(t, s, "car").WithOverrides(map[string]map[string]any{
		"name":    {"choices": []any{"Tata", "Tesla"}},
		"country": {"read_only": true},
	})

	_, err := st.Create(context.Background(), car, map[string]any{"name": "Trabant"}, permission.Full, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsValidation(err))
	assert.Contains(t, err.Error(), "is not a valid choice for name.")

	pk, err := st.Create(context.Background(), car, map[string]any{"name": "Tata", "country": 2}, permission.Full, filter.NewSession())
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM cars WHERE id = ? AND country_id IS NULL", pk))
}

func TestUpdate(t *testing.T) {
	st, s, db := newTestStore(t, Options{})
	user := schematest.Entity(t, s, "user")
	ctx := context.Background()

	err := st.Update(ctx, user, 2, map[string]any{"name": "Robert", "groups": []any{int64(3)}}, permission.Full, filter.NewSession())
	require.NoError(t, err)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 2 AND name = 'Robert'"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = 2"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = 2 AND group_id = 3"))

	err = st.Update(ctx, user, 1, map[string]any{"name": "Anna"}, permission.Filter{"is_dead": true}, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsNotFound(err))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 1 AND name = 'Ann'"))

	err = st.Update(ctx, user, 1, map[string]any{"name": "Anna"}, permission.None, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsPermissionDenied(err))

	err = st.Update(ctx, user, 99, map[string]any{"name": "Nobody"}, permission.Full, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsNotFound(err))
}

func TestDelete(t *testing.T) {
	st, s, db := newTestStore(t, Options{})
	user := schematest.Entity(t, s, "user")
	ctx := context.Background()

	err := st.Delete(ctx, user, 1, permission.None, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsPermissionDenied(err))

	err = st.Delete(ctx, user, 1, permission.Filter{"location.name": "Oslo"}, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsNotFound(err))

	require.NoError(t, st.Delete(ctx, user, 1, permission.Filter{"location.name": "Paris"}, filter.NewSession()))
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM users WHERE id = 1"))
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = 1"))
	assert.Equal(t, 0, countRows(t, db, "SELECT COUNT(*) FROM users_permissions WHERE user_id = 1"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(*) FROM users_groups WHERE user_id = 2"))
}

func TestCreate_RollsBackWhenCheckFails(t *testing.T) {
	p, s := newTestPlanner(t)
	car := schematest.Entity(t, s, "car")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `cars`").
		WithArgs("Volvo").
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectQuery("SELECT 1 FROM `cars`").
		WillReturnRows(sqlmock.NewRows([]string{"1"}))
	mock.ExpectRollback()

	st := New(p, dbexec.NewStandardExecutor(db), Options{})
	_, err = st.Create(context.Background(), car, map[string]any{"name": "Volvo"}, permission.Filter{"name.startswith": "T"}, filter.NewSession())
	require.Error(t, err)
	assert.True(t, apierr.IsPermissionDenied(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelete_DriverFailureRollsBack(t *testing.T) {
	p, s := newTestPlanner(t)
	car := schematest.Entity(t, s, "car")

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	boom := errors.New("lock wait timeout")
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT 1 FROM `cars`").
		WillReturnRows(sqlmock.NewRows([]string{"1"}).AddRow(1))
	mock.ExpectExec("DELETE FROM `cars`").WillReturnError(boom)
	mock.ExpectRollback()

	st := New(p, dbexec.NewStandardExecutor(db), Options{})
	err = st.Delete(context.Background(), car, 1, permission.Full, filter.NewSession())
	require.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}
