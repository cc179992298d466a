package sqlutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteIdentifier(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"users", "`users`"},
		{"users_groups", "`users_groups`"},
		{"select", "`select`"},
		{"first name", "`first name`"},
		{"user`data", "`user``data`"},
		{"", "``"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, QuoteIdentifier(tt.input))
		})
	}
}

func TestQuoteQualified(t *testing.T) {
	assert.Equal(t, "`u`.`name`", QuoteQualified("u", "name"))
	assert.Equal(t, "`name`", QuoteQualified("", "name"))
	assert.Equal(t, "`a``b`.`c`", QuoteQualified("a`b", "c"))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, d.Name())

	d, err = DialectFor("MySQL")
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, d.Name())

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}

func TestLikePattern(t *testing.T) {
	p, err := LikePattern("contains", "50%_off")
	require.NoError(t, err)
	assert.Equal(t, `%50\%\_off%`, p)

	p, err = LikePattern("startswith", "T")
	require.NoError(t, err)
	assert.Equal(t, "T%", p)

	_, err = LikePattern("regex", "x")
	assert.Error(t, err)
}

func TestCaseSensitiveMatch(t *testing.T) {
	expr, arg, err := SQLite{}.CaseSensitiveMatch("endswith", "`u`.`name`", "a*")
	require.NoError(t, err)
	assert.Equal(t, "`u`.`name` GLOB ?", expr)
	assert.Equal(t, "*a[*]", arg)

	expr, arg, err = MySQL{}.CaseSensitiveMatch("startswith", "`u`.`name`", "A")
	require.NoError(t, err)
	assert.Equal(t, "`u`.`name` LIKE BINARY ?", expr)
	assert.Equal(t, "A%", arg)
}

func TestTruncate(t *testing.T) {
	for _, d := range []Dialect{MySQL{}, SQLite{}} {
		for _, unit := range []string{"year", "quarter", "month", "week", "day", "date", "hour", "minute", "second"} {
			expr, err := d.Truncate(unit, "c")
			require.NoError(t, err, "%s %s", d.Name(), unit)
			assert.Contains(t, expr, "c")
		}
		_, err := d.Truncate("fortnight", "c")
		assert.Error(t, err)
		_, err = d.DatePart("century", "c")
		assert.Error(t, err)
	}
	expr, err := SQLite{}.DatePart("week_day", "c")
	require.NoError(t, err)
	assert.Equal(t, "(CAST(strftime('%w', c) AS INTEGER) + 1)", expr)
}
