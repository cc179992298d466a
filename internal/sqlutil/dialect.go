package sqlutil

import (
	"fmt"
	"strings"
)

// Driver names accepted by DialectFor.
const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Dialect renders the handful of expressions that differ between stores.
// Column arguments are already-quoted SQL expressions.
type Dialect interface {
	Name() string
	// DatePart extracts year, month, day or week_day as an integer. Week days
	// run from 1 (Sunday) to 7 (Saturday).
	DatePart(part, col string) (string, error)
	// Truncate buckets a temporal column to the start of a unit.
	Truncate(unit, col string) (string, error)
	// Epoch converts a temporal column to unix seconds.
	Epoch(col string) string
	// CaseSensitiveMatch renders contains, startswith or endswith as a case
	// sensitive comparison and returns its argument.
	CaseSensitiveMatch(op, col, value string) (string, any, error)
	Regexp(col string) string
	Length(col string) string
	// CastFloat forces floating point arithmetic on an expression.
	CastFloat(expr string) string
	// InsertDefaults inserts a row made only of column defaults.
	InsertDefaults(table string) string
	// LikeEscape is appended to LIKE clauses that use EscapeLike patterns.
	LikeEscape() string
}

// DialectFor returns the dialect for a driver name.
func DialectFor(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverMySQL:
		return MySQL{}, nil
	case DriverSQLite, "sqlite3":
		return SQLite{}, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// EscapeLike escapes LIKE wildcards with a backslash.
func EscapeLike(value string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(value)
}

// LikePattern builds the LIKE pattern for a text operator: contains,
// startswith or endswith.
func LikePattern(op, value string) (string, error) {
	escaped := EscapeLike(value)
	switch op {
	case "contains":
		return "%" + escaped + "%", nil
	case "startswith":
		return escaped + "%", nil
	case "endswith":
		return "%" + escaped, nil
	default:
		return "", fmt.Errorf("unsupported text operator %q", op)
	}
}

// MySQL is the dialect of MySQL-compatible servers.
type MySQL struct{}

func (MySQL) Name() string { return DriverMySQL }

func (MySQL) DatePart(part, col string) (string, error) {
	switch part {
	case "year":
		return "YEAR(" + col + ")", nil
	case "month":
		return "MONTH(" + col + ")", nil
	case "day":
		return "DAYOFMONTH(" + col + ")", nil
	case "week_day":
		return "DAYOFWEEK(" + col + ")", nil
	default:
		return "", fmt.Errorf("unsupported date part %q", part)
	}
}

func (MySQL) Truncate(unit, col string) (string, error) {
	switch unit {
	case "year":
		return "DATE(DATE_FORMAT(" + col + ", '%Y-01-01'))", nil
	case "quarter":
		return "MAKEDATE(YEAR(" + col + "), 1) + INTERVAL QUARTER(" + col + ") - 1 QUARTER", nil
	case "month":
		return "DATE(DATE_FORMAT(" + col + ", '%Y-%m-01'))", nil
	case "week":
		return "DATE(DATE_SUB(" + col + ", INTERVAL WEEKDAY(" + col + ") DAY))", nil
	case "day", "date":
		return "DATE(" + col + ")", nil
	case "hour":
		return "DATE_FORMAT(" + col + ", '%Y-%m-%d %H:00:00')", nil
	case "minute":
		return "DATE_FORMAT(" + col + ", '%Y-%m-%d %H:%i:00')", nil
	case "second":
		return "DATE_FORMAT(" + col + ", '%Y-%m-%d %H:%i:%s')", nil
	default:
		return "", fmt.Errorf("unsupported truncation %q", unit)
	}
}

func (MySQL) Epoch(col string) string { return "UNIX_TIMESTAMP(" + col + ")" }

func (MySQL) CaseSensitiveMatch(op, col, value string) (string, any, error) {
	pattern, err := LikePattern(op, value)
	if err != nil {
		return "", nil, err
	}
	return col + " LIKE BINARY ?", pattern, nil
}

func (MySQL) Regexp(col string) string { return col + " REGEXP ?" }

func (MySQL) Length(col string) string { return "CHAR_LENGTH(" + col + ")" }

func (MySQL) CastFloat(expr string) string { return "CAST(" + expr + " AS DOUBLE)" }

func (MySQL) InsertDefaults(table string) string { return "INSERT INTO " + table + " () VALUES ()" }

func (MySQL) LikeEscape() string { return "" }

// SQLite renders dates through strftime. REGEXP needs the function the store
// registers on the driver.
type SQLite struct{}

func (SQLite) Name() string { return DriverSQLite }

func (SQLite) DatePart(part, col string) (string, error) {
	switch part {
	case "year":
		return "CAST(strftime('%Y', " + col + ") AS INTEGER)", nil
	case "month":
		return "CAST(strftime('%m', " + col + ") AS INTEGER)", nil
	case "day":
		return "CAST(strftime('%d', " + col + ") AS INTEGER)", nil
	case "week_day":
		return "(CAST(strftime('%w', " + col + ") AS INTEGER) + 1)", nil
	default:
		return "", fmt.Errorf("unsupported date part %q", part)
	}
}

func (SQLite) Truncate(unit, col string) (string, error) {
	switch unit {
	case "year":
		return "strftime('%Y-01-01', " + col + ")", nil
	case "quarter":
		return "printf('%s-%02d-01', strftime('%Y', " + col + "), ((CAST(strftime('%m', " + col + ") AS INTEGER) - 1) / 3) * 3 + 1)", nil
	case "month":
		return "strftime('%Y-%m-01', " + col + ")", nil
	case "week":
		return "date(" + col + ", 'weekday 0', '-6 days')", nil
	case "day", "date":
		return "date(" + col + ")", nil
	case "hour":
		return "strftime('%Y-%m-%d %H:00:00', " + col + ")", nil
	case "minute":
		return "strftime('%Y-%m-%d %H:%M:00', " + col + ")", nil
	case "second":
		return "strftime('%Y-%m-%d %H:%M:%S', " + col + ")", nil
	default:
		return "", fmt.Errorf("unsupported truncation %q", unit)
	}
}

func (SQLite) Epoch(col string) string { return "CAST(strftime('%s', " + col + ") AS INTEGER)" }

func (SQLite) CaseSensitiveMatch(op, col, value string) (string, any, error) {
	escaped := escapeGlob(value)
	switch op {
	case "contains":
		return col + " GLOB ?", "*" + escaped + "*", nil
	case "startswith":
		return col + " GLOB ?", escaped + "*", nil
	case "endswith":
		return col + " GLOB ?", "*" + escaped, nil
	default:
		return "", nil, fmt.Errorf("unsupported text operator %q", op)
	}
}

func (SQLite) Regexp(col string) string { return col + " REGEXP ?" }

func (SQLite) Length(col string) string { return "LENGTH(" + col + ")" }

func (SQLite) CastFloat(expr string) string { return "CAST(" + expr + " AS REAL)" }

func (SQLite) InsertDefaults(table string) string { return "INSERT INTO " + table + " DEFAULT VALUES" }

func (SQLite) LikeEscape() string { return ` ESCAPE '\'` }

func escapeGlob(value string) string {
	r := strings.NewReplacer(`*`, `[*]`, `?`, `[?]`, `[`, `[[]`)
	return r.Replace(value)
}
