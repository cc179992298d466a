package planner

import (
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"
)

// Window is the slice of rows a root select returns. A zero Limit is unbounded.
type Window struct {
	Limit  int
	Offset int
	Seek   *Seek
}

// Seek continues a keyset page after the boundary values of the ordering
// columns.
type Seek struct {
	Columns []string
	Values  []any
	Desc    bool
}

func (s *Seek) condition(alias string) sq.Sqlizer {
	direction := "ASC"
	if s.Desc {
		direction = "DESC"
	}
	return BuildSeekConditionQualified(alias, s.Columns, s.Values, direction)
}

// OffsetWindow returns the window of a 1-based page. extra rows are fetched
// past the page end so callers can tell whether more pages exist.
func OffsetWindow(page, perPage, extra int) Window {
	if page < 1 {
		page = 1
	}
	return Window{Limit: perPage + extra, Offset: (page - 1) * perPage}
}

// BuildSeekConditionQualified creates a SQL comparison for cursor-based seek
// using qualified column names (tableAlias.column).
// For ASC: (col1, col2) > (?, ?)
// For DESC: (col1, col2) < (?, ?)
func BuildSeekConditionQualified(tableAlias string, columns []string, values []any, direction string) sq.Sqlizer {
	qualified := make([]string, len(columns))
	for i, col := range columns {
		qualified[i] = qualifiedColumn(tableAlias, col)
	}

	op := ">"
	if strings.ToUpper(direction) == "DESC" {
		op = "<"
	}
	if len(qualified) == 1 {
		return sq.Expr(fmt.Sprintf("%s %s ?", qualified[0], op), values...)
	}

	lhs := "(" + strings.Join(qualified, ", ") + ")"
	placeholders := make([]string, len(values))
	for i := range values {
		placeholders[i] = "?"
	}
	rhs := "(" + strings.Join(placeholders, ", ") + ")"

	return sq.Expr(lhs+" "+op+" "+rhs, values...)
}
