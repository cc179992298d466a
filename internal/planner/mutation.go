package planner

import (
	"fmt"
	"sort"

	sq "github.com/Masterminds/squirrel"

	"dynrest/internal/schema"
	"dynrest/internal/sqlutil"
)

// PlanInsert builds SQL for inserting a single row. Columns are written in
// sorted order.
func (p *Planner) PlanInsert(entity *schema.Entity, values map[string]any) (SQLQuery, error) {
	if len(values) == 0 {
		return SQLQuery{SQL: p.dialect.InsertDefaults(sqlutil.QuoteIdentifier(entity.Table))}, nil
	}

	columns := sortedColumns(values)
	quotedCols := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		quotedCols[i] = sqlutil.QuoteIdentifier(col)
		args[i] = values[col]
	}

	builder := sq.Insert(sqlutil.QuoteIdentifier(entity.Table)).
		Columns(quotedCols...).
		Values(args...).
		PlaceholderFormat(sq.Question)

	query, qargs, err := builder.ToSql()
	if err != nil {
		return SQLQuery{}, err
	}

	return SQLQuery{SQL: query, Args: qargs}, nil
}

// PlanUpdate builds SQL for updating a single row by primary key.
func PlanUpdate(entity *schema.Entity, set map[string]any, pk any) (SQLQuery, error) {
	if len(set) == 0 {
		return SQLQuery{}, fmt.Errorf("update set cannot be empty")
	}
	if pk == nil {
		return SQLQuery{}, fmt.Errorf("missing primary key value for %s", entity.Name)
	}

	update := sq.Update(sqlutil.QuoteIdentifier(entity.Table))
	setMap := make(map[string]any, len(set))
	for col, val := range set {
		setMap[sqlutil.QuoteIdentifier(col)] = val
	}
	update = update.SetMap(setMap).
		Where(sq.Eq{sqlutil.QuoteIdentifier(entity.PrimaryKey): pk})

	query, args, err := update.PlaceholderFormat(sq.Question).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}

	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanDelete builds SQL for deleting a single row by primary key.
func PlanDelete(entity *schema.Entity, pk any) (SQLQuery, error) {
	if pk == nil {
		return SQLQuery{}, fmt.Errorf("missing primary key value for %s", entity.Name)
	}

	query, args, err := sq.Delete(sqlutil.QuoteIdentifier(entity.Table)).
		Where(sq.Eq{sqlutil.QuoteIdentifier(entity.PrimaryKey): pk}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}

	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanJunctionInsert links two records through a many-to-many junction table.
func PlanJunctionInsert(f *schema.Field, localKey, remoteKey any) (SQLQuery, error) {
	if f.Through == nil {
		return SQLQuery{}, fmt.Errorf("field %s has no junction table", f.Name)
	}
	query, args, err := sq.Insert(sqlutil.QuoteIdentifier(f.Through.Table)).
		Columns(sqlutil.QuoteIdentifier(f.Through.LocalColumn), sqlutil.QuoteIdentifier(f.Through.RemoteColumn)).
		Values(localKey, remoteKey).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// PlanJunctionClear removes every junction row of one local record.
func PlanJunctionClear(f *schema.Field, localKey any) (SQLQuery, error) {
	if f.Through == nil {
		return SQLQuery{}, fmt.Errorf("field %s has no junction table", f.Name)
	}
	query, args, err := sq.Delete(sqlutil.QuoteIdentifier(f.Through.Table)).
		Where(sq.Eq{sqlutil.QuoteIdentifier(f.Through.LocalColumn): localKey}).
		PlaceholderFormat(sq.Question).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func sortedColumns(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
