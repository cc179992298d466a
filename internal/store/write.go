package store

import (
	"context"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel/attribute"

	"dynrest/internal/apierr"
	"dynrest/internal/dbexec"
	"dynrest/internal/filter"
	"dynrest/internal/logging"
	"dynrest/internal/permission"
	"dynrest/internal/planner"
	"dynrest/internal/schema"
)

// writeSet is a write translated to physical columns plus the junction rows
// of many-to-many relations.
type writeSet struct {
	columns   map[string]any
	junctions []junctionWrite
}

type junctionWrite struct {
	field *schema.Field
	keys  []any
}

// writeSetFor maps logical field values onto columns. Read-only fields are
// ignored.
func writeSetFor(entity *schema.Entity, values map[string]any) (writeSet, error) {
	ws := writeSet{columns: map[string]any{}}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values[name]
		f, ok := entity.Field(name)
		if !ok {
			return ws, &apierr.UnknownFieldError{Entity: entity.Name, Segment: name, Path: name}
		}
		if f.ReadOnly {
			continue
		}
		if len(f.Choices) > 0 && !validChoice(f.Choices, value) {
			return ws, apierr.Validation("%q is not a valid choice for %s.", fmt.Sprint(value), name)
		}
		switch {
		case f.IsColumn():
			ws.columns[f.Source] = value
		case f.Kind == schema.KindRelSingle && !f.IsRenamed():
			ws.columns[f.Column] = value
		case f.Kind == schema.KindRelMany && f.Through != nil:
			keys, ok := value.([]any)
			if !ok && value != nil {
				return ws, apierr.Validation("%s expects a list of ids.", name)
			}
			ws.junctions = append(ws.junctions, junctionWrite{field: f, keys: keys})
		default:
			return ws, apierr.Validation("%s is not writable.", name)
		}
	}
	return ws, nil
}

func validChoice(choices []string, value any) bool {
	v := fmt.Sprint(value)
	for _, c := range choices {
		if c == v {
			return true
		}
	}
	return false
}

func (s *Store) beginner() (dbexec.Beginner, error) {
	b, ok := s.exec.(dbexec.Beginner)
	if !ok {
		return nil, fmt.Errorf("executor %T does not support transactions", s.exec)
	}
	return b, nil
}

// Create inserts a record inside one transaction. check is the caller's
// create predicate: None fails before writing, a narrowing predicate is
// verified against the new row and rolls the insert back when it does not
// hold. It returns the new primary key.
func (s *Store) Create(ctx context.Context, entity *schema.Entity, values map[string]any, check permission.Predicate, session *filter.Session) (pk any, err error) {
	ctx, span := startStoreSpan(ctx, "store.create", attribute.String("dynrest.entity", entity.Name))
	defer func() { finishStoreSpan(span, err, "") }()

	if check == nil {
		check = permission.Full
	}
	denied := &apierr.PermissionDeniedError{Entity: entity.Name, Access: string(permission.AccessCreate)}
	if permission.IsNone(check) {
		return nil, denied
	}
	ws, err := writeSetFor(entity, values)
	if err != nil {
		return nil, err
	}
	beginner, err := s.beginner()
	if err != nil {
		return nil, err
	}

	err = dbexec.RunInTx(ctx, beginner, func(tx dbexec.QueryExecutor) error {
		q, err := s.planner.PlanInsert(entity, ws.columns)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return apierr.FromStore(err)
		}
		pk = ws.columns[entity.PrimaryKey]
		if pk == nil {
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("read inserted %s id: %w", entity.Name, err)
			}
			pk = id
		}
		if err := s.writeJunctions(ctx, tx, ws.junctions, pk, false); err != nil {
			return err
		}
		if permission.IsFull(check) {
			return nil
		}
		ok, err := s.satisfies(ctx, tx, entity, check, pk, session)
		if err != nil {
			return err
		}
		if !ok {
			logging.FromContext(ctx).Debug("created record fails the create predicate",
				"entity", entity.Name, "predicate", fmt.Sprint(check))
			return denied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// Update writes values to the record with primary key pk. access is the
// caller's update predicate; records outside it are reported as missing.
func (s *Store) Update(ctx context.Context, entity *schema.Entity, pk any, values map[string]any, access permission.Predicate, session *filter.Session) (err error) {
	ctx, span := startStoreSpan(ctx, "store.update", attribute.String("dynrest.entity", entity.Name))
	defer func() { finishStoreSpan(span, err, "") }()

	if access == nil {
		access = permission.Full
	}
	if permission.IsNone(access) {
		return &apierr.PermissionDeniedError{Entity: entity.Name, Access: string(permission.AccessUpdate)}
	}
	ws, err := writeSetFor(entity, values)
	if err != nil {
		return err
	}
	beginner, err := s.beginner()
	if err != nil {
		return err
	}

	return dbexec.RunInTx(ctx, beginner, func(tx dbexec.QueryExecutor) error {
		ok, err := s.satisfies(ctx, tx, entity, access, pk, session)
		if err != nil {
			return err
		}
		if !ok {
			return &apierr.NotFoundError{Entity: entity.Name, ID: fmt.Sprint(pk)}
		}
		if len(ws.columns) > 0 {
			q, err := planner.PlanUpdate(entity, ws.columns, pk)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
				return apierr.FromStore(err)
			}
		}
		return s.writeJunctions(ctx, tx, ws.junctions, pk, true)
	})
}

// Delete removes the record with primary key pk and its junction rows.
// access is the caller's delete predicate.
func (s *Store) Delete(ctx context.Context, entity *schema.Entity, pk any, access permission.Predicate, session *filter.Session) (err error) {
	ctx, span := startStoreSpan(ctx, "store.delete", attribute.String("dynrest.entity", entity.Name))
	defer func() { finishStoreSpan(span, err, "") }()

	if access == nil {
		access = permission.Full
	}
	if permission.IsNone(access) {
		return &apierr.PermissionDeniedError{Entity: entity.Name, Access: string(permission.AccessDelete)}
	}
	beginner, err := s.beginner()
	if err != nil {
		return err
	}

	return dbexec.RunInTx(ctx, beginner, func(tx dbexec.QueryExecutor) error {
		ok, err := s.satisfies(ctx, tx, entity, access, pk, session)
		if err != nil {
			return err
		}
		if !ok {
			return &apierr.NotFoundError{Entity: entity.Name, ID: fmt.Sprint(pk)}
		}
		var links []junctionWrite
		for _, f := range entity.Relations() {
			if f.Kind == schema.KindRelMany && f.Through != nil {
				links = append(links, junctionWrite{field: f})
			}
		}
		if err := s.writeJunctions(ctx, tx, links, pk, true); err != nil {
			return err
		}
		q, err := planner.PlanDelete(entity, pk)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
			return apierr.FromStore(err)
		}
		return nil
	})
}

// writeJunctions links pk to the given keys of each many-to-many relation,
// first clearing the existing links when replace is set.
func (s *Store) writeJunctions(ctx context.Context, tx dbexec.QueryExecutor, writes []junctionWrite, pk any, replace bool) error {
	for _, w := range writes {
		if replace {
			q, err := planner.PlanJunctionClear(w.field, pk)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
				return apierr.FromStore(err)
			}
		}
		for _, key := range w.keys {
			q, err := planner.PlanJunctionInsert(w.field, pk, key)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, q.SQL, q.Args...); err != nil {
				return apierr.FromStore(err)
			}
		}
	}
	return nil
}

// satisfies reports whether the record with primary key pk exists and
// matches pred.
func (s *Store) satisfies(ctx context.Context, tx dbexec.QueryExecutor, entity *schema.Entity, pred permission.Predicate, pk any, session *filter.Session) (bool, error) {
	q, err := s.planner.PlanAccessCheck(entity, pred, pk, session)
	if err != nil {
		return false, err
	}
	rows, err := query(ctx, tx, q)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}
