// Package dbexec provides database query execution abstractions.
// Stores run every statement through a QueryExecutor so tests can swap in
// sqlmock and writes can share one transaction.
package dbexec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Rows abstracts sql.Rows to allow wrapped cleanup behavior.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// QueryExecutor abstracts SQL execution.
type QueryExecutor interface {
	QueryContext(ctx context.Context, query string, args ...any) (Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// TxExecutor is a QueryExecutor bound to one open transaction.
type TxExecutor interface {
	QueryExecutor
	Commit() error
	Rollback() error
}

// Beginner opens transactions.
type Beginner interface {
	BeginTx(ctx context.Context) (TxExecutor, error)
}

// StandardExecutor executes queries directly against a database handle.
type StandardExecutor struct {
	db *sql.DB
}

// NewStandardExecutor creates an executor that runs queries directly against the database.
func NewStandardExecutor(db *sql.DB) *StandardExecutor {
	return &StandardExecutor{db: db}
}

func (e *StandardExecutor) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.QueryContext(ctx, query, args...)
}

func (e *StandardExecutor) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	return e.db.ExecContext(ctx, query, args...)
}

// BeginTx starts a transaction on the underlying database.
func (e *StandardExecutor) BeginTx(ctx context.Context) (TxExecutor, error) {
	if e.db == nil {
		return nil, sql.ErrConnDone
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &sqlTx{tx: tx}, nil
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) QueryContext(ctx context.Context, query string, args ...any) (Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *sqlTx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *sqlTx) Commit() error   { return t.tx.Commit() }
func (t *sqlTx) Rollback() error { return t.tx.Rollback() }

// Tx tracks one transaction shared by the statements of a write. Any
// statement failure marks it; Finalize then rolls back instead of committing.
type Tx struct {
	tx        TxExecutor
	hasError  bool
	finalized bool
	mu        sync.Mutex
}

// NewTx wraps an open transaction.
func NewTx(tx TxExecutor) *Tx {
	return &Tx{tx: tx}
}

// Executor returns the transaction's executor.
func (t *Tx) Executor() QueryExecutor { return t.tx }

// MarkError forces a rollback on Finalize.
func (t *Tx) MarkError() {
	t.mu.Lock()
	t.hasError = true
	t.mu.Unlock()
}

// Finalize commits or rolls back the transaction based on the error state.
// The lock is held throughout so MarkError cannot slip in between the check
// and the commit. Later calls are no-ops.
func (t *Tx) Finalize() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalized {
		return nil
	}
	t.finalized = true

	if t.hasError {
		return t.tx.Rollback()
	}
	return t.tx.Commit()
}

// RunInTx runs fn inside a transaction. A returned error rolls the
// transaction back and is passed through; otherwise it commits.
func RunInTx(ctx context.Context, b Beginner, fn func(QueryExecutor) error) error {
	raw, err := b.BeginTx(ctx)
	if err != nil {
		return err
	}
	tx := NewTx(raw)
	if err := fn(tx.Executor()); err != nil {
		tx.MarkError()
		if rbErr := tx.Finalize(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Finalize(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
