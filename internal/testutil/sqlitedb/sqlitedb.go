// Package sqlitedb opens in-memory SQLite databases for package tests.
package sqlitedb

import (
	"database/sql"
	"strings"
	"testing"

	// Registers the REGEXP function on the sqlite driver.
	_ "dynrest/internal/dbexec"
	_ "modernc.org/sqlite"
)

// TestDB is an in-memory SQLite database that lives for one test.
type TestDB struct {
	DB *sql.DB
}

// NewTestDB opens a fresh in-memory database and runs the DDL statements.
// The pool holds a single connection so every statement sees the same
// in-memory database.
func NewTestDB(t testing.TB, ddl string) *TestDB {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)

	testDB := &TestDB{DB: db}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Logf("Warning: failed to close database connection: %v", err)
		}
	})
	testDB.Exec(t, ddl)
	return testDB
}

// Exec runs semicolon separated statements, failing the test on error.
func (d *TestDB) Exec(t testing.TB, script string) {
	t.Helper()
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.DB.Exec(stmt); err != nil {
			t.Fatalf("Failed to execute %q: %v", stmt, err)
		}
	}
}
