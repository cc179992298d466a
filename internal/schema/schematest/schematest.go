// Package schematest provides the schema fixture shared by package tests.
package schematest

import (
	"strings"
	"testing"

	"dynrest/internal/schema"
)

// YAML is the fixture schema: users with locations, groups and permissions,
// and cars with a renamed country field.
const YAML = `
entities:
  - name: user
    ordering_fields: ["*"]
    default_ordering: [id]
    cursor_field: -created
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: last_name}
      - {name: date_of_birth, type: date}
      - {name: is_dead, type: bool}
      - {name: created, type: datetime}
      - {name: location, kind: rel_single, target: location}
      - {name: location_name, source: location.name}
      - name: groups
        kind: rel_many
        target: group
        through: {table: users_groups, local_column: user_id, remote_column: group_id}
      - name: permissions
        kind: rel_many
        target: permission
        through: {table: users_permissions, local_column: user_id, remote_column: permission_id}
      - name: display_name
        kind: computed
        requires: [name, last_name]
      - name: group_names
        kind: computed
        requires: [groups.name]
  - name: group
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - name: permissions
        kind: rel_many
        target: permission
        through: {table: groups_permissions, local_column: group_id, remote_column: permission_id}
      - name: members
        kind: rel_many
        target: user
        through: {table: users_groups, local_column: group_id, remote_column: user_id}
  - name: permission
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: code}
  - name: location
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: users, kind: rel_many, target: user, column: location_id}
      - name: living_users
        kind: rel_many
        target: user
        column: location_id
        scope: {is_dead: false}
  - name: country
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: short_name}
  - name: car
    ordering_fields: [name, country_name]
    default_ordering: [id]
    fields:
      - {name: id, type: int}
      - {name: name}
      - {name: country, kind: rel_single, target: country}
      - {name: country_name, source: country.name}
      - {name: country_short_name, source: country.short_name}
    permissions:
      "*":
        list: true
        read: true
        create: {name.startswith: "T"}
        update: true
        delete: false
        fields: true
`

// DDL creates the fixture tables in SQLite.
const DDL = `
CREATE TABLE locations (id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE users (
  id INTEGER PRIMARY KEY,
  name TEXT,
  last_name TEXT,
  date_of_birth TEXT,
  is_dead INTEGER DEFAULT 0,
  created TEXT,
  location_id INTEGER REFERENCES locations(id)
);
CREATE TABLE groups (id INTEGER PRIMARY KEY, name TEXT);
CREATE TABLE permissions (id INTEGER PRIMARY KEY, name TEXT, code TEXT);
CREATE TABLE users_groups (user_id INTEGER, group_id INTEGER);
CREATE TABLE users_permissions (user_id INTEGER, permission_id INTEGER);
CREATE TABLE groups_permissions (group_id INTEGER, permission_id INTEGER);
CREATE TABLE countries (id INTEGER PRIMARY KEY, name TEXT, short_name TEXT);
CREATE TABLE cars (id INTEGER PRIMARY KEY, name TEXT, country_id INTEGER REFERENCES countries(id));
`

// Seed fills the fixture tables. Cid is dead, Dee has no location.
const Seed = `
INSERT INTO locations (id, name) VALUES (1, 'Paris'), (2, 'Oslo'), (3, 'Empty');
INSERT INTO users (id, name, last_name, date_of_birth, is_dead, created, location_id) VALUES
  (1, 'Ann', 'Smith', '1980-01-01', 0, '2024-01-01 09:00:00', 1),
  (2, 'Bob', 'Jones', '1990-05-05', 0, '2024-01-02 09:00:00', 1),
  (3, 'Cid', 'Smith', '1970-03-03', 1, '2024-01-03 09:00:00', 2),
  (4, 'Dee', 'Brown', '2000-07-07', 0, '2024-01-04 09:00:00', NULL);
INSERT INTO groups (id, name) VALUES (1, 'admin'), (2, 'staff'), (3, 'guests');
INSERT INTO users_groups (user_id, group_id) VALUES (1, 1), (1, 2), (2, 2), (3, 3);
INSERT INTO permissions (id, name, code) VALUES (1, 'read', 'r'), (2, 'write', 'w');
INSERT INTO users_permissions (user_id, permission_id) VALUES (1, 1), (1, 2), (2, 1);
INSERT INTO groups_permissions (group_id, permission_id) VALUES (1, 2), (2, 1);
INSERT INTO countries (id, name, short_name) VALUES (1, 'Japan', 'JP'), (2, 'Germany', 'DE');
INSERT INTO cars (id, name, country_id) VALUES (1, 'Toyota', 1), (2, 'Volkswagen', 2), (3, 'Honda', 1);
`

// Load parses the fixture schema or fails the test.
func Load(t testing.TB) *schema.Schema {
	t.Helper()
	s, err := schema.Load(strings.NewReader(YAML))
	if err != nil {
		t.Fatalf("load fixture schema: %v", err)
	}
	return s
}

// Entity returns a fixture entity or fails the test.
func Entity(t testing.TB, s *schema.Schema, name string) *schema.Entity {
	t.Helper()
	e, ok := s.Entity(name)
	if !ok {
		t.Fatalf("fixture entity %q not found", name)
	}
	return e
}
