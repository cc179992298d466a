// Package schema holds the field-definition graph the compiler resolves paths
// against. A Schema is built once by Load and is read-only afterwards; request
// scoped changes (permission field overrides) work on copies.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"dynrest/internal/permission"
)

// FieldKind is the tagged variant of a field definition.
type FieldKind int

const (
	KindPlain FieldKind = iota
	KindComputed
	KindRelSingle
	KindRelMany
)

func (k FieldKind) String() string {
	switch k {
	case KindPlain:
		return "plain"
	case KindComputed:
		return "computed"
	case KindRelSingle:
		return "rel_single"
	case KindRelMany:
		return "rel_many"
	default:
		return fmt.Sprintf("FieldKind(%d)", int(k))
	}
}

// ParseFieldKind parses the schema file spelling of a kind.
func ParseFieldKind(value string) (FieldKind, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "plain":
		return KindPlain, nil
	case "computed":
		return KindComputed, nil
	case "rel_single", "one", "many_to_one":
		return KindRelSingle, nil
	case "rel_many", "many", "one_to_many", "many_to_many":
		return KindRelMany, nil
	default:
		return KindPlain, fmt.Errorf("unknown field kind %q", value)
	}
}

// IsRelation reports whether the kind points at another entity.
func (k FieldKind) IsRelation() bool {
	return k == KindRelSingle || k == KindRelMany
}

// FieldType is the storage type of a plain field.
type FieldType string

const (
	TypeString   FieldType = "string"
	TypeInt      FieldType = "int"
	TypeFloat    FieldType = "float"
	TypeDecimal  FieldType = "decimal"
	TypeBool     FieldType = "bool"
	TypeDate     FieldType = "date"
	TypeDatetime FieldType = "datetime"
)

// IsTemporal reports whether values of this type can be bucketed by time.
func (t FieldType) IsTemporal() bool {
	return t == TypeDate || t == TypeDatetime
}

// Junction describes the link table of a many-to-many relation.
type Junction struct {
	Table        string
	LocalColumn  string
	RemoteColumn string
}

// Field is one logical field of an entity.
type Field struct {
	Name string
	// Source is the physical name. Plain fields name a column; relations name
	// the relation. A dotted source ("country.name") renames a field reached
	// through a relation.
	Source string
	Kind   FieldKind
	Type   FieldType
	Target string

	// Column is the local foreign key of a to-one relation, or the column on
	// the target table pointing back at this entity for a to-many relation.
	Column       string
	RemoteColumn string
	Through      *Junction

	Requires []string
	Deferred bool
	ReadOnly bool
	Choices  []string
	// Remote relations are always fetched as objects, never as bare ids.
	Remote bool
	// Scope restricts the related records the relation exposes.
	Scope permission.Filter

	owner *Entity
}

// Owner returns the entity the field belongs to.
func (f *Field) Owner() *Entity { return f.owner }

// SourcePath splits the source into physical segments.
func (f *Field) SourcePath() []string {
	if f.Source == "" {
		return nil
	}
	return strings.Split(f.Source, ".")
}

// IsRenamed reports whether the field is reached through a relation.
func (f *Field) IsRenamed() bool {
	return strings.Contains(f.Source, ".")
}

// Requirements lists the physical paths a computed field needs, defaulting
// to its source. A trailing "." asks for the whole related record.
func (f *Field) Requirements() []string {
	if len(f.Requires) > 0 {
		return f.Requires
	}
	if f.Source != "" {
		return []string{f.Source}
	}
	return nil
}

// IsColumn reports whether the field maps to a column on its own table.
func (f *Field) IsColumn() bool {
	return f.Kind == KindPlain && !f.IsRenamed()
}

// Entity is a named record type with its own table.
type Entity struct {
	Name            string
	Table           string
	PrimaryKey      string
	OrderingFields  []string
	DefaultOrdering []string
	CursorField     string
	Permissions     permission.Config

	fields   []*Field
	byName   map[string]*Field
	bySource map[string]*Field
	schema   *Schema
}

// NewEntity builds an entity from its fields. The schema is attached by Schema.Add.
func NewEntity(name, table, primaryKey string, fields []*Field) *Entity {
	e := &Entity{
		Name:       name,
		Table:      table,
		PrimaryKey: primaryKey,
		byName:     make(map[string]*Field, len(fields)),
		bySource:   make(map[string]*Field, len(fields)),
	}
	for _, f := range fields {
		e.addField(f)
	}
	return e
}

func (e *Entity) addField(f *Field) {
	if f.Source == "" && f.Kind != KindComputed {
		f.Source = f.Name
	}
	f.owner = e
	e.fields = append(e.fields, f)
	e.byName[f.Name] = f
	if f.Source != "" && !f.IsRenamed() {
		if _, exists := e.bySource[f.Source]; !exists {
			e.bySource[f.Source] = f
		}
	}
}

// Schema returns the owning schema.
func (e *Entity) Schema() *Schema { return e.schema }

// Fields returns the fields in declaration order.
func (e *Entity) Fields() []*Field { return e.fields }

// Field looks up a field by logical name. "pk" names the primary key.
func (e *Entity) Field(name string) (*Field, bool) {
	if f, ok := e.byName[name]; ok {
		return f, true
	}
	if name == "pk" {
		return e.bySource[e.PrimaryKey], e.bySource[e.PrimaryKey] != nil
	}
	return nil, false
}

// FieldBySource looks up a field by its physical name.
func (e *Entity) FieldBySource(source string) (*Field, bool) {
	if source == "pk" {
		source = e.PrimaryKey
	}
	f, ok := e.bySource[source]
	return f, ok
}

// Relations returns the relational fields in declaration order.
func (e *Entity) Relations() []*Field {
	var out []*Field
	for _, f := range e.fields {
		if f.Kind.IsRelation() {
			out = append(out, f)
		}
	}
	return out
}

// Columns returns the physical columns stored on the entity's table,
// including local foreign keys, in declaration order.
func (e *Entity) Columns() []string {
	seen := map[string]bool{}
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	add(e.PrimaryKey)
	for _, f := range e.fields {
		switch f.Kind {
		case KindPlain:
			if !f.IsRenamed() {
				add(f.Source)
			}
		case KindRelSingle:
			add(f.Column)
		}
	}
	return out
}

// Target returns the entity a relational field points at.
func (e *Entity) Target(f *Field) (*Entity, error) {
	if !f.Kind.IsRelation() {
		return nil, fmt.Errorf("field %s.%s is not a relation", e.Name, f.Name)
	}
	if e.schema == nil {
		return nil, fmt.Errorf("entity %s is not attached to a schema", e.Name)
	}
	target, ok := e.schema.Entity(f.Target)
	if !ok {
		return nil, fmt.Errorf("field %s.%s targets unknown entity %q", e.Name, f.Name, f.Target)
	}
	return target, nil
}

// CanOrderBy reports whether sorting by the logical path is allowed.
func (e *Entity) CanOrderBy(path string) bool {
	if len(e.OrderingFields) == 0 {
		return true
	}
	for _, allowed := range e.OrderingFields {
		if allowed == "*" || allowed == path {
			return true
		}
	}
	return false
}

// WithOverrides returns a request-scoped copy of the entity whose field
// metadata (read_only, choices, deferred) is overridden. The receiver is not
// modified.
func (e *Entity) WithOverrides(overrides map[string]map[string]any) *Entity {
	if len(overrides) == 0 {
		return e
	}
	cp := *e
	cp.fields = make([]*Field, 0, len(e.fields))
	cp.byName = make(map[string]*Field, len(e.fields))
	cp.bySource = make(map[string]*Field, len(e.fields))
	for _, f := range e.fields {
		nf := *f
		if attrs, ok := overrides[f.Name]; ok {
			applyOverrides(&nf, attrs)
		}
		cp.addField(&nf)
	}
	return &cp
}

func applyOverrides(f *Field, attrs map[string]any) {
	for key, value := range attrs {
		switch key {
		case "read_only":
			if b, ok := value.(bool); ok {
				f.ReadOnly = b
			}
		case "deferred":
			if b, ok := value.(bool); ok {
				f.Deferred = b
			}
		case "choices":
			f.Choices = toStrings(value)
		}
	}
}

func toStrings(value any) []string {
	switch v := value.(type) {
	case []string:
		return append([]string(nil), v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case map[string]any:
		out := make([]string, 0, len(v))
		for k := range v {
			out = append(out, k)
		}
		sort.Strings(out)
		return out
	default:
		return nil
	}
}

// Schema is the registry of entities.
type Schema struct {
	entities map[string]*Entity
	order    []string
}

// New returns an empty schema.
func New() *Schema {
	return &Schema{entities: map[string]*Entity{}}
}

// Add registers an entity.
func (s *Schema) Add(e *Entity) error {
	if _, exists := s.entities[e.Name]; exists {
		return fmt.Errorf("duplicate entity %q", e.Name)
	}
	e.schema = s
	s.entities[e.Name] = e
	s.order = append(s.order, e.Name)
	return nil
}

// Entity looks up an entity by name.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// Entities returns every entity in registration order.
func (s *Schema) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.entities[name])
	}
	return out
}

// Validate checks relation targets, join metadata and renamed sources.
func (s *Schema) Validate() error {
	var problems []string
	for _, e := range s.Entities() {
		if _, ok := e.FieldBySource(e.PrimaryKey); !ok {
			problems = append(problems, fmt.Sprintf("%s: primary key %q is not a declared field", e.Name, e.PrimaryKey))
		}
		for _, f := range e.fields {
			problems = append(problems, s.validateField(e, f)...)
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid schema: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (s *Schema) validateField(e *Entity, f *Field) []string {
	var problems []string
	switch f.Kind {
	case KindRelSingle, KindRelMany:
		if _, ok := s.entities[f.Target]; !ok {
			problems = append(problems, fmt.Sprintf("%s.%s: unknown target %q", e.Name, f.Name, f.Target))
		}
		if f.Through == nil && f.Column == "" {
			problems = append(problems, fmt.Sprintf("%s.%s: relation needs a column or a junction", e.Name, f.Name))
		}
	case KindComputed:
		if len(f.Requires) == 0 && f.Source == "" {
			problems = append(problems, fmt.Sprintf("%s.%s: computed field needs requires or source", e.Name, f.Name))
		}
	}
	if f.IsRenamed() {
		current := e
		parts := f.SourcePath()
		for i, part := range parts {
			next, ok := current.FieldBySource(part)
			if !ok {
				problems = append(problems, fmt.Sprintf("%s.%s: source segment %q not found on %s", e.Name, f.Name, part, current.Name))
				break
			}
			if i == len(parts)-1 {
				break
			}
			if !next.Kind.IsRelation() {
				problems = append(problems, fmt.Sprintf("%s.%s: source segment %q is not a relation", e.Name, f.Name, part))
				break
			}
			target, ok := s.entities[next.Target]
			if !ok {
				break
			}
			current = target
		}
	}
	return problems
}
