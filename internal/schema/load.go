package schema

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"dynrest/internal/naming"
	"dynrest/internal/permission"
)

type fileSchema struct {
	Naming   naming.Config `yaml:"naming"`
	Entities []fileEntity  `yaml:"entities"`
}

type fileEntity struct {
	Name            string                    `yaml:"name"`
	Table           string                    `yaml:"table"`
	PrimaryKey      string                    `yaml:"primary_key"`
	OrderingFields  []string                  `yaml:"ordering_fields"`
	DefaultOrdering []string                  `yaml:"default_ordering"`
	CursorField     string                    `yaml:"cursor_field"`
	Fields          []fileField               `yaml:"fields"`
	Permissions     map[string]map[string]any `yaml:"permissions"`
}

type fileField struct {
	Name         string         `yaml:"name"`
	Source       string         `yaml:"source"`
	Kind         string         `yaml:"kind"`
	Type         string         `yaml:"type"`
	Target       string         `yaml:"target"`
	Column       string         `yaml:"column"`
	RemoteColumn string         `yaml:"remote_column"`
	Through      *fileJunction  `yaml:"through"`
	Requires     []string       `yaml:"requires"`
	Deferred     bool           `yaml:"deferred"`
	ReadOnly     bool           `yaml:"read_only"`
	Choices      []string       `yaml:"choices"`
	Remote       bool           `yaml:"remote"`
	Scope        map[string]any `yaml:"scope"`
}

type fileJunction struct {
	Table        string `yaml:"table"`
	LocalColumn  string `yaml:"local_column"`
	RemoteColumn string `yaml:"remote_column"`
}

// LoadFile reads a YAML schema file.
func LoadFile(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema file: %w", err)
	}
	return Load(bytes.NewReader(data))
}

// Load parses a YAML schema, fills in naming defaults and validates the result.
func Load(r io.Reader) (*Schema, error) {
	var doc fileSchema
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if len(doc.Entities) == 0 {
		return nil, fmt.Errorf("schema declares no entities")
	}

	namer := naming.New(doc.Naming, nil)
	s := New()
	for _, fe := range doc.Entities {
		e, err := buildEntity(fe, namer)
		if err != nil {
			return nil, err
		}
		if err := s.Add(e); err != nil {
			return nil, err
		}
	}
	fillRelationDefaults(s, namer)
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func buildEntity(fe fileEntity, namer *naming.Namer) (*Entity, error) {
	if fe.Name == "" {
		return nil, fmt.Errorf("entity without a name")
	}
	table := fe.Table
	if table == "" {
		table = namer.TableName(fe.Name)
	}
	pk := fe.PrimaryKey
	if pk == "" {
		pk = "id"
	}

	fields := make([]*Field, 0, len(fe.Fields))
	for _, ff := range fe.Fields {
		f, err := buildField(fe.Name, ff)
		if err != nil {
			return nil, err
		}
		fields = append(fields, f)
	}

	e := NewEntity(fe.Name, table, pk, fields)
	e.OrderingFields = fe.OrderingFields
	e.DefaultOrdering = fe.DefaultOrdering
	e.CursorField = fe.CursorField
	if len(fe.Permissions) > 0 {
		e.Permissions = make(permission.Config, len(fe.Permissions))
		for role, spec := range fe.Permissions {
			e.Permissions[role] = permission.RoleSpec(convertMe(spec).(map[string]any))
		}
	}
	return e, nil
}

func buildField(entity string, ff fileField) (*Field, error) {
	if ff.Name == "" {
		return nil, fmt.Errorf("%s: field without a name", entity)
	}
	kind, err := ParseFieldKind(ff.Kind)
	if err != nil {
		return nil, fmt.Errorf("%s.%s: %w", entity, ff.Name, err)
	}
	typ := FieldType(strings.ToLower(ff.Type))
	if typ == "" && kind == KindPlain {
		typ = TypeString
	}
	f := &Field{
		Name:         ff.Name,
		Source:       ff.Source,
		Kind:         kind,
		Type:         typ,
		Target:       ff.Target,
		Column:       ff.Column,
		RemoteColumn: ff.RemoteColumn,
		Requires:     ff.Requires,
		Deferred:     ff.Deferred,
		ReadOnly:     ff.ReadOnly,
		Choices:      ff.Choices,
		Remote:       ff.Remote,
	}
	if ff.Through != nil {
		f.Through = &Junction{
			Table:        ff.Through.Table,
			LocalColumn:  ff.Through.LocalColumn,
			RemoteColumn: ff.Through.RemoteColumn,
		}
	}
	if len(ff.Scope) > 0 {
		f.Scope = permission.Filter(convertMe(ff.Scope).(map[string]any))
	}
	return f, nil
}

// fillRelationDefaults derives join columns that the schema file left out.
func fillRelationDefaults(s *Schema, namer *naming.Namer) {
	for _, e := range s.Entities() {
		for _, f := range e.fields {
			switch f.Kind {
			case KindRelSingle:
				if f.Column == "" && !f.IsRenamed() {
					f.Column = namer.ForeignKeyColumn(f.Name)
				}
			case KindRelMany:
				if f.Through != nil {
					if f.Through.Table == "" {
						f.Through.Table = namer.JunctionTable(e.Table, f.Name)
					}
					if f.Through.LocalColumn == "" {
						f.Through.LocalColumn = namer.ReverseKeyColumn(e.Name)
					}
					if f.Through.RemoteColumn == "" {
						f.Through.RemoteColumn = namer.ReverseKeyColumn(f.Target)
					}
					continue
				}
				if f.Column == "" && !f.IsRenamed() {
					f.Column = namer.ReverseKeyColumn(e.Name)
				}
			}
		}
		if f, ok := e.FieldBySource(e.PrimaryKey); ok && f.Type == "" {
			f.Type = TypeInt
		}
	}
}

// convertMe replaces the "$me" spelling with the Me placeholder.
func convertMe(value any) any {
	switch v := value.(type) {
	case string:
		if v == permission.MeToken {
			return permission.Me{}
		}
		return v
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = convertMe(item)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = convertMe(item)
		}
		return out
	default:
		return value
	}
}
