package naming

import (
	"log/slog"
	"strings"

	"github.com/ettle/strcase"
)

// Namer derives table names, foreign key columns and response keys from
// entity names declared in the schema file.
type Namer struct {
	config Config
	logger *slog.Logger
}

// New creates a Namer with the given configuration
func New(cfg Config, logger *slog.Logger) *Namer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PluralOverrides == nil {
		cfg.PluralOverrides = map[string]string{}
	}
	if cfg.SingularOverrides == nil {
		cfg.SingularOverrides = map[string]string{}
	}
	return &Namer{config: cfg, logger: logger}
}

// Default returns a Namer with default configuration
func Default() *Namer {
	return New(DefaultConfig(), nil)
}

// TableName returns the default table for an entity.
// Example: "UserGroup" -> "user_groups"
func (n *Namer) TableName(entity string) string {
	return n.Pluralize(strcase.ToSnake(entity))
}

// CollectionKey is the response envelope key for a list of entities.
// Example: "user" -> "users"
func (n *Namer) CollectionKey(entity string) string {
	return n.Pluralize(strcase.ToSnake(entity))
}

// ItemKey is the response envelope key for a single entity.
// Example: "users" -> "user"
func (n *Namer) ItemKey(entity string) string {
	return n.Singularize(strcase.ToSnake(entity))
}

// ForeignKeyColumn returns the default local column backing a to-one relation.
// Example: "homeCountry" -> "home_country_id"
func (n *Namer) ForeignKeyColumn(relation string) string {
	return strcase.ToSnake(relation) + "_id"
}

// ReverseKeyColumn returns the default column on a related table that points
// back at the owning entity of a to-many relation.
// Example: "users" -> "user_id"
func (n *Namer) ReverseKeyColumn(owner string) string {
	return n.Singularize(strcase.ToSnake(owner)) + "_id"
}

// JunctionTable returns the default many-to-many junction table name.
// Example: ("users", "groups") -> "users_groups"
func (n *Namer) JunctionTable(ownerTable, relation string) string {
	name := ownerTable + "_" + strcase.ToSnake(relation)
	n.logger.Debug("derived junction table", slog.String("table", name))
	return strings.ToLower(name)
}
