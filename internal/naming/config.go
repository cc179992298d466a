// Package naming derives storage and response names for schema entities,
// including pluralization overrides.
package naming

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Config holds naming customization options
type Config struct {
	// PluralOverrides maps singular -> custom plural, e.g. {"person": "people"}.
	PluralOverrides map[string]string `mapstructure:"plural_overrides" yaml:"plural_overrides"`

	// SingularOverrides maps plural -> custom singular, e.g. {"data": "datum"}.
	SingularOverrides map[string]string `mapstructure:"singular_overrides" yaml:"singular_overrides"`
}

// DefaultConfig returns an empty override set.
func DefaultConfig() Config {
	return Config{
		PluralOverrides:   map[string]string{},
		SingularOverrides: map[string]string{},
	}
}

// Pluralize returns the plural of word. Overrides are matched on the last
// snake_case segment, so "person" -> "people" also turns "sales_person"
// into "sales_people".
func (n *Namer) Pluralize(word string) string {
	return inflect(word, n.config.PluralOverrides, inflection.Plural)
}

// Singularize returns the singular of word, honoring SingularOverrides the
// same way Pluralize honors PluralOverrides.
func (n *Namer) Singularize(word string) string {
	return inflect(word, n.config.SingularOverrides, inflection.Singular)
}

func inflect(word string, overrides map[string]string, fallback func(string) string) string {
	if override, ok := overrides[word]; ok {
		return override
	}
	if i := strings.LastIndexByte(word, '_'); i >= 0 {
		if override, ok := overrides[word[i+1:]]; ok {
			return word[:i+1] + override
		}
	}
	return fallback(word)
}
