// Package boolutil holds the permissive truthiness rules used for query
// parameters and identity attributes.
package boolutil

import (
	"strings"
)

// IsTruthy reports whether a parameter string is true. Only "0", "false" and
// the empty string (case-insensitive) are false; any other string is true.
func IsTruthy(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "0", "false", "":
		return false
	default:
		return true
	}
}

// Truthy applies IsTruthy to strings and the usual zero-value rules to
// everything else.
func Truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return IsTruthy(v)
	case []byte:
		return IsTruthy(string(v))
	case int:
		return v != 0
	case int32:
		return v != 0
	case int64:
		return v != 0
	case uint:
		return v != 0
	case uint64:
		return v != 0
	case float32:
		return v != 0
	case float64:
		return v != 0
	case []any:
		return len(v) > 0
	case []string:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}
