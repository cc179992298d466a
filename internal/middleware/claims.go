package middleware

import (
	"encoding/json"
	"maps"
	"math"
	"strings"

	"dynrest/internal/boolutil"
	"dynrest/internal/permission"
)

// ClaimMapping names the claims that make up a permission identity.
type ClaimMapping struct {
	Identity  string
	Roles     string
	Superuser string
}

func (m ClaimMapping) withDefaults() ClaimMapping {
	if m.Identity == "" {
		m.Identity = "sub"
	}
	if m.Roles == "" {
		m.Roles = "roles"
	}
	if m.Superuser == "" {
		m.Superuser = "is_superuser"
	}
	return m
}

// IdentityFromClaims builds the permission identity of verified claims.
// Every claim is kept as an attribute; each listed role is set to true so
// role specs match it.
func IdentityFromClaims(claims map[string]any, mapping ClaimMapping) permission.Identity {
	mapping = mapping.withDefaults()
	attrs := maps.Clone(claims)
	if attrs == nil {
		attrs = map[string]any{}
	}
	for _, role := range claimRoles(claims[mapping.Roles]) {
		attrs[role] = true
	}
	subject, _ := claims["sub"].(string)
	return permission.Identity{
		ID:         claimID(claims[mapping.Identity]),
		Subject:    subject,
		Attributes: attrs,
		Superuser:  boolutil.Truthy(claims[mapping.Superuser]),
	}
}

// claimID turns integral JSON numbers into int64 so they compare with
// integer primary keys.
func claimID(raw any) any {
	switch v := raw.(type) {
	case float64:
		if v == math.Trunc(v) {
			return int64(v)
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n
		}
		return v.String()
	}
	return raw
}

// claimRoles accepts a JSON array of strings or a comma or space separated
// string.
func claimRoles(raw any) []string {
	switch v := raw.(type) {
	case string:
		return strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' })
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
