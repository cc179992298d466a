package permission

import (
	"context"

	"dynrest/internal/boolutil"
)

// Me is the placeholder for the calling identity inside a filter spec.
type Me struct{}

func (Me) String() string { return "<the current user>" }

// MeToken is the schema file spelling of the Me placeholder.
const MeToken = "$me"

// Identity is the caller a request is evaluated for.
type Identity struct {
	ID         any
	Subject    string
	Attributes map[string]any
	Superuser  bool
}

// Anonymous is an identity with no id and no attributes.
var Anonymous = Identity{}

// HasRole reports whether the identity holds the named role. The wildcard role
// "*" matches everyone; any other role matches when the attribute of that name
// is truthy.
func (i Identity) HasRole(role string) bool {
	if role == "*" {
		return true
	}
	if i.Attributes == nil {
		return false
	}
	return boolutil.Truthy(i.Attributes[role])
}

type identityContextKey struct{}

// WithIdentity stores the identity in ctx.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext returns the request identity, or Anonymous.
func IdentityFromContext(ctx context.Context) Identity {
	if ctx == nil {
		return Anonymous
	}
	if id, ok := ctx.Value(identityContextKey{}).(Identity); ok {
		return id
	}
	return Anonymous
}
