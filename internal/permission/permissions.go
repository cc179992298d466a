package permission

import (
	"fmt"
	"sort"
)

// Access is one of the access kinds a role can grant.
type Access string

const (
	AccessList   Access = "list"
	AccessRead   Access = "read"
	AccessCreate Access = "create"
	AccessUpdate Access = "update"
	AccessDelete Access = "delete"
	AccessFields Access = "fields"
)

// AllMethods lists the access kinds that can be disabled per endpoint.
var AllMethods = []Access{AccessRead, AccessList, AccessCreate, AccessUpdate, AccessDelete}

// Action is the kind of request being served.
type Action string

const (
	ActionList   Action = "list"
	ActionGet    Action = "get"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// QuerysetAccess returns the access kind that narrows the base query of an action.
// Creates are checked separately, so their base query uses read access.
func QuerysetAccess(action Action) Access {
	switch action {
	case ActionList:
		return AccessList
	case ActionUpdate:
		return AccessUpdate
	case ActionDelete:
		return AccessDelete
	default:
		return AccessRead
	}
}

// RoleSpec maps access kinds to raw specs.
type RoleSpec map[string]any

// Config maps role names to their specs. The role "*" applies to everyone.
type Config map[string]RoleSpec

// Role evaluates one role spec for one identity.
type Role struct {
	Name     string
	spec     RoleSpec
	identity Identity
}

// Get resolves an access kind. A kind missing from the spec denies access.
func (r Role) Get(access Access) (Predicate, error) {
	if access == AccessFields {
		return nil, fmt.Errorf("use Fields() for field access")
	}
	raw, ok := r.spec[string(access)]
	if !ok {
		return None, nil
	}
	pred, err := Bind(raw, r.identity)
	if err != nil {
		return nil, fmt.Errorf("role %q %s: %w", r.Name, access, err)
	}
	return pred, nil
}

// Fields resolves the field overrides for this role.
func (r Role) Fields() FieldAccess {
	raw, ok := r.spec[string(AccessFields)]
	if !ok {
		return NoFields
	}
	return NewFieldAccess(raw)
}

// Permissions evaluates the roles of one entity for one request. It is built
// per request and never shared.
type Permissions struct {
	config   Config
	identity Identity
	allowed  map[Access]bool
	roles    []Role
}

// New evaluates cfg for id. An empty allowed list permits every access kind.
func New(cfg Config, id Identity, allowed ...Access) *Permissions {
	if len(allowed) == 0 {
		allowed = AllMethods
	}
	set := make(map[Access]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}

	names := make([]string, 0, len(cfg))
	for name := range cfg {
		if id.HasRole(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	roles := make([]Role, 0, len(names))
	for _, name := range names {
		roles = append(roles, Role{Name: name, spec: cfg[name], identity: id})
	}
	return &Permissions{config: cfg, identity: id, allowed: set, roles: roles}
}

// ForIdentity returns the permissions to enforce, or nil when none apply:
// entities without a config and superusers (unless evenIfSuperuser) are
// not restricted.
func ForIdentity(cfg Config, id Identity, evenIfSuperuser bool, allowed ...Access) *Permissions {
	if len(cfg) == 0 {
		return nil
	}
	if id.Superuser && !evenIfSuperuser {
		return nil
	}
	return New(cfg, id, allowed...)
}

// Identity returns the identity the permissions were evaluated for.
func (p *Permissions) Identity() Identity { return p.identity }

// Roles returns the roles the identity holds, sorted by name.
func (p *Permissions) Roles() []Role { return p.roles }

// Get ORs the access kind across every held role. Disallowed kinds and
// callers without roles get None.
func (p *Permissions) Get(access Access) (Predicate, error) {
	if access == AccessFields {
		return nil, fmt.Errorf("use Fields() for field access")
	}
	if !p.allowed[access] {
		return None, nil
	}
	var result Predicate
	for _, role := range p.roles {
		pred, err := role.Get(access)
		if err != nil {
			return nil, err
		}
		if result == nil {
			result = pred
			continue
		}
		result = Or(result, pred)
	}
	if result == nil {
		return None, nil
	}
	return result, nil
}

// Fields ORs the field overrides across every held role.
func (p *Permissions) Fields() FieldAccess {
	var (
		result FieldAccess
		seen   bool
	)
	for _, role := range p.roles {
		f := role.Fields()
		if !seen {
			result = f
			seen = true
			continue
		}
		result = result.Or(f)
	}
	if !seen {
		return NoFields
	}
	return result
}

// Serialize reports which access kinds are granted and the field overrides.
func (p *Permissions) Serialize() (map[string]any, error) {
	out := make(map[string]any, len(AllMethods)+1)
	for _, access := range AllMethods {
		pred, err := p.Get(access)
		if err != nil {
			return nil, err
		}
		out[string(access)] = Allows(pred)
	}
	out[string(AccessFields)] = p.Fields().Spec()
	return out, nil
}
