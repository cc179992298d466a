package permission

type fieldState int

const (
	fieldsNone fieldState = iota
	fieldsFull
	fieldsSpec
)

// FieldAccess is the result of the fields access kind: a set of per-field
// metadata overrides. AND and OR both deep-merge the override maps.
type FieldAccess struct {
	state fieldState
	spec  map[string]any
}

// NoFields carries no overrides and denies field access.
var NoFields = FieldAccess{state: fieldsNone}

// AllFields grants field access without overrides.
var AllFields = FieldAccess{state: fieldsFull}

// NewFieldAccess converts a raw spec: nil, false and {} deny, true grants,
// a map is a set of overrides keyed by field name.
func NewFieldAccess(raw any) FieldAccess {
	switch v := raw.(type) {
	case nil:
		return NoFields
	case bool:
		if v {
			return AllFields
		}
		return NoFields
	case map[string]any:
		if len(v) == 0 {
			return NoFields
		}
		return FieldAccess{state: fieldsSpec, spec: merge(v, map[string]any{})}
	default:
		return NoFields
	}
}

// IsNone reports whether field access is denied.
func (a FieldAccess) IsNone() bool { return a.state == fieldsNone }

// IsFull reports whether field access is granted without overrides.
func (a FieldAccess) IsFull() bool { return a.state == fieldsFull }

// And combines two field accesses. None absorbs, full is the identity.
func (a FieldAccess) And(b FieldAccess) FieldAccess {
	switch {
	case a.IsNone(), b.IsNone():
		return NoFields
	case a.IsFull():
		return b
	case b.IsFull():
		return a
	}
	return FieldAccess{state: fieldsSpec, spec: merge(a.spec, merge(b.spec, map[string]any{}))}
}

// Or combines two field accesses. Full absorbs, none is the identity.
func (a FieldAccess) Or(b FieldAccess) FieldAccess {
	switch {
	case a.IsFull(), b.IsFull():
		return AllFields
	case a.IsNone():
		return b
	case b.IsNone():
		return a
	}
	return FieldAccess{state: fieldsSpec, spec: merge(a.spec, merge(b.spec, map[string]any{}))}
}

// Spec returns the raw representation: false, true, or the override map.
func (a FieldAccess) Spec() any {
	switch a.state {
	case fieldsFull:
		return true
	case fieldsSpec:
		return merge(a.spec, map[string]any{})
	default:
		return false
	}
}

// Overrides returns the per-field attribute overrides, or nil.
func (a FieldAccess) Overrides() map[string]map[string]any {
	if a.state != fieldsSpec {
		return nil
	}
	out := make(map[string]map[string]any, len(a.spec))
	for name, raw := range a.spec {
		attrs, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		out[name] = merge(attrs, map[string]any{})
	}
	return out
}

// merge writes source into destination recursively and returns destination.
// Leaves from source overwrite leaves already in destination.
func merge(source, destination map[string]any) map[string]any {
	for key, value := range source {
		if nested, ok := value.(map[string]any); ok {
			node, ok := destination[key].(map[string]any)
			if !ok {
				node = map[string]any{}
				destination[key] = node
			}
			merge(nested, node)
			continue
		}
		destination[key] = value
	}
	return destination
}
