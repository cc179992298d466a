package permission

import (
	"fmt"
)

// Bind turns a raw role spec value into a predicate for one identity.
//
//   - nil, false and an empty map deny access
//   - true grants full access
//   - the Me placeholder alone narrows to the caller's own record
//   - a map becomes a Filter with Me values replaced by the caller id
func Bind(raw any, id Identity) (Predicate, error) {
	switch v := raw.(type) {
	case nil:
		return None, nil
	case bool:
		if v {
			return Full, nil
		}
		return None, nil
	case Me, *Me:
		return Filter{"pk": id.ID}, nil
	case string:
		if v == MeToken {
			return Filter{"pk": id.ID}, nil
		}
		return nil, fmt.Errorf("unsupported permission spec %q", v)
	case Filter:
		return bindFilter(v, id), nil
	case map[string]any:
		return bindFilter(Filter(v), id), nil
	case fullAccess, noAccess:
		return raw.(Predicate), nil
	case AndPredicate:
		left, err := Bind(v.Left, id)
		if err != nil {
			return nil, err
		}
		right, err := Bind(v.Right, id)
		if err != nil {
			return nil, err
		}
		return And(left, right), nil
	case OrPredicate:
		left, err := Bind(v.Left, id)
		if err != nil {
			return nil, err
		}
		right, err := Bind(v.Right, id)
		if err != nil {
			return nil, err
		}
		return Or(left, right), nil
	case NotPredicate:
		inner, err := Bind(v.Inner, id)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	default:
		return nil, fmt.Errorf("unsupported permission spec of type %T", raw)
	}
}

func bindFilter(spec Filter, id Identity) Predicate {
	if len(spec) == 0 {
		return None
	}
	bound := make(Filter, len(spec))
	for key, value := range spec {
		bound[key] = bindValue(value, id)
	}
	return bound
}

func bindValue(value any, id Identity) any {
	switch v := value.(type) {
	case Me, *Me:
		return id.ID
	case string:
		if v == MeToken {
			return id.ID
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = bindValue(item, id)
		}
		return out
	default:
		return value
	}
}

// ContainsMe reports whether a raw spec references the caller.
func ContainsMe(raw any) bool {
	switch v := raw.(type) {
	case Me, *Me:
		return true
	case string:
		return v == MeToken
	case Filter:
		return ContainsMe(map[string]any(v))
	case map[string]any:
		for _, value := range v {
			if ContainsMe(value) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if ContainsMe(item) {
				return true
			}
		}
	}
	return false
}
