// Package permission implements the role-based access algebra.
//
// Every access kind resolves to a Predicate: Full, None, a Filter spec, or a
// boolean combination of those. Full and None are absorbing elements and are
// folded away by the And, Or and Not constructors, so a combined predicate never
// contains them.
package permission

import (
	"fmt"
	"sort"
	"strings"
)

// Predicate is the sum type of access predicates.
type Predicate interface {
	isPredicate()
	String() string
}

type fullAccess struct{}

type noAccess struct{}

func (fullAccess) isPredicate() {}

func (fullAccess) String() string { return "FULL_ACCESS" }

func (noAccess) isPredicate() {}

func (noAccess) String() string { return "NO_ACCESS" }

// Full grants unrestricted access.
var Full Predicate = fullAccess{}

// None denies access.
var None Predicate = noAccess{}

// Filter narrows access to records matching a filter spec. Keys use the same
// grammar as request filter keys; values may be the Me placeholder until the
// filter is bound to an identity.
type Filter map[string]any

func (Filter) isPredicate() {}

func (f Filter) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, f[k]))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// AndPredicate is the conjunction of two narrowing predicates.
type AndPredicate struct {
	Left, Right Predicate
}

func (AndPredicate) isPredicate() {}

func (p AndPredicate) String() string {
	return "(" + p.Left.String() + " AND " + p.Right.String() + ")"
}

// OrPredicate is the disjunction of two narrowing predicates.
type OrPredicate struct {
	Left, Right Predicate
}

func (OrPredicate) isPredicate() {}

func (p OrPredicate) String() string {
	return "(" + p.Left.String() + " OR " + p.Right.String() + ")"
}

// NotPredicate negates a narrowing predicate.
type NotPredicate struct {
	Inner Predicate
}

func (NotPredicate) isPredicate() {}

func (p NotPredicate) String() string {
	return "NOT " + p.Inner.String()
}

// IsFull reports whether p grants unrestricted access.
func IsFull(p Predicate) bool {
	_, ok := p.(fullAccess)
	return ok
}

// IsNone reports whether p denies access. A nil predicate denies access.
func IsNone(p Predicate) bool {
	if p == nil {
		return true
	}
	_, ok := p.(noAccess)
	return ok
}

// Allows reports whether p grants at least some access.
func Allows(p Predicate) bool {
	return !IsNone(p)
}

// And combines two predicates: None absorbs, Full is the identity.
func And(a, b Predicate) Predicate {
	switch {
	case IsNone(a), IsNone(b):
		return None
	case IsFull(a):
		return b
	case IsFull(b):
		return a
	default:
		return AndPredicate{Left: a, Right: b}
	}
}

// Or combines two predicates: Full absorbs, None is the identity.
func Or(a, b Predicate) Predicate {
	switch {
	case IsFull(a), IsFull(b):
		return Full
	case IsNone(a):
		if b == nil {
			return None
		}
		return b
	case IsNone(b):
		return a
	default:
		return OrPredicate{Left: a, Right: b}
	}
}

// Not inverts a predicate, swapping the absorbing elements.
func Not(a Predicate) Predicate {
	switch {
	case IsFull(a):
		return None
	case IsNone(a):
		return Full
	}
	if inner, ok := a.(NotPredicate); ok {
		return inner.Inner
	}
	return NotPredicate{Inner: a}
}
