// Package filter compiles filter{...} request parameters and permission
// filter specs into a FilterTree: include and exclude conditions keyed by
// their physical path, plus the synthetic annotations those conditions need.
package filter

import (
	"fmt"
	"sort"
	"strings"

	"dynrest/internal/permission"
	"dynrest/internal/resolve"
)

// Combinator joins the conditions of a tree.
type Combinator int

const (
	And Combinator = iota
	Or
)

// ParseCombinator reads the bare filter= parameter. Only "or" and "|" select
// Or; anything else is And.
func ParseCombinator(value string) Combinator {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "or", "|":
		return Or
	default:
		return And
	}
}

func (c Combinator) String() string {
	if c == Or {
		return "or"
	}
	return "and"
}

// Condition is one compiled filter entry.
type Condition struct {
	// Key is the compiled key: physical path, or annotation name plus the rest
	// of the path, with an operator suffix.
	Key string
	// Param is the request key the condition came from.
	Param string
	Path  *resolve.Resolution
	// Steps are the physical steps the comparison walks. When Annotation is
	// set they are relative to the annotated relation.
	Steps      []resolve.Step
	Annotation string
	Operator   Operator
	// Value is a scalar, or []any for list operators.
	Value any
	// Reference is set when the value names another field.
	Reference *resolve.Resolution
}

// AnnotationKind distinguishes synthetic annotations.
type AnnotationKind int

const (
	// AnnotateCount is a distinct count over a relation path (_cN).
	AnnotateCount AnnotationKind = iota
	// AnnotateScoped is a relation restricted by its own scope (_fN).
	AnnotateScoped
)

func (k AnnotationKind) String() string {
	if k == AnnotateScoped {
		return "scoped"
	}
	return "count"
}

// Annotation is a derived column or restricted relation a condition refers to.
type Annotation struct {
	Name string
	Kind AnnotationKind
	// Steps is the relation chain. For a count over a scoped annotation the
	// steps are relative to Of.
	Steps []resolve.Step
	Scope permission.Filter
	Of    string
}

// Tree is a compiled filter tree.
type Tree struct {
	Include     map[string]Condition
	Exclude     map[string]Condition
	Annotations map[string]Annotation
	// Scoped holds rel|key subtrees keyed by the relation's physical name.
	Scoped map[string]*Tree
}

// NewTree returns an empty tree.
func NewTree() *Tree {
	return &Tree{
		Include:     map[string]Condition{},
		Exclude:     map[string]Condition{},
		Annotations: map[string]Annotation{},
		Scoped:      map[string]*Tree{},
	}
}

// Empty reports whether the tree has no conditions at this level.
func (t *Tree) Empty() bool {
	return t == nil || (len(t.Include) == 0 && len(t.Exclude) == 0)
}

// Sub returns the scoped subtree for a relation, or nil.
func (t *Tree) Sub(relation string) *Tree {
	if t == nil {
		return nil
	}
	return t.Scoped[relation]
}

// IncludeKeys returns the include keys in sorted order.
func (t *Tree) IncludeKeys() []string { return sortedKeys(t.Include) }

// ExcludeKeys returns the exclude keys in sorted order.
func (t *Tree) ExcludeKeys() []string { return sortedKeys(t.Exclude) }

// AnnotationNames returns the annotation names in creation order.
func (t *Tree) AnnotationNames() []string {
	names := make([]string, 0, len(t.Annotations))
	for name := range t.Annotations {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return annotationIndex(names[i]) < annotationIndex(names[j])
	})
	return names
}

// CrossesMany reports whether any condition or annotation at this level
// fans out over a to-many relation.
func (t *Tree) CrossesMany() bool {
	if t == nil {
		return false
	}
	for _, bucket := range []map[string]Condition{t.Include, t.Exclude} {
		for _, c := range bucket {
			if c.Path != nil && c.Path.CrossesMany() {
				return true
			}
		}
	}
	return false
}

func (t *Tree) subtree(path []string) *Tree {
	current := t
	for _, name := range path {
		next, ok := current.Scoped[name]
		if !ok {
			next = NewTree()
			current.Scoped[name] = next
		}
		current = next
	}
	return current
}

func sortedKeys(m map[string]Condition) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func annotationIndex(name string) int {
	var n int
	if _, err := fmt.Sscanf(strings.TrimLeft(name, "_cf"), "%d", &n); err != nil {
		return -1
	}
	return n
}

// Session owns the annotation counter for one request. Every annotation
// compiled for the request, at any depth, draws from the same counter, so
// names never collide. Nothing resets it.
type Session struct {
	next int
}

// NewSession starts a request-scoped counter at zero.
func NewSession() *Session { return &Session{} }

// Next returns a fresh annotation name such as "_c0" or "_f1".
func (s *Session) Next(prefix string) string {
	name := fmt.Sprintf("_%s%d", prefix, s.next)
	s.next++
	return name
}

// Issued reports how many names the session handed out.
func (s *Session) Issued() int { return s.next }
