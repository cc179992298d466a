// Package requirement holds the nested field requirement trees used to plan
// fetches: what the client selected and what computed fields need.
//
// A Tree is an arena of nodes. Every node is also indexed by its joined path so
// merges and lookups never walk the structure twice.
package requirement

import (
	"fmt"
	"strings"

	"dynrest/internal/apierr"
)

// Wildcard names every field at a level. As a requirement it is the terminal
// marker meaning "fetch fully".
const Wildcard = "*"

// Mark is the selection state a client put on a node.
type Mark int

const (
	// Unmarked nodes exist because a deeper path was added or an internal
	// requirement needs them.
	Unmarked Mark = iota
	Include
	Exclude
)

func (m Mark) String() string {
	switch m {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return "unmarked"
	}
}

type node struct {
	name     string
	parent   int
	children []int
	mark     Mark
	// expand is set when a path continued below this node, or a trailing dot
	// asked for the relation to be expanded.
	expand   bool
	detached bool
}

type link struct {
	parent int
	name   string
}

// Tree is a requirement tree. The zero value is not usable; call New.
type Tree struct {
	nodes []node
	links map[link]int
	// index maps joined paths to attached nodes.
	index map[string]int
}

// New returns a tree holding only the root.
func New() *Tree {
	return &Tree{
		nodes: []node{{parent: -1}},
		links: map[link]int{},
		index: map[string]int{"": 0},
	}
}

// Root returns the root node.
func (t *Tree) Root() Node { return Node{tree: t, id: 0} }

// Lookup finds the node at a dotted path from the root.
func (t *Tree) Lookup(path string) (Node, bool) {
	id, ok := t.index[path]
	if !ok || t.detachedAbove(id) {
		return Node{}, false
	}
	return Node{tree: t, id: id}, true
}

func (t *Tree) detachedAbove(id int) bool {
	for id >= 0 {
		if t.nodes[id].detached {
			return true
		}
		id = t.nodes[id].parent
	}
	return false
}

func (t *Tree) pathOf(id int) string {
	var parts []string
	for id > 0 {
		parts = append(parts, t.nodes[id].name)
		id = t.nodes[id].parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, ".")
}

func (t *Tree) child(parent int, name string) (int, bool) {
	id, ok := t.links[link{parent: parent, name: name}]
	if !ok || t.nodes[id].detached {
		return 0, false
	}
	return id, true
}

func (t *Tree) addChild(parent int, name string) int {
	if id, ok := t.child(parent, name); ok {
		return id
	}
	id := len(t.nodes)
	t.nodes = append(t.nodes, node{name: name, parent: parent})
	t.nodes[parent].children = append(t.nodes[parent].children, id)
	t.links[link{parent: parent, name: name}] = id
	if !t.detachedAbove(parent) {
		t.index[t.pathOf(id)] = id
	}
	return id
}

func (t *Tree) unindex(id int) {
	if current, ok := t.index[t.pathOf(id)]; ok && current == id {
		delete(t.index, t.pathOf(id))
	}
	for _, c := range t.nodes[id].children {
		t.unindex(c)
	}
}

// Node is a handle into a Tree. The zero Node is invalid.
type Node struct {
	tree *Tree
	id   int
}

// Valid reports whether the handle points at a node.
func (n Node) Valid() bool { return n.tree != nil }

// Name returns the segment name. The root has an empty name.
func (n Node) Name() string { return n.tree.nodes[n.id].name }

// Path returns the dotted path from the root.
func (n Node) Path() string { return n.tree.pathOf(n.id) }

// Mark returns the client selection state.
func (n Node) Mark() Mark { return n.tree.nodes[n.id].mark }

// Expanded reports whether the node carries a subtree.
func (n Node) Expanded() bool { return n.tree.nodes[n.id].expand }

// Child returns the named child.
func (n Node) Child(name string) (Node, bool) {
	if !n.Valid() {
		return Node{}, false
	}
	id, ok := n.tree.child(n.id, name)
	if !ok {
		return Node{}, false
	}
	return Node{tree: n.tree, id: id}, true
}

// Children returns attached children in insertion order.
func (n Node) Children() []Node {
	if !n.Valid() {
		return nil
	}
	ids := n.tree.nodes[n.id].children
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n.tree.nodes[id].detached {
			continue
		}
		out = append(out, Node{tree: n.tree, id: id})
	}
	return out
}

// Names returns the attached child names in insertion order.
func (n Node) Names() []string {
	children := n.Children()
	out := make([]string, len(children))
	for i, c := range children {
		out[i] = c.Name()
	}
	return out
}

// Len counts attached children.
func (n Node) Len() int { return len(n.Children()) }

// Terminal reports whether the node carries the wildcard marker, meaning
// everything at this level is required.
func (n Node) Terminal() bool {
	w, ok := n.Child(Wildcard)
	return ok && w.Mark() != Exclude
}

// Pop detaches the named child so later passes cannot reuse it. The returned
// node stays readable.
func (n Node) Pop(name string) (Node, bool) {
	c, ok := n.Child(name)
	if !ok {
		return Node{}, false
	}
	// Detached subtrees are read through the handle only.
	n.tree.unindex(c.id)
	n.tree.nodes[c.id].detached = true
	return c, true
}

// Merge adds a relative path below n. A trailing "*" or empty segment adds
// the terminal marker. Existing nodes keep their state: the first write wins
// per level, and the terminal marker, once present, is never removed.
func (n Node) Merge(path []string) {
	if len(path) == 0 {
		return
	}
	current := n.id
	for i, segment := range path {
		last := i == len(path)-1
		if segment == "" {
			if !last {
				return
			}
			segment = Wildcard
		}
		next := n.tree.addChild(current, segment)
		if !last {
			n.tree.nodes[current].expand = true
			n.tree.nodes[next].expand = true
		}
		current = next
	}
	if n.tree.nodes[current].name == Wildcard {
		n.tree.nodes[n.tree.nodes[current].parent].expand = true
	}
}

// MergeTree copies every attached node of other below n.
func (n Node) MergeTree(other Node) {
	if !other.Valid() {
		return
	}
	for _, c := range other.Children() {
		n.Merge([]string{c.Name()})
		dst, _ := n.Child(c.Name())
		if c.Expanded() {
			n.tree.nodes[dst.id].expand = true
		}
		dst.MergeTree(c)
	}
}

// Spec renders the subtree as nested maps: children map to true (leaf) or a
// nested map.
func (n Node) Spec() map[string]any {
	out := map[string]any{}
	for _, c := range n.Children() {
		if c.Len() == 0 && !c.Expanded() {
			switch c.Mark() {
			case Exclude:
				out[c.Name()] = false
			default:
				out[c.Name()] = true
			}
			continue
		}
		out[c.Name()] = c.Spec()
	}
	return out
}

// ParseFields builds the client selection tree from include[] and exclude[].
// A trailing dot on an include expands the relation; a path that continues
// below a segment expands it as well. Excludes are applied after includes, so
// an exclude wins on the same leaf.
func ParseFields(include, exclude []string) (*Tree, error) {
	t := New()
	for _, pass := range []struct {
		fields []string
		mark   Mark
	}{{include, Include}, {exclude, Exclude}} {
		for _, field := range pass.fields {
			if err := t.insertSelection(field, pass.mark); err != nil {
				return nil, err
			}
		}
	}
	return t, nil
}

func (t *Tree) insertSelection(field string, mark Mark) error {
	segments := strings.Split(field, ".")
	current := 0
	for i, segment := range segments {
		last := i == len(segments)-1
		if segment == "" {
			if !last {
				return apierr.Validation("%q is not a valid field.", field)
			}
			// Trailing dot: expand the relation named by the previous segment.
			if current != 0 {
				t.nodes[current].expand = true
			}
			return nil
		}
		next := t.addChild(current, segment)
		if last {
			t.nodes[next].mark = mark
			return nil
		}
		if t.nodes[next].mark == Unmarked {
			t.nodes[next].mark = Include
		}
		t.nodes[next].expand = true
		current = next
	}
	return nil
}

// String renders the tree for debugging.
func (t *Tree) String() string {
	return fmt.Sprint(t.Root().Spec())
}
