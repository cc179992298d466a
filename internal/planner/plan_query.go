package planner

import (
	"fmt"
	"strings"

	"dynrest/internal/apierr"
	"dynrest/internal/filter"
	"dynrest/internal/permission"
	"dynrest/internal/requirement"
	"dynrest/internal/schema"
)

// Mode tunes planning for the kind of request.
type Mode struct {
	Action permission.Action
	// ExpandAll serializes every root relation as an object and selects whole
	// rows at every level.
	ExpandAll bool
}

// narrows reports whether columns can be narrowed: the action only reads and
// whole rows were not asked for.
func (m Mode) narrows() bool {
	return !m.ExpandAll && m.Action != permission.ActionUpdate && m.Action != permission.ActionDelete
}

// Input is what Build needs about the root of a request.
type Input struct {
	Entity *schema.Entity
	// Selection is the client include/exclude tree. The zero Node selects the
	// default fields.
	Selection requirement.Node
	// Requirements are extra field needs, merged with those of computed fields.
	Requirements requirement.Node
	Tree         *filter.Tree
	Combinator   filter.Combinator
	Identity     permission.Identity
	// Access narrows the root query. Nil means full access.
	Access permission.Predicate
	Order  []OrderTerm
	Mode   Mode
}

type nodeShape int

const (
	shapeFields nodeShape = iota
	shapeIDs
	shapeInternal
)

// Node is one level of a fetch plan: a select over one entity plus the
// prefetches hanging off it.
type Node struct {
	Entity *schema.Entity
	// Relation is the parent field this node is fetched for; nil at the root.
	Relation *schema.Field
	// Fields are serialized in declaration order. Internal nodes have none.
	Fields []*schema.Field
	// Expanded relations are serialized as objects, the others as ids.
	Expanded map[string]bool
	// IDOnly nodes serialize as a list of primary keys.
	IDOnly bool
	// Internal nodes only feed computed fields and are never serialized.
	Internal bool
	// Columns lists the selected columns; nil selects every column.
	Columns    []string
	Tree       *filter.Tree
	Combinator filter.Combinator
	Access     permission.Predicate
	Distinct   bool
	Order      []OrderTerm
	// Prefetches hold at most one node per relation source.
	Prefetches []*Node
}

// Prefetch returns the prefetch for a relation source.
func (n *Node) Prefetch(source string) *Node {
	for _, p := range n.Prefetches {
		if p.Relation.Source == source {
			return p
		}
	}
	return nil
}

// Denied reports whether the node's access predicate matches nothing.
func (n *Node) Denied() bool { return permission.IsNone(n.Access) }

// Build plans the root of a request and every prefetch below it.
func (p *Planner) Build(in Input) (*Node, error) {
	if in.Entity == nil {
		return nil, fmt.Errorf("entity is required")
	}
	root, err := p.build(in, shapeFields, true)
	if err != nil {
		return nil, err
	}
	root.Order = in.Order
	if len(root.Order) == 0 {
		if root.Order, err = p.DefaultOrdering(in.Entity); err != nil {
			return nil, err
		}
	}
	if err := validateLimits(EstimateCost(root), p.limits); err != nil {
		return nil, apierr.WrapValidation(err)
	}
	return root, nil
}

type selectedField struct {
	field *schema.Field
	node  requirement.Node
}

func (p *Planner) build(in Input, shape nodeShape, isRoot bool) (*Node, error) {
	entity := in.Entity
	n := &Node{
		Entity:     entity,
		Expanded:   map[string]bool{},
		Tree:       in.Tree,
		Combinator: in.Combinator,
		Access:     in.Access,
		IDOnly:     shape == shapeIDs,
		Internal:   shape == shapeInternal,
	}
	if n.Tree == nil {
		n.Tree = filter.NewTree()
	}
	if n.Access == nil {
		n.Access = permission.Full
	}
	// Relational filters render as EXISTS, so only prefetches can repeat rows.
	n.Distinct = !isRoot

	var selected []selectedField
	switch shape {
	case shapeFields:
		var err error
		if selected, err = selectFields(entity, in.Selection); err != nil {
			return nil, err
		}
	case shapeIDs:
		pk, ok := entity.FieldBySource(entity.PrimaryKey)
		if !ok {
			return nil, fmt.Errorf("entity %s has no primary key field", entity.Name)
		}
		selected = []selectedField{{field: pk}}
	}

	reqTree := requirement.New()
	reqs := reqTree.Root()
	reqs.MergeTree(in.Requirements)
	for _, sel := range selected {
		f := sel.field
		switch {
		case f.Kind == schema.KindComputed:
			for _, r := range f.Requirements() {
				reqs.Merge(strings.Split(r, "."))
			}
		case f.Kind == schema.KindPlain && f.IsRenamed():
			reqs.Merge(f.SourcePath())
		}
	}

	for _, sel := range selected {
		f := sel.field
		n.Fields = append(n.Fields, f)
		if !f.Kind.IsRelation() {
			continue
		}
		if f.IsRenamed() {
			return nil, &apierr.UnsupportedNestingError{Field: f.Name}
		}
		expanded := sel.node.Valid() && sel.node.Expanded()
		if f.Remote || (isRoot && in.Mode.ExpandAll) {
			expanded = true
		}
		if expanded {
			n.Expanded[f.Name] = true
		}
		if !expanded && f.Kind == schema.KindRelSingle {
			// The local key already holds the id.
			continue
		}
		sub, _ := reqs.Pop(f.Source)
		childShape := shapeIDs
		selection := requirement.Node{}
		if expanded {
			childShape = shapeFields
			selection = sel.node
		}
		child, err := p.buildChild(in, f, selection, sub, childShape)
		if err != nil {
			return nil, err
		}
		n.addPrefetch(child)
	}

	for _, c := range reqs.Children() {
		if c.Name() == requirement.Wildcard {
			continue
		}
		f, ok := lookupSource(entity, c.Name())
		if !ok {
			return nil, &apierr.UnknownFieldError{Entity: entity.Name, Segment: c.Name(), Path: c.Path()}
		}
		if !f.Kind.IsRelation() {
			continue
		}
		if f.IsRenamed() {
			return nil, &apierr.UnsupportedNestingError{Field: f.Name}
		}
		sub, _ := reqs.Pop(c.Name())
		child, err := p.buildChild(in, f, requirement.Node{}, sub, shapeInternal)
		if err != nil {
			return nil, err
		}
		n.addPrefetch(child)
	}

	if !reqs.Terminal() && in.Mode.narrows() {
		n.Columns = narrowColumns(n, reqs)
	}
	return n, nil
}

// addPrefetch attaches child, folding it into an existing prefetch of the
// same relation source so each source is fetched once.
func (n *Node) addPrefetch(child *Node) {
	if existing := n.Prefetch(child.Relation.Source); existing != nil {
		existing.merge(child)
		return
	}
	n.Prefetches = append(n.Prefetches, child)
}

// rank orders node shapes by how much of a record they serialize.
func (n *Node) rank() nodeShape {
	switch {
	case n.Internal:
		return 0
	case n.IDOnly:
		return 1
	default:
		return 2
	}
}

// merge widens n so that it also serves o: the richer shape wins, serialized
// fields and columns are unioned and either access predicate admits a row.
func (n *Node) merge(o *Node) {
	switch nr, or := n.rank(), o.rank(); {
	case or > nr:
		n.Fields = o.Fields
		n.Expanded = o.Expanded
	case or == nr && or == 2:
		n.Fields = unionFields(n.Entity, n.Fields, o.Fields)
		for name, ok := range o.Expanded {
			if ok {
				n.Expanded[name] = true
			}
		}
	}
	n.IDOnly = n.IDOnly && o.IDOnly
	n.Internal = n.Internal && o.Internal

	if n.Columns == nil || o.Columns == nil {
		n.Columns = nil
	} else {
		n.Columns = unionStrings(n.Columns, o.Columns)
	}
	n.Access = permission.Or(n.Access, o.Access)
	for _, child := range o.Prefetches {
		n.addPrefetch(child)
	}
}

// unionFields keeps the fields of a and b in declaration order.
func unionFields(entity *schema.Entity, a, b []*schema.Field) []*schema.Field {
	picked := make(map[string]*schema.Field, len(a)+len(b))
	for _, f := range a {
		picked[f.Name] = f
	}
	for _, f := range b {
		if _, ok := picked[f.Name]; !ok {
			picked[f.Name] = f
		}
	}
	out := make([]*schema.Field, 0, len(picked))
	for _, f := range entity.Fields() {
		if kept, ok := picked[f.Name]; ok {
			out = append(out, kept)
		}
	}
	return out
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	return out
}

func (p *Planner) buildChild(parent Input, f *schema.Field, selection, reqs requirement.Node, shape nodeShape) (*Node, error) {
	target, err := parent.Entity.Target(f)
	if err != nil {
		return nil, err
	}
	access := permission.Full
	if perms := permission.ForIdentity(target.Permissions, parent.Identity, false); perms != nil {
		if access, err = perms.Get(permission.AccessList); err != nil {
			return nil, fmt.Errorf("%s list access: %w", target.Name, err)
		}
		target = target.WithOverrides(perms.Fields().Overrides())
	}
	if len(f.Scope) > 0 {
		access = permission.And(access, f.Scope)
	}
	child, err := p.build(Input{
		Entity:       target,
		Selection:    selection,
		Requirements: reqs,
		Tree:         parent.Tree.Sub(f.Source),
		Combinator:   parent.Combinator,
		Identity:     parent.Identity,
		Access:       access,
		Mode:         parent.Mode,
	}, shape, false)
	if err != nil {
		return nil, err
	}
	child.Relation = f
	if child.Order, err = p.DefaultOrdering(target); err != nil {
		return nil, err
	}
	return child, nil
}

// selectFields picks the serialized fields of one level: non-deferred fields
// by default, every field with "*", none with an excluded "*", adjusted by
// the explicitly included and excluded names.
func selectFields(entity *schema.Entity, sel requirement.Node) ([]selectedField, error) {
	all, none := false, false
	if w, ok := sel.Child(requirement.Wildcard); ok {
		if w.Mark() == requirement.Exclude {
			none = true
		} else {
			all = true
		}
	}
	for _, c := range sel.Children() {
		if c.Name() == requirement.Wildcard {
			continue
		}
		if _, ok := entity.Field(c.Name()); !ok {
			return nil, &apierr.UnknownFieldError{Entity: entity.Name, Segment: c.Name(), Path: c.Path()}
		}
	}

	var out []selectedField
	for _, f := range entity.Fields() {
		include := !none && (all || !f.Deferred)
		c, ok := sel.Child(f.Name)
		if ok {
			switch c.Mark() {
			case requirement.Include:
				include = true
			case requirement.Exclude:
				include = false
			}
		}
		if include {
			out = append(out, selectedField{field: f, node: c})
		}
	}
	return out, nil
}

func lookupSource(entity *schema.Entity, name string) (*schema.Field, bool) {
	if f, ok := entity.FieldBySource(name); ok {
		return f, true
	}
	return entity.Field(name)
}

// narrowColumns keeps the primary key, the columns behind serialized fields,
// the keys prefetches join on and the local columns computed fields need.
func narrowColumns(n *Node, reqs requirement.Node) []string {
	seen := map[string]bool{}
	var cols []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			cols = append(cols, c)
		}
	}
	add(n.Entity.PrimaryKey)
	for _, f := range n.Fields {
		switch {
		case f.IsColumn():
			add(f.Source)
		case f.Kind == schema.KindRelSingle:
			add(f.Column)
		}
	}
	for _, child := range n.Prefetches {
		if child.Relation.Kind == schema.KindRelSingle {
			add(child.Relation.Column)
		}
	}
	for _, c := range reqs.Children() {
		f, ok := lookupSource(n.Entity, c.Name())
		if !ok {
			continue
		}
		switch {
		case f.IsColumn():
			add(f.Source)
		case f.Kind == schema.KindRelSingle:
			add(f.Column)
		}
	}
	return cols
}
