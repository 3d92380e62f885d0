package cypher

import (
	"strings"

	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Write operators are eager: open consumes the whole input and applies the
// changes before the first row is returned, so later clauses and a LIMIT
// never cut a write short.

// eager runs fn once per input row and returns the produced rows.
func eager(ec *execCtx, input operator, fn func(row Row) ([]Row, error)) (rowIter, error) {
	if _, err := ec.writable(); err != nil {
		return nil, err
	}
	in, err := input.open(ec)
	if err != nil {
		return nil, err
	}
	rows, err := drain(in)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range rows {
		if err := ec.check(); err != nil {
			return nil, err
		}
		produced, err := fn(row)
		if err != nil {
			return nil, err
		}
		out = append(out, produced...)
	}
	return &sliceIter{rows: out}, nil
}

type createNode struct {
	slot   int
	name   string
	create bool
	labels []string
	props  Expression
}

type createRel struct {
	slot     int
	typ      string
	props    Expression
	from, to int
}

// createPath holds the creation instructions of one pattern path.
type createPath struct {
	path      int
	nodeSlots []int
	relSlots  []int
	nodes     []createNode
	rels      []createRel
}

type createOp struct {
	input operator
	paths []*createPath
}

func (c *createOp) open(ec *execCtx) (rowIter, error) {
	return eager(ec, c.input, func(row Row) ([]Row, error) {
		var err error
		for _, cp := range c.paths {
			if row, err = ec.createPath(cp, row); err != nil {
				return nil, err
			}
		}
		return []Row{row}, nil
	})
}

func (c *createOp) describe() (string, string) { return "Create", describePaths(c.paths) }
func (c *createOp) children() []operator       { return []operator{c.input} }

func describePaths(paths []*createPath) string {
	var parts []string
	for _, cp := range paths {
		var sb strings.Builder
		for i, n := range cp.nodes {
			sb.WriteString("(" + n.name)
			for _, l := range n.labels {
				sb.WriteString(":" + l)
			}
			sb.WriteString(")")
			if i < len(cp.rels) {
				sb.WriteString("-[:" + cp.rels[i].typ + "]-")
			}
		}
		parts = append(parts, sb.String())
	}
	return strings.Join(parts, ", ")
}

// setProps stores the non-null entries of props on a new node or
// relationship and returns how many were stored.
func setProps(props value.Map, set func(k string, v value.Value) error) (int, error) {
	n := 0
	for _, k := range value.SortedKeys(props) {
		v := props[k]
		if value.IsNull(v) {
			continue
		}
		if err := set(k, v); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (ec *execCtx) createPath(cp *createPath, row Row) (Row, error) {
	tx, err := ec.writable()
	if err != nil {
		return nil, err
	}
	out := row.clone()
	for _, cn := range cp.nodes {
		if !cn.create {
			continue
		}
		props, err := ec.evalMap(out, cn.props)
		if err != nil {
			return nil, err
		}
		labels := make([]storage.LabelID, 0, len(cn.labels))
		for _, l := range cn.labels {
			id, err := tx.GetOrCreateLabel(l)
			if err != nil {
				return nil, err
			}
			labels = append(labels, id)
		}
		id, err := tx.CreateNode(0, labels...)
		if err != nil {
			return nil, err
		}
		n, err := setProps(props, func(k string, v value.Value) error { return tx.SetNodeProperty(id, k, v) })
		if err != nil {
			return nil, err
		}
		ec.stats.NodesCreated++
		ec.stats.LabelsAdded += countDistinct(cn.labels)
		ec.stats.PropertiesSet += n
		out[cn.slot] = value.Node{ID: uint64(id)}
		if err := ec.refresh(); err != nil {
			return nil, err
		}
	}
	for _, cr := range cp.rels {
		from, ok1 := out[cr.from].(value.Node)
		to, ok2 := out[cr.to].(value.Node)
		if !ok1 || !ok2 {
			return nil, execError("failed to create relationship `%s`: an endpoint is null or not a node", cr.typ)
		}
		props, err := ec.evalMap(out, cr.props)
		if err != nil {
			return nil, err
		}
		rt, err := tx.GetOrCreateRelType(cr.typ)
		if err != nil {
			return nil, err
		}
		id, err := tx.CreateEdge(storage.NodeID(from.ID), rt, storage.NodeID(to.ID))
		if err != nil {
			return nil, err
		}
		n, err := setProps(props, func(k string, v value.Value) error { return tx.SetEdgeProperty(id, k, v) })
		if err != nil {
			return nil, err
		}
		ec.stats.RelationshipsCreated++
		ec.stats.PropertiesSet += n
		out[cr.slot] = value.Rel{ID: uint64(id), StartID: from.ID, EndID: to.ID}
		if err := ec.refresh(); err != nil {
			return nil, err
		}
	}
	if cp.path >= 0 {
		p := value.Path{}
		for _, s := range cp.nodeSlots {
			n, _ := out[s].(value.Node)
			p.Nodes = append(p.Nodes, n)
		}
		for _, s := range cp.relSlots {
			r, _ := out[s].(value.Rel)
			p.Rels = append(p.Rels, r)
		}
		out[cp.path] = p
	}
	return out, nil
}

func countDistinct(names []string) int {
	seen := make(map[string]bool, len(names))
	for _, n := range names {
		seen[n] = true
	}
	return len(seen)
}

// mergeOp matches its pattern per input row and creates it when nothing
// matched.
type mergeOp struct {
	input    operator
	steps    []matchStep
	create   *createPath
	onCreate []*SetItem
	onMatch  []*SetItem
}

func (m *mergeOp) open(ec *execCtx) (rowIter, error) {
	return eager(ec, m.input, func(row Row) ([]Row, error) {
		matched, err := drain(newChain(ec, m.steps, row))
		if err != nil {
			return nil, err
		}
		if len(matched) > 0 {
			for _, r := range matched {
				if err := ec.applySet(r, m.onMatch); err != nil {
					return nil, err
				}
			}
			return matched, nil
		}
		created, err := ec.createPath(m.create, row)
		if err != nil {
			return nil, err
		}
		if err := ec.applySet(created, m.onCreate); err != nil {
			return nil, err
		}
		return []Row{created}, nil
	})
}

func (m *mergeOp) describe() (string, string) {
	return "Merge", describePaths([]*createPath{m.create})
}

func (m *mergeOp) children() []operator { return []operator{m.input} }

type setOp struct {
	input operator
	items []*SetItem
}

func (s *setOp) open(ec *execCtx) (rowIter, error) {
	return eager(ec, s.input, func(row Row) ([]Row, error) {
		if err := ec.applySet(row, s.items); err != nil {
			return nil, err
		}
		return []Row{row}, nil
	})
}

func (s *setOp) describe() (string, string) { return "SetProperties", "" }
func (s *setOp) children() []operator       { return []operator{s.input} }

// entity is the write target of SET and REMOVE.
type entity struct {
	node   storage.NodeID
	edge   storage.EdgeID
	isNode bool
}

// target resolves e to a live node or relationship; ok is false for null
// and for entities deleted earlier in the statement.
func (ec *execCtx) target(row Row, e Expression) (entity, bool, error) {
	v, err := ec.eval(row, e)
	if err != nil {
		return entity{}, false, err
	}
	switch x := v.(type) {
	case value.Null, nil:
		return entity{}, false, nil
	case value.Node:
		_, live := ec.graph.Node(storage.NodeID(x.ID))
		return entity{node: storage.NodeID(x.ID), isNode: true}, live, nil
	case value.Rel:
		_, live := ec.graph.Edge(storage.EdgeID(x.ID))
		return entity{edge: storage.EdgeID(x.ID)}, live, nil
	}
	return entity{}, false, typeError("expected a node or relationship, got %s", v.Kind())
}

func (ec *execCtx) setProperty(tx *storage.Tx, t entity, key string, v value.Value) error {
	if t.isNode {
		return tx.SetNodeProperty(t.node, key, v)
	}
	return tx.SetEdgeProperty(t.edge, key, v)
}

func (ec *execCtx) removeProperty(tx *storage.Tx, t entity, key string) (bool, error) {
	var had bool
	if t.isNode {
		n, _ := ec.graph.Node(t.node)
		_, had = n.Props[key]
		return had, tx.RemoveNodeProperty(t.node, key)
	}
	e, _ := ec.graph.Edge(t.edge)
	_, had = e.Props[key]
	return had, tx.RemoveEdgeProperty(t.edge, key)
}

func (ec *execCtx) currentProps(t entity) map[string]value.Value {
	if t.isNode {
		n, _ := ec.graph.Node(t.node)
		return n.Props
	}
	e, _ := ec.graph.Edge(t.edge)
	return e.Props
}

// applySet applies SET items to one row, re-reading the staged graph after
// each so later items observe earlier ones.
func (ec *execCtx) applySet(row Row, items []*SetItem) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := ec.writable()
	if err != nil {
		return err
	}
	for _, it := range items {
		t, ok, err := ec.target(row, it.Target)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		switch it.Kind {
		case SetProperty:
			v, err := ec.eval(row, it.Value)
			if err != nil {
				return err
			}
			if value.IsNull(v) {
				had, err := ec.removeProperty(tx, t, it.Property)
				if err != nil {
					return err
				}
				if had {
					ec.stats.PropertiesRemoved++
				}
			} else {
				if err := ec.setProperty(tx, t, it.Property, v); err != nil {
					return err
				}
				ec.stats.PropertiesSet++
			}
		case SetReplace, SetMerge:
			props, err := ec.assignedProps(row, it.Value)
			if err != nil {
				return err
			}
			if it.Kind == SetReplace {
				for _, k := range value.SortedKeys(ec.currentProps(t)) {
					if _, keep := props[k]; keep && !value.IsNull(props[k]) {
						continue
					}
					if _, err := ec.removeProperty(tx, t, k); err != nil {
						return err
					}
					ec.stats.PropertiesRemoved++
				}
			}
			for _, k := range value.SortedKeys(props) {
				v := props[k]
				if value.IsNull(v) {
					had, err := ec.removeProperty(tx, t, k)
					if err != nil {
						return err
					}
					if had {
						ec.stats.PropertiesRemoved++
					}
					continue
				}
				if err := ec.setProperty(tx, t, k, v); err != nil {
					return err
				}
				ec.stats.PropertiesSet++
			}
		case SetLabels:
			if !t.isNode {
				return typeError("cannot set labels on a relationship")
			}
			for _, l := range it.Labels {
				id, err := tx.GetOrCreateLabel(l)
				if err != nil {
					return err
				}
				added, err := tx.AddLabel(t.node, id)
				if err != nil {
					return err
				}
				if added {
					ec.stats.LabelsAdded++
				}
			}
		}
		if err := ec.refresh(); err != nil {
			return err
		}
	}
	return nil
}

// assignedProps evaluates the right side of `= ` or `+=`: a map, or a node
// or relationship whose properties are copied.
func (ec *execCtx) assignedProps(row Row, e Expression) (map[string]value.Value, error) {
	v, err := ec.eval(row, e)
	if err != nil {
		return nil, err
	}
	switch x := v.(type) {
	case value.Map:
		return x, nil
	case value.Null, nil:
		return map[string]value.Value{}, nil
	case value.Node, value.Rel:
		t, _, err := ec.target(row, e)
		if err != nil {
			return nil, err
		}
		props := ec.currentProps(t)
		out := make(map[string]value.Value, len(props))
		for k, v := range props {
			out[k] = v
		}
		return out, nil
	}
	return nil, typeError("expected a map of properties, got %s", v.Kind())
}

type removeOp struct {
	input operator
	items []*RemoveItem
}

func (r *removeOp) open(ec *execCtx) (rowIter, error) {
	return eager(ec, r.input, func(row Row) ([]Row, error) {
		tx, err := ec.writable()
		if err != nil {
			return nil, err
		}
		for _, it := range r.items {
			t, ok, err := ec.target(row, it.Target)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			if it.Property != "" {
				had, err := ec.removeProperty(tx, t, it.Property)
				if err != nil {
					return nil, err
				}
				if had {
					ec.stats.PropertiesRemoved++
				}
			}
			if len(it.Labels) > 0 && !t.isNode {
				return nil, typeError("cannot remove labels from a relationship")
			}
			for _, l := range it.Labels {
				id, exists := ec.graph.LabelID(l)
				if !exists {
					continue
				}
				removed, err := tx.RemoveLabel(t.node, id)
				if err != nil {
					return nil, err
				}
				if removed {
					ec.stats.LabelsRemoved++
				}
			}
			if err := ec.refresh(); err != nil {
				return nil, err
			}
		}
		return []Row{row}, nil
	})
}

func (r *removeOp) describe() (string, string) { return "Remove", "" }
func (r *removeOp) children() []operator       { return []operator{r.input} }

// deleteOp removes nodes, relationships and the elements of paths. A node
// that still has relationships can only be removed with DETACH.
type deleteOp struct {
	input  operator
	exprs  []Expression
	detach bool
}

func (d *deleteOp) open(ec *execCtx) (rowIter, error) {
	return eager(ec, d.input, func(row Row) ([]Row, error) {
		var (
			nodes []storage.NodeID
			rels  []storage.EdgeID
		)
		var collect func(v value.Value) error
		collect = func(v value.Value) error {
			switch x := v.(type) {
			case value.Null, nil:
			case value.Node:
				nodes = append(nodes, storage.NodeID(x.ID))
			case value.Rel:
				rels = append(rels, storage.EdgeID(x.ID))
			case value.Path:
				for _, r := range x.Rels {
					rels = append(rels, storage.EdgeID(r.ID))
				}
				for _, n := range x.Nodes {
					nodes = append(nodes, storage.NodeID(n.ID))
				}
			case value.List:
				for _, it := range x {
					if err := collect(it); err != nil {
						return err
					}
				}
			default:
				return typeError("DELETE expects nodes, relationships or paths, got %s", v.Kind())
			}
			return nil
		}
		for _, e := range d.exprs {
			v, err := ec.eval(row, e)
			if err != nil {
				return nil, err
			}
			if err := collect(v); err != nil {
				return nil, err
			}
		}
		if err := ec.delete(nodes, rels, d.detach); err != nil {
			return nil, err
		}
		return []Row{row}, nil
	})
}

func (ec *execCtx) delete(nodes []storage.NodeID, rels []storage.EdgeID, detach bool) error {
	tx, err := ec.writable()
	if err != nil {
		return err
	}
	for _, id := range rels {
		if _, live := ec.graph.Edge(id); !live {
			continue
		}
		if err := tx.TombstoneEdge(id); err != nil {
			return err
		}
		ec.stats.RelationshipsDeleted++
		if err := ec.refresh(); err != nil {
			return err
		}
	}
	for _, id := range nodes {
		if _, live := ec.graph.Node(id); !live {
			continue
		}
		if out, in := ec.graph.Degree(id); !detach && out+in > 0 {
			return execError("cannot delete node %d because it still has relationships; use DETACH DELETE", id)
		}
		removed, err := tx.TombstoneNode(id)
		if err != nil {
			return err
		}
		ec.stats.NodesDeleted++
		ec.stats.RelationshipsDeleted += removed
		if err := ec.refresh(); err != nil {
			return err
		}
	}
	return nil
}

func (d *deleteOp) describe() (string, string) {
	if d.detach {
		return "DetachDelete", ""
	}
	return "Delete", ""
}

func (d *deleteOp) children() []operator { return []operator{d.input} }

// createIndexOp registers a property index; it runs once however many rows
// reach it.
type createIndexOp struct {
	input    operator
	label    string
	property string
}

func (c *createIndexOp) open(ec *execCtx) (rowIter, error) {
	tx, err := ec.writable()
	if err != nil {
		return nil, err
	}
	in, err := c.input.open(ec)
	if err != nil {
		return nil, err
	}
	if _, err := drain(in); err != nil {
		return nil, err
	}
	label, err := tx.GetOrCreateLabel(c.label)
	if err != nil {
		return nil, err
	}
	created, err := tx.CreateIndex(label, c.property)
	if err != nil {
		return nil, err
	}
	if created {
		ec.stats.IndexesAdded++
	}
	if err := ec.refresh(); err != nil {
		return nil, err
	}
	return empty, nil
}

func (c *createIndexOp) describe() (string, string) {
	return "CreateIndex", ":" + c.label + "(" + c.property + ")"
}

func (c *createIndexOp) children() []operator { return []operator{c.input} }
