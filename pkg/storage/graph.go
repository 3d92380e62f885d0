package storage

import (
	"bytes"
	"encoding/binary"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/benbjohnson/immutable"

	"github.com/ysankpia/nervusdb/pkg/value"
)

type idSet[K any] = *immutable.SortedMap[K, struct{}]

// adjacency maps a node to the ids of its incident relationships in one
// direction.
type adjacency = immutable.Map[NodeID, idSet[EdgeID]]

// Graph is an immutable snapshot of the database. Every method is safe for
// concurrent use; a Graph never changes once published.
//
// Tombstoned records stay in the snapshot until compaction but are invisible
// to every read method.
type Graph struct {
	version uint64

	nodes *immutable.SortedMap[NodeID, *Node]
	edges *immutable.SortedMap[EdgeID, *Edge]

	byLabel    *immutable.Map[LabelID, idSet[NodeID]]
	out        *adjacency
	in         *adjacency
	byExternal *immutable.Map[uint64, NodeID]

	labelNames *immutable.List[string]
	labelIDs   *immutable.Map[string, LabelID]
	relNames   *immutable.List[string]
	relIDs     *immutable.Map[string, RelTypeID]

	// indexes maps a definition to its entries. An entry key is the
	// order-preserving value key followed by the big-endian node id.
	indexes *immutable.SortedMap[IndexDef, idSet[string]]

	vectors   *immutable.SortedMap[NodeID, VectorEntry]
	vectorDim int

	nextNode   NodeID
	nextEdge   EdgeID
	nextVecSeq uint64
	liveNodes  int
	liveEdges  int
}

func newGraph() *Graph {
	return &Graph{
		nodes:      immutable.NewSortedMap[NodeID, *Node](orderedComparer[NodeID]{}),
		edges:      immutable.NewSortedMap[EdgeID, *Edge](orderedComparer[EdgeID]{}),
		byLabel:    immutable.NewMap[LabelID, idSet[NodeID]](uint32Hasher[LabelID]{}),
		out:        immutable.NewMap[NodeID, idSet[EdgeID]](uint64Hasher[NodeID]{}),
		in:         immutable.NewMap[NodeID, idSet[EdgeID]](uint64Hasher[NodeID]{}),
		byExternal: immutable.NewMap[uint64, NodeID](uint64Hasher[uint64]{}),
		labelNames: immutable.NewList[string](),
		labelIDs:   immutable.NewMap[string, LabelID](stringHasher{}),
		relNames:   immutable.NewList[string](),
		relIDs:     immutable.NewMap[string, RelTypeID](stringHasher{}),
		indexes:    immutable.NewSortedMap[IndexDef, idSet[string]](indexDefComparer{}),
		vectors:    immutable.NewSortedMap[NodeID, VectorEntry](orderedComparer[NodeID]{}),
		nextNode:   1,
		nextEdge:   1,
		nextVecSeq: 1,
	}
}

func newNodeSet() idSet[NodeID] {
	return immutable.NewSortedMap[NodeID, struct{}](orderedComparer[NodeID]{})
}

func newEdgeSet() idSet[EdgeID] {
	return immutable.NewSortedMap[EdgeID, struct{}](orderedComparer[EdgeID]{})
}

func newEntrySet() idSet[string] {
	return immutable.NewSortedMap[string, struct{}](orderedComparer[string]{})
}

// Version is the commit counter of the snapshot. It grows by one with each
// committed transaction.
func (g *Graph) Version() uint64 { return g.version }

// NodeCount returns the number of live nodes.
func (g *Graph) NodeCount() int { return g.liveNodes }

// EdgeCount returns the number of live relationships.
func (g *Graph) EdgeCount() int { return g.liveEdges }

// Node returns a live node.
func (g *Graph) Node(id NodeID) (*Node, bool) {
	n, ok := g.nodes.Get(id)
	if !ok || n.Tombstoned {
		return nil, false
	}
	return n, true
}

// Edge returns a live relationship.
func (g *Graph) Edge(id EdgeID) (*Edge, bool) {
	e, ok := g.edges.Get(id)
	if !ok || e.Tombstoned {
		return nil, false
	}
	return e, true
}

// NodeByExternalID returns the live node created with the given external id.
func (g *Graph) NodeByExternalID(ext uint64) (*Node, bool) {
	id, ok := g.byExternal.Get(ext)
	if !ok {
		return nil, false
	}
	return g.Node(id)
}

// NodeIter yields nodes. Next keeps returning false after the end.
type NodeIter struct {
	next func() (*Node, bool)
}

// Next returns the next node.
func (it *NodeIter) Next() (*Node, bool) {
	if it == nil || it.next == nil {
		return nil, false
	}
	n, ok := it.next()
	if !ok {
		it.next = nil
	}
	return n, ok
}

// EdgeIter yields relationships. Next keeps returning false after the end.
type EdgeIter struct {
	next func() (*Edge, bool)
}

// Next returns the next relationship.
func (it *EdgeIter) Next() (*Edge, bool) {
	if it == nil || it.next == nil {
		return nil, false
	}
	e, ok := it.next()
	if !ok {
		it.next = nil
	}
	return e, ok
}

// Nodes iterates live nodes in ascending id order.
func (g *Graph) Nodes() *NodeIter {
	it := g.nodes.Iterator()
	return &NodeIter{next: func() (*Node, bool) {
		for !it.Done() {
			_, n, _ := it.Next()
			if !n.Tombstoned {
				return n, true
			}
		}
		return nil, false
	}}
}

// Edges iterates live relationships in ascending id order.
func (g *Graph) Edges() *EdgeIter {
	it := g.edges.Iterator()
	return &EdgeIter{next: func() (*Edge, bool) {
		for !it.Done() {
			_, e, _ := it.Next()
			if !e.Tombstoned {
				return e, true
			}
		}
		return nil, false
	}}
}

// NodesByLabel iterates the live nodes carrying label in ascending id order.
func (g *Graph) NodesByLabel(label LabelID) *NodeIter {
	set, ok := g.byLabel.Get(label)
	if !ok {
		return &NodeIter{}
	}
	it := set.Iterator()
	return &NodeIter{next: func() (*Node, bool) {
		for !it.Done() {
			id, _, _ := it.Next()
			if n, ok := g.Node(id); ok {
				return n, true
			}
		}
		return nil, false
	}}
}

// LabelCount returns the number of live nodes carrying label.
func (g *Graph) LabelCount(label LabelID) int {
	set, ok := g.byLabel.Get(label)
	if !ok {
		return 0
	}
	return set.Len()
}

// LabelBitmap returns the ids of the live nodes carrying label.
func (g *Graph) LabelBitmap(label LabelID) *roaring64.Bitmap {
	bm := roaring64.New()
	set, ok := g.byLabel.Get(label)
	if !ok {
		return bm
	}
	for it := set.Iterator(); !it.Done(); {
		id, _, _ := it.Next()
		bm.Add(uint64(id))
	}
	return bm
}

// NodesWithLabels returns the ids of live nodes carrying every label, in
// ascending order.
func (g *Graph) NodesWithLabels(labels ...LabelID) []NodeID {
	if len(labels) == 0 {
		return nil
	}
	bm := g.LabelBitmap(labels[0])
	for _, l := range labels[1:] {
		if bm.IsEmpty() {
			break
		}
		bm.And(g.LabelBitmap(l))
	}
	ids := make([]NodeID, 0, bm.GetCardinality())
	for it := bm.Iterator(); it.HasNext(); {
		ids = append(ids, NodeID(it.Next()))
	}
	return ids
}

func (g *Graph) adjacent(adj *adjacency, id NodeID) *EdgeIter {
	set, ok := adj.Get(id)
	if !ok {
		return &EdgeIter{}
	}
	it := set.Iterator()
	return &EdgeIter{next: func() (*Edge, bool) {
		for !it.Done() {
			eid, _, _ := it.Next()
			if e, ok := g.Edge(eid); ok {
				return e, true
			}
		}
		return nil, false
	}}
}

// OutEdges iterates the live relationships starting at id.
func (g *Graph) OutEdges(id NodeID) *EdgeIter { return g.adjacent(g.out, id) }

// InEdges iterates the live relationships ending at id.
func (g *Graph) InEdges(id NodeID) *EdgeIter { return g.adjacent(g.in, id) }

// Degree returns the number of live outgoing and incoming relationships.
func (g *Graph) Degree(id NodeID) (out, in int) {
	if set, ok := g.out.Get(id); ok {
		out = set.Len()
	}
	if set, ok := g.in.Get(id); ok {
		in = set.Len()
	}
	return out, in
}

// FindEdge returns the lowest-id live relationship src-[rel]->dst.
func (g *Graph) FindEdge(src NodeID, rel RelTypeID, dst NodeID) (*Edge, bool) {
	it := g.OutEdges(src)
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if e.Type == rel && e.Dst == dst {
			return e, true
		}
	}
	return nil, false
}

// LabelID resolves a label name.
func (g *Graph) LabelID(name string) (LabelID, bool) { return g.labelIDs.Get(name) }

// LabelName resolves a label id.
func (g *Graph) LabelName(id LabelID) (string, bool) {
	if int(id) >= g.labelNames.Len() {
		return "", false
	}
	return g.labelNames.Get(int(id)), true
}

// RelTypeID resolves a relationship type name.
func (g *Graph) RelTypeID(name string) (RelTypeID, bool) { return g.relIDs.Get(name) }

// RelTypeName resolves a relationship type id.
func (g *Graph) RelTypeName(id RelTypeID) (string, bool) {
	if int(id) >= g.relNames.Len() {
		return "", false
	}
	return g.relNames.Get(int(id)), true
}

// Labels returns every label name in catalog order.
func (g *Graph) Labels() []string { return listStrings(g.labelNames) }

// RelTypes returns every relationship type name in catalog order.
func (g *Graph) RelTypes() []string { return listStrings(g.relNames) }

func listStrings(l *immutable.List[string]) []string {
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i)
	}
	return out
}

// LabelNames resolves a node's label ids.
func (g *Graph) LabelNames(n *Node) []string {
	out := make([]string, 0, len(n.Labels))
	for _, l := range n.Labels {
		if name, ok := g.LabelName(l); ok {
			out = append(out, name)
		}
	}
	return out
}

// Indexes returns the property index definitions ordered by label, property.
func (g *Graph) Indexes() []IndexDef {
	out := make([]IndexDef, 0, g.indexes.Len())
	for it := g.indexes.Iterator(); !it.Done(); {
		def, _, _ := it.Next()
		out = append(out, def)
	}
	return out
}

// HasIndex reports whether (label, property) is indexed.
func (g *Graph) HasIndex(label LabelID, property string) bool {
	_, ok := g.indexes.Get(IndexDef{Label: label, Property: property})
	return ok
}

// NodeValue materializes a node for query output.
func (g *Graph) NodeValue(n *Node) value.Node {
	return value.Node{ID: uint64(n.ID), Labels: g.LabelNames(n), Props: n.Props}
}

// EdgeValue materializes a relationship for query output.
func (g *Graph) EdgeValue(e *Edge) value.Rel {
	typ, _ := g.RelTypeName(e.Type)
	return value.Rel{ID: uint64(e.ID), Type: typ, StartID: uint64(e.Src), EndID: uint64(e.Dst), Props: e.Props}
}

func nodeIDBytes(id NodeID) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(id))
}

func entryNodeID(entry string) NodeID {
	return NodeID(binary.BigEndian.Uint64([]byte(entry[len(entry)-8:])))
}

func indexEntry(v value.Value, id NodeID) (string, bool) {
	key, ok := value.AppendIndexKey(nil, v)
	if !ok {
		return "", false
	}
	return string(append(key, nodeIDBytes(id)...)), true
}

// IndexLookup returns the candidate nodes whose indexed property equals v.
func (g *Graph) IndexLookup(label LabelID, property string, v value.Value) []NodeID {
	key, ok := value.AppendIndexKey(nil, v)
	if !ok {
		return nil
	}
	return g.indexScan(label, property, key, func(valKey []byte) int {
		return bytes.Compare(valKey, key)
	})
}

// IndexPrefix returns the candidate nodes whose indexed string property
// starts with prefix.
func (g *Graph) IndexPrefix(label LabelID, property, prefix string) []NodeID {
	p := value.AppendIndexPrefix(nil, prefix)
	return g.indexScan(label, property, p, func(valKey []byte) int {
		if bytes.HasPrefix(valKey, p) {
			return 0
		}
		return bytes.Compare(valKey, p)
	})
}

// Bound is one end of an index range. A nil Value means unbounded.
type Bound struct {
	Value     value.Value
	Inclusive bool
}

// IndexRange returns the candidate nodes whose indexed property lies between
// lo and hi. Both bounds must have the same index type; only values of that
// type are returned. ok is false when the bounds cannot be served.
func (g *Graph) IndexRange(label LabelID, property string, lo, hi Bound) (ids []NodeID, ok bool) {
	var typed value.Value
	switch {
	case lo.Value != nil:
		typed = lo.Value
	case hi.Value != nil:
		typed = hi.Value
	default:
		return nil, false
	}
	typeLo, typeHi, ok := value.IndexTypeBounds(typed)
	if !ok {
		return nil, false
	}
	if lo.Value != nil && hi.Value != nil {
		l1, _, ok1 := value.IndexTypeBounds(lo.Value)
		l2, _, ok2 := value.IndexTypeBounds(hi.Value)
		if !ok1 || !ok2 || !bytes.Equal(l1, l2) {
			return nil, false
		}
	}

	start := typeLo
	var loKey, hiKey []byte
	if lo.Value != nil {
		if loKey, ok = value.AppendIndexKey(nil, lo.Value); !ok {
			return nil, false
		}
		start = loKey
	}
	if hi.Value != nil {
		if hiKey, ok = value.AppendIndexKey(nil, hi.Value); !ok {
			return nil, false
		}
	}

	return g.indexScan(label, property, start, func(valKey []byte) int {
		if loKey != nil {
			c := bytes.Compare(valKey, loKey)
			if c < 0 || (c == 0 && !lo.Inclusive) {
				return -1
			}
		}
		if hiKey != nil {
			c := bytes.Compare(valKey, hiKey)
			if c > 0 || (c == 0 && !hi.Inclusive) {
				return 1
			}
		} else if bytes.Compare(valKey, typeHi) >= 0 {
			return 1
		}
		return 0
	}), true
}

// indexScan walks the entries from start. match returns <0 to skip an
// entry, 0 to take it and >0 to stop.
func (g *Graph) indexScan(label LabelID, property string, start []byte, match func(valKey []byte) int) []NodeID {
	set, ok := g.indexes.Get(IndexDef{Label: label, Property: property})
	if !ok {
		return nil
	}
	var ids []NodeID
	it := set.Iterator()
	it.Seek(string(start))
	for !it.Done() {
		entry, _, _ := it.Next()
		valKey := []byte(entry[:len(entry)-8])
		c := match(valKey)
		if c > 0 {
			break
		}
		if c < 0 {
			continue
		}
		ids = append(ids, entryNodeID(entry))
	}
	return ids
}

// VectorDim returns the dimension of stored vectors, 0 when none exist.
func (g *Graph) VectorDim() int { return g.vectorDim }

// VectorCount returns the number of stored vectors.
func (g *Graph) VectorCount() int { return g.vectors.Len() }

// Vector returns the embedding attached to a live node.
func (g *Graph) Vector(id NodeID) ([]float32, bool) {
	e, ok := g.vectors.Get(id)
	if !ok {
		return nil, false
	}
	return e.Vector, true
}

// EachVector calls fn for every stored vector in node id order until fn
// returns false.
func (g *Graph) EachVector(fn func(id NodeID, e VectorEntry) bool) {
	for it := g.vectors.Iterator(); !it.Done(); {
		id, e, _ := it.Next()
		if !fn(id, e) {
			return
		}
	}
}
