package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// opKind enumerates the logical mutations recorded in the WAL. A committed
// transaction is the ordered list of its ops; replaying them with applyOp
// rebuilds exactly the graph the transaction published.
type opKind uint8

const (
	opCreateLabel opKind = iota + 1
	opCreateRelType
	opCreateNode
	opAddLabel
	opRemoveLabel
	opSetNodeProp
	opRemoveNodeProp
	opCreateEdge
	opSetEdgeProp
	opRemoveEdgeProp
	opTombstoneNode
	opTombstoneEdge
	opSetVector
	opCreateIndex
)

func (k opKind) String() string {
	switch k {
	case opCreateLabel:
		return "create_label"
	case opCreateRelType:
		return "create_rel_type"
	case opCreateNode:
		return "create_node"
	case opAddLabel:
		return "add_label"
	case opRemoveLabel:
		return "remove_label"
	case opSetNodeProp:
		return "set_node_prop"
	case opRemoveNodeProp:
		return "remove_node_prop"
	case opCreateEdge:
		return "create_edge"
	case opSetEdgeProp:
		return "set_edge_prop"
	case opRemoveEdgeProp:
		return "remove_edge_prop"
	case opTombstoneNode:
		return "tombstone_node"
	case opTombstoneEdge:
		return "tombstone_edge"
	case opSetVector:
		return "set_vector"
	case opCreateIndex:
		return "create_index"
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// op is one logical mutation. Fields not used by a kind are zero.
type op struct {
	kind  opKind
	node  NodeID // node, or edge source
	dst   NodeID
	edge  EdgeID
	label uint32 // LabelID or RelTypeID
	ext   uint64
	name  string // catalog name, property key or indexed property
	val   value.Value
	vec   []float32
}

// field presence bits in the encoded op
const (
	fNode byte = 1 << iota
	fDst
	fEdge
	fLabel
	fExt
	fName
	fVal
	fVec
)

func appendOp(dst []byte, o op) ([]byte, error) {
	var flags byte
	if o.node != 0 {
		flags |= fNode
	}
	if o.dst != 0 {
		flags |= fDst
	}
	if o.edge != 0 {
		flags |= fEdge
	}
	if o.label != 0 {
		flags |= fLabel
	}
	if o.ext != 0 {
		flags |= fExt
	}
	if o.name != "" {
		flags |= fName
	}
	if o.val != nil {
		flags |= fVal
	}
	if o.vec != nil {
		flags |= fVec
	}
	dst = append(dst, byte(o.kind), flags)
	if flags&fNode != 0 {
		dst = binary.AppendUvarint(dst, uint64(o.node))
	}
	if flags&fDst != 0 {
		dst = binary.AppendUvarint(dst, uint64(o.dst))
	}
	if flags&fEdge != 0 {
		dst = binary.AppendUvarint(dst, uint64(o.edge))
	}
	if flags&fLabel != 0 {
		dst = binary.AppendUvarint(dst, uint64(o.label))
	}
	if flags&fExt != 0 {
		dst = binary.AppendUvarint(dst, o.ext)
	}
	if flags&fName != 0 {
		dst = binary.AppendUvarint(dst, uint64(len(o.name)))
		dst = append(dst, o.name...)
	}
	if flags&fVal != 0 {
		var err error
		if dst, err = value.AppendBinary(dst, o.val); err != nil {
			return nil, err
		}
	}
	if flags&fVec != 0 {
		dst = appendVector(dst, o.vec)
	}
	return dst, nil
}

func appendVector(dst []byte, vec []float32) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(vec)))
	for _, f := range vec {
		dst = binary.LittleEndian.AppendUint32(dst, math.Float32bits(f))
	}
	return dst
}

func decodeVector(src []byte) ([]float32, int, error) {
	n, w := binary.Uvarint(src)
	if w <= 0 || uint64(len(src)-w) < n*4 {
		return nil, 0, ErrCorrupt
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(src[w+i*4:]))
	}
	return vec, w + int(n)*4, nil
}

// decoder reads fields sequentially and remembers the first error.
type decoder struct {
	buf []byte
	err error
}

func (d *decoder) readByte() byte {
	if d.err != nil {
		return 0
	}
	if len(d.buf) == 0 {
		d.err = ErrCorrupt
		return 0
	}
	b := d.buf[0]
	d.buf = d.buf[1:]
	return b
}

func (d *decoder) readUvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		d.err = ErrCorrupt
		return 0
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) readBytes(n uint64) []byte {
	if d.err != nil {
		return nil
	}
	if uint64(len(d.buf)) < n {
		d.err = ErrCorrupt
		return nil
	}
	b := d.buf[:n]
	d.buf = d.buf[n:]
	return b
}

func (d *decoder) readString() string {
	return string(d.readBytes(d.readUvarint()))
}

func (d *decoder) readValue() value.Value {
	if d.err != nil {
		return nil
	}
	v, n, err := value.DecodeBinary(d.buf)
	if err != nil {
		d.err = fmt.Errorf("%w: %v", ErrCorrupt, err)
		return nil
	}
	d.buf = d.buf[n:]
	return v
}

func (d *decoder) readVector() []float32 {
	if d.err != nil {
		return nil
	}
	vec, n, err := decodeVector(d.buf)
	if err != nil {
		d.err = err
		return nil
	}
	d.buf = d.buf[n:]
	return vec
}

func (d *decoder) readOp() op {
	o := op{kind: opKind(d.readByte())}
	flags := d.readByte()
	if flags&fNode != 0 {
		o.node = NodeID(d.readUvarint())
	}
	if flags&fDst != 0 {
		o.dst = NodeID(d.readUvarint())
	}
	if flags&fEdge != 0 {
		o.edge = EdgeID(d.readUvarint())
	}
	if flags&fLabel != 0 {
		o.label = uint32(d.readUvarint())
	}
	if flags&fExt != 0 {
		o.ext = d.readUvarint()
	}
	if flags&fName != 0 {
		o.name = d.readString()
	}
	if flags&fVal != 0 {
		o.val = d.readValue()
	}
	if flags&fVec != 0 {
		o.vec = d.readVector()
	}
	return o
}

// encodeTx appends a committed transaction to dst: sequence, op count, ops.
func encodeTx(dst []byte, seq uint64, ops []op) ([]byte, error) {
	buf := binary.AppendUvarint(dst, seq)
	buf = binary.AppendUvarint(buf, uint64(len(ops)))
	var err error
	for _, o := range ops {
		if buf, err = appendOp(buf, o); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func decodeTx(payload []byte) (uint64, []op, error) {
	d := &decoder{buf: payload}
	seq := d.readUvarint()
	n := d.readUvarint()
	if d.err != nil {
		return 0, nil, d.err
	}
	if n > uint64(len(payload)) {
		return 0, nil, ErrCorrupt
	}
	ops := make([]op, 0, n)
	for i := uint64(0); i < n; i++ {
		o := d.readOp()
		if d.err != nil {
			return 0, nil, d.err
		}
		ops = append(ops, o)
	}
	return seq, ops, nil
}

// applyOp applies one mutation to g in place. g must be a private copy;
// the persistent maps it points to are never modified. Touched record ids
// are reported to mark.
func applyOp(g *Graph, o op, mark func(NodeID, EdgeID)) error {
	switch o.kind {
	case opCreateLabel:
		if int(o.label) != g.labelNames.Len() {
			return fmt.Errorf("%w: label id %d out of sequence", ErrCorrupt, o.label)
		}
		g.labelNames = g.labelNames.Append(o.name)
		g.labelIDs = g.labelIDs.Set(o.name, LabelID(o.label))

	case opCreateRelType:
		if int(o.label) != g.relNames.Len() {
			return fmt.Errorf("%w: relationship type id %d out of sequence", ErrCorrupt, o.label)
		}
		g.relNames = g.relNames.Append(o.name)
		g.relIDs = g.relIDs.Set(o.name, RelTypeID(o.label))

	case opCreateNode:
		n := &Node{ID: o.node, ExternalID: o.ext, Props: map[string]value.Value{}}
		g.putNode(nil, n)
		g.nextNode = max(g.nextNode, o.node+1)
		mark(o.node, 0)

	case opAddLabel, opRemoveLabel:
		if _, ok := g.LabelName(LabelID(o.label)); !ok {
			return fmt.Errorf("%w: unknown label id %d", ErrCorrupt, o.label)
		}
		old, ok := g.Node(o.node)
		if !ok {
			return ErrNotFound
		}
		n := old.clone()
		l := LabelID(o.label)
		if o.kind == opAddLabel {
			if i, found := slices.BinarySearch(n.Labels, l); !found {
				n.Labels = slices.Insert(n.Labels, i, l)
			}
		} else {
			n.Labels = slices.DeleteFunc(n.Labels, func(x LabelID) bool { return x == l })
		}
		g.putNode(old, n)
		mark(o.node, 0)

	case opSetNodeProp, opRemoveNodeProp:
		old, ok := g.Node(o.node)
		if !ok {
			return ErrNotFound
		}
		n := old.clone()
		if o.kind == opSetNodeProp && !value.IsNull(o.val) {
			n.Props[o.name] = o.val
		} else {
			delete(n.Props, o.name)
		}
		g.putNode(old, n)
		mark(o.node, 0)

	case opCreateEdge:
		if _, ok := g.RelTypeName(RelTypeID(o.label)); !ok {
			return fmt.Errorf("%w: unknown relationship type id %d", ErrCorrupt, o.label)
		}
		if _, ok := g.Node(o.node); !ok {
			return ErrNotFound
		}
		if _, ok := g.Node(o.dst); !ok {
			return ErrNotFound
		}
		e := &Edge{ID: o.edge, Src: o.node, Type: RelTypeID(o.label), Dst: o.dst, Props: map[string]value.Value{}}
		g.putEdge(nil, e)
		g.nextEdge = max(g.nextEdge, o.edge+1)
		mark(0, o.edge)

	case opSetEdgeProp, opRemoveEdgeProp:
		old, ok := g.Edge(o.edge)
		if !ok {
			return ErrNotFound
		}
		e := old.clone()
		if o.kind == opSetEdgeProp && !value.IsNull(o.val) {
			e.Props[o.name] = o.val
		} else {
			delete(e.Props, o.name)
		}
		g.putEdge(old, e)
		mark(0, o.edge)

	case opTombstoneNode:
		old, ok := g.Node(o.node)
		if !ok {
			return ErrNotFound
		}
		var incident []*Edge
		for _, it := range []*EdgeIter{g.OutEdges(o.node), g.InEdges(o.node)} {
			for e, ok := it.Next(); ok; e, ok = it.Next() {
				incident = append(incident, e)
			}
		}
		for _, e := range incident {
			if cur, ok := g.Edge(e.ID); ok {
				t := cur.clone()
				t.Tombstoned = true
				g.putEdge(cur, t)
				mark(0, e.ID)
			}
		}
		n := old.clone()
		n.Tombstoned = true
		g.putNode(old, n)
		if _, ok := g.vectors.Get(o.node); ok {
			g.vectors = g.vectors.Delete(o.node)
			if g.vectors.Len() == 0 {
				g.vectorDim = 0
			}
		}
		mark(o.node, 0)

	case opTombstoneEdge:
		old, ok := g.Edge(o.edge)
		if !ok {
			return ErrNotFound
		}
		e := old.clone()
		e.Tombstoned = true
		g.putEdge(old, e)
		mark(0, o.edge)

	case opSetVector:
		if _, ok := g.Node(o.node); !ok {
			return ErrNotFound
		}
		entry := VectorEntry{Seq: o.ext, Vector: o.vec}
		prev, replacing := g.vectors.Get(o.node)
		if replacing {
			entry.Seq = prev.Seq
		}
		alone := g.vectors.Len() == 0 || (replacing && g.vectors.Len() == 1)
		if !alone && len(o.vec) != g.vectorDim {
			return ErrVectorDimension
		}
		g.vectors = g.vectors.Set(o.node, entry)
		g.vectorDim = len(o.vec)
		g.nextVecSeq = max(g.nextVecSeq, o.ext+1)
		mark(o.node, 0)

	case opCreateIndex:
		def := IndexDef{Label: LabelID(o.label), Property: o.name}
		if _, ok := g.indexes.Get(def); ok {
			return nil
		}
		entries := newEntrySet()
		for it := g.NodesByLabel(def.Label); ; {
			n, ok := it.Next()
			if !ok {
				break
			}
			if key, ok := indexEntry(n.Props[def.Property], n.ID); ok {
				entries = entries.Set(key, struct{}{})
			}
		}
		g.indexes = g.indexes.Set(def, entries)

	default:
		return fmt.Errorf("%w: unknown op %d", ErrCorrupt, o.kind)
	}
	return nil
}

// putNode stores n, keeping the label, external id and property indexes in
// step with the change from old. old is nil for a new node.
func (g *Graph) putNode(old, n *Node) {
	g.nodes = g.nodes.Set(n.ID, n)

	wasLive := old != nil && !old.Tombstoned
	isLive := !n.Tombstoned
	switch {
	case !wasLive && isLive:
		g.liveNodes++
	case wasLive && !isLive:
		g.liveNodes--
	}

	var oldLabels, newLabels []LabelID
	if wasLive {
		oldLabels = old.Labels
	}
	if isLive {
		newLabels = n.Labels
	}
	for _, l := range oldLabels {
		if !slices.Contains(newLabels, l) {
			g.unlabel(l, n.ID)
		}
	}
	for _, l := range newLabels {
		if !slices.Contains(oldLabels, l) {
			set, ok := g.byLabel.Get(l)
			if !ok {
				set = newNodeSet()
			}
			g.byLabel = g.byLabel.Set(l, set.Set(n.ID, struct{}{}))
		}
	}

	if n.ExternalID != 0 {
		if isLive {
			g.byExternal = g.byExternal.Set(n.ExternalID, n.ID)
		} else if cur, ok := g.byExternal.Get(n.ExternalID); ok && cur == n.ID {
			g.byExternal = g.byExternal.Delete(n.ExternalID)
		}
	}

	g.reindex(old, wasLive, n, isLive)
}

func (g *Graph) unlabel(l LabelID, id NodeID) {
	set, ok := g.byLabel.Get(l)
	if !ok {
		return
	}
	set = set.Delete(id)
	if set.Len() == 0 {
		g.byLabel = g.byLabel.Delete(l)
		return
	}
	g.byLabel = g.byLabel.Set(l, set)
}

func (g *Graph) reindex(old *Node, wasLive bool, n *Node, isLive bool) {
	if g.indexes.Len() == 0 {
		return
	}
	for it := g.indexes.Iterator(); !it.Done(); {
		def, entries, _ := it.Next()
		var oldKey, newKey string
		var hadOld, hasNew bool
		if wasLive && old.HasLabel(def.Label) {
			oldKey, hadOld = indexEntry(old.Props[def.Property], old.ID)
		}
		if isLive && n.HasLabel(def.Label) {
			newKey, hasNew = indexEntry(n.Props[def.Property], n.ID)
		}
		if hadOld == hasNew && oldKey == newKey {
			continue
		}
		if hadOld {
			entries = entries.Delete(oldKey)
		}
		if hasNew {
			entries = entries.Set(newKey, struct{}{})
		}
		g.indexes = g.indexes.Set(def, entries)
	}
}

// putEdge stores e and keeps adjacency in step with its liveness.
func (g *Graph) putEdge(old, e *Edge) {
	g.edges = g.edges.Set(e.ID, e)
	wasLive := old != nil && !old.Tombstoned
	isLive := !e.Tombstoned
	switch {
	case !wasLive && isLive:
		g.liveEdges++
		g.out = addAdjacent(g.out, e.Src, e.ID)
		g.in = addAdjacent(g.in, e.Dst, e.ID)
	case wasLive && !isLive:
		g.liveEdges--
		g.out = removeAdjacent(g.out, e.Src, e.ID)
		g.in = removeAdjacent(g.in, e.Dst, e.ID)
	}
}

func addAdjacent(adj *adjacency, n NodeID, e EdgeID) *adjacency {
	set, ok := adj.Get(n)
	if !ok {
		set = newEdgeSet()
	}
	return adj.Set(n, set.Set(e, struct{}{}))
}

func removeAdjacent(adj *adjacency, n NodeID, e EdgeID) *adjacency {
	set, ok := adj.Get(n)
	if !ok {
		return adj
	}
	set = set.Delete(e)
	if set.Len() == 0 {
		return adj.Delete(n)
	}
	return adj.Set(n, set)
}

// purgeNode and purgeEdge drop a tombstoned record entirely. Used by
// compaction.
func (g *Graph) purgeNode(id NodeID) {
	g.nodes = g.nodes.Delete(id)
}

func (g *Graph) purgeEdge(id EdgeID) {
	g.edges = g.edges.Delete(id)
}
