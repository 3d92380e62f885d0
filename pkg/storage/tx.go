package storage

import (
	"errors"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/ysankpia/nervusdb/pkg/math/vector"
	"github.com/ysankpia/nervusdb/pkg/pool"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Tx is the single write transaction of a Store. It stages mutations on a
// private copy of the committed graph; reads through Graph see the staged
// state, while every other reader keeps seeing the last committed snapshot.
//
// A Tx is not safe for concurrent use.
//
// Example:
//
//	tx, err := st.Begin()
//	if err != nil {
//		return err // ErrWriteConflict when another writer is active
//	}
//	defer tx.Rollback()
//
//	knows, _ := tx.GetOrCreateRelType("KNOWS")
//	if _, err := tx.CreateEdge(alice, knows, bob); err != nil {
//		return err
//	}
//	return tx.Commit()
type Tx struct {
	store  *Store
	g      Graph
	ops    []op
	status TxStatus
	logged bool

	dirtyNodes *roaring64.Bitmap
	dirtyEdges *roaring64.Bitmap
}

func newTx(s *Store, base *Graph, logged bool) *Tx {
	tx := &Tx{
		store:      s,
		g:          *base,
		logged:     logged,
		dirtyNodes: roaring64.New(),
		dirtyEdges: roaring64.New(),
	}
	// staged views never match a published version
	tx.g.version = 0
	return tx
}

// Status returns the transaction state.
func (tx *Tx) Status() TxStatus { return tx.status }

func (tx *Tx) active() error {
	if tx.status != TxActive {
		return ErrTxFinished
	}
	return nil
}

// Graph returns a snapshot of the staged state. The snapshot does not
// change when the transaction stages further writes.
func (tx *Tx) Graph() (*Graph, error) {
	if err := tx.active(); err != nil {
		return nil, err
	}
	g := tx.g
	return &g, nil
}

func (tx *Tx) mark(n NodeID, e EdgeID) {
	if n != 0 {
		tx.dirtyNodes.Add(uint64(n))
	}
	if e != 0 {
		tx.dirtyEdges.Add(uint64(e))
	}
}

// apply stages one op. A failed op leaves the staged graph unchanged.
func (tx *Tx) apply(o op) error {
	saved := tx.g
	if err := applyOp(&tx.g, o, tx.mark); err != nil {
		tx.g = saved
		return err
	}
	tx.ops = append(tx.ops, o)
	return nil
}

// GetOrCreateLabel interns a label name.
func (tx *Tx) GetOrCreateLabel(name string) (LabelID, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	if id, ok := tx.g.labelIDs.Get(name); ok {
		return id, nil
	}
	id := LabelID(tx.g.labelNames.Len())
	return id, tx.apply(op{kind: opCreateLabel, label: uint32(id), name: name})
}

// GetOrCreateRelType interns a relationship type name.
func (tx *Tx) GetOrCreateRelType(name string) (RelTypeID, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	if id, ok := tx.g.relIDs.Get(name); ok {
		return id, nil
	}
	id := RelTypeID(tx.g.relNames.Len())
	return id, tx.apply(op{kind: opCreateRelType, label: uint32(id), name: name})
}

// CreateNode creates a node with the given labels. A non-zero externalID
// must not belong to another live node.
func (tx *Tx) CreateNode(externalID uint64, labels ...LabelID) (NodeID, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	if externalID != 0 {
		if _, ok := tx.g.NodeByExternalID(externalID); ok {
			return 0, fmt.Errorf("%w: %d", ErrDuplicateID, externalID)
		}
	}
	for _, l := range labels {
		if int(l) >= tx.g.labelNames.Len() {
			return 0, fmt.Errorf("%w: label %d", ErrNotFound, l)
		}
	}
	id := tx.g.nextNode
	if err := tx.apply(op{kind: opCreateNode, node: id, ext: externalID}); err != nil {
		return 0, err
	}
	for _, l := range labels {
		if err := tx.apply(op{kind: opAddLabel, node: id, label: uint32(l)}); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// AddLabel adds a label to a node. It reports whether the node lacked it.
func (tx *Tx) AddLabel(id NodeID, label LabelID) (bool, error) {
	if err := tx.active(); err != nil {
		return false, err
	}
	n, ok := tx.g.Node(id)
	if !ok {
		return false, ErrNotFound
	}
	if int(label) >= tx.g.labelNames.Len() {
		return false, fmt.Errorf("%w: label %d", ErrNotFound, label)
	}
	if n.HasLabel(label) {
		return false, nil
	}
	return true, tx.apply(op{kind: opAddLabel, node: id, label: uint32(label)})
}

// RemoveLabel removes a label from a node. It reports whether the node had
// it.
func (tx *Tx) RemoveLabel(id NodeID, label LabelID) (bool, error) {
	if err := tx.active(); err != nil {
		return false, err
	}
	n, ok := tx.g.Node(id)
	if !ok {
		return false, ErrNotFound
	}
	if !n.HasLabel(label) {
		return false, nil
	}
	return true, tx.apply(op{kind: opRemoveLabel, node: id, label: uint32(label)})
}

func checkStorable(v value.Value) error {
	buf, err := value.AppendBinary(pool.GetByteBuffer(), v)
	pool.PutByteBuffer(buf)
	if err != nil {
		if errors.Is(err, value.ErrNotStorable) {
			return fmt.Errorf("%w: %s", ErrNotStorable, value.Of(v).Kind())
		}
		return err
	}
	return nil
}

// SetNodeProperty sets a property. Setting Null removes the key.
func (tx *Tx) SetNodeProperty(id NodeID, key string, v value.Value) error {
	if err := tx.active(); err != nil {
		return err
	}
	if value.IsNull(v) {
		return tx.RemoveNodeProperty(id, key)
	}
	if err := checkStorable(v); err != nil {
		return err
	}
	return tx.apply(op{kind: opSetNodeProp, node: id, name: key, val: v})
}

// RemoveNodeProperty deletes a property key. Removing an absent key is not
// an error.
func (tx *Tx) RemoveNodeProperty(id NodeID, key string) error {
	if err := tx.active(); err != nil {
		return err
	}
	n, ok := tx.g.Node(id)
	if !ok {
		return ErrNotFound
	}
	if _, has := n.Props[key]; !has {
		return nil
	}
	return tx.apply(op{kind: opRemoveNodeProp, node: id, name: key})
}

// ReplaceNodeProperties makes props the node's complete property map.
func (tx *Tx) ReplaceNodeProperties(id NodeID, props map[string]value.Value) error {
	if err := tx.active(); err != nil {
		return err
	}
	n, ok := tx.g.Node(id)
	if !ok {
		return ErrNotFound
	}
	for _, v := range props {
		if err := checkStorable(v); err != nil {
			return err
		}
	}
	for _, k := range value.SortedKeys(n.Props) {
		if _, keep := props[k]; !keep {
			if err := tx.RemoveNodeProperty(id, k); err != nil {
				return err
			}
		}
	}
	for _, k := range value.SortedKeys(props) {
		if err := tx.SetNodeProperty(id, k, props[k]); err != nil {
			return err
		}
	}
	return nil
}

// CreateEdge adds a new relationship src-[rel]->dst, even when one with the
// same triple exists.
func (tx *Tx) CreateEdge(src NodeID, rel RelTypeID, dst NodeID) (EdgeID, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	if int(rel) >= tx.g.relNames.Len() {
		return 0, fmt.Errorf("%w: relationship type %d", ErrNotFound, rel)
	}
	id := tx.g.nextEdge
	if err := tx.apply(op{kind: opCreateEdge, node: src, dst: dst, edge: id, label: uint32(rel)}); err != nil {
		return 0, err
	}
	return id, nil
}

// EnsureEdge returns the lowest-id live relationship src-[rel]->dst,
// creating it when none exists. created reports which happened.
func (tx *Tx) EnsureEdge(src NodeID, rel RelTypeID, dst NodeID) (id EdgeID, created bool, err error) {
	if err := tx.active(); err != nil {
		return 0, false, err
	}
	if e, ok := tx.g.FindEdge(src, rel, dst); ok {
		return e.ID, false, nil
	}
	id, err = tx.CreateEdge(src, rel, dst)
	return id, err == nil, err
}

// FindEdge returns the lowest-id live relationship src-[rel]->dst in the
// staged state.
func (tx *Tx) FindEdge(src NodeID, rel RelTypeID, dst NodeID) (*Edge, bool) {
	return tx.g.FindEdge(src, rel, dst)
}

// SetEdgeProperty sets a relationship property. Setting Null removes the key.
func (tx *Tx) SetEdgeProperty(id EdgeID, key string, v value.Value) error {
	if err := tx.active(); err != nil {
		return err
	}
	if value.IsNull(v) {
		return tx.RemoveEdgeProperty(id, key)
	}
	if err := checkStorable(v); err != nil {
		return err
	}
	return tx.apply(op{kind: opSetEdgeProp, edge: id, name: key, val: v})
}

// RemoveEdgeProperty deletes a relationship property key.
func (tx *Tx) RemoveEdgeProperty(id EdgeID, key string) error {
	if err := tx.active(); err != nil {
		return err
	}
	e, ok := tx.g.Edge(id)
	if !ok {
		return ErrNotFound
	}
	if _, has := e.Props[key]; !has {
		return nil
	}
	return tx.apply(op{kind: opRemoveEdgeProp, edge: id, name: key})
}

// TombstoneNode deletes a node and every live relationship touching it. It
// returns the number of relationships removed with it.
func (tx *Tx) TombstoneNode(id NodeID) (int, error) {
	if err := tx.active(); err != nil {
		return 0, err
	}
	if _, ok := tx.g.Node(id); !ok {
		return 0, ErrNotFound
	}
	out, in := tx.g.Degree(id)
	selfLoops := 0
	it := tx.g.OutEdges(id)
	for e, ok := it.Next(); ok; e, ok = it.Next() {
		if e.Dst == id {
			selfLoops++
		}
	}
	if err := tx.apply(op{kind: opTombstoneNode, node: id}); err != nil {
		return 0, err
	}
	return out + in - selfLoops, nil
}

// TombstoneEdge deletes a relationship.
func (tx *Tx) TombstoneEdge(id EdgeID) error {
	if err := tx.active(); err != nil {
		return err
	}
	return tx.apply(op{kind: opTombstoneEdge, edge: id})
}

// SetVector attaches or replaces a node's embedding. The dimension must
// match the stored vectors once any exist.
func (tx *Tx) SetVector(id NodeID, vec []float32) error {
	if err := tx.active(); err != nil {
		return err
	}
	if _, ok := tx.g.Node(id); !ok {
		return ErrNotFound
	}
	dim := tx.g.vectorDim
	if _, replacing := tx.g.vectors.Get(id); replacing && tx.g.vectors.Len() == 1 {
		// the only stored vector is being replaced, so any dimension goes
		dim = 0
	}
	if err := vector.Validate(vec, dim); err != nil {
		if errors.Is(err, vector.ErrDimensionMismatch) {
			return fmt.Errorf("%w: expected %d, got %d", ErrVectorDimension, dim, len(vec))
		}
		return fmt.Errorf("%w: %v", ErrVectorDimension, err)
	}
	return tx.apply(op{kind: opSetVector, node: id, ext: tx.g.nextVecSeq, vec: vector.Clone(vec)})
}

// CreateIndex registers a property index on (label, property) and backfills
// it from the staged state. It reports false when the index already exists.
func (tx *Tx) CreateIndex(label LabelID, property string) (bool, error) {
	if err := tx.active(); err != nil {
		return false, err
	}
	if int(label) >= tx.g.labelNames.Len() {
		return false, fmt.Errorf("%w: label %d", ErrNotFound, label)
	}
	if tx.g.HasIndex(label, property) {
		return false, nil
	}
	return true, tx.apply(op{kind: opCreateIndex, label: uint32(label), name: property})
}

// Commit logs and publishes the staged writes. On failure the transaction
// is Aborted and nothing becomes visible.
func (tx *Tx) Commit() error {
	if err := tx.active(); err != nil {
		return err
	}
	return tx.store.commit(tx)
}

// Rollback discards the staged writes. Rolling back a finished transaction
// returns ErrTxFinished.
func (tx *Tx) Rollback() error {
	if err := tx.active(); err != nil {
		return err
	}
	tx.status = TxRolledBack
	tx.ops = nil
	tx.store.release()
	return nil
}
