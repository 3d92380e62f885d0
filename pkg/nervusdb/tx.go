package nervusdb

import (
	"context"
	"errors"

	"github.com/ysankpia/nervusdb/pkg/cypher"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Tx is the write transaction. Statements and low-level operations run
// against its staged state, which becomes visible to readers atomically on
// Commit. After Commit or Rollback every method fails with ErrTxFinished.
type Tx struct {
	db *DB
	tx *storage.Tx
}

// Query runs a statement inside the transaction and returns its rows. It
// sees the transaction's own uncommitted writes.
func (t *Tx) Query(ctx context.Context, query string, params map[string]any) (*Result, error) {
	return t.db.run(ctx, query, cypher.Source{Tx: t.tx}, params)
}

// ExecuteWrite runs a statement inside the transaction and returns the
// number of changes it made.
func (t *Tx) ExecuteWrite(ctx context.Context, query string, params map[string]any) (int, error) {
	res, err := t.Query(ctx, query, params)
	if err != nil {
		return 0, err
	}
	return res.Stats.Total(), nil
}

// Commit makes the transaction's writes durable and visible.
func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback discards the transaction. Rolling back a finished transaction
// returns ErrTxFinished.
func (t *Tx) Rollback() error { return t.tx.Rollback() }

// GetOrCreateLabel interns a label name.
func (t *Tx) GetOrCreateLabel(name string) (storage.LabelID, error) {
	return t.tx.GetOrCreateLabel(name)
}

// GetOrCreateRelType interns a relationship type name.
func (t *Tx) GetOrCreateRelType(name string) (storage.RelTypeID, error) {
	return t.tx.GetOrCreateRelType(name)
}

// CreateNode creates a node carrying the caller's external id and labels.
func (t *Tx) CreateNode(externalID uint64, labels ...storage.LabelID) (storage.NodeID, error) {
	return t.tx.CreateNode(externalID, labels...)
}

// NodeByExternalID finds the live node created with externalID.
func (t *Tx) NodeByExternalID(externalID uint64) (storage.NodeID, bool) {
	g, err := t.tx.Graph()
	if err != nil {
		return 0, false
	}
	n, ok := g.NodeByExternalID(externalID)
	if !ok {
		return 0, false
	}
	return n.ID, true
}

// CreateEdge connects src to dst. The triple is idempotent: when a live
// src-[rel]->dst already exists it is returned unchanged.
func (t *Tx) CreateEdge(src storage.NodeID, rel storage.RelTypeID, dst storage.NodeID) (storage.EdgeID, error) {
	id, _, err := t.tx.EnsureEdge(src, rel, dst)
	return id, err
}

// findEdge returns the lowest-id live src-[rel]->dst in the staged state.
func (t *Tx) findEdge(src storage.NodeID, rel storage.RelTypeID, dst storage.NodeID) (*storage.Edge, error) {
	g, err := t.tx.Graph()
	if err != nil {
		return nil, err
	}
	e, ok := g.FindEdge(src, rel, dst)
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

// TombstoneNode deletes a node and its relationships.
func (t *Tx) TombstoneNode(id storage.NodeID) error {
	_, err := t.tx.TombstoneNode(id)
	return err
}

// TombstoneEdge deletes every live src-[rel]->dst relationship. Deleting a
// triple with no live relationship is a no-op.
func (t *Tx) TombstoneEdge(src storage.NodeID, rel storage.RelTypeID, dst storage.NodeID) error {
	for {
		e, err := t.findEdge(src, rel, dst)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := t.tx.TombstoneEdge(e.ID); err != nil {
			return err
		}
	}
}

// SetNodeProperty sets key on a node; a null value removes it.
func (t *Tx) SetNodeProperty(id storage.NodeID, key string, v value.Value) error {
	return t.tx.SetNodeProperty(id, key, v)
}

// RemoveNodeProperty removes key from a node. A missing key is a no-op.
func (t *Tx) RemoveNodeProperty(id storage.NodeID, key string) error {
	return t.tx.RemoveNodeProperty(id, key)
}

// SetEdgeProperty sets key on the lowest-id live src-[rel]->dst.
func (t *Tx) SetEdgeProperty(src storage.NodeID, rel storage.RelTypeID, dst storage.NodeID, key string, v value.Value) error {
	e, err := t.findEdge(src, rel, dst)
	if err != nil {
		return err
	}
	return t.tx.SetEdgeProperty(e.ID, key, v)
}

// RemoveEdgeProperty removes key from the lowest-id live src-[rel]->dst.
func (t *Tx) RemoveEdgeProperty(src storage.NodeID, rel storage.RelTypeID, dst storage.NodeID, key string) error {
	e, err := t.findEdge(src, rel, dst)
	if err != nil {
		return err
	}
	return t.tx.RemoveEdgeProperty(e.ID, key)
}

// SetVector attaches or replaces a node's embedding. Every vector of a
// database has the dimension of the first one stored.
func (t *Tx) SetVector(id storage.NodeID, vec []float32) error {
	return t.tx.SetVector(id, vec)
}
