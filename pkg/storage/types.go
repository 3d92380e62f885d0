// Package storage implements the NervusDB page/file store, graph store,
// index manager and transaction manager.
//
// The committed database state is an immutable *Graph built from persistent
// maps. Readers load the current Graph pointer and never block; the single
// write transaction mutates a private copy and publishes it on commit.
//
// Durability comes from two files:
//   - the main store (".ndb"), a badger directory written at checkpoint time
//   - the write-ahead log (".wal"), one frame per committed transaction
//
// On open the main store is loaded and the WAL is replayed on top of it, so
// a crash between checkpoints loses nothing that was acknowledged.
//
// Example:
//
//	st, err := storage.Open("graph.ndb", "graph.wal", storage.Options{})
//	if err != nil {
//		return err
//	}
//	defer st.Close()
//
//	tx, err := st.Begin()
//	if err != nil {
//		return err
//	}
//	person, _ := tx.GetOrCreateLabel("Person")
//	id, _ := tx.CreateNode(0, person)
//	_ = tx.SetNodeProperty(id, "name", value.String("Alice"))
//	if err := tx.Commit(); err != nil {
//		return err
//	}
//
//	g, _ := st.Snapshot()
//	n, _ := g.Node(id)
package storage

import (
	"slices"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// NodeID identifies a node. Ids start at 1 and are never reused.
type NodeID uint64

// EdgeID identifies a relationship. Ids start at 1 and are never reused.
type EdgeID uint64

// LabelID is an interned label name.
type LabelID uint32

// RelTypeID is an interned relationship type name.
type RelTypeID uint32

// Errors returned by the storage layer. All of them are StorageErrors
// except where noted.
var (
	ErrClosed          = dberr.New(dberr.Storage, dberr.CodeClosed, "database is closed")
	ErrTxFinished      = dberr.New(dberr.Storage, dberr.CodeTxFinished, "transaction already finished")
	ErrWriteConflict   = dberr.New(dberr.Storage, dberr.CodeWriteConflict, "another write transaction is active")
	ErrWriteInProgress = dberr.New(dberr.Storage, dberr.CodeWriteConflict, "cannot close database: write transaction in progress")
	ErrNotFound        = dberr.New(dberr.Storage, dberr.CodeNotFound, "record not found")
	ErrDuplicateID     = dberr.New(dberr.Storage, "DuplicateExternalID", "external id already exists")
	ErrCorrupt         = dberr.New(dberr.Storage, dberr.CodeCorrupt, "storage is corrupt")
	ErrExists          = dberr.New(dberr.Storage, "AlreadyExists", "target already exists")

	// ErrVectorDimension is an ExecutionError: the caller supplied a vector
	// whose dimension differs from the stored vectors.
	ErrVectorDimension = dberr.New(dberr.Execution, "VectorDimension", "vector dimension mismatch")
	// ErrNotStorable is an ExecutionError for property values that cannot
	// be persisted (nodes, relationships, paths).
	ErrNotStorable = dberr.New(dberr.Execution, dberr.CodeTypeMismatch, "value cannot be stored as a property")
)

// Node is a stored node record. Records reachable from a published Graph
// are immutable; mutations clone first.
type Node struct {
	ID         NodeID
	ExternalID uint64
	// Labels is sorted ascending and free of duplicates.
	Labels     []LabelID
	Props      map[string]value.Value
	Tombstoned bool
}

// HasLabel reports whether the node carries label l.
func (n *Node) HasLabel(l LabelID) bool {
	_, ok := slices.BinarySearch(n.Labels, l)
	return ok
}

// Prop returns a property value, Null when absent.
func (n *Node) Prop(key string) value.Value {
	return value.Of(n.Props[key])
}

func (n *Node) clone() *Node {
	c := *n
	c.Labels = slices.Clone(n.Labels)
	c.Props = make(map[string]value.Value, len(n.Props))
	for k, v := range n.Props {
		c.Props[k] = v
	}
	return &c
}

// Edge is a stored relationship record.
type Edge struct {
	ID         EdgeID
	Src        NodeID
	Type       RelTypeID
	Dst        NodeID
	Props      map[string]value.Value
	Tombstoned bool
}

// Prop returns a property value, Null when absent.
func (e *Edge) Prop(key string) value.Value {
	return value.Of(e.Props[key])
}

func (e *Edge) clone() *Edge {
	c := *e
	c.Props = make(map[string]value.Value, len(e.Props))
	for k, v := range e.Props {
		c.Props[k] = v
	}
	return &c
}

// Other returns the endpoint of e opposite to id.
func (e *Edge) Other(id NodeID) NodeID {
	if e.Src == id {
		return e.Dst
	}
	return e.Src
}

// IndexDef identifies a property index on (label, property).
type IndexDef struct {
	Label    LabelID
	Property string
}

// VectorEntry is a stored embedding.
type VectorEntry struct {
	// Seq is the insertion sequence of the first vector stored for the node.
	Seq    uint64
	Vector []float32
}

// TxStatus is the state of a write transaction.
type TxStatus uint8

const (
	TxActive TxStatus = iota
	TxCommitted
	TxRolledBack
	TxAborted
)

func (s TxStatus) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitted:
		return "committed"
	case TxRolledBack:
		return "rolled_back"
	case TxAborted:
		return "aborted"
	}
	return "unknown"
}
