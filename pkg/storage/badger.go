package storage

// Main store layout in BadgerDB.
//
// The main store is only written at checkpoint time. It holds the graph as
// of the last checkpoint plus the derived lookup structures, so opening a
// database loads them instead of recomputing them.

import (
	"encoding/binary"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode          = byte(0x01) // node:nodeID -> record
	prefixEdge          = byte(0x02) // edge:edgeID -> record
	prefixLabelIndex    = byte(0x03) // label:labelID:nodeID -> empty
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:edgeID -> empty
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:edgeID -> empty
	prefixLabelCatalog  = byte(0x06) // labelID -> name
	prefixRelCatalog    = byte(0x07) // relTypeID -> name
	prefixIndexDef      = byte(0x08) // labelID:property -> empty
	prefixIndexEntry    = byte(0x09) // labelID:len(property):property:valueKey:nodeID -> empty
	prefixVector        = byte(0x0A) // nodeID -> seq, vector
	prefixMeta          = byte(0x0B) // counters
)

// ============================================================================
// Key encoding helpers
// ============================================================================

func nodeKey(id NodeID) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixNode}, uint64(id))
}

func edgeKey(id EdgeID) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixEdge}, uint64(id))
}

func labelIndexKey(label LabelID, id NodeID) []byte {
	k := binary.BigEndian.AppendUint32([]byte{prefixLabelIndex}, uint32(label))
	return binary.BigEndian.AppendUint64(k, uint64(id))
}

func adjacencyKey(prefix byte, n NodeID, e EdgeID) []byte {
	k := binary.BigEndian.AppendUint64([]byte{prefix}, uint64(n))
	return binary.BigEndian.AppendUint64(k, uint64(e))
}

func catalogKey(prefix byte, id uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte{prefix}, id)
}

func indexDefKey(def IndexDef) []byte {
	k := binary.BigEndian.AppendUint32([]byte{prefixIndexDef}, uint32(def.Label))
	return append(k, def.Property...)
}

func indexEntryKey(def IndexDef, entry string) []byte {
	k := binary.BigEndian.AppendUint32([]byte{prefixIndexEntry}, uint32(def.Label))
	k = binary.AppendUvarint(k, uint64(len(def.Property)))
	k = append(k, def.Property...)
	return append(k, entry...)
}

func vectorKey(id NodeID) []byte {
	return binary.BigEndian.AppendUint64([]byte{prefixVector}, uint64(id))
}

var metaKey = []byte{prefixMeta}

// ============================================================================
// Record encoding
// ============================================================================

const recordTombstoned byte = 1

func encodeNode(n *Node) ([]byte, error) {
	buf := binary.AppendUvarint(nil, n.ExternalID)
	var flags byte
	if n.Tombstoned {
		flags |= recordTombstoned
	}
	buf = append(buf, flags)
	buf = binary.AppendUvarint(buf, uint64(len(n.Labels)))
	for _, l := range n.Labels {
		buf = binary.AppendUvarint(buf, uint64(l))
	}
	return value.AppendProps(buf, n.Props)
}

func decodeNode(id NodeID, data []byte) (*Node, error) {
	d := &decoder{buf: data}
	n := &Node{ID: id, ExternalID: d.readUvarint()}
	n.Tombstoned = d.readByte()&recordTombstoned != 0
	count := d.readUvarint()
	if d.err == nil && count > uint64(len(data)) {
		d.err = ErrCorrupt
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, d.err)
	}
	n.Labels = make([]LabelID, 0, count)
	for i := uint64(0); i < count; i++ {
		n.Labels = append(n.Labels, LabelID(d.readUvarint()))
	}
	if d.err != nil {
		return nil, fmt.Errorf("decode node %d: %w", id, d.err)
	}
	props, _, err := value.DecodeProps(d.buf)
	if err != nil {
		return nil, fmt.Errorf("decode node %d: %w: %v", id, ErrCorrupt, err)
	}
	n.Props = props
	return n, nil
}

func encodeEdge(e *Edge) ([]byte, error) {
	buf := binary.AppendUvarint(nil, uint64(e.Src))
	buf = binary.AppendUvarint(buf, uint64(e.Type))
	buf = binary.AppendUvarint(buf, uint64(e.Dst))
	var flags byte
	if e.Tombstoned {
		flags |= recordTombstoned
	}
	buf = append(buf, flags)
	return value.AppendProps(buf, e.Props)
}

func decodeEdge(id EdgeID, data []byte) (*Edge, error) {
	d := &decoder{buf: data}
	e := &Edge{ID: id}
	e.Src = NodeID(d.readUvarint())
	e.Type = RelTypeID(d.readUvarint())
	e.Dst = NodeID(d.readUvarint())
	e.Tombstoned = d.readByte()&recordTombstoned != 0
	if d.err != nil {
		return nil, fmt.Errorf("decode edge %d: %w", id, d.err)
	}
	props, _, err := value.DecodeProps(d.buf)
	if err != nil {
		return nil, fmt.Errorf("decode edge %d: %w: %v", id, ErrCorrupt, err)
	}
	e.Props = props
	return e, nil
}

func encodeVectorEntry(e VectorEntry) []byte {
	return appendVector(binary.AppendUvarint(nil, e.Seq), e.Vector)
}

func decodeVectorEntry(data []byte) (VectorEntry, error) {
	d := &decoder{buf: data}
	e := VectorEntry{Seq: d.readUvarint()}
	e.Vector = d.readVector()
	return e, d.err
}

// meta holds the counters persisted alongside a checkpoint.
type meta struct {
	nextNode   NodeID
	nextEdge   EdgeID
	nextVecSeq uint64
	vectorDim  int
	walSeq     uint64
}

func encodeMeta(m meta) []byte {
	buf := binary.AppendUvarint(nil, uint64(m.nextNode))
	buf = binary.AppendUvarint(buf, uint64(m.nextEdge))
	buf = binary.AppendUvarint(buf, m.nextVecSeq)
	buf = binary.AppendUvarint(buf, uint64(m.vectorDim))
	return binary.AppendUvarint(buf, m.walSeq)
}

func decodeMeta(data []byte) (meta, error) {
	d := &decoder{buf: data}
	m := meta{
		nextNode:   NodeID(d.readUvarint()),
		nextEdge:   EdgeID(d.readUvarint()),
		nextVecSeq: d.readUvarint(),
		vectorDim:  int(d.readUvarint()),
		walSeq:     d.readUvarint(),
	}
	return m, d.err
}

// ============================================================================
// Opening and loading
// ============================================================================

func openBadger(dir string, opts Options) (*badger.DB, error) {
	badgerOpts := badger.DefaultOptions(dir).
		WithLogger(nil).
		WithSyncWrites(false).
		WithNumVersionsToKeep(1)

	memTable := opts.MemTableSize
	if memTable <= 0 {
		memTable = 16 << 20
	}
	// Keep the footprint small; the working set lives in the snapshot graph.
	badgerOpts = badgerOpts.
		WithMemTableSize(memTable).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithBlockCacheSize(16 << 20).
		WithIndexCacheSize(8 << 20)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}
	return db, nil
}

// iteratePrefix calls fn with every key/value under prefix. The key has the
// prefix byte stripped. Values are copies.
func iteratePrefix(txn *badger.Txn, prefix byte, keysOnly bool, fn func(key, val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = []byte{prefix}
	opts.PrefetchValues = !keysOnly
	it := txn.NewIterator(opts)
	defer it.Close()

	for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
		item := it.Item()
		key := item.KeyCopy(nil)[1:]
		var val []byte
		if !keysOnly {
			var err error
			if val, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		if err := fn(key, val); err != nil {
			return err
		}
	}
	return nil
}

func shortKey(want int, key []byte) error {
	if len(key) < want {
		return fmt.Errorf("%w: short key %x", ErrCorrupt, key)
	}
	return nil
}

// loadGraph reads the checkpointed graph. It returns the WAL sequence the
// checkpoint covers.
func loadGraph(db *badger.DB, logger *slog.Logger) (*Graph, uint64, error) {
	g := newGraph()
	var m meta

	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaKey)
		switch {
		case err == badger.ErrKeyNotFound:
		case err != nil:
			return err
		default:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if m, err = decodeMeta(raw); err != nil {
				return fmt.Errorf("decode meta: %w", err)
			}
		}

		if err := iteratePrefix(txn, prefixLabelCatalog, false, func(key, val []byte) error {
			if err := shortKey(4, key); err != nil {
				return err
			}
			id := LabelID(binary.BigEndian.Uint32(key))
			if int(id) != g.labelNames.Len() {
				return fmt.Errorf("%w: label catalog gap at %d", ErrCorrupt, id)
			}
			g.labelNames = g.labelNames.Append(string(val))
			g.labelIDs = g.labelIDs.Set(string(val), id)
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixRelCatalog, false, func(key, val []byte) error {
			if err := shortKey(4, key); err != nil {
				return err
			}
			id := RelTypeID(binary.BigEndian.Uint32(key))
			if int(id) != g.relNames.Len() {
				return fmt.Errorf("%w: relationship type catalog gap at %d", ErrCorrupt, id)
			}
			g.relNames = g.relNames.Append(string(val))
			g.relIDs = g.relIDs.Set(string(val), id)
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixNode, false, func(key, val []byte) error {
			if err := shortKey(8, key); err != nil {
				return err
			}
			n, err := decodeNode(NodeID(binary.BigEndian.Uint64(key)), val)
			if err != nil {
				return err
			}
			g.nodes = g.nodes.Set(n.ID, n)
			if !n.Tombstoned {
				g.liveNodes++
				if n.ExternalID != 0 {
					g.byExternal = g.byExternal.Set(n.ExternalID, n.ID)
				}
			}
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixLabelIndex, true, func(key, _ []byte) error {
			if err := shortKey(12, key); err != nil {
				return err
			}
			l := LabelID(binary.BigEndian.Uint32(key))
			id := NodeID(binary.BigEndian.Uint64(key[4:]))
			set, ok := g.byLabel.Get(l)
			if !ok {
				set = newNodeSet()
			}
			g.byLabel = g.byLabel.Set(l, set.Set(id, struct{}{}))
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixEdge, false, func(key, val []byte) error {
			if err := shortKey(8, key); err != nil {
				return err
			}
			e, err := decodeEdge(EdgeID(binary.BigEndian.Uint64(key)), val)
			if err != nil {
				return err
			}
			g.edges = g.edges.Set(e.ID, e)
			if !e.Tombstoned {
				g.liveEdges++
			}
			return nil
		}); err != nil {
			return err
		}

		for _, adj := range []struct {
			prefix byte
			target **adjacency
		}{{prefixOutgoingIndex, &g.out}, {prefixIncomingIndex, &g.in}} {
			if err := iteratePrefix(txn, adj.prefix, true, func(key, _ []byte) error {
				if err := shortKey(16, key); err != nil {
					return err
				}
				n := NodeID(binary.BigEndian.Uint64(key))
				e := EdgeID(binary.BigEndian.Uint64(key[8:]))
				*adj.target = addAdjacent(*adj.target, n, e)
				return nil
			}); err != nil {
				return err
			}
		}

		if err := iteratePrefix(txn, prefixIndexDef, true, func(key, _ []byte) error {
			if err := shortKey(4, key); err != nil {
				return err
			}
			def := IndexDef{Label: LabelID(binary.BigEndian.Uint32(key)), Property: string(key[4:])}
			g.indexes = g.indexes.Set(def, newEntrySet())
			return nil
		}); err != nil {
			return err
		}

		if err := iteratePrefix(txn, prefixIndexEntry, true, func(key, _ []byte) error {
			if err := shortKey(5, key); err != nil {
				return err
			}
			label := LabelID(binary.BigEndian.Uint32(key))
			plen, w := binary.Uvarint(key[4:])
			rest := key[4:]
			if w <= 0 || uint64(len(rest)-w) < plen+8 {
				return fmt.Errorf("%w: bad index entry key", ErrCorrupt)
			}
			def := IndexDef{Label: label, Property: string(rest[w : w+int(plen)])}
			entries, ok := g.indexes.Get(def)
			if !ok {
				return fmt.Errorf("%w: index entry without definition %d.%s", ErrCorrupt, def.Label, def.Property)
			}
			g.indexes = g.indexes.Set(def, entries.Set(string(rest[w+int(plen):]), struct{}{}))
			return nil
		}); err != nil {
			return err
		}

		return iteratePrefix(txn, prefixVector, false, func(key, val []byte) error {
			if err := shortKey(8, key); err != nil {
				return err
			}
			e, err := decodeVectorEntry(val)
			if err != nil {
				return fmt.Errorf("decode vector: %w", err)
			}
			g.vectors = g.vectors.Set(NodeID(binary.BigEndian.Uint64(key)), e)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	g.nextNode = max(m.nextNode, 1)
	g.nextEdge = max(m.nextEdge, 1)
	g.nextVecSeq = max(m.nextVecSeq, 1)
	g.vectorDim = m.vectorDim
	if g.vectors.Len() == 0 {
		g.vectorDim = 0
	}

	logger.Debug("main store loaded",
		slog.Int("nodes", g.liveNodes),
		slog.Int("edges", g.liveEdges),
		slog.Int("indexes", g.indexes.Len()),
		slog.Int("vectors", g.vectors.Len()),
		slog.Uint64("wal_seq", m.walSeq))
	return g, m.walSeq, nil
}

// ============================================================================
// Writing
// ============================================================================

// batchWriter is the subset of *badger.WriteBatch used to persist graphs.
type batchWriter interface {
	Set(key, val []byte) error
	Delete(key []byte) error
}

// keySet collects the derived keys of a record so that checkpoints only
// touch what changed.
type keySet map[string]struct{}

func (k keySet) add(key []byte) { k[string(key)] = struct{}{} }

func nodeDerivedKeys(g *Graph, n *Node) keySet {
	keys := keySet{}
	if n == nil || n.Tombstoned {
		return keys
	}
	for _, l := range n.Labels {
		keys.add(labelIndexKey(l, n.ID))
	}
	for it := g.indexes.Iterator(); !it.Done(); {
		def, _, _ := it.Next()
		if !n.HasLabel(def.Label) {
			continue
		}
		if entry, ok := indexEntry(n.Props[def.Property], n.ID); ok {
			keys.add(indexEntryKey(def, entry))
		}
	}
	return keys
}

func edgeDerivedKeys(e *Edge) keySet {
	keys := keySet{}
	if e == nil || e.Tombstoned {
		return keys
	}
	keys.add(adjacencyKey(prefixOutgoingIndex, e.Src, e.ID))
	keys.add(adjacencyKey(prefixIncomingIndex, e.Dst, e.ID))
	return keys
}

func writeKeyDiff(wb batchWriter, before, after keySet) error {
	for k := range before {
		if _, ok := after[k]; !ok {
			if err := wb.Delete([]byte(k)); err != nil {
				return err
			}
		}
	}
	for k := range after {
		if _, ok := before[k]; !ok {
			if err := wb.Set([]byte(k), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// writeNodeDelta persists the change of one node record between two graphs.
func writeNodeDelta(wb batchWriter, base, cur *Graph, id NodeID) error {
	oldN, hadOld := base.nodes.Get(id)
	newN, hasNew := cur.nodes.Get(id)
	switch {
	case hasNew && (!hadOld || oldN != newN):
		raw, err := encodeNode(newN)
		if err != nil {
			return err
		}
		if err := wb.Set(nodeKey(id), raw); err != nil {
			return err
		}
	case !hasNew && hadOld:
		if err := wb.Delete(nodeKey(id)); err != nil {
			return err
		}
	}
	if err := writeKeyDiff(wb, nodeDerivedKeys(base, oldN), nodeDerivedKeys(cur, newN)); err != nil {
		return err
	}

	oldV, hadV := base.vectors.Get(id)
	newV, hasV := cur.vectors.Get(id)
	switch {
	case hasV && (!hadV || !sameVector(oldV, newV)):
		return wb.Set(vectorKey(id), encodeVectorEntry(newV))
	case !hasV && hadV:
		return wb.Delete(vectorKey(id))
	}
	return nil
}

func sameVector(a, b VectorEntry) bool {
	if a.Seq != b.Seq || len(a.Vector) != len(b.Vector) {
		return false
	}
	for i := range a.Vector {
		if a.Vector[i] != b.Vector[i] {
			return false
		}
	}
	return true
}

func writeEdgeDelta(wb batchWriter, base, cur *Graph, id EdgeID) error {
	oldE, hadOld := base.edges.Get(id)
	newE, hasNew := cur.edges.Get(id)
	switch {
	case hasNew && (!hadOld || oldE != newE):
		raw, err := encodeEdge(newE)
		if err != nil {
			return err
		}
		if err := wb.Set(edgeKey(id), raw); err != nil {
			return err
		}
	case !hasNew && hadOld:
		if err := wb.Delete(edgeKey(id)); err != nil {
			return err
		}
	}
	return writeKeyDiff(wb, edgeDerivedKeys(oldE), edgeDerivedKeys(newE))
}

// writeCatalogAndIndexes persists catalog entries and index definitions
// that cur has and base lacks. New indexes are written in full.
func writeCatalogAndIndexes(wb batchWriter, base, cur *Graph) error {
	for i := base.labelNames.Len(); i < cur.labelNames.Len(); i++ {
		if err := wb.Set(catalogKey(prefixLabelCatalog, uint32(i)), []byte(cur.labelNames.Get(i))); err != nil {
			return err
		}
	}
	for i := base.relNames.Len(); i < cur.relNames.Len(); i++ {
		if err := wb.Set(catalogKey(prefixRelCatalog, uint32(i)), []byte(cur.relNames.Get(i))); err != nil {
			return err
		}
	}
	for it := cur.indexes.Iterator(); !it.Done(); {
		def, entries, _ := it.Next()
		if _, ok := base.indexes.Get(def); ok {
			continue
		}
		if err := wb.Set(indexDefKey(def), nil); err != nil {
			return err
		}
		for eit := entries.Iterator(); !eit.Done(); {
			entry, _, _ := eit.Next()
			if err := wb.Set(indexEntryKey(def, entry), nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func writeMeta(wb batchWriter, g *Graph, walSeq uint64) error {
	return wb.Set(metaKey, encodeMeta(meta{
		nextNode:   g.nextNode,
		nextEdge:   g.nextEdge,
		nextVecSeq: g.nextVecSeq,
		vectorDim:  g.vectorDim,
		walSeq:     walSeq,
	}))
}

// writeFull persists every record of g into an empty store.
func writeFull(wb batchWriter, g *Graph, walSeq uint64) error {
	empty := newGraph()
	if err := writeCatalogAndIndexes(wb, empty, g); err != nil {
		return err
	}
	for it := g.nodes.Iterator(); !it.Done(); {
		id, _, _ := it.Next()
		if err := writeNodeDelta(wb, empty, g, id); err != nil {
			return err
		}
	}
	for it := g.edges.Iterator(); !it.Done(); {
		id, _, _ := it.Next()
		if err := writeEdgeDelta(wb, empty, g, id); err != nil {
			return err
		}
	}
	return writeMeta(wb, g, walSeq)
}
