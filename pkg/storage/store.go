package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/dgraph-io/badger/v4"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/logging"
	"github.com/ysankpia/nervusdb/pkg/pool"
	"github.com/ysankpia/nervusdb/pkg/search"
)

// Vector index kinds.
const (
	VectorIndexFlat = "flat"
	VectorIndexHNSW = "hnsw"
)

// DefaultCheckpointWALBytes is the WAL size that triggers an automatic
// checkpoint when Options leaves it unset.
const DefaultCheckpointWALBytes = 64 << 20

// Options configures a Store.
type Options struct {
	// SyncWrites fsyncs the WAL on every commit.
	SyncWrites bool

	// WALCompression zstd-compresses WAL frames.
	WALCompression bool

	// CheckpointWALBytes triggers a checkpoint after a commit once the WAL
	// exceeds this size. Zero uses DefaultCheckpointWALBytes; negative
	// disables automatic checkpoints.
	CheckpointWALBytes int64

	// MemTableSize is the badger memtable size. Zero uses 16MB.
	MemTableSize int64

	// VectorIndex is VectorIndexFlat (exact search) or VectorIndexHNSW.
	VectorIndex string

	// HNSW configures the approximate index when VectorIndex is hnsw.
	HNSW search.HNSWConfig

	// Logger receives store events. Nil discards them.
	Logger *logging.Logger
}

// Store owns the files of one database: the badger main store, the WAL and
// the in-memory snapshot graph with its vector index.
//
// Any number of goroutines may read snapshots concurrently. At most one
// write transaction is active at a time; Begin fails fast with
// ErrWriteConflict while another one is open.
type Store struct {
	ndbPath string
	walPath string
	opts    Options
	log     *logging.Logger

	// writer is the single writer slot, held by the active Tx and by
	// maintenance operations.
	writer sync.Mutex
	closed atomic.Bool

	current atomic.Pointer[Graph]

	// Owned by the writer slot.
	base       *Graph // state held by the main store
	dirtyNodes *roaring64.Bitmap
	dirtyEdges *roaring64.Bitmap
	walSeq     uint64
	db         *badger.DB
	wal        *WAL

	hnsw        atomic.Pointer[search.HNSWIndex]
	hnswVersion atomic.Uint64 // snapshot version hnsw reflects; 0 while stale
}

// DerivePaths maps a database path to its main store and WAL paths:
// "x.ndb" and "x.wal" both give ("x.ndb", "x.wal"); any other path has its
// extension replaced by both.
func DerivePaths(path string) (ndb, wal string) {
	stem := strings.TrimSuffix(path, filepath.Ext(path))
	return stem + ".ndb", stem + ".wal"
}

// Open opens or creates the database at ndbPath/walPath, replaying the WAL
// on top of the main store.
func Open(ndbPath, walPath string, opts Options) (*Store, error) {
	s := &Store{
		ndbPath:    ndbPath,
		walPath:    walPath,
		opts:       opts,
		log:        opts.Logger.OrNoop().WithPath(ndbPath).WithComponent("storage"),
		dirtyNodes: roaring64.New(),
		dirtyEdges: roaring64.New(),
	}
	if s.opts.CheckpointWALBytes == 0 {
		s.opts.CheckpointWALBytes = DefaultCheckpointWALBytes
	}
	if s.opts.VectorIndex == "" {
		s.opts.VectorIndex = VectorIndexFlat
	}

	for _, dir := range []string{filepath.Dir(ndbPath), filepath.Dir(walPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr(err, "create directory")
		}
	}

	db, err := openBadger(ndbPath, opts)
	if err != nil {
		return nil, storageErr(err, "open main store")
	}
	s.db = db

	g, checkpointSeq, err := loadGraph(db, s.log.Logger)
	if err != nil {
		db.Close()
		return nil, storageErr(err, "load main store")
	}

	wal, err := OpenWAL(walPath, WALConfig{SyncWrites: opts.SyncWrites, Compress: opts.WALCompression})
	if err != nil {
		db.Close()
		return nil, storageErr(err, "open wal")
	}
	s.wal = wal

	s.base = g
	replayed, skipped := 0, 0
	s.walSeq = checkpointSeq
	cur := *g
	cur.version = 1
	err = wal.Replay(func(payload []byte) error {
		seq, ops, err := decodeTx(payload)
		if err != nil {
			return err
		}
		if seq <= checkpointSeq {
			skipped++
			return nil
		}
		if seq != s.walSeq+1 {
			return fmt.Errorf("%w: wal frame %d follows %d", ErrCorrupt, seq, s.walSeq)
		}
		for _, o := range ops {
			if err := applyOp(&cur, o, s.markDirty); err != nil {
				return fmt.Errorf("replay frame %d (%s): %w", seq, o.kind, err)
			}
		}
		cur.version++
		s.walSeq = seq
		replayed++
		return nil
	})
	if err != nil {
		wal.Close()
		db.Close()
		return nil, storageErr(err, "replay wal")
	}
	s.current.Store(&cur)

	if s.opts.VectorIndex == VectorIndexHNSW {
		s.rebuildHNSW(&cur)
	}

	stats := wal.Stats()
	s.log.Info("database opened",
		slog.String("wal", walPath),
		slog.Int("nodes", cur.NodeCount()),
		slog.Int("edges", cur.EdgeCount()),
		slog.Int("frames_replayed", replayed),
		slog.Int("frames_skipped", skipped),
		slog.Int64("wal_truncated_bytes", stats.TruncatedBytes))
	return s, nil
}

func storageErr(err error, what string) error {
	if err == nil {
		return nil
	}
	var de *dberr.Error
	if errors.As(err, &de) {
		return err
	}
	return dberr.Wrap(dberr.Storage, err, what)
}

func (s *Store) markDirty(n NodeID, e EdgeID) {
	if n != 0 {
		s.dirtyNodes.Add(uint64(n))
	}
	if e != 0 {
		s.dirtyEdges.Add(uint64(e))
	}
}

// NdbPath returns the main store path.
func (s *Store) NdbPath() string { return s.ndbPath }

// WalPath returns the WAL path.
func (s *Store) WalPath() string { return s.walPath }

// Closed reports whether Close has been called.
func (s *Store) Closed() bool { return s.closed.Load() }

// Snapshot returns the latest committed graph.
func (s *Store) Snapshot() (*Graph, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	return s.current.Load(), nil
}

// Begin starts the write transaction.
func (s *Store) Begin() (*Tx, error) {
	return s.begin(true)
}

func (s *Store) begin(logged bool) (*Tx, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if !s.writer.TryLock() {
		return nil, ErrWriteConflict
	}
	if s.closed.Load() {
		s.writer.Unlock()
		return nil, ErrClosed
	}
	return newTx(s, s.current.Load(), logged), nil
}

func (s *Store) release() { s.writer.Unlock() }

// acquire takes the writer slot for a maintenance operation.
func (s *Store) acquire() error {
	if s.closed.Load() {
		return ErrClosed
	}
	if !s.writer.TryLock() {
		return ErrWriteConflict
	}
	if s.closed.Load() {
		s.writer.Unlock()
		return ErrClosed
	}
	return nil
}

func (s *Store) commit(tx *Tx) error {
	defer s.release()

	prev := s.current.Load()
	if len(tx.ops) == 0 {
		tx.status = TxCommitted
		return nil
	}

	seq := s.walSeq + 1
	if tx.logged {
		payload, err := encodeTx(pool.GetByteBuffer(), seq, tx.ops)
		if err != nil {
			tx.status = TxAborted
			return dberr.Wrap(dberr.Execution, err, "encode transaction")
		}
		err = s.wal.Append(payload)
		pool.PutByteBuffer(payload)
		if err != nil {
			tx.status = TxAborted
			return storageErr(err, "append wal")
		}
		s.walSeq = seq
	}

	next := tx.g
	next.version = prev.version + 1
	s.current.Store(&next)
	tx.status = TxCommitted
	tx.ops = nil

	s.dirtyNodes.Or(tx.dirtyNodes)
	s.dirtyEdges.Or(tx.dirtyEdges)
	s.syncHNSW(prev, &next, tx.dirtyNodes)

	s.log.Debug("transaction committed",
		slog.Uint64("seq", seq),
		slog.Uint64("version", next.version),
		slog.Uint64("dirty_nodes", tx.dirtyNodes.GetCardinality()),
		slog.Uint64("dirty_edges", tx.dirtyEdges.GetCardinality()))

	if s.opts.CheckpointWALBytes > 0 && s.wal.Size() > s.opts.CheckpointWALBytes {
		if err := s.checkpointLocked(); err != nil {
			// The commit is durable in the WAL; the next checkpoint retries.
			s.log.Warn("automatic checkpoint failed", slog.Any("error", err))
		}
	}
	return nil
}

// rebuildHNSW indexes every vector of g.
func (s *Store) rebuildHNSW(g *Graph) {
	s.hnswVersion.Store(0)
	idx := search.NewHNSWIndex(g.VectorDim(), s.opts.HNSW)
	g.EachVector(func(id NodeID, e VectorEntry) bool {
		_ = idx.Add(uint64(id), e.Seq, e.Vector)
		return true
	})
	s.hnsw.Store(idx)
	s.hnswVersion.Store(g.version)
}

// syncHNSW brings the approximate index from prev to next.
func (s *Store) syncHNSW(prev, next *Graph, dirty *roaring64.Bitmap) {
	if s.opts.VectorIndex != VectorIndexHNSW {
		return
	}
	idx := s.hnsw.Load()
	if idx == nil || next.VectorDim() != idx.Dimensions() {
		s.rebuildHNSW(next)
		return
	}
	s.hnswVersion.Store(0)
	for it := dirty.Iterator(); it.HasNext(); {
		id := NodeID(it.Next())
		before, had := prev.vectors.Get(id)
		after, has := next.vectors.Get(id)
		switch {
		case has && (!had || !sameVector(before, after)):
			_ = idx.Add(uint64(id), after.Seq, after.Vector)
		case !has && had:
			idx.Remove(uint64(id))
		}
	}
	s.hnswVersion.Store(next.version)
}

// SearchVectors returns the k nearest vectors of g to query by Euclidean
// distance. The approximate index serves g only when it reflects exactly g;
// otherwise the search is exact over g's vectors.
func (s *Store) SearchVectors(ctx context.Context, g *Graph, query []float32, k int) ([]search.Result, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if g.VectorCount() > 0 && len(query) != g.VectorDim() {
		return nil, fmt.Errorf("%w: expected %d, got %d", ErrVectorDimension, g.VectorDim(), len(query))
	}
	if k <= 0 || g.VectorCount() == 0 {
		return []search.Result{}, nil
	}

	if idx := s.hnsw.Load(); idx != nil && g.version != 0 && s.hnswVersion.Load() == g.version {
		results, err := idx.Search(ctx, query, k)
		if err == nil && s.hnswVersion.Load() == g.version {
			return results, nil
		}
		if err != nil && ctx.Err() != nil {
			return nil, err
		}
	}
	return g.SearchExact(query, k), nil
}

// Checkpoint writes the committed state into the main store and truncates
// the WAL. It takes the writer slot.
func (s *Store) Checkpoint() error {
	if err := s.acquire(); err != nil {
		return err
	}
	defer s.release()
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	cur := s.current.Load()
	nodes, edges := s.dirtyNodes.GetCardinality(), s.dirtyEdges.GetCardinality()

	wb := s.db.NewWriteBatch()
	if err := s.writeDelta(wb, s.base, cur); err != nil {
		wb.Cancel()
		return storageErr(err, "checkpoint")
	}
	if err := wb.Flush(); err != nil {
		return storageErr(err, "checkpoint flush")
	}
	if err := s.db.Sync(); err != nil {
		return storageErr(err, "checkpoint sync")
	}
	if err := s.wal.Reset(); err != nil {
		return storageErr(err, "checkpoint truncate wal")
	}

	s.base = cur
	s.dirtyNodes.Clear()
	s.dirtyEdges.Clear()
	s.log.Info("checkpoint complete",
		slog.Uint64("version", cur.version),
		slog.Uint64("wal_seq", s.walSeq),
		slog.Uint64("nodes_written", nodes),
		slog.Uint64("edges_written", edges))
	return nil
}

func (s *Store) writeDelta(wb batchWriter, base, cur *Graph) error {
	if err := writeCatalogAndIndexes(wb, base, cur); err != nil {
		return err
	}
	for it := s.dirtyNodes.Iterator(); it.HasNext(); {
		if err := writeNodeDelta(wb, base, cur, NodeID(it.Next())); err != nil {
			return err
		}
	}
	for it := s.dirtyEdges.Iterator(); it.HasNext(); {
		if err := writeEdgeDelta(wb, base, cur, EdgeID(it.Next())); err != nil {
			return err
		}
	}
	return writeMeta(wb, cur, s.walSeq)
}

// Close checkpoints and closes the database. It fails with
// ErrWriteInProgress, leaving the database open, while a write transaction
// is active. Closing a closed store is a no-op.
func (s *Store) Close() error {
	if s.closed.Load() {
		return nil
	}
	if !s.writer.TryLock() {
		return ErrWriteInProgress
	}
	defer s.writer.Unlock()
	if s.closed.Swap(true) {
		return nil
	}

	var errs []error
	if err := s.checkpointLocked(); err != nil {
		errs = append(errs, err)
	}
	if err := s.wal.Close(); err != nil {
		errs = append(errs, storageErr(err, "close wal"))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, storageErr(err, "close main store"))
	}
	s.log.Info("database closed")
	return errors.Join(errs...)
}

// Stats describes the state of a Store.
type Stats struct {
	Version       uint64
	Nodes         int
	Edges         int
	Labels        int
	RelTypes      int
	Indexes       int
	Vectors       int
	VectorDim     int
	WALBytes      int64
	LSMBytes      int64
	ValueLogBytes int64
}

// Stats reports counts and file sizes.
func (s *Store) Stats() (Stats, error) {
	g, err := s.Snapshot()
	if err != nil {
		return Stats{}, err
	}
	lsm, vlog := s.db.Size()
	return Stats{
		Version:       g.version,
		Nodes:         g.NodeCount(),
		Edges:         g.EdgeCount(),
		Labels:        g.labelNames.Len(),
		RelTypes:      g.relNames.Len(),
		Indexes:       g.indexes.Len(),
		Vectors:       g.VectorCount(),
		VectorDim:     g.VectorDim(),
		WALBytes:      s.wal.Size(),
		LSMBytes:      lsm,
		ValueLogBytes: vlog,
	}, nil
}
