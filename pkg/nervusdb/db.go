// Package nervusdb provides the main API for embedded NervusDB usage.
//
// A database is a pair of files: the main store (".ndb") and the write-ahead
// log (".wal"). Committed writes are appended to the WAL and folded into the
// main store at checkpoint time; opening a database replays whatever the WAL
// still holds.
//
// Key Features:
//   - Property graph with labels, relationship types and typed properties
//   - Cypher subset: MATCH, OPTIONAL MATCH, WITH, UNWIND, UNION, CREATE,
//     MERGE, SET, REMOVE, DELETE, CREATE INDEX and EXPLAIN
//   - Snapshot isolation: readers never block and never see uncommitted data
//   - A single writer at a time
//   - Property indexes and vector k-nearest-neighbour search
//   - Backup, restore, vacuum and bulk loading
//
// Example Usage:
//
//	db, err := nervusdb.Open("./data/graph")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	n, err := db.ExecuteWrite(ctx, "CREATE (:Person {name: $name})", map[string]any{"name": "Alice"})
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	res, err := db.Query(ctx, "MATCH (p:Person) RETURN p.name AS name", nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	for _, rec := range res.Records() {
//		fmt.Println(rec["name"])
//	}
//
// Explicit transactions:
//
//	tx, err := db.BeginWrite()
//	if err != nil {
//		return err
//	}
//	defer tx.Rollback()
//	if _, err := tx.ExecuteWrite(ctx, "MATCH (p:Person) SET p.seen = true", nil); err != nil {
//		return err
//	}
//	return tx.Commit()
//
// Only one write transaction may be open at a time; BeginWrite fails with
// ErrWriteConflict while another is active.
package nervusdb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/ysankpia/nervusdb/pkg/config"
	"github.com/ysankpia/nervusdb/pkg/cypher"
	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/logging"
	"github.com/ysankpia/nervusdb/pkg/search"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Errors
var (
	ErrClosed          = storage.ErrClosed
	ErrTxFinished      = storage.ErrTxFinished
	ErrWriteConflict   = storage.ErrWriteConflict
	ErrWriteInProgress = storage.ErrWriteInProgress
	ErrNotFound        = storage.ErrNotFound
	ErrReadOnly        = cypher.ErrReadOnly
)

// DB is an open NervusDB database. It is safe for concurrent use.
type DB struct {
	mu     sync.RWMutex
	closed bool

	path   string
	cfg    *config.Config
	log    *logging.Logger
	store  *storage.Store
	cypher *cypher.Executor
}

// Open opens or creates the database at path. The path may name the main
// store ("x.ndb"), the WAL ("x.wal") or neither ("x"); the other file is
// derived from it. Settings come from the NERVUSDB_* environment.
func Open(path string) (*DB, error) {
	return OpenWithConfig(path, nil)
}

// OpenPaths opens or creates a database whose main store and WAL live at
// independent paths.
func OpenPaths(ndbPath, walPath string) (*DB, error) {
	return openPaths(ndbPath, ndbPath, walPath, nil)
}

// OpenWithConfig opens path with explicit settings. A nil cfg reads the
// environment.
func OpenWithConfig(path string, cfg *config.Config) (*DB, error) {
	ndb, wal := storage.DerivePaths(path)
	return openPaths(path, ndb, wal, cfg)
}

func openPaths(path, ndbPath, walPath string, cfg *config.Config) (*DB, error) {
	if cfg == nil {
		cfg = config.LoadFromEnv()
	}
	if err := cfg.Validate(); err != nil {
		return nil, dberr.Wrap(dberr.Execution, err, "invalid configuration")
	}
	log := logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)

	store, err := storage.Open(ndbPath, walPath, storageOptions(cfg, log))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db := &DB{
		path:  path,
		cfg:   cfg,
		log:   log.WithPath(ndbPath),
		store: store,
		cypher: cypher.NewExecutor(cypher.Options{
			PlanCacheSize: cfg.Query.PlanCacheSize,
			PlanCacheTTL:  cfg.Query.PlanCacheTTL,
			MaxVarLength:  cfg.Query.MaxVarLength,
			Logger:        log,
		}),
	}
	db.log.Debug("database ready", slog.String("config", cfg.String()))
	return db, nil
}

// storageOptions translates configuration into store options.
func storageOptions(cfg *config.Config, log *logging.Logger) storage.Options {
	checkpoint := cfg.Storage.CheckpointWALBytes
	if checkpoint == 0 {
		checkpoint = -1
	}
	hnsw := search.DefaultHNSWConfig()
	hnsw.M = cfg.Vector.M
	hnsw.EfConstruction = cfg.Vector.EfConstruction
	hnsw.EfSearch = cfg.Vector.EfSearch
	hnsw.Seed = cfg.Vector.Seed
	return storage.Options{
		SyncWrites:         cfg.Storage.SyncWrites,
		WALCompression:     cfg.Storage.WALCompression,
		CheckpointWALBytes: checkpoint,
		MemTableSize:       cfg.Storage.MemTableSize,
		VectorIndex:        cfg.Vector.Index,
		HNSW:               hnsw,
		Logger:             log,
	}
}

// Path returns the path the database was opened with.
func (db *DB) Path() string { return db.path }

// NdbPath returns the main store path.
func (db *DB) NdbPath() string { return db.store.NdbPath() }

// WalPath returns the WAL path.
func (db *DB) WalPath() string { return db.store.WalPath() }

// Config returns the settings the database was opened with.
func (db *DB) Config() *config.Config { return db.cfg }

// Result holds the rows of a statement.
type Result struct {
	Columns []string          `json:"columns"`
	Rows    [][]value.Value   `json:"rows"`
	Stats   cypher.QueryStats `json:"stats"`
}

// Record is one row keyed by column name.
type Record map[string]value.Value

// Records returns the rows keyed by column name.
func (r *Result) Records() []Record {
	out := make([]Record, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = makeRecord(r.Columns, row)
	}
	return out
}

func makeRecord(columns []string, row []value.Value) Record {
	rec := make(Record, len(columns))
	for i, c := range columns {
		rec[c] = row[i]
	}
	return rec
}

// convertParams turns native Go parameters into query values.
func convertParams(params map[string]any) (map[string]value.Value, error) {
	if len(params) == 0 {
		return nil, nil
	}
	out := make(map[string]value.Value, len(params))
	for k, v := range params {
		cv, err := value.FromGo(v)
		if err != nil {
			return nil, dberr.Wrap(dberr.Execution, err, fmt.Sprintf("parameter $%s", k))
		}
		out[k] = cv
	}
	return out, nil
}

func (db *DB) snapshot() (*storage.Graph, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	return db.store.Snapshot()
}

// Query runs a read-only statement against the latest committed snapshot
// and returns all of its rows.
func (db *DB) Query(ctx context.Context, query string, params map[string]any) (*Result, error) {
	g, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	return db.run(ctx, query, cypher.Source{Graph: g}, params)
}

func (db *DB) run(ctx context.Context, query string, src cypher.Source, params map[string]any) (*Result, error) {
	p, err := convertParams(params)
	if err != nil {
		return nil, err
	}
	res, err := db.cypher.Execute(ctx, query, src, p)
	if err != nil {
		return nil, err
	}
	rows, err := res.Collect()
	if err != nil {
		return nil, err
	}
	return &Result{Columns: res.Columns(), Rows: rows, Stats: res.Stats()}, nil
}

// QueryStream runs a read-only statement and returns a lazy row stream.
func (db *DB) QueryStream(ctx context.Context, query string, params map[string]any) (*Stream, error) {
	g, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	p, err := convertParams(params)
	if err != nil {
		return nil, err
	}
	plan, err := db.cypher.Prepare(query)
	if err != nil {
		return nil, err
	}
	res, err := db.cypher.Run(ctx, plan, cypher.Source{Graph: g}, p)
	if err != nil {
		return nil, err
	}
	return newStream(res, func() (*cypher.Result, error) {
		return db.cypher.Run(ctx, plan, cypher.Source{Graph: g}, p)
	}), nil
}

// ExecuteWrite runs a statement in an implicit write transaction and
// returns the number of changes it made.
func (db *DB) ExecuteWrite(ctx context.Context, query string, params map[string]any) (int, error) {
	tx, err := db.BeginWrite()
	if err != nil {
		return 0, err
	}
	n, err := tx.ExecuteWrite(ctx, query, params)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

// BeginWrite starts the write transaction. It fails with ErrWriteConflict
// while another write transaction is open.
func (db *DB) BeginWrite() (*Tx, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, ErrClosed
	}
	stx, err := db.store.Begin()
	if err != nil {
		return nil, err
	}
	return &Tx{db: db, tx: stx}, nil
}

// update runs fn in an implicit write transaction.
func (db *DB) update(fn func(tx *Tx) error) error {
	tx, err := db.BeginWrite()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SetVector attaches an embedding to a node in its own transaction.
func (db *DB) SetVector(id storage.NodeID, vec []float32) error {
	return db.update(func(tx *Tx) error { return tx.SetVector(id, vec) })
}

// VectorHit is one vector search result.
type VectorHit struct {
	ID       storage.NodeID `json:"id"`
	Distance float64        `json:"distance"`
}

// SearchVector returns the k nodes nearest to query by Euclidean distance,
// closest first. Fewer than k hits are returned when fewer vectors exist.
func (db *DB) SearchVector(ctx context.Context, query []float32, k int) ([]VectorHit, error) {
	g, err := db.snapshot()
	if err != nil {
		return nil, err
	}
	results, err := db.store.SearchVectors(ctx, g, query, k)
	if err != nil {
		return nil, err
	}
	hits := make([]VectorHit, len(results))
	for i, r := range results {
		hits[i] = VectorHit{ID: storage.NodeID(r.ID), Distance: r.Distance}
	}
	return hits, nil
}

// CreateIndex indexes property on nodes labelled label, backfilling
// existing nodes. Creating an existing index is a no-op.
func (db *DB) CreateIndex(label, property string) error {
	return db.update(func(tx *Tx) error {
		lid, err := tx.GetOrCreateLabel(label)
		if err != nil {
			return err
		}
		created, err := tx.tx.CreateIndex(lid, property)
		if err == nil && created {
			db.log.Info("index created", slog.String("label", label), slog.String("property", property))
		}
		return err
	})
}

// Checkpoint folds the WAL into the main store and truncates it.
func (db *DB) Checkpoint() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return ErrClosed
	}
	return db.store.Checkpoint()
}

// Compact checkpoints and drops tombstoned records from the main store.
func (db *DB) Compact() (storage.CompactStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.CompactStats{}, ErrClosed
	}
	return db.store.Compact()
}

// Backup writes a point-in-time copy of the committed state under dir.
func (db *DB) Backup(dir string) (storage.BackupInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return storage.BackupInfo{}, ErrClosed
	}
	return db.store.Backup(dir)
}

// DBStats describes an open database.
type DBStats struct {
	storage.Stats
	PlanCache PlanCacheStats `json:"plan_cache"`
}

// PlanCacheStats reports compiled statement reuse.
type PlanCacheStats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Stats returns current database statistics.
func (db *DB) Stats() (DBStats, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return DBStats{}, ErrClosed
	}
	s, err := db.store.Stats()
	if err != nil {
		return DBStats{}, err
	}
	cs := db.cypher.CacheStats()
	return DBStats{
		Stats: s,
		PlanCache: PlanCacheStats{
			Size:    cs.Size,
			Hits:    cs.Hits,
			Misses:  cs.Misses,
			HitRate: cs.HitRate,
		},
	}, nil
}

// Close checkpoints and closes the database. It fails with
// ErrWriteInProgress, leaving the database open, while a write transaction
// is active. Closing twice is a no-op.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil
	}
	if err := db.store.Close(); err != nil {
		return err
	}
	db.closed = true
	return nil
}
