package storage

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func testPaths(t *testing.T) (string, string) {
	t.Helper()
	return DerivePaths(filepath.Join(t.TempDir(), "graph"))
}

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	ndb, wal := testPaths(t)
	s, err := Open(ndb, wal, opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// crash closes the files without checkpointing, leaving the WAL as the
// only record of recent commits.
func crash(t *testing.T, s *Store) {
	t.Helper()
	s.closed.Store(true)
	require.NoError(t, s.wal.Close())
	require.NoError(t, s.db.Close())
}

func snapshot(t *testing.T, s *Store) *Graph {
	t.Helper()
	g, err := s.Snapshot()
	require.NoError(t, err)
	return g
}

// seedPeople commits alice-[KNOWS]->bob and returns their ids.
func seedPeople(t *testing.T, s *Store) (alice, bob NodeID) {
	t.Helper()
	tx, err := s.Begin()
	require.NoError(t, err)
	person, err := tx.GetOrCreateLabel("Person")
	require.NoError(t, err)
	knows, err := tx.GetOrCreateRelType("KNOWS")
	require.NoError(t, err)
	alice, err = tx.CreateNode(1, person)
	require.NoError(t, err)
	bob, err = tx.CreateNode(2, person)
	require.NoError(t, err)
	require.NoError(t, tx.SetNodeProperty(alice, "name", value.String("Alice")))
	require.NoError(t, tx.SetNodeProperty(bob, "name", value.String("Bob")))
	e, err := tx.CreateEdge(alice, knows, bob)
	require.NoError(t, err)
	require.NoError(t, tx.SetEdgeProperty(e, "since", value.Int(2020)))
	require.NoError(t, tx.Commit())
	return alice, bob
}

func TestDerivePaths(t *testing.T) {
	tests := []struct {
		in       string
		ndb, wal string
	}{
		{"x.ndb", "x.ndb", "x.wal"},
		{"x.wal", "x.ndb", "x.wal"},
		{"dir/x", "dir/x.ndb", "dir/x.wal"},
		{"dir/x.db", "dir/x.ndb", "dir/x.wal"},
	}
	for _, tc := range tests {
		ndb, wal := DerivePaths(tc.in)
		assert.Equal(t, tc.ndb, ndb, tc.in)
		assert.Equal(t, tc.wal, wal, tc.in)
	}
}

func TestStoreCommitVisibility(t *testing.T) {
	s := openTestStore(t, Options{})
	before := snapshot(t, s)

	alice, bob := seedPeople(t, s)
	g := snapshot(t, s)

	assert.Equal(t, 0, before.NodeCount(), "old snapshot is unchanged")
	assert.Equal(t, 2, g.NodeCount())
	assert.Equal(t, 1, g.EdgeCount())
	assert.Greater(t, g.Version(), before.Version())

	n, ok := g.Node(alice)
	require.True(t, ok)
	assert.Equal(t, value.String("Alice"), n.Prop("name"))
	assert.Equal(t, []string{"Person"}, g.LabelNames(n))

	byExt, ok := g.NodeByExternalID(2)
	require.True(t, ok)
	assert.Equal(t, bob, byExt.ID)

	out := g.OutEdges(alice)
	e, ok := out.Next()
	require.True(t, ok)
	assert.Equal(t, bob, e.Dst)
	assert.Equal(t, value.Int(2020), e.Prop("since"))
	_, ok = out.Next()
	assert.False(t, ok)
	_, ok = out.Next()
	assert.False(t, ok, "exhausted iterator stays exhausted")
}

func TestTxStagedReads(t *testing.T) {
	s := openTestStore(t, Options{})
	tx, err := s.Begin()
	require.NoError(t, err)
	defer tx.Rollback()

	id, err := tx.CreateNode(0)
	require.NoError(t, err)

	staged, err := tx.Graph()
	require.NoError(t, err)
	_, ok := staged.Node(id)
	assert.True(t, ok, "transaction sees its own write")
	assert.Equal(t, 0, snapshot(t, s).NodeCount(), "readers do not")
	assert.Zero(t, staged.Version())
}

func TestTxLifecycle(t *testing.T) {
	s := openTestStore(t, Options{})

	t.Run("rollback_discards", func(t *testing.T) {
		tx, err := s.Begin()
		require.NoError(t, err)
		l, err := tx.GetOrCreateLabel("Ghost")
		require.NoError(t, err)
		_, err = tx.CreateNode(0, l)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
		assert.Equal(t, TxRolledBack, tx.Status())

		g := snapshot(t, s)
		assert.Equal(t, 0, g.NodeCount())
		_, ok := g.LabelID("Ghost")
		assert.False(t, ok, "catalog entries roll back too")
	})

	t.Run("finished_transaction", func(t *testing.T) {
		tx, err := s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		err = tx.Commit()
		assert.ErrorIs(t, err, ErrTxFinished)
		assert.ErrorIs(t, err, dberr.Storage)
		assert.Contains(t, err.Error(), "transaction already finished")
		assert.ErrorIs(t, tx.Rollback(), ErrTxFinished)
		_, err = tx.CreateNode(0)
		assert.ErrorIs(t, err, ErrTxFinished)

		tx, err = s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Equal(t, TxCommitted, tx.Status())
		assert.ErrorIs(t, tx.Commit(), ErrTxFinished)
	})

	t.Run("single_writer", func(t *testing.T) {
		tx, err := s.Begin()
		require.NoError(t, err)

		_, err = s.Begin()
		assert.ErrorIs(t, err, ErrWriteConflict)
		assert.ErrorIs(t, s.Checkpoint(), ErrWriteConflict)

		require.NoError(t, tx.Rollback())
		tx, err = s.Begin()
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
	})

	t.Run("failed_op_leaves_tx_usable", func(t *testing.T) {
		tx, err := s.Begin()
		require.NoError(t, err)
		defer tx.Rollback()

		assert.ErrorIs(t, tx.SetNodeProperty(999, "x", value.Int(1)), ErrNotFound)
		id, err := tx.CreateNode(0)
		require.NoError(t, err)
		err = tx.SetNodeProperty(id, "bad", value.Node{ID: uint64(id)})
		assert.ErrorIs(t, err, ErrNotStorable)
		assert.ErrorIs(t, err, dberr.Execution)
		require.NoError(t, tx.SetNodeProperty(id, "ok", value.Int(1)))
	})
}

func TestConcurrentReaders(t *testing.T) {
	s := openTestStore(t, Options{})
	seedPeople(t, s)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				g, err := s.Snapshot()
				if !assert.NoError(t, err) {
					return
				}
				// a snapshot is internally consistent
				count := 0
				it := g.Nodes()
				for _, ok := it.Next(); ok; _, ok = it.Next() {
					count++
				}
				assert.Equal(t, g.NodeCount(), count)
			}
		}()
	}
	for i := 0; i < 20; i++ {
		tx, err := s.Begin()
		require.NoError(t, err)
		_, err = tx.CreateNode(0)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
	}
	wg.Wait()
	assert.Equal(t, 22, snapshot(t, s).NodeCount())
}

func TestDurability(t *testing.T) {
	t.Run("reopen_after_close", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		alice, _ := seedPeople(t, s)
		require.NoError(t, s.Close())

		s, err = Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.EdgeCount())
		n, ok := g.Node(alice)
		require.True(t, ok)
		assert.Equal(t, value.String("Alice"), n.Prop("name"))
	})

	t.Run("crash_replays_wal", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{SyncWrites: true, WALCompression: true})
		require.NoError(t, err)
		alice, bob := seedPeople(t, s)
		tx, err := s.Begin()
		require.NoError(t, err)
		_, err = tx.TombstoneNode(bob)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		crash(t, s)

		s, err = Open(ndb, wal, Options{WALCompression: true})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.Equal(t, 1, g.NodeCount())
		assert.Equal(t, 0, g.EdgeCount())
		_, ok := g.Node(alice)
		assert.True(t, ok)

		// ids keep growing after replay
		tx, err = s.Begin()
		require.NoError(t, err)
		id, err := tx.CreateNode(0)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		assert.Greater(t, id, bob)
	})

	t.Run("missing_main_store", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		seedPeople(t, s)
		crash(t, s)
		require.NoError(t, os.RemoveAll(ndb))

		s, err = Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.EdgeCount())
	})

	t.Run("checkpoint_then_crash", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		seedPeople(t, s)
		require.NoError(t, s.Checkpoint())
		assert.Equal(t, int64(walHeaderSize), s.wal.Size())

		tx, err := s.Begin()
		require.NoError(t, err)
		_, err = tx.CreateNode(3)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		crash(t, s)

		s, err = Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.Equal(t, 3, g.NodeCount())
		_, ok := g.NodeByExternalID(3)
		assert.True(t, ok)
	})

	t.Run("indexes_and_vectors_persist", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		alice, _ := seedPeople(t, s)
		tx, err := s.Begin()
		require.NoError(t, err)
		person, _ := tx.GetOrCreateLabel("Person")
		_, err = tx.CreateIndex(person, "name")
		require.NoError(t, err)
		require.NoError(t, tx.SetVector(alice, []float32{1, 2, 3}))
		require.NoError(t, tx.Commit())
		require.NoError(t, s.Close())

		s, err = Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.True(t, g.HasIndex(person, "name"))
		assert.Equal(t, []NodeID{alice}, g.IndexLookup(person, "name", value.String("Alice")))
		vec, ok := g.Vector(alice)
		require.True(t, ok)
		assert.Equal(t, []float32{1, 2, 3}, vec)
		assert.Equal(t, 3, g.VectorDim())
	})

	t.Run("wal_without_its_checkpoint", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		createLabeled := func() {
			tx := begin(t, s)
			a, err := tx.GetOrCreateLabel("A")
			require.NoError(t, err)
			_, err = tx.CreateNode(0, a)
			require.NoError(t, err)
			require.NoError(t, tx.Commit())
		}
		createLabeled()
		require.NoError(t, s.Checkpoint())
		createLabeled()
		createLabeled()
		crash(t, s)

		raw, err := os.ReadFile(wal)
		require.NoError(t, err)
		otherNdb, otherWal := testPaths(t)
		require.NoError(t, os.WriteFile(otherWal, raw, 0o644))

		_, err = Open(otherNdb, otherWal, Options{})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrCorrupt)
	})
}

func TestApplyOpRejectsUnknownCatalogIDs(t *testing.T) {
	g := *newGraph()
	noop := func(NodeID, EdgeID) {}
	require.NoError(t, applyOp(&g, op{kind: opCreateNode, node: 1}, noop))
	require.NoError(t, applyOp(&g, op{kind: opCreateNode, node: 2}, noop))

	t.Run("label", func(t *testing.T) {
		err := applyOp(&g, op{kind: opAddLabel, node: 1, label: 0}, noop)
		assert.ErrorIs(t, err, ErrCorrupt)
		require.NoError(t, applyOp(&g, op{kind: opCreateLabel, label: 0, name: "A"}, noop))
		require.NoError(t, applyOp(&g, op{kind: opAddLabel, node: 1, label: 0}, noop))
		err = applyOp(&g, op{kind: opRemoveLabel, node: 1, label: 7}, noop)
		assert.ErrorIs(t, err, ErrCorrupt)
	})

	t.Run("relationship_type", func(t *testing.T) {
		err := applyOp(&g, op{kind: opCreateEdge, edge: 1, node: 1, dst: 2, label: 0}, noop)
		assert.ErrorIs(t, err, ErrCorrupt)
		require.NoError(t, applyOp(&g, op{kind: opCreateRelType, label: 0, name: "R"}, noop))
		require.NoError(t, applyOp(&g, op{kind: opCreateEdge, edge: 1, node: 1, dst: 2, label: 0}, noop))
	})
}

func TestAutomaticCheckpoint(t *testing.T) {
	s := openTestStore(t, Options{CheckpointWALBytes: 1})
	seedPeople(t, s)
	assert.Equal(t, int64(walHeaderSize), s.wal.Size())

	disabled := openTestStore(t, Options{CheckpointWALBytes: -1})
	seedPeople(t, disabled)
	assert.Greater(t, disabled.wal.Size(), int64(walHeaderSize))
}

func TestClose(t *testing.T) {
	t.Run("active_transaction", func(t *testing.T) {
		s := openTestStore(t, Options{})
		tx, err := s.Begin()
		require.NoError(t, err)

		err = s.Close()
		assert.ErrorIs(t, err, ErrWriteInProgress)
		assert.ErrorIs(t, err, dberr.Storage)
		assert.False(t, s.Closed())

		_, err = tx.CreateNode(0)
		require.NoError(t, err, "database stays usable")
		require.NoError(t, tx.Commit())
		require.NoError(t, s.Close())
	})

	t.Run("closed_store", func(t *testing.T) {
		s := openTestStore(t, Options{})
		require.NoError(t, s.Close())
		require.NoError(t, s.Close(), "second close is a no-op")

		_, err := s.Begin()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Snapshot()
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.Checkpoint(), ErrClosed)
		_, err = s.Compact()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Stats()
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.SearchVectors(context.Background(), newGraph(), []float32{1}, 1)
		assert.ErrorIs(t, err, ErrClosed)
		_, err = s.Backup(t.TempDir())
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestStats(t *testing.T) {
	s := openTestStore(t, Options{})
	seedPeople(t, s)
	st, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, st.Nodes)
	assert.Equal(t, 1, st.Edges)
	assert.Equal(t, 1, st.Labels)
	assert.Equal(t, 1, st.RelTypes)
	assert.Greater(t, st.WALBytes, int64(walHeaderSize))
}
