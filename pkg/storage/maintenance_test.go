package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/value"
)

func TestCompact(t *testing.T) {
	ndb, wal := testPaths(t)
	s, err := Open(ndb, wal, Options{})
	require.NoError(t, err)
	alice, bob := seedPeople(t, s)

	tx := begin(t, s)
	_, err = tx.TombstoneNode(bob)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	stats, err := s.Compact()
	require.NoError(t, err)
	assert.Equal(t, 1, stats.NodesRemoved)
	assert.Equal(t, 1, stats.EdgesRemoved)

	g := snapshot(t, s)
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, 1, g.nodes.Len(), "tombstoned record is gone")
	assert.Equal(t, 0, g.edges.Len())

	again, err := s.Compact()
	require.NoError(t, err)
	assert.Zero(t, again.NodesRemoved)
	require.NoError(t, s.Close())

	s, err = Open(ndb, wal, Options{})
	require.NoError(t, err)
	defer s.Close()
	g = snapshot(t, s)
	assert.Equal(t, 1, g.nodes.Len())
	_, ok := g.Node(alice)
	assert.True(t, ok)

	// ids are not reused after compaction
	tx = begin(t, s)
	id, err := tx.CreateNode(0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.Greater(t, id, bob)
}

func TestVacuum(t *testing.T) {
	ndb, wal := testPaths(t)
	s, err := Open(ndb, wal, Options{})
	require.NoError(t, err)
	alice, bob := seedPeople(t, s)
	tx := begin(t, s)
	_, err = tx.TombstoneNode(bob)
	require.NoError(t, err)
	person, _ := tx.GetOrCreateLabel("Person")
	_, err = tx.CreateIndex(person, "name")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.NoError(t, s.Close())

	report, err := Vacuum(ndb, wal, Options{})
	require.NoError(t, err)
	assert.Equal(t, ndb, report.NdbPath)
	assert.Equal(t, 1, report.CopiedNodes)
	assert.Equal(t, 0, report.CopiedEdges)
	assert.Positive(t, report.OldFilePages)
	assert.Positive(t, report.NewFilePages)
	assert.DirExists(t, report.BackupPath)

	matches, err := filepath.Glob(ndb + ".vacuum.tmp.*")
	require.NoError(t, err)
	assert.Empty(t, matches)

	s, err = Open(ndb, wal, Options{})
	require.NoError(t, err)
	defer s.Close()
	g := snapshot(t, s)
	assert.Equal(t, 1, g.NodeCount())
	assert.Equal(t, []NodeID{alice}, g.IndexLookup(person, "name", value.String("Alice")))

	t.Run("missing_database", func(t *testing.T) {
		ndb, wal := testPaths(t)
		_, err := Vacuum(ndb, wal, Options{})
		assert.Error(t, err)
	})
}

func TestBackupRestore(t *testing.T) {
	s := openTestStore(t, Options{})
	alice, _ := seedPeople(t, s)
	tx := begin(t, s)
	require.NoError(t, tx.SetVector(alice, []float32{0.5, 1}))
	require.NoError(t, tx.Commit())

	dir := t.TempDir()
	info, err := s.Backup(dir)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 1, info.FileCount)
	assert.Positive(t, info.SizeBytes)
	assert.Equal(t, 2, info.Nodes)
	assert.Equal(t, BackupComplete, info.Status)

	// writes after the backup are not part of it
	tx = begin(t, s)
	_, err = tx.CreateNode(0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	second, err := s.Backup(dir)
	require.NoError(t, err)

	list, err := ListBackups(dir)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, info.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	t.Run("restore", func(t *testing.T) {
		ndb, wal := testPaths(t)
		m, err := Restore(info.Dir, ndb, wal, Options{})
		require.NoError(t, err)
		assert.Equal(t, info.ID, m.ID)

		r, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer r.Close()
		g := snapshot(t, r)
		assert.Equal(t, 2, g.NodeCount())
		assert.Equal(t, 1, g.EdgeCount())
		vec, ok := g.Vector(alice)
		require.True(t, ok)
		assert.Equal(t, []float32{0.5, 1}, vec)
	})

	t.Run("restore_refuses_existing_target", func(t *testing.T) {
		ndb, wal := testPaths(t)
		require.NoError(t, os.MkdirAll(ndb, 0o755))
		_, err := Restore(info.Dir, ndb, wal, Options{})
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("corrupt_backup", func(t *testing.T) {
		data := filepath.Join(second.Dir, backupDataFile)
		raw, err := os.ReadFile(data)
		require.NoError(t, err)
		raw[len(raw)/2] ^= 0xFF
		require.NoError(t, os.WriteFile(data, raw, 0o644))

		_, err = VerifyBackup(second.Dir)
		assert.ErrorIs(t, err, ErrBackupCorrupt)
		ndb, wal := testPaths(t)
		_, err = Restore(second.Dir, ndb, wal, Options{})
		assert.ErrorIs(t, err, ErrCorrupt)
		assert.NoDirExists(t, ndb)
	})

	t.Run("list_missing_dir", func(t *testing.T) {
		list, err := ListBackups(filepath.Join(t.TempDir(), "none"))
		require.NoError(t, err)
		assert.Empty(t, list)
	})
}

func TestBulkload(t *testing.T) {
	nodes := []BulkNode{
		{ExternalID: 10, Labels: []string{"Person"}, Props: map[string]value.Value{"name": value.String("Alice")}},
		{ExternalID: 20, Labels: []string{"Person", "Admin"}, Props: map[string]value.Value{"name": value.String("Bob")}},
		{ExternalID: 30},
	}
	edges := []BulkEdge{
		{Src: 10, Type: "KNOWS", Dst: 20, Props: map[string]value.Value{"since": value.Int(2020)}},
		{Src: 20, Type: "OWNS", Dst: 30},
	}

	t.Run("loads_graph", func(t *testing.T) {
		ndb, wal := testPaths(t)
		stats, err := Bulkload(ndb, wal, nodes, edges, Options{})
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Nodes)
		assert.Equal(t, 2, stats.Edges)

		info, err := os.Stat(wal)
		require.NoError(t, err)
		assert.Equal(t, int64(walHeaderSize), info.Size(), "wal is left empty")

		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		defer s.Close()
		g := snapshot(t, s)
		assert.Equal(t, 3, g.NodeCount())
		assert.Equal(t, 2, g.EdgeCount())
		bob, ok := g.NodeByExternalID(20)
		require.True(t, ok)
		assert.ElementsMatch(t, []string{"Person", "Admin"}, g.LabelNames(bob))
		alice, _ := g.NodeByExternalID(10)
		knows, _ := g.RelTypeID("KNOWS")
		e, ok := g.FindEdge(alice.ID, knows, bob.ID)
		require.True(t, ok)
		assert.Equal(t, value.Int(2020), e.Prop("since"))
	})

	t.Run("existing_target", func(t *testing.T) {
		ndb, wal := testPaths(t)
		s, err := Open(ndb, wal, Options{})
		require.NoError(t, err)
		require.NoError(t, s.Close())
		_, err = Bulkload(ndb, wal, nodes, edges, Options{})
		assert.ErrorIs(t, err, ErrExists)
	})

	t.Run("duplicate_external_id", func(t *testing.T) {
		ndb, wal := testPaths(t)
		dup := append([]BulkNode{}, nodes...)
		dup = append(dup, BulkNode{ExternalID: 10})
		_, err := Bulkload(ndb, wal, dup, nil, Options{})
		assert.ErrorIs(t, err, ErrDuplicateID)
		assert.NoDirExists(t, ndb)
	})

	t.Run("dangling_edge", func(t *testing.T) {
		ndb, wal := testPaths(t)
		_, err := Bulkload(ndb, wal, nodes, []BulkEdge{{Src: 10, Type: "KNOWS", Dst: 99}}, Options{})
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoFileExists(t, wal)
	})
}
