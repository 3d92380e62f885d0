package nervusdb

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/config"
	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Storage.SyncWrites = false
	cfg.Logging.Level = "error"
	return cfg
}

func openTestDB(t *testing.T, path string) *DB {
	t.Helper()
	db, err := OpenWithConfig(path, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func names(t *testing.T, res *Result) []string {
	t.Helper()
	var out []string
	for _, row := range res.Rows {
		s, ok := row[0].(value.String)
		require.True(t, ok, "want string, got %v", row[0])
		out = append(out, string(s))
	}
	return out
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("derives_paths", func(t *testing.T) {
		base := filepath.Join(t.TempDir(), "graph")
		db := openTestDB(t, base+".ndb")
		assert.Equal(t, base+".ndb", db.Path())
		assert.Equal(t, base+".ndb", db.NdbPath())
		assert.Equal(t, base+".wal", db.WalPath())
	})

	t.Run("independent_paths", func(t *testing.T) {
		dir := t.TempDir()
		ndb := filepath.Join(dir, "data", "main.ndb")
		wal := filepath.Join(dir, "logs", "journal.wal")
		require.NoError(t, os.MkdirAll(filepath.Dir(ndb), 0o755))
		require.NoError(t, os.MkdirAll(filepath.Dir(wal), 0o755))
		db, err := OpenPaths(ndb, wal)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, ndb, db.NdbPath())
		assert.Equal(t, wal, db.WalPath())

		_, err = db.ExecuteWrite(ctx, "CREATE (:T)", nil)
		require.NoError(t, err)
		_, err = os.Stat(wal)
		assert.NoError(t, err)
	})

	t.Run("invalid_config", func(t *testing.T) {
		cfg := testConfig()
		cfg.Vector.Index = "ivf"
		_, err := OpenWithConfig(filepath.Join(t.TempDir(), "g"), cfg)
		assert.Error(t, err)
	})
}

func TestDurability(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph")

	db, err := OpenWithConfig(path, testConfig())
	require.NoError(t, err)
	n, err := db.ExecuteWrite(ctx, "CREATE (a:Person {name: 'Alice', age: 30})-[:KNOWS]->(b:Person {name: 'Bob'})", nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	_, err = db.ExecuteWrite(ctx, "MATCH (p:Person {name: 'Bob'}) SET p.age = $age", map[string]any{"age": 25})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openTestDB(t, path)
	res, err := db.Query(ctx, "MATCH (a)-[:KNOWS]->(b) RETURN a.name, b.name, b.age", nil)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, Record{"a.name": value.String("Alice"), "b.name": value.String("Bob"), "b.age": value.Int(25)}, res.Records()[0])
}

func TestTransactions(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))

	t.Run("snapshot_isolation", func(t *testing.T) {
		tx, err := db.BeginWrite()
		require.NoError(t, err)
		_, err = tx.ExecuteWrite(ctx, "CREATE (:Item {name: 'staged'})", nil)
		require.NoError(t, err)

		inside, err := tx.Query(ctx, "MATCH (i:Item) RETURN i.name", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"staged"}, names(t, inside))

		outside, err := db.Query(ctx, "MATCH (i:Item) RETURN i.name", nil)
		require.NoError(t, err)
		assert.Empty(t, outside.Rows)

		require.NoError(t, tx.Commit())
		after, err := db.Query(ctx, "MATCH (i:Item) RETURN i.name", nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"staged"}, names(t, after))
	})

	t.Run("rollback_discards", func(t *testing.T) {
		tx, err := db.BeginWrite()
		require.NoError(t, err)
		_, err = tx.ExecuteWrite(ctx, "CREATE (:Ghost)", nil)
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())

		res, err := db.Query(ctx, "MATCH (g:Ghost) RETURN count(g)", nil)
		require.NoError(t, err)
		assert.Equal(t, value.Int(0), res.Rows[0][0])
	})

	t.Run("single_writer", func(t *testing.T) {
		tx, err := db.BeginWrite()
		require.NoError(t, err)
		_, err = db.BeginWrite()
		assert.ErrorIs(t, err, ErrWriteConflict)
		_, err = db.ExecuteWrite(ctx, "CREATE (:Blocked)", nil)
		assert.ErrorIs(t, err, ErrWriteConflict)
		require.NoError(t, tx.Rollback())

		tx, err = db.BeginWrite()
		require.NoError(t, err)
		require.NoError(t, tx.Rollback())
	})

	t.Run("finished_transaction", func(t *testing.T) {
		tx, err := db.BeginWrite()
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		_, err = tx.Query(ctx, "RETURN 1", nil)
		assert.ErrorIs(t, err, ErrTxFinished)
		assert.ErrorIs(t, tx.Commit(), ErrTxFinished)
		assert.ErrorIs(t, tx.Rollback(), ErrTxFinished)
		assert.ErrorIs(t, tx.SetVector(1, []float32{1}), ErrTxFinished)
		assert.ErrorIs(t, err, dberr.Storage)
	})

	t.Run("write_in_read_query", func(t *testing.T) {
		_, err := db.Query(ctx, "CREATE (:Nope)", nil)
		assert.ErrorIs(t, err, ErrReadOnly)
	})

	t.Run("failed_statement_leaves_nothing", func(t *testing.T) {
		_, err := db.ExecuteWrite(ctx, "CREATE (:Partial) WITH 1 AS x RETURN x / 0", nil)
		require.Error(t, err)
		res, err := db.Query(ctx, "MATCH (p:Partial) RETURN p", nil)
		require.NoError(t, err)
		assert.Empty(t, res.Rows)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	db, err := OpenWithConfig(filepath.Join(t.TempDir(), "graph"), testConfig())
	require.NoError(t, err)

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	assert.ErrorIs(t, db.Close(), ErrWriteInProgress)

	_, err = db.Query(ctx, "RETURN 1", nil)
	require.NoError(t, err, "database stays open")
	require.NoError(t, tx.Rollback())

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
	_, err = db.Query(ctx, "RETURN 1", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = db.BeginWrite()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestErrorTaxonomy(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))

	tests := []struct {
		name  string
		query string
		kind  dberr.Kind
	}{
		{"syntax", "MATCH (n RETURN n", dberr.Syntax},
		{"unknown_function", "RETURN nosuch(1)", dberr.Execution},
		{"type_mismatch", "RETURN 1 + true", dberr.Execution},
		{"unsupported_clause", "CALL db.labels()", dberr.Compatibility},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.Query(ctx, tt.query, nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.kind)
			assert.ErrorIs(t, err, dberr.ErrNervus)
			assert.NotEmpty(t, err.Error())
		})
	}
}

func TestQueryStream(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))
	_, err := db.ExecuteWrite(ctx, "UNWIND range(1, 5) AS i CREATE (:N {i: i})", nil)
	require.NoError(t, err)

	s, err := db.QueryStream(ctx, "MATCH (n:N) RETURN n.i AS i ORDER BY i", nil)
	require.NoError(t, err)
	defer s.Close()

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"i"}, s.Columns())

	require.True(t, s.Next())
	assert.Equal(t, Record{"i": value.Int(1)}, s.Record())
	require.True(t, s.Next())
	assert.Equal(t, []value.Value{value.Int(2)}, s.Values())

	t.Run("len_unaffected_by_consumption", func(t *testing.T) {
		n, err := s.Len()
		require.NoError(t, err)
		assert.Equal(t, 5, n)
	})

	t.Run("snapshot_is_fixed", func(t *testing.T) {
		_, err := db.ExecuteWrite(ctx, "CREATE (:N {i: 6})", nil)
		require.NoError(t, err)
		count := 2
		for s.Next() {
			count++
		}
		require.NoError(t, s.Err())
		assert.Equal(t, 5, count)
	})

	t.Run("exhausted_stays_exhausted", func(t *testing.T) {
		assert.False(t, s.Next())
		assert.False(t, s.Next())
		assert.Nil(t, s.Record())
		assert.NoError(t, s.Err())
	})

	t.Run("early_close", func(t *testing.T) {
		s, err := db.QueryStream(ctx, "MATCH (n:N) RETURN n", nil)
		require.NoError(t, err)
		require.True(t, s.Next())
		s.Close()
		assert.False(t, s.Next())
	})
}

func TestLowLevelPrimitives(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))

	tx, err := db.BeginWrite()
	require.NoError(t, err)
	person, err := tx.GetOrCreateLabel("Person")
	require.NoError(t, err)
	knows, err := tx.GetOrCreateRelType("KNOWS")
	require.NoError(t, err)
	a, err := tx.CreateNode(100, person)
	require.NoError(t, err)
	b, err := tx.CreateNode(200, person)
	require.NoError(t, err)
	require.NoError(t, tx.SetNodeProperty(a, "name", value.String("Alice")))
	require.NoError(t, tx.SetNodeProperty(b, "name", value.String("Bob")))

	e1, err := tx.CreateEdge(a, knows, b)
	require.NoError(t, err)
	e2, err := tx.CreateEdge(a, knows, b)
	require.NoError(t, err)
	assert.Equal(t, e1, e2, "create_edge is idempotent on the triple")
	require.NoError(t, tx.SetEdgeProperty(a, knows, b, "since", value.Int(2020)))

	found, ok := tx.NodeByExternalID(200)
	require.True(t, ok)
	assert.Equal(t, b, found)
	require.NoError(t, tx.Commit())

	res, err := db.Query(ctx, "MATCH (x:Person)-[r:KNOWS]->(y) RETURN x.name, r.since, y.name", nil)
	require.NoError(t, err)
	assert.Equal(t, [][]value.Value{{value.String("Alice"), value.Int(2020), value.String("Bob")}}, res.Rows)

	tx, err = db.BeginWrite()
	require.NoError(t, err)
	require.NoError(t, tx.RemoveEdgeProperty(a, knows, b, "since"))
	require.NoError(t, tx.RemoveNodeProperty(a, "missing"))
	require.NoError(t, tx.TombstoneEdge(a, knows, b))
	assert.ErrorIs(t, tx.SetEdgeProperty(a, knows, b, "since", value.Int(1)), ErrNotFound)
	require.NoError(t, tx.TombstoneEdge(a, knows, b))
	require.NoError(t, tx.TombstoneNode(b))
	require.NoError(t, tx.Commit())

	res, err = db.Query(ctx, "MATCH (p:Person) RETURN p.name", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"Alice"}, names(t, res))
	res, err = db.Query(ctx, "MATCH ()-[r]->() RETURN r", nil)
	require.NoError(t, err)
	assert.Empty(t, res.Rows)
}

func TestVectors(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "graph")
	db, err := OpenWithConfig(path, testConfig())
	require.NoError(t, err)

	var ids []storage.NodeID
	tx, err := db.BeginWrite()
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		id, err := tx.CreateNode(uint64(i + 1))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.NoError(t, tx.Commit())

	require.NoError(t, db.SetVector(ids[0], []float32{0, 0}))
	require.NoError(t, db.SetVector(ids[1], []float32{3, 4}))
	require.NoError(t, db.SetVector(ids[2], []float32{1, 0}))
	require.NoError(t, db.SetVector(ids[3], []float32{0, 1}))

	hits, err := db.SearchVector(ctx, []float32{0, 0}, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, VectorHit{ID: ids[0], Distance: 0}, hits[0])
	assert.Equal(t, ids[2], hits[1].ID, "equal distances keep insertion order")
	assert.Equal(t, ids[3], hits[2].ID)
	assert.InDelta(t, 1.0, hits[1].Distance, 1e-9)

	all, err := db.SearchVector(ctx, []float32{0, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.InDelta(t, 5.0, all[3].Distance, 1e-9)

	assert.Error(t, db.SetVector(ids[0], []float32{1, 2, 3}))
	_, err = db.SearchVector(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, dberr.Execution)

	t.Run("survives_reopen", func(t *testing.T) {
		require.NoError(t, db.Close())
		db := openTestDB(t, path)
		hits, err := db.SearchVector(ctx, []float32{3, 4}, 1)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, ids[1], hits[0].ID)
	})
}

func TestCreateIndexAndStats(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))
	_, err := db.ExecuteWrite(ctx, "UNWIND range(1, 20) AS i CREATE (:User {email: 'u' + i})", nil)
	require.NoError(t, err)

	require.NoError(t, db.CreateIndex("User", "email"))
	require.NoError(t, db.CreateIndex("User", "email"))

	res, err := db.Query(ctx, "MATCH (u:User {email: 'u7'}) RETURN u.email", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u7"}, names(t, res))

	stats, err := db.Stats()
	require.NoError(t, err)
	assert.Equal(t, 20, stats.Nodes)
	assert.Equal(t, 1, stats.Indexes)
	assert.Equal(t, 1, stats.Labels)

	require.NoError(t, db.Checkpoint())
	after, err := db.Stats()
	require.NoError(t, err)
	assert.Less(t, after.WALBytes, stats.WALBytes, "checkpoint truncates the wal")

	_, err = db.ExecuteWrite(ctx, "MATCH (u:User) WHERE u.email <> 'u1' DETACH DELETE u", nil)
	require.NoError(t, err)
	_, err = db.Compact()
	require.NoError(t, err)
	res, err = db.Query(ctx, "MATCH (u:User) RETURN u.email", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, names(t, res))
}

func TestQueryTyped(t *testing.T) {
	ctx := context.Background()
	db := openTestDB(t, filepath.Join(t.TempDir(), "graph"))
	_, err := db.ExecuteWrite(ctx, "CREATE (:Person {name: 'Alice', age: 30, tags: ['a', 'b']})", nil)
	require.NoError(t, err)

	type person struct {
		Name  string   `cypher:"name"`
		Age   int      `json:"age"`
		Score float64
		Tags  []string `cypher:"tags"`
	}

	t.Run("columns", func(t *testing.T) {
		res, err := QueryTyped[person](ctx, db, "MATCH (p:Person) RETURN p.name, p.age, 1.5 AS score", nil)
		require.NoError(t, err)
		p, ok := res.First()
		require.True(t, ok)
		assert.Equal(t, person{Name: "Alice", Age: 30, Score: 1.5}, p)
	})

	t.Run("node_properties", func(t *testing.T) {
		res, err := QueryTyped[person](ctx, db, "MATCH (p:Person) RETURN p", nil)
		require.NoError(t, err)
		p, ok := res.First()
		require.True(t, ok)
		assert.Equal(t, person{Name: "Alice", Age: 30, Tags: []string{"a", "b"}}, p)
	})

	t.Run("empty", func(t *testing.T) {
		res, err := QueryTyped[person](ctx, db, "MATCH (p:Nobody) RETURN p", nil)
		require.NoError(t, err)
		_, ok := res.First()
		assert.False(t, ok)
	})
}
