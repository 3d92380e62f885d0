package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/value"
)

func begin(t *testing.T, s *Store) *Tx {
	t.Helper()
	tx, err := s.Begin()
	require.NoError(t, err)
	return tx
}

func TestLabels(t *testing.T) {
	s := openTestStore(t, Options{})
	tx := begin(t, s)
	a, _ := tx.GetOrCreateLabel("A")
	b, _ := tx.GetOrCreateLabel("B")
	again, _ := tx.GetOrCreateLabel("A")
	assert.Equal(t, a, again)

	n1, err := tx.CreateNode(0, a, b)
	require.NoError(t, err)
	n2, err := tx.CreateNode(0, a)
	require.NoError(t, err)
	_, err = tx.CreateNode(0, LabelID(99))
	assert.ErrorIs(t, err, ErrNotFound)

	added, err := tx.AddLabel(n2, b)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = tx.AddLabel(n2, b)
	require.NoError(t, err)
	assert.False(t, added)

	removed, err := tx.RemoveLabel(n1, a)
	require.NoError(t, err)
	assert.True(t, removed)
	require.NoError(t, tx.Commit())

	g := snapshot(t, s)
	assert.Equal(t, []string{"A", "B"}, g.Labels())
	assert.Equal(t, 1, g.LabelCount(a))
	assert.Equal(t, 2, g.LabelCount(b))
	assert.Equal(t, []NodeID{n2}, g.NodesWithLabels(a, b))

	var ids []NodeID
	it := g.NodesByLabel(b)
	for n, ok := it.Next(); ok; n, ok = it.Next() {
		ids = append(ids, n.ID)
	}
	assert.Equal(t, []NodeID{n1, n2}, ids)
}

func TestDuplicateExternalID(t *testing.T) {
	s := openTestStore(t, Options{})
	tx := begin(t, s)
	defer tx.Rollback()
	_, err := tx.CreateNode(7)
	require.NoError(t, err)
	_, err = tx.CreateNode(7)
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestProperties(t *testing.T) {
	s := openTestStore(t, Options{})
	tx := begin(t, s)
	id, _ := tx.CreateNode(0)
	require.NoError(t, tx.SetNodeProperty(id, "a", value.Int(1)))
	require.NoError(t, tx.SetNodeProperty(id, "b", value.List{value.Int(1), value.String("x")}))
	require.NoError(t, tx.SetNodeProperty(id, "a", value.NullValue))
	require.NoError(t, tx.RemoveNodeProperty(id, "missing"))
	require.NoError(t, tx.Commit())

	n, _ := snapshot(t, s).Node(id)
	assert.Equal(t, []string{"b"}, value.SortedKeys(n.Props))

	tx = begin(t, s)
	require.NoError(t, tx.ReplaceNodeProperties(id, map[string]value.Value{"c": value.Bool(true)}))
	require.NoError(t, tx.Commit())
	n, _ = snapshot(t, s).Node(id)
	assert.Equal(t, map[string]value.Value{"c": value.Bool(true)}, n.Props)
}

func TestEdges(t *testing.T) {
	s := openTestStore(t, Options{})
	alice, bob := seedPeople(t, s)

	t.Run("create_adds_parallel_edges", func(t *testing.T) {
		tx := begin(t, s)
		defer tx.Rollback()
		knows, _ := tx.GetOrCreateRelType("KNOWS")
		_, err := tx.CreateEdge(alice, knows, bob)
		require.NoError(t, err)
		g, _ := tx.Graph()
		assert.Equal(t, 2, g.EdgeCount())
	})

	t.Run("ensure_is_idempotent", func(t *testing.T) {
		tx := begin(t, s)
		defer tx.Rollback()
		knows, _ := tx.GetOrCreateRelType("KNOWS")
		existing, ok := tx.FindEdge(alice, knows, bob)
		require.True(t, ok)

		id, created, err := tx.EnsureEdge(alice, knows, bob)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, existing.ID, id)

		id, created, err = tx.EnsureEdge(bob, knows, alice)
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, existing.ID, id)
	})

	t.Run("missing_endpoint", func(t *testing.T) {
		tx := begin(t, s)
		defer tx.Rollback()
		knows, _ := tx.GetOrCreateRelType("KNOWS")
		_, err := tx.CreateEdge(alice, knows, 999)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = tx.CreateEdge(alice, RelTypeID(42), bob)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tombstone_node_cascades", func(t *testing.T) {
		tx := begin(t, s)
		defer tx.Rollback()
		loop, _ := tx.GetOrCreateRelType("SELF")
		_, err := tx.CreateEdge(alice, loop, alice)
		require.NoError(t, err)

		removed, err := tx.TombstoneNode(alice)
		require.NoError(t, err)
		assert.Equal(t, 2, removed, "self-loop counts once")

		g, _ := tx.Graph()
		assert.Equal(t, 0, g.EdgeCount())
		_, ok := g.Node(alice)
		assert.False(t, ok)
		_, ok = g.NodeByExternalID(1)
		assert.False(t, ok)
		_, ok = g.InEdges(bob).Next()
		assert.False(t, ok)

		assert.ErrorIs(t, tx.SetNodeProperty(alice, "x", value.Int(1)), ErrNotFound)
		_, err = tx.TombstoneNode(alice)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("tombstone_edge", func(t *testing.T) {
		tx := begin(t, s)
		defer tx.Rollback()
		knows, _ := tx.GetOrCreateRelType("KNOWS")
		e, ok := tx.FindEdge(alice, knows, bob)
		require.True(t, ok)
		require.NoError(t, tx.TombstoneEdge(e.ID))
		assert.ErrorIs(t, tx.TombstoneEdge(e.ID), ErrNotFound)
		out, in := tx.g.Degree(alice)
		assert.Zero(t, out+in)
	})
}

func TestPropertyIndex(t *testing.T) {
	s := openTestStore(t, Options{})
	tx := begin(t, s)
	person, _ := tx.GetOrCreateLabel("Person")
	ids := map[string]NodeID{}
	for i, name := range []string{"Ann", "Anna", "Bob", "Cid"} {
		id, err := tx.CreateNode(0, person)
		require.NoError(t, err)
		require.NoError(t, tx.SetNodeProperty(id, "name", value.String(name)))
		age := value.Value(value.Int(20 + 10*i))
		if i == 1 {
			age = value.Float(30) // same key as Int(30)
		}
		require.NoError(t, tx.SetNodeProperty(id, "age", age))
		ids[name] = id
	}
	created, err := tx.CreateIndex(person, "name")
	require.NoError(t, err)
	assert.True(t, created)
	created, err = tx.CreateIndex(person, "name")
	require.NoError(t, err)
	assert.False(t, created, "index creation is idempotent")
	_, err = tx.CreateIndex(person, "age")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	g := snapshot(t, s)
	assert.Len(t, g.Indexes(), 2)

	t.Run("equality", func(t *testing.T) {
		assert.Equal(t, []NodeID{ids["Bob"]}, g.IndexLookup(person, "name", value.String("Bob")))
		assert.Empty(t, g.IndexLookup(person, "name", value.String("Zed")))
		assert.ElementsMatch(t, []NodeID{ids["Anna"]}, g.IndexLookup(person, "age", value.Int(30)))
	})

	t.Run("prefix", func(t *testing.T) {
		assert.ElementsMatch(t, []NodeID{ids["Ann"], ids["Anna"]}, g.IndexPrefix(person, "name", "An"))
		assert.Equal(t, []NodeID{ids["Anna"]}, g.IndexPrefix(person, "name", "Anna"))
	})

	t.Run("range", func(t *testing.T) {
		got, ok := g.IndexRange(person, "age", Bound{Value: value.Int(30), Inclusive: true}, Bound{Value: value.Int(40)})
		require.True(t, ok)
		assert.Equal(t, []NodeID{ids["Anna"]}, got)

		got, ok = g.IndexRange(person, "age", Bound{Value: value.Int(30)}, Bound{})
		require.True(t, ok)
		assert.ElementsMatch(t, []NodeID{ids["Bob"], ids["Cid"]}, got)

		got, ok = g.IndexRange(person, "name", Bound{}, Bound{Value: value.String("B"), Inclusive: true})
		require.True(t, ok)
		assert.ElementsMatch(t, []NodeID{ids["Ann"], ids["Anna"]}, got)

		_, ok = g.IndexRange(person, "age", Bound{Value: value.Int(1)}, Bound{Value: value.String("z")})
		assert.False(t, ok, "mixed-type bounds are not served")
	})

	t.Run("maintained_on_write", func(t *testing.T) {
		tx := begin(t, s)
		require.NoError(t, tx.SetNodeProperty(ids["Bob"], "name", value.String("Rob")))
		_, err := tx.TombstoneNode(ids["Cid"])
		require.NoError(t, err)
		_, err = tx.RemoveLabel(ids["Ann"], person)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())

		g := snapshot(t, s)
		assert.Empty(t, g.IndexLookup(person, "name", value.String("Bob")))
		assert.Equal(t, []NodeID{ids["Bob"]}, g.IndexLookup(person, "name", value.String("Rob")))
		assert.Empty(t, g.IndexLookup(person, "name", value.String("Cid")))
		assert.Empty(t, g.IndexLookup(person, "name", value.String("Ann")))
	})
}

func TestVectors(t *testing.T) {
	for _, kind := range []string{VectorIndexFlat, VectorIndexHNSW} {
		t.Run(kind, func(t *testing.T) {
			s := openTestStore(t, Options{VectorIndex: kind})
			tx := begin(t, s)
			var ids []NodeID
			for i := 0; i < 20; i++ {
				id, err := tx.CreateNode(0)
				require.NoError(t, err)
				require.NoError(t, tx.SetVector(id, []float32{float32(i), 0}))
				ids = append(ids, id)
			}
			// ties with the first vector: same distance from the query
			twin, _ := tx.CreateNode(0)
			require.NoError(t, tx.SetVector(twin, []float32{0, 0}))
			require.NoError(t, tx.Commit())
			g := snapshot(t, s)
			ctx := context.Background()

			res, err := s.SearchVectors(ctx, g, []float32{0, 0}, 3)
			require.NoError(t, err)
			require.Len(t, res, 3)
			assert.Equal(t, uint64(ids[0]), res[0].ID)
			assert.Equal(t, uint64(twin), res[1].ID, "ties resolve by insertion order")
			assert.Equal(t, uint64(ids[1]), res[2].ID)
			assert.InDelta(t, 1.0, res[2].Distance, 1e-9)

			res, err = s.SearchVectors(ctx, g, []float32{0, 0}, 100)
			require.NoError(t, err)
			assert.Len(t, res, 21)

			res, err = s.SearchVectors(ctx, g, []float32{0, 0}, 0)
			require.NoError(t, err)
			assert.Empty(t, res)

			_, err = s.SearchVectors(ctx, g, []float32{0, 0, 0}, 1)
			assert.ErrorIs(t, err, ErrVectorDimension)
			assert.ErrorIs(t, err, dberr.Execution)
		})
	}

	t.Run("dimension_fixed_by_first_vector", func(t *testing.T) {
		s := openTestStore(t, Options{})
		tx := begin(t, s)
		defer tx.Rollback()
		a, _ := tx.CreateNode(0)
		b, _ := tx.CreateNode(0)
		require.NoError(t, tx.SetVector(a, []float32{1, 2}))
		err := tx.SetVector(b, []float32{1, 2, 3})
		assert.ErrorIs(t, err, ErrVectorDimension)

		// replacing the only vector may change the dimension
		require.NoError(t, tx.SetVector(a, []float32{1, 2, 3}))
		require.NoError(t, tx.SetVector(b, []float32{4, 5, 6}))
		g, _ := tx.Graph()
		assert.Equal(t, 3, g.VectorDim())
	})

	t.Run("empty_store_and_tombstones", func(t *testing.T) {
		s := openTestStore(t, Options{})
		res, err := s.SearchVectors(context.Background(), snapshot(t, s), []float32{1, 2, 3}, 5)
		require.NoError(t, err)
		assert.Empty(t, res)

		tx := begin(t, s)
		a, _ := tx.CreateNode(0)
		require.NoError(t, tx.SetVector(a, []float32{1}))
		_, err = tx.TombstoneNode(a)
		require.NoError(t, err)
		require.NoError(t, tx.Commit())
		g := snapshot(t, s)
		assert.Zero(t, g.VectorCount())
		assert.Zero(t, g.VectorDim())
	})

	t.Run("staged_view_uses_exact_search", func(t *testing.T) {
		s := openTestStore(t, Options{VectorIndex: VectorIndexHNSW})
		tx := begin(t, s)
		a, _ := tx.CreateNode(0)
		require.NoError(t, tx.SetVector(a, []float32{5, 5}))
		require.NoError(t, tx.Commit())

		tx = begin(t, s)
		defer tx.Rollback()
		b, _ := tx.CreateNode(0)
		require.NoError(t, tx.SetVector(b, []float32{0, 0}))
		staged, _ := tx.Graph()
		res, err := s.SearchVectors(context.Background(), staged, []float32{0, 0}, 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, uint64(b), res[0].ID)
	})
}

func TestHNSWMatchesExact(t *testing.T) {
	s := openTestStore(t, Options{VectorIndex: VectorIndexHNSW})
	tx := begin(t, s)
	for i := 0; i < 200; i++ {
		id, err := tx.CreateNode(0)
		require.NoError(t, err)
		x, y := float32(i%17), float32(i/17)
		require.NoError(t, tx.SetVector(id, []float32{x, y, float32(i % 5)}))
	}
	require.NoError(t, tx.Commit())
	g := snapshot(t, s)

	for i, q := range [][]float32{{0, 0, 0}, {8, 6, 2}, {16, 11, 4}} {
		t.Run(fmt.Sprintf("query_%d", i), func(t *testing.T) {
			approx, err := s.SearchVectors(context.Background(), g, q, 5)
			require.NoError(t, err)
			exact := g.SearchExact(q, 5)
			require.Len(t, approx, 5)
			// small graph with high ef: the approximate index is exact
			for j := range exact {
				assert.InDelta(t, exact[j].Distance, approx[j].Distance, 1e-9)
			}
		})
	}
}

func TestHNSWRebuildDuringSearch(t *testing.T) {
	s := openTestStore(t, Options{VectorIndex: VectorIndexHNSW, CheckpointWALBytes: -1})
	tx := begin(t, s)
	a, err := tx.CreateNode(0)
	require.NoError(t, err)
	require.NoError(t, tx.SetVector(a, []float32{1, 1}))
	require.NoError(t, tx.Commit())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			g, err := s.Snapshot()
			if !assert.NoError(t, err) {
				return
			}
			query := make([]float32, g.VectorDim())
			res, err := s.SearchVectors(context.Background(), g, query, 1)
			if !assert.NoError(t, err) {
				return
			}
			if assert.Len(t, res, 1) {
				assert.Equal(t, uint64(a), res[0].ID)
			}
		}
	}()

	// every commit changes the dimension, so each one replaces the index
	for i := 0; i < 50; i++ {
		vec := []float32{float32(i), 1}
		if i%2 == 0 {
			vec = append(vec, 2)
		}
		tx := begin(t, s)
		require.NoError(t, tx.SetVector(a, vec))
		require.NoError(t, tx.Commit())
	}
	close(stop)
	wg.Wait()
}
