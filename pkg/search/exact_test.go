package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func candidates(cs ...Candidate) func() (Candidate, bool) {
	i := 0
	return func() (Candidate, bool) {
		if i >= len(cs) {
			return Candidate{}, false
		}
		i++
		return cs[i-1], true
	}
}

func TestExact(t *testing.T) {
	data := []Candidate{
		{ID: 10, Seq: 1, Vector: []float32{1, 0, 0}},
		{ID: 11, Seq: 2, Vector: []float32{0, 1, 0}},
		{ID: 12, Seq: 3, Vector: []float32{0.9, 0.1, 0}},
	}

	t.Run("nearest_first", func(t *testing.T) {
		res := Exact([]float32{1, 0, 0}, 3, candidates(data...))
		require.Len(t, res, 3)
		assert.Equal(t, uint64(10), res[0].ID)
		assert.Equal(t, uint64(12), res[1].ID)
		assert.Equal(t, uint64(11), res[2].ID)
		assert.InDelta(t, 0.0, res[0].Distance, 1e-9)
	})

	t.Run("k_larger_than_data_returns_all", func(t *testing.T) {
		res := Exact([]float32{0, 1, 0}, 100, candidates(data...))
		assert.Len(t, res, 3)
		for i := 1; i < len(res); i++ {
			assert.LessOrEqual(t, res[i-1].Distance, res[i].Distance)
		}
	})

	t.Run("k_bounds_result", func(t *testing.T) {
		res := Exact([]float32{1, 0, 0}, 1, candidates(data...))
		require.Len(t, res, 1)
		assert.Equal(t, uint64(10), res[0].ID)
	})

	t.Run("ties_break_by_insertion_sequence", func(t *testing.T) {
		res := Exact([]float32{0, 0}, 2, candidates(
			Candidate{ID: 1, Seq: 9, Vector: []float32{1, 0}},
			Candidate{ID: 2, Seq: 4, Vector: []float32{0, 1}},
			Candidate{ID: 3, Seq: 7, Vector: []float32{-1, 0}},
		))
		require.Len(t, res, 2)
		assert.Equal(t, []uint64{2, 3}, []uint64{res[0].ID, res[1].ID})
	})

	t.Run("zero_k_is_empty", func(t *testing.T) {
		assert.Empty(t, Exact([]float32{1}, 0, candidates(data...)))
	})
}
