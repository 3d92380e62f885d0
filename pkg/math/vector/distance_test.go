package vector

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEuclidean(t *testing.T) {
	tests := []struct {
		name     string
		a, b     []float32
		expected float64
	}{
		{"identical_vectors", []float32{1, 0, 0}, []float32{1, 0, 0}, 0},
		{"orthogonal_unit_vectors", []float32{1, 0, 0}, []float32{0, 1, 0}, math.Sqrt2},
		{"three_four_five", []float32{0, 0}, []float32{3, 4}, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, Euclidean(tt.a, tt.b), 1e-9)
		})
	}

	t.Run("mismatched_dimensions", func(t *testing.T) {
		assert.True(t, math.IsInf(Euclidean([]float32{1, 2}, []float32{1, 2, 3}), 1))
	})
}

func TestSquaredEuclideanPreservesRanking(t *testing.T) {
	q := []float32{1, 0, 0}
	near := []float32{0.9, 0.1, 0}
	far := []float32{0, 1, 0}
	assert.Less(t, SquaredEuclidean(q, near), SquaredEuclidean(q, far))
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate([]float32{1, 2}, 2))
	assert.NoError(t, Validate([]float32{1, 2}, 0))
	assert.ErrorIs(t, Validate([]float32{1, 2}, 3), ErrDimensionMismatch)
	assert.ErrorIs(t, Validate(nil, 0), ErrDimensionMismatch)
	assert.ErrorIs(t, Validate([]float32{float32(math.NaN())}, 1), ErrInvalidComponent)
}

func TestDotAndNorm(t *testing.T) {
	assert.InDelta(t, 32.0, DotProduct([]float32{1, 2, 3}, []float32{4, 5, 6}), 1e-9)
	assert.InDelta(t, 5.0, Norm([]float32{3, 4}), 1e-9)
	c := Clone([]float32{1, 2})
	c[0] = 9
	assert.Equal(t, []float32{9, 2}, c)
}
