// Package vector provides the vector math used by NervusDB's k-NN search.
//
// All distances accumulate in float64, even for float32 inputs, so exact
// and approximate search rank candidates identically.
//
// Main Functions:
//   - SquaredEuclidean: ranking distance without the square root
//   - Euclidean: the distance reported to callers
//   - DotProduct, Norm: helpers for index heuristics
package vector

import (
	"errors"
	"math"
)

// ErrDimensionMismatch is returned by Validate when lengths differ.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// ErrInvalidComponent is returned by Validate for NaN or infinite entries.
var ErrInvalidComponent = errors.New("vector component is not a finite number")

// SquaredEuclidean returns the squared L2 distance between a and b.
// Vectors of different lengths are infinitely far apart.
//
// Example:
//
//	a := []float32{1, 0, 0}
//	b := []float32{0, 1, 0}
//	d := SquaredEuclidean(a, b) // 2
func SquaredEuclidean(a, b []float32) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return sum
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b []float32) float64 {
	return math.Sqrt(SquaredEuclidean(a, b))
}

// DotProduct calculates the dot product of two float32 vectors.
func DotProduct(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	return math.Sqrt(DotProduct(v, v))
}

// Validate checks that v is non-empty, has the expected dimension (when
// dim > 0) and contains only finite components.
func Validate(v []float32, dim int) error {
	if len(v) == 0 {
		return ErrDimensionMismatch
	}
	if dim > 0 && len(v) != dim {
		return ErrDimensionMismatch
	}
	for _, x := range v {
		if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
			return ErrInvalidComponent
		}
	}
	return nil
}

// Clone returns a copy of v.
func Clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
