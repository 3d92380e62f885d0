// Package search provides k-nearest-neighbor search over node vectors.
//
// Two strategies are offered:
//   - Exact: a bounded max-heap scan over every vector (deterministic)
//   - HNSWIndex: a hierarchical navigable small world graph (approximate)
//
// Both rank by ascending Euclidean distance and break ties by the
// insertion sequence of the vector, so results are deterministic for a
// fixed data set.
package search

import (
	"cmp"
	"errors"
	"slices"

	"github.com/emirpasic/gods/trees/binaryheap"

	"github.com/ysankpia/nervusdb/pkg/math/vector"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
)

// Result is one k-NN hit.
type Result struct {
	ID       uint64
	Distance float64
	// Seq is the insertion sequence used to break distance ties.
	Seq uint64
}

// Less orders results by distance, then insertion sequence.
func (r Result) Less(o Result) bool {
	return compareResults(r, o) < 0
}

func compareResults(a, b Result) int {
	if c := cmp.Compare(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

// SortResults sorts results in place by (distance, sequence).
func SortResults(results []Result) {
	slices.SortFunc(results, compareResults)
}

// Candidate is one stored vector offered to Exact.
type Candidate struct {
	ID     uint64
	Seq    uint64
	Vector []float32
}

// Exact returns the k nearest candidates to query. The candidates are
// pulled from next until it returns false. Vectors whose dimension differs
// from the query are skipped.
//
// Example:
//
//	results := search.Exact(q, 3, func() (search.Candidate, bool) {
//		...
//	})
func Exact(query []float32, k int, next func() (Candidate, bool)) []Result {
	if k <= 0 {
		return []Result{}
	}
	// Max-heap: the worst kept result sits on top and is evicted first.
	h := binaryheap.NewWith(func(a, b interface{}) int {
		return compareResults(b.(Result), a.(Result))
	})
	for {
		c, ok := next()
		if !ok {
			break
		}
		if len(c.Vector) != len(query) {
			continue
		}
		r := Result{ID: c.ID, Seq: c.Seq, Distance: vector.Euclidean(query, c.Vector)}
		if h.Size() < k {
			h.Push(r)
			continue
		}
		top, _ := h.Peek()
		if compareResults(r, top.(Result)) < 0 {
			h.Pop()
			h.Push(r)
		}
	}
	out := make([]Result, 0, h.Size())
	for _, v := range h.Values() {
		out = append(out, v.(Result))
	}
	SortResults(out)
	return out
}
