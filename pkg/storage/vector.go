package storage

import (
	"github.com/ysankpia/nervusdb/pkg/search"
)

// SearchExact returns the k stored vectors nearest to query, ordered by
// Euclidean distance and then insertion sequence.
func (g *Graph) SearchExact(query []float32, k int) []search.Result {
	it := g.vectors.Iterator()
	return search.Exact(query, k, func() (search.Candidate, bool) {
		if it.Done() {
			return search.Candidate{}, false
		}
		id, e, _ := it.Next()
		return search.Candidate{ID: uint64(id), Seq: e.Seq, Vector: e.Vector}, true
	})
}
