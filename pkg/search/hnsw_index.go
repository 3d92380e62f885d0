package search

import (
	"container/heap"
	"context"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/ysankpia/nervusdb/pkg/math/vector"
)

// HNSWConfig contains configuration parameters for the HNSW index.
type HNSWConfig struct {
	M               int     // Max connections per node per layer (default: 16)
	EfConstruction  int     // Candidate list size during construction (default: 200)
	EfSearch        int     // Candidate list size during search (default: 100)
	LevelMultiplier float64 // Level multiplier = 1/ln(M)
	Seed            uint64  // Level generator seed; a fixed seed gives a reproducible graph
}

// DefaultHNSWConfig returns sensible defaults for HNSW index.
func DefaultHNSWConfig() HNSWConfig {
	return HNSWConfig{
		M:               16,
		EfConstruction:  200,
		EfSearch:        100,
		LevelMultiplier: 1.0 / math.Log(16.0),
		Seed:            42,
	}
}

// hnswNode represents a node in the HNSW graph.
type hnswNode struct {
	id        uint64
	seq       uint64
	vector    []float32
	level     int
	neighbors [][]uint64
}

// HNSWIndex provides fast approximate nearest neighbor search using the
// HNSW algorithm over Euclidean distance.
//
// The index is built for one dimension, fixed at construction. Add with an
// existing id replaces the stored vector but keeps the id's original
// insertion sequence.
//
// Example:
//
//	idx := search.NewHNSWIndex(3, search.DefaultHNSWConfig())
//	_ = idx.Add(1, 1, []float32{1, 0, 0})
//	_ = idx.Add(2, 2, []float32{0, 1, 0})
//	results, _ := idx.Search(ctx, []float32{1, 0, 0}, 1)
//	// results[0].ID == 1
type HNSWIndex struct {
	config     HNSWConfig
	dimensions int
	mu         sync.RWMutex
	nodes      map[uint64]*hnswNode
	entryPoint uint64
	hasEntry   bool
	maxLevel   int
	rng        *rand.Rand
}

// NewHNSWIndex creates a new HNSW index with the given dimensions and config.
func NewHNSWIndex(dimensions int, config HNSWConfig) *HNSWIndex {
	defaults := DefaultHNSWConfig()
	if config.M <= 0 {
		config.M = defaults.M
	}
	if config.EfConstruction <= 0 {
		config.EfConstruction = defaults.EfConstruction
	}
	if config.EfSearch <= 0 {
		config.EfSearch = defaults.EfSearch
	}
	if config.LevelMultiplier <= 0 {
		config.LevelMultiplier = 1.0 / math.Log(float64(max(config.M, 2)))
	}
	return &HNSWIndex{
		config:     config,
		dimensions: dimensions,
		nodes:      make(map[uint64]*hnswNode),
		rng:        rand.New(rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)),
	}
}

// Dimensions returns the vector dimension of the index.
func (h *HNSWIndex) Dimensions() int { return h.dimensions }

// Add inserts or replaces a vector.
func (h *HNSWIndex) Add(id, seq uint64, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if old, ok := h.nodes[id]; ok {
		seq = old.seq
		h.removeLocked(id)
	}

	level := h.randomLevel()
	node := &hnswNode{
		id:        id,
		seq:       seq,
		vector:    vector.Clone(vec),
		level:     level,
		neighbors: make([][]uint64, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]uint64, 0, h.config.M)
	}

	h.nodes[id] = node

	if !h.hasEntry {
		h.entryPoint = id
		h.hasEntry = true
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.searchLayerSingle(node.vector, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(node.vector, ep, h.config.EfConstruction, l)
		neighbors := h.selectNeighbors(node.vector, candidates, h.config.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			if len(neighbor.neighbors) <= l {
				continue
			}
			if len(neighbor.neighbors[l]) < h.config.M {
				neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
			} else {
				all := append(append([]uint64{}, neighbor.neighbors[l]...), id)
				neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, all, h.config.M)
			}
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}

	return nil
}

// Remove removes a vector from the index by ID.
func (h *HNSWIndex) Remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *HNSWIndex) removeLocked(id uint64) {
	if _, exists := h.nodes[id]; !exists {
		return
	}
	delete(h.nodes, id)

	// Links are not symmetric, so every list may point at the removed node.
	for _, other := range h.nodes {
		for l, list := range other.neighbors {
			kept := list[:0]
			for _, nid := range list {
				if nid != id {
					kept = append(kept, nid)
				}
			}
			other.neighbors[l] = kept
		}
	}

	if h.entryPoint == id {
		h.hasEntry = false
		h.maxLevel = 0
		for nid, n := range h.nodes {
			// lowest id wins among equal levels so the choice is stable
			if !h.hasEntry || n.level > h.maxLevel || (n.level == h.maxLevel && nid < h.entryPoint) {
				h.entryPoint, h.maxLevel, h.hasEntry = nid, n.level, true
			}
		}
	}
}

// Search finds the k nearest neighbors to the query vector, ordered by
// ascending distance and then insertion sequence.
func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}
	if k <= 0 {
		return []Result{}, nil
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.hasEntry {
		return []Result{}, nil
	}

	ep := h.entryPoint
	for l := h.maxLevel; l > 0; l-- {
		ep = h.searchLayerSingle(query, ep, l)
	}

	candidates := h.searchLayer(query, ep, max(h.config.EfSearch, k), 0)

	results := make([]Result, 0, len(candidates))
	for _, candidateID := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		node := h.nodes[candidateID]
		results = append(results, Result{
			ID:       candidateID,
			Seq:      node.seq,
			Distance: vector.Euclidean(query, node.vector),
		})
	}

	SortResults(results)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Size returns the number of vectors in the index.
func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

func (h *HNSWIndex) dist(query []float32, id uint64) float64 {
	return vector.SquaredEuclidean(query, h.nodes[id].vector)
}

func (h *HNSWIndex) searchLayerSingle(query []float32, entryID uint64, level int) uint64 {
	current := entryID
	currentDist := h.dist(query, current)

	for {
		changed := false
		node := h.nodes[current]
		if len(node.neighbors) <= level {
			break
		}
		for _, neighborID := range node.neighbors[level] {
			d := h.dist(query, neighborID)
			if d < currentDist {
				current = neighborID
				currentDist = d
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	return current
}

func (h *HNSWIndex) searchLayer(query []float32, entryID uint64, ef int, level int) []uint64 {
	visited := map[uint64]bool{entryID: true}

	candidates := &hnswDistHeap{}
	results := &hnswDistHeap{}

	entryDist := h.dist(query, entryID)
	heap.Push(candidates, hnswDistItem{id: entryID, dist: entryDist, isMax: false})
	heap.Push(results, hnswDistItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(hnswDistItem)

		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}

		node := h.nodes[closest.id]
		if len(node.neighbors) <= level {
			continue
		}
		for _, neighborID := range node.neighbors[level] {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			d := h.dist(query, neighborID)
			if results.Len() < ef || d < (*results)[0].dist {
				heap.Push(candidates, hnswDistItem{id: neighborID, dist: d, isMax: false})
				heap.Push(results, hnswDistItem{id: neighborID, dist: d, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	resultList := make([]uint64, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		resultList[i] = heap.Pop(results).(hnswDistItem).id
	}
	return resultList
}

func (h *HNSWIndex) selectNeighbors(query []float32, candidates []uint64, m int) []uint64 {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   uint64
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: h.dist(query, cid)}
	}
	sort.SliceStable(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	result := make([]uint64, m)
	for i := 0; i < m; i++ {
		result[i] = dists[i].id
	}
	return result
}

func (h *HNSWIndex) randomLevel() int {
	r := 1 - h.rng.Float64() // (0, 1]
	return int(-math.Log(r) * h.config.LevelMultiplier)
}

// Heap types for HNSW search
type hnswDistItem struct {
	id    uint64
	dist  float64
	isMax bool
}

type hnswDistHeap []hnswDistItem

func (dh hnswDistHeap) Len() int { return len(dh) }
func (dh hnswDistHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh hnswDistHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *hnswDistHeap) Push(x interface{}) {
	*dh = append(*dh, x.(hnswDistItem))
}

func (dh *hnswDistHeap) Pop() interface{} {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[0 : n-1]
	return x
}
