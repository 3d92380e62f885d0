package storage

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ysankpia/nervusdb/pkg/value"
)

// BulkNode is one node of a bulk load, addressed by its external id.
type BulkNode struct {
	ExternalID uint64                 `yaml:"external_id"`
	Labels     []string               `yaml:"labels"`
	Props      map[string]value.Value `yaml:"-"`
}

// BulkEdge connects two bulk-loaded nodes by their external ids.
type BulkEdge struct {
	Src   uint64                 `yaml:"src"`
	Type  string                 `yaml:"type"`
	Dst   uint64                 `yaml:"dst"`
	Props map[string]value.Value `yaml:"-"`
}

// BulkloadStats reports what a bulk load wrote.
type BulkloadStats struct {
	Nodes    int
	Edges    int
	Duration time.Duration
}

// Bulkload creates a new database at ndbPath/walPath holding exactly the
// given nodes and edges. The input is validated before anything is
// written: external ids must be non-zero and unique, and every edge
// endpoint must name a node of the load. The data goes straight into the
// main store and the WAL is left empty.
func Bulkload(ndbPath, walPath string, nodes []BulkNode, edges []BulkEdge, opts Options) (BulkloadStats, error) {
	start := time.Now()
	if err := ensureAbsent(ndbPath); err != nil {
		return BulkloadStats{}, err
	}
	if err := ensureAbsent(walPath); err != nil {
		return BulkloadStats{}, err
	}
	if err := validateBulk(nodes, edges); err != nil {
		return BulkloadStats{}, err
	}

	s, err := Open(ndbPath, walPath, opts)
	if err != nil {
		return BulkloadStats{}, err
	}
	fail := func(err error) (BulkloadStats, error) {
		s.Close()
		os.RemoveAll(ndbPath)
		os.Remove(walPath)
		return BulkloadStats{}, err
	}

	tx, err := s.begin(false)
	if err != nil {
		return fail(err)
	}
	if err := loadBulk(tx, nodes, edges); err != nil {
		tx.Rollback()
		return fail(err)
	}
	if err := tx.Commit(); err != nil {
		return fail(err)
	}
	if err := s.Close(); err != nil {
		return fail(err)
	}

	stats := BulkloadStats{Nodes: len(nodes), Edges: len(edges), Duration: time.Since(start)}
	opts.Logger.OrNoop().WithPath(ndbPath).Info("bulkload complete",
		slog.Int("nodes", stats.Nodes),
		slog.Int("edges", stats.Edges),
		slog.Duration("duration", stats.Duration))
	return stats, nil
}

func validateBulk(nodes []BulkNode, edges []BulkEdge) error {
	seen := make(map[uint64]struct{}, len(nodes))
	for i, n := range nodes {
		if n.ExternalID == 0 {
			return fmt.Errorf("%w: node %d has external id 0", ErrNotFound, i)
		}
		if _, dup := seen[n.ExternalID]; dup {
			return fmt.Errorf("%w: %d", ErrDuplicateID, n.ExternalID)
		}
		seen[n.ExternalID] = struct{}{}
	}
	for i, e := range edges {
		if _, ok := seen[e.Src]; !ok {
			return fmt.Errorf("%w: edge %d source %d", ErrNotFound, i, e.Src)
		}
		if _, ok := seen[e.Dst]; !ok {
			return fmt.Errorf("%w: edge %d target %d", ErrNotFound, i, e.Dst)
		}
		if e.Type == "" {
			return fmt.Errorf("%w: edge %d has no type", ErrNotFound, i)
		}
	}
	return nil
}

func loadBulk(tx *Tx, nodes []BulkNode, edges []BulkEdge) error {
	ids := make(map[uint64]NodeID, len(nodes))
	for _, n := range nodes {
		labels := make([]LabelID, 0, len(n.Labels))
		for _, name := range n.Labels {
			l, err := tx.GetOrCreateLabel(name)
			if err != nil {
				return err
			}
			labels = append(labels, l)
		}
		id, err := tx.CreateNode(n.ExternalID, labels...)
		if err != nil {
			return err
		}
		for _, k := range value.SortedKeys(n.Props) {
			if err := tx.SetNodeProperty(id, k, n.Props[k]); err != nil {
				return fmt.Errorf("node %d property %q: %w", n.ExternalID, k, err)
			}
		}
		ids[n.ExternalID] = id
	}
	for _, e := range edges {
		rel, err := tx.GetOrCreateRelType(e.Type)
		if err != nil {
			return err
		}
		id, err := tx.CreateEdge(ids[e.Src], rel, ids[e.Dst])
		if err != nil {
			return err
		}
		for _, k := range value.SortedKeys(e.Props) {
			if err := tx.SetEdgeProperty(id, k, e.Props[k]); err != nil {
				return fmt.Errorf("edge %d-[%s]->%d property %q: %w", e.Src, e.Type, e.Dst, k, err)
			}
		}
	}
	return nil
}
