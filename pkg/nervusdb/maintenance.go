package nervusdb

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/ysankpia/nervusdb/pkg/config"
	"github.com/ysankpia/nervusdb/pkg/dberr"
	"github.com/ysankpia/nervusdb/pkg/logging"
	"github.com/ysankpia/nervusdb/pkg/storage"
	"github.com/ysankpia/nervusdb/pkg/value"
)

// Offline maintenance. These functions open the files themselves, so the
// database must not be open elsewhere while they run.

type (
	BulkNode      = storage.BulkNode
	BulkEdge      = storage.BulkEdge
	BulkloadStats = storage.BulkloadStats
	BackupInfo    = storage.BackupInfo
	VacuumReport  = storage.VacuumReport
)

func offlineOptions() storage.Options {
	cfg := config.LoadFromEnv()
	return storageOptions(cfg, logging.New(os.Stderr, cfg.Logging.Level, cfg.Logging.Format))
}

// Backup writes a point-in-time copy of the database at path into a new
// directory under dir.
func Backup(path, dir string) (BackupInfo, error) {
	ndb, wal := storage.DerivePaths(path)
	s, err := storage.Open(ndb, wal, offlineOptions())
	if err != nil {
		return BackupInfo{}, err
	}
	info, err := s.Backup(dir)
	if cerr := s.Close(); err == nil {
		err = cerr
	}
	return info, err
}

// ListBackups returns the backups found under dir, oldest first.
func ListBackups(dir string) ([]BackupInfo, error) {
	return storage.ListBackups(dir)
}

// Restore recreates the database at target from a backup directory. target
// must not exist yet.
func Restore(backupDir, target string) (BackupInfo, error) {
	ndb, wal := storage.DerivePaths(target)
	m, err := storage.Restore(backupDir, ndb, wal, offlineOptions())
	if err != nil {
		return BackupInfo{}, err
	}
	var size int64
	for _, f := range m.Files {
		size += f.Size
	}
	return BackupInfo{
		ID:        m.ID,
		Dir:       backupDir,
		CreatedAt: m.CreatedAt,
		FileCount: len(m.Files),
		SizeBytes: size,
		Nodes:     m.Nodes,
		Edges:     m.Edges,
		Status:    m.Status,
	}, nil
}

// Vacuum rewrites the database at path without tombstoned records. The
// previous main store is kept next to it, see VacuumReport.BackupPath.
func Vacuum(path string) (VacuumReport, error) {
	ndb, wal := storage.DerivePaths(path)
	return storage.Vacuum(ndb, wal, offlineOptions())
}

// Bulkload creates a new database at path holding exactly nodes and edges.
// Nodes are identified by their non-zero, unique external ids, which edges
// use as endpoints.
func Bulkload(path string, nodes []BulkNode, edges []BulkEdge) (BulkloadStats, error) {
	ndb, wal := storage.DerivePaths(path)
	return storage.Bulkload(ndb, wal, nodes, edges, offlineOptions())
}

// bulkFile is the on-disk form of a bulk load. JSON input works too since
// it is valid YAML.
type bulkFile struct {
	Nodes []struct {
		ID         uint64         `yaml:"id"`
		Labels     []string       `yaml:"labels"`
		Properties map[string]any `yaml:"properties"`
	} `yaml:"nodes"`
	Edges []struct {
		Src        uint64         `yaml:"src"`
		Type       string         `yaml:"type"`
		Dst        uint64         `yaml:"dst"`
		Properties map[string]any `yaml:"properties"`
	} `yaml:"edges"`
}

// LoadBulkFile reads nodes and edges from a YAML (or JSON) file:
//
//	nodes:
//	  - id: 1
//	    labels: [Person]
//	    properties: {name: Alice, age: 30}
//	edges:
//	  - {src: 1, type: KNOWS, dst: 2, properties: {since: 2020}}
func LoadBulkFile(path string) ([]BulkNode, []BulkEdge, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read bulk file: %w", err)
	}
	var f bulkFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, dberr.Wrap(dberr.Execution, err, "parse "+filepath.Base(path))
	}

	nodes := make([]BulkNode, 0, len(f.Nodes))
	for i, n := range f.Nodes {
		props, err := bulkProps(n.Properties)
		if err != nil {
			return nil, nil, fmt.Errorf("node %d: %w", i, err)
		}
		nodes = append(nodes, BulkNode{ExternalID: n.ID, Labels: slices.Clone(n.Labels), Props: props})
	}
	edges := make([]BulkEdge, 0, len(f.Edges))
	for i, e := range f.Edges {
		props, err := bulkProps(e.Properties)
		if err != nil {
			return nil, nil, fmt.Errorf("edge %d: %w", i, err)
		}
		edges = append(edges, BulkEdge{Src: e.Src, Type: e.Type, Dst: e.Dst, Props: props})
	}
	return nodes, edges, nil
}

func bulkProps(in map[string]any) (map[string]value.Value, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]value.Value, len(in))
	for k, v := range in {
		cv, err := value.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = cv
	}
	return out, nil
}
