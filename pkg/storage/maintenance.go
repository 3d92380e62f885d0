package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
)

// pageSize is the unit reported by vacuum.
const pageSize = 4096

// CompactStats reports what Compact reclaimed.
type CompactStats struct {
	NodesRemoved int
	EdgesRemoved int
	BytesBefore  int64
	BytesAfter   int64
}

// Compact physically removes tombstoned nodes and relationships, writes the
// result into the main store and garbage-collects badger's value log. It
// takes the writer slot.
func (s *Store) Compact() (CompactStats, error) {
	if err := s.acquire(); err != nil {
		return CompactStats{}, err
	}
	defer s.release()
	return s.compactLocked()
}

func (s *Store) compactLocked() (CompactStats, error) {
	var stats CompactStats
	stats.BytesBefore = s.diskBytes()

	cur := s.current.Load()
	next := *cur
	for it := cur.nodes.Iterator(); !it.Done(); {
		id, n, _ := it.Next()
		if n.Tombstoned {
			next.purgeNode(id)
			s.markDirty(id, 0)
			stats.NodesRemoved++
		}
	}
	for it := cur.edges.Iterator(); !it.Done(); {
		id, e, _ := it.Next()
		if e.Tombstoned {
			next.purgeEdge(id)
			s.markDirty(0, id)
			stats.EdgesRemoved++
		}
	}
	if stats.NodesRemoved+stats.EdgesRemoved > 0 {
		// Live content is unchanged, so the vector index stays valid.
		next.version = cur.version + 1
		if s.hnswVersion.Load() == cur.version {
			s.hnswVersion.Store(next.version)
		}
		s.current.Store(&next)
	}

	if err := s.checkpointLocked(); err != nil {
		return stats, err
	}
	for {
		// ErrNoRewrite means nothing was left to collect.
		if err := s.db.RunValueLogGC(0.5); err != nil {
			if !errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
				s.log.Warn("value log gc failed", slog.Any("error", err))
			}
			break
		}
	}
	stats.BytesAfter = s.diskBytes()

	s.log.Info("compaction complete",
		slog.Int("nodes_removed", stats.NodesRemoved),
		slog.Int("edges_removed", stats.EdgesRemoved),
		slog.Int64("bytes_before", stats.BytesBefore),
		slog.Int64("bytes_after", stats.BytesAfter))
	return stats, nil
}

func (s *Store) diskBytes() int64 {
	lsm, vlog := s.db.Size()
	return lsm + vlog + s.wal.Size()
}

// VacuumReport describes an offline vacuum.
type VacuumReport struct {
	NdbPath      string
	BackupPath   string
	OldFilePages uint64
	NewFilePages uint64
	CopiedNodes  int
	CopiedEdges  int
}

// Vacuum rewrites the main store at ndbPath into a fresh directory holding
// only live records. The previous store is kept at BackupPath. The database
// must not be open elsewhere.
func Vacuum(ndbPath, walPath string, opts Options) (VacuumReport, error) {
	report := VacuumReport{NdbPath: ndbPath}
	if _, err := os.Stat(ndbPath); err != nil {
		return report, storageErr(err, "vacuum")
	}

	s, err := Open(ndbPath, walPath, opts)
	if err != nil {
		return report, err
	}
	if err := s.acquire(); err != nil {
		s.Close()
		return report, err
	}
	if _, err := s.compactLocked(); err != nil {
		s.release()
		s.Close()
		return report, err
	}
	g := s.current.Load()
	walSeq := s.walSeq
	report.CopiedNodes = g.NodeCount()
	report.CopiedEdges = g.EdgeCount()
	s.release()
	if err := s.Close(); err != nil {
		return report, err
	}

	oldBytes, err := dirSize(ndbPath)
	if err != nil {
		return report, storageErr(err, "vacuum size")
	}
	report.OldFilePages = pages(oldBytes)

	suffix, err := uniqueSuffix()
	if err != nil {
		return report, storageErr(err, "vacuum")
	}
	tmpPath := ndbPath + ".vacuum.tmp." + suffix
	report.BackupPath = ndbPath + ".bak." + suffix

	if err := writeStore(tmpPath, g, walSeq, opts); err != nil {
		os.RemoveAll(tmpPath)
		return report, err
	}
	if err := os.Rename(ndbPath, report.BackupPath); err != nil {
		os.RemoveAll(tmpPath)
		return report, storageErr(err, "vacuum rename")
	}
	if err := os.Rename(tmpPath, ndbPath); err != nil {
		// put the original back so the database stays usable
		if rerr := os.Rename(report.BackupPath, ndbPath); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return report, storageErr(err, "vacuum swap")
	}

	newBytes, err := dirSize(ndbPath)
	if err != nil {
		return report, storageErr(err, "vacuum size")
	}
	report.NewFilePages = pages(newBytes)

	opts.Logger.OrNoop().WithPath(ndbPath).Info("vacuum complete",
		slog.String("backup", report.BackupPath),
		slog.Uint64("old_pages", report.OldFilePages),
		slog.Uint64("new_pages", report.NewFilePages),
		slog.Int("nodes", report.CopiedNodes),
		slog.Int("edges", report.CopiedEdges))
	return report, nil
}

// writeStore creates a new main store at dir holding exactly g.
func writeStore(dir string, g *Graph, walSeq uint64, opts Options) error {
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, dir)
	}
	db, err := openBadger(dir, opts)
	if err != nil {
		return storageErr(err, "create store")
	}
	wb := db.NewWriteBatch()
	if err := writeFull(wb, g, walSeq); err != nil {
		wb.Cancel()
		db.Close()
		return storageErr(err, "write store")
	}
	if err := wb.Flush(); err != nil {
		db.Close()
		return storageErr(err, "write store")
	}
	if err := db.Sync(); err != nil {
		db.Close()
		return storageErr(err, "sync store")
	}
	return storageErr(db.Close(), "close store")
}

func dirSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}

func pages(bytes int64) uint64 {
	return max(1, uint64((bytes+pageSize-1)/pageSize))
}

func uniqueSuffix() (string, error) {
	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("%d.%s", os.Getpid(), hex.EncodeToString(nonce[:])), nil
}

// ensureAbsent fails with ErrExists when path exists.
func ensureAbsent(path string) error {
	_, err := os.Stat(path)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrExists, path)
	case errors.Is(err, fs.ErrNotExist):
		return nil
	default:
		return storageErr(err, "stat "+path)
	}
}
