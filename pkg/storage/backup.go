package storage

import (
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"
	"gopkg.in/yaml.v3"
)

const (
	// BackupFormatVersion is written into every manifest.
	BackupFormatVersion = 1

	backupDataFile     = "data.ndb.zst"
	backupManifestFile = "manifest.yaml"

	// Backup states recorded in the manifest.
	BackupComplete = "complete"
)

// ErrBackupCorrupt is returned when a backup fails verification.
var ErrBackupCorrupt = fmt.Errorf("%w: backup verification failed", ErrCorrupt)

// BackupManifest is the manifest.yaml stored next to the backup data.
type BackupManifest struct {
	ID            string           `yaml:"id"`
	CreatedAt     time.Time        `yaml:"created_at"`
	FormatVersion int              `yaml:"format_version"`
	Checkpoint    BackupCheckpoint `yaml:"checkpoint"`
	Nodes         int              `yaml:"nodes"`
	Edges         int              `yaml:"edges"`
	Files         []BackupFile     `yaml:"files"`
	Status        string           `yaml:"status"`
}

// BackupCheckpoint identifies the committed state a backup holds.
type BackupCheckpoint struct {
	WALSeq  uint64 `yaml:"wal_seq"`
	Version uint64 `yaml:"version"`
}

// BackupFile is one file of a backup with its blake2b-256 checksum.
type BackupFile struct {
	Name     string `yaml:"name"`
	Size     int64  `yaml:"size"`
	Checksum string `yaml:"checksum"`
}

// BackupInfo summarizes a backup.
type BackupInfo struct {
	ID        string
	Dir       string
	CreatedAt time.Time
	FileCount int
	SizeBytes int64
	Nodes     int
	Edges     int
	Status    string
}

func (m *BackupManifest) info(dir string) BackupInfo {
	info := BackupInfo{
		ID:        m.ID,
		Dir:       dir,
		CreatedAt: m.CreatedAt,
		FileCount: len(m.Files),
		Nodes:     m.Nodes,
		Edges:     m.Edges,
		Status:    m.Status,
	}
	for _, f := range m.Files {
		info.SizeBytes += f.Size
	}
	return info
}

// Backup writes a consistent copy of the committed state into a new
// directory under dir. The store is checkpointed first, and the writer slot
// is held until the copy is complete.
func (s *Store) Backup(dir string) (BackupInfo, error) {
	if err := s.acquire(); err != nil {
		return BackupInfo{}, err
	}
	defer s.release()

	if err := s.checkpointLocked(); err != nil {
		return BackupInfo{}, err
	}
	g := s.current.Load()

	id := uuid.New().String()
	target := filepath.Join(dir, id)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return BackupInfo{}, storageErr(err, "create backup directory")
	}

	file, err := s.writeBackupData(filepath.Join(target, backupDataFile))
	if err != nil {
		os.RemoveAll(target)
		return BackupInfo{}, err
	}

	m := &BackupManifest{
		ID:            id,
		CreatedAt:     time.Now().UTC(),
		FormatVersion: BackupFormatVersion,
		Checkpoint:    BackupCheckpoint{WALSeq: s.walSeq, Version: g.version},
		Nodes:         g.NodeCount(),
		Edges:         g.EdgeCount(),
		Files:         []BackupFile{file},
		Status:        BackupComplete,
	}
	if err := writeManifest(target, m); err != nil {
		os.RemoveAll(target)
		return BackupInfo{}, err
	}

	info := m.info(target)
	s.log.Info("backup complete",
		slog.String("id", id),
		slog.String("dir", target),
		slog.Int64("bytes", info.SizeBytes),
		slog.Int("nodes", m.Nodes),
		slog.Int("edges", m.Edges))
	return info, nil
}

// writeBackupData streams badger's backup format through zstd into path.
func (s *Store) writeBackupData(path string) (BackupFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return BackupFile{}, storageErr(err, "create backup file")
	}
	defer f.Close()

	sum := newChecksum()
	counter := &countingWriter{w: io.MultiWriter(f, sum)}
	zw, err := zstd.NewWriter(counter)
	if err != nil {
		return BackupFile{}, storageErr(err, "backup compressor")
	}
	if _, err := s.db.Backup(zw, 0); err != nil {
		zw.Close()
		return BackupFile{}, storageErr(err, "backup stream")
	}
	if err := zw.Close(); err != nil {
		return BackupFile{}, storageErr(err, "backup compressor")
	}
	if err := f.Sync(); err != nil {
		return BackupFile{}, storageErr(err, "backup sync")
	}
	return BackupFile{
		Name:     filepath.Base(path),
		Size:     counter.n,
		Checksum: hex.EncodeToString(sum.Sum(nil)),
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func newChecksum() hash.Hash {
	h, _ := blake2b.New256(nil) // only fails for oversized keys
	return h
}

// writeManifest writes the manifest via a temporary file and rename.
func writeManifest(dir string, m *BackupManifest) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return storageErr(err, "encode manifest")
	}
	path := filepath.Join(dir, backupManifestFile)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return storageErr(err, "write manifest")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return storageErr(err, "write manifest")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return storageErr(err, "sync manifest")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return storageErr(err, "write manifest")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return storageErr(err, "write manifest")
	}
	return nil
}

// ReadBackupManifest loads the manifest of the backup in dir.
func ReadBackupManifest(dir string) (*BackupManifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, backupManifestFile))
	if err != nil {
		return nil, storageErr(err, "read manifest")
	}
	var m BackupManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBackupCorrupt, dir, err)
	}
	if m.FormatVersion != BackupFormatVersion {
		return nil, fmt.Errorf("%w: unsupported format version %d", ErrBackupCorrupt, m.FormatVersion)
	}
	return &m, nil
}

// ListBackups returns the backups found directly under dir, oldest first.
// Subdirectories without a readable manifest are skipped. A missing dir
// holds no backups.
func ListBackups(dir string) ([]BackupInfo, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []BackupInfo{}, nil
	}
	if err != nil {
		return nil, storageErr(err, "list backups")
	}
	backups := make([]BackupInfo, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sub := filepath.Join(dir, e.Name())
		m, err := ReadBackupManifest(sub)
		if err != nil {
			continue
		}
		backups = append(backups, m.info(sub))
	}
	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].CreatedAt.Before(backups[j].CreatedAt)
		}
		return backups[i].ID < backups[j].ID
	})
	return backups, nil
}

// VerifyBackup checks every file of the backup in dir against its manifest.
func VerifyBackup(dir string) (*BackupManifest, error) {
	m, err := ReadBackupManifest(dir)
	if err != nil {
		return nil, err
	}
	if m.Status != BackupComplete {
		return nil, fmt.Errorf("%w: status %q", ErrBackupCorrupt, m.Status)
	}
	for _, bf := range m.Files {
		f, err := os.Open(filepath.Join(dir, bf.Name))
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrBackupCorrupt, bf.Name, err)
		}
		sum := newChecksum()
		n, err := io.Copy(sum, f)
		f.Close()
		if err != nil {
			return nil, storageErr(err, "read "+bf.Name)
		}
		if n != bf.Size {
			return nil, fmt.Errorf("%w: %s: size %d, manifest says %d", ErrBackupCorrupt, bf.Name, n, bf.Size)
		}
		if got := hex.EncodeToString(sum.Sum(nil)); got != bf.Checksum {
			return nil, fmt.Errorf("%w: %s: checksum mismatch", ErrBackupCorrupt, bf.Name)
		}
	}
	return m, nil
}

// Restore verifies the backup in backupDir and loads it into a new database
// at ndbPath/walPath. Neither path may exist.
func Restore(backupDir, ndbPath, walPath string, opts Options) (*BackupManifest, error) {
	m, err := VerifyBackup(backupDir)
	if err != nil {
		return nil, err
	}
	if err := ensureAbsent(ndbPath); err != nil {
		return nil, err
	}
	if err := ensureAbsent(walPath); err != nil {
		return nil, err
	}
	for _, dir := range []string{filepath.Dir(ndbPath), filepath.Dir(walPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, storageErr(err, "create directory")
		}
	}

	if err := loadBackupData(filepath.Join(backupDir, backupDataFile), ndbPath, opts); err != nil {
		os.RemoveAll(ndbPath)
		return nil, err
	}
	wal, err := OpenWAL(walPath, WALConfig{SyncWrites: true})
	if err != nil {
		os.RemoveAll(ndbPath)
		return nil, storageErr(err, "create wal")
	}
	if err := wal.Close(); err != nil {
		return nil, storageErr(err, "create wal")
	}

	opts.Logger.OrNoop().WithPath(ndbPath).Info("restore complete",
		slog.String("backup", m.ID),
		slog.Int("nodes", m.Nodes),
		slog.Int("edges", m.Edges))
	return m, nil
}

func loadBackupData(src, ndbPath string, opts Options) error {
	f, err := os.Open(src)
	if err != nil {
		return storageErr(err, "open backup data")
	}
	defer f.Close()
	zr, err := zstd.NewReader(f)
	if err != nil {
		return storageErr(err, "backup decompressor")
	}
	defer zr.Close()

	db, err := openBadger(ndbPath, opts)
	if err != nil {
		return storageErr(err, "create store")
	}
	if err := db.Load(zr, 256); err != nil {
		db.Close()
		return storageErr(err, "load backup")
	}
	if err := db.Sync(); err != nil {
		db.Close()
		return storageErr(err, "sync store")
	}
	return storageErr(db.Close(), "close store")
}
