package storage

// Write-ahead logging for NervusDB durability.
//
// Every committed transaction is appended to the WAL as one frame before its
// snapshot is published. The main store only catches up at checkpoint time,
// after which the log is truncated back to its header. On open, frames are
// replayed on top of the main store, so acknowledged commits survive a
// crash even when the main store is missing.
//
// File layout:
//
//	header: "NVWL" | version u16 | flags u16
//	frame:  len u32 | xxhash64(flags|payload) u64 | flags u8 | payload
//
// All integers are little-endian. A frame with flagCompressed set carries a
// zstd-compressed payload. A short or checksum-failing frame marks the end
// of the log; it and anything after it are truncated on open.

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

const (
	walMagic       = "NVWL"
	walVersion     = uint16(1)
	walHeaderSize  = 8
	walFrameHeader = 13

	flagCompressed byte = 1 << 0

	// frames above this size are rejected as corrupt
	maxFrameSize = 1 << 30
)

// Common WAL errors
var (
	ErrWALClosed    = errors.New("wal: closed")
	ErrWALCorrupted = errors.New("wal: corrupted header")
)

// WALConfig configures a WAL.
type WALConfig struct {
	// SyncWrites forces an fsync after every appended frame.
	SyncWrites bool

	// Compress zstd-compresses frame payloads.
	Compress bool
}

// WAL is an append-only log of committed transactions. Safe for concurrent
// use, although the store only appends under its writer lock.
type WAL struct {
	mu     sync.Mutex
	path   string
	config WALConfig
	file   *os.File
	writer *bufio.Writer
	size   atomic.Int64
	closed atomic.Bool

	enc *zstd.Encoder
	dec *zstd.Decoder

	totalWrites  atomic.Int64
	totalSyncs   atomic.Int64
	lastSyncTime atomic.Int64
	truncated    int64
}

// WALStats provides observability into WAL state.
type WALStats struct {
	Path         string
	SizeBytes    int64
	TotalWrites  int64
	TotalSyncs   int64
	LastSyncTime time.Time
	// TruncatedBytes is the size of the torn tail dropped when the log was
	// opened.
	TruncatedBytes int64
	Closed         bool
}

// OpenWAL opens or creates the log at path. A torn tail is truncated so the
// file ends with the last complete frame.
func OpenWAL(path string, cfg WALConfig) (*WAL, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: failed to open file: %w", err)
	}

	w := &WAL{path: path, config: cfg, file: file}
	if w.dec, err = zstd.NewReader(nil); err != nil {
		file.Close()
		return nil, fmt.Errorf("wal: zstd decoder: %w", err)
	}
	if cfg.Compress {
		if w.enc, err = zstd.NewWriter(nil); err != nil {
			w.dec.Close()
			file.Close()
			return nil, fmt.Errorf("wal: zstd encoder: %w", err)
		}
	}

	end, err := w.recover()
	if err != nil {
		w.release()
		return nil, err
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		w.release()
		return nil, fmt.Errorf("wal: seek: %w", err)
	}
	w.size.Store(end)
	w.writer = bufio.NewWriterSize(file, 64*1024)
	return w, nil
}

// recover validates the header and finds the end of the last good frame,
// truncating whatever follows it.
func (w *WAL) recover() (int64, error) {
	info, err := w.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("wal: stat: %w", err)
	}
	if info.Size() < walHeaderSize {
		// new file, or a crash before the header reached disk
		if err := w.writeHeader(); err != nil {
			return 0, err
		}
		return walHeaderSize, nil
	}

	var hdr [walHeaderSize]byte
	if _, err := w.file.ReadAt(hdr[:], 0); err != nil {
		return 0, fmt.Errorf("wal: read header: %w", err)
	}
	if string(hdr[:4]) != walMagic {
		return 0, fmt.Errorf("%w: bad magic in %s", ErrWALCorrupted, w.path)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != walVersion {
		return 0, fmt.Errorf("%w: unsupported version %d", ErrWALCorrupted, v)
	}

	end, err := w.scan(nil)
	if err != nil {
		return 0, err
	}
	if end < info.Size() {
		w.truncated = info.Size() - end
		if err := w.file.Truncate(end); err != nil {
			return 0, fmt.Errorf("wal: truncate torn tail: %w", err)
		}
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("wal: sync: %w", err)
		}
	}
	return end, nil
}

func (w *WAL) writeHeader() error {
	var hdr [walHeaderSize]byte
	copy(hdr[:4], walMagic)
	binary.LittleEndian.PutUint16(hdr[4:6], walVersion)
	if err := w.file.Truncate(0); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.WriteAt(hdr[:], 0); err != nil {
		return fmt.Errorf("wal: write header: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync: %w", err)
	}
	return nil
}

// scan reads frames from the header on, calling fn with each decoded
// payload. It returns the offset just past the last good frame.
func (w *WAL) scan(fn func(payload []byte) error) (int64, error) {
	r := bufio.NewReaderSize(io.NewSectionReader(w.file, walHeaderSize, 1<<62), 64*1024)
	off := int64(walHeaderSize)
	var fh [walFrameHeader]byte
	for {
		if _, err := io.ReadFull(r, fh[:]); err != nil {
			return off, nil
		}
		n := binary.LittleEndian.Uint32(fh[0:4])
		sum := binary.LittleEndian.Uint64(fh[4:12])
		flags := fh[12]
		if n > maxFrameSize {
			return off, nil
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return off, nil
		}
		d := xxhash.New()
		d.Write([]byte{flags})
		d.Write(body)
		if d.Sum64() != sum {
			return off, nil
		}
		if fn != nil {
			payload := body
			if flags&flagCompressed != 0 {
				var err error
				if payload, err = w.dec.DecodeAll(body, nil); err != nil {
					return off, nil
				}
			}
			if err := fn(payload); err != nil {
				return off, err
			}
		}
		off += walFrameHeader + int64(n)
	}
}

// Replay calls fn for every frame in the log, oldest first.
func (w *WAL) Replay(fn func(payload []byte) error) error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	_, err := w.scan(fn)
	return err
}

// Append writes one frame. The frame is on disk when Append returns if
// SyncWrites is set, otherwise it is flushed to the OS.
func (w *WAL) Append(payload []byte) error {
	if w.closed.Load() {
		return ErrWALClosed
	}

	var flags byte
	if w.enc != nil {
		payload = w.enc.EncodeAll(payload, nil)
		flags |= flagCompressed
	}
	if len(payload) > maxFrameSize {
		return fmt.Errorf("wal: frame of %d bytes exceeds limit", len(payload))
	}

	d := xxhash.New()
	d.Write([]byte{flags})
	d.Write(payload)

	var fh [walFrameHeader]byte
	binary.LittleEndian.PutUint32(fh[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint64(fh[4:12], d.Sum64())
	fh[12] = flags

	w.mu.Lock()
	defer w.mu.Unlock()

	start := w.size.Load()
	if _, err := w.writer.Write(fh[:]); err != nil {
		return w.undo(start, fmt.Errorf("wal: failed to write frame: %w", err))
	}
	if _, err := w.writer.Write(payload); err != nil {
		return w.undo(start, fmt.Errorf("wal: failed to write frame: %w", err))
	}
	if err := w.writer.Flush(); err != nil {
		return w.undo(start, fmt.Errorf("wal: flush failed: %w", err))
	}
	if w.config.SyncWrites {
		if err := w.syncLocked(); err != nil {
			return w.undo(start, err)
		}
	}
	w.size.Add(walFrameHeader + int64(len(payload)))
	w.totalWrites.Add(1)
	return nil
}

// undo cuts a partially written frame so later frames stay reachable.
func (w *WAL) undo(start int64, cause error) error {
	w.writer.Reset(w.file)
	if err := w.file.Truncate(start); err != nil {
		return errors.Join(cause, err)
	}
	if _, err := w.file.Seek(start, io.SeekStart); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Sync flushes buffered frames and fsyncs the file.
func (w *WAL) Sync() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("wal: flush failed: %w", err)
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("wal: sync failed: %w", err)
	}
	w.totalSyncs.Add(1)
	w.lastSyncTime.Store(time.Now().UnixNano())
	return nil
}

// Reset truncates the log back to its header. Called once the main store
// holds everything the log recorded.
func (w *WAL) Reset() error {
	if w.closed.Load() {
		return ErrWALClosed
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writer.Reset(w.file)
	if err := w.file.Truncate(walHeaderSize); err != nil {
		return fmt.Errorf("wal: truncate: %w", err)
	}
	if _, err := w.file.Seek(walHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: seek: %w", err)
	}
	w.size.Store(walHeaderSize)
	return w.syncLocked()
}

// Size returns the current file size in bytes.
func (w *WAL) Size() int64 { return w.size.Load() }

// Path returns the log file path.
func (w *WAL) Path() string { return w.path }

// Close flushes pending frames and closes the file.
func (w *WAL) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var errs []error
	if err := w.writer.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := w.file.Sync(); err != nil {
		errs = append(errs, err)
	}
	w.release()
	return errors.Join(errs...)
}

func (w *WAL) release() {
	if w.enc != nil {
		w.enc.Close()
	}
	w.dec.Close()
	w.file.Close()
}

// Stats returns current WAL statistics.
func (w *WAL) Stats() WALStats {
	var lastSync time.Time
	if t := w.lastSyncTime.Load(); t > 0 {
		lastSync = time.Unix(0, t)
	}
	return WALStats{
		Path:           w.path,
		SizeBytes:      w.size.Load(),
		TotalWrites:    w.totalWrites.Load(),
		TotalSyncs:     w.totalSyncs.Load(),
		LastSyncTime:   lastSync,
		TruncatedBytes: w.truncated,
		Closed:         w.closed.Load(),
	}
}
