package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replayAll(t *testing.T, w *WAL) []string {
	t.Helper()
	var got []string
	require.NoError(t, w.Replay(func(p []byte) error {
		got = append(got, string(p))
		return nil
	}))
	return got
}

func TestWALAppendReplay(t *testing.T) {
	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress_%v", compress), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "test.wal")
			w, err := OpenWAL(path, WALConfig{Compress: compress, SyncWrites: true})
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				require.NoError(t, w.Append([]byte(fmt.Sprintf("frame-%d", i))))
			}
			assert.Equal(t, []string{"frame-0", "frame-1", "frame-2", "frame-3", "frame-4"}, replayAll(t, w))
			require.NoError(t, w.Close())

			// reopen sees the same frames
			w, err = OpenWAL(path, WALConfig{})
			require.NoError(t, err)
			defer w.Close()
			assert.Len(t, replayAll(t, w), 5)
			assert.Zero(t, w.Stats().TruncatedBytes)
		})
	}
}

func TestWALTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.wal")
	w, err := OpenWAL(path, WALConfig{})
	require.NoError(t, err)
	require.NoError(t, w.Append([]byte("first")))
	require.NoError(t, w.Append([]byte("second")))
	good := w.Size()
	require.NoError(t, w.Append([]byte("third")))
	require.NoError(t, w.Close())

	t.Run("truncated_frame", func(t *testing.T) {
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-2))

		w, err := OpenWAL(path, WALConfig{})
		require.NoError(t, err)
		defer w.Close()

		assert.Equal(t, []string{"first", "second"}, replayAll(t, w))
		assert.Equal(t, good, w.Size())
		assert.Positive(t, w.Stats().TruncatedBytes)

		// appends continue after the last good frame
		require.NoError(t, w.Append([]byte("fourth")))
		assert.Equal(t, []string{"first", "second", "fourth"}, replayAll(t, w))
	})

	t.Run("flipped_payload_byte", func(t *testing.T) {
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		data[len(data)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, data, 0o644))

		w, err := OpenWAL(path, WALConfig{})
		require.NoError(t, err)
		defer w.Close()
		assert.Equal(t, []string{"first", "second"}, replayAll(t, w))
	})
}

func TestWALHeader(t *testing.T) {
	t.Run("bad_magic", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.wal")
		require.NoError(t, os.WriteFile(path, []byte("NOPE\x01\x00\x00\x00"), 0o644))
		_, err := OpenWAL(path, WALConfig{})
		assert.ErrorIs(t, err, ErrWALCorrupted)
	})

	t.Run("short_header_is_rewritten", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "short.wal")
		require.NoError(t, os.WriteFile(path, []byte("NV"), 0o644))
		w, err := OpenWAL(path, WALConfig{})
		require.NoError(t, err)
		defer w.Close()
		assert.Equal(t, int64(walHeaderSize), w.Size())
		assert.Empty(t, replayAll(t, w))
	})
}

func TestWALReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reset.wal")
	w, err := OpenWAL(path, WALConfig{})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Append([]byte("a")))
	require.NoError(t, w.Reset())
	assert.Equal(t, int64(walHeaderSize), w.Size())
	assert.Empty(t, replayAll(t, w))

	require.NoError(t, w.Append([]byte("b")))
	assert.Equal(t, []string{"b"}, replayAll(t, w))
}

func TestWALClosed(t *testing.T) {
	w, err := OpenWAL(filepath.Join(t.TempDir(), "c.wal"), WALConfig{})
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())

	assert.ErrorIs(t, w.Append([]byte("x")), ErrWALClosed)
	assert.ErrorIs(t, w.Sync(), ErrWALClosed)
	assert.True(t, w.Stats().Closed)
}
