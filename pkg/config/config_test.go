package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.True(t, cfg.Storage.SyncWrites)
	assert.Equal(t, VectorIndexFlat, cfg.Vector.Index)
	assert.Equal(t, int64(64*1024*1024), cfg.Storage.CheckpointWALBytes)
	assert.Contains(t, cfg.String(), "Vector: flat")
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("overrides_defaults", func(t *testing.T) {
		t.Setenv("NERVUSDB_SYNC_WRITES", "false")
		t.Setenv("NERVUSDB_VECTOR_INDEX", "HNSW")
		t.Setenv("NERVUSDB_HNSW_EF_SEARCH", "64")
		t.Setenv("NERVUSDB_CHECKPOINT_WAL_BYTES", "2MB")
		t.Setenv("NERVUSDB_PLAN_CACHE_TTL", "30")

		cfg := LoadFromEnv()
		assert.False(t, cfg.Storage.SyncWrites)
		assert.Equal(t, VectorIndexHNSW, cfg.Vector.Index)
		assert.Equal(t, 64, cfg.Vector.EfSearch)
		assert.Equal(t, int64(2*1024*1024), cfg.Storage.CheckpointWALBytes)
		assert.Equal(t, 30*time.Second, cfg.Query.PlanCacheTTL)
		require.NoError(t, cfg.Validate())
	})

	t.Run("ignores_malformed_numbers", func(t *testing.T) {
		t.Setenv("NERVUSDB_HNSW_M", "lots")
		cfg := LoadFromEnv()
		assert.Equal(t, 16, cfg.Vector.M)
	})
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nervusdb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  sync_writes: false
  wal_compression: true
  checkpoint_wal_size: 1MB
vector:
  index: hnsw
  m: 8
query:
  max_var_length: 10
  plan_cache_ttl: 5m
logging:
  level: debug
  format: json
`), 0o644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.Storage.SyncWrites)
	assert.True(t, cfg.Storage.WALCompression)
	assert.Equal(t, int64(1<<20), cfg.Storage.CheckpointWALBytes)
	assert.Equal(t, 8, cfg.Vector.M)
	assert.Equal(t, 200, cfg.Vector.EfConstruction, "unset keys keep defaults")
	assert.Equal(t, 10, cfg.Query.MaxVarLength)
	assert.Equal(t, 5*time.Minute, cfg.Query.PlanCacheTTL)
	assert.Equal(t, "json", cfg.Logging.Format)

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed_yaml", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(bad, []byte("storage: [1, 2"), 0o644))
		_, err := LoadFile(bad)
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown_vector_index", func(c *Config) { c.Vector.Index = "ivf" }},
		{"hnsw_m_too_small", func(c *Config) { c.Vector.Index = VectorIndexHNSW; c.Vector.M = 1 }},
		{"negative_var_length", func(c *Config) { c.Query.MaxVarLength = -1 }},
		{"bad_checkpoint_size", func(c *Config) { c.Storage.CheckpointWALSize = "lots"; c.resolveSizes() }},
		{"tiny_memtable", func(c *Config) { c.Storage.MemTableSizeStr = "1KB"; c.resolveSizes() }},
		{"bad_log_level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad_log_format", func(c *Config) { c.Logging.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseSize(t *testing.T) {
	assert.Equal(t, int64(0), ParseSize(""))
	assert.Equal(t, int64(1024), ParseSize("1kb"))
	assert.Equal(t, int64(3*1024*1024*1024), ParseSize("3G"))
	assert.Equal(t, int64(-1), ParseSize("abc"))
	assert.Equal(t, "1.50 KB", FormatSize(1536))
}
