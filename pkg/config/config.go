// Package config handles NervusDB configuration from a YAML file and
// environment variables.
//
// Configuration is layered: DefaultConfig() provides every value, an
// optional YAML file overrides the defaults, and NERVUSDB_* environment
// variables override both. Validate() should be called before use.
//
// Example Usage:
//
//	cfg, err := config.LoadFile("nervusdb.yaml")
//	if err != nil {
//		log.Fatalf("config: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid config: %v", err)
//	}
//
// Environment Variables:
//   - NERVUSDB_SYNC_WRITES=true             fsync the WAL on every commit
//   - NERVUSDB_WAL_COMPRESSION=false        zstd-compress WAL frames
//   - NERVUSDB_CHECKPOINT_WAL_BYTES=64MB    automatic checkpoint threshold
//   - NERVUSDB_MEMTABLE_SIZE=64MB           badger memtable size
//   - NERVUSDB_VECTOR_INDEX=flat            flat (exact) or hnsw
//   - NERVUSDB_HNSW_M=16
//   - NERVUSDB_HNSW_EF_CONSTRUCTION=200
//   - NERVUSDB_HNSW_EF_SEARCH=100
//   - NERVUSDB_HNSW_SEED=42
//   - NERVUSDB_MAX_VAR_LENGTH=0             cap for unbounded `*` hops (0 = none)
//   - NERVUSDB_PLAN_CACHE_SIZE=512
//   - NERVUSDB_PLAN_CACHE_TTL=0s
//   - NERVUSDB_LOG_LEVEL=info               debug, info, warn, error
//   - NERVUSDB_LOG_FORMAT=text              text or json
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all NervusDB configuration.
//
// Configuration is organized into logical sections:
//   - Storage: WAL durability, checkpointing and the badger main store
//   - Vector: k-NN index selection and HNSW parameters
//   - Query: compiler and executor limits
//   - Logging: level and output format
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Vector  VectorConfig  `yaml:"vector"`
	Query   QueryConfig   `yaml:"query"`
	Logging LoggingConfig `yaml:"logging"`
}

// StorageConfig holds page/file store settings.
type StorageConfig struct {
	// SyncWrites fsyncs the WAL before a commit is acknowledged
	SyncWrites bool `yaml:"sync_writes"`
	// WALCompression zstd-compresses each WAL frame payload
	WALCompression bool `yaml:"wal_compression"`
	// CheckpointWALBytes triggers a checkpoint once the WAL grows past it (0 = manual only)
	CheckpointWALBytes int64 `yaml:"-"`
	// CheckpointWALSize is the human-readable form (e.g. "64MB")
	CheckpointWALSize string `yaml:"checkpoint_wal_size"`
	// MemTableSize is the badger memtable size in bytes
	MemTableSize int64 `yaml:"-"`
	// MemTableSizeStr is the human-readable form
	MemTableSizeStr string `yaml:"memtable_size"`
}

// VectorConfig holds vector index settings.
type VectorConfig struct {
	// Index is "flat" (exact search) or "hnsw" (approximate)
	Index          string `yaml:"index"`
	M              int    `yaml:"m"`
	EfConstruction int    `yaml:"ef_construction"`
	EfSearch       int    `yaml:"ef_search"`
	Seed           uint64 `yaml:"seed"`
}

// QueryConfig holds query engine settings.
type QueryConfig struct {
	// MaxVarLength caps unbounded variable-length relationships (0 = no cap)
	MaxVarLength int `yaml:"max_var_length"`
	// PlanCacheSize is the number of compiled statements kept (0 disables the cache)
	PlanCacheSize int `yaml:"plan_cache_size"`
	// PlanCacheTTL expires cached statements (0 = never)
	PlanCacheTTL time.Duration `yaml:"plan_cache_ttl"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Vector index kinds.
const (
	VectorIndexFlat = "flat"
	VectorIndexHNSW = "hnsw"
)

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			SyncWrites:         true,
			WALCompression:     false,
			CheckpointWALSize:  "64MB",
			CheckpointWALBytes: 64 * 1024 * 1024,
			MemTableSizeStr:    "64MB",
			MemTableSize:       64 * 1024 * 1024,
		},
		Vector: VectorConfig{
			Index:          VectorIndexFlat,
			M:              16,
			EfConstruction: 200,
			EfSearch:       100,
			Seed:           42,
		},
		Query: QueryConfig{
			MaxVarLength:  0,
			PlanCacheSize: 512,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromEnv returns DefaultConfig() with environment overrides applied.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads a YAML file over the defaults, then applies environment
// overrides. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.resolveSizes()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Storage.SyncWrites = getEnvBool("NERVUSDB_SYNC_WRITES", c.Storage.SyncWrites)
	c.Storage.WALCompression = getEnvBool("NERVUSDB_WAL_COMPRESSION", c.Storage.WALCompression)
	c.Storage.CheckpointWALSize = getEnv("NERVUSDB_CHECKPOINT_WAL_BYTES", c.Storage.CheckpointWALSize)
	c.Storage.MemTableSizeStr = getEnv("NERVUSDB_MEMTABLE_SIZE", c.Storage.MemTableSizeStr)

	c.Vector.Index = strings.ToLower(getEnv("NERVUSDB_VECTOR_INDEX", c.Vector.Index))
	c.Vector.M = getEnvInt("NERVUSDB_HNSW_M", c.Vector.M)
	c.Vector.EfConstruction = getEnvInt("NERVUSDB_HNSW_EF_CONSTRUCTION", c.Vector.EfConstruction)
	c.Vector.EfSearch = getEnvInt("NERVUSDB_HNSW_EF_SEARCH", c.Vector.EfSearch)
	c.Vector.Seed = uint64(getEnvInt("NERVUSDB_HNSW_SEED", int(c.Vector.Seed)))

	c.Query.MaxVarLength = getEnvInt("NERVUSDB_MAX_VAR_LENGTH", c.Query.MaxVarLength)
	c.Query.PlanCacheSize = getEnvInt("NERVUSDB_PLAN_CACHE_SIZE", c.Query.PlanCacheSize)
	c.Query.PlanCacheTTL = getEnvDuration("NERVUSDB_PLAN_CACHE_TTL", c.Query.PlanCacheTTL)

	c.Logging.Level = strings.ToLower(getEnv("NERVUSDB_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(getEnv("NERVUSDB_LOG_FORMAT", c.Logging.Format))

	c.resolveSizes()
}

func (c *Config) resolveSizes() {
	c.Storage.CheckpointWALBytes = ParseSize(c.Storage.CheckpointWALSize)
	c.Storage.MemTableSize = ParseSize(c.Storage.MemTableSizeStr)
}

// Validate checks the configuration for invalid values.
//
// Returns nil if configuration is valid, or an error describing the problem.
func (c *Config) Validate() error {
	switch c.Vector.Index {
	case VectorIndexFlat, VectorIndexHNSW:
	default:
		return fmt.Errorf("invalid vector index %q (want flat or hnsw)", c.Vector.Index)
	}
	if c.Vector.Index == VectorIndexHNSW {
		if c.Vector.M < 2 {
			return fmt.Errorf("invalid hnsw m: %d", c.Vector.M)
		}
		if c.Vector.EfConstruction <= 0 || c.Vector.EfSearch <= 0 {
			return fmt.Errorf("invalid hnsw ef: construction=%d search=%d", c.Vector.EfConstruction, c.Vector.EfSearch)
		}
	}
	if c.Query.MaxVarLength < 0 {
		return fmt.Errorf("invalid max var length: %d", c.Query.MaxVarLength)
	}
	if c.Query.PlanCacheSize < 0 {
		return fmt.Errorf("invalid plan cache size: %d", c.Query.PlanCacheSize)
	}
	if c.Storage.CheckpointWALBytes < 0 {
		return fmt.Errorf("invalid checkpoint wal size: %q", c.Storage.CheckpointWALSize)
	}
	if c.Storage.MemTableSize < 1<<20 {
		return fmt.Errorf("memtable size must be at least 1MB, got %q", c.Storage.MemTableSizeStr)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}
	return nil
}

// String returns a compact representation suitable for logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Sync: %v, WALCompression: %v, Checkpoint: %s, Vector: %s, Log: %s/%s}",
		c.Storage.SyncWrites, c.Storage.WALCompression,
		FormatSize(c.Storage.CheckpointWALBytes),
		c.Vector.Index, c.Logging.Level, c.Logging.Format,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// ParseSize parses a human-readable size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0". Invalid input is -1.
func ParseSize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || val < 0 {
		return -1
	}
	return val * multiplier
}

// FormatSize formats bytes as a human-readable string.
func FormatSize(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
