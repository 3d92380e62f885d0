// Package pool provides byte buffer pooling to reduce allocations on the
// commit path.
//
// Transaction payloads and property encodings are built into short-lived
// buffers; reusing them keeps GC pressure flat under write-heavy load.
//
// Usage:
//
//	buf := pool.GetByteBuffer()
//	buf = append(buf, payload...)
//	// use buf...
//	pool.PutByteBuffer(buf)
package pool

import (
	"sync"
	"sync/atomic"
)

// PoolConfig configures pooling behavior.
type PoolConfig struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest capacity returned to the pool. Bigger
	// buffers are left to the garbage collector.
	MaxBufferSize int
}

// DefaultPoolConfig pools buffers up to 1MB.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Enabled: true, MaxBufferSize: 1 << 20}
}

var globalConfig atomic.Pointer[PoolConfig]

func init() {
	cfg := DefaultPoolConfig()
	globalConfig.Store(&cfg)
}

// Configure sets global pool configuration.
func Configure(config PoolConfig) {
	globalConfig.Store(&config)
}

// IsEnabled returns whether pooling is enabled.
func IsEnabled() bool {
	return globalConfig.Load().Enabled
}

const initialBufferSize = 1024

var byteBufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, 0, initialBufferSize)
		return &b
	},
}

// GetByteBuffer returns an empty buffer with spare capacity.
func GetByteBuffer() []byte {
	if !IsEnabled() {
		return make([]byte, 0, initialBufferSize)
	}
	return (*byteBufferPool.Get().(*[]byte))[:0]
}

// PutByteBuffer returns a buffer to the pool. The caller must not use buf
// afterwards.
func PutByteBuffer(buf []byte) {
	cfg := globalConfig.Load()
	if !cfg.Enabled || buf == nil || cap(buf) > cfg.MaxBufferSize {
		return
	}
	buf = buf[:0]
	byteBufferPool.Put(&buf)
}
