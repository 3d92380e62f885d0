package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigure(t *testing.T) {
	defer Configure(DefaultPoolConfig())

	t.Run("enable_pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxBufferSize: 4096})
		assert.True(t, IsEnabled())
	})

	t.Run("disable_pooling", func(t *testing.T) {
		Configure(PoolConfig{Enabled: false})
		assert.False(t, IsEnabled())

		buf := GetByteBuffer()
		assert.Empty(t, buf)
		assert.Positive(t, cap(buf))
		PutByteBuffer(buf)
	})
}

func TestByteBufferPool(t *testing.T) {
	Configure(DefaultPoolConfig())

	t.Run("get_returns_empty_buffer", func(t *testing.T) {
		buf := GetByteBuffer()
		assert.Len(t, buf, 0)
		assert.GreaterOrEqual(t, cap(buf), initialBufferSize)
		PutByteBuffer(buf)
	})

	t.Run("reused_buffer_is_reset", func(t *testing.T) {
		buf := GetByteBuffer()
		buf = append(buf, "payload"...)
		PutByteBuffer(buf)

		again := GetByteBuffer()
		assert.Len(t, again, 0)
		PutByteBuffer(again)
	})

	t.Run("oversized_buffers_are_dropped", func(t *testing.T) {
		Configure(PoolConfig{Enabled: true, MaxBufferSize: 16})
		defer Configure(DefaultPoolConfig())
		assert.NotPanics(t, func() { PutByteBuffer(make([]byte, 0, 1024)) })
		assert.NotPanics(t, func() { PutByteBuffer(nil) })
	})

	t.Run("concurrent_use", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for j := 0; j < 100; j++ {
					buf := GetByteBuffer()
					buf = append(buf, byte(i), byte(j))
					assert.Equal(t, []byte{byte(i), byte(j)}, buf)
					PutByteBuffer(buf)
				}
			}(i)
		}
		wg.Wait()
	})
}

func BenchmarkByteBuffer(b *testing.B) {
	for i := 0; i < b.N; i++ {
		buf := GetByteBuffer()
		buf = append(buf, "frame"...)
		PutByteBuffer(buf)
	}
}
