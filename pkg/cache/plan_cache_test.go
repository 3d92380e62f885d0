package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCache(t *testing.T) {
	t.Run("get_after_put", func(t *testing.T) {
		c := NewPlanCache[int](10, 0)
		c.Put("MATCH (n) RETURN n", 7)

		v, ok := c.Get("MATCH (n) RETURN n")
		require.True(t, ok)
		assert.Equal(t, 7, v)

		_, ok = c.Get("MATCH (m) RETURN m")
		assert.False(t, ok)
	})

	t.Run("evicts_least_recently_used", func(t *testing.T) {
		c := NewPlanCache[string](2, 0)
		c.Put("a", "A")
		c.Put("b", "B")
		_, _ = c.Get("a")
		c.Put("c", "C")

		_, ok := c.Get("b")
		assert.False(t, ok, "b was least recently used")
		_, ok = c.Get("a")
		assert.True(t, ok)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("ttl_expires_entries", func(t *testing.T) {
		c := NewPlanCache[int](10, time.Millisecond)
		c.Put("q", 1)
		time.Sleep(5 * time.Millisecond)
		_, ok := c.Get("q")
		assert.False(t, ok)
		assert.Equal(t, 0, c.Len())
	})

	t.Run("stats_track_hits_and_misses", func(t *testing.T) {
		c := NewPlanCache[int](0, 0)
		c.Put("q", 1)
		_, _ = c.Get("q")
		_, _ = c.Get("other")
		s := c.Stats()
		assert.Equal(t, uint64(1), s.Hits)
		assert.Equal(t, uint64(1), s.Misses)
		assert.Equal(t, 1000, s.MaxSize)
		assert.InDelta(t, 50.0, s.HitRate, 0.001)
	})

	t.Run("clear", func(t *testing.T) {
		c := NewPlanCache[int](10, 0)
		c.Put("q", 1)
		c.Clear()
		assert.Equal(t, 0, c.Len())
	})

	t.Run("concurrent_access", func(t *testing.T) {
		c := NewPlanCache[int](50, 0)
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					q := fmt.Sprintf("q%d", i%80)
					if _, ok := c.Get(q); !ok {
						c.Put(q, i)
					}
				}
			}(g)
		}
		wg.Wait()
		assert.LessOrEqual(t, c.Len(), 50)
	})
}
