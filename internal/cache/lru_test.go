package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicGetPut(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRU_Eviction(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, int](3, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Get("a")
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "b is least recently used")
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_TTLExpiration(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, bool](10, 5*time.Minute)
	now := time.Unix(1_700_000_000, 0)
	c.nowFn = func() time.Time { return now }

	c.Put("a", true)
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.nowFn = func() time.Time { return now.Add(6 * time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry is dropped on read")
}

func TestLRU_ZeroTTLNeverExpires(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, int](2, 0)
	now := time.Unix(0, 0)
	c.nowFn = func() time.Time { return now }
	c.Put("k", 7)

	c.nowFn = func() time.Time { return now.Add(24 * 365 * time.Hour) }
	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestLRU_DeleteAndPurge(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, int](10, time.Minute)
	c.Put("a", 1)
	c.Put("b", 2)

	c.Delete("a")
	c.Delete("absent")
	_, ok := c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())

	c.Purge()
	assert.Equal(t, 0, c.Len())
	c.Put("c", 3)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_Stats(t *testing.T) {
	t.Parallel()
	c := NewLRU[string, bool](10, time.Minute)
	c.Put("a", true)
	c.Get("a")
	c.Get("a")
	c.Get("miss")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}

func TestNewLRU_DefaultCapacity(t *testing.T) {
	t.Parallel()
	c := NewLRU[int, int](0, time.Minute)
	assert.Equal(t, 1024, c.capacity)
}
