package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheBasics(t *testing.T) {
	t.Parallel()

	c, err := New(10)
	require.NoError(t, err)

	// Test cache miss
	_, hit := c.Get(1)
	assert.False(t, hit, "Expected cache miss for LSN 1")

	c.Put(1, []byte("one"))

	// Should now hit
	data, hit := c.Get(1)
	assert.True(t, hit, "Expected cache hit for LSN 1")
	assert.Equal(t, []byte("one"), data)
	assert.Equal(t, 1, c.Size())

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	c.Delete(1)
	_, hit = c.Peek(1)
	assert.False(t, hit)
	assert.Equal(t, 0, c.Size())
}

func TestCacheMinimumSize(t *testing.T) {
	t.Parallel()

	c, err := New(1)
	require.NoError(t, err)
	for i := uint64(0); i < MinCacheSize; i++ {
		c.Put(i, []byte{byte(i)})
	}
	assert.Equal(t, MinCacheSize, c.Size())
}

func TestCacheEviction(t *testing.T) {
	t.Parallel()

	const size = 32
	c, err := New(size)
	require.NoError(t, err)

	for i := uint64(0); i < 4*size; i++ {
		c.Put(i, []byte{byte(i)})
	}

	assert.LessOrEqual(t, c.Size(), size)
	assert.Positive(t, c.Stats().Evictions)

	// The most recent insert survives
	_, hit := c.Peek(4*size - 1)
	assert.True(t, hit)
}

func TestCachePurge(t *testing.T) {
	t.Parallel()

	c, err := New(16)
	require.NoError(t, err)
	c.Put(1, []byte("a"))
	c.Put(2, []byte("b"))
	c.Purge()
	assert.Equal(t, 0, c.Size())
}
