// Package cache holds record data (leaf node payloads) keyed by LSN.
package cache

import (
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/elastic/go-freelru"
	"github.com/pkg/errors"
)

const (
	MinCacheSize = 16 // Minimum: hold the records of concurrent cursors
)

// Cache is a bounded LRU of record data. Versions are immutable, so an LSN
// never maps to different bytes and entries never need invalidation for
// correctness, only for memory.
type Cache struct {
	lru *freelru.SyncedLRU[uint64, []byte]

	// Stats
	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// Stats are cumulative cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Size      int
}

func hashLSN(lsn uint64) uint32 {
	var b [8]byte
	for i := range b {
		b[i] = byte(lsn >> (8 * i))
	}
	return uint32(xxhash.Sum64(b[:]))
}

// New creates a cache holding up to maxSize records.
func New(maxSize int) (*Cache, error) {
	maxSize = max(maxSize, MinCacheSize)

	lru, err := freelru.NewSynced[uint64, []byte](uint32(maxSize), hashLSN)
	if err != nil {
		return nil, errors.Wrap(err, "create record cache")
	}

	c := &Cache{lru: lru}
	lru.SetOnEvict(func(uint64, []byte) {
		c.evictions.Add(1)
	})
	return c, nil
}

// Get returns the data at lsn and marks it recently used.
func (c *Cache) Get(lsn uint64) ([]byte, bool) {
	data, ok := c.lru.Get(lsn)
	c.count(ok)
	return data, ok
}

// Peek returns the data at lsn without touching recency.
func (c *Cache) Peek(lsn uint64) ([]byte, bool) {
	data, ok := c.lru.Peek(lsn)
	c.count(ok)
	return data, ok
}

func (c *Cache) count(hit bool) {
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// Put caches data for lsn. The slice must not be modified afterwards.
func (c *Cache) Put(lsn uint64, data []byte) {
	c.lru.Add(lsn, data)
}

// Delete drops lsn from the cache.
func (c *Cache) Delete(lsn uint64) {
	c.lru.Remove(lsn)
}

// Size returns the number of cached records.
func (c *Cache) Size() int {
	return c.lru.Len()
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.lru.Len(),
	}
}
