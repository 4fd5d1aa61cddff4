package cvr

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/xid"
)

// ErrInvalidCacheConfig indicates a non-positive cache size or ttl.
var ErrInvalidCacheConfig = errors.New("cvr: invalid cache config")

// Cache stores snapshots by opaque id on behalf of the client group they were
// computed for. Stored snapshots are never mutated. A missing id, or an id
// owned by another client group, is indistinguishable from a client that never
// synced.
type Cache interface {
	Get(clientGroupID, id string) (Snapshot, bool)
	Put(clientGroupID, id string, snapshot Snapshot)
}

type cacheEntry struct {
	clientGroupID string
	snapshot      Snapshot
}

// CacheStats holds hit and miss counters for a cache.
type CacheStats struct {
	hits   atomic.Int64
	misses atomic.Int64
}

// Hits returns the number of successful lookups.
func (s *CacheStats) Hits() int64 {
	return s.hits.Load()
}

// Misses returns the number of failed lookups.
func (s *CacheStats) Misses() int64 {
	return s.misses.Load()
}

// LRUCache is a size and ttl bounded snapshot cache.
type LRUCache struct {
	entries *expirable.LRU[string, cacheEntry]
	stats   *CacheStats
}

// NewLRUCache builds a cache holding at most size snapshots, each for at most ttl.
func NewLRUCache(size int, ttl time.Duration) (*LRUCache, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", ErrInvalidCacheConfig, size)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: ttl %s", ErrInvalidCacheConfig, ttl)
	}
	return &LRUCache{
		entries: expirable.NewLRU[string, cacheEntry](size, nil, ttl),
		stats:   &CacheStats{},
	}, nil
}

// Get returns the snapshot stored under id for clientGroupID. Entries owned by
// another client group are reported as misses.
func (c *LRUCache) Get(clientGroupID, id string) (Snapshot, bool) {
	entry, ok := c.entries.Get(id)
	if !ok || entry.clientGroupID != clientGroupID {
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return entry.snapshot, true
}

// Put stores a private copy of snapshot under id, owned by clientGroupID.
func (c *LRUCache) Put(clientGroupID, id string, snapshot Snapshot) {
	c.entries.Add(id, cacheEntry{clientGroupID: clientGroupID, snapshot: snapshot.Clone()})
}

// Len returns the number of live entries.
func (c *LRUCache) Len() int {
	return c.entries.Len()
}

// Stats exposes hit and miss counters.
func (c *LRUCache) Stats() *CacheStats {
	return c.stats
}

// Hits is shorthand for Stats().Hits().
func (c *LRUCache) Hits() int64 {
	return c.stats.Hits()
}

// Misses is shorthand for Stats().Misses().
func (c *LRUCache) Misses() int64 {
	return c.stats.Misses()
}

// IDProvider mints opaque snapshot identifiers.
type IDProvider interface {
	NewID() string
}

type xidProvider struct{}

// NewXIDProvider returns an IDProvider backed by globally unique, sortable xids.
func NewXIDProvider() IDProvider {
	return xidProvider{}
}

func (xidProvider) NewID() string {
	return xid.New().String()
}
