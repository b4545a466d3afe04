package store

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// CacheEntry is a cached aggregate state. Like snapshots it carries the
// marshaled domain state, so any Snapshotable aggregate is cacheable and
// remote caches (redis) work the same as the in-process one.
type CacheEntry struct {
	AggregateID string
	Version     int64
	State       []byte
	CachedAt    time.Time
}

// AggregateCache is an advisory read-path accelerator. Entries may be
// stale or missing at any time; the repository validates the cached
// version against the stream head before trusting an entry.
type AggregateCache interface {
	// Get returns the cached entry for an aggregate, or nil on miss.
	Get(ctx context.Context, aggregateID string) (*CacheEntry, error)

	// Put stores an entry, replacing any previous one.
	Put(ctx context.Context, entry *CacheEntry) error

	// Remove drops an entry. Removing a missing entry is not an error.
	Remove(ctx context.Context, aggregateID string) error

	// Close closes the cache.
	Close() error
}

// CachePolicy decides which aggregates are cached after a commit.
type CachePolicy interface {
	ShouldCache(agg eventsourcing.Aggregate) bool
}

// NeverCache caches nothing. This is the default policy.
type NeverCache struct{}

func (NeverCache) ShouldCache(eventsourcing.Aggregate) bool { return false }

// AlwaysCache caches every committed aggregate.
type AlwaysCache struct{}

func (AlwaysCache) ShouldCache(eventsourcing.Aggregate) bool { return true }

// MemoryAggregateCache is a thread-safe in-process aggregate cache.
type MemoryAggregateCache struct {
	mu      sync.RWMutex
	entries map[string]*CacheEntry
	closed  bool
}

// NewMemoryAggregateCache creates an empty in-process cache.
func NewMemoryAggregateCache() *MemoryAggregateCache {
	return &MemoryAggregateCache{
		entries: make(map[string]*CacheEntry),
	}
}

// Get returns the cached entry for an aggregate, or nil on miss.
func (c *MemoryAggregateCache) Get(ctx context.Context, aggregateID string) (*CacheEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return nil, errClosed
	}
	return c.entries[aggregateID], nil
}

// Put stores an entry.
func (c *MemoryAggregateCache) Put(ctx context.Context, entry *CacheEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}
	c.entries[entry.AggregateID] = entry
	return nil
}

// Remove drops an entry.
func (c *MemoryAggregateCache) Remove(ctx context.Context, aggregateID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}
	delete(c.entries, aggregateID)
	return nil
}

// Close marks the cache closed.
func (c *MemoryAggregateCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return nil
}
