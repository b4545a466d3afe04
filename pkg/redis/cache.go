package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/cqrskit/pkg/store"
)

// AggregateCache is a Redis-backed aggregate cache. Entries expire after
// the configured TTL, so cold aggregates fall out on their own, and a
// restarted process finds the state its peers kept warm.
type AggregateCache struct {
	client    goredis.UniversalClient
	ownClient bool
	keyPrefix string
	ttl       time.Duration
}

// NewAggregateCache creates an aggregate cache.
//
//	cache := redis.NewAggregateCache(
//		redis.WithAddr("localhost:6379"),
//		redis.WithCacheTTL(15*time.Minute),
//	)
func NewAggregateCache(opts ...Option) *AggregateCache {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheTTL < 0 {
		cfg.cacheTTL = 0
	}

	client, own := dial(cfg)
	return &AggregateCache{
		client:    client,
		ownClient: own,
		keyPrefix: cfg.keyPrefix,
		ttl:       cfg.cacheTTL,
	}
}

// cacheEntry is the persisted shape of a cached aggregate.
type cacheEntry struct {
	AggregateID string    `json:"aggregate_id"`
	Version     int64     `json:"version"`
	State       []byte    `json:"state,omitempty"`
	CachedAt    time.Time `json:"cached_at"`
}

func (c *AggregateCache) entryKey(aggregateID string) string {
	return c.keyPrefix + "aggregate:" + aggregateID
}

// Get returns the cached entry for an aggregate, or nil on miss. An entry
// that no longer decodes is dropped and reported as a miss, so a corrupt
// key heals on the next Put instead of erroring every read until it
// expires.
func (c *AggregateCache) Get(ctx context.Context, aggregateID string) (*store.CacheEntry, error) {
	data, err := c.client.Get(ctx, c.entryKey(aggregateID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get cached aggregate %s: %w", aggregateID, err)
	}

	var entry cacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.client.Del(ctx, c.entryKey(aggregateID))
		return nil, nil
	}

	return &store.CacheEntry{
		AggregateID: entry.AggregateID,
		Version:     entry.Version,
		State:       entry.State,
		CachedAt:    entry.CachedAt,
	}, nil
}

// Put stores an entry under the cache TTL, replacing any previous one.
func (c *AggregateCache) Put(ctx context.Context, entry *store.CacheEntry) error {
	data, err := json.Marshal(cacheEntry{
		AggregateID: entry.AggregateID,
		Version:     entry.Version,
		State:       entry.State,
		CachedAt:    entry.CachedAt,
	})
	if err != nil {
		return fmt.Errorf("encode cached aggregate %s: %w", entry.AggregateID, err)
	}

	if err := c.client.Set(ctx, c.entryKey(entry.AggregateID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache aggregate %s: %w", entry.AggregateID, err)
	}
	return nil
}

// Remove drops an entry. Removing a missing entry is not an error.
func (c *AggregateCache) Remove(ctx context.Context, aggregateID string) error {
	if err := c.client.Del(ctx, c.entryKey(aggregateID)).Err(); err != nil {
		return fmt.Errorf("remove cached aggregate %s: %w", aggregateID, err)
	}
	return nil
}

// Close closes the client when this cache dialed it.
func (c *AggregateCache) Close() error {
	if c.ownClient {
		return c.client.Close()
	}
	return nil
}

var _ store.AggregateCache = (*AggregateCache)(nil)
