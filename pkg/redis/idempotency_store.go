package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// IdempotencyStore remembers processed command results in Redis, with the
// TTL enforced server-side. Results are stored in the same reduced form as
// the SQLite backend: serialized event data without decoded payloads.
type IdempotencyStore struct {
	client    goredis.UniversalClient
	ownClient bool
	keyPrefix string
}

// NewIdempotencyStore creates an idempotency store.
func NewIdempotencyStore(opts ...Option) *IdempotencyStore {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	client, own := dial(cfg)
	return &IdempotencyStore{
		client:    client,
		ownClient: own,
		keyPrefix: cfg.keyPrefix,
	}
}

func (s *IdempotencyStore) commandKey(key string) string {
	return s.keyPrefix + "command:" + key
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (*eventsourcing.CommandResult, error) {
	data, err := s.client.Get(ctx, s.commandKey(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up idempotency key: %w", err)
	}

	result, err := store.DecodeCommandResult(data)
	if err != nil {
		return nil, fmt.Errorf("recorded result for key %s: %w", key, err)
	}
	return result, nil
}

func (s *IdempotencyStore) Record(ctx context.Context, key string, result *eventsourcing.CommandResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = store.DefaultCommandTTL
	}

	data, err := store.EncodeCommandResult(result)
	if err != nil {
		return fmt.Errorf("result for key %s: %w", key, err)
	}

	if err := s.client.Set(ctx, s.commandKey(key), data, ttl).Err(); err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// Close closes the client when this store dialed it.
func (s *IdempotencyStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

var _ store.IdempotencyStore = (*IdempotencyStore)(nil)
