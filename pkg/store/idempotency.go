package store

import (
	"context"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// DefaultCommandTTL is how long processed command keys are remembered when
// the caller does not specify a TTL.
const DefaultCommandTTL = 7 * 24 * time.Hour

// IdempotencyStore remembers the results of processed commands so a
// redelivered command returns its original outcome instead of running
// twice. Keys are recorded only after the command succeeds.
type IdempotencyStore interface {
	// Lookup returns the recorded result for a key, or nil if the key is
	// unseen or its record has expired.
	Lookup(ctx context.Context, key string) (*eventsourcing.CommandResult, error)

	// Record stores the result of a successfully processed command.
	// ttl <= 0 means DefaultCommandTTL.
	Record(ctx context.Context, key string, result *eventsourcing.CommandResult, ttl time.Duration) error

	// Close closes the store.
	Close() error
}

type idempotencyRecord struct {
	result    *eventsourcing.CommandResult
	expiresAt time.Time
}

// MemoryIdempotencyStore is a thread-safe in-memory idempotency store with
// lazy TTL expiry: expired records are dropped when they are next looked
// up.
type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	records map[string]idempotencyRecord
	closed  bool
}

// NewMemoryIdempotencyStore creates an empty in-memory idempotency store.
func NewMemoryIdempotencyStore() *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{
		records: make(map[string]idempotencyRecord),
	}
}

// Lookup returns the recorded result for a key, dropping it when expired.
func (s *MemoryIdempotencyStore) Lookup(ctx context.Context, key string) (*eventsourcing.CommandResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errClosed
	}

	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	if eventsourcing.Now().After(rec.expiresAt) {
		delete(s.records, key)
		return nil, nil
	}
	return rec.result, nil
}

// Record stores the result of a successfully processed command.
func (s *MemoryIdempotencyStore) Record(ctx context.Context, key string, result *eventsourcing.CommandResult, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ttl <= 0 {
		ttl = DefaultCommandTTL
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}
	s.records[key] = idempotencyRecord{
		result:    result,
		expiresAt: eventsourcing.Now().Add(ttl),
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryIdempotencyStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
