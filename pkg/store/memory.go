// Package store provides the persistence backends behind aggregates and
// processors: an event store, snapshots, aggregate caches, idempotency
// records, processor checkpoints, and saga state. Every interface ships
// with an in-memory implementation used as the default and in tests;
// durable implementations live in pkg/sqlite, pkg/nats, and pkg/redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

var errClosed = errors.New("store is closed")

// MemoryEventStore is a thread-safe in-memory event store. Streams are
// independent: each has its own contiguous version sequence starting at 1.
// A global append-ordered log backs LoadAllEvents for catchup and rebuilds.
type MemoryEventStore struct {
	mu      sync.RWMutex
	streams map[string][]*eventsourcing.Event
	log     []*eventsourcing.Event
	byID    map[string]int
	closed  bool
}

// NewMemoryEventStore creates an empty in-memory event store.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{
		streams: make(map[string][]*eventsourcing.Event),
		byID:    make(map[string]int),
	}
}

// AppendEvents appends events to a stream atomically. The whole batch is
// rejected with ErrConcurrencyConflict when the stream has moved past
// expectedVersion, and with ErrInvalidVersion when the batch does not
// carry the contiguous versions expectedVersion+1..expectedVersion+n.
func (s *MemoryEventStore) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if expectedVersion < 0 {
		return 0, fmt.Errorf("%w: expected version %d", eventsourcing.ErrInvalidVersion, expectedVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errClosed
	}

	stream := s.streams[streamID]
	current := int64(len(stream))
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at version %d, expected %d",
			eventsourcing.ErrConcurrencyConflict, streamID, current, expectedVersion)
	}

	for i, evt := range events {
		want := expectedVersion + int64(i) + 1
		if evt.Version != want {
			return 0, fmt.Errorf("%w: event %d carries version %d, expected %d",
				eventsourcing.ErrInvalidVersion, i, evt.Version, want)
		}
	}

	for _, evt := range events {
		stored := evt.Clone()
		stored.Payload = nil // only serialized data is at rest
		stream = append(stream, stored)
		s.byID[stored.ID] = len(s.log)
		s.log = append(s.log, stored)
	}
	s.streams[streamID] = stream

	return int64(len(stream)), nil
}

// LoadEvents loads a version range from a stream. fromVersion is inclusive
// (values below 1 mean the start); toVersion is inclusive with 0 meaning
// the head. A missing stream yields an empty slice.
func (s *MemoryEventStore) LoadEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	stream := s.streams[streamID]
	head := int64(len(stream))

	if fromVersion < 1 {
		fromVersion = 1
	}
	if toVersion == 0 || toVersion > head {
		toVersion = head
	}
	if fromVersion > toVersion {
		return nil, nil
	}

	events := make([]*eventsourcing.Event, 0, toVersion-fromVersion+1)
	for _, evt := range stream[fromVersion-1 : toVersion] {
		events = append(events, evt.Clone())
	}
	return events, nil
}

// StreamVersion returns the stream's current version, 0 for a missing
// stream.
func (s *MemoryEventStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, errClosed
	}
	return int64(len(s.streams[streamID])), nil
}

// RewriteEvents replaces stored events in place. Each replacement must
// match an existing event's version and id; rewriting is how eager
// upcasting persists upgraded payloads without changing history shape.
func (s *MemoryEventStore) RewriteEvents(ctx context.Context, streamID string, events []*eventsourcing.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	stream := s.streams[streamID]
	head := int64(len(stream))

	for _, evt := range events {
		if evt.Version < 1 || evt.Version > head {
			return fmt.Errorf("%w: no event at version %d in stream %s",
				eventsourcing.ErrInvalidVersion, evt.Version, streamID)
		}
		existing := stream[evt.Version-1]
		if existing.ID != evt.ID {
			return fmt.Errorf("rewrite stream %s version %d: id mismatch (%s != %s)",
				streamID, evt.Version, evt.ID, existing.ID)
		}
		stored := evt.Clone()
		stored.Payload = nil
		stream[evt.Version-1] = stored
		if pos, ok := s.byID[stored.ID]; ok {
			s.log[pos] = stored
		}
	}
	return nil
}

// LoadAllEvents returns up to limit events from the global append-ordered
// log, starting at fromPosition.
func (s *MemoryEventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	if fromPosition < 0 {
		fromPosition = 0
	}
	if fromPosition >= int64(len(s.log)) || limit <= 0 {
		return nil, nil
	}

	end := fromPosition + int64(limit)
	if end > int64(len(s.log)) {
		end = int64(len(s.log))
	}

	events := make([]*eventsourcing.Event, 0, end-fromPosition)
	for _, evt := range s.log[fromPosition:end] {
		events = append(events, evt.Clone())
	}
	return events, nil
}

// Close marks the store closed. Further calls fail.
func (s *MemoryEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

var _ eventsourcing.EventStore = (*MemoryEventStore)(nil)
var _ eventsourcing.StreamRewriter = (*MemoryEventStore)(nil)
var _ eventsourcing.HistoryReader = (*MemoryEventStore)(nil)
