package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Snapshot is a serialized aggregate state at a specific version. Loading
// from a snapshot replaces replaying the stream up to that version.
type Snapshot struct {
	AggregateID   string
	AggregateType string
	Version       int64
	State         []byte
	CreatedAt     time.Time
}

// Snapshotable is implemented by aggregates that can be snapshotted and
// cached. MarshalSnapshot serializes the full domain state (not the
// envelope bookkeeping); UnmarshalSnapshot restores it on a fresh instance.
type Snapshotable interface {
	MarshalSnapshot() ([]byte, error)
	UnmarshalSnapshot(data []byte) error
}

// SnapshotStore persists aggregate snapshots.
type SnapshotStore interface {
	// SaveSnapshot persists a snapshot.
	SaveSnapshot(ctx context.Context, snapshot *Snapshot) error

	// LatestSnapshot returns the newest snapshot for an aggregate at or
	// below maxVersion; maxVersion 0 means no bound. Returns
	// eventsourcing.ErrSnapshotNotFound when there is none.
	LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*Snapshot, error)

	// DeleteOldSnapshots removes snapshots below the given version.
	DeleteOldSnapshots(ctx context.Context, aggregateID string, olderThanVersion int64) error

	// Close closes the snapshot store.
	Close() error
}

// SnapshotStrategy decides when a repository takes a new snapshot after a
// commit.
type SnapshotStrategy interface {
	ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64, lastSnapshotAt time.Time) bool
}

// NeverSnapshot never takes snapshots. This is the default strategy.
type NeverSnapshot struct{}

func (NeverSnapshot) ShouldCreateSnapshot(int64, int64, time.Time) bool { return false }

// EveryNEvents snapshots once a stream has accumulated N events since the
// previous snapshot.
type EveryNEvents struct {
	N int64
}

// NewEveryNEvents creates a strategy that snapshots every n events.
func NewEveryNEvents(n int64) EveryNEvents {
	return EveryNEvents{N: n}
}

func (s EveryNEvents) ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64, _ time.Time) bool {
	if s.N <= 0 {
		return false
	}
	return eventsSinceLastSnapshot >= s.N
}

// EveryInterval snapshots when the previous snapshot is older than the
// interval and new events exist.
type EveryInterval struct {
	Interval time.Duration
}

// NewEveryInterval creates a strategy that snapshots at most once per
// interval.
func NewEveryInterval(d time.Duration) EveryInterval {
	return EveryInterval{Interval: d}
}

func (s EveryInterval) ShouldCreateSnapshot(currentVersion, eventsSinceLastSnapshot int64, lastSnapshotAt time.Time) bool {
	if s.Interval <= 0 || eventsSinceLastSnapshot == 0 {
		return false
	}
	if lastSnapshotAt.IsZero() {
		return true
	}
	return eventsourcing.Now().Sub(lastSnapshotAt) >= s.Interval
}

// MemorySnapshotStore is a thread-safe in-memory snapshot store.
type MemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]*Snapshot // sorted by version, ascending
	closed    bool
}

// NewMemorySnapshotStore creates an empty in-memory snapshot store.
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		snapshots: make(map[string][]*Snapshot),
	}
}

// SaveSnapshot stores a snapshot, replacing any snapshot at the same
// version.
func (s *MemorySnapshotStore) SaveSnapshot(ctx context.Context, snapshot *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	list := s.snapshots[snapshot.AggregateID]
	idx := sort.Search(len(list), func(i int) bool { return list[i].Version >= snapshot.Version })
	if idx < len(list) && list[idx].Version == snapshot.Version {
		list[idx] = snapshot
	} else {
		list = append(list, nil)
		copy(list[idx+1:], list[idx:])
		list[idx] = snapshot
	}
	s.snapshots[snapshot.AggregateID] = list
	return nil
}

// LatestSnapshot returns the newest snapshot at or below maxVersion.
func (s *MemorySnapshotStore) LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, errClosed
	}

	list := s.snapshots[aggregateID]
	for i := len(list) - 1; i >= 0; i-- {
		if maxVersion == 0 || list[i].Version <= maxVersion {
			return list[i], nil
		}
	}
	return nil, fmt.Errorf("%w: aggregate %s", eventsourcing.ErrSnapshotNotFound, aggregateID)
}

// DeleteOldSnapshots removes snapshots below olderThanVersion.
func (s *MemorySnapshotStore) DeleteOldSnapshots(ctx context.Context, aggregateID string, olderThanVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errClosed
	}

	list := s.snapshots[aggregateID]
	kept := list[:0]
	for _, snap := range list {
		if snap.Version >= olderThanVersion {
			kept = append(kept, snap)
		}
	}
	if len(kept) == 0 {
		delete(s.snapshots, aggregateID)
	} else {
		s.snapshots[aggregateID] = kept
	}
	return nil
}

// Close marks the store closed.
func (s *MemorySnapshotStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
