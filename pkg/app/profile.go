package app

import (
	"fmt"

	"github.com/plaenen/cqrskit/pkg/sqlite"
	"github.com/plaenen/cqrskit/pkg/store"
)

// Profile groups registrations and options that belong together, as in
// "everything in memory" or "durable on this database". Apply one with
// WithProfile or Builder.With.
type Profile interface {
	Apply(b *Builder)
}

// ProfileFunc adapts a function to the Profile interface.
type ProfileFunc func(*Builder)

// Apply calls f.
func (f ProfileFunc) Apply(b *Builder) { f(b) }

// Memory wires every backend to its in-memory implementation with
// synchronous delivery. The profile for tests and single-process demos.
func Memory() Profile {
	return ProfileFunc(func(b *Builder) {
		b.With(
			WithDelivery(SyncDelivery),
			WithEventStore(store.NewMemoryEventStore()),
			WithSnapshotStore(store.NewMemorySnapshotStore()),
			WithCache(store.NewMemoryAggregateCache()),
			WithIdempotencyStore(store.NewMemoryIdempotencyStore()),
			WithCheckpointStore(store.NewMemoryCheckpointStore()),
			WithSagaStateStore(store.NewMemorySagaStateStore()),
		)
	})
}

// SQLite wires the event, snapshot, idempotency, checkpoint, and saga
// state stores to one SQLite database opened with the given options. The
// delivery mode is left alone; pick it separately. Construction errors
// surface from Build.
func SQLite(opts ...sqlite.Option) Profile {
	return ProfileFunc(func(b *Builder) {
		events, err := sqlite.NewEventStore(opts...)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("sqlite profile: event store: %w", err))
			return
		}
		db := events.DB()

		snapshots, err := sqlite.NewSnapshotStore(db)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("sqlite profile: snapshot store: %w", err))
			return
		}
		idempotency, err := sqlite.NewIdempotencyStore(db)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("sqlite profile: idempotency store: %w", err))
			return
		}
		checkpoints, err := sqlite.NewCheckpointStore(db)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("sqlite profile: checkpoint store: %w", err))
			return
		}
		sagaStates, err := sqlite.NewSagaStateStore(db)
		if err != nil {
			b.errs = append(b.errs, fmt.Errorf("sqlite profile: saga state store: %w", err))
			return
		}

		b.With(
			WithEventStore(events),
			WithSnapshotStore(snapshots),
			WithIdempotencyStore(idempotency),
			WithCheckpointStore(checkpoints),
			WithSagaStateStore(sagaStates),
		)
	})
}
