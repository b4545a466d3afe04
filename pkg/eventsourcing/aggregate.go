package eventsourcing

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/idgen"
)

// Aggregate defines the interface that all aggregates must implement.
// Embed AggregateRoot to get id, version, and uncommitted-event tracking.
type Aggregate interface {
	// ID returns the unique identifier of the aggregate.
	ID() string

	// Type returns the type name of the aggregate.
	Type() string

	// Version returns the current version of the aggregate: the number of
	// events applied to it, committed or not.
	Version() int64

	// ApplyEvent applies an event to the aggregate's state. It is called
	// both when emitting a new event and when replaying history, and must
	// be pure: no I/O, no reads of the clock, no dependence on anything
	// but the event and current state.
	ApplyEvent(event *Event) error

	// UncommittedEvents returns events that have been applied but not yet persisted.
	UncommittedEvents() []*Event

	// ClearUncommittedEvents clears the uncommitted events after they've been persisted.
	ClearUncommittedEvents()
}

// versionAdopter lets the replay path move an embedded AggregateRoot's
// version forward without exposing a public setter.
type versionAdopter interface {
	adoptVersion(v int64)
}

// AggregateRoot provides base functionality for all aggregates.
// Use this as an embedded type in your aggregate implementations.
type AggregateRoot struct {
	id                string
	aggregateType     string
	version           int64
	uncommittedEvents []*Event
}

// NewAggregateRoot creates a new aggregate root with the given ID and type.
func NewAggregateRoot(id, aggregateType string) AggregateRoot {
	return AggregateRoot{
		id:            id,
		aggregateType: aggregateType,
	}
}

// ID returns the aggregate's unique identifier.
func (a *AggregateRoot) ID() string {
	return a.id
}

// Type returns the aggregate's type name.
func (a *AggregateRoot) Type() string {
	return a.aggregateType
}

// Version returns the aggregate's current version.
func (a *AggregateRoot) Version() int64 {
	return a.version
}

// UncommittedEvents returns events that haven't been persisted yet.
func (a *AggregateRoot) UncommittedEvents() []*Event {
	return a.uncommittedEvents
}

// ClearUncommittedEvents clears the uncommitted events list.
func (a *AggregateRoot) ClearUncommittedEvents() {
	a.uncommittedEvents = nil
}

func (a *AggregateRoot) adoptVersion(v int64) {
	if v > a.version {
		a.version = v
	}
}

// Emit records a new event carrying the given payload. The envelope gets
// the next version, a UTC timestamp, and correlation/causation from the
// execution context; the event is applied to owner immediately, so logic
// after Emit in the same handler sees the updated state.
//
// owner is the aggregate embedding this root; Go cannot reach the outer
// value from an embedded field, so handlers pass the receiver explicitly:
//
//	func (a *Account) Deposit(ctx context.Context, amount decimal.Decimal) error {
//		return a.Emit(ctx, a, MoneyDeposited{Amount: amount})
//	}
func (a *AggregateRoot) Emit(ctx context.Context, owner Aggregate, payload any) error {
	exec, _ := ExecutionFrom(ctx)

	var eventID string
	if exec.CommandID != "" {
		// Deterministic ID: a redispatched command reproduces its event ids.
		eventID = GenerateDeterministicEventID(exec.CommandID, a.id, len(a.uncommittedEvents))
	} else {
		eventID = idgen.MustSortableID()
	}

	evt := &Event{
		ID:            eventID,
		AggregateID:   a.id,
		AggregateType: a.aggregateType,
		Version:       a.version + 1,
		Timestamp:     Now().UTC(),
		Payload:       payload,
		Metadata: EventMetadata{
			CausationID:   exec.CommandID,
			CorrelationID: exec.CorrelationID,
			PrincipalID:   exec.PrincipalID,
		},
	}

	if err := owner.ApplyEvent(evt); err != nil {
		return fmt.Errorf("apply emitted event: %w", err)
	}

	a.version++
	a.uncommittedEvents = append(a.uncommittedEvents, evt)
	return nil
}

// Replay reconstructs aggregate state from historical events, which must be
// ordered by version. Events at or below the current version are skipped,
// so replay after a snapshot seed picks up exactly where the snapshot ends.
// After replay the aggregate's version equals the highest applied version.
func Replay(owner Aggregate, events []*Event) error {
	adopter, _ := owner.(versionAdopter)
	for _, evt := range events {
		if evt.Version <= owner.Version() {
			continue
		}
		if err := owner.ApplyEvent(evt); err != nil {
			return fmt.Errorf("replay event %s (version %d): %w", evt.ID, evt.Version, err)
		}
		if adopter != nil {
			adopter.adoptVersion(evt.Version)
		}
	}
	return nil
}

// SeedVersion moves an aggregate's version forward to the given value.
// Repositories call this after restoring state from a snapshot, before
// replaying the remaining events. Aggregates that don't embed
// AggregateRoot must adopt the version in their snapshot restore instead.
func SeedVersion(agg Aggregate, version int64) {
	if adopter, ok := agg.(versionAdopter); ok {
		adopter.adoptVersion(version)
	}
}

// ExpectedVersion returns the stream version the aggregate was loaded at:
// the optimistic concurrency gate for appending its uncommitted events.
func ExpectedVersion(agg Aggregate) int64 {
	return agg.Version() - int64(len(agg.UncommittedEvents()))
}
