package eventsourcing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Event represents a domain event that has occurred in the system.
// Events are immutable facts about state changes.
type Event struct {
	// ID is the unique identifier for this event (deterministic when
	// produced by a command, see GenerateDeterministicEventID)
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// AggregateType is the type name of the aggregate (e.g., "Account", "Order")
	AggregateType string

	// EventType is the registered payload type tag. It is assigned together
	// with Data when the event is encoded for persistence.
	EventType string

	// Version is the sequence number of this event within its aggregate's
	// stream, starting at 1. For a given aggregate the versions are
	// contiguous and strictly increasing.
	Version int64

	// Timestamp is when the event was emitted (UTC)
	Timestamp time.Time

	// Payload is the decoded, typed payload. It is set on emit and after
	// decoding a loaded event through the payload registry.
	Payload any

	// Data is the serialized payload as persisted by the event store
	Data []byte

	// Metadata contains additional contextual information
	Metadata EventMetadata
}

// EventMetadata contains contextual information about an event.
type EventMetadata struct {
	// CausationID is the ID of the command that caused this event
	CausationID string

	// CorrelationID is used to trace related events across aggregates
	CorrelationID string

	// PrincipalID is the identifier of the principal who triggered this event
	PrincipalID string

	// Custom allows for application-specific metadata
	Custom map[string]string
}

// Clone returns a copy of the event with its own metadata map. The payload
// and data are shared; both are treated as immutable once emitted.
func (e *Event) Clone() *Event {
	clone := *e
	if e.Metadata.Custom != nil {
		clone.Metadata.Custom = make(map[string]string, len(e.Metadata.Custom))
		for k, v := range e.Metadata.Custom {
			clone.Metadata.Custom[k] = v
		}
	}
	return &clone
}

// EventStore defines the interface for persisting and retrieving events.
//
// Implementations guarantee per-stream ordering: versions within a stream
// are contiguous, gap-free, and strictly increasing. No total order across
// streams is required.
type EventStore interface {
	// AppendEvents appends events to a stream atomically and returns the
	// committed version. The append fails with ErrConcurrencyConflict when
	// the stream's current version differs from expectedVersion, and with
	// ErrInvalidVersion when the events do not carry the contiguous
	// versions expectedVersion+1..expectedVersion+len(events).
	AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []*Event) (int64, error)

	// LoadEvents loads events for a stream ordered by version.
	// fromVersion is inclusive (use 1 for the whole stream); toVersion is
	// inclusive with 0 meaning the head of the stream.
	LoadEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]*Event, error)

	// StreamVersion returns the current version of a stream.
	// Returns 0 if the stream doesn't exist.
	StreamVersion(ctx context.Context, streamID string) (int64, error)

	// Close closes the event store and releases resources.
	Close() error
}

// StreamRewriter is an optional event store capability used by eager
// upcasting. RewriteEvents replaces persisted events in place, preserving
// ids and versions. Stores without this capability cause eager upcasting to
// degrade to lazy.
type StreamRewriter interface {
	RewriteEvents(ctx context.Context, streamID string, events []*Event) error
}

// HistoryReader is an optional event store capability providing a global,
// append-ordered iterator across all streams. Processor executors use it
// for store-driven catchup and projection rebuilds.
type HistoryReader interface {
	// LoadAllEvents returns up to limit events starting at the global
	// position (0-based append order). Fewer than limit events means the
	// end of history was reached.
	LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*Event, error)
}

// EventBus hands committed events to downstream processors. The concrete
// bus decides between synchronous in-process fanout and asynchronous
// delivery through an EventTransport.
type EventBus interface {
	// Publish publishes committed events in commit order.
	Publish(ctx context.Context, events []*Event) error

	// Close closes the event bus and releases resources.
	Close() error
}

// EventHandler is implemented by event processors, projections, and sagas.
// Handlers not interested in an event type return nil (permissive routing).
type EventHandler interface {
	HandleEvent(ctx context.Context, event *Event) error
}

// GenerateDeterministicEventID generates a deterministic event ID from
// command context. The same command always produces the same event ids, so
// a redispatched command dedupes at the broker and store level.
func GenerateDeterministicEventID(commandID, aggregateID string, sequence int) string {
	h := sha256.New()
	h.Write([]byte(fmt.Sprintf("%s:%s:%d", commandID, aggregateID, sequence)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
