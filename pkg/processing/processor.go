// Package processing runs event processors: the consumers that turn
// committed events into read models, side effects, and saga progress. One
// Executor drives one processor from a transport subscription, tracking a
// checkpoint so the processor resumes where it left off.
package processing

import (
	"context"
	"errors"
	"sync"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Processor consumes committed events. Implementations are projections,
// side-effect handlers, and sagas; handlers must be idempotent because
// delivery is at-least-once.
type Processor interface {
	// Name identifies the processor. Checkpoints and durable transport
	// consumers key on it, so it must be stable across restarts.
	Name() string

	eventsourcing.EventHandler
}

// Resettable is implemented by processors that can discard their derived
// state so the executor can rebuild them from history.
type Resettable interface {
	Reset(ctx context.Context) error
}

// Projection is a processor that additionally serves queries. The
// application builder registers each returned handler with the query bus;
// one projection per query type.
type Projection interface {
	Processor

	// Queries returns the query handlers this projection serves, keyed by
	// query type tag.
	Queries() map[string]eventsourcing.QueryHandlerFunc
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() error { return e.err }

// Transient marks a handler error as retryable. The executor retries
// transient failures within its retry budget before giving the event back
// to the transport; every other error is treated as permanent.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether an error was marked with Transient.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// DeadLetterSink receives events the processor failed permanently on,
// together with the final error. A sink failure is treated as transient:
// the event is given back to the transport for redelivery.
type DeadLetterSink interface {
	Receive(ctx context.Context, processorName string, event *eventsourcing.Event, cause error) error
}

// DeadLetterFunc is a function adapter for DeadLetterSink.
type DeadLetterFunc func(ctx context.Context, processorName string, event *eventsourcing.Event, cause error) error

// Receive implements DeadLetterSink.
func (f DeadLetterFunc) Receive(ctx context.Context, processorName string, event *eventsourcing.Event, cause error) error {
	return f(ctx, processorName, event, cause)
}

// DeadLetter is one quarantined event.
type DeadLetter struct {
	ProcessorName string
	Event         *eventsourcing.Event
	Cause         error
}

// MemoryDeadLetterSink collects dead letters in memory, for tests and for
// wiring a real sink later without losing events in the meantime.
type MemoryDeadLetterSink struct {
	mu      sync.Mutex
	letters []DeadLetter
}

// NewMemoryDeadLetterSink creates an empty in-memory sink.
func NewMemoryDeadLetterSink() *MemoryDeadLetterSink {
	return &MemoryDeadLetterSink{}
}

// Receive implements DeadLetterSink.
func (s *MemoryDeadLetterSink) Receive(ctx context.Context, processorName string, event *eventsourcing.Event, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.letters = append(s.letters, DeadLetter{ProcessorName: processorName, Event: event, Cause: cause})
	return nil
}

// Letters returns the collected dead letters.
func (s *MemoryDeadLetterSink) Letters() []DeadLetter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DeadLetter, len(s.letters))
	copy(out, s.letters)
	return out
}
