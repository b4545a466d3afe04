package estest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/cqrskit/pkg/app"
	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// AggregateScenario drives one aggregate instance through its command
// handlers, Given/When/Then style. Given seeds history, When dispatches
// commands through a real command bus, and the Should methods assert on
// the outcome.
type AggregateScenario[A eventsourcing.Aggregate] struct {
	t           *testing.T
	app         *app.App
	events      eventsourcing.EventStore
	repo        *store.Repository[A]
	feed        *feeder
	aggregateID string
	aggType     string
	version     int64
	emitted     []*eventsourcing.Event
	err         error
	dispatched  bool
}

// ForAggregate starts a scenario for the aggregate instance with the
// given id, driven through the binding's command handlers. Every payload
// the scenario touches must be registered on the registry.
func ForAggregate[A eventsourcing.Aggregate](
	t *testing.T,
	binding *app.AggregateDef[A],
	registry *eventsourcing.Registry,
	aggregateID string,
) *AggregateScenario[A] {
	t.Helper()

	events := store.NewMemoryEventStore()
	application, err := app.New(
		app.WithEventStore(events),
		app.WithRegistry(registry),
		app.WithLogger(quietLogger()),
	).
		RegisterAggregate(binding).
		Build()
	require.NoError(t, err, "build scenario application")

	return &AggregateScenario[A]{
		t:           t,
		app:         application,
		events:      events,
		repo:        store.NewRepository(events, registry, binding.AggregateType(), binding.Factory(), store.WithLogger(quietLogger())),
		feed:        newFeeder(registry),
		aggregateID: aggregateID,
		aggType:     binding.AggregateType(),
	}
}

// Given seeds the instance's history with events carrying the payloads,
// in order, before any command runs.
func (s *AggregateScenario[A]) Given(payloads ...any) *AggregateScenario[A] {
	s.t.Helper()
	if s.dispatched {
		s.t.Fatal("Given must come before When")
	}
	if len(payloads) == 0 {
		return s
	}

	events := make([]*eventsourcing.Event, len(payloads))
	for i, payload := range payloads {
		evt, err := s.feed.next(s.aggregateID, s.aggType, payload)
		require.NoError(s.t, err, "encode given payload %T", payload)
		events[i] = evt
	}
	_, err := s.events.AppendEvents(context.Background(), s.aggregateID, s.version, events)
	require.NoError(s.t, err, "seed given events")
	s.version += int64(len(events))
	return s
}

// When dispatches the commands in order, each with a fresh execution
// context. Dispatching stops at the first failure; the error is held for
// ShouldFail.
func (s *AggregateScenario[A]) When(commands ...eventsourcing.Command) *AggregateScenario[A] {
	s.t.Helper()
	s.dispatched = true

	for _, cmd := range commands {
		result, err := s.app.Dispatch(context.Background(), cmd)
		if err != nil {
			s.err = err
			return s
		}
		s.emitted = append(s.emitted, result.Events...)
	}
	return s
}

// ShouldEmit asserts the When phase emitted exactly these events, in
// order. Each expectation is either a payload value (compared for
// equality) or an event type string.
func (s *AggregateScenario[A]) ShouldEmit(expected ...any) *AggregateScenario[A] {
	s.t.Helper()
	require.NoError(s.t, s.err, "command failed")
	require.Len(s.t, s.emitted, len(expected), "emitted event count")

	for i, want := range expected {
		got := s.emitted[i]
		switch want := want.(type) {
		case string:
			assert.Equal(s.t, want, got.EventType, "event %d type", i)
		default:
			assert.Equal(s.t, want, got.Payload, "event %d payload", i)
		}
	}
	return s
}

// ShouldEmitNothing asserts the When phase succeeded without emitting
// any events.
func (s *AggregateScenario[A]) ShouldEmitNothing() *AggregateScenario[A] {
	s.t.Helper()
	require.NoError(s.t, s.err, "command failed")
	assert.Empty(s.t, s.emitted, "expected no emitted events")
	return s
}

// ShouldHaveState reloads the aggregate from its stream and asserts the
// predicate holds.
func (s *AggregateScenario[A]) ShouldHaveState(predicate func(agg A) bool) *AggregateScenario[A] {
	s.t.Helper()
	require.NoError(s.t, s.err, "command failed")

	agg, err := s.repo.Load(context.Background(), s.aggregateID)
	require.NoError(s.t, err, "reload aggregate %s", s.aggregateID)
	assert.True(s.t, predicate(agg), "state check failed for %s at version %d", s.aggregateID, agg.Version())
	return s
}

// ShouldFail asserts the When phase failed. A target error is matched
// with errors.Is, a string by substring; nil accepts any failure.
func (s *AggregateScenario[A]) ShouldFail(target any) *AggregateScenario[A] {
	s.t.Helper()
	require.Error(s.t, s.err, "expected the command to fail")

	switch target := target.(type) {
	case nil:
	case error:
		assert.ErrorIs(s.t, s.err, target)
	case string:
		assert.ErrorContains(s.t, s.err, target)
	default:
		s.t.Fatalf("ShouldFail target must be an error or a string, got %T", target)
	}
	return s
}

// Emitted returns the events the When phase committed, for assertions
// beyond what the Should methods cover.
func (s *AggregateScenario[A]) Emitted() []*eventsourcing.Event {
	return s.emitted
}
