package estest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/saga"
	"github.com/plaenen/cqrskit/pkg/store"
)

// CommandRecorder is a saga.CommandDispatcher that records commands
// instead of executing them. Steps see an empty successful result.
type CommandRecorder struct {
	mu       sync.Mutex
	commands []eventsourcing.Command
}

// Dispatch implements saga.CommandDispatcher.
func (r *CommandRecorder) Dispatch(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.commands = append(r.commands, cmd)
	return &eventsourcing.CommandResult{
		CommandID:   cmd.ID(),
		ProcessedAt: eventsourcing.Now(),
	}, nil
}

// Commands returns the recorded commands in dispatch order.
func (r *CommandRecorder) Commands() []eventsourcing.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]eventsourcing.Command(nil), r.commands...)
}

// SagaScenario feeds events to a saga and asserts on instance state and
// the commands its steps dispatched. The saga runs against a fresh
// in-memory state store, with its dispatcher replaced by a recorder.
type SagaScenario[S any] struct {
	t        *testing.T
	saga     *saga.Saga[S]
	recorder *CommandRecorder
	feed     *feeder
	last     *eventsourcing.Event
	err      error
}

// ForSaga starts a scenario for the saga the factory builds. The factory
// receives the scenario's state store; the scenario binds the recorder
// as the saga's dispatcher afterwards.
func ForSaga[S any](
	t *testing.T,
	registry *eventsourcing.Registry,
	build func(states store.SagaStateStore) *saga.Saga[S],
) *SagaScenario[S] {
	t.Helper()

	sg := build(store.NewMemorySagaStateStore())
	require.NotNil(t, sg, "saga factory returned nil")

	recorder := &CommandRecorder{}
	sg.BindCommands(recorder)

	return &SagaScenario[S]{
		t:        t,
		saga:     sg,
		recorder: recorder,
		feed:     newFeeder(registry),
	}
}

// When feeds one event per payload on the given stream, each with a
// fresh execution context. Feeding stops at the first step failure; the
// error is held for ShouldFail.
func (s *SagaScenario[S]) When(aggregateID string, payloads ...any) *SagaScenario[S] {
	s.t.Helper()

	for _, payload := range payloads {
		evt, err := s.feed.next(aggregateID, "", payload)
		require.NoError(s.t, err, "encode payload %T", payload)

		s.last = evt
		ctx := eventsourcing.BeginEvent(context.Background(), evt)
		if err := s.saga.HandleEvent(ctx, evt); err != nil {
			s.err = err
			return s
		}
	}
	return s
}

// Redeliver feeds the most recent event again, unchanged, the way an
// at-least-once transport would after a missed ack.
func (s *SagaScenario[S]) Redeliver() *SagaScenario[S] {
	s.t.Helper()
	require.NotNil(s.t, s.last, "nothing to redeliver")

	ctx := eventsourcing.BeginEvent(context.Background(), s.last)
	if err := s.saga.HandleEvent(ctx, s.last); err != nil {
		s.err = err
	}
	return s
}

// ShouldHaveState asserts on the instance with the given id. A nil
// predicate asserts the instance is gone: terminated or never started.
func (s *SagaScenario[S]) ShouldHaveState(sagaID string, predicate func(state *S) bool) *SagaScenario[S] {
	s.t.Helper()
	require.NoError(s.t, s.err, "saga failed")

	state, err := s.saga.State(context.Background(), sagaID)
	if predicate == nil {
		require.ErrorIs(s.t, err, saga.ErrSagaStateMissing, "instance %s must be gone", sagaID)
		return s
	}
	require.NoError(s.t, err, "load saga state %s", sagaID)
	assert.True(s.t, predicate(state), "state check failed for instance %s: %+v", sagaID, state)
	return s
}

// ShouldDispatch asserts the steps dispatched exactly these command
// types, in order, since the scenario started. With no arguments it
// asserts nothing was dispatched.
func (s *SagaScenario[S]) ShouldDispatch(commandTypes ...string) *SagaScenario[S] {
	s.t.Helper()
	require.NoError(s.t, s.err, "saga failed")

	recorded := s.recorder.Commands()
	if len(commandTypes) == 0 {
		assert.Empty(s.t, recorded, "expected no dispatched commands")
		return s
	}
	got := make([]string, len(recorded))
	for i, cmd := range recorded {
		got[i] = cmd.CommandType()
	}
	assert.Equal(s.t, commandTypes, got, "dispatched command types")
	return s
}

// Dispatched returns the commands the steps dispatched, for assertions
// beyond command types.
func (s *SagaScenario[S]) Dispatched() []eventsourcing.Command {
	return s.recorder.Commands()
}

// ShouldFail asserts that a step failed. A target error is matched with
// errors.Is, a string by substring; nil accepts any failure.
func (s *SagaScenario[S]) ShouldFail(target any) *SagaScenario[S] {
	s.t.Helper()
	require.Error(s.t, s.err, "expected the saga to fail")

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
