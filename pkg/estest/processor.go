package estest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/processing"
)

// ProcessorScenario feeds events to a processor the way an executor
// would: decoded payload, full envelope, fresh execution context per
// event.
type ProcessorScenario struct {
	t         *testing.T
	processor processing.Processor
	feed      *feeder
	err       error
}

// ForProcessor starts a scenario for the given processor. Payload types
// must be registered on the registry.
func ForProcessor(t *testing.T, registry *eventsourcing.Registry, p processing.Processor) *ProcessorScenario {
	t.Helper()
	require.NotNil(t, p, "processor must not be nil")

	return &ProcessorScenario{
		t:         t,
		processor: p,
		feed:      newFeeder(registry),
	}
}

// When feeds one event per payload on the given stream, versions
// ascending. Feeding stops at the first handler failure; the error is
// held for ShouldFail.
func (s *ProcessorScenario) When(aggregateID string, payloads ...any) *ProcessorScenario {
	s.t.Helper()

	for _, payload := range payloads {
		evt, err := s.feed.next(aggregateID, "", payload)
		require.NoError(s.t, err, "encode payload %T", payload)

		ctx := eventsourcing.BeginEvent(context.Background(), evt)
		if err := s.processor.HandleEvent(ctx, evt); err != nil {
			s.err = err
			return s
		}
	}
	return s
}

// ShouldAnswer asserts the processor is a projection that answers the
// query with the given result.
func (s *ProcessorScenario) ShouldAnswer(q eventsourcing.Query, want any) *ProcessorScenario {
	s.t.Helper()
	require.NoError(s.t, s.err, "processor failed")

	projection, ok := s.processor.(processing.Projection)
	require.True(s.t, ok, "processor %s serves no queries", s.processor.Name())
	handler, ok := projection.Queries()[q.QueryType()]
	require.True(s.t, ok, "projection %s has no handler for query %s", projection.Name(), q.QueryType())

	got, err := handler(eventsourcing.BeginQuery(context.Background(), q), q)
	require.NoError(s.t, err, "query %s", q.QueryType())
	assert.Equal(s.t, want, got, "query %s result", q.QueryType())
	return s
}

// ShouldFail asserts that handling failed. A target error is matched
// with errors.Is, a string by substring; nil accepts any failure.
func (s *ProcessorScenario) ShouldFail(target any) *ProcessorScenario {
	s.t.Helper()
	require.Error(s.t, s.err, "expected the processor to fail")

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
