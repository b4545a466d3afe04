package observability

import (
	"context"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// MetricsMiddleware records command and query executions on the
// instrument bundle. Register it on both buses; it pairs with the
// tracing middleware, which owns the spans.
type MetricsMiddleware struct {
	metrics *Metrics
}

// NewMetricsMiddleware creates a metrics middleware. A nil bundle makes
// every interception a passthrough.
func NewMetricsMiddleware(metrics *Metrics) *MetricsMiddleware {
	return &MetricsMiddleware{metrics: metrics}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *MetricsMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	start := time.Now()
	result, err := next(ctx, cmd)
	m.metrics.RecordCommand(ctx, cmd.CommandType(), time.Since(start), err)
	return result, err
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (m *MetricsMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	start := time.Now()
	result, err := next(ctx, q)
	m.metrics.RecordQuery(ctx, q.QueryType(), time.Since(start))
	return result, err
}

// InstrumentedEventStore decorates an event store with spans and append
// counters. Loads and appends show up as child spans of whatever command
// is executing.
type InstrumentedEventStore struct {
	inner   eventsourcing.EventStore
	tel     *Telemetry
	typeOf  func(streamID string) string
	metrics *Metrics
}

// NewInstrumentedEventStore wraps store. The aggregate type attribute on
// append metrics comes from typeOf; nil labels every stream "unknown".
func NewInstrumentedEventStore(store eventsourcing.EventStore, tel *Telemetry, typeOf func(streamID string) string) *InstrumentedEventStore {
	if typeOf == nil {
		typeOf = func(string) string { return "unknown" }
	}
	return &InstrumentedEventStore{
		inner:   store,
		tel:     tel,
		typeOf:  typeOf,
		metrics: tel.Metrics,
	}
}

// AppendEvents implements eventsourcing.EventStore.
func (s *InstrumentedEventStore) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	ctx, span := s.tel.Tracer("").Start(ctx, "eventstore.append")
	span.SetAttributes(
		AttrAggregateID.String(streamID),
		AttrEventCount.Int(len(events)),
	)

	version, err := s.inner.AppendEvents(ctx, streamID, expectedVersion, events)
	if err == nil {
		s.metrics.RecordAppend(ctx, s.typeOf(streamID), len(events))
	}
	EndSpan(span, err)
	return version, err
}

// LoadEvents implements eventsourcing.EventStore.
func (s *InstrumentedEventStore) LoadEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	ctx, span := s.tel.Tracer("").Start(ctx, "eventstore.load")
	span.SetAttributes(AttrAggregateID.String(streamID))

	events, err := s.inner.LoadEvents(ctx, streamID, fromVersion, toVersion)
	if err == nil {
		span.SetAttributes(AttrEventCount.Int(len(events)))
	}
	EndSpan(span, err)
	return events, err
}

// StreamVersion implements eventsourcing.EventStore.
func (s *InstrumentedEventStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	return s.inner.StreamVersion(ctx, streamID)
}

// Close implements eventsourcing.EventStore.
func (s *InstrumentedEventStore) Close() error {
	return s.inner.Close()
}

var _ eventsourcing.EventStore = (*InstrumentedEventStore)(nil)
