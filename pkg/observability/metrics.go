package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the instruments for the command and event pipeline.
// All Record helpers are nil-safe: recording on a nil bundle is a no-op,
// so callers never guard.
type Metrics struct {
	// Command side.
	CommandDuration metric.Float64Histogram
	Commands        metric.Int64Counter
	CommandErrors   metric.Int64Counter

	// Query side.
	QueryDuration metric.Float64Histogram

	// Event side.
	EventsAppended  metric.Int64Counter
	EventsPublished metric.Int64Counter

	// Processors. Same names as the executor gauges, so both paths land
	// on one instrument.
	ProcessorUnprocessed metric.Int64Gauge
	ProcessorEventAge    metric.Float64Gauge

	// Sagas and snapshots.
	SagaSteps      metric.Int64Counter
	SnapshotsTaken metric.Int64Counter
}

// NewMetrics creates the instrument bundle on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CommandDuration, err = meter.Float64Histogram(
		"cqrskit.command.duration",
		metric.WithDescription("Command execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create command.duration: %w", err)
	}

	m.Commands, err = meter.Int64Counter(
		"cqrskit.command.total",
		metric.WithDescription("Commands dispatched"),
	)
	if err != nil {
		return nil, fmt.Errorf("create command.total: %w", err)
	}

	m.CommandErrors, err = meter.Int64Counter(
		"cqrskit.command.errors",
		metric.WithDescription("Commands that returned an error"),
	)
	if err != nil {
		return nil, fmt.Errorf("create command.errors: %w", err)
	}

	m.QueryDuration, err = meter.Float64Histogram(
		"cqrskit.query.duration",
		metric.WithDescription("Query execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create query.duration: %w", err)
	}

	m.EventsAppended, err = meter.Int64Counter(
		"cqrskit.events.appended",
		metric.WithDescription("Events appended to the event store"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.appended: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter(
		"cqrskit.events.published",
		metric.WithDescription("Events handed to the event transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("create events.published: %w", err)
	}

	m.ProcessorUnprocessed, err = meter.Int64Gauge(
		"cqrskit.processor.unprocessed_events",
		metric.WithDescription("Events waiting on the transport for this processor"),
	)
	if err != nil {
		return nil, fmt.Errorf("create processor.unprocessed_events: %w", err)
	}

	m.ProcessorEventAge, err = meter.Float64Gauge(
		"cqrskit.processor.event_age",
		metric.WithDescription("Average age of the last processed batch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create processor.event_age: %w", err)
	}

	m.SagaSteps, err = meter.Int64Counter(
		"cqrskit.saga.steps",
		metric.WithDescription("Saga steps executed"),
	)
	if err != nil {
		return nil, fmt.Errorf("create saga.steps: %w", err)
	}

	m.SnapshotsTaken, err = meter.Int64Counter(
		"cqrskit.snapshots.taken",
		metric.WithDescription("Aggregate snapshots written"),
	)
	if err != nil {
		return nil, fmt.Errorf("create snapshots.taken: %w", err)
	}

	return m, nil
}

// RecordCommand records one command execution.
func (m *Metrics) RecordCommand(ctx context.Context, commandType string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command_type", commandType))
	m.CommandDuration.Record(ctx, duration.Seconds(), attrs)
	m.Commands.Add(ctx, 1, attrs)
	if err != nil {
		m.CommandErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("command_type", commandType),
			attribute.String("error_type", fmt.Sprintf("%T", err)),
		))
	}
}

// RecordQuery records one query execution.
func (m *Metrics) RecordQuery(ctx context.Context, queryType string, duration time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.Record(ctx, duration.Seconds(),
		metric.WithAttributes(attribute.String("query_type", queryType)))
}

// RecordAppend records events committed to a stream.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.EventsAppended.Add(ctx, int64(count),
		metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}

// RecordPublish records events handed to the transport.
func (m *Metrics) RecordPublish(ctx context.Context, count int) {
	if m == nil || count == 0 {
		return
	}
	m.EventsPublished.Add(ctx, int64(count))
}

// RecordProcessorLag records a processor's backlog and event age.
func (m *Metrics) RecordProcessorLag(ctx context.Context, processor string, unprocessed int64, eventAge time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("processor", processor))
	m.ProcessorUnprocessed.Record(ctx, unprocessed, attrs)
	m.ProcessorEventAge.Record(ctx, eventAge.Seconds(), attrs)
}

// RecordSagaStep records one executed saga step.
func (m *Metrics) RecordSagaStep(ctx context.Context, saga, step string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.SagaSteps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", saga),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

// RecordSnapshot records one snapshot write.
func (m *Metrics) RecordSnapshot(ctx context.Context, aggregateType string) {
	if m == nil {
		return
	}
	m.SnapshotsTaken.Add(ctx, 1,
		metric.WithAttributes(attribute.String("aggregate_type", aggregateType)))
}
