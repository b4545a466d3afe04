package processing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
	"github.com/plaenen/cqrskit/pkg/upcasting"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Defaults for executor tuning knobs.
const (
	DefaultBatchSize       = 100
	DefaultRetryBudget     = 3
	DefaultRedeliveryDelay = 200 * time.Millisecond
)

// Executor drives one processor from a transport subscription. It restores
// the processor's checkpoint, consumes events in batches, applies the
// skip-before watermark, decodes payloads, dispatches to the processor, and
// advances the checkpoint after every acknowledged event.
//
// Run and Rebuild must not be invoked concurrently for the same executor.
type Executor struct {
	processor   Processor
	transport   eventsourcing.EventTransport
	registry    *eventsourcing.Registry
	checkpoints store.CheckpointStore

	condition       Condition
	strategy        Strategy
	deadLetter      DeadLetterSink
	upcasters       *upcasting.Pipeline
	retryBudget     int
	batchSize       int
	redeliveryDelay time.Duration
	meter           metric.Meter
	logger          *slog.Logger

	metrics     *executorMetrics
	position    int64
	lastEventID string
	skipBefore  time.Time

	mu      sync.Mutex
	lastLag Lag
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCatchup sets the catchup condition and the strategy run when it
// triggers.
func WithCatchup(condition Condition, strategy Strategy) ExecutorOption {
	return func(e *Executor) {
		if condition != nil {
			e.condition = condition
		}
		if strategy != nil {
			e.strategy = strategy
		}
	}
}

// WithDeadLetterSink routes permanently failed events to the sink instead
// of logging and skipping them.
func WithDeadLetterSink(sink DeadLetterSink) ExecutorOption {
	return func(e *Executor) {
		e.deadLetter = sink
	}
}

// WithUpcasting applies the pipeline to events before decoding. Needed when
// durable consumers or rebuilds can observe events persisted under old
// schema versions.
func WithUpcasting(pipeline *upcasting.Pipeline) ExecutorOption {
	return func(e *Executor) {
		e.upcasters = pipeline
	}
}

// WithRetryBudget sets how many times a transient handler failure is
// retried in place before the event goes back to the transport.
func WithRetryBudget(n int) ExecutorOption {
	return func(e *Executor) {
		if n >= 0 {
			e.retryBudget = n
		}
	}
}

// WithBatchSize caps how many events are drained per batch.
func WithBatchSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithRedeliveryDelay sets the pause after an event is returned to the
// transport, so a persistently failing event does not spin the loop.
func WithRedeliveryDelay(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.redeliveryDelay = d
		}
	}
}

// WithMeter enables the per-processor lag gauges on the given meter.
func WithMeter(meter metric.Meter) ExecutorOption {
	return func(e *Executor) {
		e.meter = meter
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewExecutor creates an executor for one processor.
func NewExecutor(processor Processor, transport eventsourcing.EventTransport, registry *eventsourcing.Registry, checkpoints store.CheckpointStore, opts ...ExecutorOption) *Executor {
	e := &Executor{
		processor:       processor,
		transport:       transport,
		registry:        registry,
		checkpoints:     checkpoints,
		condition:       Never(),
		strategy:        NoCatchup(),
		retryBudget:     DefaultRetryBudget,
		batchSize:       DefaultBatchSize,
		redeliveryDelay: DefaultRedeliveryDelay,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the driven processor's name.
func (e *Executor) Name() string { return e.processor.Name() }

// CurrentLag returns the lag measured after the most recent batch.
func (e *Executor) CurrentLag() Lag {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastLag
}

// Run consumes events until the context is cancelled or the transport
// closes. Both count as a normal stop; any other failure is returned.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.restoreCheckpoint(ctx); err != nil {
		return err
	}

	if e.meter != nil && e.metrics == nil {
		m, err := newExecutorMetrics(e.meter)
		if err != nil {
			e.logger.WarnContext(ctx, "Processor lag metrics disabled",
				slog.String("processor", e.processor.Name()),
				slog.String("error", err.Error()),
			)
		} else {
			e.metrics = m
		}
	}

	sub, err := e.transport.Subscribe(ctx, e.processor.Name())
	if err != nil {
		return fmt.Errorf("subscribe processor %s: %w", e.processor.Name(), err)
	}
	defer sub.Close()

	e.logger.InfoContext(ctx, "Processor running",
		slog.String("processor", e.processor.Name()),
		slog.Int64("position", e.position),
	)

	for {
		if err := e.runBatch(ctx, sub); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
				errors.Is(err, eventsourcing.ErrTransportClosed) || errors.Is(err, eventsourcing.ErrSubscriptionClosed) {
				e.logger.InfoContext(ctx, "Processor stopped",
					slog.String("processor", e.processor.Name()),
					slog.Int64("position", e.position),
				)
				return nil
			}
			return err
		}
	}
}

// Rebuild discards the processor's derived state and replays the full
// history directly from the store, bypassing the transport. Checkpoint and
// watermark are reset first; the replay itself is checkpointed per batch. A
// handler error aborts the rebuild.
func (e *Executor) Rebuild(ctx context.Context, history eventsourcing.HistoryReader) error {
	if r, ok := e.processor.(Resettable); ok {
		if err := r.Reset(ctx); err != nil {
			return fmt.Errorf("reset processor %s: %w", e.processor.Name(), err)
		}
	}
	if err := e.checkpoints.DeleteCheckpoints(ctx, e.processor.Name()); err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", e.processor.Name(), err)
	}
	e.position = 0
	e.lastEventID = ""
	e.skipBefore = time.Time{}

	for {
		events, err := history.LoadAllEvents(ctx, e.position, e.batchSize)
		if err != nil {
			return fmt.Errorf("load events from position %d: %w", e.position, err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, event := range events {
			if e.upcasters != nil {
				event, err = e.upcasters.Apply(event)
				if err != nil {
					return fmt.Errorf("upcast event: %w", err)
				}
			}
			if err := e.registry.DecodeEvent(event); err != nil {
				return fmt.Errorf("decode event %s: %w", event.ID, err)
			}
			if err := e.processor.HandleEvent(ctx, event); err != nil {
				return fmt.Errorf("rebuild %s at event %s: %w", e.processor.Name(), event.ID, err)
			}
			e.position++
			e.lastEventID = event.ID
		}

		if err := e.saveCheckpoint(ctx); err != nil {
			return err
		}
		if len(events) < e.batchSize {
			return nil
		}
	}
}

func (e *Executor) restoreCheckpoint(ctx context.Context) error {
	cp, err := e.checkpoints.LoadCheckpoint(ctx, e.processor.Name(), "")
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", e.processor.Name(), err)
	}
	if cp != nil {
		e.position = cp.Position
		e.lastEventID = cp.LastEventID
		e.skipBefore = cp.SkipBefore
	}
	return nil
}

func (e *Executor) saveCheckpoint(ctx context.Context) error {
	cp := &store.Checkpoint{
		ProcessorID: e.processor.Name(),
		Position:    e.position,
		LastEventID: e.lastEventID,
		SkipBefore:  e.skipBefore,
		UpdatedAt:   eventsourcing.Now(),
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", e.processor.Name(), err)
	}
	return nil
}

// runBatch blocks for the first delivery, then drains the queue up to the
// batch size, measures lag, and evaluates the catchup condition.
func (e *Executor) runBatch(ctx context.Context, sub eventsourcing.Subscription) error {
	var (
		ageSum    time.Duration
		processed int
	)

	for processed < e.batchSize {
		delivery, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		age := eventsourcing.Now().Sub(delivery.Event.Timestamp)

		if err := e.processDelivery(ctx, delivery); err != nil {
			return err
		}
		ageSum += age
		processed++

		depth, err := sub.Depth(ctx)
		if err != nil {
			return err
		}
		if depth == 0 {
			break
		}
	}

	depth, err := sub.Depth(ctx)
	if err != nil {
		return err
	}

	lag := Lag{UnprocessedEvents: depth}
	if processed > 0 {
		lag.AverageEventAge = ageSum / time.Duration(processed)
	}
	e.setLag(ctx, lag)

	if e.condition.ShouldCatchup(lag) {
		e.catchup(ctx, lag)
	}
	return nil
}

func (e *Executor) processDelivery(ctx context.Context, delivery *eventsourcing.Delivery) error {
	event := delivery.Event

	// Watermark filter: the catchup strategy already covered these.
	if !e.skipBefore.IsZero() && !event.Timestamp.After(e.skipBefore) {
		return e.acknowledge(ctx, delivery, event)
	}

	if e.upcasters != nil {
		upgraded, err := e.upcasters.Apply(event)
		if err != nil {
			return e.quarantine(ctx, delivery, event, fmt.Errorf("upcast event: %w", err))
		}
		event = upgraded
	}

	if err := e.registry.DecodeEvent(event); err != nil {
		return e.quarantine(ctx, delivery, event, err)
	}

	handleErr := e.dispatch(ctx, event)
	if handleErr == nil {
		return e.acknowledge(ctx, delivery, event)
	}

	if IsTransient(handleErr) {
		e.logger.WarnContext(ctx, "Retry budget exhausted, returning event for redelivery",
			slog.String("processor", e.processor.Name()),
			slog.String("event_id", event.ID),
			slog.String("error", handleErr.Error()),
		)
		if err := delivery.Nak(); err != nil {
			return fmt.Errorf("nak event %s: %w", event.ID, err)
		}
		return e.pause(ctx)
	}

	return e.quarantine(ctx, delivery, event, handleErr)
}

// dispatch invokes the processor, retrying transient failures in place
// within the retry budget.
func (e *Executor) dispatch(ctx context.Context, event *eventsourcing.Event) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = e.processor.HandleEvent(ctx, event)
		if err == nil || !IsTransient(err) || attempt >= e.retryBudget {
			return err
		}
		e.logger.WarnContext(ctx, "Transient processing failure, retrying",
			slog.String("processor", e.processor.Name()),
			slog.String("event_id", event.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
		if ctx.Err() != nil {
			return err
		}
	}
}

// quarantine handles a permanent failure: hand the event to the dead
// letter sink when configured, otherwise log and skip. Either way the
// stream continues.
func (e *Executor) quarantine(ctx context.Context, delivery *eventsourcing.Delivery, event *eventsourcing.Event, cause error) error {
	if e.deadLetter != nil {
		if err := e.deadLetter.Receive(ctx, e.processor.Name(), event, cause); err != nil {
			e.logger.ErrorContext(ctx, "Dead letter sink failed, returning event for redelivery",
				slog.String("processor", e.processor.Name()),
				slog.String("event_id", event.ID),
				slog.String("error", err.Error()),
			)
			if nakErr := delivery.Nak(); nakErr != nil {
				return fmt.Errorf("nak event %s: %w", event.ID, nakErr)
			}
			return e.pause(ctx)
		}
		e.logger.ErrorContext(ctx, "Event moved to dead letter sink",
			slog.String("processor", e.processor.Name()),
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.String("error", cause.Error()),
		)
	} else {
		e.logger.ErrorContext(ctx, "Permanent processing failure, skipping event",
			slog.String("processor", e.processor.Name()),
			slog.String("event_id", event.ID),
			slog.String("event_type", event.EventType),
			slog.String("error", cause.Error()),
		)
	}
	return e.acknowledge(ctx, delivery, event)
}

func (e *Executor) acknowledge(ctx context.Context, delivery *eventsourcing.Delivery, event *eventsourcing.Event) error {
	if err := delivery.Ack(); err != nil {
		return fmt.Errorf("ack event %s: %w", event.ID, err)
	}
	e.position++
	e.lastEventID = event.ID
	return e.saveCheckpoint(ctx)
}

func (e *Executor) catchup(ctx context.Context, lag Lag) {
	e.logger.InfoContext(ctx, "Catchup triggered",
		slog.String("processor", e.processor.Name()),
		slog.Int("unprocessed_events", lag.UnprocessedEvents),
		slog.Duration("average_event_age", lag.AverageEventAge),
	)

	watermark, err := e.strategy.Catchup(ctx, e.processor)
	if err != nil {
		// Catchup is an optimization; the stream keeps flowing without it.
		e.logger.ErrorContext(ctx, "Catchup strategy failed",
			slog.String("processor", e.processor.Name()),
			slog.String("error", err.Error()),
		)
		return
	}
	if watermark.IsZero() {
		return
	}

	e.skipBefore = watermark
	if err := e.saveCheckpoint(ctx); err != nil {
		e.logger.ErrorContext(ctx, "Persisting catchup watermark failed",
			slog.String("processor", e.processor.Name()),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) setLag(ctx context.Context, lag Lag) {
	e.mu.Lock()
	e.lastLag = lag
	e.mu.Unlock()

	if e.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("processor", e.processor.Name()))
	e.metrics.unprocessedEvents.Record(ctx, int64(lag.UnprocessedEvents), attrs)
	e.metrics.averageEventAge.Record(ctx, lag.AverageEventAge.Seconds(), attrs)
}

func (e *Executor) pause(ctx context.Context) error {
	timer := time.NewTimer(e.redeliveryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type executorMetrics struct {
	unprocessedEvents metric.Int64Gauge
	averageEventAge   metric.Float64Gauge
}

func newExecutorMetrics(meter metric.Meter) (*executorMetrics, error) {
	m := &executorMetrics{}
	var err error

	m.unprocessedEvents, err = meter.Int64Gauge(
		"cqrskit.processor.unprocessed_events",
		metric.WithDescription("Events waiting on the transport for this processor"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor.unprocessed_events: %w", err)
	}

	m.averageEventAge, err = meter.Float64Gauge(
		"cqrskit.processor.event_age",
		metric.WithDescription("Average age of the last processed batch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processor.event_age: %w", err)
	}

	return m, nil
}
