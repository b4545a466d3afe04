// Package saga implements stateful, correlated event processors. A saga
// coordinates a workflow that spans aggregates: each step is bound to an
// event payload type, correlates the event to a saga instance by id, and
// transforms the instance state. A step runs at most once per instance,
// state and step markers persist atomically, and compensating steps
// dispatch commands through the bound dispatcher to reverse earlier
// effects.
//
// A Saga implements the processor contract, so it is driven by a
// processing.Executor like any other event processor.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/processing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// ErrSagaStateMissing is returned by State when the instance has not
// started or has already terminated.
var ErrSagaStateMissing = errors.New("saga state missing")

// CommandDispatcher dispatches commands on behalf of saga steps. The
// command bus satisfies this.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error)
}

// SagaIdentifiable is implemented by event payloads that carry their saga
// id. Steps without an explicit extractor correlate through it.
type SagaIdentifiable interface {
	SagaID() string
}

// Saga is a named saga definition with state of type S. Instances are
// keyed by saga id; their state and completed-step markers live in the
// saga state store between events.
type Saga[S any] struct {
	name     string
	states   store.SagaStateStore
	commands CommandDispatcher
	logger   *slog.Logger
	meter    metric.Meter
	steps    metric.Int64Counter

	router    *eventsourcing.Router
	stepNames map[string]bool
}

// Option configures a Saga.
type Option[S any] func(*Saga[S])

// WithCommands binds the command dispatcher at construction time.
func WithCommands[S any](d CommandDispatcher) Option[S] {
	return func(sg *Saga[S]) { sg.commands = d }
}

// WithLogger sets the saga logger.
func WithLogger[S any](logger *slog.Logger) Option[S] {
	return func(sg *Saga[S]) {
		if logger != nil {
			sg.logger = logger
		}
	}
}

// WithMeter enables the per-step outcome counter on the given meter.
func WithMeter[S any](meter metric.Meter) Option[S] {
	return func(sg *Saga[S]) { sg.meter = meter }
}

// New creates an empty saga definition. Steps are added with Step before
// the saga is handed to an executor.
func New[S any](name string, states store.SagaStateStore, opts ...Option[S]) *Saga[S] {
	if name == "" {
		panic("saga name is required")
	}
	if states == nil {
		panic("saga state store is required")
	}
	sg := &Saga[S]{
		name:      name,
		states:    states,
		logger:    slog.Default(),
		router:    eventsourcing.NewRouter(),
		stepNames: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(sg)
	}
	if sg.meter != nil {
		steps, err := sg.meter.Int64Counter(
			"cqrskit.saga.steps",
			metric.WithDescription("Saga steps executed, by saga, step and outcome"),
		)
		if err != nil {
			sg.logger.Warn("Saga step metrics disabled",
				slog.String("saga", name),
				slog.String("error", err.Error()),
			)
		} else {
			sg.steps = steps
		}
	}
	return sg
}

// StepDef declares one saga step, bound to event payloads of type E.
type StepDef[S, E any] struct {
	// Name identifies the step in the completed-step set. Markers must stay
	// stable across refactors, so the name is explicit rather than derived
	// from the payload type.
	Name string

	// Initial marks a step that may start a new instance. Non-initial steps
	// ignore events whose instance is absent or already terminated.
	Initial bool

	// ExtractID returns the saga id the event correlates to. Optional when
	// the payload implements SagaIdentifiable.
	ExtractID func(payload E, event *eventsourcing.Event) (string, error)

	// Handle applies the event to the instance. state is nil for a new
	// instance. Returning a nil next state terminates the instance.
	Handle func(ctx context.Context, state *S, payload E, event *eventsourcing.Event) (*S, error)
}

// Step registers a step on the saga. It panics on an unnamed step, a nil
// handler, a duplicate step name, or a second step for the same payload
// type: all are wiring bugs.
func Step[S, E any](sg *Saga[S], def StepDef[S, E]) {
	if def.Name == "" {
		panic("saga step name is required")
	}
	if def.Handle == nil {
		panic(fmt.Sprintf("saga step %s has no handler", def.Name))
	}
	if sg.stepNames[def.Name] {
		panic(fmt.Sprintf("saga step already registered: %s", def.Name))
	}
	sg.stepNames[def.Name] = true

	var sample E
	sg.router.On(sample, func(ctx context.Context, msg any) (any, error) {
		payload, ok := msg.(E)
		if !ok {
			return nil, fmt.Errorf("saga step %s: unexpected payload %T", def.Name, msg)
		}
		return nil, runStep(ctx, sg, def, payload, sagaEvent(ctx))
	})
}

// Name returns the saga name. It doubles as the processor name, so it also
// keys the executor's checkpoint and durable consumer.
func (sg *Saga[S]) Name() string { return sg.name }

// Handles reports whether any step is bound to the payload's type.
func (sg *Saga[S]) Handles(payload any) bool {
	return sg.router.Handles(payload)
}

// HandleEvent routes the event's payload to its step. Events with no
// matching step are skipped.
func (sg *Saga[S]) HandleEvent(ctx context.Context, event *eventsourcing.Event) error {
	if event == nil || event.Payload == nil {
		return nil
	}
	ctx = context.WithValue(ctx, sagaEventKey{}, event)
	_, _, err := sg.router.Route(ctx, event.Payload)
	return err
}

// Commands returns the bound dispatcher for follow-up and compensating
// commands. An unbound saga returns a dispatcher that fails on use, so a
// missing binding surfaces as a step error instead of a panic.
func (sg *Saga[S]) Commands() CommandDispatcher {
	if sg.commands == nil {
		return unboundDispatcher{saga: sg.name}
	}
	return sg.commands
}

// BindCommands sets the dispatcher used by steps. The application builder
// calls this once the command bus exists.
func (sg *Saga[S]) BindCommands(d CommandDispatcher) {
	sg.commands = d
}

// State loads and decodes the current state of one instance. It returns
// ErrSagaStateMissing when the instance has not started or has terminated.
func (sg *Saga[S]) State(ctx context.Context, sagaID string) (*S, error) {
	record, err := sg.states.LoadSaga(ctx, sg.name, sagaID)
	if err != nil {
		return nil, fmt.Errorf("load saga %s/%s: %w", sg.name, sagaID, err)
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrSagaStateMissing, sg.name, sagaID)
	}
	state := new(S)
	if err := json.Unmarshal(record.State, state); err != nil {
		return nil, fmt.Errorf("decode saga state %s/%s: %w", sg.name, sagaID, err)
	}
	return state, nil
}

type sagaEventKey struct{}

func sagaEvent(ctx context.Context) *eventsourcing.Event {
	event, _ := ctx.Value(sagaEventKey{}).(*eventsourcing.Event)
	return event
}

// runStep is the per-event state machine: correlate, load, dedupe, handle,
// then persist or terminate. Store failures are marked transient so the
// executor naks the event and the transport redelivers it.
func runStep[S, E any](ctx context.Context, sg *Saga[S], def StepDef[S, E], payload E, event *eventsourcing.Event) error {
	id, err := stepSagaID(def, payload, event)
	if err != nil {
		return err
	}

	record, err := sg.states.LoadSaga(ctx, sg.name, id)
	if err != nil {
		return processing.Transient(fmt.Errorf("load saga %s/%s: %w", sg.name, id, err))
	}

	if record != nil && record.StepCompleted(def.Name) {
		sg.logger.DebugContext(ctx, "Saga step already completed, skipping",
			slog.String("saga", sg.name),
			slog.String("saga_id", id),
			slog.String("step", def.Name),
		)
		return nil
	}
	if record == nil && !def.Initial {
		// Absent or terminated instance; only initial steps start one.
		return nil
	}

	var state *S
	if record != nil && len(record.State) > 0 {
		decoded := new(S)
		if err := json.Unmarshal(record.State, decoded); err != nil {
			return fmt.Errorf("decode saga state %s/%s: %w", sg.name, id, err)
		}
		state = decoded
	}

	next, err := def.Handle(ctx, state, payload, event)
	if err != nil {
		sg.recordStep(ctx, def.Name, "error")
		return fmt.Errorf("saga %s step %s: %w", sg.name, def.Name, err)
	}

	if next == nil {
		if err := sg.states.DeleteSaga(ctx, sg.name, id); err != nil {
			return processing.Transient(fmt.Errorf("delete saga %s/%s: %w", sg.name, id, err))
		}
		sg.recordStep(ctx, def.Name, "ok")
		sg.logger.InfoContext(ctx, "Saga terminated",
			slog.String("saga", sg.name),
			slog.String("saga_id", id),
			slog.String("step", def.Name),
		)
		return nil
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("encode saga state %s/%s: %w", sg.name, id, err)
	}

	completed := []string{def.Name}
	if record != nil {
		completed = append(append([]string(nil), record.CompletedSteps...), def.Name)
	}

	if err := sg.states.SaveSaga(ctx, &store.SagaRecord{
		SagaName:       sg.name,
		SagaID:         id,
		State:          data,
		CompletedSteps: completed,
		UpdatedAt:      eventsourcing.Now(),
	}); err != nil {
		return processing.Transient(fmt.Errorf("save saga %s/%s: %w", sg.name, id, err))
	}

	sg.recordStep(ctx, def.Name, "ok")
	sg.logger.DebugContext(ctx, "Saga step completed",
		slog.String("saga", sg.name),
		slog.String("saga_id", id),
		slog.String("step", def.Name),
	)
	return nil
}

// recordStep counts a step outcome. Steps that were skipped or failed
// before the handler ran are not counted.
func (sg *Saga[S]) recordStep(ctx context.Context, step, outcome string) {
	if sg.steps == nil {
		return
	}
	sg.steps.Add(ctx, 1, metric.WithAttributes(
		attribute.String("saga", sg.name),
		attribute.String("step", step),
		attribute.String("outcome", outcome),
	))
}

func stepSagaID[S, E any](def StepDef[S, E], payload E, event *eventsourcing.Event) (string, error) {
	var id string
	if def.ExtractID != nil {
		extracted, err := def.ExtractID(payload, event)
		if err != nil {
			return "", fmt.Errorf("extract saga id for step %s: %w", def.Name, err)
		}
		id = extracted
	} else {
		ident, ok := any(payload).(SagaIdentifiable)
		if !ok {
			return "", fmt.Errorf("step %s: payload %T does not implement SagaIdentifiable and no extractor is set", def.Name, payload)
		}
		id = ident.SagaID()
	}
	if id == "" {
		return "", fmt.Errorf("step %s: empty saga id", def.Name)
	}
	return id, nil
}

type unboundDispatcher struct{ saga string }

func (d unboundDispatcher) Dispatch(ctx context.Context, cmd eventsourcing.Command) (*eventsourcing.CommandResult, error) {
	return nil, fmt.Errorf("saga %s has no command dispatcher bound", d.saga)
}

var _ processing.Processor = (*Saga[struct{}])(nil)
