package processing

import (
	"context"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

type handlerSetEventKey struct{}

// HandlerSet is a Processor assembled from typed payload handlers. It
// routes permissively: events whose payload type has no handler are
// skipped. With query handlers attached it satisfies Projection.
//
// Registration happens during wiring; the set must not be modified once
// events flow.
type HandlerSet struct {
	name    string
	router  *eventsourcing.Router
	queries map[string]eventsourcing.QueryHandlerFunc
	reset   func(context.Context) error
}

// NewHandlerSet creates an empty handler set with the given processor name.
func NewHandlerSet(name string) *HandlerSet {
	return &HandlerSet{
		name:   name,
		router: eventsourcing.NewRouter(),
	}
}

// OnPayload registers a handler for events whose decoded payload has type
// P. Registering the same payload type twice panics.
func OnPayload[P any](hs *HandlerSet, fn func(ctx context.Context, payload P, event *eventsourcing.Event) error) *HandlerSet {
	eventsourcing.RouteTo[P](hs.router, func(ctx context.Context, payload P) (any, error) {
		return nil, fn(ctx, payload, handlerSetEvent(ctx))
	})
	return hs
}

// OnEnvelope registers a handler for events whose decoded payload has type
// P, invoked with the full envelope instead of the payload.
func OnEnvelope[P any](hs *HandlerSet, fn func(ctx context.Context, event *eventsourcing.Event) error) *HandlerSet {
	var sample P
	hs.router.On(sample, func(ctx context.Context, _ any) (any, error) {
		return nil, fn(ctx, handlerSetEvent(ctx))
	})
	return hs
}

// OnAny registers a catch-all handler invoked for every event no typed
// handler matches.
func (hs *HandlerSet) OnAny(fn func(ctx context.Context, event *eventsourcing.Event) error) *HandlerSet {
	hs.router.OnAny(func(ctx context.Context, _ any) (any, error) {
		return nil, fn(ctx, handlerSetEvent(ctx))
	})
	return hs
}

// OnReset registers the function that discards derived state for rebuilds.
func (hs *HandlerSet) OnReset(fn func(context.Context) error) *HandlerSet {
	hs.reset = fn
	return hs
}

// ServeQuery registers a query handler served by this processor, making it
// a Projection. Registering a query type twice panics.
func (hs *HandlerSet) ServeQuery(queryType string, handler eventsourcing.QueryHandlerFunc) *HandlerSet {
	if hs.queries == nil {
		hs.queries = make(map[string]eventsourcing.QueryHandlerFunc)
	}
	if _, exists := hs.queries[queryType]; exists {
		panic("query handler already registered for query type: " + queryType)
	}
	hs.queries[queryType] = handler
	return hs
}

// Name returns the processor name.
func (hs *HandlerSet) Name() string { return hs.name }

// HandleEvent routes the event's payload to its registered handler.
// Unmatched payload types are skipped.
func (hs *HandlerSet) HandleEvent(ctx context.Context, event *eventsourcing.Event) error {
	ctx = context.WithValue(ctx, handlerSetEventKey{}, event)
	_, _, err := hs.router.Route(ctx, event.Payload)
	return err
}

// Handles reports whether the set has a handler for the payload.
func (hs *HandlerSet) Handles(payload any) bool {
	return hs.router.Handles(payload)
}

// Reset discards derived state via the registered reset function.
func (hs *HandlerSet) Reset(ctx context.Context) error {
	if hs.reset == nil {
		return nil
	}
	return hs.reset(ctx)
}

// Queries returns the registered query handlers.
func (hs *HandlerSet) Queries() map[string]eventsourcing.QueryHandlerFunc {
	return hs.queries
}

// handlerSetEvent recovers the envelope stashed by HandleEvent for the
// duration of one dispatch.
func handlerSetEvent(ctx context.Context) *eventsourcing.Event {
	event, _ := ctx.Value(handlerSetEventKey{}).(*eventsourcing.Event)
	return event
}

var _ Projection = (*HandlerSet)(nil)
var _ Resettable = (*HandlerSet)(nil)
