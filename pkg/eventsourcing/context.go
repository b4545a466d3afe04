package eventsourcing

import (
	"context"

	"github.com/plaenen/cqrskit/pkg/idgen"
)

// Execution carries the per-operation ids used to correlate commands,
// events, and downstream work. It travels as a context value: the bus
// derives a fresh execution for every dispatch, so nothing leaks between
// operations and the value disappears when the dispatch scope unwinds.
type Execution struct {
	// CorrelationID groups everything caused by one external request.
	CorrelationID string

	// CausationID names the direct predecessor (a command or event id).
	CausationID string

	// CommandID is the id of the command currently in flight, if any.
	CommandID string

	// AggregateID is the stream targeted by the current operation, if any.
	AggregateID string

	// PrincipalID identifies who triggered the operation, if known.
	PrincipalID string
}

type executionContextKey struct{}

// WithExecution returns a context carrying the given execution.
func WithExecution(ctx context.Context, exec Execution) context.Context {
	return context.WithValue(ctx, executionContextKey{}, exec)
}

// ExecutionFrom extracts the current execution from the context.
func ExecutionFrom(ctx context.Context) (Execution, bool) {
	exec, ok := ctx.Value(executionContextKey{}).(Execution)
	return exec, ok
}

// Correlated is implemented by commands and queries that carry an explicit
// correlation id from the caller.
type Correlated interface {
	CorrelationID() string
}

// Principal is implemented by commands and queries dispatched on behalf of
// an authenticated principal.
type Principal interface {
	PrincipalID() string
}

// BeginCommand derives the execution context for a command dispatch.
// Correlation is inherited from the command, from the surrounding
// execution, or freshly generated, in that order. Causation and command id
// are the command's id.
func BeginCommand(ctx context.Context, cmd Command) context.Context {
	exec := Execution{
		CausationID: cmd.ID(),
		CommandID:   cmd.ID(),
		AggregateID: cmd.AggregateID(),
	}
	exec.CorrelationID = correlationFor(ctx, cmd)
	if p, ok := cmd.(Principal); ok {
		exec.PrincipalID = p.PrincipalID()
	}
	return WithExecution(ctx, exec)
}

// BeginQuery derives the execution context for a query dispatch.
func BeginQuery(ctx context.Context, q Query) context.Context {
	exec := Execution{
		CausationID: q.ID(),
	}
	exec.CorrelationID = correlationFor(ctx, q)
	if p, ok := q.(Principal); ok {
		exec.PrincipalID = p.PrincipalID()
	}
	return WithExecution(ctx, exec)
}

// BeginEvent derives the execution context for dispatching an event to a
// processor. Commands sent from inside the handler (saga compensation) are
// then caused by this event.
func BeginEvent(ctx context.Context, event *Event) context.Context {
	exec := Execution{
		CorrelationID: event.Metadata.CorrelationID,
		CausationID:   event.ID,
		AggregateID:   event.AggregateID,
		PrincipalID:   event.Metadata.PrincipalID,
	}
	if exec.CorrelationID == "" {
		exec.CorrelationID = idgen.MustCorrelationID()
	}
	return WithExecution(ctx, exec)
}

func correlationFor(ctx context.Context, msg any) string {
	if c, ok := msg.(Correlated); ok && c.CorrelationID() != "" {
		return c.CorrelationID()
	}
	if exec, ok := ExecutionFrom(ctx); ok && exec.CorrelationID != "" {
		return exec.CorrelationID
	}
	return idgen.MustCorrelationID()
}
