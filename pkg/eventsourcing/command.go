package eventsourcing

import (
	"context"
	"time"

	"github.com/plaenen/cqrskit/pkg/idgen"
)

// Command represents an intention to change the system state. A command
// targets exactly one aggregate stream.
//
// Command types are plain structs passed by value; embed CommandBase for
// the id plumbing and implement CommandType with a constant tag.
type Command interface {
	// ID returns the unique identifier for this command.
	ID() string

	// AggregateID returns the ID of the aggregate this command targets.
	AggregateID() string

	// CommandType returns the registered type tag of the command.
	CommandType() string
}

// CommandBase carries the ids every command needs. Embed it by value.
type CommandBase struct {
	CommandID string `json:"command_id"`
	TargetID  string `json:"aggregate_id"`

	// Correlation is optional; when empty the bus inherits or generates one.
	Correlation string `json:"correlation_id,omitempty"`
}

// NewCommandBase creates the base for a command against the given aggregate.
func NewCommandBase(aggregateID string) CommandBase {
	return CommandBase{
		CommandID: idgen.MustSortableID(),
		TargetID:  aggregateID,
	}
}

// ID returns the command's unique identifier.
func (c CommandBase) ID() string { return c.CommandID }

// AggregateID returns the targeted aggregate id.
func (c CommandBase) AggregateID() string { return c.TargetID }

// CorrelationID returns the caller-provided correlation id, if any.
func (c CommandBase) CorrelationID() string { return c.Correlation }

// IdempotencyKeyed is implemented by commands that opt into idempotent
// dispatch. The idempotency middleware records the key only after the
// command commits successfully.
type IdempotencyKeyed interface {
	IdempotencyKey() string
}

// Validatable is implemented by commands and queries that validate their
// payload at the boundary, before any aggregate is loaded.
type Validatable interface {
	Validate() error
}

// CommandResult represents the result of processing a command.
type CommandResult struct {
	// CommandID is the ID of the command that was processed
	CommandID string

	// Events are the events committed by the command
	Events []*Event

	// AlreadyProcessed indicates the command was a duplicate and the
	// recorded outcome was returned without re-executing the handler
	AlreadyProcessed bool

	// ProcessedAt is when the command was processed
	ProcessedAt time.Time
}

// CommandHandlerFunc is the terminal shape of the command pipeline: it
// receives the dispatch context and the command and returns the result.
type CommandHandlerFunc func(ctx context.Context, cmd Command) (*CommandResult, error)

// CommandInterceptor wraps command dispatch with a cross-cutting concern.
// An interceptor must either call next exactly once and return its result,
// possibly transformed, or short-circuit without calling next.
type CommandInterceptor interface {
	InterceptCommand(ctx context.Context, cmd Command, next CommandHandlerFunc) (*CommandResult, error)
}

// CommandInterceptorFunc is a function adapter for CommandInterceptor.
type CommandInterceptorFunc func(ctx context.Context, cmd Command, next CommandHandlerFunc) (*CommandResult, error)

// InterceptCommand implements CommandInterceptor.
func (f CommandInterceptorFunc) InterceptCommand(ctx context.Context, cmd Command, next CommandHandlerFunc) (*CommandResult, error) {
	return f(ctx, cmd, next)
}

// CommandBus routes commands through the middleware chain to a handler.
type CommandBus interface {
	// Dispatch sends a command through the middleware chain to its handler.
	Dispatch(ctx context.Context, cmd Command) (*CommandResult, error)
}
