package eventsourcing

import (
	"context"
	"fmt"
	"sync"
)

// DefaultCommandBus is the in-process implementation of CommandBus.
//
// Middleware runs in registration order on the way in (first added is the
// outermost wrapper) and unwinds in reverse on the way out. The chain is
// driven by an index-based runner rather than a prebuilt closure stack, so
// every dispatch starts from a clean chain and a re-dispatching middleware
// (concurrency retry) re-enters only the part below itself.
type DefaultCommandBus struct {
	handlers   map[string]CommandHandlerFunc
	middleware []CommandInterceptor
	mu         sync.RWMutex
}

// NewCommandBus creates a new command bus instance.
func NewCommandBus() *DefaultCommandBus {
	return &DefaultCommandBus{
		handlers: make(map[string]CommandHandlerFunc),
	}
}

// Register registers a handler for a specific command type.
// Exactly one handler may serve a command type; a duplicate registration
// panics because it is a wiring error.
func (b *DefaultCommandBus) Register(commandType string, handler CommandHandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[commandType]; exists {
		panic(fmt.Sprintf("handler already registered for command type: %s", commandType))
	}
	b.handlers[commandType] = handler
}

// Use adds middleware to the command processing pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (b *DefaultCommandBus) Use(interceptor CommandInterceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, interceptor)
}

// Dispatch sends a command through the middleware chain to its handler.
// A fresh execution context is derived for the dispatch and does not
// outlive it.
func (b *DefaultCommandBus) Dispatch(ctx context.Context, cmd Command) (*CommandResult, error) {
	if cmd == nil {
		return nil, ErrInvalidCommand
	}
	if cmd.AggregateID() == "" {
		return nil, fmt.Errorf("%w: empty aggregate id", ErrInvalidCommand)
	}

	b.mu.RLock()
	handler, exists := b.handlers[cmd.CommandType()]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, cmd.CommandType())
	}

	ctx = BeginCommand(ctx, cmd)
	return runCommandChain(ctx, cmd, middleware, handler, 0)
}

func runCommandChain(ctx context.Context, cmd Command, middleware []CommandInterceptor, terminal CommandHandlerFunc, index int) (*CommandResult, error) {
	if index >= len(middleware) {
		return terminal(ctx, cmd)
	}
	next := func(ctx context.Context, cmd Command) (*CommandResult, error) {
		return runCommandChain(ctx, cmd, middleware, terminal, index+1)
	}
	return middleware[index].InterceptCommand(ctx, cmd, next)
}

// RegisteredCommands returns the registered command types, for diagnostics.
func (b *DefaultCommandBus) RegisteredCommands() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	types := make([]string, 0, len(b.handlers))
	for t := range b.handlers {
		types = append(types, t)
	}
	return types
}
