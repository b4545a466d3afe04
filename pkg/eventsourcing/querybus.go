package eventsourcing

import (
	"context"
	"fmt"
	"sync"
)

// DefaultQueryBus routes queries through middleware to projections.
// It mirrors the command bus: the same iterative chain runner, the same
// first-registered-is-outermost ordering, but it never touches the event
// store and never produces events.
type DefaultQueryBus struct {
	handlers   map[string]QueryHandlerFunc
	middleware []QueryInterceptor
	mu         sync.RWMutex
}

// NewQueryBus creates a new query bus instance.
func NewQueryBus() *DefaultQueryBus {
	return &DefaultQueryBus{
		handlers: make(map[string]QueryHandlerFunc),
	}
}

// Register registers a handler for a specific query type. Exactly one
// projection may serve a query type; a duplicate registration panics.
func (b *DefaultQueryBus) Register(queryType string, handler QueryHandlerFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[queryType]; exists {
		panic(fmt.Sprintf("handler already registered for query type: %s", queryType))
	}
	b.handlers[queryType] = handler
}

// Use adds middleware to the query processing pipeline.
func (b *DefaultQueryBus) Use(interceptor QueryInterceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, interceptor)
}

// Dispatch sends a query through the middleware chain to its handler.
func (b *DefaultQueryBus) Dispatch(ctx context.Context, q Query) (any, error) {
	if q == nil {
		return nil, ErrInvalidQuery
	}

	b.mu.RLock()
	handler, exists := b.handlers[q.QueryType()]
	middleware := b.middleware
	b.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrQueryNotFound, q.QueryType())
	}

	ctx = BeginQuery(ctx, q)
	return runQueryChain(ctx, q, middleware, handler, 0)
}

func runQueryChain(ctx context.Context, q Query, middleware []QueryInterceptor, terminal QueryHandlerFunc, index int) (any, error) {
	if index >= len(middleware) {
		return terminal(ctx, q)
	}
	next := func(ctx context.Context, q Query) (any, error) {
		return runQueryChain(ctx, q, middleware, terminal, index+1)
	}
	return middleware[index].InterceptQuery(ctx, q, next)
}
