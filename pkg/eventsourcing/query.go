package eventsourcing

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/idgen"
)

// Query represents an intention to read state. Queries are routed by type
// to exactly one projection and must not cause side effects.
type Query interface {
	// ID returns the unique identifier for this query.
	ID() string

	// QueryType returns the registered type tag of the query.
	QueryType() string
}

// QueryBase carries the ids every query needs. Embed it by value.
type QueryBase struct {
	QueryID string `json:"query_id"`

	// Correlation is optional; when empty the bus inherits or generates one.
	Correlation string `json:"correlation_id,omitempty"`
}

// NewQueryBase creates the base for a query.
func NewQueryBase() QueryBase {
	return QueryBase{QueryID: idgen.MustSortableID()}
}

// ID returns the query's unique identifier.
func (q QueryBase) ID() string { return q.QueryID }

// CorrelationID returns the caller-provided correlation id, if any.
func (q QueryBase) CorrelationID() string { return q.Correlation }

// QueryHandlerFunc is the terminal shape of the query pipeline.
type QueryHandlerFunc func(ctx context.Context, q Query) (any, error)

// QueryInterceptor wraps query dispatch with a cross-cutting concern.
// Middleware opts into queries by implementing this interface; the same
// type may also implement CommandInterceptor to cover both pipelines.
type QueryInterceptor interface {
	InterceptQuery(ctx context.Context, q Query, next QueryHandlerFunc) (any, error)
}

// QueryInterceptorFunc is a function adapter for QueryInterceptor.
type QueryInterceptorFunc func(ctx context.Context, q Query, next QueryHandlerFunc) (any, error)

// InterceptQuery implements QueryInterceptor.
func (f QueryInterceptorFunc) InterceptQuery(ctx context.Context, q Query, next QueryHandlerFunc) (any, error) {
	return f(ctx, q, next)
}

// QueryBus routes queries through the middleware chain to the projection
// that registered a handler for the query type.
type QueryBus interface {
	Dispatch(ctx context.Context, q Query) (any, error)
}

// DispatchQuery dispatches a query and asserts the response type.
func DispatchQuery[T any](ctx context.Context, bus QueryBus, q Query) (T, error) {
	var zero T
	result, err := bus.Dispatch(ctx, q)
	if err != nil {
		return zero, err
	}
	if result == nil {
		return zero, nil
	}
	typed, ok := result.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: unexpected response type %T", q.QueryType(), result)
	}
	return typed, nil
}
