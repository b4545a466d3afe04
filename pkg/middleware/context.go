// Package middleware provides the built-in bus interceptors: context
// propagation, logging, recovery, validation, idempotency, concurrency
// retry, tracing, and authorization. All of them implement
// eventsourcing.CommandInterceptor; those that also make sense for reads
// implement eventsourcing.QueryInterceptor and are picked up by the query
// bus as well.
package middleware

import (
	"context"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// ContextPropagationMiddleware guarantees an execution context with
// correlation and causation ids is present before the rest of the chain
// runs. The buses derive one on every dispatch already; this middleware
// covers entry points that drive a chain directly, such as remote
// gateways and test harnesses.
type ContextPropagationMiddleware struct{}

// NewContextPropagationMiddleware creates the context propagation middleware.
func NewContextPropagationMiddleware() *ContextPropagationMiddleware {
	return &ContextPropagationMiddleware{}
}

// InterceptCommand stamps a missing execution context onto the dispatch.
func (m *ContextPropagationMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	if exec, ok := eventsourcing.ExecutionFrom(ctx); !ok || exec.CorrelationID == "" {
		ctx = eventsourcing.BeginCommand(ctx, cmd)
	}
	return next(ctx, cmd)
}

// InterceptQuery stamps a missing execution context onto the dispatch.
func (m *ContextPropagationMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	if exec, ok := eventsourcing.ExecutionFrom(ctx); !ok || exec.CorrelationID == "" {
		ctx = eventsourcing.BeginQuery(ctx, q)
	}
	return next(ctx, q)
}
