package middleware

import (
	"context"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const defaultTracerName = "github.com/plaenen/cqrskit"

// OpenTelemetryMiddleware adds distributed tracing to command and query
// execution. It uses the global tracer provider by default; use
// NewOpenTelemetryMiddlewareWithTracer to inject a specific tracer.
type OpenTelemetryMiddleware struct {
	tracer trace.Tracer
}

// NewOpenTelemetryMiddleware creates tracing middleware using the named
// tracer from the global provider. An empty name selects the library
// default.
func NewOpenTelemetryMiddleware(tracerName string) *OpenTelemetryMiddleware {
	if tracerName == "" {
		tracerName = defaultTracerName
	}
	return &OpenTelemetryMiddleware{tracer: otel.Tracer(tracerName)}
}

// NewOpenTelemetryMiddlewareWithTracer creates tracing middleware with a
// specific tracer.
func NewOpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) *OpenTelemetryMiddleware {
	return &OpenTelemetryMiddleware{tracer: tracer}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *OpenTelemetryMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	exec, _ := eventsourcing.ExecutionFrom(ctx)

	spanCtx, span := m.tracer.Start(ctx, fmt.Sprintf("command.%s", cmd.CommandType()),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID()),
			attribute.String("command.type", cmd.CommandType()),
			attribute.String("command.aggregate_id", cmd.AggregateID()),
			attribute.String("command.principal_id", exec.PrincipalID),
			attribute.String("command.correlation_id", exec.CorrelationID),
		),
	)
	defer span.End()

	result, err := next(spanCtx, cmd)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	if result != nil {
		span.SetAttributes(attribute.Int("events.count", len(result.Events)))

		if len(result.Events) > 0 {
			eventTypes := make([]string, len(result.Events))
			for i, evt := range result.Events {
				eventTypes[i] = evt.EventType
			}
			span.SetAttributes(attribute.StringSlice("events.types", eventTypes))
		}
		if result.AlreadyProcessed {
			span.SetAttributes(attribute.Bool("command.already_processed", true))
		}
	}

	span.SetStatus(codes.Ok, "command executed successfully")

	return result, nil
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (m *OpenTelemetryMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	exec, _ := eventsourcing.ExecutionFrom(ctx)

	spanCtx, span := m.tracer.Start(ctx, fmt.Sprintf("query.%s", q.QueryType()),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("query.id", q.ID()),
			attribute.String("query.type", q.QueryType()),
			attribute.String("query.correlation_id", exec.CorrelationID),
		),
	)
	defer span.End()

	result, err := next(spanCtx, q)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetStatus(codes.Ok, "query executed successfully")

	return result, nil
}

var _ eventsourcing.CommandInterceptor = (*OpenTelemetryMiddleware)(nil)
var _ eventsourcing.QueryInterceptor = (*OpenTelemetryMiddleware)(nil)
