package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// LoggingMiddleware logs command and query execution with timing
// information using slog. Commands log at Info, queries at Debug.
type LoggingMiddleware struct {
	logger *slog.Logger
}

// NewLoggingMiddleware creates a logging middleware. A nil logger falls
// back to slog.Default().
func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMiddleware{logger: logger}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *LoggingMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	start := time.Now()
	exec, _ := eventsourcing.ExecutionFrom(ctx)

	m.logger.InfoContext(ctx, "Executing command",
		slog.String("command_type", cmd.CommandType()),
		slog.String("command_id", cmd.ID()),
		slog.String("principal_id", exec.PrincipalID),
		slog.String("correlation_id", exec.CorrelationID),
	)

	result, err := next(ctx, cmd)

	duration := time.Since(start)

	if err != nil {
		m.logger.ErrorContext(ctx, "Command execution failed",
			slog.String("command_type", cmd.CommandType()),
			slog.String("command_id", cmd.ID()),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	eventCount := 0
	if result != nil {
		eventCount = len(result.Events)
	}
	m.logger.InfoContext(ctx, "Command executed successfully",
		slog.String("command_type", cmd.CommandType()),
		slog.String("command_id", cmd.ID()),
		slog.Int("events_count", eventCount),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	return result, nil
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (m *LoggingMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (any, error) {
	start := time.Now()

	m.logger.DebugContext(ctx, "Executing query",
		slog.String("query_type", q.QueryType()),
		slog.String("query_id", q.ID()),
	)

	result, err := next(ctx, q)

	duration := time.Since(start)

	if err != nil {
		m.logger.ErrorContext(ctx, "Query execution failed",
			slog.String("query_type", q.QueryType()),
			slog.String("query_id", q.ID()),
			slog.Int64("duration_ms", duration.Milliseconds()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	m.logger.DebugContext(ctx, "Query executed successfully",
		slog.String("query_type", q.QueryType()),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)

	return result, nil
}
