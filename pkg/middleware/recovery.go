package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// RecoveryMiddleware recovers from panics in command and query handlers
// and converts them into errors so one bad handler cannot take the
// process down.
type RecoveryMiddleware struct {
	logger *slog.Logger
}

// NewRecoveryMiddleware creates a recovery middleware. A nil logger falls
// back to slog.Default().
func NewRecoveryMiddleware(logger *slog.Logger) *RecoveryMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryMiddleware{logger: logger}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *RecoveryMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (result *eventsourcing.CommandResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())

			m.logger.ErrorContext(ctx, "Command handler panicked",
				slog.String("command_id", cmd.ID()),
				slog.String("command_type", cmd.CommandType()),
				slog.Any("panic", r),
				slog.String("stack_trace", stack),
			)

			result = nil
			err = fmt.Errorf("command handler panicked: %v", r)
		}
	}()

	return next(ctx, cmd)
}

// InterceptQuery implements eventsourcing.QueryInterceptor.
func (m *RecoveryMiddleware) InterceptQuery(ctx context.Context, q eventsourcing.Query, next eventsourcing.QueryHandlerFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())

			m.logger.ErrorContext(ctx, "Query handler panicked",
				slog.String("query_id", q.ID()),
				slog.String("query_type", q.QueryType()),
				slog.Any("panic", r),
				slog.String("stack_trace", stack),
			)

			result = nil
			err = fmt.Errorf("query handler panicked: %v", r)
		}
	}()

	return next(ctx, q)
}
