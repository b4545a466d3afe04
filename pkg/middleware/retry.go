package middleware

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// Defaults for the concurrency retry middleware.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 25 * time.Millisecond
)

// ConcurrencyRetryMiddleware re-dispatches a command when the append is
// rejected by the optimistic version check. Each attempt re-enters the
// chain below this middleware, so the aggregate is reloaded at the new
// stream head before the handler runs again (retry-by-reload, not
// retry-by-rebase). Any other error passes through untouched.
type ConcurrencyRetryMiddleware struct {
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// NewConcurrencyRetryMiddleware creates a retry middleware. Non-positive
// arguments fall back to DefaultMaxAttempts and DefaultRetryDelay; a nil
// logger falls back to slog.Default().
func NewConcurrencyRetryMiddleware(maxAttempts int, retryDelay time.Duration, logger *slog.Logger) *ConcurrencyRetryMiddleware {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	if retryDelay <= 0 {
		retryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ConcurrencyRetryMiddleware{
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      logger,
	}
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *ConcurrencyRetryMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		result, err := next(ctx, cmd)
		if err == nil || !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			return result, err
		}
		lastErr = err

		if attempt == m.maxAttempts {
			break
		}

		m.logger.WarnContext(ctx, "Concurrency conflict, retrying command",
			slog.String("command_type", cmd.CommandType()),
			slog.String("command_id", cmd.ID()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.maxAttempts),
		)

		timer := time.NewTimer(m.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}
