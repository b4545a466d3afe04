package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// IdempotencyMiddleware short-circuits redelivered commands. Commands opt
// in by implementing eventsourcing.IdempotencyKeyed; everything else
// passes through untouched.
//
// The key is recorded only after the terminal handler succeeds, so a
// failed command can be retried under the same key. A replayed key
// returns the recorded result with AlreadyProcessed set and never reaches
// the handler again.
type IdempotencyMiddleware struct {
	store  store.IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
}

// IdempotencyOption configures the idempotency middleware.
type IdempotencyOption func(*IdempotencyMiddleware)

// WithIdempotencyTTL overrides how long processed keys are remembered.
func WithIdempotencyTTL(ttl time.Duration) IdempotencyOption {
	return func(m *IdempotencyMiddleware) {
		m.ttl = ttl
	}
}

// WithIdempotencyLogger sets the logger used for short-circuit and
// bookkeeping messages.
func WithIdempotencyLogger(logger *slog.Logger) IdempotencyOption {
	return func(m *IdempotencyMiddleware) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewIdempotencyMiddleware creates an idempotency middleware backed by the
// given store.
func NewIdempotencyMiddleware(s store.IdempotencyStore, opts ...IdempotencyOption) *IdempotencyMiddleware {
	m := &IdempotencyMiddleware{
		store:  s,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// InterceptCommand implements eventsourcing.CommandInterceptor.
func (m *IdempotencyMiddleware) InterceptCommand(ctx context.Context, cmd eventsourcing.Command, next eventsourcing.CommandHandlerFunc) (*eventsourcing.CommandResult, error) {
	keyed, ok := cmd.(eventsourcing.IdempotencyKeyed)
	if !ok || keyed.IdempotencyKey() == "" {
		return next(ctx, cmd)
	}
	key := keyed.IdempotencyKey()

	recorded, err := m.store.Lookup(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if recorded != nil {
		m.logger.InfoContext(ctx, "Duplicate command short-circuited",
			slog.String("command_type", cmd.CommandType()),
			slog.String("command_id", cmd.ID()),
			slog.String("idempotency_key", key),
		)
		replay := *recorded
		replay.AlreadyProcessed = true
		return &replay, nil
	}

	result, err := next(ctx, cmd)
	if err != nil {
		return nil, err
	}

	// Best effort: the command has already committed.
	if err := m.store.Record(ctx, key, result, m.ttl); err != nil {
		m.logger.WarnContext(ctx, "Recording idempotency key failed",
			slog.String("command_type", cmd.CommandType()),
			slog.String("idempotency_key", key),
			slog.String("error", err.Error()),
		)
	}

	return result, nil
}

var _ eventsourcing.CommandInterceptor = (*IdempotencyMiddleware)(nil)
