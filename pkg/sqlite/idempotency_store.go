package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// IdempotencyStore remembers processed command results in SQLite. Results
// are stored without decoded payloads; a replayed result carries the
// serialized event data and callers decode through the registry when they
// need the typed payloads.
//
// Expired rows are invisible to Lookup but stay on disk until CleanExpired
// runs; schedule it alongside other maintenance.
type IdempotencyStore struct {
	db *sql.DB
}

// NewIdempotencyStore creates an idempotency store on an existing database
// handle.
func NewIdempotencyStore(db *sql.DB, opts ...Option) (*IdempotencyStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runCommandMigrations(db); err != nil {
			return nil, fmt.Errorf("migrate idempotency store: %w", err)
		}
	}

	return &IdempotencyStore{db: db}, nil
}

func (s *IdempotencyStore) Lookup(ctx context.Context, key string) (*eventsourcing.CommandResult, error) {
	var resultJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT result FROM processed_commands
		WHERE idempotency_key = ? AND expires_at > ?`,
		key, eventsourcing.Now().UnixNano(),
	).Scan(&resultJSON)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up idempotency key: %w", err)
	}

	result, err := store.DecodeCommandResult(resultJSON)
	if err != nil {
		return nil, fmt.Errorf("recorded result for key %s: %w", key, err)
	}
	return result, nil
}

func (s *IdempotencyStore) Record(ctx context.Context, key string, result *eventsourcing.CommandResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = store.DefaultCommandTTL
	}

	resultJSON, err := store.EncodeCommandResult(result)
	if err != nil {
		return fmt.Errorf("result for key %s: %w", key, err)
	}

	now := eventsourcing.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO processed_commands (idempotency_key, command_id, result, processed_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			command_id = excluded.command_id,
			result = excluded.result,
			processed_at = excluded.processed_at,
			expires_at = excluded.expires_at`,
		key, result.CommandID, string(resultJSON), now.UnixNano(), now.Add(ttl).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record idempotency key: %w", err)
	}
	return nil
}

// CleanExpired deletes expired rows and reports how many were removed.
func (s *IdempotencyStore) CleanExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_commands WHERE expires_at <= ?`,
		eventsourcing.Now().UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("clean expired idempotency keys: %w", err)
	}
	return res.RowsAffected()
}

// Close is a no-op; the database handle belongs to its opener.
func (s *IdempotencyStore) Close() error {
	return nil
}

var _ store.IdempotencyStore = (*IdempotencyStore)(nil)
