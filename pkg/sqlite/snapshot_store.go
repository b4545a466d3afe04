package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// SnapshotStore persists aggregate snapshots in SQLite. It borrows the
// database handle from an EventStore (or any *sql.DB); Close is therefore
// a no-op and the handle's owner decides its lifetime.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore creates a snapshot store on an existing database
// handle, typically EventStore.DB().
func NewSnapshotStore(db *sql.DB, opts ...Option) (*SnapshotStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runSnapshotMigrations(db); err != nil {
			return nil, fmt.Errorf("migrate snapshot store: %w", err)
		}
	}

	return &SnapshotStore{db: db}, nil
}

func (s *SnapshotStore) SaveSnapshot(ctx context.Context, snapshot *store.Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, version, state, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (aggregate_id, version) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			state = excluded.state,
			created_at = excluded.created_at`,
		snapshot.AggregateID, snapshot.AggregateType, snapshot.Version,
		snapshot.State, snapshot.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snapshot.AggregateID, err)
	}
	return nil
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, aggregateID string, maxVersion int64) (*store.Snapshot, error) {
	query := `
		SELECT aggregate_id, aggregate_type, version, state, created_at
		FROM snapshots
		WHERE aggregate_id = ?`
	args := []any{aggregateID}
	if maxVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, maxVersion)
	}
	query += ` ORDER BY version DESC LIMIT 1`

	var (
		snap      store.Snapshot
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&snap.AggregateID, &snap.AggregateType, &snap.Version, &snap.State, &createdAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: aggregate %s", eventsourcing.ErrSnapshotNotFound, aggregateID)
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot for %s: %w", aggregateID, err)
	}
	snap.CreatedAt = time.Unix(0, createdAt).UTC()
	return &snap, nil
}

func (s *SnapshotStore) DeleteOldSnapshots(ctx context.Context, aggregateID string, olderThanVersion int64) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE aggregate_id = ? AND version < ?`,
		aggregateID, olderThanVersion,
	)
	if err != nil {
		return fmt.Errorf("delete snapshots for %s: %w", aggregateID, err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to the event store.
func (s *SnapshotStore) Close() error {
	return nil
}

var _ store.SnapshotStore = (*SnapshotStore)(nil)
