package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/store"
)

// CheckpointStore persists processor checkpoints in SQLite. It can share
// the event store's database (pass eventStore.DB()) or run on a separate
// handle when projections scale independently of the write side.
type CheckpointStore struct {
	db *sql.DB
}

// NewCheckpointStore creates a checkpoint store on an existing database
// handle.
//
// Example usage:
//
//	// Sharing the event store's database
//	checkpoints, err := sqlite.NewCheckpointStore(eventStore.DB())
//
//	// On a separate database, migrated elsewhere
//	db, _ := sqlite.Open(sqlite.WithDSN("projections.db"))
//	checkpoints, err := sqlite.NewCheckpointStore(db, sqlite.WithAutoMigrate(false))
func NewCheckpointStore(db *sql.DB, opts ...Option) (*CheckpointStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runCheckpointMigrations(db); err != nil {
			return nil, fmt.Errorf("migrate checkpoint store: %w", err)
		}
	}

	return &CheckpointStore{db: db}, nil
}

func (s *CheckpointStore) SaveCheckpoint(ctx context.Context, checkpoint *store.Checkpoint) error {
	var skipBefore int64
	if !checkpoint.SkipBefore.IsZero() {
		skipBefore = checkpoint.SkipBefore.UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processor_checkpoints (processor_id, stream_id, position, last_event_id, skip_before, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (processor_id, stream_id) DO UPDATE SET
			position = excluded.position,
			last_event_id = excluded.last_event_id,
			skip_before = excluded.skip_before,
			updated_at = excluded.updated_at`,
		checkpoint.ProcessorID, checkpoint.StreamID, checkpoint.Position,
		checkpoint.LastEventID, skipBefore, checkpoint.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint for %s: %w", checkpoint.ProcessorID, err)
	}
	return nil
}

func (s *CheckpointStore) LoadCheckpoint(ctx context.Context, processorID, streamID string) (*store.Checkpoint, error) {
	var (
		cp         store.Checkpoint
		skipBefore int64
		updatedAt  int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT processor_id, stream_id, position, last_event_id, skip_before, updated_at
		FROM processor_checkpoints
		WHERE processor_id = ? AND stream_id = ?`,
		processorID, streamID,
	).Scan(&cp.ProcessorID, &cp.StreamID, &cp.Position, &cp.LastEventID, &skipBefore, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", processorID, err)
	}
	if skipBefore != 0 {
		cp.SkipBefore = time.Unix(0, skipBefore).UTC()
	}
	cp.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &cp, nil
}

func (s *CheckpointStore) DeleteCheckpoints(ctx context.Context, processorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM processor_checkpoints WHERE processor_id = ?`, processorID,
	)
	if err != nil {
		return fmt.Errorf("delete checkpoints for %s: %w", processorID, err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to its opener.
func (s *CheckpointStore) Close() error {
	return nil
}

var _ store.CheckpointStore = (*CheckpointStore)(nil)
