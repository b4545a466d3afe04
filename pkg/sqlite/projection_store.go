package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

// ProjectionStatusStore persists projection status in SQLite. Rebuild
// progress is stored as a nullable JSON column so a projection that never
// rebuilds costs one small row.
type ProjectionStatusStore struct {
	db *sql.DB
}

// NewProjectionStatusStore creates a projection status store on an
// existing database handle.
func NewProjectionStatusStore(db *sql.DB, opts ...Option) (*ProjectionStatusStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runProjectionMigrations(db); err != nil {
			return nil, fmt.Errorf("migrate projection status store: %w", err)
		}
	}

	return &ProjectionStatusStore{db: db}, nil
}

// SaveStatus records a projection's state, replacing any previous one.
func (s *ProjectionStatusStore) SaveStatus(ctx context.Context, state *store.ProjectionState) error {
	var progressJSON any
	if state.Progress != nil {
		data, err := json.Marshal(state.Progress)
		if err != nil {
			return fmt.Errorf("encode progress for projection %s: %w", state.ProjectionName, err)
		}
		progressJSON = string(data)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projection_status (projection_name, status, message, updated_at, progress)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (projection_name) DO UPDATE SET
			status = excluded.status,
			message = excluded.message,
			updated_at = excluded.updated_at,
			progress = excluded.progress`,
		state.ProjectionName, string(state.Status), state.Message,
		state.UpdatedAt.UnixNano(), progressJSON,
	)
	if err != nil {
		return fmt.Errorf("save status for projection %s: %w", state.ProjectionName, err)
	}
	return nil
}

// LoadStatus returns the recorded state, or a Ready state for untracked
// projections.
func (s *ProjectionStatusStore) LoadStatus(ctx context.Context, projectionName string) (*store.ProjectionState, error) {
	var (
		status       string
		message      sql.NullString
		updatedAt    int64
		progressJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT status, message, updated_at, progress
		FROM projection_status
		WHERE projection_name = ?`,
		projectionName,
	).Scan(&status, &message, &updatedAt, &progressJSON)
	if err == sql.ErrNoRows {
		return &store.ProjectionState{
			ProjectionName: projectionName,
			Status:         store.ProjectionStatusReady,
			UpdatedAt:      eventsourcing.Now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load status for projection %s: %w", projectionName, err)
	}

	state := &store.ProjectionState{
		ProjectionName: projectionName,
		Status:         store.ProjectionStatus(status),
		Message:        message.String,
		UpdatedAt:      time.Unix(0, updatedAt).UTC(),
	}
	if progressJSON.Valid {
		var progress store.RebuildProgress
		if err := json.Unmarshal([]byte(progressJSON.String), &progress); err != nil {
			return nil, fmt.Errorf("decode progress for projection %s: %w", projectionName, err)
		}
		state.Progress = &progress
	}
	return state, nil
}

// UpdateProgress replaces the rebuild progress of a tracked projection.
// Updates for untracked projections are dropped.
func (s *ProjectionStatusStore) UpdateProgress(ctx context.Context, projectionName string, progress *store.RebuildProgress) error {
	data, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("encode progress for projection %s: %w", projectionName, err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE projection_status
		SET progress = ?, updated_at = ?
		WHERE projection_name = ?`,
		string(data), eventsourcing.Now().UnixNano(), projectionName,
	)
	if err != nil {
		return fmt.Errorf("update progress for projection %s: %w", projectionName, err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to its opener.
func (s *ProjectionStatusStore) Close() error {
	return nil
}

var _ store.ProjectionStatusStore = (*ProjectionStatusStore)(nil)
