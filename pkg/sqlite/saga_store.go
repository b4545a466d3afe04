package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plaenen/cqrskit/pkg/store"
)

// SagaStateStore persists saga instances in SQLite. Completed step names
// are stored as a JSON array next to the opaque state blob.
type SagaStateStore struct {
	db *sql.DB
}

// NewSagaStateStore creates a saga state store on an existing database
// handle.
func NewSagaStateStore(db *sql.DB, opts ...Option) (*SagaStateStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	if cfg.autoMigrate {
		if err := runSagaMigrations(db); err != nil {
			return nil, fmt.Errorf("migrate saga state store: %w", err)
		}
	}

	return &SagaStateStore{db: db}, nil
}

func (s *SagaStateStore) LoadSaga(ctx context.Context, sagaName, sagaID string) (*store.SagaRecord, error) {
	var (
		record    store.SagaRecord
		stepsJSON string
		updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT saga_name, saga_id, state, completed_steps, updated_at
		FROM saga_state
		WHERE saga_name = ? AND saga_id = ?`,
		sagaName, sagaID,
	).Scan(&record.SagaName, &record.SagaID, &record.State, &stepsJSON, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s/%s: %w", sagaName, sagaID, err)
	}
	if err := json.Unmarshal([]byte(stepsJSON), &record.CompletedSteps); err != nil {
		return nil, fmt.Errorf("decode completed steps for saga %s/%s: %w", sagaName, sagaID, err)
	}
	record.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return &record, nil
}

func (s *SagaStateStore) SaveSaga(ctx context.Context, record *store.SagaRecord) error {
	stepsJSON, err := json.Marshal(record.CompletedSteps)
	if err != nil {
		return fmt.Errorf("encode completed steps for saga %s/%s: %w", record.SagaName, record.SagaID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO saga_state (saga_name, saga_id, state, completed_steps, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (saga_name, saga_id) DO UPDATE SET
			state = excluded.state,
			completed_steps = excluded.completed_steps,
			updated_at = excluded.updated_at`,
		record.SagaName, record.SagaID, record.State, string(stepsJSON),
		record.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save saga %s/%s: %w", record.SagaName, record.SagaID, err)
	}
	return nil
}

func (s *SagaStateStore) DeleteSaga(ctx context.Context, sagaName, sagaID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM saga_state WHERE saga_name = ? AND saga_id = ?`,
		sagaName, sagaID,
	)
	if err != nil {
		return fmt.Errorf("delete saga %s/%s: %w", sagaName, sagaID, err)
	}
	return nil
}

// Close is a no-op; the database handle belongs to its opener.
func (s *SagaStateStore) Close() error {
	return nil
}

var _ store.SagaStateStore = (*SagaStateStore)(nil)
