package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

// EventStore is a SQLite-backed event store with ACID appends and no CGo
// dependency. Streams are version sequences over aggregate_id; a rowid
// position column provides the global append order behind LoadAllEvents.
type EventStore struct {
	db *sql.DB

	// Serializes writers. SQLite allows one writer at a time; taking the
	// lock here turns driver-level busy errors into queueing.
	mu sync.RWMutex
}

// NewEventStore opens (and by default migrates) a SQLite event store.
//
// Example usage:
//
//	// On-disk store with defaults (WAL mode, auto-migrate)
//	es, err := sqlite.NewEventStore(sqlite.WithDSN("events.db"))
//
//	// Throwaway store for tests
//	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
func NewEventStore(opts ...Option) (*EventStore, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.autoMigrate {
		if err := runEventMigrations(db); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate event store: %w", err)
		}
	}

	return &EventStore{db: db}, nil
}

// DB exposes the underlying handle so the borrowing stores (snapshots,
// checkpoints, saga state, idempotency) can share this database.
func (s *EventStore) DB() *sql.DB {
	return s.db
}

// AppendEvents appends events to a stream atomically. The whole batch is
// rejected with ErrConcurrencyConflict when the stream has moved past
// expectedVersion, and with ErrInvalidVersion when the batch does not
// carry the contiguous versions expectedVersion+1..expectedVersion+n.
func (s *EventStore) AppendEvents(ctx context.Context, streamID string, expectedVersion int64, events []*eventsourcing.Event) (int64, error) {
	if expectedVersion < 0 {
		return 0, fmt.Errorf("%w: expected version %d", eventsourcing.ErrInvalidVersion, expectedVersion)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, streamID,
	).Scan(&current); err != nil {
		return 0, fmt.Errorf("check stream version: %w", err)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: stream %s is at version %d, expected %d",
			eventsourcing.ErrConcurrencyConflict, streamID, current, expectedVersion)
	}

	for i, evt := range events {
		want := expectedVersion + int64(i) + 1
		if evt.Version != want {
			return 0, fmt.Errorf("%w: event %d carries version %d, expected %d",
				eventsourcing.ErrInvalidVersion, i, evt.Version, want)
		}
	}

	for _, evt := range events {
		metadataJSON, err := json.Marshal(evt.Metadata)
		if err != nil {
			return 0, fmt.Errorf("encode event metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			evt.ID, evt.AggregateID, evt.AggregateType, evt.EventType,
			evt.Version, evt.Timestamp.UnixNano(), evt.Data, string(metadataJSON),
		); err != nil {
			return 0, fmt.Errorf("insert event %s: %w", evt.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return expectedVersion + int64(len(events)), nil
}

// LoadEvents loads a version range from a stream. fromVersion is inclusive
// (values below 1 mean the start); toVersion is inclusive with 0 meaning
// the head. A missing stream yields an empty slice.
func (s *EventStore) LoadEvents(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fromVersion < 1 {
		fromVersion = 1
	}

	query := `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata
		FROM events
		WHERE aggregate_id = ? AND version >= ?`
	args := []any{streamID, fromVersion}
	if toVersion > 0 {
		query += ` AND version <= ?`
		args = append(args, toVersion)
	}
	query += ` ORDER BY version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// StreamVersion returns the stream's current version, 0 for a missing
// stream.
func (s *EventStore) StreamVersion(ctx context.Context, streamID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var version int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM events WHERE aggregate_id = ?`, streamID,
	).Scan(&version); err != nil {
		return 0, fmt.Errorf("get stream version: %w", err)
	}
	return version, nil
}

// RewriteEvents replaces stored events in place. Each replacement must
// match an existing event's version and id; positions and versions are
// preserved, which is what lets eager upcasting persist upgraded payloads
// without changing history shape.
func (s *EventStore) RewriteEvents(ctx context.Context, streamID string, events []*eventsourcing.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, evt := range events {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT event_id FROM events WHERE aggregate_id = ? AND version = ?`,
			streamID, evt.Version,
		).Scan(&existingID)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: no event at version %d in stream %s",
				eventsourcing.ErrInvalidVersion, evt.Version, streamID)
		}
		if err != nil {
			return fmt.Errorf("look up event at version %d: %w", evt.Version, err)
		}
		if existingID != evt.ID {
			return fmt.Errorf("rewrite stream %s version %d: id mismatch (%s != %s)",
				streamID, evt.Version, evt.ID, existingID)
		}

		metadataJSON, err := json.Marshal(evt.Metadata)
		if err != nil {
			return fmt.Errorf("encode event metadata: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE events
			SET event_type = ?, timestamp = ?, data = ?, metadata = ?
			WHERE aggregate_id = ? AND version = ?`,
			evt.EventType, evt.Timestamp.UnixNano(), evt.Data, string(metadataJSON),
			streamID, evt.Version,
		); err != nil {
			return fmt.Errorf("rewrite event %s: %w", evt.ID, err)
		}
	}

	return tx.Commit()
}

// LoadAllEvents returns up to limit events from the global append order,
// skipping the first fromPosition. Processor rebuilds and store-driven
// catchup iterate history through this.
func (s *EventStore) LoadAllEvents(ctx context.Context, fromPosition int64, limit int) ([]*eventsourcing.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		return nil, nil
	}
	if fromPosition < 0 {
		fromPosition = 0
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, aggregate_id, aggregate_type, event_type, version, timestamp, data, metadata
		FROM events
		WHERE position > ?
		ORDER BY position
		LIMIT ?`,
		fromPosition, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query all events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// Close closes the store and its database handle.
func (s *EventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Close()
}

func scanEvents(rows *sql.Rows) ([]*eventsourcing.Event, error) {
	var events []*eventsourcing.Event
	for rows.Next() {
		var (
			evt          eventsourcing.Event
			timestamp    int64
			metadataJSON string
		)
		if err := rows.Scan(
			&evt.ID, &evt.AggregateID, &evt.AggregateType, &evt.EventType,
			&evt.Version, &timestamp, &evt.Data, &metadataJSON,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		evt.Timestamp = time.Unix(0, timestamp).UTC()
		if err := json.Unmarshal([]byte(metadataJSON), &evt.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for event %s: %w", evt.ID, err)
		}
		events = append(events, &evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return events, nil
}

var _ eventsourcing.EventStore = (*EventStore)(nil)
var _ eventsourcing.StreamRewriter = (*EventStore)(nil)
var _ eventsourcing.HistoryReader = (*EventStore)(nil)
