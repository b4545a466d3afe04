package sqlite_test

import (
	"testing"

	"github.com/plaenen/cqrskit/pkg/sqlite"
)

func tableExists(t *testing.T, es *sqlite.EventStore, name string) bool {
	t.Helper()
	var count int
	err := es.DB().QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query sqlite_master: %v", err)
	}
	return count == 1
}

func TestAutoMigrateCreatesSchema(t *testing.T) {
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	defer es.Close()

	if !tableExists(t, es, "events") {
		t.Fatal("events table was not created")
	}
	if !tableExists(t, es, "schema_migrations_events") {
		t.Fatal("migration tracking table was not created")
	}
}

func TestBorrowingStoresMigrateIndependently(t *testing.T) {
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	defer es.Close()

	if _, err := sqlite.NewSnapshotStore(es.DB()); err != nil {
		t.Fatalf("failed to create snapshot store: %v", err)
	}
	if _, err := sqlite.NewCheckpointStore(es.DB()); err != nil {
		t.Fatalf("failed to create checkpoint store: %v", err)
	}
	if _, err := sqlite.NewSagaStateStore(es.DB()); err != nil {
		t.Fatalf("failed to create saga state store: %v", err)
	}
	if _, err := sqlite.NewIdempotencyStore(es.DB()); err != nil {
		t.Fatalf("failed to create idempotency store: %v", err)
	}
	if _, err := sqlite.NewProjectionStatusStore(es.DB()); err != nil {
		t.Fatalf("failed to create projection status store: %v", err)
	}

	for _, table := range []string{
		"snapshots", "processor_checkpoints", "saga_state", "processed_commands", "projection_status",
	} {
		if !tableExists(t, es, table) {
			t.Errorf("table %s was not created", table)
		}
	}

	// Each concern tracks its own schema version.
	for _, tracking := range []string{
		"schema_migrations_snapshots",
		"schema_migrations_checkpoints",
		"schema_migrations_sagas",
		"schema_migrations_commands",
		"schema_migrations_projections",
	} {
		if !tableExists(t, es, tracking) {
			t.Errorf("tracking table %s was not created", tracking)
		}
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	defer es.Close()

	// A second store on the same handle re-runs migrations harmlessly.
	if _, err := sqlite.NewSnapshotStore(es.DB()); err != nil {
		t.Fatalf("first snapshot store: %v", err)
	}
	if _, err := sqlite.NewSnapshotStore(es.DB()); err != nil {
		t.Fatalf("second snapshot store: %v", err)
	}
}

func TestAutoMigrateDisabled(t *testing.T) {
	es, err := sqlite.NewEventStore(
		sqlite.WithMemoryDatabase(),
		sqlite.WithAutoMigrate(false),
	)
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	defer es.Close()

	if tableExists(t, es, "events") {
		t.Fatal("events table created despite auto-migrate being disabled")
	}
}
