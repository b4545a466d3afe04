package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/cqrskit/pkg/sqlite/migrate"
)

//go:embed migrations/events/*.sql
var eventMigrations embed.FS

//go:embed migrations/snapshots/*.sql
var snapshotMigrations embed.FS

//go:embed migrations/checkpoints/*.sql
var checkpointMigrations embed.FS

//go:embed migrations/sagas/*.sql
var sagaMigrations embed.FS

//go:embed migrations/commands/*.sql
var commandMigrations embed.FS

//go:embed migrations/projections/*.sql
var projectionMigrations embed.FS

// Each store tracks its schema in its own table, so stores sharing a
// database migrate independently.
func runEventMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_events", eventMigrations, "migrations/events")
}

func runSnapshotMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_snapshots", snapshotMigrations, "migrations/snapshots")
}

func runCheckpointMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_checkpoints", checkpointMigrations, "migrations/checkpoints")
}

func runSagaMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_sagas", sagaMigrations, "migrations/sagas")
}

func runCommandMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_commands", commandMigrations, "migrations/commands")
}

func runProjectionMigrations(db *sql.DB) error {
	return runMigrations(db, "schema_migrations_projections", projectionMigrations, "migrations/projections")
}

func runMigrations(db *sql.DB, table string, fsys embed.FS, dir string) error {
	m := migrate.New(db, table)
	if err := m.LoadFromFS(fsys, dir); err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	if err := m.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}
