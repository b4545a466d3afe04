// Package sqlite provides durable, pure-Go SQLite implementations of the
// persistence backends: the event store (with stream rewrite and global
// history), snapshots, processor checkpoints, saga state, and idempotency
// records. Schemas ship as embedded migrations and are applied on startup
// unless auto-migration is disabled.
//
// The event store owns its database handle. The other stores borrow one,
// so they can share the event store's database or live in a separate file
// that scales independently.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

type config struct {
	dsn          string
	maxOpenConns int
	maxIdleConns int
	walMode      bool
	autoMigrate  bool
}

func defaultConfig() config {
	return config{
		dsn:          "cqrskit.db",
		maxOpenConns: 25,
		maxIdleConns: 5,
		walMode:      true,
		autoMigrate:  true,
	}
}

// Option configures the SQLite stores.
type Option func(*config)

// WithDSN sets the data source name (a file path, or ":memory:").
func WithDSN(dsn string) Option {
	return func(c *config) {
		c.dsn = dsn
	}
}

// WithMemoryDatabase uses an in-memory database. Handy for tests; the data
// is gone when the handle closes.
func WithMemoryDatabase() Option {
	return func(c *config) {
		c.dsn = ":memory:"
	}
}

// WithMaxOpenConns caps the connection pool.
func WithMaxOpenConns(n int) Option {
	return func(c *config) {
		c.maxOpenConns = n
	}
}

// WithMaxIdleConns sets the idle connection count.
func WithMaxIdleConns(n int) Option {
	return func(c *config) {
		c.maxIdleConns = n
	}
}

// WithWALMode toggles write-ahead logging. WAL is on by default; it has no
// effect on :memory: databases.
func WithWALMode(enabled bool) Option {
	return func(c *config) {
		c.walMode = enabled
	}
}

// WithAutoMigrate toggles running pending schema migrations on startup.
// Disable it when migrations are applied out of band.
func WithAutoMigrate(enabled bool) Option {
	return func(c *config) {
		c.autoMigrate = enabled
	}
}

// Open opens a SQLite database with the pool and journal settings from the
// options. Callers that only need a handle for the borrowing stores can use
// this directly.
func Open(opts ...Option) (*sql.DB, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return openDB(cfg)
}

func openDB(cfg config) (*sql.DB, error) {
	db, err := sql.Open("sqlite", cfg.dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection, so the pool must stay at
	// one connection or each one sees an empty database.
	if cfg.dsn == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		db.SetMaxOpenConns(cfg.maxOpenConns)
		db.SetMaxIdleConns(cfg.maxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if cfg.walMode {
		if _, err := db.Exec(`
			PRAGMA journal_mode = WAL;
			PRAGMA synchronous = NORMAL;
			PRAGMA foreign_keys = ON;
		`); err != nil {
			db.Close()
			return nil, fmt.Errorf("set WAL mode: %w", err)
		}
	}

	return db, nil
}
