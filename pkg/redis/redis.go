// Package redis provides Redis-backed implementations of the shared-state
// backends that benefit from a network cache: the aggregate cache and the
// idempotency store. Redis enforces TTLs server-side, so expired entries
// vanish without sweep jobs, and multiple processes share one warm state.
//
// Each store either dials its own client from the configured address or
// borrows one the caller already holds. Borrowed clients are left open on
// Close.
package redis

import (
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type config struct {
	client    goredis.UniversalClient
	addr      string
	username  string
	password  string
	db        int
	keyPrefix string
	cacheTTL  time.Duration
}

func defaultConfig() config {
	return config{
		addr:      "localhost:6379",
		keyPrefix: "cqrskit:",
		cacheTTL:  time.Hour,
	}
}

// Option configures the Redis stores.
type Option func(*config)

// WithClient uses an existing client instead of dialing one. Injected
// clients are left open on Close.
func WithClient(client goredis.UniversalClient) Option {
	return func(c *config) {
		c.client = client
	}
}

// WithAddr sets the server address. Ignored when a client is injected.
func WithAddr(addr string) Option {
	return func(c *config) {
		c.addr = addr
	}
}

// WithCredentials sets the username and password.
func WithCredentials(username, password string) Option {
	return func(c *config) {
		c.username = username
		c.password = password
	}
}

// WithDB selects the logical database.
func WithDB(db int) Option {
	return func(c *config) {
		c.db = db
	}
}

// WithKeyPrefix namespaces every key this package writes.
// Defaults to "cqrskit:".
func WithKeyPrefix(prefix string) Option {
	return func(c *config) {
		c.keyPrefix = prefix
	}
}

// WithCacheTTL bounds how long cached aggregates live. Defaults to one
// hour; zero means no expiry.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *config) {
		c.cacheTTL = ttl
	}
}

// dial returns the configured client and whether this package owns it.
// Like sql.Open, dialing is lazy; connectivity surfaces on first use.
func dial(cfg config) (goredis.UniversalClient, bool) {
	if cfg.client != nil {
		return cfg.client, false
	}
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.addr,
		Username: cfg.username,
		Password: cfg.password,
		DB:       cfg.db,
	}), true
}
