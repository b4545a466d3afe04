package redis_test

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/redis"
	"github.com/plaenen/cqrskit/pkg/store"
)

// newTestClient connects to the Redis named by REDIS_ADDR and flushes the
// test database for isolation. Tests skip when no address is configured.
func newTestClient(t *testing.T) goredis.UniversalClient {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping redis tests")
	}

	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis at %s unreachable: %v", addr, err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush test database: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestAggregateCache(t *testing.T) {
	ctx := context.Background()

	t.Run("MissGivesNil", func(t *testing.T) {
		cache := redis.NewAggregateCache(redis.WithClient(newTestClient(t)))

		entry, err := cache.Get(ctx, "acc-missing")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry != nil {
			t.Errorf("expected miss, got %+v", entry)
		}
	})

	t.Run("PutGetRoundTrip", func(t *testing.T) {
		cache := redis.NewAggregateCache(redis.WithClient(newTestClient(t)))

		want := &store.CacheEntry{
			AggregateID: "acc-1",
			Version:     3,
			State:       []byte(`{"balance":12500}`),
			CachedAt:    time.Now().UTC(),
		}
		if err := cache.Put(ctx, want); err != nil {
			t.Fatalf("put failed: %v", err)
		}

		got, err := cache.Get(ctx, "acc-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got == nil {
			t.Fatal("expected a hit")
		}
		if got.AggregateID != want.AggregateID || got.Version != want.Version {
			t.Errorf("got %s@%d, want %s@%d", got.AggregateID, got.Version, want.AggregateID, want.Version)
		}
		if string(got.State) != string(want.State) {
			t.Errorf("state = %s, want %s", got.State, want.State)
		}
		if !got.CachedAt.Equal(want.CachedAt) {
			t.Errorf("cached at = %v, want %v", got.CachedAt, want.CachedAt)
		}
	})

	t.Run("ReplaceWins", func(t *testing.T) {
		cache := redis.NewAggregateCache(redis.WithClient(newTestClient(t)))

		for _, version := range []int64{3, 5} {
			err := cache.Put(ctx, &store.CacheEntry{
				AggregateID: "acc-2",
				Version:     version,
				State:       []byte(`{}`),
				CachedAt:    time.Now().UTC(),
			})
			if err != nil {
				t.Fatalf("put version %d failed: %v", version, err)
			}
		}

		got, err := cache.Get(ctx, "acc-2")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if got == nil || got.Version != 5 {
			t.Errorf("got %+v, want version 5", got)
		}
	})

	t.Run("RemoveDropsEntry", func(t *testing.T) {
		cache := redis.NewAggregateCache(redis.WithClient(newTestClient(t)))

		err := cache.Put(ctx, &store.CacheEntry{
			AggregateID: "acc-3",
			Version:     1,
			State:       []byte(`{}`),
			CachedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("put failed: %v", err)
		}

		if err := cache.Remove(ctx, "acc-3"); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		entry, err := cache.Get(ctx, "acc-3")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry != nil {
			t.Errorf("entry survived removal: %+v", entry)
		}

		// Removing a missing entry is not an error.
		if err := cache.Remove(ctx, "acc-3"); err != nil {
			t.Errorf("second remove failed: %v", err)
		}
	})

	t.Run("EntryExpires", func(t *testing.T) {
		cache := redis.NewAggregateCache(
			redis.WithClient(newTestClient(t)),
			redis.WithCacheTTL(100*time.Millisecond),
		)

		err := cache.Put(ctx, &store.CacheEntry{
			AggregateID: "acc-4",
			Version:     1,
			State:       []byte(`{}`),
			CachedAt:    time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("put failed: %v", err)
		}

		time.Sleep(300 * time.Millisecond)

		entry, err := cache.Get(ctx, "acc-4")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry != nil {
			t.Errorf("entry outlived its TTL: %+v", entry)
		}
	})

	t.Run("CorruptEntryHealsAsMiss", func(t *testing.T) {
		client := newTestClient(t)
		cache := redis.NewAggregateCache(
			redis.WithClient(client),
			redis.WithKeyPrefix("corrupt:"),
		)

		key := "corrupt:aggregate:acc-5"
		if err := client.Set(ctx, key, "not json", 0).Err(); err != nil {
			t.Fatalf("seed corrupt entry: %v", err)
		}

		entry, err := cache.Get(ctx, "acc-5")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if entry != nil {
			t.Errorf("corrupt entry surfaced: %+v", entry)
		}

		exists, err := client.Exists(ctx, key).Result()
		if err != nil {
			t.Fatalf("exists failed: %v", err)
		}
		if exists != 0 {
			t.Error("corrupt entry was not dropped")
		}
	})
}

func TestIdempotencyStore(t *testing.T) {
	ctx := context.Background()

	t.Run("UnseenKeyIsNil", func(t *testing.T) {
		idem := redis.NewIdempotencyStore(redis.WithClient(newTestClient(t)))

		result, err := idem.Lookup(ctx, "never-seen")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if result != nil {
			t.Errorf("expected nil result, got %+v", result)
		}
	})

	t.Run("RecordAndReplay", func(t *testing.T) {
		idem := redis.NewIdempotencyStore(redis.WithClient(newTestClient(t)))

		processedAt := time.Now().UTC()
		recorded := &eventsourcing.CommandResult{
			CommandID:   "cmd-1",
			ProcessedAt: processedAt,
			Events: []*eventsourcing.Event{{
				ID:            "evt-1",
				AggregateID:   "acc-1",
				AggregateType: "Account",
				EventType:     "AccountOpened",
				Version:       1,
				Timestamp:     processedAt,
				Payload:       struct{ Owner string }{"alice"},
				Data:          []byte(`{"owner":"alice"}`),
				Metadata:      eventsourcing.EventMetadata{CorrelationID: "corr-1"},
			}},
		}
		if err := idem.Record(ctx, "open-acc-1", recorded, time.Hour); err != nil {
			t.Fatalf("record failed: %v", err)
		}

		replay, err := idem.Lookup(ctx, "open-acc-1")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if replay == nil {
			t.Fatal("expected a recorded result")
		}
		if replay.CommandID != "cmd-1" || !replay.ProcessedAt.Equal(processedAt) {
			t.Errorf("replay = %s at %v, want cmd-1 at %v", replay.CommandID, replay.ProcessedAt, processedAt)
		}
		if len(replay.Events) != 1 {
			t.Fatalf("replayed %d events, want 1", len(replay.Events))
		}
		evt := replay.Events[0]
		if evt.EventType != "AccountOpened" || evt.Version != 1 {
			t.Errorf("replayed event %s v%d, want AccountOpened v1", evt.EventType, evt.Version)
		}
		if string(evt.Data) != `{"owner":"alice"}` {
			t.Errorf("replayed data = %s", evt.Data)
		}
		if evt.Metadata.CorrelationID != "corr-1" {
			t.Errorf("replayed correlation id = %s", evt.Metadata.CorrelationID)
		}
		// Payloads are not persisted; consumers decode Data through the
		// registry when they need them.
		if evt.Payload != nil {
			t.Errorf("replayed payload = %v, want nil", evt.Payload)
		}
	})

	t.Run("KeyExpires", func(t *testing.T) {
		idem := redis.NewIdempotencyStore(redis.WithClient(newTestClient(t)))

		result := &eventsourcing.CommandResult{CommandID: "cmd-2", ProcessedAt: time.Now().UTC()}
		if err := idem.Record(ctx, "short-lived", result, 100*time.Millisecond); err != nil {
			t.Fatalf("record failed: %v", err)
		}

		time.Sleep(300 * time.Millisecond)

		replay, err := idem.Lookup(ctx, "short-lived")
		if err != nil {
			t.Fatalf("lookup failed: %v", err)
		}
		if replay != nil {
			t.Errorf("key outlived its TTL: %+v", replay)
		}
	})

	t.Run("DefaultTTLApplied", func(t *testing.T) {
		client := newTestClient(t)
		idem := redis.NewIdempotencyStore(
			redis.WithClient(client),
			redis.WithKeyPrefix("defttl:"),
		)

		result := &eventsourcing.CommandResult{CommandID: "cmd-3", ProcessedAt: time.Now().UTC()}
		if err := idem.Record(ctx, "defaulted", result, 0); err != nil {
			t.Fatalf("record failed: %v", err)
		}

		ttl, err := client.TTL(ctx, "defttl:command:defaulted").Result()
		if err != nil {
			t.Fatalf("ttl failed: %v", err)
		}
		if ttl < 6*24*time.Hour || ttl > store.DefaultCommandTTL {
			t.Errorf("ttl = %v, want about %v", ttl, store.DefaultCommandTTL)
		}
	})
}
