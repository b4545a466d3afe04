package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/sqlite"
)

func newTestEventStore(t *testing.T) *sqlite.EventStore {
	t.Helper()
	es, err := sqlite.NewEventStore(sqlite.WithMemoryDatabase())
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	t.Cleanup(func() { es.Close() })
	return es
}

func encodedEvents(streamID string, fromVersion int64, n int) []*eventsourcing.Event {
	events := make([]*eventsourcing.Event, n)
	for i := range events {
		version := fromVersion + int64(i)
		events[i] = &eventsourcing.Event{
			ID:            fmt.Sprintf("%s-e%d", streamID, version),
			AggregateID:   streamID,
			AggregateType: "Test",
			EventType:     "test.Happened",
			Version:       version,
			Timestamp:     time.Now().UTC(),
			Data:          []byte(`{}`),
		}
	}
	return events
}

func TestEventStore(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendAndLoad", func(t *testing.T) {
		s := newTestEventStore(t)

		version, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 3))
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if version != 3 {
			t.Errorf("expected version 3, got %d", version)
		}

		events, err := s.LoadEvents(ctx, "acc-1", 1, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("expected 3 events, got %d", len(events))
		}
		for i, evt := range events {
			if evt.Version != int64(i+1) {
				t.Errorf("event %d has version %d", i, evt.Version)
			}
		}
	})

	t.Run("MetadataRoundTrip", func(t *testing.T) {
		s := newTestEventStore(t)

		evt := encodedEvents("acc-1", 1, 1)[0]
		evt.Metadata = eventsourcing.EventMetadata{
			CausationID:   "cmd-1",
			CorrelationID: "corr-1",
			PrincipalID:   "user-1",
			Custom:        map[string]string{"source": "import"},
		}
		if _, err := s.AppendEvents(ctx, "acc-1", 0, []*eventsourcing.Event{evt}); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		loaded, err := s.LoadEvents(ctx, "acc-1", 1, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		got := loaded[0].Metadata
		if got.CausationID != "cmd-1" || got.CorrelationID != "corr-1" || got.PrincipalID != "user-1" {
			t.Errorf("metadata did not survive persistence: %+v", got)
		}
		if got.Custom["source"] != "import" {
			t.Errorf("custom metadata lost: %+v", got.Custom)
		}
		if !loaded[0].Timestamp.Equal(evt.Timestamp) {
			t.Errorf("timestamp lost precision: %v != %v", loaded[0].Timestamp, evt.Timestamp)
		}
	})

	t.Run("ConcurrencyConflict", func(t *testing.T) {
		s := newTestEventStore(t)
		if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 2)); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		// Stale writer still believes the stream is empty.
		_, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 1))
		if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
			t.Errorf("expected ErrConcurrencyConflict, got %v", err)
		}

		version, err := s.StreamVersion(ctx, "acc-1")
		if err != nil {
			t.Fatalf("stream version failed: %v", err)
		}
		if version != 2 {
			t.Errorf("failed append must not change the stream, version = %d", version)
		}
	})

	t.Run("NonContiguousBatchRejected", func(t *testing.T) {
		s := newTestEventStore(t)

		events := encodedEvents("acc-1", 1, 2)
		events[1].Version = 5
		_, err := s.AppendEvents(ctx, "acc-1", 0, events)
		if !errors.Is(err, eventsourcing.ErrInvalidVersion) {
			t.Errorf("expected ErrInvalidVersion, got %v", err)
		}

		// The whole batch is rejected, including the valid first event.
		version, err := s.StreamVersion(ctx, "acc-1")
		if err != nil {
			t.Fatalf("stream version failed: %v", err)
		}
		if version != 0 {
			t.Errorf("rejected batch must not persist anything, version = %d", version)
		}
	})

	t.Run("LoadRange", func(t *testing.T) {
		s := newTestEventStore(t)
		if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 5)); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		events, err := s.LoadEvents(ctx, "acc-1", 2, 4)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if len(events) != 3 || events[0].Version != 2 || events[2].Version != 4 {
			t.Errorf("wrong range: %d events, first %d", len(events), events[0].Version)
		}

		tail, err := s.LoadEvents(ctx, "acc-1", 4, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if len(tail) != 2 {
			t.Errorf("expected versions 4..5, got %d events", len(tail))
		}

		empty, err := s.LoadEvents(ctx, "missing", 1, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if len(empty) != 0 {
			t.Errorf("missing stream must be empty, got %d events", len(empty))
		}
	})

	t.Run("RewriteEvents", func(t *testing.T) {
		s := newTestEventStore(t)
		if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 2)); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		rewritten := &eventsourcing.Event{
			ID:            "acc-1-e2",
			AggregateID:   "acc-1",
			AggregateType: "Test",
			EventType:     "test.Happened.v2",
			Version:       2,
			Timestamp:     time.Now().UTC(),
			Data:          []byte(`{"upgraded":true}`),
		}
		if err := s.RewriteEvents(ctx, "acc-1", []*eventsourcing.Event{rewritten}); err != nil {
			t.Fatalf("rewrite failed: %v", err)
		}

		events, err := s.LoadEvents(ctx, "acc-1", 2, 2)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if events[0].EventType != "test.Happened.v2" {
			t.Errorf("rewrite not visible: %s", events[0].EventType)
		}

		version, err := s.StreamVersion(ctx, "acc-1")
		if err != nil {
			t.Fatalf("stream version failed: %v", err)
		}
		if version != 2 {
			t.Errorf("rewrite must not change the stream version, got %d", version)
		}

		// Identity is immutable: a different id at the same version is rejected.
		bad := rewritten.Clone()
		bad.ID = "other-id"
		if err := s.RewriteEvents(ctx, "acc-1", []*eventsourcing.Event{bad}); err == nil {
			t.Error("expected id mismatch to be rejected")
		}

		// Rewriting a version that was never written is rejected.
		missing := rewritten.Clone()
		missing.ID = "acc-1-e9"
		missing.Version = 9
		if err := s.RewriteEvents(ctx, "acc-1", []*eventsourcing.Event{missing}); !errors.Is(err, eventsourcing.ErrInvalidVersion) {
			t.Errorf("expected ErrInvalidVersion, got %v", err)
		}
	})

	t.Run("LoadAllEvents", func(t *testing.T) {
		s := newTestEventStore(t)

		// Interleave appends across two streams; global order is append
		// order, not stream order.
		if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 2)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, err := s.AppendEvents(ctx, "acc-2", 0, encodedEvents("acc-2", 1, 1)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
		if _, err := s.AppendEvents(ctx, "acc-1", 2, encodedEvents("acc-1", 3, 1)); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		all, err := s.LoadAllEvents(ctx, 0, 100)
		if err != nil {
			t.Fatalf("load all failed: %v", err)
		}
		wantIDs := []string{"acc-1-e1", "acc-1-e2", "acc-2-e1", "acc-1-e3"}
		if len(all) != len(wantIDs) {
			t.Fatalf("expected %d events, got %d", len(wantIDs), len(all))
		}
		for i, id := range wantIDs {
			if all[i].ID != id {
				t.Errorf("position %d: expected %s, got %s", i, id, all[i].ID)
			}
		}

		// fromPosition counts consumed events; limit caps the page.
		page, err := s.LoadAllEvents(ctx, 2, 1)
		if err != nil {
			t.Fatalf("load all failed: %v", err)
		}
		if len(page) != 1 || page[0].ID != "acc-2-e1" {
			t.Errorf("expected [acc-2-e1], got %v", page)
		}

		none, err := s.LoadAllEvents(ctx, 4, 10)
		if err != nil {
			t.Fatalf("load all failed: %v", err)
		}
		if len(none) != 0 {
			t.Errorf("expected end of history, got %d events", len(none))
		}
	})
}

func TestEventStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "events.db")

	es, err := sqlite.NewEventStore(sqlite.WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to create event store: %v", err)
	}
	if _, err := es.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 2)); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if err := es.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := sqlite.NewEventStore(sqlite.WithDSN(dsn))
	if err != nil {
		t.Fatalf("failed to reopen event store: %v", err)
	}
	defer reopened.Close()

	events, err := reopened.LoadEvents(ctx, "acc-1", 1, 0)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events after reopen, got %d", len(events))
	}

	version, err := reopened.AppendEvents(ctx, "acc-1", 2, encodedEvents("acc-1", 3, 1))
	if err != nil {
		t.Fatalf("append after reopen failed: %v", err)
	}
	if version != 3 {
		t.Errorf("expected version 3, got %d", version)
	}
}
