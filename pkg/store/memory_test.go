package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/store"
)

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

func TestMemoryEventStore(t *testing.T) {
	ctx := context.Background()

	t.Run("AppendAndLoad", func(t *testing.T) {
		s := store.NewMemoryEventStore()

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

	t.Run("ConcurrencyConflict", func(t *testing.T) {
		s := store.NewMemoryEventStore()
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
		s := store.NewMemoryEventStore()

		events := encodedEvents("acc-1", 1, 2)
		events[1].Version = 5
		_, err := s.AppendEvents(ctx, "acc-1", 0, events)
		if !errors.Is(err, eventsourcing.ErrInvalidVersion) {
			t.Errorf("expected ErrInvalidVersion, got %v", err)
		}
	})

	t.Run("LoadRange", func(t *testing.T) {
		s := store.NewMemoryEventStore()
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

	t.Run("LoadedEventsAreCopies", func(t *testing.T) {
		s := store.NewMemoryEventStore()
		if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, 1)); err != nil {
			t.Fatalf("append failed: %v", err)
		}

		first, err := s.LoadEvents(ctx, "acc-1", 1, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		first[0].EventType = "mutated"

		second, err := s.LoadEvents(ctx, "acc-1", 1, 0)
		if err != nil {
			t.Fatalf("load failed: %v", err)
		}
		if second[0].EventType != "test.Happened" {
			t.Error("caller mutation leaked into the store")
		}
	})

	t.Run("RewriteEvents", func(t *testing.T) {
		s := store.NewMemoryEventStore()
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
	})
}

func TestMemoryEventStoreProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("appends produce a contiguous stream", prop.ForAll(
		func(batches []int) bool {
			ctx := context.Background()
			s := store.NewMemoryEventStore()

			total := int64(0)
			for _, size := range batches {
				events := encodedEvents("acc-1", total+1, size)
				version, err := s.AppendEvents(ctx, "acc-1", total, events)
				if err != nil {
					return false
				}
				total += int64(size)
				if version != total {
					return false
				}
			}

			events, err := s.LoadEvents(ctx, "acc-1", 1, 0)
			if err != nil || int64(len(events)) != total {
				return false
			}
			for i, evt := range events {
				if evt.Version != int64(i+1) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 5)),
	))

	properties.Property("stale expected version always conflicts", prop.ForAll(
		func(size int, offset int) bool {
			ctx := context.Background()
			s := store.NewMemoryEventStore()

			if _, err := s.AppendEvents(ctx, "acc-1", 0, encodedEvents("acc-1", 1, size)); err != nil {
				return false
			}

			stale := int64(size + offset)
			if stale < 0 {
				stale = 0
			}
			if stale == int64(size) {
				return true // not stale after clamping
			}
			_, err := s.AppendEvents(ctx, "acc-1", stale, encodedEvents("acc-1", stale+1, 1))
			if !errors.Is(err, eventsourcing.ErrConcurrencyConflict) {
				return false
			}
			version, err := s.StreamVersion(ctx, "acc-1")
			return err == nil && version == int64(size)
		},
		gen.IntRange(1, 10),
		gen.IntRange(-10, 10).SuchThat(func(v int) bool { return v != 0 }),
	))

	properties.TestingRun(t)
}
