package processing_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
	"github.com/plaenen/cqrskit/pkg/processing"
	"github.com/plaenen/cqrskit/pkg/store"
)

type recordingProcessor struct {
	name string
	fail func(event *eventsourcing.Event) error

	mu     sync.Mutex
	seen   []string
	resets int
}

func (p *recordingProcessor) Name() string { return p.name }

func (p *recordingProcessor) HandleEvent(ctx context.Context, event *eventsourcing.Event) error {
	if p.fail != nil {
		if err := p.fail(event); err != nil {
			return err
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch v := event.Payload.(type) {
	case itemAdded:
		p.seen = append(p.seen, "add:"+v.Name)
	case itemRemoved:
		p.seen = append(p.seen, "remove:"+v.Name)
	default:
		p.seen = append(p.seen, "unknown:"+event.ID)
	}
	return nil
}

func (p *recordingProcessor) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.seen = nil
	return nil
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func (p *recordingProcessor) events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.seen))
	copy(out, p.seen)
	return out
}

func newRegistry() *eventsourcing.Registry {
	reg := eventsourcing.NewRegistry()
	eventsourcing.RegisterPayload[itemAdded](reg, "inventory.ItemAdded.v1")
	eventsourcing.RegisterPayload[itemRemoved](reg, "inventory.ItemRemoved.v1")
	return reg
}

// makeEvent builds an encoded event the way it would arrive from storage or
// the transport: type tag and data set, payload stripped.
func makeEvent(t *testing.T, reg *eventsourcing.Registry, streamID, id string, version int64, ts time.Time, payload any) *eventsourcing.Event {
	t.Helper()
	evt := &eventsourcing.Event{
		ID:            id,
		AggregateID:   streamID,
		AggregateType: "inventory",
		Version:       version,
		Timestamp:     ts,
		Payload:       payload,
	}
	if err := reg.EncodeEvent(evt); err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	evt.Payload = nil
	return evt
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startExecutor(t *testing.T, exec *processing.Executor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- exec.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("executor returned error: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Error("executor did not stop after cancel")
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestExecutorProcessesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	now := time.Now().UTC()
	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, now, itemAdded{Name: "bolt"}),
		makeEvent(t, reg, "inv-1", "e-2", 2, now, itemAdded{Name: "nut"}),
		makeEvent(t, reg, "inv-1", "e-3", 3, now, itemRemoved{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	proc := &recordingProcessor{name: "inventory-view"}
	exec := processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
	)

	stop := startExecutor(t, exec)
	waitFor(t, "all events processed", func() bool { return proc.count() == 3 })
	stop()

	want := []string{"add:bolt", "add:nut", "remove:bolt"}
	got := proc.events()
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}

	cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("no checkpoint saved")
	}
	if cp.Position != 3 {
		t.Errorf("checkpoint position = %d, want 3", cp.Position)
	}
	if cp.LastEventID != "e-3" {
		t.Errorf("checkpoint last event = %s, want e-3", cp.LastEventID)
	}

	if lag := exec.CurrentLag(); lag.UnprocessedEvents != 0 {
		t.Errorf("unprocessed events = %d, want 0", lag.UnprocessedEvents)
	}
}

func TestExecutorResumesFromDurableConsumer(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	now := time.Now().UTC()
	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, now, itemAdded{Name: "bolt"}),
		makeEvent(t, reg, "inv-1", "e-2", 2, now, itemAdded{Name: "nut"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	first := &recordingProcessor{name: "inventory-view"}
	stop := startExecutor(t, processing.NewExecutor(first, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
	))
	waitFor(t, "first run", func() bool { return first.count() == 2 })
	stop()

	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-3", 3, now, itemRemoved{Name: "nut"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	second := &recordingProcessor{name: "inventory-view"}
	stop = startExecutor(t, processing.NewExecutor(second, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
	))
	waitFor(t, "resumed run", func() bool { return second.count() == 1 })
	stop()

	if got := second.events(); got[0] != "remove:nut" {
		t.Errorf("resumed event = %s, want remove:nut", got[0])
	}

	cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Position != 3 {
		t.Errorf("checkpoint position = %d, want 3", cp.Position)
	}
}

func TestExecutorWatermarkSkipsCoveredEvents(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	base := time.Now().UTC().Add(-time.Hour)
	watermark := base.Add(15 * time.Minute)
	if err := checkpoints.SaveCheckpoint(ctx, &store.Checkpoint{
		ProcessorID: "inventory-view",
		SkipBefore:  watermark,
		UpdatedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, base, itemAdded{Name: "bolt"}),
		makeEvent(t, reg, "inv-1", "e-2", 2, base.Add(10*time.Minute), itemAdded{Name: "nut"}),
		makeEvent(t, reg, "inv-1", "e-3", 3, base.Add(20*time.Minute), itemRemoved{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	proc := &recordingProcessor{name: "inventory-view"}
	stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
	))
	waitFor(t, "checkpoint past skipped events", func() bool {
		cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
		return err == nil && cp != nil && cp.Position == 3
	})
	stop()

	got := proc.events()
	if len(got) != 1 || got[0] != "remove:bolt" {
		t.Errorf("processed = %v, want only remove:bolt", got)
	}
}

func TestExecutorRetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	var attempts atomic.Int32
	proc := &recordingProcessor{
		name: "flaky",
		fail: func(event *eventsourcing.Event) error {
			if attempts.Add(1) <= 2 {
				return processing.Transient(errors.New("read model busy"))
			}
			return nil
		},
	}

	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, time.Now().UTC(), itemAdded{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
	))
	waitFor(t, "handler success after retries", func() bool { return proc.count() == 1 })
	stop()

	if got := attempts.Load(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestExecutorRedeliversWhenBudgetExhausted(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	var attempts atomic.Int32
	proc := &recordingProcessor{
		name: "flaky",
		fail: func(event *eventsourcing.Event) error {
			if attempts.Add(1) < 5 {
				return processing.Transient(errors.New("read model busy"))
			}
			return nil
		},
	}

	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, time.Now().UTC(), itemAdded{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
		processing.WithRetryBudget(1),
		processing.WithRedeliveryDelay(time.Millisecond),
	))
	waitFor(t, "event survives redelivery", func() bool { return proc.count() == 1 })
	stop()

	cp, err := checkpoints.LoadCheckpoint(ctx, "flaky", "")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp.Position != 1 {
		t.Errorf("checkpoint position = %d, want 1", cp.Position)
	}
}

func TestExecutorDeadLetters(t *testing.T) {
	poison := func(event *eventsourcing.Event) error {
		if event.ID == "e-1" {
			return errors.New("malformed reference")
		}
		return nil
	}

	t.Run("RoutesToSink", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry()
		transport := eventsourcing.NewInMemoryTransport()
		defer transport.Close()
		checkpoints := store.NewMemoryCheckpointStore()
		defer checkpoints.Close()

		sink := processing.NewMemoryDeadLetterSink()
		proc := &recordingProcessor{name: "inventory-view", fail: poison}

		now := time.Now().UTC()
		if err := transport.Publish(ctx, []*eventsourcing.Event{
			makeEvent(t, reg, "inv-1", "e-1", 1, now, itemAdded{Name: "bolt"}),
			makeEvent(t, reg, "inv-1", "e-2", 2, now, itemAdded{Name: "nut"}),
		}); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
			processing.WithLogger(quietLogger()),
			processing.WithDeadLetterSink(sink),
		))
		waitFor(t, "poison quarantined and stream continued", func() bool {
			return len(sink.Letters()) == 1 && proc.count() == 1
		})
		stop()

		letters := sink.Letters()
		if letters[0].Event.ID != "e-1" {
			t.Errorf("dead letter event = %s, want e-1", letters[0].Event.ID)
		}
		if letters[0].ProcessorName != "inventory-view" {
			t.Errorf("dead letter processor = %s", letters[0].ProcessorName)
		}
		if !strings.Contains(letters[0].Cause.Error(), "malformed reference") {
			t.Errorf("dead letter cause = %v", letters[0].Cause)
		}

		cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
		if err != nil {
			t.Fatalf("LoadCheckpoint: %v", err)
		}
		if cp.Position != 2 {
			t.Errorf("checkpoint position = %d, want 2", cp.Position)
		}
	})

	t.Run("LogsAndContinuesWithoutSink", func(t *testing.T) {
		ctx := context.Background()
		reg := newRegistry()
		transport := eventsourcing.NewInMemoryTransport()
		defer transport.Close()
		checkpoints := store.NewMemoryCheckpointStore()
		defer checkpoints.Close()

		proc := &recordingProcessor{name: "inventory-view", fail: poison}

		now := time.Now().UTC()
		if err := transport.Publish(ctx, []*eventsourcing.Event{
			makeEvent(t, reg, "inv-1", "e-1", 1, now, itemAdded{Name: "bolt"}),
			makeEvent(t, reg, "inv-1", "e-2", 2, now, itemAdded{Name: "nut"}),
		}); err != nil {
			t.Fatalf("Publish: %v", err)
		}

		stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
			processing.WithLogger(quietLogger()),
		))
		waitFor(t, "stream continued past poison", func() bool { return proc.count() == 1 })
		stop()

		if got := proc.events(); got[0] != "add:nut" {
			t.Errorf("processed = %v, want [add:nut]", got)
		}
	})
}

func TestExecutorCatchupSetsWatermark(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	base := time.Now().UTC().Add(-time.Hour)
	e2Time := base.Add(10 * time.Minute)
	if err := transport.Publish(ctx, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "e-1", 1, base, itemAdded{Name: "bolt"}),
		makeEvent(t, reg, "inv-1", "e-2", 2, e2Time, itemAdded{Name: "nut"}),
		makeEvent(t, reg, "inv-1", "e-3", 3, base.Add(20*time.Minute), itemRemoved{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	behind, err := processing.AfterNEvents(1)
	if err != nil {
		t.Fatalf("AfterNEvents: %v", err)
	}

	var strategyCalls atomic.Int32
	strategy := processing.StrategyFunc(func(ctx context.Context, p processing.Processor) (time.Time, error) {
		strategyCalls.Add(1)
		return e2Time, nil
	})

	proc := &recordingProcessor{name: "inventory-view"}
	stop := startExecutor(t, processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
		processing.WithBatchSize(1),
		processing.WithCatchup(behind, strategy),
	))
	waitFor(t, "stream drained", func() bool {
		cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
		return err == nil && cp != nil && cp.Position == 3
	})
	stop()

	if strategyCalls.Load() == 0 {
		t.Error("catchup strategy never ran")
	}

	got := proc.events()
	want := []string{"add:bolt", "remove:bolt"}
	if len(got) != len(want) {
		t.Fatalf("processed = %v, want %v (e-2 covered by watermark)", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("processed[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if !cp.SkipBefore.Equal(e2Time) {
		t.Errorf("persisted watermark = %s, want %s", cp.SkipBefore, e2Time)
	}
}

func TestExecutorRebuildReplaysHistory(t *testing.T) {
	ctx := context.Background()
	reg := newRegistry()
	es := store.NewMemoryEventStore()
	defer es.Close()
	checkpoints := store.NewMemoryCheckpointStore()
	defer checkpoints.Close()

	now := time.Now().UTC()
	if _, err := es.AppendEvents(ctx, "inv-1", 0, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "a-1", 1, now, itemAdded{Name: "bolt"}),
		makeEvent(t, reg, "inv-1", "a-2", 2, now, itemAdded{Name: "nut"}),
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if _, err := es.AppendEvents(ctx, "inv-2", 0, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-2", "b-1", 1, now, itemAdded{Name: "washer"}),
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}
	if _, err := es.AppendEvents(ctx, "inv-1", 2, []*eventsourcing.Event{
		makeEvent(t, reg, "inv-1", "a-3", 3, now, itemRemoved{Name: "bolt"}),
	}); err != nil {
		t.Fatalf("AppendEvents: %v", err)
	}

	// Stale bookkeeping that the rebuild must clear.
	if err := checkpoints.SaveCheckpoint(ctx, &store.Checkpoint{
		ProcessorID: "inventory-view",
		Position:    99,
		SkipBefore:  now,
	}); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}

	proc := &recordingProcessor{name: "inventory-view"}
	proc.seen = []string{"stale"}

	transport := eventsourcing.NewInMemoryTransport()
	defer transport.Close()
	exec := processing.NewExecutor(proc, transport, reg, checkpoints,
		processing.WithLogger(quietLogger()),
		processing.WithBatchSize(2),
	)

	if err := exec.Rebuild(ctx, es); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}

	if proc.resets != 1 {
		t.Errorf("resets = %d, want 1", proc.resets)
	}

	want := []string{"add:bolt", "add:nut", "add:washer", "remove:bolt"}
	got := proc.events()
	if len(got) != len(want) {
		t.Fatalf("replayed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replayed[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	cp, err := checkpoints.LoadCheckpoint(ctx, "inventory-view", "")
	if err != nil {
		t.Fatalf("LoadCheckpoint: %v", err)
	}
	if cp == nil {
		t.Fatal("no checkpoint after rebuild")
	}
	if cp.Position != 4 {
		t.Errorf("checkpoint position = %d, want 4", cp.Position)
	}
	if !cp.SkipBefore.IsZero() {
		t.Errorf("watermark = %s, want zero after rebuild", cp.SkipBefore)
	}
	if cp.LastEventID != "a-3" {
		t.Errorf("last event = %s, want a-3", cp.LastEventID)
	}
}
