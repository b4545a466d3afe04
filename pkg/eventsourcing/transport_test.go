package eventsourcing_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/plaenen/cqrskit/pkg/eventsourcing"
)

func makeEvents(n int) []*eventsourcing.Event {
	events := make([]*eventsourcing.Event, n)
	for i := range events {
		events[i] = &eventsourcing.Event{
			ID:            fmt.Sprintf("e-%d", i+1),
			AggregateID:   "agg-1",
			AggregateType: "Test",
			EventType:     "test.Happened",
			Version:       int64(i + 1),
			Timestamp:     time.Now().UTC(),
		}
	}
	return events
}

func TestInMemoryTransport(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishSubscribeAck", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		if err := transport.Publish(ctx, makeEvents(3)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		for i := 1; i <= 3; i++ {
			delivery, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if want := fmt.Sprintf("e-%d", i); delivery.Event.ID != want {
				t.Errorf("expected %s in order, got %s", want, delivery.Event.ID)
			}
			if err := delivery.Ack(); err != nil {
				t.Fatalf("ack failed: %v", err)
			}
		}

		depth, err := sub.Depth(ctx)
		if err != nil {
			t.Fatalf("depth failed: %v", err)
		}
		if depth != 0 {
			t.Errorf("expected empty subscription, depth = %d", depth)
		}
	})

	t.Run("NakRedelivers", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		if err := transport.Publish(ctx, makeEvents(1)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		first, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if err := first.Nak(); err != nil {
			t.Fatalf("nak failed: %v", err)
		}

		second, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if second.Event.ID != first.Event.ID {
			t.Errorf("expected redelivery of %s, got %s", first.Event.ID, second.Event.ID)
		}
	})

	t.Run("DurableResume", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		if err := transport.Publish(ctx, makeEvents(3)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		for i := 0; i < 2; i++ {
			delivery, err := sub.Next(ctx)
			if err != nil {
				t.Fatalf("next failed: %v", err)
			}
			if err := delivery.Ack(); err != nil {
				t.Fatalf("ack failed: %v", err)
			}
		}
		if err := sub.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}

		resumed, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("resubscribe failed: %v", err)
		}
		delivery, err := resumed.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if delivery.Event.ID != "e-3" {
			t.Errorf("expected durable resume at e-3, got %s", delivery.Event.ID)
		}
	})

	t.Run("IndependentConsumers", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		if err := transport.Publish(ctx, makeEvents(2)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		for _, id := range []string{"proc-a", "proc-b"} {
			sub, err := transport.Subscribe(ctx, id)
			if err != nil {
				t.Fatalf("subscribe %s failed: %v", id, err)
			}
			depth, err := sub.Depth(ctx)
			if err != nil {
				t.Fatalf("depth failed: %v", err)
			}
			if depth != 2 {
				t.Errorf("consumer %s: expected depth 2, got %d", id, depth)
			}
		}
	})

	t.Run("NextBlocksUntilPublish", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		got := make(chan *eventsourcing.Delivery, 1)
		errs := make(chan error, 1)
		go func() {
			delivery, err := sub.Next(ctx)
			if err != nil {
				errs <- err
				return
			}
			got <- delivery
		}()

		time.Sleep(10 * time.Millisecond)
		if err := transport.Publish(ctx, makeEvents(1)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case delivery := <-got:
			if delivery.Event.ID != "e-1" {
				t.Errorf("expected e-1, got %s", delivery.Event.ID)
			}
		case err := <-errs:
			t.Fatalf("next failed: %v", err)
		case <-time.After(2 * time.Second):
			t.Fatal("blocked consumer was not woken by publish")
		}
	})

	t.Run("NextHonorsContext", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		if _, err := sub.Next(cancelCtx); !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("ClosedTransport", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}

		errs := make(chan error, 1)
		go func() {
			_, err := sub.Next(ctx)
			errs <- err
		}()

		time.Sleep(10 * time.Millisecond)
		if err := transport.Close(); err != nil {
			t.Fatalf("close failed: %v", err)
		}

		select {
		case err := <-errs:
			if !errors.Is(err, eventsourcing.ErrTransportClosed) {
				t.Errorf("expected ErrTransportClosed, got %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("blocked consumer was not released by close")
		}

		if err := transport.Publish(ctx, makeEvents(1)); !errors.Is(err, eventsourcing.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed on publish, got %v", err)
		}
		if _, err := transport.Subscribe(ctx, "proc-2"); !errors.Is(err, eventsourcing.ErrTransportClosed) {
			t.Errorf("expected ErrTransportClosed on subscribe, got %v", err)
		}
	})

	t.Run("DeliveredEventsAreCopies", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		if err := transport.Publish(ctx, makeEvents(1)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		delivery, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		delivery.Event.EventType = "mutated"

		other, err := transport.Subscribe(ctx, "proc-2")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		fresh, err := other.Next(ctx)
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if fresh.Event.EventType != "test.Happened" {
			t.Error("consumer mutation leaked into the shared log")
		}
	})
}

func TestEventBusDelivery(t *testing.T) {
	ctx := context.Background()

	t.Run("SynchronousInvokesHandlersInOrder", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		bus := eventsourcing.NewSynchronousDelivery(transport)

		var order []string
		bus.Subscribe(eventsourcing.EventHandlerFunc(func(ctx context.Context, evt *eventsourcing.Event) error {
			order = append(order, "first:"+evt.ID)
			return nil
		}))
		bus.Subscribe(eventsourcing.EventHandlerFunc(func(ctx context.Context, evt *eventsourcing.Event) error {
			order = append(order, "second:"+evt.ID)
			return nil
		}))

		if err := bus.Publish(ctx, makeEvents(2)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		want := []string{"first:e-1", "second:e-1", "first:e-2", "second:e-2"}
		if len(order) != len(want) {
			t.Fatalf("expected %d handler calls, got %d", len(want), len(order))
		}
		for i := range want {
			if order[i] != want[i] {
				t.Errorf("call %d: expected %s, got %s", i, want[i], order[i])
			}
		}

		// The transport saw the events too.
		sub, err := transport.Subscribe(ctx, "late")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		depth, err := sub.Depth(ctx)
		if err != nil {
			t.Fatalf("depth failed: %v", err)
		}
		if depth != 2 {
			t.Errorf("expected 2 events on the transport, got %d", depth)
		}
	})

	t.Run("SynchronousPropagatesHandlerError", func(t *testing.T) {
		bus := eventsourcing.NewSynchronousDelivery(nil)
		boom := errors.New("projection broken")
		bus.Subscribe(eventsourcing.EventHandlerFunc(func(ctx context.Context, evt *eventsourcing.Event) error {
			return boom
		}))

		if err := bus.Publish(ctx, makeEvents(1)); !errors.Is(err, boom) {
			t.Errorf("expected handler error to propagate, got %v", err)
		}
	})

	t.Run("AsynchronousForwardsOnly", func(t *testing.T) {
		transport := eventsourcing.NewInMemoryTransport()
		bus := eventsourcing.NewAsynchronousDelivery(transport)

		if err := bus.Publish(ctx, makeEvents(2)); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		sub, err := transport.Subscribe(ctx, "proc-1")
		if err != nil {
			t.Fatalf("subscribe failed: %v", err)
		}
		depth, err := sub.Depth(ctx)
		if err != nil {
			t.Fatalf("depth failed: %v", err)
		}
		if depth != 2 {
			t.Errorf("expected 2 events on the transport, got %d", depth)
		}
	})
}
