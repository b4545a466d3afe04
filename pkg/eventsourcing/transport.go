package eventsourcing

import (
	"context"
	"sync"
)

// EventTransport moves committed events from publishers to consumers.
// Implementations include the in-memory transport below and NATS JetStream.
// Delivery is at-least-once with per-stream ordering; consumers signal
// progress through Delivery.Ack and Delivery.Nak.
type EventTransport interface {
	// Publish appends events to the transport in commit order.
	Publish(ctx context.Context, events []*Event) error

	// Subscribe opens a durable subscription for the given consumer ID.
	// Subscribing again with the same ID resumes from the last acked
	// position rather than starting over.
	Subscribe(ctx context.Context, consumerID string) (Subscription, error)

	// Close shuts the transport down and releases blocked consumers.
	Close() error
}

// Subscription is an ordered cursor over the transport's event feed.
type Subscription interface {
	// Next blocks until an event is available or ctx is done.
	Next(ctx context.Context) (*Delivery, error)

	// Depth reports how many events are waiting behind the cursor.
	Depth(ctx context.Context) (int, error)

	// Close releases the subscription. The durable position is kept.
	Close() error
}

// Delivery is a single event presented to a consumer. Ack advances the
// consumer past the event; Nak leaves it in place so the next call to
// Next presents it again.
type Delivery struct {
	Event *Event

	ack func() error
	nak func() error
}

// NewDelivery wraps an event with transport-specific ack and nak hooks.
// Transport implementations outside this package build deliveries with it.
func NewDelivery(event *Event, ack, nak func() error) *Delivery {
	return &Delivery{Event: event, ack: ack, nak: nak}
}

// Ack marks the event as processed.
func (d *Delivery) Ack() error {
	if d.ack == nil {
		return nil
	}
	return d.ack()
}

// Nak requests redelivery of the event.
func (d *Delivery) Nak() error {
	if d.nak == nil {
		return nil
	}
	return d.nak()
}

// InMemoryTransport is a process-local EventTransport backed by an ordered
// log with one durable cursor per consumer ID. It is the default transport
// and the workhorse of the test suites.
type InMemoryTransport struct {
	mu      sync.Mutex
	log     []*Event
	cursors map[string]int
	notify  chan struct{}
	closed  bool
}

// NewInMemoryTransport creates an empty in-memory transport.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{
		cursors: make(map[string]int),
		notify:  make(chan struct{}),
	}
}

// Publish appends events to the log and wakes blocked consumers.
func (t *InMemoryTransport) Publish(ctx context.Context, events []*Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return ErrTransportClosed
	}
	for _, evt := range events {
		t.log = append(t.log, evt.Clone())
	}
	if len(events) > 0 {
		close(t.notify)
		t.notify = make(chan struct{})
	}
	return nil
}

// Subscribe opens (or resumes) the durable subscription for consumerID.
// A consumer seen for the first time starts at the beginning of the log.
func (t *InMemoryTransport) Subscribe(ctx context.Context, consumerID string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTransportClosed
	}
	if _, exists := t.cursors[consumerID]; !exists {
		t.cursors[consumerID] = 0
	}
	return &memorySubscription{transport: t, consumerID: consumerID}, nil
}

// Close shuts the transport down. Blocked consumers are released with
// ErrTransportClosed.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true
	close(t.notify)
	return nil
}

type memorySubscription struct {
	transport  *InMemoryTransport
	consumerID string
	closed     bool
}

func (s *memorySubscription) Next(ctx context.Context) (*Delivery, error) {
	for {
		t := s.transport
		t.mu.Lock()
		if s.closed {
			t.mu.Unlock()
			return nil, ErrSubscriptionClosed
		}
		if t.closed {
			t.mu.Unlock()
			return nil, ErrTransportClosed
		}
		pos := t.cursors[s.consumerID]
		if pos < len(t.log) {
			evt := t.log[pos].Clone()
			t.mu.Unlock()
			return &Delivery{
				Event: evt,
				ack:   func() error { return t.advance(s.consumerID, pos) },
				nak:   func() error { return nil },
			}, nil
		}
		wait := t.notify
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

func (s *memorySubscription) Depth(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	t := s.transport
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.closed {
		return 0, ErrSubscriptionClosed
	}
	return len(t.log) - t.cursors[s.consumerID], nil
}

func (s *memorySubscription) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	s.closed = true
	return nil
}

// advance moves the durable cursor past pos. Acking the same delivery
// twice, or acking after a newer delivery was acked, is a no-op.
func (t *InMemoryTransport) advance(consumerID string, pos int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cursors[consumerID] == pos {
		t.cursors[consumerID] = pos + 1
	}
	return nil
}
