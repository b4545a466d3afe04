package eventsourcing

import (
	"context"
	"fmt"
	"sync"
)

// SynchronousDelivery is an EventBus that forwards published events to the
// transport and then invokes every inline handler before returning. A
// handler error propagates to the publisher, so a failing projection fails
// the command that produced the events. This is the default delivery mode
// and the one the scenario kits assume.
type SynchronousDelivery struct {
	transport EventTransport
	handlers  []EventHandler
	mu        sync.RWMutex
}

// NewSynchronousDelivery creates a synchronous event bus over the given
// transport. The transport may be nil for pure in-process setups.
func NewSynchronousDelivery(transport EventTransport) *SynchronousDelivery {
	return &SynchronousDelivery{transport: transport}
}

// Subscribe registers a handler to be invoked inline for every published
// event, in registration order.
func (d *SynchronousDelivery) Subscribe(handler EventHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.handlers = append(d.handlers, handler)
}

// Publish forwards events to the transport, then runs the inline handlers.
func (d *SynchronousDelivery) Publish(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}

	if d.transport != nil {
		if err := d.transport.Publish(ctx, events); err != nil {
			return fmt.Errorf("publish to transport: %w", err)
		}
	}

	d.mu.RLock()
	handlers := d.handlers
	d.mu.RUnlock()

	for _, evt := range events {
		for _, handler := range handlers {
			if err := handler.HandleEvent(ctx, evt); err != nil {
				return fmt.Errorf("handle event %s: %w", evt.EventType, err)
			}
		}
	}
	return nil
}

// Close closes the underlying transport.
func (d *SynchronousDelivery) Close() error {
	if d.transport == nil {
		return nil
	}
	return d.transport.Close()
}

// AsynchronousDelivery is an EventBus that forwards published events to the
// transport and returns. Consumers observe the events through their own
// subscriptions, typically driven by processor executors.
type AsynchronousDelivery struct {
	transport EventTransport
}

// NewAsynchronousDelivery creates an asynchronous event bus over the given
// transport.
func NewAsynchronousDelivery(transport EventTransport) *AsynchronousDelivery {
	return &AsynchronousDelivery{transport: transport}
}

// Publish forwards events to the transport.
func (d *AsynchronousDelivery) Publish(ctx context.Context, events []*Event) error {
	if len(events) == 0 {
		return nil
	}
	if d.transport == nil {
		return nil
	}
	return d.transport.Publish(ctx, events)
}

// Close closes the underlying transport.
func (d *AsynchronousDelivery) Close() error {
	if d.transport == nil {
		return nil
	}
	return d.transport.Close()
}

// EventHandlerFunc adapts a function to the EventHandler interface.
type EventHandlerFunc func(ctx context.Context, event *Event) error

// HandleEvent calls f.
func (f EventHandlerFunc) HandleEvent(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
