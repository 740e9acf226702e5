package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes task lifecycle events (§6 "event subscription surface")
	// to registered subscribers in a fan-out pattern. The bus is thread-safe
	// and supports concurrent Publish, Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, and
	// iteration stops at the first subscriber error. This fail-fast behavior
	// lets a critical subscriber halt a mutation's event delivery if it hits
	// an unrecoverable error.
	Bus interface {
		// Publish delivers the event to every subscriber whose filter (if any)
		// accepts event.Type(), in registration order, stopping at the first
		// subscriber error.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber that receives every event published on
		// the bus. Returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)

		// RegisterFiltered adds a subscriber that only receives events whose
		// Type() is in types. An empty types set behaves like Register
		// (receives everything) — used by Core.SubscribeFiltered to let callers
		// narrow delivery to, e.g., only taskStepStarted/taskStepCompleted
		// without switching on every event in their HandleEvent.
		RegisterFiltered(types []EventType, sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published task lifecycle events by implementing
	// HandleEvent. Subscribers are registered with a Bus and receive events
	// matching their filter in FIFO order until their subscription is closed.
	//
	// Implementations must be thread-safe if the same subscriber instance is
	// registered with multiple buses or if HandleEvent performs concurrent work.
	//
	// HandleEvent should return an error only if event processing fails in a
	// way that should halt delivery to the remaining subscribers (e.g. a
	// critical persistence failure). Non-critical failures should be logged
	// and swallowed so they don't block other subscribers.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a plain function to the Subscriber interface,
	// mirroring the standard library's http.HandlerFunc pattern so callers
	// don't need to declare a named type for a one-off subscriber.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Calling Close
	// removes the subscriber from the bus, ensuring it receives no further
	// events. Subscriptions are safe to close multiple times; subsequent
	// Close calls are no-ops.
	Subscription interface {
		Close() error
	}

	// entry pairs a registered subscriber with its optional type filter.
	entry struct {
		sub    Subscriber
		filter map[EventType]bool
		closed bool
	}

	// bus is the concrete implementation of the Bus interface. It maintains
	// an ordered, thread-safe registry of subscribers and fans out events to
	// every subscriber whose filter accepts the event.
	bus struct {
		mu      sync.RWMutex
		entries []*entry
	}

	subscription struct {
		bus *bus
		e   *entry
	}
)

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs a new in-memory event bus for publishing task lifecycle
// events to subscribers. The returned bus is thread-safe and ready for
// immediate use.
//
// Typical usage:
//
//	bus := hooks.NewBus()
//	sub := hooks.SubscriberFunc(func(ctx context.Context, evt hooks.Event) error {
//	    log.Printf("received: %s", evt.Type())
//	    return nil
//	})
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event, in registration order, to every subscriber
// whose filter accepts event.Type(). The snapshot of subscribers is taken
// before iteration begins, so registrations/unregistrations during Publish
// do not affect the current delivery. Iteration stops at the first error
// returned by any subscriber.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	entries := make([]*entry, len(b.entries))
	copy(entries, b.entries)
	b.mu.RUnlock()

	for _, e := range entries {
		if e.closed {
			continue
		}
		if e.filter != nil && !e.filter[event.Type()] {
			continue
		}
		if err := e.sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds sub with no filter: it receives every published event.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	return b.RegisterFiltered(nil, sub)
}

// RegisterFiltered adds sub, restricted to the given event types. Passing a
// nil or empty types slice is equivalent to Register.
func (b *bus) RegisterFiltered(types []EventType, sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	var filter map[EventType]bool
	if len(types) > 0 {
		filter = make(map[EventType]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	e := &entry{sub: sub, filter: filter}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
	return &subscription{bus: b, e: e}, nil
}

// Close removes the subscriber from the bus. Idempotent and thread-safe.
func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.e.closed {
		return nil
	}
	s.e.closed = true
	for i, e := range s.bus.entries {
		if e == s.e {
			s.bus.entries = append(s.bus.entries[:i], s.bus.entries[i+1:]...)
			break
		}
	}
	return nil
}
