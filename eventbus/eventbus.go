// Package eventbus implements the in-process pub/sub described in
// SPEC_FULL.md §4.1: emit persists to the store then delivers to every
// bounded subscriber queue matching the event type or the wildcard "*".
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/cogwheel-dev/taskqueue/log"
	"github.com/cogwheel-dev/taskqueue/store"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

// Envelope is the event delivered on the bus, mirroring SPEC_FULL.md §6's
// event envelope.
type Envelope struct {
	EventType  string
	EntityType string
	EntityID   string
	Payload    map[string]any
	Timestamp  time.Time
}

// Queue is a bounded subscriber channel. Delivery never blocks the emitter:
// a full queue drops the event and logs a warning.
type Queue chan Envelope

// Bus is a process-wide pub/sub. Construct one with New and share the same
// value across every component (per spec.md §9's no-singletons design
// note).
type Bus struct {
	store store.Store

	mu          sync.Mutex
	subscribers map[string][]Queue
}

// New constructs a Bus backed by the given store for persistence.
func New(s store.Store) *Bus {
	return &Bus{
		store:       s,
		subscribers: make(map[string][]Queue),
	}
}

// Emit synchronously persists the event (logging and continuing on
// failure, per SPEC_FULL.md §7's transient-operational policy) then
// delivers it in emission order to every matching subscriber queue.
func (b *Bus) Emit(ctx context.Context, eventType string, payload map[string]any, entityType, entityID string) {
	env := Envelope{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  time.Now(),
	}

	if _, err := b.store.CreateEvent(ctx, &store.Event{
		EventType:  eventType,
		EntityType: entityType,
		EntityID:   entityID,
		Payload:    payload,
		Timestamp:  env.Timestamp,
	}); err != nil {
		log.ErrorLog.Printf("failed to persist event %s: %v", eventType, err)
	}

	b.mu.Lock()
	wildcard := append([]Queue(nil), b.subscribers[Wildcard]...)
	specific := append([]Queue(nil), b.subscribers[eventType]...)
	b.mu.Unlock()

	deliver := func(queues []Queue, subscriberKind string) {
		for _, q := range queues {
			select {
			case q <- env:
			default:
				log.WarningLog.Printf("queue full for %s subscriber, dropping %s", subscriberKind, eventType)
			}
		}
	}
	deliver(wildcard, Wildcard)
	deliver(specific, eventType)
}

// Subscribe returns a new bounded queue receiving events matching
// eventType, or every event if eventType is Wildcard.
func (b *Bus) Subscribe(eventType string, maxsize int) Queue {
	if maxsize <= 0 {
		maxsize = 100
	}
	q := make(Queue, maxsize)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], q)
	return q
}

// Unsubscribe removes a queue from the subscriber set for eventType. It
// does not close the queue: a consumer that ranges over it until closed
// must be driven to stop another way.
func (b *Bus) Unsubscribe(q Queue, eventType string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	queues := b.subscribers[eventType]
	for i, existing := range queues {
		if existing == q {
			b.subscribers[eventType] = append(queues[:i], queues[i+1:]...)
			break
		}
	}
	if len(b.subscribers[eventType]) == 0 {
		delete(b.subscribers, eventType)
	}
}
