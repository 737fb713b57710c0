package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogwheel-dev/taskqueue/store"
)

func TestEmitDeliversToMatchingAndWildcardSubscribers(t *testing.T) {
	bus := New(store.NewMemory())

	matching := bus.Subscribe("task.created", 1)
	wildcard := bus.Subscribe(Wildcard, 1)
	other := bus.Subscribe("task.cancelled", 1)

	bus.Emit(context.Background(), "task.created", map[string]any{"id": int64(1)}, "task", "1")

	select {
	case env := <-matching:
		assert.Equal(t, "task.created", env.EventType)
	default:
		t.Fatal("expected matching subscriber to receive the event")
	}

	select {
	case env := <-wildcard:
		assert.Equal(t, "task.created", env.EventType)
	default:
		t.Fatal("expected wildcard subscriber to receive the event")
	}

	select {
	case <-other:
		t.Fatal("non-matching subscriber should not receive the event")
	default:
	}
}

func TestEmitPersistsEventToStore(t *testing.T) {
	s := store.NewMemory()
	bus := New(s)

	bus.Emit(context.Background(), "heartbeat.tick", map[string]any{"beat": int64(1)}, "system", "")

	events, err := s.ListEvents(context.Background(), "system", "", 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "heartbeat.tick", events[0].EventType)
}

func TestEmitDropsOnFullQueueWithoutBlocking(t *testing.T) {
	bus := New(store.NewMemory())
	q := bus.Subscribe("task.created", 1)

	done := make(chan struct{})
	go func() {
		bus.Emit(context.Background(), "task.created", nil, "task", "1")
		bus.Emit(context.Background(), "task.created", nil, "task", "2")
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a full subscriber queue")
	}

	assert.Len(t, q, 1)
}

func TestUnsubscribeRemovesQueue(t *testing.T) {
	bus := New(store.NewMemory())
	q := bus.Subscribe("task.created", 1)

	bus.Unsubscribe(q, "task.created")
	bus.Emit(context.Background(), "task.created", nil, "task", "1")

	select {
	case <-q:
		t.Fatal("unsubscribed queue should not receive further events")
	default:
	}
}
