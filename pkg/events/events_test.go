package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestBroker_PublishSubscribe(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	assert.Equal(t, 2, b.SubscriberCount())

	b.Emit(EventCacheHit, "restored node_modules", map[string]string{"project_id": "p1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := receive(t, sub)
		assert.Equal(t, EventCacheHit, ev.Type)
		assert.Equal(t, "p1", ev.Metadata["project_id"])
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestBroker_OrderPreserved(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	types := []EventType{EventInstallStarted, EventCacheMiss, EventInstallCompleted, EventCacheSaved}
	for _, typ := range types {
		b.Emit(typ, "", nil)
	}

	for _, want := range types {
		assert.Equal(t, want, receive(t, sub).Type)
	}
}

func TestBroker_Unsubscribe(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe()

	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open)

	// Second unsubscribe is a no-op
	b.Unsubscribe(sub)
}

func TestBroker_PublishDoesNotBlock(t *testing.T) {
	// Not started: the queue fills and further events are dropped
	b := NewBroker()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			b.Emit(EventProcessStarted, "", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
}

func TestBroker_Nil(t *testing.T) {
	var b *Broker
	require.NotPanics(t, func() {
		b.Emit(EventSessionReady, "", nil)
	})
}
