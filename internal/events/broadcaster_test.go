package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFiltersByUser(t *testing.T) {
	b := NewBroadcaster()
	alice := b.Subscribe(1, "conn-alice")
	bob := b.Subscribe(2, "conn-bob")

	b.Publish(Event{Type: TypeWorkflowEvent, Event: RunCreated, UserID: 1})

	select {
	case ev := <-alice:
		assert.Equal(t, RunCreated, ev.Event)
	case <-time.After(time.Second):
		t.Fatal("alice never received her event")
	}

	select {
	case ev := <-bob:
		t.Fatalf("bob received someone else's event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch := b.Subscribe(1, "conn")
	require.Equal(t, 1, b.SubscriberCount())

	b.Unsubscribe("conn")
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)

	// Publishing after unsubscribe is a no-op.
	b.Publish(Event{Event: RunCompleted, UserID: 1})
}

func TestResubscribeReplacesConnection(t *testing.T) {
	b := NewBroadcaster()
	old := b.Subscribe(1, "conn")
	fresh := b.Subscribe(1, "conn")
	require.Equal(t, 1, b.SubscriberCount())

	_, open := <-old
	assert.False(t, open, "the replaced channel is closed")

	b.Publish(Event{Event: StepClaimed, UserID: 1})
	select {
	case ev := <-fresh:
		assert.Equal(t, StepClaimed, ev.Event)
	case <-time.After(time.Second):
		t.Fatal("replacement subscriber never received the event")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	b := NewBroadcaster()
	b.sendTimeout = 10 * time.Millisecond
	ch := b.Subscribe(1, "slow")

	// Fill the buffer without consuming, then publish once more to trip
	// the bounded send.
	for i := 0; i < b.bufferSize; i++ {
		b.Publish(Event{Event: StepCompleted, UserID: 1})
	}
	b.Publish(Event{Event: StepCompleted, UserID: 1})

	assert.Equal(t, 0, b.SubscriberCount(), "the slow subscriber is removed")

	// The buffered events drain, then the channel reports closed.
	open := true
	for open {
		_, open = <-ch
	}
}

func TestPublishDoesNotBlockOnDroppedSubscriber(t *testing.T) {
	b := NewBroadcaster()
	b.sendTimeout = 10 * time.Millisecond
	b.Subscribe(1, "stuck")

	done := make(chan struct{})
	go func() {
		for i := 0; i < b.bufferSize+5; i++ {
			b.Publish(Event{Event: StoryCompleted, UserID: 1})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a subscriber that never reads")
	}
}
