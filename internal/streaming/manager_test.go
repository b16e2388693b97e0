package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscribers(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 4)
	defer mgr.Unsubscribe("run-1", ch)

	mgr.Publish(Event{RunID: "run-1", Type: EventRunStarted})
	mgr.Publish(Event{RunID: "run-2", Type: EventRunStarted})

	select {
	case evt := <-ch:
		assert.Equal(t, EventRunStarted, evt.Type)
		assert.Equal(t, "run-1", evt.RunID)
		assert.False(t, evt.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("subscriber never received event")
	}
	// The run-2 event was not delivered here.
	select {
	case evt := <-ch:
		t.Fatalf("unexpected event %+v", evt)
	default:
	}
}

func TestPublishAssignsMonotonicSeq(t *testing.T) {
	mgr := NewManager(16)
	for i := 0; i < 5; i++ {
		mgr.Publish(Event{RunID: "run-1", Type: EventPhaseProgress})
	}
	events := mgr.ReplaySince("run-1", 0)
	require.Len(t, events, 5)
	for i, evt := range events {
		assert.Equal(t, uint64(i), evt.Seq)
	}
}

func TestReplaySinceSkipsSeen(t *testing.T) {
	mgr := NewManager(16)
	for i := 0; i < 4; i++ {
		mgr.Publish(Event{RunID: "run-1", Type: EventPhaseCompleted})
	}
	assert.Len(t, mgr.ReplaySince("run-1", 1), 2)
	assert.Empty(t, mgr.ReplaySince("run-1", 99))
	assert.Nil(t, mgr.ReplaySince("unknown", 0))
}

func TestRingEvictsOldest(t *testing.T) {
	mgr := NewManager(3)
	for i := 0; i < 5; i++ {
		mgr.Publish(Event{RunID: "run-1", Type: EventPhaseProgress})
	}
	events := mgr.ReplaySince("run-1", 0)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(2), events[0].Seq)
	assert.Equal(t, uint64(4), events[2].Seq)
}

func TestSlowSubscriberDoesNotBlockPublish(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 1)
	defer mgr.Unsubscribe("run-1", ch)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			mgr.Publish(Event{RunID: "run-1", Type: EventPhaseProgress})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	mgr := NewManager(16)
	ch := mgr.Subscribe("run-1", 1)
	mgr.Unsubscribe("run-1", ch)
	_, open := <-ch
	assert.False(t, open)
	// Double unsubscribe is harmless.
	mgr.Unsubscribe("run-1", ch)
}
