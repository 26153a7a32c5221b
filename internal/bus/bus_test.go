package bus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case evt := <-sub.C:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func TestPublish_SequencePerRun(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer sub.Close()

	b.Publish(Event{Type: EventRunUpdate, RunID: "run-a"})
	b.Publish(Event{Type: EventVoteUpdate, RunID: "run-a"})
	b.Publish(Event{Type: EventRunUpdate, RunID: "run-b"})

	events := drain(sub)
	require.Len(t, events, 3)
	assert.Equal(t, uint64(1), events[0].Seq)
	assert.Equal(t, uint64(2), events[1].Seq)
	assert.Equal(t, uint64(1), events[2].Seq) // run-b counts separately
	assert.False(t, events[0].At.IsZero())
}

func TestSubscribe_RunFilter(t *testing.T) {
	b := New()
	sub := b.Subscribe("run-a")
	defer sub.Close()

	b.Publish(Event{Type: EventRunUpdate, RunID: "run-a"})
	b.Publish(Event{Type: EventRunUpdate, RunID: "run-b"})
	b.Publish(Event{Type: EventPriceUpdate}) // global, no run

	events := drain(sub)
	require.Len(t, events, 2)
	assert.Equal(t, "run-a", events[0].RunID)
	assert.Equal(t, EventPriceUpdate, events[1].Type)
}

func TestSubscribe_SnapshotFirst(t *testing.T) {
	b := New()
	b.SetSnapshotFunc(func(runID string) (Event, bool) {
		if runID != "run-a" {
			return Event{}, false
		}
		return Event{
			Type:    EventRunUpdate,
			RunID:   runID,
			Payload: RunUpdate{RunID: runID, Status: "ACTIVE", CurrentRound: 3},
		}, true
	})

	sub := b.Subscribe("run-a")
	defer sub.Close()
	b.Publish(Event{Type: EventVoteUpdate, RunID: "run-a"})

	events := drain(sub)
	require.Len(t, events, 2)
	snap, ok := events[0].Payload.(RunUpdate)
	require.True(t, ok)
	assert.Equal(t, 3, snap.CurrentRound)
	assert.Equal(t, EventVoteUpdate, events[1].Type)

	// Unknown run gets no snapshot
	other := b.Subscribe("run-x")
	defer other.Close()
	assert.Empty(t, drain(other))
}

func TestPublish_DropsOnSlowSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer sub.Close()

	for i := 0; i < DefaultQueueSize+10; i++ {
		b.Publish(Event{Type: EventPriceUpdate, RunID: "run-a", Payload: fmt.Sprintf("evt-%d", i)})
	}

	events := drain(sub)
	assert.Len(t, events, DefaultQueueSize)
	assert.Equal(t, uint64(10), b.Dropped())

	// Oldest events survive, newest are the ones dropped
	assert.Equal(t, "evt-0", events[0].Payload)
}

func TestClose_Unsubscribes(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	assert.Equal(t, 1, b.Subscribers())

	sub.Close()
	assert.Equal(t, 0, b.Subscribers())

	_, open := <-sub.C
	assert.False(t, open)

	// Publishing after close must not panic
	b.Publish(Event{Type: EventRunUpdate, RunID: "run-a"})
}
