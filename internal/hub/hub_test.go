package hub

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/craftplane/craftplane/internal/registry"
)

func collect(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()

	events := make([]Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(events) < n {
		select {
		case ev := <-sub.Events():
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(events), n)
		}
	}

	return events
}

func TestSubscribeDeliversBacklogFirst(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	h.PublishLog("srv", StreamStdout, "one")
	h.PublishLog("srv", StreamStdout, "two")

	sub := h.Subscribe("srv", TopicLogs)
	defer h.Unsubscribe("srv", TopicLogs, sub.ID)

	h.PublishLog("srv", StreamStdout, "three")

	events := collect(t, sub, 2)

	require.Equal(t, EventBacklog, events[0].Type)
	require.Len(t, events[0].Logs, 2)
	assert.Equal(t, "one", events[0].Logs[0].Text)
	assert.Equal(t, "two", events[0].Logs[1].Text)

	require.Equal(t, EventLog, events[1].Type)
	assert.Equal(t, "three", events[1].Log.Text)
}

func TestBacklogPlusLiveIsExactlyOnce(t *testing.T) {
	t.Parallel()

	// Queue large enough that nothing is dropped while we collect after
	// publishing finishes.
	h := NewSized(zap.NewNop(), 1000, 1000)

	const total = 500

	done := make(chan struct{})
	go func() {
		defer close(done)

		for i := 0; i < total; i++ {
			h.PublishLog("srv", StreamStdout, fmt.Sprintf("line-%d", i))
		}
	}()

	// Subscribe mid-stream: everything must arrive exactly once, split
	// between the backlog and live events.
	time.Sleep(time.Millisecond)
	sub := h.Subscribe("srv", TopicLogs)
	<-done

	seen := make(map[uint64]int)
	deadline := time.After(5 * time.Second)
	for {
		count := 0
		for _, n := range seen {
			count += n
		}
		if count >= total {
			break
		}

		select {
		case ev := <-sub.Events():
			switch ev.Type {
			case EventBacklog:
				for _, l := range ev.Logs {
					seen[l.Seq]++
				}
			case EventLog:
				seen[ev.Log.Seq]++
			}
		case <-deadline:
			t.Fatal("timed out collecting events")
		}
	}

	require.Len(t, seen, total)
	for seq, n := range seen {
		assert.Equalf(t, 1, n, "seq %d delivered %d times", seq, n)
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	t.Parallel()

	h := NewSized(zap.NewNop(), 1000, 1000)
	sub := h.Subscribe("srv", TopicLogs)

	for i := 0; i < 100; i++ {
		h.PublishLog("srv", StreamStdout, fmt.Sprintf("%d", i))
	}

	events := collect(t, sub, 101)
	require.Equal(t, EventBacklog, events[0].Type)

	var lastSeq uint64
	for _, ev := range events[1:] {
		require.Equal(t, EventLog, ev.Type)
		assert.Greater(t, ev.Log.Seq, lastSeq)
		lastSeq = ev.Log.Seq
	}
}

func TestStateSubscriberGetsLastState(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	h.PublishState("srv", registry.StateRunning)

	sub := h.Subscribe("srv", TopicState)
	events := collect(t, sub, 1)

	assert.Equal(t, EventState, events[0].Type)
	assert.Equal(t, registry.StateRunning, events[0].State)

	h.PublishState("srv", registry.StateStopping)
	events = collect(t, sub, 1)
	assert.Equal(t, registry.StateStopping, events[0].State)
}

func TestStateSubscriberNoStateYet(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	sub := h.Subscribe("srv", TopicState)

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no event, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowConsumerIsDroppedOthersUnaffected(t *testing.T) {
	t.Parallel()

	h := NewSized(zap.NewNop(), 1000, 4)

	slow := h.Subscribe("srv", TopicLogs)
	fast := h.Subscribe("srv", TopicLogs)

	// The slow subscriber never drains; its queue holds the backlog event
	// plus 4 lines at most.
	go func() {
		for range fast.Events() {
		}
	}()

	for i := 0; i < 50; i++ {
		h.PublishLog("srv", StreamStdout, "spam")
	}

	select {
	case <-slow.Done():
		assert.Equal(t, ReasonSlowConsumer, slow.Reason())
	case <-time.After(5 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}

	select {
	case <-fast.Done():
		t.Fatal("fast subscriber must not be dropped")
	default:
	}
}

func TestRingCapacityBounded(t *testing.T) {
	t.Parallel()

	h := NewSized(zap.NewNop(), 10, 256)
	for i := 0; i < 100; i++ {
		h.PublishLog("srv", StreamStdout, fmt.Sprintf("%d", i))
	}

	backlog := h.Backlog("srv")
	require.Len(t, backlog, 10)
	assert.Equal(t, "90", backlog[0].Text)
	assert.Equal(t, "99", backlog[9].Text)
}

func TestResetLogsClearsRing(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	h.PublishLog("srv", StreamStdout, "old run")
	h.ResetLogs("srv")

	assert.Empty(t, h.Backlog("srv"))

	// seq keeps growing across runs
	line := h.PublishLog("srv", StreamStdout, "new run")
	assert.Equal(t, uint64(2), line.Seq)
}

func TestReleaseDropsSubscribers(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	sub := h.Subscribe("srv", TopicLogs)

	h.Release("srv")

	select {
	case <-sub.Done():
		assert.Equal(t, ReasonClosed, sub.Reason())
	case <-time.After(time.Second):
		t.Fatal("subscriber not dropped on release")
	}

	assert.Empty(t, h.Backlog("srv"))
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	h := New(zap.NewNop())
	sub := h.Subscribe("srv", TopicLogs)
	collect(t, sub, 1) // backlog

	h.Unsubscribe("srv", TopicLogs, sub.ID)
	h.PublishLog("srv", StreamStdout, "after")

	select {
	case ev := <-sub.Events():
		t.Fatalf("expected no delivery after unsubscribe, got %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
