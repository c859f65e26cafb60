package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()
	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	b.Publish(Event{Type: TypeLifecycle, Data: 1})

	ea := recv(t, a)
	ec := recv(t, c)
	require.Equal(t, TypeLifecycle, ea.Type)
	require.Equal(t, 1, ec.Data)
	require.False(t, ea.Time.IsZero())
}

func TestFullQueueDropsOnlyForThatSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	slow := b.Attach(1, nil)
	defer slow.Close()
	fast := b.Attach(8, nil)
	defer fast.Close()

	for i := 0; i < 3; i++ {
		b.Publish(Event{Type: "x", Data: i})
	}

	require.Equal(t, uint64(2), slow.Dropped())
	require.Equal(t, uint64(0), fast.Dropped())
	require.Equal(t, uint64(2), b.Dropped())
	for i := 0; i < 3; i++ {
		require.Equal(t, i, recv(t, fast.C()).Data)
	}
	require.Equal(t, 0, recv(t, slow.C()).Data)
}

func TestAttachEnqueuesSnapshotBeforeLiveEvents(t *testing.T) {
	t.Parallel()
	b := New()
	snap := func() []Event {
		return []Event{{Type: TypeLifecycle, Data: "snap"}, {Type: TypeRecipients, Data: "snap"}}
	}
	sub := b.Attach(8, snap)
	defer sub.Close()
	b.Publish(Event{Type: TypeLifecycle, Data: "live"})

	require.Equal(t, "snap", recv(t, sub.C()).Data)
	require.Equal(t, TypeRecipients, recv(t, sub.C()).Type)
	require.Equal(t, "live", recv(t, sub.C()).Data)
}

// A publisher that updates state and publishes under the same lock the snapshot
// reads must never let an attaching subscriber miss or duplicate a step.
func TestAttachHasNoGapUnderConcurrentPublish(t *testing.T) {
	t.Parallel()
	b := New()

	var mu sync.Mutex
	counter := 0
	publish := func() {
		mu.Lock()
		counter++
		n := counter
		mu.Unlock()
		b.Publish(Event{Type: "n", Data: n})
	}
	snapshot := func() []Event {
		mu.Lock()
		defer mu.Unlock()
		return []Event{{Type: "n", Data: counter}}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			publish()
		}
	}()

	sub := b.Attach(512, snapshot)
	<-done
	sub.Close()

	prev := -1
	for e := range sub.C() {
		n := e.Data.(int)
		if prev >= 0 {
			require.LessOrEqual(t, n, prev+1, "gap after %d", prev)
		}
		if n > prev {
			prev = n
		}
	}
	require.Equal(t, 200, prev)
}

func TestReplayAndPush(t *testing.T) {
	t.Parallel()
	b := New()
	calls := 0
	sub := b.Attach(8, func() []Event {
		calls++
		return []Event{{Type: TypeLifecycle, Data: calls}}
	})

	require.Equal(t, 1, recv(t, sub.C()).Data)
	require.True(t, sub.Replay())
	require.Equal(t, 2, recv(t, sub.C()).Data)
	require.True(t, sub.Push(Event{Type: "error"}))
	require.Equal(t, "error", recv(t, sub.C()).Type)

	sub.Close()
	sub.Close()
	require.False(t, sub.Push(Event{Type: "error"}))
	require.False(t, sub.Replay())
	_, ok := <-sub.C()
	require.False(t, ok)

	// publishing after close must not panic
	b.Publish(Event{Type: "late"})
}
