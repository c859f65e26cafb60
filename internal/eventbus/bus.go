package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by bulkcast components.
const (
	TypeLifecycle        = "lifecycle"
	TypeRecipients       = "recipients"
	TypeDispatchAccepted = "dispatch.accepted"
	TypeDispatchProgress = "dispatch.progress"
	TypeDispatchResult   = "dispatch.result"
	TypeTemplateChanged  = "template.changed"
)

// Event sources.
const (
	SourceLifecycle = "lifecycle"
	SourceDispatch  = "dispatch"
	SourceTemplates = "templates"
	SourceObserver  = "observer"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers MUST use buffered channels.
//   - Slow subscribers may drop events (bounded backpressure).
//
// Data should be small and JSON-serializable.
type Event struct {
	Type   string
	Source string
	Time   time.Time
	Data   any
}

// SnapshotFunc produces the events a new (or replaying) subscriber should see
// before anything published afterwards.
type SnapshotFunc func() []Event

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// Attach registers a subscription and enqueues snapshot() into it atomically
	// with respect to Publish, so no published event falls between the snapshot
	// and the live stream.
	Attach(buffer int, snapshot SnapshotFunc) *Subscription
	Dropped() uint64
}

// New returns a simple in-memory fanout bus.
//
// It intentionally does not own any background goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*Subscription{}}
}

type memBus struct {
	// Publish holds mu.RLock while offering to every queue (sends never block);
	// Attach/Replay/unsubscribe take mu.Lock so they serialize with publishes.
	mu   sync.RWMutex
	subs map[uint64]*Subscription
	seq  atomic.Uint64

	dropped atomic.Uint64
}

// Subscription is one subscriber's FIFO queue.
type Subscription struct {
	id       uint64
	bus      *memBus
	ch       chan Event
	snapshot SnapshotFunc

	once    sync.Once
	dropped atomic.Uint64
}

// C is the subscriber's receive channel. It is closed by Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Dropped reports events dropped because this subscriber's queue was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Push enqueues an event for this subscriber only. It reports false when the
// event was dropped (queue full or subscription closed).
func (s *Subscription) Push(e Event) bool {
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	return b.offerLocked(s, stamp(e))
}

// Replay enqueues a fresh snapshot, ordered against concurrent publishes.
func (s *Subscription) Replay() bool {
	if s.snapshot == nil {
		return true
	}
	b := s.bus
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	ok := true
	for _, e := range s.snapshot() {
		ok = b.offerLocked(s, stamp(e)) && ok
	}
	return ok
}

// Close unsubscribes and closes C. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		delete(b.subs, s.id)
		close(s.ch)
		b.mu.Unlock()
	})
}

func (b *memBus) Publish(e Event) {
	e = stamp(e)
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		b.offerLocked(s, e)
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	s := b.Attach(buffer, nil)
	return s.C(), s.Close
}

func (b *memBus) Attach(buffer int, snapshot SnapshotFunc) *Subscription {
	if buffer <= 0 {
		buffer = 8
	}
	s := &Subscription{
		id:       b.seq.Add(1),
		bus:      b,
		ch:       make(chan Event, buffer),
		snapshot: snapshot,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if snapshot != nil {
		for _, e := range snapshot() {
			b.offerLocked(s, stamp(e))
		}
	}
	b.subs[s.id] = s
	return s
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// offerLocked performs a non-blocking send. Callers hold mu (read or write),
// which guarantees the channel is not closed concurrently.
func (b *memBus) offerLocked(s *Subscription, e Event) bool {
	select {
	case s.ch <- e:
		return true
	default:
		s.dropped.Add(1)
		b.dropped.Add(1)
		return false
	}
}

func stamp(e Event) Event {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	return e
}
