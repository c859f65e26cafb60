package dispatch

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/storage"
	logx "bulkcast/pkg/logx"
)

// Coordinator fans one message out to many recipients. Requests are
// processed one at a time, in acceptance order.
type Coordinator struct {
	mu       sync.Mutex
	submitMu sync.Mutex

	cfg     Config
	limiter *rate.Limiter

	sender  Sender
	session SessionReader
	bus     eventbus.Bus
	audit   storage.Auditor
	log     logx.Logger
	now     func() time.Time

	// slots is reserved before publishing Accepted so the enqueue that
	// follows cannot fail.
	slots   chan struct{}
	queue   chan *job
	running atomic.Bool
	// stopped is set under submitMu when Run returns and cleared when it
	// starts. Requests submitted before the first Run wait in the queue.
	stopped bool
	active  atomic.Pointer[Ticket]

	completed atomic.Uint64
}

func New(cfg Config, sender Sender, sess SessionReader, bus eventbus.Bus, audit storage.Auditor, log logx.Logger) *Coordinator {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		cfg:     cfg,
		limiter: newLimiter(cfg.RatePerSec),
		sender:  sender,
		session: sess,
		bus:     bus,
		audit:   audit,
		log:     log.Named("dispatch"),
		now:     time.Now,
		slots:   make(chan struct{}, cfg.QueueSize),
		queue:   make(chan *job, cfg.QueueSize),
	}
}

func newLimiter(rps int) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(rps), rps)
}

// Apply swaps the live-tunable settings. Queue size is fixed at construction.
func (c *Coordinator) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	c.mu.Lock()
	defer c.mu.Unlock()
	if cfg.RatePerSec != c.cfg.RatePerSec {
		c.limiter = newLimiter(cfg.RatePerSec)
	}
	cfg.QueueSize = c.cfg.QueueSize
	c.cfg = cfg
	c.log.Info("dispatch config applied", logx.Int("rps", cfg.RatePerSec), logx.Int("concurrency", cfg.Concurrency), logx.Int("retry_max", cfg.RetryMax))
}

// Submit validates and enqueues req. Rejections are synchronous and never
// reach the provider: *ValidationError, ErrNotReady, ErrNotRunning or
// ErrQueueFull.
func (c *Coordinator) Submit(req Request) (*Ticket, error) {
	if err := Validate(req); err != nil {
		return nil, err
	}
	if !c.session.Snapshot().Ready() {
		return nil, ErrNotReady
	}

	req.ID = uuid.NewString()
	req.RecipientIDs = slices.Clone(req.RecipientIDs)
	j := &job{req: req, ticket: newTicket(req.ID, len(req.RecipientIDs)), acceptedAt: c.now()}

	// Accepted events and queue order must agree.
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	if c.stopped {
		return nil, ErrNotRunning
	}
	select {
	case c.slots <- struct{}{}:
	default:
		c.log.Warn("dispatch queue full; rejecting request", logx.Int("queue_cap", cap(c.queue)))
		return nil, ErrQueueFull
	}
	c.bus.Publish(eventbus.Event{
		Type:   eventbus.TypeDispatchAccepted,
		Source: eventbus.SourceDispatch,
		Data:   Accepted{RequestID: req.ID, Total: len(req.RecipientIDs), Origin: req.Origin},
	})
	c.queue <- j
	c.log.Debug("dispatch enqueued", logx.String("request", req.ID), logx.Int("total", len(req.RecipientIDs)), logx.Int("queue_len", len(c.queue)), logx.Int("queue_cap", cap(c.queue)))
	return j.ticket, nil
}

// Dispatch submits req and waits for its result.
func (c *Coordinator) Dispatch(ctx context.Context, req Request) (Result, error) {
	t, err := c.Submit(req)
	if err != nil {
		return Result{}, err
	}
	return t.Wait(ctx)
}

// Stats is a point-in-time view for health checks.
type Stats struct {
	Queued    int    `json:"queued"`
	Active    string `json:"active,omitempty"`
	Completed uint64 `json:"completed"`
}

func (c *Coordinator) Stats() Stats {
	st := Stats{Queued: len(c.queue), Completed: c.completed.Load()}
	if t := c.active.Load(); t != nil {
		st.Active = t.ID
	}
	return st
}

// Run processes queued requests until ctx is canceled. Requests still queued
// at shutdown are resolved with every recipient failed as sessionUnavailable.
func (c *Coordinator) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("dispatch: already running")
	}
	defer c.running.Store(false)
	c.submitMu.Lock()
	c.stopped = false
	c.submitMu.Unlock()
	c.log.Info("coordinator started", logx.Int("queue_cap", cap(c.queue)))

	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		default:
		}

		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case j := <-c.queue:
			<-c.slots
			c.exec(ctx, j)
		}
	}
}

// shutdown refuses further submits and resolves whatever is still queued.
func (c *Coordinator) shutdown() {
	c.submitMu.Lock()
	defer c.submitMu.Unlock()
	c.stopped = true
	c.drain()
}

func (c *Coordinator) drain() {
	for {
		select {
		case j := <-c.queue:
			<-c.slots
			c.log.Warn("abandoning queued dispatch at shutdown", logx.String("request", j.req.ID))
			c.exec(canceledCtx(), j)
		default:
			return
		}
	}
}

func canceledCtx() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
