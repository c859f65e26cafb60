package observer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"bulkcast/internal/dispatch"
	"bulkcast/internal/eventbus"
	"bulkcast/internal/session"
	"bulkcast/internal/templates"
	logx "bulkcast/pkg/logx"
)

// Conn is one observer's full-duplex channel, write side.
type Conn interface {
	WriteJSON(v any) error
	Ping() error
	Close() error
}

// Lifecycle is what observers may ask of the session.
type Lifecycle interface {
	Snapshot() session.State
	SnapshotEvents() []eventbus.Event
	Logout(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Refresh(ctx context.Context) error
}

type Dispatcher interface {
	Submit(req dispatch.Request) (*dispatch.Ticket, error)
}

type Templates interface {
	Add(ctx context.Context, actor, name, body string) (templates.Template, error)
	Delete(ctx context.Context, actor, id string) error
	Get(ctx context.Context, id string) (templates.Template, error)
	SnapshotEvent() eventbus.Event
}

type RegistryConfig struct {
	Buffer         int
	PingInterval   time.Duration
	CommandTimeout time.Duration
}

// Registry owns the set of attached observers.
type Registry struct {
	cfg        RegistryConfig
	bus        eventbus.Bus
	lifecycle  Lifecycle
	dispatcher Dispatcher
	templates  Templates
	log        logx.Logger

	mu        sync.Mutex
	observers map[string]*Observer
	wg        sync.WaitGroup
}

func NewRegistry(cfg RegistryConfig, bus eventbus.Bus, lc Lifecycle, d Dispatcher, t Templates, log logx.Logger) *Registry {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	return &Registry{
		cfg:        cfg,
		bus:        bus,
		lifecycle:  lc,
		dispatcher: d,
		templates:  t,
		log:        log.Named("observer"),
		observers:  map[string]*Observer{},
	}
}

// Observer is one attached client.
type Observer struct {
	ID         string
	AttachedAt time.Time
	Remote     string

	reg  *Registry
	conn Conn
	sub  *eventbus.Subscription
	once sync.Once
}

func (r *Registry) snapshot() []eventbus.Event {
	out := r.lifecycle.SnapshotEvents()
	return append(out, r.templates.SnapshotEvent())
}

// Attach registers conn and enqueues the current snapshot for it before any
// later event. The returned observer's writer runs until Detach.
func (r *Registry) Attach(conn Conn, remote string) *Observer {
	o := &Observer{
		ID:         uuid.NewString(),
		AttachedAt: time.Now(),
		Remote:     remote,
		reg:        r,
		conn:       conn,
	}
	o.sub = r.bus.Attach(r.cfg.Buffer, r.snapshot)

	r.mu.Lock()
	r.observers[o.ID] = o
	n := len(r.observers)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		o.writeLoop()
	}()
	r.log.Info("observer attached", logx.String("observer", o.ID), logx.String("remote", remote), logx.Int("observers", n))
	return o
}

// Detach removes o. Safe to call any number of times.
func (r *Registry) Detach(o *Observer) {
	if o == nil {
		return
	}
	o.once.Do(func() {
		r.mu.Lock()
		delete(r.observers, o.ID)
		n := len(r.observers)
		r.mu.Unlock()

		o.sub.Close()
		_ = o.conn.Close()
		if d := o.sub.Dropped(); d > 0 {
			r.log.Warn("observer dropped events", logx.String("observer", o.ID), logx.Uint64("dropped", d))
		}
		r.log.Info("observer detached", logx.String("observer", o.ID), logx.Int("observers", n))
	})
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observers)
}

// Close detaches every observer and waits for their writers.
func (r *Registry) Close() {
	r.mu.Lock()
	all := make([]*Observer, 0, len(r.observers))
	for _, o := range r.observers {
		all = append(all, o)
	}
	r.mu.Unlock()
	for _, o := range all {
		r.Detach(o)
	}
	r.wg.Wait()
}

// push queues a message for this observer only.
func (o *Observer) push(typ string, data any) {
	if !o.sub.Push(eventbus.Event{Type: typ, Source: eventbus.SourceObserver, Data: data}) {
		o.reg.log.Debug("observer queue full; message dropped", logx.String("observer", o.ID), logx.String("type", typ))
	}
}

func (o *Observer) pushError(command string, err error) {
	o.push(MsgError, ErrorData{Message: err.Error(), Command: command})
}

func (o *Observer) writeLoop() {
	var tick <-chan time.Time
	if o.reg.cfg.PingInterval > 0 {
		t := time.NewTicker(o.reg.cfg.PingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case e, ok := <-o.sub.C():
			if !ok {
				return
			}
			env, ok := toEnvelope(e)
			if !ok {
				continue
			}
			if err := o.conn.WriteJSON(env); err != nil {
				o.reg.log.Debug("observer write failed", logx.String("observer", o.ID), logx.Err(err))
				o.reg.Detach(o)
				return
			}
		case <-tick:
			if err := o.conn.Ping(); err != nil {
				o.reg.Detach(o)
				return
			}
		}
	}
}
