package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

var (
	ErrNotReady        = errors.New("session not ready")
	ErrNotDisconnected = errors.New("session is not disconnected")
	ErrStopped         = errors.New("lifecycle stopped")
)

type Config struct {
	MinBackoff     time.Duration
	MaxBackoff     time.Duration
	LogoutTimeout  time.Duration
	RefreshTimeout time.Duration
	// RefreshSchedule is optional; see ParseRefreshSchedule.
	RefreshSchedule string
	Location        *time.Location
}

func (c Config) withDefaults() Config {
	if c.MinBackoff <= 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff < c.MinBackoff {
		c.MaxBackoff = max(DefaultMaxBackoff, c.MinBackoff)
	}
	if c.LogoutTimeout <= 0 {
		c.LogoutTimeout = 10 * time.Second
	}
	if c.RefreshTimeout <= 0 {
		c.RefreshTimeout = 30 * time.Second
	}
	return c
}

// Status is the reconnect bookkeeping exposed for health checks.
type Status struct {
	State        session.State `json:"state"`
	Failures     int           `json:"consecutiveFailures"`
	RetryPending bool          `json:"retryPending"`
	RetryDelay   time.Duration `json:"retryDelay,omitempty"`
	LoggedOut    bool          `json:"loggedOut"`
}

// view is the immutable snapshot published to readers.
type view struct {
	status     Status
	epoch      uint64
	recipients []session.Recipient
}

// Manager owns the session state machine. All mutation happens in Run;
// every other method either reads the current snapshot or posts a command
// into Run.
type Manager struct {
	provider session.Provider
	bus      eventbus.Bus
	log      logx.Logger
	cfg      Config
	now      func() time.Time

	cur  atomic.Pointer[view]
	cmds chan func()
	done chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup

	// owned by Run
	ctx       context.Context
	epoch     uint64
	failures  int
	loggedOut bool
	retry     *time.Timer
	retryOpts session.InitOptions
	retryFor  time.Duration
}

func New(provider session.Provider, bus eventbus.Bus, cfg Config, log logx.Logger) *Manager {
	m := &Manager{
		provider: provider,
		bus:      bus,
		log:      log.Named("lifecycle"),
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
	}
	m.cur.Store(&view{status: Status{State: session.Disconnected(m.now())}})
	return m
}

// Snapshot returns the current session state.
func (m *Manager) Snapshot() session.State { return m.cur.Load().status.State }

// Status returns the current state plus reconnect bookkeeping.
func (m *Manager) Status() Status { return m.cur.Load().status }

// Recipients returns a copy of the recipient list of the current Ready epoch,
// or nil when not Ready.
func (m *Manager) Recipients() []session.Recipient {
	v := m.cur.Load()
	if !v.status.State.Ready() {
		return nil
	}
	return slices.Clone(v.recipients)
}

// SnapshotEvents is the attach snapshot: the lifecycle state and, when Ready,
// the recipient list.
func (m *Manager) SnapshotEvents() []eventbus.Event {
	v := m.cur.Load()
	out := []eventbus.Event{lifecycleEvent(v.status.State)}
	if v.status.State.Ready() && v.recipients != nil {
		out = append(out, recipientsEvent(slices.Clone(v.recipients)))
	}
	return out
}

// Run owns the state machine until ctx is canceled. It starts the first
// provider initialization immediately.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.New("lifecycle: already running")
	}
	m.ctx = ctx

	stopCron, err := m.startRefreshCron(ctx)
	if err != nil {
		close(m.done)
		return err
	}

	m.startInit(session.InitOptions{})

	events := m.provider.Events()
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case ev, ok := <-events:
			if !ok {
				m.log.Warn("provider event stream closed")
				events = nil
				continue
			}
			m.handle(ev)
		case fn := <-m.cmds:
			fn()
		case <-m.retryC():
			m.retry = nil
			m.retryFor = 0
			m.commit(nil)
			m.log.Info("reconnecting", logx.Int("attempt", m.failures), logx.Bool("fresh_pairing", m.retryOpts.FreshPairing))
			m.startInit(m.retryOpts)
		}
	}

	m.stopRetry()
	close(m.done)
	stopCron()
	m.wg.Wait()
	return nil
}

// Logout terminates the session. It is valid only in Ready. The provider is
// given LogoutTimeout to acknowledge; the session is marked lost locally
// either way, and no reconnect is scheduled.
func (m *Manager) Logout(ctx context.Context) error {
	var epoch uint64
	err := m.call(ctx, func() error {
		if !m.state().Ready() {
			return ErrNotReady
		}
		m.loggedOut = true
		m.stopRetry()
		m.commit(nil)
		epoch = m.epoch
		return nil
	})
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, m.cfg.LogoutTimeout)
	terr := m.provider.TerminateSession(tctx)
	cancel()
	switch {
	case terr == nil:
	case errors.Is(terr, context.DeadlineExceeded) || errors.Is(terr, session.ErrTimeout):
		m.log.Warn("logout not acknowledged in time; dropping session locally", logx.Duration("timeout", m.cfg.LogoutTimeout))
	default:
		m.log.Warn("terminate session failed; dropping session locally", logx.Err(terr))
	}

	return m.call(context.WithoutCancel(ctx), func() error {
		if m.epoch == epoch && m.state().Ready() {
			m.lose(session.ReasonExplicitLogout)
		}
		return nil
	})
}

// Reconnect re-initializes the provider from Disconnected, clearing a prior
// logout. A fresh pairing is requested after logout or auth failure.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.call(ctx, func() error {
		st := m.state()
		if st.Phase != session.PhaseDisconnected {
			return ErrNotDisconnected
		}
		m.loggedOut = false
		m.stopRetry()
		m.commit(nil)
		fresh := st.Reason == session.ReasonAuthFailure || st.Reason == session.ReasonExplicitLogout
		m.startInit(session.InitOptions{FreshPairing: fresh})
		return nil
	})
}

// Refresh starts an asynchronous recipient refresh. The result is applied
// only if the session is still in the same Ready epoch.
func (m *Manager) Refresh(ctx context.Context) error {
	return m.call(ctx, func() error {
		if !m.state().Ready() {
			return ErrNotReady
		}
		m.startRefresh()
		return nil
	})
}

func (m *Manager) handle(ev session.Event) {
	switch ev.Kind {
	case session.EventPairingIssued:
		m.loggedOut = false
		m.stopRetry()
		m.epoch++
		m.transition(session.State{
			Phase:            session.PhaseAwaitingPairing,
			PairingChallenge: ev.Challenge,
		}, nil)
		m.log.Info("pairing challenge issued")

	case session.EventSessionReady:
		st := m.state()
		if st.Ready() && st.Identity != nil && *st.Identity == ev.Identity {
			m.publishState(st)
			return
		}
		id := ev.Identity
		m.loggedOut = false
		m.stopRetry()
		m.failures = 0
		m.epoch++
		m.transition(session.State{Phase: session.PhaseReady, Identity: &id}, nil)
		m.log.Info("session ready", logx.String("identity", id.DisplayName))
		m.startRefresh()

	case session.EventSessionLost:
		reason := ev.Reason
		if m.loggedOut {
			reason = session.ReasonExplicitLogout
		}
		if !reason.Valid() {
			reason = session.ReasonNetworkDrop
		}
		if m.state().Phase == session.PhaseDisconnected {
			m.publishState(m.state())
		} else {
			m.lose(reason)
		}
		if reason != session.ReasonExplicitLogout {
			m.scheduleRetry(session.InitOptions{FreshPairing: reason == session.ReasonAuthFailure})
		}

	default:
		m.log.Warn("unknown provider event", logx.String("kind", string(ev.Kind)))
	}
}

func (m *Manager) lose(reason session.LostReason) {
	m.epoch++
	m.transition(session.State{Phase: session.PhaseDisconnected, Reason: reason}, nil)
	m.log.Info("session lost", logx.String("reason", string(reason)))
}

func (m *Manager) state() session.State { return m.cur.Load().status.State }

// transition stamps, stores and publishes next. Recipients are reset.
func (m *Manager) transition(next session.State, recipients []session.Recipient) {
	next.LastTransitionAt = m.now()
	m.commit(func(v *view) {
		v.status.State = next
		v.recipients = recipients
	})
	m.publishState(next)
}

// commit rebuilds the published view from owner state after applying fn.
func (m *Manager) commit(fn func(v *view)) {
	next := *m.cur.Load()
	if fn != nil {
		fn(&next)
	}
	next.epoch = m.epoch
	next.status.Failures = m.failures
	next.status.RetryPending = m.retry != nil
	next.status.RetryDelay = m.retryFor
	next.status.LoggedOut = m.loggedOut
	m.cur.Store(&next)
}

func (m *Manager) publishState(st session.State) {
	m.bus.Publish(lifecycleEvent(st))
}

func (m *Manager) scheduleRetry(opts session.InitOptions) {
	if m.loggedOut || m.retry != nil || m.ctx.Err() != nil {
		return
	}
	m.failures++
	d := RetryDelay(m.failures, m.cfg.MinBackoff, m.cfg.MaxBackoff)
	m.retry = time.NewTimer(d)
	m.retryOpts = opts
	m.retryFor = d
	m.commit(nil)
	m.log.Info("reconnect scheduled", logx.Int("failures", m.failures), logx.Duration("delay", d))
}

func (m *Manager) stopRetry() {
	if m.retry == nil {
		return
	}
	m.retry.Stop()
	m.retry = nil
	m.retryFor = 0
}

func (m *Manager) retryC() <-chan time.Time {
	if m.retry == nil {
		return nil
	}
	return m.retry.C
}

// startInit calls provider.Initialize off the owner goroutine. A returned
// error counts as a failed attempt.
func (m *Manager) startInit(opts session.InitOptions) {
	ctx := m.ctx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.provider.Initialize(ctx, opts)
		if err == nil || ctx.Err() != nil {
			return
		}
		m.post(func() {
			m.log.Warn("provider initialize failed", logx.Err(err))
			if m.state().Ready() {
				return
			}
			m.scheduleRetry(opts)
		})
	}()
}

func (m *Manager) startRefresh() {
	ctx, epoch := m.ctx, m.epoch
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		rctx, cancel := context.WithTimeout(ctx, m.cfg.RefreshTimeout)
		list, err := m.provider.ListRecipients(rctx)
		cancel()
		m.post(func() {
			if err != nil {
				m.log.Warn("recipient refresh failed", logx.Err(err))
				return
			}
			if m.epoch != epoch || !m.state().Ready() {
				m.log.Debug("stale recipient refresh dropped")
				return
			}
			list = slices.Clone(list)
			if list == nil {
				list = []session.Recipient{}
			}
			m.commit(func(v *view) { v.recipients = list })
			m.bus.Publish(recipientsEvent(slices.Clone(list)))
			m.log.Info("recipients refreshed", logx.Int("count", len(list)))
		})
	}()
}

// call runs fn on the owner goroutine and waits for its result.
func (m *Manager) call(ctx context.Context, fn func() error) error {
	res := make(chan error, 1)
	select {
	case m.cmds <- func() { res <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case err := <-res:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// post queues fn for the owner goroutine without waiting for it.
func (m *Manager) post(fn func()) {
	select {
	case m.cmds <- fn:
	case <-m.done:
	}
}

func lifecycleEvent(st session.State) eventbus.Event {
	return eventbus.Event{Type: eventbus.TypeLifecycle, Source: eventbus.SourceLifecycle, Data: st}
}

func recipientsEvent(list []session.Recipient) eventbus.Event {
	return eventbus.Event{Type: eventbus.TypeRecipients, Source: eventbus.SourceLifecycle, Data: session.Recipients{List: list}}
}

func (s Status) String() string {
	return fmt.Sprintf("%s failures=%d retry_pending=%t", s.State.Phase, s.Failures, s.RetryPending)
}
