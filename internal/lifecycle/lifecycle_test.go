package lifecycle

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

type fakeProvider struct {
	events chan session.Event
	inits  chan session.InitOptions

	mu         sync.Mutex
	recipients []session.Recipient
	listGate   chan struct{}
	terminate  func(ctx context.Context) error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		events:     make(chan session.Event, 16),
		inits:      make(chan session.InitOptions, 16),
		recipients: []session.Recipient{{ID: "g1", DisplayName: "Group 1", IsGroup: true, MemberCount: 3}},
	}
}

func (p *fakeProvider) Initialize(_ context.Context, opts session.InitOptions) error {
	p.inits <- opts
	return nil
}

func (p *fakeProvider) Events() <-chan session.Event { return p.events }

func (p *fakeProvider) ListRecipients(ctx context.Context) ([]session.Recipient, error) {
	p.mu.Lock()
	gate, list := p.listGate, p.recipients
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return list, nil
}

func (p *fakeProvider) Send(context.Context, string, string) error { return nil }

func (p *fakeProvider) TerminateSession(ctx context.Context) error {
	p.mu.Lock()
	fn := p.terminate
	p.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (p *fakeProvider) ready(name string) {
	p.events <- session.Event{Kind: session.EventSessionReady, Identity: session.Identity{ID: name, DisplayName: name, Handle: "+" + name}}
}

func (p *fakeProvider) lost(r session.LostReason) {
	p.events <- session.Event{Kind: session.EventSessionLost, Reason: r}
}

func (p *fakeProvider) pairing(c string) {
	p.events <- session.Event{Kind: session.EventPairingIssued, Challenge: c}
}

func (p *fakeProvider) nextInit(t *testing.T) session.InitOptions {
	t.Helper()
	select {
	case o := <-p.inits:
		return o
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Initialize")
	}
	return session.InitOptions{}
}

func startManager(t *testing.T, p *fakeProvider, cfg Config) (*Manager, eventbus.Bus, *eventbus.Subscription) {
	t.Helper()
	bus := eventbus.New()
	m := New(p, bus, cfg, logx.Nop())
	sub := bus.Attach(128, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("Run did not return")
		}
		sub.Close()
	})
	p.nextInit(t) // initial connect
	return m, bus, sub
}

func next(t *testing.T, sub *eventbus.Subscription, typ string) eventbus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-sub.C():
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
		}
	}
}

func nextState(t *testing.T, sub *eventbus.Subscription) session.State {
	t.Helper()
	return next(t, sub, eventbus.TypeLifecycle).Data.(session.State)
}

func fastConfig() Config {
	return Config{MinBackoff: 10 * time.Millisecond, MaxBackoff: 40 * time.Millisecond, LogoutTimeout: 50 * time.Millisecond}
}

func TestPairingIssuedBroadcastAndLateAttachSnapshot(t *testing.T) {
	p := newFakeProvider()
	m, bus, sub := startManager(t, p, fastConfig())
	require.Equal(t, session.PhaseDisconnected, m.Snapshot().Phase)

	p.pairing("XYZ")
	st := nextState(t, sub)
	require.Equal(t, session.PhaseAwaitingPairing, st.Phase)
	require.Equal(t, "XYZ", st.PairingChallenge)
	require.Nil(t, st.Identity)

	late := bus.Attach(8, m.SnapshotEvents)
	defer late.Close()
	got := nextState(t, late)
	require.Equal(t, st, got)
}

func TestReadyRefreshesRecipients(t *testing.T) {
	p := newFakeProvider()
	m, bus, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	st := nextState(t, sub)
	require.Equal(t, session.PhaseReady, st.Phase)
	require.Equal(t, "alice", st.Identity.DisplayName)
	require.Empty(t, st.PairingChallenge)

	rec := next(t, sub, eventbus.TypeRecipients).Data.(session.Recipients)
	require.Len(t, rec.List, 1)
	require.Equal(t, "g1", m.Recipients()[0].ID)

	late := bus.Attach(8, m.SnapshotEvents)
	defer late.Close()
	require.Equal(t, session.PhaseReady, nextState(t, late).Phase)
	require.Equal(t, rec, next(t, late, eventbus.TypeRecipients).Data)
}

func TestDuplicateReadyOnlyReEmits(t *testing.T) {
	p := newFakeProvider()
	_, _, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	first := nextState(t, sub)
	p.ready("alice")
	second := nextState(t, sub)
	require.Equal(t, first, second)
}

func TestChallengeAndIdentityNeverBothSet(t *testing.T) {
	p := newFakeProvider()
	m, _, sub := startManager(t, p, Config{MinBackoff: time.Hour, MaxBackoff: time.Hour})

	rng := rand.New(rand.NewSource(7))
	reasons := []session.LostReason{session.ReasonNetworkDrop, session.ReasonAuthFailure}
	for i := 0; i < 200; i++ {
		switch rng.Intn(3) {
		case 0:
			p.pairing("c" + string(rune('a'+i%26)))
		case 1:
			p.ready([]string{"alice", "bob"}[rng.Intn(2)])
		case 2:
			p.lost(reasons[rng.Intn(2)])
		}
		st := nextState(t, sub)
		require.False(t, st.PairingChallenge != "" && st.Identity != nil, "both set at step %d: %+v", i, st)
		if st.Phase == session.PhaseDisconnected {
			require.Empty(t, st.PairingChallenge)
			require.Nil(t, st.Identity)
		}
		snap := m.Snapshot()
		require.False(t, snap.PairingChallenge != "" && snap.Identity != nil)
	}
}

func TestBackoffGrowsCapsAndResets(t *testing.T) {
	p := newFakeProvider()
	m, _, sub := startManager(t, p, Config{MinBackoff: 30 * time.Millisecond, MaxBackoff: 120 * time.Millisecond})

	p.ready("alice")
	nextState(t, sub)

	var delays []time.Duration
	for i := 0; i < 4; i++ {
		p.lost(session.ReasonNetworkDrop)
		nextState(t, sub)
		var d time.Duration
		require.Eventually(t, func() bool {
			s := m.Status()
			d = s.RetryDelay
			return s.RetryPending
		}, time.Second, time.Millisecond)
		delays = append(delays, d)
		opts := p.nextInit(t)
		require.False(t, opts.FreshPairing)
		require.Eventually(t, func() bool { return !m.Status().RetryPending }, time.Second, time.Millisecond)
	}
	require.Equal(t, []time.Duration{30 * time.Millisecond, 60 * time.Millisecond, 120 * time.Millisecond, 120 * time.Millisecond}, delays)
	require.Equal(t, 4, m.Status().Failures)

	p.ready("alice")
	nextState(t, sub)
	require.Eventually(t, func() bool { return m.Status().Failures == 0 }, time.Second, time.Millisecond)

	p.lost(session.ReasonNetworkDrop)
	nextState(t, sub)
	var d time.Duration
	require.Eventually(t, func() bool {
		s := m.Status()
		d = s.RetryDelay
		return s.RetryPending
	}, time.Second, time.Millisecond)
	require.Equal(t, 30*time.Millisecond, d)
}

func TestAuthFailureReinitializesWithFreshPairing(t *testing.T) {
	p := newFakeProvider()
	_, _, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	nextState(t, sub)
	p.lost(session.ReasonAuthFailure)
	st := nextState(t, sub)
	require.Equal(t, session.ReasonAuthFailure, st.Reason)
	require.True(t, p.nextInit(t).FreshPairing)
}

func TestLogoutAcknowledgedSuppressesReconnect(t *testing.T) {
	p := newFakeProvider()
	p.terminate = func(context.Context) error {
		p.lost(session.ReasonExplicitLogout)
		return nil
	}
	m, _, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	nextState(t, sub)

	require.NoError(t, m.Logout(context.Background()))
	st := m.Snapshot()
	require.Equal(t, session.PhaseDisconnected, st.Phase)
	require.Equal(t, session.ReasonExplicitLogout, st.Reason)
	require.Nil(t, st.Identity)

	time.Sleep(60 * time.Millisecond)
	require.False(t, m.Status().RetryPending)
	require.True(t, m.Status().LoggedOut)
	select {
	case <-p.inits:
		t.Fatal("reconnect attempted after logout")
	default:
	}
}

func TestLogoutTimeoutStillDropsSession(t *testing.T) {
	p := newFakeProvider()
	p.terminate = func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	m, _, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	nextState(t, sub)

	start := time.Now()
	require.NoError(t, m.Logout(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	st := nextState(t, sub)
	require.Equal(t, session.PhaseDisconnected, st.Phase)
	require.Equal(t, session.ReasonExplicitLogout, st.Reason)
	require.False(t, m.Status().RetryPending)
}

func TestLogoutRequiresReady(t *testing.T) {
	p := newFakeProvider()
	m, _, _ := startManager(t, p, fastConfig())
	require.ErrorIs(t, m.Logout(context.Background()), ErrNotReady)
}

func TestReconnectAfterLogout(t *testing.T) {
	p := newFakeProvider()
	m, _, sub := startManager(t, p, fastConfig())

	p.ready("alice")
	nextState(t, sub)
	require.ErrorIs(t, m.Reconnect(context.Background()), ErrNotDisconnected)

	require.NoError(t, m.Logout(context.Background()))
	require.NoError(t, m.Reconnect(context.Background()))
	require.True(t, p.nextInit(t).FreshPairing)
	require.False(t, m.Status().LoggedOut)
}

func TestStaleRecipientRefreshIsDropped(t *testing.T) {
	p := newFakeProvider()
	gate := make(chan struct{})
	p.listGate = gate
	m, _, sub := startManager(t, p, Config{MinBackoff: time.Hour, MaxBackoff: time.Hour})

	p.ready("alice")
	nextState(t, sub)
	p.lost(session.ReasonNetworkDrop)
	nextState(t, sub)
	close(gate)

	require.ErrorIs(t, m.Refresh(context.Background()), ErrNotReady)
	require.Nil(t, m.Recipients())
	select {
	case e := <-sub.C():
		require.NotEqual(t, eventbus.TypeRecipients, e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRetryDelay(t *testing.T) {
	t.Parallel()
	min, max := 5*time.Second, 30*time.Second
	tests := []struct {
		k    int
		want time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{64, 30 * time.Second},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, RetryDelay(tt.k, min, max), "k=%d", tt.k)
	}

	prev := time.Duration(0)
	for k := 1; k < 100; k++ {
		d := RetryDelay(k, min, max)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, max)
		prev = d
	}
}

func TestParseRefreshSchedule(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		raw     string
		wantNil bool
		wantErr bool
	}{
		{name: "empty", raw: "", wantNil: true},
		{name: "duration", raw: "15m"},
		{name: "cron", raw: "*/10 * * * *"},
		{name: "descriptor", raw: "@hourly"},
		{name: "too short", raw: "10s", wantErr: true},
		{name: "garbage", raw: "not a schedule", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseRefreshSchedule(tt.raw)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.wantNil, s == nil)
		})
	}
}
