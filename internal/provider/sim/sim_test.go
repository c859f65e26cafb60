package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

func newSim(t *testing.T, cfg Config) *Provider {
	t.Helper()
	if cfg.Recipients == nil {
		cfg.Recipients = []session.Recipient{
			{ID: "g1", DisplayName: "Team", IsGroup: true, MemberCount: 4},
			{ID: "u1", DisplayName: "Alice"},
		}
	}
	p, err := New(cfg, logx.Nop())
	require.NoError(t, err)
	return p
}

func nextEvent(t *testing.T, p *Provider) session.Event {
	t.Helper()
	select {
	case ev := <-p.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no provider event")
	}
	return session.Event{}
}

func TestManualPairingFlow(t *testing.T) {
	ctx := context.Background()
	p := newSim(t, Config{})

	_, err := p.ListRecipients(ctx)
	require.ErrorIs(t, err, session.ErrProviderUnavailable)

	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	ev := nextEvent(t, p)
	require.Equal(t, session.EventPairingIssued, ev.Kind)
	require.NotEmpty(t, ev.Challenge)
	require.Equal(t, ev.Challenge, p.Challenge())

	require.NoError(t, p.Pair())
	ev = nextEvent(t, p)
	require.Equal(t, session.EventSessionReady, ev.Kind)
	require.Equal(t, "Simulated Operator", ev.Identity.DisplayName)
	require.ErrorIs(t, p.Pair(), ErrNotAwaitingPairing)

	list, err := p.ListRecipients(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.True(t, list[0].IsGroup)

	// a network drop keeps the pairing: re-init goes straight to ready
	p.Drop(session.ReasonNetworkDrop)
	require.Equal(t, session.ReasonNetworkDrop, nextEvent(t, p).Reason)
	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	require.Equal(t, session.EventSessionReady, nextEvent(t, p).Kind)

	// fresh pairing discards it
	require.NoError(t, p.Initialize(ctx, session.InitOptions{FreshPairing: true}))
	require.Equal(t, session.EventPairingIssued, nextEvent(t, p).Kind)
}

func TestAutoPairing(t *testing.T) {
	p := newSim(t, Config{PairAfter: 10 * time.Millisecond})
	require.NoError(t, p.Initialize(context.Background(), session.InitOptions{}))
	require.Equal(t, session.EventPairingIssued, nextEvent(t, p).Kind)
	require.Equal(t, session.EventSessionReady, nextEvent(t, p).Kind)
}

func TestSendClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	p := newSim(t, Config{PairAfter: time.Millisecond, FailureRate: 0.5})

	require.ErrorIs(t, p.Send(ctx, "g1", "hi"), session.ErrProviderUnavailable)

	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	nextEvent(t, p)
	nextEvent(t, p)

	require.ErrorIs(t, p.Send(ctx, "nobody", "hi"), session.ErrInvalidRecipient)
	require.NoError(t, p.Send(ctx, "g1", "hi"))
	require.Error(t, p.Send(ctx, "g1", "hi"))
	require.NoError(t, p.Send(ctx, "u1", "hi"))
	require.Error(t, p.Send(ctx, "u1", "hi"))
}

func TestSendTimeout(t *testing.T) {
	p := newSim(t, Config{PairAfter: time.Millisecond, SendLatency: time.Second})
	require.NoError(t, p.Initialize(context.Background(), session.InitOptions{}))
	nextEvent(t, p)
	nextEvent(t, p)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Send(ctx, "g1", "hi"), session.ErrTimeout)
}

func TestTerminateAndAuthFailureRequirePairing(t *testing.T) {
	ctx := context.Background()
	p := newSim(t, Config{PairAfter: time.Millisecond})
	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	nextEvent(t, p)
	nextEvent(t, p)

	require.NoError(t, p.TerminateSession(ctx))
	ev := nextEvent(t, p)
	require.Equal(t, session.EventSessionLost, ev.Kind)
	require.Equal(t, session.ReasonExplicitLogout, ev.Reason)
	require.NoError(t, p.TerminateSession(ctx))

	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	require.Equal(t, session.EventPairingIssued, nextEvent(t, p).Kind)
	require.Equal(t, session.EventSessionReady, nextEvent(t, p).Kind)

	p.Drop(session.ReasonAuthFailure)
	require.Equal(t, session.ReasonAuthFailure, nextEvent(t, p).Reason)
	require.NoError(t, p.Initialize(ctx, session.InitOptions{}))
	require.Equal(t, session.EventPairingIssued, nextEvent(t, p).Kind)
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, err := New(Config{FailureRate: 1.5}, logx.Nop())
	require.Error(t, err)
	_, err = New(Config{Recipients: []session.Recipient{{DisplayName: "no id"}}}, logx.Nop())
	require.Error(t, err)
}

func TestFailAt(t *testing.T) {
	t.Parallel()
	fails := 0
	for n := uint64(0); n < 100; n++ {
		if failAt(n, 0.1) {
			fails++
		}
	}
	require.Equal(t, 10, fails)
	require.False(t, failAt(0, 0))
	require.True(t, failAt(0, 1))
}
