package alerts

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"bulkcast/internal/dispatch"
	"bulkcast/internal/eventbus"
	"bulkcast/internal/runtime/supervisor"
	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

type captureSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *captureSender) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return nil
}

func (s *captureSender) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func runForwarder(t *testing.T, cfg Config) (eventbus.Bus, *captureSender) {
	t.Helper()
	bus := eventbus.New()
	sender := &captureSender{}
	f := NewForwarder(cfg, bus, sender, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return bus, sender
}

func lifecycle(st session.State) eventbus.Event {
	return eventbus.Event{Type: eventbus.TypeLifecycle, Data: st}
}

func TestForwardsHighSignalEvents(t *testing.T) {
	bus, sender := runForwarder(t, Config{RatePerMin: 100})

	bus.Publish(lifecycle(session.State{Phase: session.PhaseAwaitingPairing, PairingChallenge: "XYZ"}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseAwaitingPairing, PairingChallenge: "XYZ"}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseReady, Identity: &session.Identity{DisplayName: "Ops", Handle: "+1"}}))
	bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Data: dispatch.Result{RequestID: "0123456789", Counts: dispatch.Counts{Sent: 2}}})
	bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Data: dispatch.Result{RequestID: "abcdefghijk", Counts: dispatch.Counts{Sent: 1, Failed: 1}}})
	bus.Publish(lifecycle(session.State{Phase: session.PhaseDisconnected, Reason: session.ReasonNetworkDrop}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseReady, Identity: &session.Identity{DisplayName: "Ops", Handle: "+1"}}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseDisconnected, Reason: session.ReasonExplicitLogout}))

	want := []string{
		"Pairing required. Challenge: XYZ",
		"Session ready as Ops (+1).",
		"Dispatch abcdefgh finished: 1 sent, 1 failed.",
		"Session lost (network_drop). Reconnecting.",
		"Session ready as Ops (+1).",
	}
	require.Eventually(t, func() bool { return len(sender.Texts()) >= len(want) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, want, sender.Texts())
}

func TestReplacedChallengeIsAlerted(t *testing.T) {
	bus, sender := runForwarder(t, Config{RatePerMin: 100})

	bus.Publish(lifecycle(session.State{Phase: session.PhaseAwaitingPairing, PairingChallenge: "OLD"}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseAwaitingPairing, PairingChallenge: "NEW"}))
	bus.Publish(lifecycle(session.State{Phase: session.PhaseAwaitingPairing, PairingChallenge: "NEW"}))

	want := []string{
		"Pairing required. Challenge: OLD",
		"Pairing required. Challenge: NEW",
	}
	require.Eventually(t, func() bool { return len(sender.Texts()) >= len(want) }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, want, sender.Texts())
}

// panicOnceSender panics on its first alert and records the rest.
type panicOnceSender struct {
	captureSender
	panicked atomic.Bool
}

func (s *panicOnceSender) SendText(ctx context.Context, text string) error {
	if s.panicked.CompareAndSwap(false, true) {
		panic("sender exploded")
	}
	return s.captureSender.SendText(ctx, text)
}

func TestRestartedRunKeepsSubscription(t *testing.T) {
	bus := eventbus.New()
	sender := &panicOnceSender{}
	f := NewForwarder(Config{RatePerMin: 100}, bus, sender, logx.Nop())

	sup := supervisor.New(context.Background())
	sup.GoRestart("alerts", f.Run, supervisor.WithRestartBackoff(time.Millisecond, time.Millisecond))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, sup.Stop(ctx))
	})

	bus.Publish(lifecycle(session.State{Phase: session.PhaseDisconnected, Reason: session.ReasonNetworkDrop}))
	require.Eventually(t, func() bool { return sup.Panics() == 1 }, time.Second, time.Millisecond)

	bus.Publish(lifecycle(session.State{Phase: session.PhaseReady, Identity: &session.Identity{DisplayName: "Ops", Handle: "+1"}}))
	require.Eventually(t, func() bool { return len(sender.Texts()) == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"Session ready as Ops (+1)."}, sender.Texts())
}

func TestRateLimitSuppressesBursts(t *testing.T) {
	bus, sender := runForwarder(t, Config{RatePerMin: 2})
	for i := 0; i < 5; i++ {
		bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Data: dispatch.Result{RequestID: "r", Counts: dispatch.Counts{Failed: 1}}})
	}
	require.Eventually(t, func() bool { return len(sender.Texts()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Len(t, sender.Texts(), 2)
}

func TestNewTelegramValidates(t *testing.T) {
	_, err := NewTelegram(TelegramConfig{ChatID: 1})
	require.Error(t, err)
	_, err = NewTelegram(TelegramConfig{Token: "123:abc"})
	require.Error(t, err)
}
