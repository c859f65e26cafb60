// Package alerts forwards high-signal session and dispatch events to an
// operator chat.
package alerts

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"bulkcast/internal/dispatch"
	"bulkcast/internal/eventbus"
	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

// Sender delivers one alert text.
type Sender interface {
	SendText(ctx context.Context, text string) error
}

type Config struct {
	RatePerMin  int
	Buffer      int
	SendTimeout time.Duration
}

// Forwarder relays alerts from its bus subscription, taken at construction.
// A slow Sender only fills the forwarder's own queue. Run may be restarted
// after a panic; the subscription is released only when its ctx ends.
type Forwarder struct {
	cfg     Config
	sender  Sender
	log     logx.Logger
	limiter *rate.Limiter
	events  <-chan eventbus.Event
	unsub   func()

	lastPhase     session.Phase
	lastChallenge string
}

func NewForwarder(cfg Config, bus eventbus.Bus, sender Sender, log logx.Logger) *Forwarder {
	if cfg.RatePerMin <= 0 {
		cfg.RatePerMin = 20
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	events, unsub := bus.Subscribe(cfg.Buffer)
	return &Forwarder{
		events:  events,
		unsub:   unsub,
		cfg:     cfg,
		sender:  sender,
		log:     log.Named("alerts"),
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMin)), cfg.RatePerMin),
	}
}

func (f *Forwarder) Run(ctx context.Context) error {
	ch := f.events
	f.log.Info("alert forwarder started", logx.Int("rate_per_min", f.cfg.RatePerMin))

	var suppressed int
	for {
		select {
		case <-ctx.Done():
			f.unsub()
			if suppressed > 0 {
				f.log.Warn("alerts suppressed by rate limit", logx.Int("count", suppressed))
			}
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			text, ok := f.format(ev)
			if !ok {
				continue
			}
			if !f.limiter.Allow() {
				suppressed++
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, f.cfg.SendTimeout)
			err := f.sender.SendText(sctx, text)
			cancel()
			if err != nil {
				f.log.Warn("alert send failed", logx.String("type", ev.Type), logx.Err(err))
			}
		}
	}
}

// format turns an event into alert text. Lifecycle re-emits of the same
// phase are not alerted again, except for a replaced pairing challenge.
func (f *Forwarder) format(ev eventbus.Event) (string, bool) {
	switch d := ev.Data.(type) {
	case session.State:
		if d.Phase == f.lastPhase && d.PairingChallenge == f.lastChallenge {
			return "", false
		}
		f.lastPhase, f.lastChallenge = d.Phase, d.PairingChallenge
		switch d.Phase {
		case session.PhaseAwaitingPairing:
			return fmt.Sprintf("Pairing required. Challenge: %s", d.PairingChallenge), true
		case session.PhaseReady:
			if d.Identity == nil {
				return "Session ready.", true
			}
			return fmt.Sprintf("Session ready as %s (%s).", d.Identity.DisplayName, d.Identity.Handle), true
		case session.PhaseDisconnected:
			if d.Reason == session.ReasonExplicitLogout || d.Reason == "" {
				return "", false
			}
			return fmt.Sprintf("Session lost (%s). Reconnecting.", d.Reason), true
		}
	case dispatch.Result:
		if d.Counts.Failed == 0 {
			return "", false
		}
		return fmt.Sprintf("Dispatch %s finished: %d sent, %d failed.", shortID(d.RequestID), d.Counts.Sent, d.Counts.Failed), true
	}
	return "", false
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
