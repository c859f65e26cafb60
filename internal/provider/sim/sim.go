// Package sim is an in-process stand-in for the external messaging account.
//
// It pairs after a configurable delay (or on Pair), serves a fixed recipient
// list, and fails a deterministic fraction of sends.
package sim

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"bulkcast/internal/session"
	logx "bulkcast/pkg/logx"
)

var ErrNotAwaitingPairing = errors.New("sim: not awaiting pairing")

type Config struct {
	// PairAfter auto-completes pairing; 0 waits for Pair.
	PairAfter   time.Duration
	Identity    session.Identity
	Recipients  []session.Recipient
	SendLatency time.Duration
	// FailureRate in [0,1]; every send whose cumulative share crosses an
	// integer boundary fails.
	FailureRate float64
}

type Provider struct {
	cfg    Config
	log    logx.Logger
	events chan session.Event

	mu        sync.Mutex
	phase     session.Phase
	paired    bool
	challenge string
	gen       uint64
	pairTimer *time.Timer
	known     map[string]struct{}

	sendMu sync.Mutex
	sends  uint64
}

var _ session.Provider = (*Provider)(nil)

func New(cfg Config, log logx.Logger) (*Provider, error) {
	if cfg.FailureRate < 0 || cfg.FailureRate > 1 {
		return nil, fmt.Errorf("sim: failure_rate must be within [0,1], got %v", cfg.FailureRate)
	}
	if cfg.Identity.IsZero() {
		cfg.Identity = session.Identity{ID: "sim-account", DisplayName: "Simulated Operator", Handle: "+10000000000"}
	}
	known := make(map[string]struct{}, len(cfg.Recipients))
	for _, r := range cfg.Recipients {
		if r.ID == "" {
			return nil, errors.New("sim: recipient id must not be empty")
		}
		known[r.ID] = struct{}{}
	}
	return &Provider{
		cfg:    cfg,
		log:    log.Named("provider.sim"),
		events: make(chan session.Event, 64),
		phase:  session.PhaseDisconnected,
		known:  known,
	}, nil
}

func (p *Provider) Events() <-chan session.Event { return p.events }

func (p *Provider) Initialize(ctx context.Context, opts session.InitOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.gen++
	p.stopPairTimerLocked()
	if opts.FreshPairing {
		p.paired = false
	}
	if p.paired {
		p.phase = session.PhaseReady
		p.challenge = ""
		p.emitLocked(session.Event{Kind: session.EventSessionReady, Identity: p.cfg.Identity})
		return nil
	}

	p.phase = session.PhaseAwaitingPairing
	p.challenge = newChallenge()
	p.emitLocked(session.Event{Kind: session.EventPairingIssued, Challenge: p.challenge})
	p.log.Info("pairing challenge issued", logx.String("challenge", p.challenge))

	if p.cfg.PairAfter > 0 {
		gen := p.gen
		p.pairTimer = time.AfterFunc(p.cfg.PairAfter, func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.gen == gen && p.phase == session.PhaseAwaitingPairing {
				p.completePairingLocked()
			}
		})
	}
	return nil
}

// Pair completes a pending pairing, as if the operator presented the challenge.
func (p *Provider) Pair() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != session.PhaseAwaitingPairing {
		return ErrNotAwaitingPairing
	}
	p.stopPairTimerLocked()
	p.completePairingLocked()
	return nil
}

// Challenge returns the outstanding pairing challenge, if any.
func (p *Provider) Challenge() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.challenge
}

// Drop simulates the account losing its session. auth_failure also discards
// the stored pairing.
func (p *Provider) Drop(reason session.LostReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase == session.PhaseDisconnected {
		return
	}
	p.gen++
	p.stopPairTimerLocked()
	if reason == session.ReasonAuthFailure {
		p.paired = false
	}
	p.phase = session.PhaseDisconnected
	p.challenge = ""
	p.emitLocked(session.Event{Kind: session.EventSessionLost, Reason: reason})
	p.log.Info("session dropped", logx.String("reason", string(reason)))
}

func (p *Provider) ListRecipients(ctx context.Context) ([]session.Recipient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != session.PhaseReady {
		return nil, session.ErrProviderUnavailable
	}
	return slices.Clone(p.cfg.Recipients), nil
}

// Send delivers one message. Sends are serialized: this is a single account.
func (p *Provider) Send(ctx context.Context, recipientID, body string) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.mu.Lock()
	ready := p.phase == session.PhaseReady
	_, known := p.known[recipientID]
	p.mu.Unlock()
	if !ready {
		return session.ErrProviderUnavailable
	}
	if !known {
		return fmt.Errorf("%w: %s", session.ErrInvalidRecipient, recipientID)
	}

	if p.cfg.SendLatency > 0 {
		t := time.NewTimer(p.cfg.SendLatency)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", session.ErrTimeout, ctx.Err())
		case <-t.C:
		}
	}

	n := p.sends
	p.sends++
	if failAt(n, p.cfg.FailureRate) {
		return errors.New("simulated delivery failure")
	}
	p.log.Debug("message sent", logx.String("recipient", recipientID), logx.Int("bytes", len(body)))
	return nil
}

func (p *Provider) TerminateSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase != session.PhaseReady {
		return nil
	}
	p.gen++
	p.paired = false
	p.phase = session.PhaseDisconnected
	p.emitLocked(session.Event{Kind: session.EventSessionLost, Reason: session.ReasonExplicitLogout})
	p.log.Info("session terminated")
	return nil
}

func (p *Provider) completePairingLocked() {
	p.paired = true
	p.phase = session.PhaseReady
	p.challenge = ""
	p.emitLocked(session.Event{Kind: session.EventSessionReady, Identity: p.cfg.Identity})
	p.log.Info("pairing completed", logx.String("identity", p.cfg.Identity.DisplayName))
}

func (p *Provider) stopPairTimerLocked() {
	if p.pairTimer != nil {
		p.pairTimer.Stop()
		p.pairTimer = nil
	}
}

func (p *Provider) emitLocked(ev session.Event) {
	select {
	case p.events <- ev:
	default:
		p.log.Warn("event buffer full; dropping provider event", logx.String("kind", string(ev.Kind)))
	}
}

// failAt reports whether the n-th send (0-based) fails at the given rate.
func failAt(n uint64, rate float64) bool {
	if rate <= 0 {
		return false
	}
	return math.Floor(float64(n+1)*rate) > math.Floor(float64(n)*rate)
}

func newChallenge() string {
	var b [10]byte
	_, _ = rand.Read(b[:])
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b[:])
}
