package dispatch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/session"
	"bulkcast/internal/storage"
	logx "bulkcast/pkg/logx"
)

func (c *Coordinator) exec(ctx context.Context, j *job) {
	c.active.Store(j.ticket)
	defer c.active.Store(nil)

	c.mu.Lock()
	cfg, lim := c.cfg, c.limiter
	c.mu.Unlock()

	req := j.req
	start := c.now()
	c.log.Info("dispatch started", logx.String("request", req.ID), logx.Int("total", len(req.RecipientIDs)), logx.Int("concurrency", cfg.Concurrency), logx.Duration("queued", start.Sub(j.acceptedAt)))

	// Index-addressed: each task writes only its own slot.
	outcomes := make([]Outcome, len(req.RecipientIDs))
	gate := newReadyGate(c.session.Snapshot())

	var g errgroup.Group
	g.SetLimit(cfg.Concurrency)
	for i, rid := range req.RecipientIDs {
		g.Go(func() error {
			outcomes[i] = c.attempt(ctx, req, rid, cfg, lim, gate)
			if cfg.Progress {
				c.bus.Publish(eventbus.Event{
					Type:   eventbus.TypeDispatchProgress,
					Source: eventbus.SourceDispatch,
					Data:   Progress{RequestID: req.ID, Index: i, Total: len(outcomes), Outcome: outcomes[i]},
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	res := Result{
		RequestID:  req.ID,
		Origin:     req.Origin,
		Outcomes:   outcomes,
		Counts:     countOutcomes(outcomes),
		StartedAt:  start,
		FinishedAt: c.now(),
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchResult, Source: eventbus.SourceDispatch, Data: res})

	took := res.FinishedAt.Sub(start)
	fields := []logx.Field{
		logx.String("request", req.ID),
		logx.Int("total", len(outcomes)),
		logx.Int("sent", res.Counts.Sent),
		logx.Int("failed", res.Counts.Failed),
		logx.Duration("dur", took),
	}
	if res.Counts.Failed > 0 {
		c.log.Warn("dispatch finished with failures", fields...)
	} else {
		c.log.Info("dispatch finished", fields...)
	}
	c.recordAudit(res, took)

	c.completed.Add(1)
	j.ticket.resolve(res)
}

// attempt sends to one recipient and never panics or returns an error: every
// failure is folded into the Outcome.
func (c *Coordinator) attempt(ctx context.Context, req Request, rid string, cfg Config, lim *rate.Limiter, gate *readyGate) (out Outcome) {
	out = Outcome{RecipientID: rid}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("panic in send", logx.String("request", req.ID), logx.String("recipient", rid), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = failed(rid, fmt.Sprintf("panic: %v", r))
		}
	}()

	if !c.stillReady(ctx, gate) {
		return failed(rid, ReasonSessionUnavailable)
	}
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return failed(rid, ReasonSessionUnavailable)
		}
		// the limiter may have parked us across a session drop
		if !c.stillReady(ctx, gate) {
			return failed(rid, ReasonSessionUnavailable)
		}
	}

	var last error
	for i := 0; i <= cfg.RetryMax; i++ {
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := c.sender.Send(sctx, rid, req.Body)
		cancel()
		if err == nil {
			return Outcome{RecipientID: rid, Status: StatusSent}
		}
		last = err
		if classify(err) != ReasonTimeout || i == cfg.RetryMax || ctx.Err() != nil {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		c.log.Debug("send retry scheduled", logx.String("request", req.ID), logx.String("recipient", rid), logx.Int("attempt", i+2), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return failed(rid, classify(last))
		case <-tmr.C:
		}
	}
	c.log.Debug("send failed", logx.String("request", req.ID), logx.String("recipient", rid), logx.Err(last))
	return failed(rid, classify(last))
}

// readyGate pins a dispatch to the Ready session it started on. A session
// that dropped and came back Ready has a newer LastTransitionAt and does not
// reopen the gate.
type readyGate struct {
	since  time.Time
	closed atomic.Bool
}

func newReadyGate(st session.State) *readyGate {
	g := &readyGate{since: st.LastTransitionAt}
	if !st.Ready() {
		g.closed.Store(true)
	}
	return g
}

// stillReady closes the gate for good once the pinned session is gone, so
// no later task of the same request starts a send.
func (c *Coordinator) stillReady(ctx context.Context, gate *readyGate) bool {
	if gate.closed.Load() {
		return false
	}
	st := c.session.Snapshot()
	if ctx.Err() != nil || !st.Ready() || !st.LastTransitionAt.Equal(gate.since) {
		gate.closed.Store(true)
		return false
	}
	return true
}

func classify(err error) string {
	switch {
	case errors.Is(err, session.ErrInvalidRecipient):
		return ReasonInvalidRecipient
	case errors.Is(err, session.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	case errors.Is(err, session.ErrProviderUnavailable):
		return ReasonProviderUnavailable
	default:
		return err.Error()
	}
}

func failed(rid, reason string) Outcome {
	return Outcome{RecipientID: rid, Status: StatusFailed, FailureReason: reason}
}

func countOutcomes(outcomes []Outcome) Counts {
	sent := lo.CountBy(outcomes, func(o Outcome) bool { return o.Status == StatusSent })
	return Counts{Sent: sent, Failed: len(outcomes) - sent}
}

func (c *Coordinator) recordAudit(res Result, took time.Duration) {
	if c.audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.audit.AppendAudit(ctx, storage.AuditEntry{
		At:     res.FinishedAt,
		Kind:   storage.AuditDispatch,
		Ref:    res.RequestID,
		Actor:  res.Origin,
		OK:     res.Counts.Sent,
		Fail:   res.Counts.Failed,
		TookMS: took.Milliseconds(),
	})
	if err != nil {
		c.log.Warn("audit append failed", logx.String("request", res.RequestID), logx.Err(err))
	}
}
