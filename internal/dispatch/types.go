package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"bulkcast/internal/session"
)

var (
	ErrNotReady   = errors.New("session not ready")
	ErrQueueFull  = errors.New("dispatch queue full")
	ErrNotRunning = errors.New("dispatch coordinator not running")
)

// Failure reasons recorded in Outcome.FailureReason. Provider errors that do
// not match a known class are recorded verbatim.
const (
	ReasonSessionUnavailable  = "sessionUnavailable"
	ReasonInvalidRecipient    = "InvalidRecipient"
	ReasonTimeout             = "Timeout"
	ReasonProviderUnavailable = "ProviderUnavailable"
)

type Config struct {
	QueueSize   int
	Concurrency int
	RatePerSec  int // <= 0 disables rate limiting
	SendTimeout time.Duration
	RetryMax    int // retries of timed out sends
	Progress    bool
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	return c
}

// Request is one bulk send. ID is assigned on acceptance.
type Request struct {
	ID           string   `json:"requestId,omitempty"`
	RecipientIDs []string `json:"recipientIds" validate:"required,min=1,dive,notblank"`
	Body         string   `json:"body" validate:"notblank"`
	Origin       string   `json:"origin,omitempty"`
}

type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

type Outcome struct {
	RecipientID   string `json:"recipientId"`
	Status        Status `json:"status"`
	FailureReason string `json:"failureReason,omitempty"`
}

type Counts struct {
	Sent   int `json:"sent"`
	Failed int `json:"failed"`
}

// Result is the immutable summary of one request; Outcomes follow the
// request's RecipientIDs order.
type Result struct {
	RequestID  string    `json:"requestId"`
	Origin     string    `json:"origin,omitempty"`
	Outcomes   []Outcome `json:"outcomes"`
	Counts     Counts    `json:"counts"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Accepted is published once a request is queued, before any of its
// progress or result events.
type Accepted struct {
	RequestID string `json:"requestId"`
	Total     int    `json:"total"`
	Origin    string `json:"origin,omitempty"`
}

// Progress is published per recipient when Config.Progress is set.
type Progress struct {
	RequestID string  `json:"requestId"`
	Index     int     `json:"index"`
	Total     int     `json:"total"`
	Outcome   Outcome `json:"outcome"`
}

// ValidationError is a synchronous rejection of a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid dispatch request: %s %s", e.Field, e.Reason)
}

// SessionReader exposes the current lifecycle snapshot.
type SessionReader interface {
	Snapshot() session.State
}

// Sender is the slice of session.Provider the coordinator uses.
type Sender interface {
	Send(ctx context.Context, recipientID, body string) error
}

// Ticket tracks an accepted request until its Result is emitted.
type Ticket struct {
	ID    string
	Total int

	done   chan struct{}
	result Result
}

func newTicket(id string, total int) *Ticket {
	return &Ticket{ID: id, Total: total, done: make(chan struct{})}
}

func (t *Ticket) resolve(r Result) {
	t.result = r
	close(t.done)
}

// Done is closed once the result is available.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Wait blocks until the request completes or ctx is done.
func (t *Ticket) Wait(ctx context.Context) (Result, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type job struct {
	req        Request
	ticket     *Ticket
	acceptedAt time.Time
}
