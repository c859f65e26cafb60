package session

import (
	"context"
	"errors"
)

var (
	ErrProviderUnavailable = errors.New("provider unavailable")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrTimeout             = errors.New("timeout")
)

type EventKind string

const (
	EventPairingIssued EventKind = "pairing_issued"
	EventSessionReady  EventKind = "session_ready"
	EventSessionLost   EventKind = "session_lost"
)

// Event is a lifecycle signal emitted by a Provider.
type Event struct {
	Kind      EventKind
	Challenge string     // pairing_issued
	Identity  Identity   // session_ready
	Reason    LostReason // session_lost
}

// InitOptions tweak (re)initialization.
type InitOptions struct {
	// FreshPairing discards any stored credentials so a new pairing challenge is issued.
	FreshPairing bool
}

// Provider is the external messaging account.
//
// Initialize is asynchronous: its outcome arrives as Events. Send is expected
// to fail with ErrInvalidRecipient or ErrTimeout where it can tell; any other
// error is reported verbatim. Providers represent a single account and may
// serialize sends internally.
type Provider interface {
	Initialize(ctx context.Context, opts InitOptions) error
	Events() <-chan Event
	ListRecipients(ctx context.Context) ([]Recipient, error)
	Send(ctx context.Context, recipientID, body string) error
	TerminateSession(ctx context.Context) error
}
