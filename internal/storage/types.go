package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrNotFound = errors.New("not found")
)

// Config configures storage.
//
// Driver values:
//   - "memory" (or empty): nothing survives a restart
//   - "file": Path is a file prefix; sibling files are derived from it
//   - "sqlite": Path is the database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

type AuditKind string

const (
	AuditDispatch       AuditKind = "dispatch"
	AuditLogout         AuditKind = "logout"
	AuditTemplateAdd    AuditKind = "template.add"
	AuditTemplateDelete AuditKind = "template.delete"
)

// AuditEntry records an operator action.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At     time.Time `json:"at"`
	Kind   AuditKind `json:"kind"`
	Ref    string    `json:"ref,omitempty"`   // request or template id
	Actor  string    `json:"actor,omitempty"` // observer id
	OK     int       `json:"ok,omitempty"`
	Fail   int       `json:"fail,omitempty"`
	TookMS int64     `json:"tookMs,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Template is a stored message body.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
