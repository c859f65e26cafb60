package storage

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"

	logx "bulkcast/pkg/logx"
)

// Auditor is the write-only slice of Store used by services.
type Auditor interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
}

// Store is the persistence API used by the services.
type Store interface {
	Auditor
	// ListAudit returns up to limit most recent entries, oldest first.
	ListAudit(ctx context.Context, limit int) ([]AuditEntry, error)

	ListTemplates(ctx context.Context) ([]Template, error)
	GetTemplate(ctx context.Context, id string) (Template, error)
	PutTemplate(ctx context.Context, t Template) error
	// DeleteTemplate returns ErrNotFound for unknown ids.
	DeleteTemplate(ctx context.Context, id string) error

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return newMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

func sortTemplates(ts []Template) {
	slices.SortFunc(ts, func(a, b Template) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func tail[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		s = s[len(s)-limit:]
	}
	return slices.Clone(s)
}
