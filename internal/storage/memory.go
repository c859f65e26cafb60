package storage

import (
	"context"
	"sync"
	"time"
)

const memoryAuditMax = 1000

type memoryStore struct {
	mu        sync.RWMutex
	closed    bool
	templates map[string]Template
	audit     []AuditEntry
}

func newMemory() *memoryStore {
	return &memoryStore{templates: map[string]Template{}}
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	if len(s.audit) > memoryAuditMax {
		s.audit = append(s.audit[:0:0], s.audit[len(s.audit)-memoryAuditMax:]...)
	}
	return nil
}

func (s *memoryStore) ListAudit(_ context.Context, limit int) ([]AuditEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	return tail(s.audit, limit), nil
}

func (s *memoryStore) ListTemplates(context.Context) ([]Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]Template, 0, len(s.templates))
	for _, t := range s.templates {
		out = append(out, t)
	}
	sortTemplates(out)
	return out, nil
}

func (s *memoryStore) GetTemplate(_ context.Context, id string) (Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Template{}, ErrClosed
	}
	t, ok := s.templates[id]
	if !ok {
		return Template{}, ErrNotFound
	}
	return t, nil
}

func (s *memoryStore) PutTemplate(_ context.Context, t Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.templates[t.ID] = t
	return nil
}

func (s *memoryStore) DeleteTemplate(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.templates[id]; !ok {
		return ErrNotFound
	}
	delete(s.templates, id)
	return nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
