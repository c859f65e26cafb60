// Package templates manages reusable message bodies on top of storage.
package templates

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/google/uuid"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/storage"
	logx "bulkcast/pkg/logx"
)

var ErrNotFound = errors.New("template not found")

const (
	OpAdded   = "added"
	OpDeleted = "deleted"
)

// Template is a stored message body. ID and CreatedAt never change.
type Template = storage.Template

// TypeSnapshot is the event type of a full template list.
const TypeSnapshot = "templates"

// List is the payload of a TypeSnapshot event.
type List struct {
	List []Template `json:"list"`
}

// Changed is the payload of a template.changed event. Template is set for
// additions, ID for deletions.
type Changed struct {
	Op       string    `json:"op"`
	Template *Template `json:"template,omitempty"`
	ID       string    `json:"id,omitempty"`
}

type addInput struct {
	Name string `validate:"notblank,max=200"`
	Body string `validate:"notblank,max=4096"`
}

var validate = func() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}()

// Service keeps an in-memory copy of the stored list so attach snapshots
// never hit the store. Mutations are serialized; the cache is updated before
// the change is published.
type Service struct {
	mu    sync.Mutex
	cache atomic.Pointer[[]Template]

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	now   func() time.Time
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	s := &Service{store: store, bus: bus, log: log.Named("templates"), now: time.Now}
	s.cache.Store(&[]Template{})
	return s
}

// Load fills the cache from the store.
func (s *Service) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list, err := s.store.ListTemplates(ctx)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	s.cache.Store(&list)
	s.log.Debug("templates loaded", logx.Int("count", len(list)))
	return nil
}

// Snapshot returns the cached list, oldest first.
func (s *Service) Snapshot() []Template {
	return slices.Clone(*s.cache.Load())
}

// SnapshotEvent is the templates part of an observer attach snapshot.
func (s *Service) SnapshotEvent() eventbus.Event {
	return eventbus.Event{Type: TypeSnapshot, Source: eventbus.SourceTemplates, Data: List{List: s.Snapshot()}}
}

// Add stores a new template. actor is recorded in the audit log.
func (s *Service) Add(ctx context.Context, actor, name, body string) (Template, error) {
	name = strings.TrimSpace(name)
	if err := validate.Struct(addInput{Name: name, Body: body}); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return Template{}, fmt.Errorf("invalid template: %s %s", strings.ToLower(verrs[0].Field()), describe(verrs[0].Tag()))
		}
		return Template{}, err
	}

	t := Template{ID: uuid.NewString(), Name: name, Body: body, CreatedAt: s.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.PutTemplate(ctx, t); err != nil {
		return Template{}, fmt.Errorf("store template: %w", err)
	}
	next := append(s.Snapshot(), t)
	s.cache.Store(&next)
	s.log.Info("template added", logx.String("id", t.ID), logx.String("name", t.Name))
	s.audit(ctx, storage.AuditEntry{Kind: storage.AuditTemplateAdd, Ref: t.ID, Actor: actor})

	cp := t
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTemplateChanged, Source: eventbus.SourceTemplates, Data: Changed{Op: OpAdded, Template: &cp}})
	return t, nil
}

// Delete permanently removes a template.
func (s *Service) Delete(ctx context.Context, actor, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("invalid template: id must not be blank")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.store.DeleteTemplate(ctx, id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete template: %w", err)
	}
	next := slices.DeleteFunc(s.Snapshot(), func(t Template) bool { return t.ID == id })
	s.cache.Store(&next)
	s.log.Info("template deleted", logx.String("id", id))
	s.audit(ctx, storage.AuditEntry{Kind: storage.AuditTemplateDelete, Ref: id, Actor: actor})
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeTemplateChanged, Source: eventbus.SourceTemplates, Data: Changed{Op: OpDeleted, ID: id}})
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (Template, error) {
	t, err := s.store.GetTemplate(ctx, strings.TrimSpace(id))
	if errors.Is(err, storage.ErrNotFound) {
		return Template{}, ErrNotFound
	}
	return t, err
}

// List returns all templates from the store, oldest first.
func (s *Service) List(ctx context.Context) ([]Template, error) {
	return s.store.ListTemplates(ctx)
}

func (s *Service) audit(ctx context.Context, e storage.AuditEntry) {
	e.At = s.now()
	if err := s.store.AppendAudit(context.WithoutCancel(ctx), e); err != nil {
		s.log.Warn("audit append failed", logx.String("kind", string(e.Kind)), logx.Err(err))
	}
}

func describe(tag string) string {
	switch tag {
	case "notblank":
		return "must not be blank"
	case "max":
		return "is too long"
	default:
		return "is invalid"
	}
}
