package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"bulkcast/internal/dispatch"
	"bulkcast/internal/templates"
	logx "bulkcast/pkg/logx"
)

var validate = validator.New()

var errUnknownAction = errors.New("unknown action")

// Handle executes one raw command frame from o. Failures are reported to o
// only; Handle never returns them.
func (r *Registry) Handle(ctx context.Context, o *Observer, raw []byte) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		o.pushError("", fmt.Errorf("malformed command: %w", err))
		return
	}
	if err := validate.Struct(cmd); err != nil {
		o.pushError("", errors.New("malformed command: action is required"))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.CommandTimeout)
	defer cancel()

	if err := r.exec(ctx, o, cmd); err != nil {
		r.log.Debug("observer command failed",
			logx.String("observer", o.ID),
			logx.String("action", cmd.Action),
			logx.Err(err),
		)
		o.pushError(cmd.Action, err)
	}
}

func (r *Registry) exec(ctx context.Context, o *Observer, cmd Command) error {
	switch cmd.Action {
	case ActRequestDispatch, ActLegacySendBulk:
		var d dispatchData
		if err := decode(cmd.Data, &d); err != nil {
			return err
		}
		return r.requestDispatch(ctx, o, d)

	case ActRequestStatus, ActLegacyGetStatus:
		if !o.sub.Replay() {
			return errors.New("status snapshot dropped: observer queue full")
		}
		return nil

	case ActRequestLogout:
		return r.lifecycle.Logout(ctx)

	case ActRequestReconnect:
		return r.lifecycle.Reconnect(ctx)

	case ActRefreshRecipients:
		return r.lifecycle.Refresh(ctx)

	case ActListTemplates:
		o.push(MsgTemplates, r.templates.SnapshotEvent().Data)
		return nil

	case ActAddTemplate:
		var d addTemplateData
		if err := decode(cmd.Data, &d); err != nil {
			return err
		}
		_, err := r.templates.Add(ctx, o.ID, d.Name, d.Body)
		return err

	case ActDeleteTemplate:
		var d deleteTemplateData
		if err := decode(cmd.Data, &d); err != nil {
			return err
		}
		if err := validate.Struct(d); err != nil {
			return errors.New("template id is required")
		}
		return r.templates.Delete(ctx, o.ID, d.ID)

	default:
		return fmt.Errorf("%w %q", errUnknownAction, cmd.Action)
	}
}

func (r *Registry) requestDispatch(ctx context.Context, o *Observer, d dispatchData) error {
	ids := d.RecipientIDs
	if len(ids) == 0 {
		ids = d.Recipients
	}
	body := d.Body
	if body == "" {
		body = d.Message
	}
	if strings.TrimSpace(body) == "" && d.TemplateID != "" {
		t, err := r.templates.Get(ctx, d.TemplateID)
		if err != nil {
			if errors.Is(err, templates.ErrNotFound) {
				return fmt.Errorf("template %q not found", d.TemplateID)
			}
			return err
		}
		body = t.Body
	}

	_, err := r.dispatcher.Submit(dispatch.Request{
		RecipientIDs: ids,
		Body:         body,
		Origin:       o.ID,
	})
	return err
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("malformed command data: %w", err)
	}
	return nil
}
