package observer

import (
	"encoding/json"
	"time"

	"bulkcast/internal/eventbus"
	"bulkcast/internal/templates"
)

// Server to observer message types.
const (
	MsgLifecycle        = "lifecycle"
	MsgRecipients       = "recipients"
	MsgDispatchAccepted = "dispatchAccepted"
	MsgDispatchProgress = "dispatchProgress"
	MsgDispatchResult   = "dispatchResult"
	MsgTemplateChanged  = "templateChanged"
	MsgTemplates        = "templates"
	MsgError            = "error"
)

// Observer to server actions. getStatus and sendBulk are accepted for older
// clients.
const (
	ActRequestDispatch   = "requestDispatch"
	ActRequestLogout     = "requestLogout"
	ActRequestStatus     = "requestStatus"
	ActAddTemplate       = "addTemplate"
	ActDeleteTemplate    = "deleteTemplate"
	ActListTemplates     = "listTemplates"
	ActRefreshRecipients = "refreshRecipients"
	ActRequestReconnect  = "requestReconnect"

	ActLegacyGetStatus = "getStatus"
	ActLegacySendBulk  = "sendBulk"
)

// Envelope is every server to observer frame.
type Envelope struct {
	Type string    `json:"type"`
	Data any       `json:"data,omitempty"`
	At   time.Time `json:"at"`
}

// Command is every observer to server frame.
type Command struct {
	Action string          `json:"action" validate:"required"`
	Data   json.RawMessage `json:"data,omitempty"`
}

type ErrorData struct {
	Message string `json:"message"`
	Command string `json:"command,omitempty"`
}

type dispatchData struct {
	RecipientIDs []string `json:"recipientIds"`
	Body         string   `json:"body"`
	TemplateID   string   `json:"templateId"`

	// sendBulk field names
	Recipients []string `json:"recipients"`
	Message    string   `json:"message"`
}

type addTemplateData struct {
	Name string `json:"name"`
	Body string `json:"body"`
}

type deleteTemplateData struct {
	ID string `json:"id" validate:"required"`
}

// msgTypes maps bus event types onto wire message types. Events pushed
// directly to one observer already carry their wire type.
var msgTypes = map[string]string{
	eventbus.TypeLifecycle:        MsgLifecycle,
	eventbus.TypeRecipients:       MsgRecipients,
	eventbus.TypeDispatchAccepted: MsgDispatchAccepted,
	eventbus.TypeDispatchProgress: MsgDispatchProgress,
	eventbus.TypeDispatchResult:   MsgDispatchResult,
	eventbus.TypeTemplateChanged:  MsgTemplateChanged,
	templates.TypeSnapshot:        MsgTemplates,
	MsgError:                      MsgError,
}

func toEnvelope(e eventbus.Event) (Envelope, bool) {
	t, ok := msgTypes[e.Type]
	if !ok {
		return Envelope{}, false
	}
	return Envelope{Type: t, Data: e.Data, At: e.Time}, true
}
