// Package events defines the broker's event model and the durable
// per-session journal. Every observable thing in the system is an Event
// with a per-session monotonic sequence number; the journal is the
// authoritative record and live subscribers are a cache over it.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event types recognized by the core.
const (
	TypeSessionState       = "session_state"
	TypeHeader             = "header"
	TypeOutput             = "output"
	TypeOutputFinal        = "output_final"
	TypeUserInput          = "user_input"
	TypePermissionRequest  = "permission_request"
	TypePermissionResolved = "permission_resolved"
	TypeError              = "error"
	TypeWarning            = "warning"
	TypeMetadata           = "metadata"
	TypeHeartbeat          = "heartbeat"
)

// Output kinds.
const (
	OutputKindStep   = "step"
	OutputKindFinal  = "final"
	OutputKindHeader = "header"
)

// Resolution sources for permission_resolved events.
const (
	ResolvedByUser      = "user"
	ResolvedByTimeout   = "timeout"
	ResolvedByCancelled = "cancelled"
	ResolvedByAuto      = "auto"
)

// Event is one observable occurrence on a session.
// Seq is strictly increasing and gapless per session, including across
// process restarts.
type Event struct {
	SessionID string    `json:"session_id"`
	Ts        time.Time `json:"ts"`
	Seq       int64     `json:"seq"`
	Type      string    `json:"type"`
	Data      Payload   `json:"data"`
}

// Payload is the typed data carried by an event. One variant exists per
// event type; raw JSON appears only at the HTTP boundary.
type Payload interface {
	EventType() string
}

// StatePayload carries the new state name after a transition.
type StatePayload struct {
	State string `json:"state"`
}

func (StatePayload) EventType() string { return TypeSessionState }

// HeaderPayload carries the runner identity, emitted once per start.
type HeaderPayload struct {
	Title    string `json:"title,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
	ThreadID string `json:"thread_id,omitempty"`
}

func (HeaderPayload) EventType() string { return TypeHeader }

// OutputPayload carries one chunk of agent output.
type OutputPayload struct {
	Stream    string `json:"stream,omitempty"`
	Text      string `json:"text"`
	Kind      string `json:"kind"` // step, final, header
	Final     bool   `json:"final,omitempty"`
	IsHistory bool   `json:"is_history,omitempty"`
}

func (OutputPayload) EventType() string { return TypeOutput }

// OutputFinalPayload carries the concatenated final text of a turn.
type OutputFinalPayload struct {
	Text      string `json:"text"`
	IsHistory bool   `json:"is_history,omitempty"`
}

func (OutputFinalPayload) EventType() string { return TypeOutputFinal }

// UserInputPayload carries a user-provided text.
type UserInputPayload struct {
	Text      string `json:"text"`
	IsHistory bool   `json:"is_history,omitempty"`
}

func (UserInputPayload) EventType() string { return TypeUserInput }

// PermissionRequestPayload asks whether a tool may run.
type PermissionRequestPayload struct {
	RequestID   string         `json:"request_id"`
	ToolName    string         `json:"tool_name"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
}

func (PermissionRequestPayload) EventType() string { return TypePermissionRequest }

// PermissionResolvedPayload records the answer to a permission request.
type PermissionResolvedPayload struct {
	RequestID  string `json:"request_id"`
	ResolvedBy string `json:"resolved_by"` // user, timeout, cancelled, auto
	Allowed    bool   `json:"allowed"`
	Message    string `json:"message,omitempty"`
}

func (PermissionResolvedPayload) EventType() string { return TypePermissionResolved }

// ErrorPayload carries a coded error.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (ErrorPayload) EventType() string { return TypeError }

// WarningPayload carries a coded warning.
type WarningPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (WarningPayload) EventType() string { return TypeWarning }

// MetadataPayload carries free-form key/value pairs (tokens, cost, ...).
type MetadataPayload struct {
	Values map[string]any `json:"values"`
}

func (MetadataPayload) EventType() string { return TypeMetadata }

// HeartbeatPayload is emitted at a fixed cadence while a runner is active.
type HeartbeatPayload struct {
	ElapsedS float64 `json:"elapsed_s"`
	Done     bool    `json:"done"`
}

func (HeartbeatPayload) EventType() string { return TypeHeartbeat }

// New builds an event with the current UTC timestamp. Seq is assigned by
// the store at emit time.
func New(sessionID string, data Payload) Event {
	return Event{
		SessionID: sessionID,
		Ts:        time.Now().UTC(),
		Type:      data.EventType(),
		Data:      data,
	}
}

// envelope mirrors Event with the payload left raw, for decoding.
type envelope struct {
	SessionID string          `json:"session_id"`
	Ts        time.Time       `json:"ts"`
	Seq       int64           `json:"seq"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
}

// UnmarshalJSON decodes an event, selecting the payload variant by type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Type, env.Data)
	if err != nil {
		return err
	}
	e.SessionID = env.SessionID
	e.Ts = env.Ts
	e.Seq = env.Seq
	e.Type = env.Type
	e.Data = payload
	return nil
}

func decodePayload(eventType string, raw json.RawMessage) (Payload, error) {
	var target Payload
	switch eventType {
	case TypeSessionState:
		target = &StatePayload{}
	case TypeHeader:
		target = &HeaderPayload{}
	case TypeOutput:
		target = &OutputPayload{}
	case TypeOutputFinal:
		target = &OutputFinalPayload{}
	case TypeUserInput:
		target = &UserInputPayload{}
	case TypePermissionRequest:
		target = &PermissionRequestPayload{}
	case TypePermissionResolved:
		target = &PermissionResolvedPayload{}
	case TypeError:
		target = &ErrorPayload{}
	case TypeWarning:
		target = &WarningPayload{}
	case TypeMetadata:
		target = &MetadataPayload{}
	case TypeHeartbeat:
		target = &HeartbeatPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", eventType)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", eventType, err)
		}
	}
	return deref(target), nil
}

// deref returns the value behind the pointer so payloads compare by value.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StatePayload:
		return *v
	case *HeaderPayload:
		return *v
	case *OutputPayload:
		return *v
	case *OutputFinalPayload:
		return *v
	case *UserInputPayload:
		return *v
	case *PermissionRequestPayload:
		return *v
	case *PermissionResolvedPayload:
		return *v
	case *ErrorPayload:
		return *v
	case *WarningPayload:
		return *v
	case *MetadataPayload:
		return *v
	case *HeartbeatPayload:
		return *v
	}
	return p
}

// MetadataPayload values are aggregated by the usage endpoint under
// these keys when present.
const (
	MetaInputTokens  = "input_tokens"
	MetaOutputTokens = "output_tokens"
	MetaCostUSD      = "total_cost_usd"
)
