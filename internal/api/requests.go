// Package api provides the HTTP surface of the broker: session CRUD,
// turn control, the external-agent push channel, event polling and the
// SSE stream.
package api

import "github.com/ferrydev/ferry/internal/events"

// CreateSessionRequest creates a session record. Nothing starts until
// /start.
type CreateSessionRequest struct {
	Directory   string `json:"directory"`
	BaseRef     string `json:"base_ref"`
	Adapter     string `json:"adapter"`
	AgentName   string `json:"agent_name"`
	SessionName string `json:"session_name"`
	Platform    string `json:"platform"`
}

// StartSessionRequest begins a turn. ApprovalChoice indexes the
// approval modes (0=interactive, 1=accept-edits, 2=bypass); nil keeps
// the session's current mode.
type StartSessionRequest struct {
	Prompt         string `json:"prompt"`
	ApprovalChoice *int   `json:"approval_choice"`
}

// InputRequest delivers user text to a session.
type InputRequest struct {
	Text string `json:"text" binding:"required"`
}

// PermissionRequest answers a pending permission request.
type PermissionRequest struct {
	RequestID    string         `json:"request_id" binding:"required"`
	Allow        bool           `json:"allow"`
	Message      string         `json:"message"`
	UpdatedInput map[string]any `json:"updated_input"`
}

// PushEventRequest is the external-agent push channel: agents without a
// runner adapter report their own progress here.
type PushEventRequest struct {
	Type string         `json:"type" binding:"required"`
	Data map[string]any `json:"data"`
}

// AttachRequest adopts an external CLI session into the broker.
type AttachRequest struct {
	ExternalID string `json:"external_id" binding:"required"`
	RunnerType string `json:"runner_type"`
	Directory  string `json:"directory"`
}

// EventsResponse wraps a poll result.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	Total  int            `json:"total"`
}

// SyncResponse reports how many history events a sync emitted.
type SyncResponse struct {
	Emitted int `json:"emitted"`
}
