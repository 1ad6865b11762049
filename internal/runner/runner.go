// Package runner defines the uniform protocol between the core and the
// backend-specific adapters that drive agent turns. A runner owns its
// transport (child process, sidecar HTTP, provider API) and reports
// everything observable through a Sink. Sink callbacks are always
// invoked without the session lock held; they acquire it themselves.
package runner

import (
	"context"
)

// StartOptions carries everything a runner needs to begin a turn from a
// clean state.
type StartOptions struct {
	SessionID string
	Prompt    string
	Directory string

	// ApprovalMode is one of interactive, accept-edits, bypass.
	ApprovalMode string

	// ResumeSessionID is the currently bound external session id, passed
	// as the resume hint. Empty means start fresh.
	ResumeSessionID string
}

// Runner drives one backend variant on behalf of core sessions.
type Runner interface {
	// Start begins a turn. It returns once the turn is dispatched; turn
	// progress arrives through the sink.
	Start(ctx context.Context, opts StartOptions) error

	// SendInput delivers follow-up text. Implementations either start a
	// new turn immediately or queue the text if a turn is in flight.
	SendInput(ctx context.Context, sessionID, text string) error

	// Stop interrupts the active turn. It does not destroy the session
	// from the runner's point of view. The exit code, when known, is
	// reported through OnExit.
	Stop(ctx context.Context, sessionID string) error

	// UpdatePermissionMode adjusts approval policy mid-session.
	UpdatePermissionMode(ctx context.Context, sessionID, mode string) error
}

// Header is the runner identity reported once per start.
type Header struct {
	Title    string
	Model    string
	Provider string

	// ThreadID is the external agent's own session id, used for
	// identity binding.
	ThreadID string
}

// Output is one chunk of agent output.
type Output struct {
	Stream string
	Text   string
	Kind   string // step, final, header
	Final  bool
}

// PermissionRequest asks whether a tool may run.
type PermissionRequest struct {
	RequestID   string
	ToolName    string
	ToolInput   map[string]any
	Suggestions []string
}

// PermissionDecision is the answer a runner receives for a request.
type PermissionDecision struct {
	Allow        bool
	ResolvedBy   string // user, timeout, cancelled, auto
	Message      string
	UpdatedInput map[string]any
}

// PermissionResolution reports a resolution the runner observed itself
// (sidecars may auto-resolve on their side).
type PermissionResolution struct {
	RequestID  string
	ResolvedBy string
	Allowed    bool
	Message    string
}

// Queue exposes the per-session pending-input FIFO and stop latch owned
// by the store. Adapters consult it at turn boundaries: stop latch set
// means the boundary is an exit, queued text means an immediate respawn.
type Queue interface {
	Push(sessionID, text string)
	Pop(sessionID string) (string, bool)
	StopRequested(sessionID string) bool
	SetStopRequested(sessionID string, v bool)
}

// Sink receives everything a runner observes. Implementations translate
// callbacks into pipeline events and state transitions.
type Sink interface {
	OnHeader(sessionID string, h Header)
	OnOutput(sessionID string, out Output)
	OnMetadata(sessionID string, values map[string]any)
	OnHeartbeat(sessionID string, elapsedS float64, done bool)

	// OnPermissionRequest installs a one-shot and returns the channel
	// the decision arrives on. The channel always yields exactly one
	// value (a timeout or cancellation counts as a deny).
	OnPermissionRequest(sessionID string, req PermissionRequest) <-chan PermissionDecision

	OnPermissionResolved(sessionID string, res PermissionResolution)
	OnError(sessionID string, code, message string)

	// OnExit reports the end of the runner's ownership of the session.
	OnExit(sessionID string, exitCode *int)

	// OnAwaitingInput reports a natural turn boundary with no stop
	// requested and no queued input.
	OnAwaitingInput(sessionID string)
}
