// Package session defines the core session entity, its lifecycle state
// machine, and the store that owns all per-session runtime resources.
package session

import (
	"time"
)

// State is the lifecycle state of a session.
type State string

const (
	StateCreated       State = "CREATED"
	StateRunning       State = "RUNNING"
	StateAwaitingInput State = "AWAITING_INPUT"
	StateInterrupting  State = "INTERRUPTING"
	StateError         State = "ERROR"
)

// Valid reports whether s is one of the known lifecycle states.
func (s State) Valid() bool {
	switch s {
	case StateCreated, StateRunning, StateAwaitingInput, StateInterrupting, StateError:
		return true
	}
	return false
}

// Active reports whether a runner currently owns the session.
// While active, no second runner may be started and the session
// cannot be deleted.
func (s State) Active() bool {
	return s == StateRunning || s == StateInterrupting
}

// ApprovalMode controls how tool permission requests are answered.
type ApprovalMode string

const (
	ApprovalInteractive ApprovalMode = "interactive"
	ApprovalAcceptEdits ApprovalMode = "accept-edits"
	ApprovalBypass      ApprovalMode = "bypass"
)

// Valid reports whether m is a known approval mode.
func (m ApprovalMode) Valid() bool {
	switch m {
	case ApprovalInteractive, ApprovalAcceptEdits, ApprovalBypass:
		return true
	}
	return false
}

// Session is the central entity: an immutable identity plus a mutable
// lifecycle. The store is the only component allowed to mutate State,
// StartedAt and EndedAt (via the state machine), and RunnerSessionID
// (via the narrow binding operations).
type Session struct {
	ID    string `json:"id" db:"id"`
	State State  `json:"state" db:"state"`

	// Directory is the working directory presented to the runner.
	// Set at creation or attach, stable thereafter.
	Directory string `json:"directory" db:"directory"`

	// BaseRef is the git ref the caller wants the work based on. Stored
	// for bridges and runners that care; the broker itself does not
	// check it out.
	BaseRef string `json:"base_ref,omitempty" db:"base_ref"`

	// Adapter names the runner variant that drives this session.
	Adapter string `json:"adapter" db:"adapter"`

	// RunnerSessionID is the external agent's own session identifier.
	// Monotonically bound; see Store.SetRunnerSessionID and
	// Store.ReplaceRunnerSessionID for the binding rules.
	RunnerSessionID string `json:"runner_session_id,omitempty" db:"runner_session_id"`

	// ApprovalMode is persisted so it survives restarts.
	ApprovalMode ApprovalMode `json:"approval_mode" db:"approval_mode"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`

	Name         string `json:"name,omitempty" db:"name"`
	Summary      string `json:"summary,omitempty" db:"summary"`
	ExitCode     *int   `json:"exit_code,omitempty" db:"exit_code"`
	RunnerHeader string `json:"runner_header,omitempty" db:"runner_header"`

	// Optional binding to a bridge thread. Set at most once.
	Platform         string `json:"platform,omitempty" db:"platform"`
	PlatformThreadID string `json:"platform_thread_id,omitempty" db:"platform_thread_id"`
}

// Clone returns a shallow copy with pointer timestamps duplicated, so
// callers can hand sessions across goroutines without aliasing.
func (s *Session) Clone() *Session {
	cp := *s
	if s.StartedAt != nil {
		t := *s.StartedAt
		cp.StartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		cp.EndedAt = &t
	}
	if s.ExitCode != nil {
		c := *s.ExitCode
		cp.ExitCode = &c
	}
	return &cp
}
