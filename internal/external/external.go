// Package external discovers sessions kept on disk by agent CLIs,
// parses their history, and adopts them into core sessions (attach) or
// re-reads them for new messages (sync).
package external

import (
	"context"
	"time"
)

// Runner types with on-disk session stores.
const (
	RunnerTypeClaude = "claude"
	RunnerTypeCodex  = "codex"
)

// Message roles in parsed external history.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Summary is the uniform record produced by scanning one on-disk
// session.
type Summary struct {
	ID           string    `json:"id"`
	RunnerType   string    `json:"runner_type"`
	Directory    string    `json:"directory"`
	FirstPrompt  string    `json:"first_prompt"`
	LastPrompt   string    `json:"last_prompt"`
	LastActivity time.Time `json:"last_activity"`
	MessageCount int       `json:"message_count"`
	IsRunning    bool      `json:"is_running"`
}

// Message is one parsed history entry. Tool invocation arguments and
// raw tool result bodies are dropped during parsing; Thinking carries
// the reasoning text when the backend records it.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Thinking  string    `json:"thinking,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Detail is a summary plus the full parsed history.
type Detail struct {
	Summary
	Messages []Message `json:"messages"`
}

// Scanner parses one backend's on-disk session store. Implementations
// are passive: they never write to the scanned files.
type Scanner interface {
	RunnerType() string

	// List summarizes sessions, optionally filtered to one working
	// directory.
	List(ctx context.Context, directory string) ([]Summary, error)

	// Detail parses the full history of one session. Returns a
	// not-found error when no session file carries the id.
	Detail(ctx context.Context, id string) (*Detail, error)
}
