// Package claudewire provides types and a client for the newline-
// delimited JSON protocol spoken by the per-turn agent child process.
// The parent sends a single start command on stdin and then reacts to
// permission requests; the child streams everything it does on stdout.
package claudewire

import "encoding/json"

// Command types sent to the child on stdin.
const (
	CommandStart              = "start"
	CommandPermissionResponse = "permission_response"
	CommandStop               = "stop"
)

// Message types emitted by the child on stdout.
const (
	MessageTypeInit              = "init"
	MessageTypeOutput            = "output"
	MessageTypePermissionRequest = "permission_request"
	MessageTypeResult            = "result"
	MessageTypeHeartbeat         = "heartbeat"
	MessageTypeStderr            = "stderr"
	MessageTypeError             = "error"
)

// Permission behaviors.
const (
	BehaviorAllow = "allow"
	BehaviorDeny  = "deny"
)

// Command is a message written to the child's stdin. The type determines
// which fields are populated.
type Command struct {
	Type string `json:"type"`

	// For start commands
	Prompt          string `json:"prompt,omitempty"`
	Directory       string `json:"directory,omitempty"`
	ApprovalMode    string `json:"approval_mode,omitempty"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`

	// For permission_response commands
	RequestID    string         `json:"request_id,omitempty"`
	Behavior     string         `json:"behavior,omitempty"`
	Message      string         `json:"message,omitempty"`
	UpdatedInput map[string]any `json:"updated_input,omitempty"`
}

// ChildMessage is one line of the child's stdout stream. The type
// determines which fields are populated.
type ChildMessage struct {
	Type string `json:"type"`

	// For init messages: the child's own session identity.
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`

	// For output messages
	Blocks []ContentBlock `json:"blocks,omitempty"`

	// For permission_request messages
	RequestID   string         `json:"request_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`

	// For result messages
	Text         string  `json:"text,omitempty"`
	IsError      bool    `json:"is_error,omitempty"`
	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
	DurationMS   int64   `json:"duration_ms,omitempty"`

	// For heartbeat messages
	ElapsedS float64 `json:"elapsed_s,omitempty"`

	// For stderr messages
	Line string `json:"line,omitempty"`

	// For error messages
	Code    string `json:"code,omitempty"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`

	// Raw line for advanced parsing if needed.
	Raw json.RawMessage `json:"-"`
}

// Block types inside an output message.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one block of an output emission.
type ContentBlock struct {
	Type string `json:"type"`

	// For text blocks
	Text string `json:"text,omitempty"`

	// For thinking blocks
	Thinking string `json:"thinking,omitempty"`

	// For tool_use blocks
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// For tool_result blocks
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}
