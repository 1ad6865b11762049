package external

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferrydev/ferry/internal/common/errors"
)

// maxScanLine bounds one JSONL record while parsing session files.
const maxScanLine = 10 * 1024 * 1024

// ClaudeScanner parses the claude CLI's session store. Sessions live at
// <root>/<escaped-project-path>/<session-id>.jsonl, one JSON record per
// line with user, assistant and bookkeeping record types.
type ClaudeScanner struct {
	root string
	proc ProcessScanner
}

func NewClaudeScanner(root string, proc ProcessScanner) *ClaudeScanner {
	if proc == nil {
		proc = ProcScanner{}
	}
	return &ClaudeScanner{root: root, proc: proc}
}

func (s *ClaudeScanner) RunnerType() string { return RunnerTypeClaude }

// claudeRecord is one line of a session file. Bookkeeping records
// (summary, system) carry no message.
type claudeRecord struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId"`
	CWD       string         `json:"cwd"`
	IsMeta    bool           `json:"isMeta"`
	Timestamp time.Time      `json:"timestamp"`
	Message   *claudeMessage `json:"message"`
}

// claudeMessage content is either a plain string or a block array.
type claudeMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type claudeBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text"`
	Thinking string `json:"thinking"`
}

func (s *ClaudeScanner) List(ctx context.Context, directory string) ([]Summary, error) {
	projects, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "reading claude projects dir")
	}

	var out []Summary
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		files, err := filepath.Glob(filepath.Join(s.root, project.Name(), "*.jsonl"))
		if err != nil {
			continue
		}
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			detail, err := s.parseFile(file)
			if err != nil || detail == nil {
				continue
			}
			if directory != "" && detail.Directory != directory {
				continue
			}
			out = append(out, detail.Summary)
		}
	}
	return out, nil
}

func (s *ClaudeScanner) Detail(ctx context.Context, id string) (*Detail, error) {
	projects, err := os.ReadDir(s.root)
	if err != nil {
		return nil, errors.NotFound("external_session", id)
	}
	for _, project := range projects {
		if !project.IsDir() {
			continue
		}
		path := filepath.Join(s.root, project.Name(), id+".jsonl")
		if _, err := os.Stat(path); err != nil {
			continue
		}
		detail, err := s.parseFile(path)
		if err != nil {
			return nil, err
		}
		if detail == nil {
			break
		}
		return detail, nil
	}
	return nil, errors.NotFound("external_session", id)
}

// parseFile reads one session file into a Detail. Returns nil when the
// file holds no usable messages.
func (s *ClaudeScanner) parseFile(path string) (*Detail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening claude session file")
	}
	defer f.Close()

	detail := &Detail{Summary: Summary{
		ID:         strings.TrimSuffix(filepath.Base(path), ".jsonl"),
		RunnerType: RunnerTypeClaude,
	}}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec claudeRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !rec.Timestamp.IsZero() {
			detail.LastActivity = rec.Timestamp
		}
		if rec.CWD != "" {
			detail.Directory = rec.CWD
		}
		if rec.SessionID != "" {
			detail.ID = rec.SessionID
		}
		if rec.IsMeta || rec.Message == nil {
			continue
		}

		switch rec.Type {
		case "user":
			text, _ := claudeContent(rec.Message.Content)
			if text == "" || isSynthesized(text) {
				continue
			}
			detail.Messages = append(detail.Messages, Message{
				Role: RoleUser, Content: text, Timestamp: rec.Timestamp,
			})
			if detail.FirstPrompt == "" {
				detail.FirstPrompt = text
			}
			detail.LastPrompt = text
		case "assistant":
			text, thinking := claudeContent(rec.Message.Content)
			if text == "" && thinking == "" {
				continue
			}
			detail.Messages = append(detail.Messages, Message{
				Role: RoleAssistant, Content: text, Thinking: thinking, Timestamp: rec.Timestamp,
			})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading claude session file")
	}
	if len(detail.Messages) == 0 {
		return nil, nil
	}
	if detail.LastActivity.IsZero() {
		if info, err := os.Stat(path); err == nil {
			detail.LastActivity = info.ModTime().UTC()
		}
	}
	detail.MessageCount = len(detail.Messages)
	detail.IsRunning = s.proc.IsRunning(detail.ID)
	return detail, nil
}

// claudeContent extracts display text and thinking from a message
// content value, skipping tool_use arguments and tool_result bodies.
func claudeContent(raw json.RawMessage) (text, thinking string) {
	if len(raw) == 0 {
		return "", ""
	}
	if raw[0] == '"' {
		var s string
		if json.Unmarshal(raw, &s) == nil {
			return s, ""
		}
		return "", ""
	}

	var blocks []claudeBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", ""
	}
	var texts, thoughts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				texts = append(texts, b.Text)
			}
		case "thinking":
			if b.Thinking != "" {
				thoughts = append(thoughts, b.Thinking)
			}
		}
	}
	return strings.Join(texts, "\n"), strings.Join(thoughts, "\n")
}

// isSynthesized reports CLI-injected pseudo-prompts (command wrappers,
// environment context) that are not real user input.
func isSynthesized(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "<")
}
