package external

import (
	"bufio"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ferrydev/ferry/internal/common/errors"
)

// CodexScanner parses the codex CLI's rollout files. Sessions live at
// <root>/YYYY/MM/DD/rollout-<ts>-<id>.jsonl; the first record is a
// session_meta envelope, the rest are response items.
type CodexScanner struct {
	root string
	proc ProcessScanner
}

func NewCodexScanner(root string, proc ProcessScanner) *CodexScanner {
	if proc == nil {
		proc = ProcScanner{}
	}
	return &CodexScanner{root: root, proc: proc}
}

func (s *CodexScanner) RunnerType() string { return RunnerTypeCodex }

// codexRecord is one envelope line of a rollout file.
type codexRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      string          `json:"type"` // session_meta, response_item, event_msg
	Payload   json.RawMessage `json:"payload"`
}

type codexMeta struct {
	ID  string `json:"id"`
	CWD string `json:"cwd"`
}

// codexItem is a response_item payload. Only message and reasoning
// items contribute to history; function calls and their outputs are
// skipped.
type codexItem struct {
	Type    string       `json:"type"`
	Role    string       `json:"role"`
	Content []codexBlock `json:"content"`
	Summary []codexBlock `json:"summary"`
}

type codexBlock struct {
	Type string `json:"type"` // input_text, output_text, summary_text
	Text string `json:"text"`
}

func (s *CodexScanner) List(ctx context.Context, directory string) ([]Summary, error) {
	var out []Summary
	err := s.walkRollouts(func(path string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		detail, err := s.parseFile(path)
		if err != nil || detail == nil {
			return nil
		}
		if directory != "" && detail.Directory != directory {
			return nil
		}
		out = append(out, detail.Summary)
		return nil
	})
	return out, err
}

func (s *CodexScanner) Detail(ctx context.Context, id string) (*Detail, error) {
	var found *Detail
	err := s.walkRollouts(func(path string) error {
		if found != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		metaID, err := s.peekSessionID(path)
		if err != nil || metaID != id {
			return nil
		}
		detail, err := s.parseFile(path)
		if err != nil {
			return err
		}
		found = detail
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, errors.NotFound("external_session", id)
	}
	return found, nil
}

// walkRollouts visits every rollout file under the root, tolerating a
// missing directory.
func (s *CodexScanner) walkRollouts(fn func(path string) error) error {
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, "rollout-") || !strings.HasSuffix(name, ".jsonl") {
			return nil
		}
		return fn(path)
	})
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// peekSessionID decodes only the session_meta line.
func (s *CodexScanner) peekSessionID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	if !scanner.Scan() {
		return "", scanner.Err()
	}
	var rec codexRecord
	if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
		return "", err
	}
	if rec.Type != "session_meta" {
		return "", nil
	}
	var meta codexMeta
	if err := json.Unmarshal(rec.Payload, &meta); err != nil {
		return "", err
	}
	return meta.ID, nil
}

func (s *CodexScanner) parseFile(path string) (*Detail, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening codex rollout file")
	}
	defer f.Close()

	detail := &Detail{Summary: Summary{RunnerType: RunnerTypeCodex}}
	pendingThinking := ""

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxScanLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec codexRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if !rec.Timestamp.IsZero() {
			detail.LastActivity = rec.Timestamp
		}

		switch rec.Type {
		case "session_meta":
			var meta codexMeta
			if json.Unmarshal(rec.Payload, &meta) == nil {
				detail.ID = meta.ID
				detail.Directory = meta.CWD
			}
		case "response_item":
			var item codexItem
			if err := json.Unmarshal(rec.Payload, &item); err != nil {
				continue
			}
			switch item.Type {
			case "reasoning":
				// Attached to the next assistant message.
				pendingThinking = joinBlocks(item.Summary)
			case "message":
				text := joinBlocks(item.Content)
				if text == "" {
					continue
				}
				switch item.Role {
				case RoleUser:
					if isSynthesized(text) {
						continue
					}
					detail.Messages = append(detail.Messages, Message{
						Role: RoleUser, Content: text, Timestamp: rec.Timestamp,
					})
					if detail.FirstPrompt == "" {
						detail.FirstPrompt = text
					}
					detail.LastPrompt = text
					pendingThinking = ""
				case RoleAssistant:
					detail.Messages = append(detail.Messages, Message{
						Role: RoleAssistant, Content: text,
						Thinking: pendingThinking, Timestamp: rec.Timestamp,
					})
					pendingThinking = ""
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading codex rollout file")
	}
	if detail.ID == "" || len(detail.Messages) == 0 {
		return nil, nil
	}
	detail.MessageCount = len(detail.Messages)
	detail.IsRunning = s.proc.IsRunning(detail.ID)
	return detail, nil
}

func joinBlocks(blocks []codexBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "input_text", "output_text", "summary_text", "text":
			if b.Text != "" {
				parts = append(parts, b.Text)
			}
		}
	}
	return strings.Join(parts, "\n")
}
