package claudewire

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/logger"
)

// MessageHandler handles one decoded child message.
type MessageHandler func(msg *ChildMessage)

// Client speaks the child protocol over stdin/stdout streams. It reads
// newline-delimited JSON from stdout and writes commands to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	mu      sync.Mutex
	handler MessageHandler
	done    chan struct{}
}

// NewClient creates a client over the child's pipes.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "claudewire-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for child messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

// Start begins reading stdout in a goroutine. The returned channel is
// closed when the read loop has drained stdout (child exited or stream
// failed).
func (c *Client) Start(ctx context.Context) <-chan struct{} {
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		c.readLoop(ctx)
	}()
	return finished
}

// Stop makes the read loop return on its next line.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendStart writes the start command that begins the turn.
func (c *Client) SendStart(prompt, directory, approvalMode, resumeSessionID string) error {
	return c.send(&Command{
		Type:            CommandStart,
		Prompt:          prompt,
		Directory:       directory,
		ApprovalMode:    approvalMode,
		ResumeSessionID: resumeSessionID,
	})
}

// SendPermissionResponse answers a permission_request message.
func (c *Client) SendPermissionResponse(requestID string, allow bool, message string, updatedInput map[string]any) error {
	behavior := BehaviorDeny
	if allow {
		behavior = BehaviorAllow
	}
	return c.send(&Command{
		Type:         CommandPermissionResponse,
		RequestID:    requestID,
		Behavior:     behavior,
		Message:      message,
		UpdatedInput: updatedInput,
	})
}

// SendStop asks the child to abort its turn cleanly.
func (c *Client) SendStop() error {
	return c.send(&Command{Type: CommandStop})
}

func (c *Client) send(cmd *Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to marshal command: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write command: %w", err)
	}
	c.logger.Debug("claudewire: sent command", zap.String("type", cmd.Type))
	return nil
}

func (c *Client) readLoop(ctx context.Context) {
	scanner := bufio.NewScanner(c.stdout)
	// Output emissions can carry whole files; allow large lines.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("claudewire: read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg ChildMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("claudewire: failed to parse message",
			zap.Error(err), zap.String("line", string(line)))
		return
	}
	msg.Raw = append([]byte(nil), line...)

	c.mu.Lock()
	handler := c.handler
	c.mu.Unlock()

	if handler != nil {
		handler(&msg)
	}
}
