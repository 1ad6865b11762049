// Package sidecar implements the runner variant that talks to a
// long-lived out-of-process agent service. Commands are plain POSTs;
// turn progress arrives on a Server-Sent Events stream per session. The
// stream reader survives transient connection loss with exponential
// backoff and applies a per-read timeout longer than the sidecar's
// heartbeat interval.
package sidecar

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/runner"
)

// Config configures the sidecar endpoint and stream behavior.
type Config struct {
	// BaseURL is the sidecar's HTTP root, e.g. http://localhost:9999.
	BaseURL string
	// ReadTimeout bounds a single read on the event stream. Must exceed
	// the sidecar's heartbeat interval.
	ReadTimeout time.Duration
}

const (
	reconnectInitial = 500 * time.Millisecond
	reconnectMax     = 5 * time.Second
)

// streamEvent is one structured event from the sidecar's SSE stream.
// The type determines which fields are populated.
type streamEvent struct {
	Type string `json:"type"`

	// header
	SessionID string `json:"session_id,omitempty"`
	Title     string `json:"title,omitempty"`
	Model     string `json:"model,omitempty"`
	Provider  string `json:"provider,omitempty"`

	// output
	Stream string `json:"stream,omitempty"`
	Text   string `json:"text,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Final  bool   `json:"final,omitempty"`

	// permission_request / permission_resolved
	RequestID   string         `json:"request_id,omitempty"`
	ToolName    string         `json:"tool_name,omitempty"`
	ToolInput   map[string]any `json:"tool_input,omitempty"`
	Suggestions []string       `json:"suggestions,omitempty"`
	ResolvedBy  string         `json:"resolved_by,omitempty"`
	Allowed     bool           `json:"allowed,omitempty"`
	Message     string         `json:"message,omitempty"`

	// metadata
	Values map[string]any `json:"values,omitempty"`

	// heartbeat
	ElapsedS float64 `json:"elapsed_s,omitempty"`
	Done     bool    `json:"done,omitempty"`

	// error / exit
	Code     string `json:"code,omitempty"`
	ExitCode *int   `json:"exit_code,omitempty"`
}

// Adapter drives sessions through a sidecar service.
type Adapter struct {
	cfg    Config
	client *http.Client
	sink   runner.Sink
	log    *logger.Logger

	mu      sync.Mutex
	streams map[string]context.CancelFunc
	closed  bool
}

var _ runner.Runner = (*Adapter)(nil)

// New creates the adapter.
func New(cfg Config, sink runner.Sink, log *logger.Logger) *Adapter {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	return &Adapter{
		cfg:     cfg,
		client:  &http.Client{},
		sink:    sink,
		log:     log.WithFields(zap.String("runner", "sidecar")),
		streams: make(map[string]context.CancelFunc),
	}
}

// Start ensures the event stream is being read and dispatches the turn.
func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions) error {
	a.ensureStream(opts.SessionID)
	return a.post(ctx, opts.SessionID, "start", map[string]any{
		"prompt":            opts.Prompt,
		"directory":         opts.Directory,
		"approval_mode":     opts.ApprovalMode,
		"resume_session_id": opts.ResumeSessionID,
	})
}

// SendInput forwards follow-up text; the sidecar queues it itself if a
// turn is in flight.
func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	a.ensureStream(sessionID)
	return a.post(ctx, sessionID, "input", map[string]any{"text": text})
}

// Stop asks the sidecar to interrupt the active turn. Confirmation
// arrives as an exit or awaiting_input event on the stream.
func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	return a.post(ctx, sessionID, "stop", map[string]any{})
}

// UpdatePermissionMode adjusts approval policy mid-session.
func (a *Adapter) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	return a.post(ctx, sessionID, "permission-mode", map[string]any{"mode": mode})
}

// Close stops every stream reader.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	for id, cancel := range a.streams {
		cancel()
		delete(a.streams, id)
	}
}

func (a *Adapter) post(ctx context.Context, sessionID, action string, body map[string]any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.RunnerError("failed to marshal "+action+" request", err)
	}
	url := fmt.Sprintf("%s/v1/sessions/%s/%s", strings.TrimRight(a.cfg.BaseURL, "/"), sessionID, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.RunnerError("failed to build "+action+" request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return errors.AgentUnavailable("sidecar", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return errors.RunnerError(
			fmt.Sprintf("sidecar %s returned %d: %s", action, resp.StatusCode, snippet), nil)
	}
	return nil
}

// ensureStream starts the background stream reader for a session once.
func (a *Adapter) ensureStream(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if _, ok := a.streams[sessionID]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.streams[sessionID] = cancel
	go a.streamLoop(ctx, sessionID)
}

// streamLoop reads the session's SSE stream, reconnecting with
// exponential backoff on failure. Transient failures never change
// session state; they surface as stream error events only.
func (a *Adapter) streamLoop(ctx context.Context, sessionID string) {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = reconnectInitial
	expBackoff.MaxInterval = reconnectMax
	expBackoff.Reset()

	for {
		if ctx.Err() != nil {
			return
		}

		gotEvents, err := a.readStream(ctx, sessionID)
		if ctx.Err() != nil {
			return
		}
		if gotEvents {
			expBackoff.Reset()
		}
		if err != nil {
			code := errors.ErrCodeStreamError
			if isTimeoutErr(err) {
				code = errors.ErrCodeReadTimeout
			}
			a.sink.OnError(sessionID, code, err.Error())
		}

		wait := expBackoff.NextBackOff()
		a.log.Debug("reconnecting event stream",
			zap.String("session_id", sessionID),
			zap.Duration("wait", wait),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// timeoutError marks a watchdog-triggered stream abort.
type timeoutError struct{ d time.Duration }

func (e *timeoutError) Error() string {
	return fmt.Sprintf("no stream read within %s", e.d)
}

func isTimeoutErr(err error) bool {
	_, ok := err.(*timeoutError)
	return ok
}

// readStream holds one SSE connection open, dispatching each data line.
// Returns whether any event was received and the terminating error.
func (a *Adapter) readStream(parent context.Context, sessionID string) (bool, error) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	url := fmt.Sprintf("%s/v1/sessions/%s/events", strings.TrimRight(a.cfg.BaseURL, "/"), sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("sidecar event stream returned %d", resp.StatusCode)
	}

	// Watchdog: a read must complete within ReadTimeout, which is
	// longer than the sidecar's heartbeat interval. A quiet stream
	// means the connection is dead.
	timedOut := false
	var watchdogMu sync.Mutex
	watchdog := time.AfterFunc(a.cfg.ReadTimeout, func() {
		watchdogMu.Lock()
		timedOut = true
		watchdogMu.Unlock()
		cancel()
	})
	defer watchdog.Stop()

	got := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		watchdog.Reset(a.cfg.ReadTimeout)
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			a.log.Warn("undecodable stream event",
				zap.String("session_id", sessionID),
				zap.Error(err))
			continue
		}
		got = true
		a.dispatch(sessionID, &ev)
	}

	watchdogMu.Lock()
	wasTimeout := timedOut
	watchdogMu.Unlock()
	if wasTimeout {
		return got, &timeoutError{d: a.cfg.ReadTimeout}
	}
	if err := scanner.Err(); err != nil && parent.Err() == nil {
		return got, err
	}
	return got, nil
}

func (a *Adapter) dispatch(sessionID string, ev *streamEvent) {
	switch ev.Type {
	case "header", "init":
		a.sink.OnHeader(sessionID, runner.Header{
			Title:    ev.Title,
			Model:    ev.Model,
			Provider: ev.Provider,
			ThreadID: ev.SessionID,
		})
	case "output":
		a.sink.OnOutput(sessionID, runner.Output{
			Stream: ev.Stream,
			Text:   ev.Text,
			Kind:   ev.Kind,
			Final:  ev.Final,
		})
	case "metadata":
		a.sink.OnMetadata(sessionID, ev.Values)
	case "heartbeat":
		a.sink.OnHeartbeat(sessionID, ev.ElapsedS, ev.Done)
	case "permission_request":
		decision := a.sink.OnPermissionRequest(sessionID, runner.PermissionRequest{
			RequestID:   ev.RequestID,
			ToolName:    ev.ToolName,
			ToolInput:   ev.ToolInput,
			Suggestions: ev.Suggestions,
		})
		go a.respondPermission(sessionID, ev.RequestID, decision)
	case "permission_resolved":
		a.sink.OnPermissionResolved(sessionID, runner.PermissionResolution{
			RequestID:  ev.RequestID,
			ResolvedBy: ev.ResolvedBy,
			Allowed:    ev.Allowed,
			Message:    ev.Message,
		})
	case "error":
		code := ev.Code
		if code == "" {
			code = errors.ErrCodeRunnerError
		}
		a.sink.OnError(sessionID, code, ev.Message)
	case "exit":
		a.sink.OnExit(sessionID, ev.ExitCode)
	case "awaiting_input":
		a.sink.OnAwaitingInput(sessionID)
	default:
		a.log.Debug("ignoring unknown stream event",
			zap.String("session_id", sessionID),
			zap.String("type", ev.Type))
	}
}

func (a *Adapter) respondPermission(sessionID, requestID string, decision <-chan runner.PermissionDecision) {
	dec := <-decision
	behavior := "deny"
	if dec.Allow {
		behavior = "allow"
	}
	err := a.post(context.Background(), sessionID, "permission", map[string]any{
		"request_id":    requestID,
		"behavior":      behavior,
		"message":       dec.Message,
		"updated_input": dec.UpdatedInput,
	})
	if err != nil {
		a.log.Warn("failed to deliver permission response to sidecar",
			zap.String("session_id", sessionID),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}
