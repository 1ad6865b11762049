package sidecar

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/runner"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	return log
}

type recordingSink struct {
	headers  chan runner.Header
	outputs  chan runner.Output
	metadata chan map[string]any
	requests chan permissionCall
	errs     chan string
	exits    chan *int
	awaiting chan string
}

type permissionCall struct {
	req runner.PermissionRequest
	ch  chan runner.PermissionDecision
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		headers:  make(chan runner.Header, 8),
		outputs:  make(chan runner.Output, 64),
		metadata: make(chan map[string]any, 8),
		requests: make(chan permissionCall, 8),
		errs:     make(chan string, 64),
		exits:    make(chan *int, 8),
		awaiting: make(chan string, 8),
	}
}

func (s *recordingSink) OnHeader(id string, h runner.Header)      { s.headers <- h }
func (s *recordingSink) OnOutput(id string, out runner.Output)    { s.outputs <- out }
func (s *recordingSink) OnMetadata(id string, v map[string]any)   { s.metadata <- v }
func (s *recordingSink) OnHeartbeat(id string, e float64, d bool) {}
func (s *recordingSink) OnError(id, code, msg string)             { s.errs <- code }
func (s *recordingSink) OnExit(id string, exitCode *int)          { s.exits <- exitCode }
func (s *recordingSink) OnAwaitingInput(id string)                { s.awaiting <- id }
func (s *recordingSink) OnPermissionResolved(id string, res runner.PermissionResolution) {
}

func (s *recordingSink) OnPermissionRequest(id string, req runner.PermissionRequest) <-chan runner.PermissionDecision {
	ch := make(chan runner.PermissionDecision, 1)
	s.requests <- permissionCall{req: req, ch: ch}
	return ch
}

// sseWriter streams pre-encoded events and holds the connection open
// until the client goes away.
func sseWriter(events []any, hold bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
		if hold {
			<-r.Context().Done()
		}
	}
}

func TestStartDispatchesStreamEvents(t *testing.T) {
	exitCode := 0
	events := []any{
		streamEvent{Type: "header", SessionID: "ext-7", Model: "m1", Provider: "p"},
		streamEvent{Type: "output", Text: "hi", Kind: "final", Final: true},
		streamEvent{Type: "metadata", Values: map[string]any{"input_tokens": 5}},
		streamEvent{Type: "awaiting_input"},
		streamEvent{Type: "exit", ExitCode: &exitCode},
	}

	var startBody map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/start", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&startBody)
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sessions/s1/events", sseWriter(events, true))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newRecordingSink()
	a := New(Config{BaseURL: srv.URL, ReadTimeout: 5 * time.Second}, sink, newTestLogger())
	defer a.Close()

	err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "s1", Prompt: "hello", Directory: "/w", ApprovalMode: "interactive", ResumeSessionID: "ext-7",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if startBody["prompt"] != "hello" || startBody["resume_session_id"] != "ext-7" {
		t.Errorf("unexpected start body: %+v", startBody)
	}

	select {
	case h := <-sink.headers:
		if h.ThreadID != "ext-7" || h.Model != "m1" {
			t.Errorf("unexpected header: %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no header from stream")
	}
	select {
	case out := <-sink.outputs:
		if out.Text != "hi" || !out.Final {
			t.Errorf("unexpected output: %+v", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no output from stream")
	}
	select {
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("no awaiting_input from stream")
	}
	select {
	case code := <-sink.exits:
		if code == nil || *code != 0 {
			t.Errorf("unexpected exit code: %v", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no exit from stream")
	}
}

func TestPermissionResponsePostedBack(t *testing.T) {
	events := []any{
		streamEvent{Type: "permission_request", RequestID: "req-1", ToolName: "Bash",
			ToolInput: map[string]any{"command": "ls"}},
	}

	responded := make(chan map[string]any, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/events", sseWriter(events, true))
	mux.HandleFunc("/v1/sessions/s1/input", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sessions/s1/permission", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		responded <- body
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newRecordingSink()
	a := New(Config{BaseURL: srv.URL, ReadTimeout: 5 * time.Second}, sink, newTestLogger())
	defer a.Close()

	if err := a.SendInput(context.Background(), "s1", "do it"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}

	select {
	case call := <-sink.requests:
		if call.req.ToolName != "Bash" {
			t.Errorf("unexpected request: %+v", call.req)
		}
		call.ch <- runner.PermissionDecision{Allow: false, Message: "nope", ResolvedBy: "user"}
	case <-time.After(3 * time.Second):
		t.Fatal("no permission request")
	}

	select {
	case body := <-responded:
		if body["behavior"] != "deny" || body["message"] != "nope" || body["request_id"] != "req-1" {
			t.Errorf("unexpected permission response: %+v", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("permission response never posted back")
	}
}

func TestUpdatePermissionModePostedToSidecar(t *testing.T) {
	received := make(chan map[string]any, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/permission-mode", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		received <- body
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newRecordingSink()
	a := New(Config{BaseURL: srv.URL, ReadTimeout: 5 * time.Second}, sink, newTestLogger())
	defer a.Close()

	if err := a.UpdatePermissionMode(context.Background(), "s1", "accept-edits"); err != nil {
		t.Fatalf("UpdatePermissionMode() error = %v", err)
	}
	select {
	case body := <-received:
		if body["mode"] != "accept-edits" {
			t.Errorf("unexpected mode body: %+v", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("mode change never posted")
	}
}

func TestUnreachableSidecarIsAgentUnavailable(t *testing.T) {
	sink := newRecordingSink()
	a := New(Config{BaseURL: "http://127.0.0.1:1", ReadTimeout: time.Second}, sink, newTestLogger())
	defer a.Close()

	err := a.Start(context.Background(), runner.StartOptions{SessionID: "s1"})
	if errors.GetCode(err) != errors.ErrCodeAgentUnavailable {
		t.Errorf("code = %q, want %q", errors.GetCode(err), errors.ErrCodeAgentUnavailable)
	}
}

func TestStreamReconnectsAfterDrop(t *testing.T) {
	var connects int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/input", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&connects, 1)
		if n == 1 {
			// First connection drops immediately.
			return
		}
		sseWriter([]any{streamEvent{Type: "output", Text: "back", Kind: "step"}}, true)(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newRecordingSink()
	a := New(Config{BaseURL: srv.URL, ReadTimeout: 5 * time.Second}, sink, newTestLogger())
	defer a.Close()

	if err := a.SendInput(context.Background(), "s1", "x"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}

	select {
	case out := <-sink.outputs:
		if out.Text != "back" {
			t.Errorf("unexpected output: %+v", out)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("stream never reconnected")
	}
	if atomic.LoadInt32(&connects) < 2 {
		t.Errorf("expected at least 2 connects, got %d", connects)
	}
}

func TestQuietStreamSurfacesReadTimeout(t *testing.T) {
	var mu sync.Mutex
	holding := true
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions/s1/input", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/v1/sessions/s1/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		mu.Lock()
		hold := holding
		mu.Unlock()
		if hold {
			<-r.Context().Done()
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	sink := newRecordingSink()
	a := New(Config{BaseURL: srv.URL, ReadTimeout: 200 * time.Millisecond}, sink, newTestLogger())
	defer a.Close()

	if err := a.SendInput(context.Background(), "s1", "x"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}

	select {
	case code := <-sink.errs:
		if code != errors.ErrCodeReadTimeout {
			t.Errorf("code = %q, want %q", code, errors.ErrCodeReadTimeout)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no READ_TIMEOUT surfaced")
	}
	mu.Lock()
	holding = false
	mu.Unlock()
}
