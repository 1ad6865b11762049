package inproc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"

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
		errs:     make(chan string, 8),
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

type memQueue struct {
	mu      sync.Mutex
	inputs  map[string][]string
	stopped map[string]bool
}

func newMemQueue() *memQueue {
	return &memQueue{inputs: make(map[string][]string), stopped: make(map[string]bool)}
}

func (q *memQueue) Push(id, text string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.inputs[id] = append(q.inputs[id], text)
}

func (q *memQueue) Pop(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.inputs[id]) == 0 {
		return "", false
	}
	text := q.inputs[id][0]
	q.inputs[id] = q.inputs[id][1:]
	return text, true
}

func (q *memQueue) StopRequested(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped[id]
}

func (q *memQueue) SetStopRequested(id string, v bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.stopped[id] = v
}

// recordingDispatcher captures tool calls and answers with a canned
// result.
type recordingDispatcher struct {
	calls  chan string
	result string
}

func (d *recordingDispatcher) Tools() []openai.Tool {
	return []openai.Tool{{
		Type:     openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{Name: "read_file"},
	}}
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, name, arguments string) (string, error) {
	d.calls <- name + " " + arguments
	return d.result, nil
}

// writeChunks streams raw SSE chunks in the provider wire format.
func writeChunks(w http.ResponseWriter, chunks ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	flusher := w.(http.Flusher)
	for _, c := range chunks {
		fmt.Fprintf(w, "data: %s\n\n", c)
		flusher.Flush()
	}
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func textChunk(content string) string {
	return fmt.Sprintf(`{"choices":[{"delta":{"content":%q}}]}`, content)
}

const usageChunk = `{"choices":[],"usage":{"prompt_tokens":7,"completion_tokens":4}}`

func toolCallChunks(id, name, args string) []string {
	return []string{
		fmt.Sprintf(`{"choices":[{"delta":{"tool_calls":[{"index":0,"id":%q,"type":"function","function":{"name":%q}}]}}]}`, id, name),
		fmt.Sprintf(`{"choices":[{"delta":{"tool_calls":[{"index":0,"function":{"arguments":%q}}]}}]}`, args),
	}
}

func newFakeProvider(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/chat/completions", handler)
	return httptest.NewServer(mux)
}

func newTestAdapter(srv *httptest.Server, tools ToolDispatcher) (*Adapter, *recordingSink, *memQueue) {
	sink := newRecordingSink()
	queue := newMemQueue()
	a := New(Config{BaseURL: srv.URL, APIKey: "test", Model: "gpt-4o"}, sink, queue, tools, newTestLogger())
	return a, sink, queue
}

func TestTurnStreamsDeltasAndFinal(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeChunks(w, textChunk("hel"), textChunk("lo"), usageChunk)
	})
	defer srv.Close()

	a, sink, _ := newTestAdapter(srv, nil)
	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case h := <-sink.headers:
		if h.Provider != "openai" || h.Model != "gpt-4o" {
			t.Errorf("unexpected header: %+v", h)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no header")
	}

	want := []struct {
		text  string
		final bool
	}{{"hel", false}, {"lo", false}, {"hello", true}}
	for _, w := range want {
		select {
		case out := <-sink.outputs:
			if out.Text != w.text || out.Final != w.final {
				t.Errorf("output = %+v, want text %q final %v", out, w.text, w.final)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("missing output %q", w.text)
		}
	}

	select {
	case v := <-sink.metadata:
		if v["input_tokens"] != int64(7) || v["output_tokens"] != int64(4) {
			t.Errorf("unexpected metadata: %+v", v)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no usage metadata")
	}

	select {
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("no awaiting-input at turn boundary")
	}
}

func TestToolCallLoopFeedsResultsBack(t *testing.T) {
	var mu sync.Mutex
	var requests []openai.ChatCompletionRequest
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var req openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		requests = append(requests, req)
		n := len(requests)
		mu.Unlock()
		if n == 1 {
			writeChunks(w, toolCallChunks("call-1", "read_file", `{"path":"a.txt"}`)...)
			return
		}
		writeChunks(w, textChunk("file says hi"))
	})
	defer srv.Close()

	tools := &recordingDispatcher{calls: make(chan string, 4), result: "contents of a.txt"}
	a, sink, _ := newTestAdapter(srv, tools)
	err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "s1", Prompt: "read it", ApprovalMode: "bypass",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case call := <-tools.calls:
		if !strings.Contains(call, "read_file") || !strings.Contains(call, "a.txt") {
			t.Errorf("unexpected tool call: %q", call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("dispatcher never invoked")
	}

	for {
		select {
		case out := <-sink.outputs:
			if out.Final {
				if out.Text != "file says hi" {
					t.Errorf("final output = %q", out.Text)
				}
				goto drained
			}
		case <-time.After(3 * time.Second):
			t.Fatal("no final output after tool loop")
		}
	}
drained:

	mu.Lock()
	defer mu.Unlock()
	if len(requests) != 2 {
		t.Fatalf("expected 2 model calls, got %d", len(requests))
	}
	last := requests[1].Messages[len(requests[1].Messages)-1]
	if last.Role != openai.ChatMessageRoleTool || last.Content != "contents of a.txt" {
		t.Errorf("tool result not fed back: %+v", last)
	}
}

func TestInteractiveToolCallAsksPermission(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			writeChunks(w, toolCallChunks("call-1", "read_file", `{}`)...)
			return
		}
		writeChunks(w, textChunk("ok"))
	})
	defer srv.Close()

	tools := &recordingDispatcher{calls: make(chan string, 4), result: "x"}
	a, sink, _ := newTestAdapter(srv, tools)
	err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "s1", Prompt: "go", ApprovalMode: "interactive",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case call := <-sink.requests:
		if call.req.ToolName != "read_file" {
			t.Errorf("unexpected request: %+v", call.req)
		}
		call.ch <- runner.PermissionDecision{Allow: false, ResolvedBy: "user"}
	case <-time.After(3 * time.Second):
		t.Fatal("no permission request")
	}

	// Denied call never reaches the dispatcher; the turn still finishes.
	select {
	case call := <-tools.calls:
		t.Errorf("dispatcher invoked despite denial: %q", call)
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("turn never finished after denial")
	}
}

func TestUpdatePermissionModeAppliesToNextTurn(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		switch n {
		case 1:
			writeChunks(w, textChunk("hi"))
		case 2:
			writeChunks(w, toolCallChunks("call-1", "read_file", `{}`)...)
		default:
			writeChunks(w, textChunk("done"))
		}
	})
	defer srv.Close()

	tools := &recordingDispatcher{calls: make(chan string, 4), result: "x"}
	a, sink, _ := newTestAdapter(srv, tools)
	err := a.Start(context.Background(), runner.StartOptions{
		SessionID: "s1", Prompt: "go", ApprovalMode: "interactive",
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("first turn never finished")
	}

	// Switch to bypass between turns; the next tool call must run
	// without asking.
	if err := a.UpdatePermissionMode(context.Background(), "s1", "bypass"); err != nil {
		t.Fatalf("UpdatePermissionMode() error = %v", err)
	}
	if err := a.SendInput(context.Background(), "s1", "use the tool"); err != nil {
		t.Fatalf("SendInput() error = %v", err)
	}

	select {
	case <-tools.calls:
	case call := <-sink.requests:
		t.Fatalf("permission asked despite bypass: %+v", call.req)
	case <-time.After(3 * time.Second):
		t.Fatal("tool never dispatched")
	}
	select {
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("second turn never finished")
	}
}

func TestStopCancelsInFlightTurn(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	defer srv.Close()

	a, sink, queue := newTestAdapter(srv, nil)
	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	if err := a.Stop(context.Background(), "s1"); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	select {
	case code := <-sink.exits:
		if code != nil {
			t.Errorf("expected nil exit code, got %d", *code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no exit after stop")
	}
	if queue.StopRequested("s1") {
		t.Error("stop latch should be cleared after the boundary")
	}
}

func TestQueuedInputRunsNextTurn(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		writeChunks(w, textChunk(fmt.Sprintf("answer %d", n)))
	})
	defer srv.Close()

	a, sink, queue := newTestAdapter(srv, nil)
	queue.Push("s1", "follow-up")

	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	finals := 0
	for finals < 2 {
		select {
		case out := <-sink.outputs:
			if out.Final {
				finals++
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("only %d final outputs", finals)
		}
	}
	select {
	case <-sink.awaiting:
	case <-time.After(3 * time.Second):
		t.Fatal("no awaiting-input after queue drained")
	}
	if _, ok := queue.Pop("s1"); ok {
		t.Error("queue should be drained")
	}
}

func TestProviderFailureSurfacesRunnerError(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"boom"}}`, http.StatusInternalServerError)
	})
	defer srv.Close()

	a, sink, _ := newTestAdapter(srv, nil)
	if err := a.Start(context.Background(), runner.StartOptions{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case code := <-sink.errs:
		if code != errors.ErrCodeRunnerError {
			t.Errorf("code = %q, want %q", code, errors.ErrCodeRunnerError)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no error surfaced")
	}
}

func TestSecondStartWhileInFlightConflicts(t *testing.T) {
	srv := newFakeProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	})
	defer srv.Close()

	a, _, _ := newTestAdapter(srv, nil)
	ctx := context.Background()
	if err := a.Start(ctx, runner.StartOptions{SessionID: "s1", Prompt: "hi"}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() { _ = a.Stop(ctx, "s1") }()
	time.Sleep(100 * time.Millisecond)

	err := a.Start(ctx, runner.StartOptions{SessionID: "s1", Prompt: "again"})
	if !errors.IsInvalidState(err) {
		t.Errorf("expected INVALID_STATE, got %v", err)
	}
}
