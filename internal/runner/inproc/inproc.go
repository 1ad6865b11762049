// Package inproc implements the runner variant that drives a
// conversation loop directly against an OpenAI-compatible provider.
// A turn loops: call the model, execute any tool calls it emits, record
// the results as tool messages, and iterate until the model answers in
// plain text. Streaming deltas are forwarded as step output events.
package inproc

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/runner"
)

// maxToolIterations bounds one turn's model/tool loop.
const maxToolIterations = 25

// Config configures the provider connection.
type Config struct {
	// BaseURL overrides the API endpoint (empty means api.openai.com).
	BaseURL string
	// APIKey authenticates against the provider.
	APIKey string
	// Model is the chat model driven by the loop.
	Model string
	// SystemPrompt seeds every fresh conversation.
	SystemPrompt string
}

// ToolDispatcher executes tool calls on behalf of the conversation
// loop. The host wires one in; the core ships only a refusing stub.
type ToolDispatcher interface {
	// Tools describes the callable tools advertised to the model.
	Tools() []openai.Tool
	// Dispatch runs one tool call and returns its textual result.
	Dispatch(ctx context.Context, name, arguments string) (string, error)
}

// NoopDispatcher advertises no tools and refuses every call.
type NoopDispatcher struct{}

func (NoopDispatcher) Tools() []openai.Tool { return nil }

func (NoopDispatcher) Dispatch(ctx context.Context, name, arguments string) (string, error) {
	return "", fmt.Errorf("no tool host configured for %s", name)
}

// conversation is the adapter-local state of one session.
type conversation struct {
	messages     []openai.ChatCompletionMessage
	approvalMode string
	cancel       context.CancelFunc // non-nil while a turn is in flight
}

// Adapter drives sessions through an in-process provider loop.
type Adapter struct {
	cfg    Config
	client *openai.Client
	sink   runner.Sink
	queue  runner.Queue
	tools  ToolDispatcher
	log    *logger.Logger

	mu       sync.Mutex
	sessions map[string]*conversation
}

var _ runner.Runner = (*Adapter)(nil)

// New creates the adapter. tools may be nil, in which case tool calls
// are refused.
func New(cfg Config, sink runner.Sink, queue runner.Queue, tools ToolDispatcher, log *logger.Logger) *Adapter {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if tools == nil {
		tools = NoopDispatcher{}
	}
	return &Adapter{
		cfg:      cfg,
		client:   openai.NewClientWithConfig(clientCfg),
		sink:     sink,
		queue:    queue,
		tools:    tools,
		log:      log.WithFields(zap.String("runner", "inproc")),
		sessions: make(map[string]*conversation),
	}
}

// Start begins a fresh turn.
func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions) error {
	a.mu.Lock()
	conv, ok := a.sessions[opts.SessionID]
	if !ok {
		conv = &conversation{}
		if a.cfg.SystemPrompt != "" {
			conv.messages = append(conv.messages, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: a.cfg.SystemPrompt,
			})
		}
		a.sessions[opts.SessionID] = conv
	}
	if conv.cancel != nil {
		a.mu.Unlock()
		return errors.InvalidState("a turn is already in flight for session " + opts.SessionID)
	}
	conv.approvalMode = opts.ApprovalMode
	ctx, cancel := context.WithCancel(context.Background())
	conv.cancel = cancel
	a.mu.Unlock()

	a.sink.OnHeader(opts.SessionID, runner.Header{
		Title:    "conversation",
		Model:    a.cfg.Model,
		Provider: "openai",
	})

	go a.runTurn(ctx, opts.SessionID, opts.Prompt)
	return nil
}

// SendInput starts a new turn with the text, or queues it if a turn is
// in flight.
func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	a.mu.Lock()
	conv, ok := a.sessions[sessionID]
	if !ok {
		a.mu.Unlock()
		return errors.RunnerError("session "+sessionID+" was never started by this runner", nil)
	}
	if conv.cancel != nil {
		a.mu.Unlock()
		a.queue.Push(sessionID, text)
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	conv.cancel = cancel
	a.mu.Unlock()

	go a.runTurn(ctx, sessionID, text)
	return nil
}

// Stop cancels the in-flight turn; the loop unblocks immediately.
func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	a.queue.SetStopRequested(sessionID, true)

	a.mu.Lock()
	conv := a.sessions[sessionID]
	var cancel context.CancelFunc
	if conv != nil {
		cancel = conv.cancel
	}
	a.mu.Unlock()

	if cancel == nil {
		a.queue.SetStopRequested(sessionID, false)
		a.sink.OnExit(sessionID, nil)
		return nil
	}
	cancel()
	return nil
}

// UpdatePermissionMode adjusts approval policy for subsequent tool
// calls, including those later in the current turn.
func (a *Adapter) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	conv, ok := a.sessions[sessionID]
	if !ok {
		conv = &conversation{}
		a.sessions[sessionID] = conv
	}
	conv.approvalMode = mode
	return nil
}

// runTurn executes one full turn and makes the boundary decision. The
// caller has already claimed the turn by installing the cancel func.
func (a *Adapter) runTurn(ctx context.Context, sessionID, text string) {
	a.mu.Lock()
	conv := a.sessions[sessionID]
	if conv == nil {
		a.mu.Unlock()
		return
	}
	conv.messages = append(conv.messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: text,
	})
	a.mu.Unlock()

	turnErr := a.loop(ctx, sessionID, conv)

	a.mu.Lock()
	if conv.cancel != nil {
		conv.cancel()
		conv.cancel = nil
	}
	a.mu.Unlock()

	if a.queue.StopRequested(sessionID) {
		a.queue.SetStopRequested(sessionID, false)
		a.sink.OnExit(sessionID, nil)
		return
	}
	if turnErr != nil {
		a.sink.OnError(sessionID, errors.GetCode(turnErr), turnErr.Error())
		return
	}
	if next, ok := a.queue.Pop(sessionID); ok {
		a.mu.Lock()
		nextCtx, cancel := context.WithCancel(context.Background())
		conv.cancel = cancel
		a.mu.Unlock()
		go a.runTurn(nextCtx, sessionID, next)
		return
	}
	a.sink.OnAwaitingInput(sessionID)
}

// loop runs the model/tool iteration until the model answers without
// tool calls.
func (a *Adapter) loop(ctx context.Context, sessionID string, conv *conversation) error {
	for iter := 0; iter < maxToolIterations; iter++ {
		a.mu.Lock()
		req := openai.ChatCompletionRequest{
			Model:         a.cfg.Model,
			Messages:      append([]openai.ChatCompletionMessage(nil), conv.messages...),
			Tools:         a.tools.Tools(),
			StreamOptions: &openai.StreamOptions{IncludeUsage: true},
		}
		mode := conv.approvalMode
		a.mu.Unlock()

		text, toolCalls, usage, err := a.streamCompletion(ctx, sessionID, req)
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled by stop; the boundary decision handles it.
				return nil
			}
			return errors.RunnerError("model call failed", err)
		}

		if usage != nil {
			a.sink.OnMetadata(sessionID, map[string]any{
				events.MetaInputTokens:  int64(usage.PromptTokens),
				events.MetaOutputTokens: int64(usage.CompletionTokens),
			})
		}

		assistant := openai.ChatCompletionMessage{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		}
		a.mu.Lock()
		conv.messages = append(conv.messages, assistant)
		a.mu.Unlock()

		if len(toolCalls) == 0 {
			if text != "" {
				a.sink.OnOutput(sessionID, runner.Output{
					Stream: "model",
					Text:   text,
					Kind:   events.OutputKindFinal,
					Final:  true,
				})
			}
			return nil
		}

		for _, call := range toolCalls {
			result := a.executeTool(ctx, sessionID, mode, call)
			a.mu.Lock()
			conv.messages = append(conv.messages, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
			a.mu.Unlock()
			if ctx.Err() != nil {
				return nil
			}
		}
	}
	return errors.RunnerError(fmt.Sprintf("turn exceeded %d tool iterations", maxToolIterations), nil)
}

// streamCompletion makes one streaming model call, forwarding text
// deltas as step output and accumulating tool call fragments.
func (a *Adapter) streamCompletion(ctx context.Context, sessionID string, req openai.ChatCompletionRequest) (string, []openai.ToolCall, *openai.Usage, error) {
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return "", nil, nil, err
	}
	defer stream.Close()

	var text string
	var usage *openai.Usage
	calls := map[int]*openai.ToolCall{}
	order := []int{}

	for {
		resp, err := stream.Recv()
		if goerrors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", nil, nil, err
		}
		if resp.Usage != nil {
			usage = resp.Usage
		}
		if len(resp.Choices) == 0 {
			continue
		}
		delta := resp.Choices[0].Delta

		if delta.Content != "" {
			text += delta.Content
			a.sink.OnOutput(sessionID, runner.Output{
				Stream: "model",
				Text:   delta.Content,
				Kind:   events.OutputKindStep,
			})
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			acc, ok := calls[idx]
			if !ok {
				acc = &openai.ToolCall{Type: openai.ToolTypeFunction}
				calls[idx] = acc
				order = append(order, idx)
			}
			if tc.ID != "" {
				acc.ID = tc.ID
			}
			if tc.Function.Name != "" {
				acc.Function.Name = tc.Function.Name
			}
			acc.Function.Arguments += tc.Function.Arguments
		}
	}

	toolCalls := make([]openai.ToolCall, 0, len(order))
	for _, idx := range order {
		toolCalls = append(toolCalls, *calls[idx])
	}
	return text, toolCalls, usage, nil
}

// executeTool runs one tool call through the permission policy and the
// dispatcher. The returned string always becomes the tool message, so
// the model hears about denials and failures too.
func (a *Adapter) executeTool(ctx context.Context, sessionID, mode string, call openai.ToolCall) string {
	a.sink.OnOutput(sessionID, runner.Output{
		Stream: "model",
		Text:   fmt.Sprintf("[%s] %s", call.Function.Name, call.Function.Arguments),
		Kind:   events.OutputKindStep,
	})

	if !a.permitted(ctx, sessionID, mode, call) {
		return "permission denied"
	}

	result, err := a.tools.Dispatch(ctx, call.Function.Name, call.Function.Arguments)
	if err != nil {
		return "tool failed: " + err.Error()
	}
	return result
}

// permitted applies the approval mode: bypass allows everything,
// interactive asks for everything. The await simply blocks the loop;
// timeout and cancellation arrive as deny decisions.
func (a *Adapter) permitted(ctx context.Context, sessionID, mode string, call openai.ToolCall) bool {
	if mode == "bypass" || mode == "accept-edits" {
		return true
	}

	input := map[string]any{"arguments": call.Function.Arguments}
	decision := a.sink.OnPermissionRequest(sessionID, runner.PermissionRequest{
		RequestID: uuid.New().String(),
		ToolName:  call.Function.Name,
		ToolInput: input,
	})
	select {
	case dec := <-decision:
		return dec.Allow
	case <-ctx.Done():
		return false
	}
}
