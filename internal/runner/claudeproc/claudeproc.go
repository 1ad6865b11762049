// Package claudeproc implements the subprocess-per-turn runner variant.
// Each turn spawns a short-lived child speaking the claudewire protocol
// on stdin/stdout; stderr is diagnostic only. At the turn boundary the
// adapter inspects the stop latch and the pending-input queue to decide
// between exit, respawn and awaiting-input.
package claudeproc

import (
	"bufio"
	"context"
	goerrors "errors"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/runner"
	"github.com/ferrydev/ferry/pkg/claudewire"
)

// Config configures the child command and stop behavior.
type Config struct {
	// Command is the agent CLI binary spawned per turn.
	Command string
	// Args are passed to every spawn.
	Args []string
	// StopGrace is how long a stopped child gets to exit before its
	// process group is signalled.
	StopGrace time.Duration
}

// Adapter drives sessions by spawning one child process per turn.
type Adapter struct {
	cfg   Config
	sink  runner.Sink
	queue runner.Queue
	log   *logger.Logger

	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState is the adapter-local memory of one session: the spawn
// parameters and the resume hint observed from the last init message.
type sessionState struct {
	directory    string
	approvalMode string
	resumeID     string
	turn         *turn
}

// turn is one live child process.
type turn struct {
	cmd    *exec.Cmd
	client *claudewire.Client
	// done is closed once the child is reaped and the boundary decision
	// has been made.
	done chan struct{}
}

var _ runner.Runner = (*Adapter)(nil)

// New creates the adapter. sink receives turn progress; queue is the
// store-owned pending-input FIFO and stop latch.
func New(cfg Config, sink runner.Sink, queue runner.Queue, log *logger.Logger) *Adapter {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 5 * time.Second
	}
	return &Adapter{
		cfg:      cfg,
		sink:     sink,
		queue:    queue,
		log:      log.WithFields(zap.String("runner", "claudeproc")),
		sessions: make(map[string]*sessionState),
	}
}

// Start begins a turn from a clean state.
func (a *Adapter) Start(ctx context.Context, opts runner.StartOptions) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[opts.SessionID]
	if !ok {
		st = &sessionState{}
		a.sessions[opts.SessionID] = st
	}
	if st.turn != nil {
		return errors.InvalidState("a turn is already in flight for session " + opts.SessionID)
	}
	st.directory = opts.Directory
	st.approvalMode = opts.ApprovalMode
	if opts.ResumeSessionID != "" {
		st.resumeID = opts.ResumeSessionID
	}
	return a.spawnLocked(opts.SessionID, st, opts.Prompt)
}

// SendInput starts a new turn with the text, or queues it if a turn is
// in flight.
func (a *Adapter) SendInput(ctx context.Context, sessionID, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[sessionID]
	if !ok {
		return errors.RunnerError("session "+sessionID+" was never started by this runner", nil)
	}
	if st.turn != nil {
		a.queue.Push(sessionID, text)
		return nil
	}
	return a.spawnLocked(sessionID, st, text)
}

// Stop interrupts the active turn: the stop latch is set, the child is
// asked to abort, and after the grace period its process group is
// terminated, then killed.
func (a *Adapter) Stop(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	st := a.sessions[sessionID]
	var t *turn
	if st != nil {
		t = st.turn
	}
	a.mu.Unlock()

	a.queue.SetStopRequested(sessionID, true)

	if t == nil {
		// No child to wait for; the boundary is now.
		a.queue.SetStopRequested(sessionID, false)
		a.sink.OnExit(sessionID, nil)
		return nil
	}

	if err := t.client.SendStop(); err != nil {
		a.log.Warn("failed to send stop command",
			zap.String("session_id", sessionID), zap.Error(err))
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(a.cfg.StopGrace):
	}

	pid := t.cmd.Process.Pid
	a.log.Warn("child did not exit within grace, terminating process group",
		zap.String("session_id", sessionID), zap.Int("pid", pid))
	if err := terminateProcessGroup(pid); err != nil {
		a.log.Warn("terminate failed", zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case <-t.done:
		return nil
	case <-time.After(2 * time.Second):
	}

	if err := killProcessGroup(pid); err != nil {
		a.log.Warn("kill failed", zap.Int("pid", pid), zap.Error(err))
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return errors.RunnerError("child for session "+sessionID+" did not die after kill", nil)
	}
}

// UpdatePermissionMode caches the new mode; a per-turn child has no
// mid-turn mode command, so it applies from the next spawn.
func (a *Adapter) UpdatePermissionMode(ctx context.Context, sessionID, mode string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		a.sessions[sessionID] = st
	}
	st.approvalMode = mode
	return nil
}

// spawnLocked starts one child for one turn. Caller holds a.mu.
func (a *Adapter) spawnLocked(sessionID string, st *sessionState, prompt string) error {
	cmd := exec.Command(a.cfg.Command, a.cfg.Args...)
	cmd.Dir = st.directory
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.RunnerError("failed to open child stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.RunnerError("failed to open child stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.RunnerError("failed to open child stderr", err)
	}

	if err := cmd.Start(); err != nil {
		if goerrors.Is(err, exec.ErrNotFound) {
			return errors.AgentUnavailable(a.cfg.Command, err)
		}
		return errors.RunnerError("failed to spawn child", err)
	}

	client := claudewire.NewClient(stdin, stdout, a.log)
	t := &turn{cmd: cmd, client: client, done: make(chan struct{})}
	st.turn = t

	client.SetMessageHandler(func(msg *claudewire.ChildMessage) {
		a.handleMessage(sessionID, t, msg)
	})

	// stderr is diagnostic only.
	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			a.log.Debug("child stderr",
				zap.String("session_id", sessionID),
				zap.String("line", scanner.Text()))
		}
	}()

	finished := client.Start(context.Background())
	go a.reapTurn(sessionID, t, finished)

	if err := client.SendStart(prompt, st.directory, st.approvalMode, st.resumeID); err != nil {
		a.log.Error("failed to send start command",
			zap.String("session_id", sessionID), zap.Error(err))
		_ = killProcessGroup(cmd.Process.Pid)
		return errors.RunnerError("failed to send start command", err)
	}

	a.log.Info("turn started",
		zap.String("session_id", sessionID),
		zap.Int("pid", cmd.Process.Pid),
		zap.String("resume", st.resumeID))
	return nil
}

// reapTurn waits for the child and makes the boundary decision:
// stop latch set means exit, queued input means respawn, otherwise the
// session is awaiting input.
func (a *Adapter) reapTurn(sessionID string, t *turn, finished <-chan struct{}) {
	defer close(t.done)

	// The read loop drains stdout before the child is waited on;
	// unwaited children become zombies.
	<-finished
	waitErr := t.cmd.Wait()

	exitCode := 0
	var exitErr *exec.ExitError
	if goerrors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	a.mu.Lock()
	st := a.sessions[sessionID]
	if st != nil && st.turn == t {
		st.turn = nil
	}
	a.mu.Unlock()

	a.log.Info("turn ended",
		zap.String("session_id", sessionID),
		zap.Int("exit_code", exitCode))

	if a.queue.StopRequested(sessionID) {
		a.queue.SetStopRequested(sessionID, false)
		code := exitCode
		a.sink.OnExit(sessionID, &code)
		return
	}

	if waitErr != nil {
		a.sink.OnError(sessionID, errors.ErrCodeRunnerError,
			fmt.Sprintf("child exited with code %d: %v", exitCode, waitErr))
		return
	}

	if text, ok := a.queue.Pop(sessionID); ok {
		a.mu.Lock()
		st = a.sessions[sessionID]
		var err error
		if st != nil && st.turn == nil {
			err = a.spawnLocked(sessionID, st, text)
		}
		a.mu.Unlock()
		if err != nil {
			a.sink.OnError(sessionID, errors.GetCode(err), "respawn failed: "+err.Error())
		}
		return
	}

	a.sink.OnAwaitingInput(sessionID)
}

func (a *Adapter) handleMessage(sessionID string, t *turn, msg *claudewire.ChildMessage) {
	switch msg.Type {
	case claudewire.MessageTypeInit:
		a.mu.Lock()
		if st := a.sessions[sessionID]; st != nil {
			st.resumeID = msg.SessionID
		}
		a.mu.Unlock()
		a.sink.OnHeader(sessionID, runner.Header{
			Title:    msg.Title,
			Model:    msg.Model,
			Provider: msg.Provider,
			ThreadID: msg.SessionID,
		})

	case claudewire.MessageTypeOutput:
		for _, r := range claudewire.RenderBlocks(msg.Blocks) {
			a.sink.OnOutput(sessionID, runner.Output{
				Stream: "stdout",
				Text:   r.Text,
				Kind:   r.Kind,
				Final:  r.Final,
			})
		}

	case claudewire.MessageTypePermissionRequest:
		decision := a.sink.OnPermissionRequest(sessionID, runner.PermissionRequest{
			RequestID:   msg.RequestID,
			ToolName:    msg.ToolName,
			ToolInput:   msg.ToolInput,
			Suggestions: msg.Suggestions,
		})
		go func(requestID string) {
			dec := <-decision
			if err := t.client.SendPermissionResponse(requestID, dec.Allow, dec.Message, dec.UpdatedInput); err != nil {
				a.log.Warn("failed to write permission response",
					zap.String("session_id", sessionID),
					zap.String("request_id", requestID),
					zap.Error(err))
			}
		}(msg.RequestID)

	case claudewire.MessageTypeResult:
		values := map[string]any{}
		if msg.InputTokens > 0 {
			values[events.MetaInputTokens] = msg.InputTokens
		}
		if msg.OutputTokens > 0 {
			values[events.MetaOutputTokens] = msg.OutputTokens
		}
		if msg.CostUSD > 0 {
			values[events.MetaCostUSD] = msg.CostUSD
		}
		if len(values) > 0 {
			a.sink.OnMetadata(sessionID, values)
		}
		if msg.IsError {
			text := msg.Message
			if text == "" {
				text = msg.Text
			}
			a.sink.OnError(sessionID, errors.ErrCodeRunnerError, text)
		}

	case claudewire.MessageTypeHeartbeat:
		a.sink.OnHeartbeat(sessionID, msg.ElapsedS, false)

	case claudewire.MessageTypeStderr:
		a.log.Debug("child stderr message",
			zap.String("session_id", sessionID),
			zap.String("line", msg.Line))

	case claudewire.MessageTypeError:
		code := msg.Code
		if code == "" {
			code = errors.ErrCodeRunnerError
		}
		message := msg.Message
		if message == "" {
			message = msg.Error
		}
		a.sink.OnError(sessionID, code, message)

	default:
		a.log.Debug("ignoring unknown child message",
			zap.String("session_id", sessionID),
			zap.String("type", msg.Type))
	}
}
