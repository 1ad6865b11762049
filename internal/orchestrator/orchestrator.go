// Package orchestrator implements the session operations that span the
// store and the runner adapters: start, input, interrupt, permission
// resolution. Every operation follows the same shape: validate and
// transition under the session lock, call the runner with the lock
// released, then finalize (or mark the error) under the lock again.
// Holding the lock across a runner call deadlocks, because runner sinks
// re-enter the store.
package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/config"
	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/runner"
	"github.com/ferrydev/ferry/internal/session"
)

// Warning codes emitted by the orchestrator.
const (
	// WarnExternalSessionRebound records a silent external session
	// expiry: the agent issued a new id mid-session and the binding
	// moved to it.
	WarnExternalSessionRebound = "EXTERNAL_SESSION_REBOUND"

	// WarnExternalSessionBusy records a dropped resume hint: the bound
	// external session is owned by another CLI process, so the turn
	// starts without it.
	WarnExternalSessionBusy = "EXTERNAL_SESSION_BUSY"
)

// RunnerSource resolves adapter names to runners. The registry package
// implements it.
type RunnerSource interface {
	Get(name string) (runner.Runner, error)
}

// BusyChecker reports whether an external session is owned by another
// CLI process. The external service implements it.
type BusyChecker interface {
	IsBusy(ctx context.Context, runnerType, externalID string) bool
}

type heartbeat struct {
	cancel  context.CancelFunc
	started time.Time
}

// Service drives sessions through their runners.
type Service struct {
	store   *session.Store
	runners RunnerSource
	busy    BusyChecker
	log     *logger.Logger

	permissionTimeout time.Duration
	heartbeatInterval time.Duration

	hbMu       sync.Mutex
	heartbeats map[string]*heartbeat
}

var _ runner.Sink = (*Service)(nil)

// New creates the service. Wire the runner registry afterwards with
// SetRunners; the registry needs this service as its sink, so the two
// are constructed in sequence.
func New(store *session.Store, cfg config.RunnersConfig, log *logger.Logger) *Service {
	return &Service{
		store:             store,
		log:               log,
		permissionTimeout: cfg.PermissionTimeoutDuration(),
		heartbeatInterval: cfg.HeartbeatIntervalDuration(),
		heartbeats:        make(map[string]*heartbeat),
	}
}

// SetRunners installs the runner lookup.
func (o *Service) SetRunners(src RunnerSource) { o.runners = src }

// SetBusyChecker installs the external-session ownership check used to
// drop stale resume hints.
func (o *Service) SetBusyChecker(b BusyChecker) { o.busy = b }

// Queue returns the pending-input FIFO and stop latch backed by the
// store, for runner adapters to consult at turn boundaries.
func (o *Service) Queue() runner.Queue { return storeQueue{store: o.store} }

// Close cancels all heartbeat loops.
func (o *Service) Close() {
	o.hbMu.Lock()
	defer o.hbMu.Unlock()
	for id, hb := range o.heartbeats {
		hb.cancel()
		delete(o.heartbeats, id)
	}
}

// Start begins a turn. The session must be in CREATED, AWAITING_INPUT
// or ERROR; anything else is a transition conflict.
func (o *Service) Start(ctx context.Context, id, prompt string, approvalMode session.ApprovalMode) (*session.Session, error) {
	var (
		rn          runner.Runner
		sess        *session.Session
		opts        runner.StartOptions
		modeChanged bool
	)
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Directory == "" {
			return errors.ValidationError("session " + id + " has no working directory")
		}
		rn, err = o.runnerFor(cur.Adapter)
		if err != nil {
			return err
		}
		if approvalMode != "" && approvalMode != cur.ApprovalMode {
			if !approvalMode.Valid() {
				return errors.ValidationError("unknown approval mode '" + string(approvalMode) + "'")
			}
			cur.ApprovalMode = approvalMode
			if _, err := o.store.Update(ctx, cur); err != nil {
				return err
			}
			modeChanged = true
		}
		sess, err = o.store.TransitionLocked(ctx, rt, session.StateRunning, session.TransitionOpts{})
		if err != nil {
			return err
		}
		if prompt != "" {
			if _, err := o.store.EmitLocked(ctx, rt, events.UserInputPayload{Text: prompt}); err != nil {
				return err
			}
		}
		opts = runner.StartOptions{
			SessionID:       id,
			Prompt:          prompt,
			Directory:       sess.Directory,
			ApprovalMode:    string(sess.ApprovalMode),
			ResumeSessionID: sess.RunnerSessionID,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.ResumeSessionID != "" && o.busy != nil && o.busy.IsBusy(ctx, sess.Adapter, opts.ResumeSessionID) {
		o.log.Warn("resume target owned by another process, starting fresh",
			zap.String("session_id", id),
			zap.String("external_id", opts.ResumeSessionID))
		if _, err := o.store.Emit(ctx, id, events.WarningPayload{
			Code:    WarnExternalSessionBusy,
			Message: "external session " + opts.ResumeSessionID + " is in use elsewhere; resume hint dropped",
		}); err != nil {
			return nil, err
		}
		opts.ResumeSessionID = ""
	}

	// Long-lived runners keep per-session policy; tell them about the
	// change instead of waiting for the next cold start. The new mode is
	// persisted and rides along in StartOptions regardless, so a failure
	// here only delays it.
	if modeChanged {
		if err := rn.UpdatePermissionMode(ctx, id, string(sess.ApprovalMode)); err != nil {
			o.log.Warn("permission mode update not accepted by runner",
				zap.String("session_id", id),
				zap.String("mode", string(sess.ApprovalMode)),
				zap.Error(err))
		}
	}

	o.startHeartbeat(id)
	if err := rn.Start(ctx, opts); err != nil {
		o.failSession(ctx, id, err)
		return nil, err
	}
	return sess, nil
}

// Input delivers user text. In RUNNING it is forwarded to the runner
// (which queues it when a turn is in flight); in AWAITING_INPUT or
// ERROR it restarts the runner with the text as the turn prompt.
func (o *Service) Input(ctx context.Context, id, text string) (*session.Session, error) {
	if text == "" {
		return nil, errors.ValidationError("input text is required")
	}

	var (
		rn      runner.Runner
		sess    *session.Session
		restart bool
		opts    runner.StartOptions
	)
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		rn, err = o.runnerFor(cur.Adapter)
		if err != nil {
			return err
		}

		switch cur.State {
		case session.StateRunning:
			sess = cur
		case session.StateAwaitingInput, session.StateError:
			restart = true
			sess, err = o.store.TransitionLocked(ctx, rt, session.StateRunning, session.TransitionOpts{})
			if err != nil {
				return err
			}
			opts = runner.StartOptions{
				SessionID:       id,
				Prompt:          text,
				Directory:       sess.Directory,
				ApprovalMode:    string(sess.ApprovalMode),
				ResumeSessionID: sess.RunnerSessionID,
			}
		default:
			return errors.InvalidState("cannot accept input for session " + id + " in state " + string(cur.State))
		}
		_, err = o.store.EmitLocked(ctx, rt, events.UserInputPayload{Text: text})
		return err
	})
	if err != nil {
		return nil, err
	}

	if restart {
		o.startHeartbeat(id)
		err = rn.Start(ctx, opts)
	} else {
		err = rn.SendInput(ctx, id, text)
	}
	if err != nil {
		o.failSession(ctx, id, err)
		return nil, err
	}
	return sess, nil
}

// Interrupt asks the runner to stop the active turn. Idempotent when
// the session is already resting or already interrupting.
func (o *Service) Interrupt(ctx context.Context, id string) (*session.Session, error) {
	var (
		rn      runner.Runner
		sess    *session.Session
		proceed bool
	)
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		switch cur.State {
		case session.StateRunning:
			rn, err = o.runnerFor(cur.Adapter)
			if err != nil {
				return err
			}
			sess, err = o.store.TransitionLocked(ctx, rt, session.StateInterrupting, session.TransitionOpts{})
			if err != nil {
				return err
			}
			if err := o.cancelPermissionsLocked(ctx, rt); err != nil {
				return err
			}
			proceed = true
			return nil
		case session.StateAwaitingInput, session.StateInterrupting:
			sess = cur
			return nil
		default:
			return errors.InvalidState("cannot interrupt session " + id + " in state " + string(cur.State))
		}
	})
	if err != nil {
		return nil, err
	}

	if proceed {
		if err := rn.Stop(ctx, id); err != nil {
			o.failSession(ctx, id, err)
			return nil, err
		}
	}
	return sess, nil
}

// ResolvePermission answers a pending permission request on behalf of a
// user. First writer wins: an unknown or already-resolved request id is
// a not-found error.
func (o *Service) ResolvePermission(ctx context.Context, id, requestID string, allow bool, message string, updatedInput map[string]any) error {
	return o.store.WithLock(id, func(rt *session.Runtime) error {
		ok := rt.Permissions().Resolve(requestID, session.PermissionResult{
			Allow:        allow,
			ResolvedBy:   events.ResolvedByUser,
			Message:      message,
			UpdatedInput: updatedInput,
		})
		if !ok {
			return errors.NotFound("permission request", requestID)
		}
		_, err := o.store.EmitLocked(ctx, rt, events.PermissionResolvedPayload{
			RequestID:  requestID,
			ResolvedBy: events.ResolvedByUser,
			Allowed:    allow,
			Message:    message,
		})
		return err
	})
}

// Delete stops bookkeeping and removes the session. The store refuses
// while a runner owns it.
func (o *Service) Delete(ctx context.Context, id string) error {
	if err := o.store.Delete(ctx, id); err != nil {
		return err
	}
	o.stopHeartbeat(id, false)
	return nil
}

func (o *Service) runnerFor(adapter string) (runner.Runner, error) {
	if o.runners == nil {
		return nil, errors.InternalError("no runner registry configured", nil)
	}
	rn, err := o.runners.Get(adapter)
	if err != nil {
		return nil, errors.ValidationError("unknown adapter '" + adapter + "'")
	}
	return rn, nil
}

// failSession records a runner failure: error event plus transition to
// ERROR.
func (o *Service) failSession(ctx context.Context, id string, cause error) {
	o.stopHeartbeat(id, true)
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		if _, err := o.store.EmitLocked(ctx, rt, events.ErrorPayload{
			Code:    errors.GetCode(cause),
			Message: cause.Error(),
		}); err != nil {
			return err
		}
		_ = o.cancelPermissionsLocked(ctx, rt)
		_, err := o.store.TransitionLocked(ctx, rt, session.StateError, session.TransitionOpts{AllowSame: true, MarkEnded: true})
		return err
	})
	if err != nil {
		o.log.Error("failed to mark session errored",
			zap.String("session_id", id), zap.Error(err))
	}
}

// cancelPermissionsLocked resolves every outstanding one-shot as
// deny/cancelled and emits the matching events.
func (o *Service) cancelPermissionsLocked(ctx context.Context, rt *session.Runtime) error {
	cancelled := rt.Permissions().ClearAll(session.PermissionResult{
		Allow:      false,
		ResolvedBy: events.ResolvedByCancelled,
	})
	for _, requestID := range cancelled {
		if _, err := o.store.EmitLocked(ctx, rt, events.PermissionResolvedPayload{
			RequestID:  requestID,
			ResolvedBy: events.ResolvedByCancelled,
			Allowed:    false,
		}); err != nil {
			return err
		}
	}
	return nil
}

// resolveInternal settles a one-shot from a timer or auto-approval.
// Losing the race against a user resolution is fine; only the winner
// emits.
func (o *Service) resolveInternal(ctx context.Context, id, requestID string, res session.PermissionResult) {
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		if !rt.Permissions().Resolve(requestID, res) {
			return nil
		}
		_, err := o.store.EmitLocked(ctx, rt, events.PermissionResolvedPayload{
			RequestID:  requestID,
			ResolvedBy: res.ResolvedBy,
			Allowed:    res.Allow,
			Message:    res.Message,
		})
		return err
	})
	if err != nil {
		o.log.Warn("failed to resolve permission",
			zap.String("session_id", id),
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// --- runner.Sink ---

// OnHeader journals the runner identity and applies the identity
// binding rules for the external session id it carries.
func (o *Service) OnHeader(id string, h runner.Header) {
	ctx := context.Background()
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		payload := events.HeaderPayload{
			Title: h.Title, Model: h.Model, Provider: h.Provider, ThreadID: h.ThreadID,
		}
		if _, err := o.store.EmitLocked(ctx, rt, payload); err != nil {
			return err
		}
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if raw, err := json.Marshal(payload); err == nil {
			cur.RunnerHeader = string(raw)
			if _, err := o.store.Update(ctx, cur); err != nil {
				return err
			}
		}

		switch {
		case h.ThreadID == "" || cur.RunnerSessionID == h.ThreadID:
			return nil
		case cur.RunnerSessionID == "":
			_, err := o.store.SetRunnerSessionID(ctx, id, h.ThreadID)
			return err
		default:
			// The agent silently expired the bound id and issued a new
			// one; move the binding and warn.
			ok, err := o.store.ReplaceRunnerSessionID(ctx, id, cur.RunnerSessionID, h.ThreadID)
			if err != nil || !ok {
				return err
			}
			_, err = o.store.EmitLocked(ctx, rt, events.WarningPayload{
				Code:    WarnExternalSessionRebound,
				Message: "external session " + cur.RunnerSessionID + " expired, rebound to " + h.ThreadID,
			})
			return err
		}
	})
	if err != nil {
		o.log.Warn("header handling failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (o *Service) OnOutput(id string, out runner.Output) {
	_, err := o.store.EmitOutput(context.Background(), id, events.OutputPayload{
		Stream: out.Stream,
		Text:   out.Text,
		Kind:   out.Kind,
		Final:  out.Final,
	})
	if err != nil {
		o.log.Warn("output emit failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (o *Service) OnMetadata(id string, values map[string]any) {
	if _, err := o.store.Emit(context.Background(), id, events.MetadataPayload{Values: values}); err != nil {
		o.log.Warn("metadata emit failed", zap.String("session_id", id), zap.Error(err))
	}
}

func (o *Service) OnHeartbeat(id string, elapsedS float64, done bool) {
	if _, err := o.store.Emit(context.Background(), id, events.HeartbeatPayload{ElapsedS: elapsedS, Done: done}); err != nil {
		o.log.Warn("heartbeat emit failed", zap.String("session_id", id), zap.Error(err))
	}
}

// OnPermissionRequest installs the one-shot, journals the request, and
// arms the deny-on-timeout timer. Bypass mode resolves immediately.
func (o *Service) OnPermissionRequest(id string, req runner.PermissionRequest) <-chan runner.PermissionDecision {
	ctx := context.Background()
	out := make(chan runner.PermissionDecision, 1)

	var resCh <-chan session.PermissionResult
	var auto bool
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		resCh = rt.Permissions().Add(req.RequestID)
		if _, err := o.store.EmitLocked(ctx, rt, events.PermissionRequestPayload{
			RequestID:   req.RequestID,
			ToolName:    req.ToolName,
			ToolInput:   req.ToolInput,
			Suggestions: req.Suggestions,
		}); err != nil {
			return err
		}
		if cur, err := o.store.Get(ctx, id); err == nil {
			auto = cur.ApprovalMode == session.ApprovalBypass
		}
		return nil
	})
	if err != nil {
		o.log.Warn("permission request handling failed",
			zap.String("session_id", id), zap.Error(err))
		out <- runner.PermissionDecision{Allow: false, ResolvedBy: events.ResolvedByCancelled}
		return out
	}

	if auto {
		o.resolveInternal(ctx, id, req.RequestID, session.PermissionResult{
			Allow: true, ResolvedBy: events.ResolvedByAuto,
		})
	} else if o.permissionTimeout > 0 {
		time.AfterFunc(o.permissionTimeout, func() {
			o.resolveInternal(context.Background(), id, req.RequestID, session.PermissionResult{
				Allow: false, ResolvedBy: events.ResolvedByTimeout,
			})
		})
	}

	go func() {
		res := <-resCh
		out <- runner.PermissionDecision{
			Allow:        res.Allow,
			ResolvedBy:   res.ResolvedBy,
			Message:      res.Message,
			UpdatedInput: res.UpdatedInput,
		}
	}()
	return out
}

// OnPermissionResolved records a resolution the runner observed on its
// own side (sidecars may auto-resolve locally).
func (o *Service) OnPermissionResolved(id string, res runner.PermissionResolution) {
	ctx := context.Background()
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		rt.Permissions().Resolve(res.RequestID, session.PermissionResult{
			Allow:      res.Allowed,
			ResolvedBy: res.ResolvedBy,
			Message:    res.Message,
		})
		_, err := o.store.EmitLocked(ctx, rt, events.PermissionResolvedPayload{
			RequestID:  res.RequestID,
			ResolvedBy: res.ResolvedBy,
			Allowed:    res.Allowed,
			Message:    res.Message,
		})
		return err
	})
	if err != nil {
		o.log.Warn("permission resolution emit failed",
			zap.String("session_id", id), zap.Error(err))
	}
}

// OnError journals the error. Stream hiccups (STREAM_ERROR,
// READ_TIMEOUT) are events only; the sidecar retries in the background
// and the session state is untouched. Everything else moves the
// session to ERROR.
func (o *Service) OnError(id, code, message string) {
	ctx := context.Background()
	if _, err := o.store.Emit(ctx, id, events.ErrorPayload{Code: code, Message: message}); err != nil {
		o.log.Warn("error emit failed", zap.String("session_id", id), zap.Error(err))
	}
	if code == errors.ErrCodeStreamError || code == errors.ErrCodeReadTimeout {
		return
	}

	o.stopHeartbeat(id, true)
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		rt.SetStopRequested(false)
		if err := o.cancelPermissionsLocked(ctx, rt); err != nil {
			return err
		}
		_, err := o.store.TransitionLocked(ctx, rt, session.StateError, session.TransitionOpts{AllowSame: true, MarkEnded: true})
		return err
	})
	if err != nil {
		o.log.Warn("error transition failed", zap.String("session_id", id), zap.Error(err))
	}
}

// OnExit completes a stop: the runner gave the session back.
func (o *Service) OnExit(id string, exitCode *int) {
	o.stopHeartbeat(id, true)
	ctx := context.Background()
	err := o.store.WithLock(id, func(rt *session.Runtime) error {
		rt.SetStopRequested(false)
		if err := o.cancelPermissionsLocked(ctx, rt); err != nil {
			return err
		}
		cur, err := o.store.Get(ctx, id)
		if err != nil {
			return err
		}
		// A stop before any start leaves nothing to transition.
		if cur.State == session.StateCreated {
			return nil
		}
		_, err = o.store.TransitionLocked(ctx, rt, session.StateAwaitingInput, session.TransitionOpts{
			AllowSame: true, MarkEnded: true, ExitCode: exitCode,
		})
		return err
	})
	if err != nil {
		o.log.Warn("exit transition failed", zap.String("session_id", id), zap.Error(err))
	}
}

// OnAwaitingInput records a natural turn boundary.
func (o *Service) OnAwaitingInput(id string) {
	o.stopHeartbeat(id, true)
	_, err := o.store.Transition(context.Background(), id, session.StateAwaitingInput, session.TransitionOpts{AllowSame: true})
	if err != nil {
		o.log.Warn("awaiting-input transition failed",
			zap.String("session_id", id), zap.Error(err))
	}
}

// --- heartbeats ---

func (o *Service) startHeartbeat(id string) {
	if o.heartbeatInterval <= 0 {
		return
	}
	o.hbMu.Lock()
	defer o.hbMu.Unlock()
	if _, ok := o.heartbeats[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hb := &heartbeat{cancel: cancel, started: time.Now()}
	o.heartbeats[id] = hb
	go o.heartbeatLoop(ctx, id, hb.started)
}

func (o *Service) heartbeatLoop(ctx context.Context, id string, started time.Time) {
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := o.store.Emit(context.Background(), id, events.HeartbeatPayload{
				ElapsedS: time.Since(started).Seconds(),
			})
			if err != nil {
				o.log.Warn("heartbeat emit failed", zap.String("session_id", id), zap.Error(err))
				return
			}
		}
	}
}

func (o *Service) stopHeartbeat(id string, emitDone bool) {
	o.hbMu.Lock()
	hb := o.heartbeats[id]
	delete(o.heartbeats, id)
	o.hbMu.Unlock()
	if hb == nil {
		return
	}
	hb.cancel()
	if emitDone {
		_, _ = o.store.Emit(context.Background(), id, events.HeartbeatPayload{
			ElapsedS: time.Since(hb.started).Seconds(),
			Done:     true,
		})
	}
}

// storeQueue exposes the store-owned pending-input queue and stop latch
// through the narrow interface runners consult at turn boundaries.
type storeQueue struct {
	store *session.Store
}

func (q storeQueue) Push(id, text string) {
	_ = q.store.WithLock(id, func(rt *session.Runtime) error {
		rt.PushInput(text)
		return nil
	})
}

func (q storeQueue) Pop(id string) (string, bool) {
	var text string
	var ok bool
	_ = q.store.WithLock(id, func(rt *session.Runtime) error {
		text, ok = rt.PopInput()
		return nil
	})
	return text, ok
}

func (q storeQueue) StopRequested(id string) bool {
	var v bool
	_ = q.store.WithLock(id, func(rt *session.Runtime) error {
		v = rt.StopRequested()
		return nil
	})
	return v
}

func (q storeQueue) SetStopRequested(id string, v bool) {
	_ = q.store.WithLock(id, func(rt *session.Runtime) error {
		rt.SetStopRequested(v)
		return nil
	})
}
