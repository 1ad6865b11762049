package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ferrydev/ferry/internal/common/config"
	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/runner"
	"github.com/ferrydev/ferry/internal/session"
	"github.com/ferrydev/ferry/internal/session/repository"
)

// mockRunner records calls; the test drives the sink by hand.
type mockRunner struct {
	mu          sync.Mutex
	starts      []runner.StartOptions
	inputs      []string
	stops       []string
	modeUpdates []string
	startErr    error
	stopErr     error
}

func (m *mockRunner) Start(ctx context.Context, opts runner.StartOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, opts)
	return m.startErr
}

func (m *mockRunner) SendInput(ctx context.Context, id, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, text)
	return nil
}

func (m *mockRunner) Stop(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops = append(m.stops, id)
	return m.stopErr
}

func (m *mockRunner) UpdatePermissionMode(ctx context.Context, id, mode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.modeUpdates = append(m.modeUpdates, mode)
	return nil
}

func (m *mockRunner) modeUpdateLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.modeUpdates...)
}

func (m *mockRunner) lastStart(t *testing.T) runner.StartOptions {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	require.NotEmpty(t, m.starts)
	return m.starts[len(m.starts)-1]
}

type stubRunners struct{ rn runner.Runner }

func (s stubRunners) Get(name string) (runner.Runner, error) { return s.rn, nil }

type stubBusy struct{ busy bool }

func (s stubBusy) IsBusy(ctx context.Context, runnerType, externalID string) bool { return s.busy }

func newTestOrchestrator(t *testing.T, cfg config.RunnersConfig) (*Service, *session.Store, *mockRunner) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	store := session.NewStore(repository.NewMemoryRepository(), events.NewRegistry(), nil, t.TempDir(), 0, log)
	t.Cleanup(store.Close)

	svc := New(store, cfg, log)
	t.Cleanup(svc.Close)
	rn := &mockRunner{}
	svc.SetRunners(stubRunners{rn})
	return svc, store, rn
}

func defaultCfg() config.RunnersConfig {
	return config.RunnersConfig{HeartbeatInterval: 60, PermissionTimeout: 300, StopGrace: 5}
}

func createSession(t *testing.T, store *session.Store) *session.Session {
	t.Helper()
	sess, err := store.Create(context.Background(), session.CreateOptions{
		Directory: "/work/demo", Adapter: "claude",
	})
	require.NoError(t, err)
	return sess
}

// eventTypes reads the journal and returns event types, heartbeats
// excluded.
func eventTypes(t *testing.T, store *session.Store, id string) []string {
	t.Helper()
	evs, err := store.ReadSince(id, 0, nil)
	require.NoError(t, err)
	var out []string
	for _, ev := range evs {
		if ev.Type == events.TypeHeartbeat {
			continue
		}
		out = append(out, ev.Type)
	}
	return out
}

func TestStartHappyPath(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)

	started, err := svc.Start(ctx, sess.ID, "hello", "")
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, started.State)

	opts := rn.lastStart(t)
	assert.Equal(t, "hello", opts.Prompt)
	assert.Equal(t, "/work/demo", opts.Directory)
	assert.Equal(t, "interactive", opts.ApprovalMode)

	// The runner reports the turn back through the sink.
	svc.OnHeader(sess.ID, runner.Header{Title: "t", Model: "m", Provider: "p"})
	svc.OnOutput(sess.ID, runner.Output{Text: "hi", Kind: events.OutputKindFinal, Final: true})
	svc.OnAwaitingInput(sess.ID)

	assert.Equal(t, []string{
		events.TypeSessionState, // CREATED -> RUNNING
		events.TypeUserInput,
		events.TypeHeader,
		events.TypeOutput,
		events.TypeOutputFinal,
		events.TypeSessionState, // RUNNING -> AWAITING_INPUT
	}, eventTypes(t, store, sess.ID))

	final, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingInput, final.State)
}

func TestStartModeChangePropagatesToRunner(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)

	_, err := svc.Start(ctx, sess.ID, "hello", "")
	require.NoError(t, err)
	// No change requested: the runner hears nothing.
	assert.Empty(t, rn.modeUpdateLog())

	code := 0
	svc.OnExit(sess.ID, &code)

	// The next turn switches to bypass; a live runner is told directly,
	// and the new mode also rides in the start options.
	_, err = svc.Start(ctx, sess.ID, "again", session.ApprovalBypass)
	require.NoError(t, err)
	assert.Equal(t, []string{"bypass"}, rn.modeUpdateLog())
	assert.Equal(t, "bypass", rn.lastStart(t).ApprovalMode)

	got, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.ApprovalBypass, got.ApprovalMode)

	// Restating the current mode is not a change.
	code2 := 0
	svc.OnExit(sess.ID, &code2)
	_, err = svc.Start(ctx, sess.ID, "more", session.ApprovalBypass)
	require.NoError(t, err)
	assert.Equal(t, []string{"bypass"}, rn.modeUpdateLog())
}

func TestStartRequiresDirectory(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	sess, err := store.Create(context.Background(), session.CreateOptions{Adapter: "claude"})
	require.NoError(t, err)

	_, err = svc.Start(context.Background(), sess.ID, "hi", "")
	assert.True(t, errors.IsValidationError(err))
}

func TestStartConflictWhileRunning(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)

	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, "again", "")
	assert.True(t, errors.IsInvalidState(err))
}

func TestStartRunnerFailureMovesToError(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	rn.startErr = errors.AgentUnavailable("claude", nil)

	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeAgentUnavailable, errors.GetCode(err))

	cur, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateError, cur.State)
	require.NotNil(t, cur.EndedAt)

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypeError: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, errors.ErrCodeAgentUnavailable, evs[0].Data.(events.ErrorPayload).Code)
}

func TestInputWhileRunningForwardsToRunner(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	cur, err := svc.Input(ctx, sess.ID, "follow-up")
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, cur.State)

	rn.mu.Lock()
	defer rn.mu.Unlock()
	assert.Equal(t, []string{"follow-up"}, rn.inputs)
	assert.Len(t, rn.starts, 1, "input during a turn must not restart the runner")
}

func TestInputFromAwaitingRestartsRunner(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)
	svc.OnAwaitingInput(sess.ID)

	cur, err := svc.Input(ctx, sess.ID, "next")
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, cur.State)

	opts := rn.lastStart(t)
	assert.Equal(t, "next", opts.Prompt)
}

func TestInputConflictWhenCreated(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	sess := createSession(t, store)
	_, err := svc.Input(context.Background(), sess.ID, "hi")
	assert.True(t, errors.IsInvalidState(err))
}

func TestInterruptFlow(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	cur, err := svc.Interrupt(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateInterrupting, cur.State)
	rn.mu.Lock()
	assert.Equal(t, []string{sess.ID}, rn.stops)
	rn.mu.Unlock()

	// Runner confirms the stop.
	code := 0
	svc.OnExit(sess.ID, &code)

	final, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingInput, final.State)
	require.NotNil(t, final.ExitCode)
	assert.Equal(t, 0, *final.ExitCode)
	require.NotNil(t, final.EndedAt)
}

func TestInterruptIdempotentWhenResting(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)
	svc.OnAwaitingInput(sess.ID)

	cur, err := svc.Interrupt(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateAwaitingInput, cur.State)
	rn.mu.Lock()
	assert.Empty(t, rn.stops)
	rn.mu.Unlock()
}

func TestInterruptConflictWhenCreated(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	sess := createSession(t, store)
	_, err := svc.Interrupt(context.Background(), sess.ID)
	assert.True(t, errors.IsInvalidState(err))
}

func TestPermissionRoundTripUserDeny(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	decision := svc.OnPermissionRequest(sess.ID, runner.PermissionRequest{
		RequestID: "req-1", ToolName: "Bash",
		ToolInput: map[string]any{"command": "rm -rf /"},
	})

	err = svc.ResolvePermission(ctx, sess.ID, "req-1", false, "nope", nil)
	require.NoError(t, err)

	select {
	case dec := <-decision:
		assert.False(t, dec.Allow)
		assert.Equal(t, "nope", dec.Message)
		assert.Equal(t, events.ResolvedByUser, dec.ResolvedBy)
	case <-time.After(time.Second):
		t.Fatal("runner never received the decision")
	}

	// First writer wins: a second resolve is a 404.
	err = svc.ResolvePermission(ctx, sess.ID, "req-1", true, "", nil)
	assert.True(t, errors.IsNotFound(err))

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypePermissionResolved: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	resolved := evs[0].Data.(events.PermissionResolvedPayload)
	assert.Equal(t, "req-1", resolved.RequestID)
	assert.False(t, resolved.Allowed)
	assert.Equal(t, "nope", resolved.Message)
}

func TestPermissionTimeoutDenies(t *testing.T) {
	cfg := defaultCfg()
	cfg.PermissionTimeout = 1
	svc, store, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	decision := svc.OnPermissionRequest(sess.ID, runner.PermissionRequest{RequestID: "req-1", ToolName: "Bash"})

	select {
	case dec := <-decision:
		assert.False(t, dec.Allow)
		assert.Equal(t, events.ResolvedByTimeout, dec.ResolvedBy)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout never fired")
	}

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypePermissionResolved: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, events.ResolvedByTimeout, evs[0].Data.(events.PermissionResolvedPayload).ResolvedBy)
}

func TestPermissionBypassAutoApproves(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess, err := store.Create(ctx, session.CreateOptions{
		Directory: "/work/demo", Adapter: "claude", ApprovalMode: session.ApprovalBypass,
	})
	require.NoError(t, err)
	_, err = svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	decision := svc.OnPermissionRequest(sess.ID, runner.PermissionRequest{RequestID: "req-1", ToolName: "Edit"})
	select {
	case dec := <-decision:
		assert.True(t, dec.Allow)
		assert.Equal(t, events.ResolvedByAuto, dec.ResolvedBy)
	case <-time.After(time.Second):
		t.Fatal("no auto approval")
	}
}

func TestInterruptCancelsPendingPermissions(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	decision := svc.OnPermissionRequest(sess.ID, runner.PermissionRequest{RequestID: "req-1", ToolName: "Bash"})

	_, err = svc.Interrupt(ctx, sess.ID)
	require.NoError(t, err)

	select {
	case dec := <-decision:
		assert.False(t, dec.Allow)
		assert.Equal(t, events.ResolvedByCancelled, dec.ResolvedBy)
	case <-time.After(time.Second):
		t.Fatal("pending permission not cancelled by interrupt")
	}
}

func TestHeaderBindsAndRebindsExternalID(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	svc.OnHeader(sess.ID, runner.Header{Model: "m", ThreadID: "v1"})
	cur, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "v1", cur.RunnerSessionID)
	assert.NotEmpty(t, cur.RunnerHeader)

	// The agent expired v1 and issued v2.
	svc.OnHeader(sess.ID, runner.Header{Model: "m", ThreadID: "v2"})
	cur, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", cur.RunnerSessionID)

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypeWarning: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, WarnExternalSessionRebound, evs[0].Data.(events.WarningPayload).Code)
}

func TestStreamErrorsDoNotChangeState(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	ctx := context.Background()
	sess := createSession(t, store)
	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	svc.OnError(sess.ID, errors.ErrCodeStreamError, "connection dropped")
	svc.OnError(sess.ID, errors.ErrCodeReadTimeout, "quiet stream")
	cur, err := store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateRunning, cur.State)

	svc.OnError(sess.ID, errors.ErrCodeRunnerError, "child crashed")
	cur, err = store.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StateError, cur.State)

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypeError: true})
	require.NoError(t, err)
	assert.Len(t, evs, 3, "every failure is journalled even when state is untouched")
}

func TestBusyResumeHintDropped(t *testing.T) {
	svc, store, rn := newTestOrchestrator(t, defaultCfg())
	svc.SetBusyChecker(stubBusy{busy: true})
	ctx := context.Background()
	sess := createSession(t, store)
	ok, err := store.SetRunnerSessionID(ctx, sess.ID, "ext-1")
	require.NoError(t, err)
	require.True(t, ok)

	_, err = svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	opts := rn.lastStart(t)
	assert.Empty(t, opts.ResumeSessionID, "busy resume target must be dropped")

	evs, err := store.ReadSince(sess.ID, 0, map[string]bool{events.TypeWarning: true})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, WarnExternalSessionBusy, evs[0].Data.(events.WarningPayload).Code)
}

func TestHeartbeatEmittedWhileActive(t *testing.T) {
	cfg := defaultCfg()
	cfg.HeartbeatInterval = 1
	svc, store, _ := newTestOrchestrator(t, cfg)
	ctx := context.Background()
	sess := createSession(t, store)

	sub := store.Subscribe(sess.ID)
	defer sub.Close()

	_, err := svc.Start(ctx, sess.ID, "hi", "")
	require.NoError(t, err)

	deadline := time.After(2 * time.Second) // first beat within 2x interval
	for {
		select {
		case ev := <-sub.Events():
			if ev.Type == events.TypeHeartbeat {
				hb := ev.Data.(events.HeartbeatPayload)
				assert.False(t, hb.Done)
				svc.OnAwaitingInput(sess.ID)
				return
			}
		case <-deadline:
			t.Fatal("no heartbeat within twice the interval")
		}
	}
}

func TestStopQueueRoundTrip(t *testing.T) {
	svc, store, _ := newTestOrchestrator(t, defaultCfg())
	sess := createSession(t, store)
	q := svc.Queue()

	q.Push(sess.ID, "a")
	q.Push(sess.ID, "b")
	text, ok := q.Pop(sess.ID)
	require.True(t, ok)
	assert.Equal(t, "a", text)

	assert.False(t, q.StopRequested(sess.ID))
	q.SetStopRequested(sess.ID, true)
	assert.True(t, q.StopRequested(sess.ID))
}
