package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/events/bus"
)

// Store is the single source of truth for sessions and their runtime
// resources. It serializes all per-session work behind a named lock and
// owns the emit pipeline: seq assignment, journal append, subscriber
// fan-out and bus republish.
type Store struct {
	repo        Repository
	registry    *events.Registry
	bus         bus.EventBus
	log         *logger.Logger
	journalDir  string
	rotateBytes int64

	mu       sync.Mutex
	locks    map[string]*sync.Mutex
	runtimes map[string]*Runtime
}

// NewStore creates a store over the given repository. journalDir is the
// data directory under which per-session journals live; eventBus may be
// nil when no bridge republish is wanted.
func NewStore(repo Repository, registry *events.Registry, eventBus bus.EventBus, journalDir string, rotateBytes int64, log *logger.Logger) *Store {
	if rotateBytes <= 0 {
		rotateBytes = events.DefaultRotateBytes
	}
	return &Store{
		repo:        repo,
		registry:    registry,
		bus:         eventBus,
		log:         log,
		journalDir:  journalDir,
		rotateBytes: rotateBytes,
		locks:       make(map[string]*sync.Mutex),
		runtimes:    make(map[string]*Runtime),
	}
}

// lockFor returns the named per-session lock, creating it on first use.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// runtimeFor returns the session's runtime, opening its journal on first
// use. Opening the journal scans for the highest recorded seq, so the
// counter resumes gaplessly across process restarts.
func (s *Store) runtimeFor(id string) (*Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[id]; ok {
		return rt, nil
	}
	journal, err := events.OpenJournal(s.journalDir, id, s.rotateBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open session journal")
	}
	rt := newRuntime(id, journal)
	s.runtimes[id] = rt
	return rt, nil
}

// WithLock runs fn while holding the per-session lock, handing it the
// session's runtime. This is the only way to touch a Runtime. fn must
// not call into a runner adapter: runner callbacks re-enter the store
// and would deadlock on the same lock.
func (s *Store) WithLock(id string, fn func(rt *Runtime) error) error {
	rt, err := s.runtimeFor(id)
	if err != nil {
		return err
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()
	return fn(rt)
}

// CreateOptions carries the caller-provided fields of a new session.
type CreateOptions struct {
	Directory        string
	BaseRef          string
	Adapter          string
	Name             string
	Platform         string
	PlatformThreadID string
	ApprovalMode     ApprovalMode
}

// Create generates an id, persists a CREATED row and initializes the
// runtime (which creates the journal directory).
func (s *Store) Create(ctx context.Context, opts CreateOptions) (*Session, error) {
	mode := opts.ApprovalMode
	if mode == "" {
		mode = ApprovalInteractive
	}
	if !mode.Valid() {
		return nil, errors.ValidationError("unknown approval mode '" + string(mode) + "'")
	}

	sess := &Session{
		ID:               uuid.New().String(),
		State:            StateCreated,
		Directory:        opts.Directory,
		BaseRef:          opts.BaseRef,
		Adapter:          opts.Adapter,
		ApprovalMode:     mode,
		Name:             opts.Name,
		Platform:         opts.Platform,
		PlatformThreadID: opts.PlatformThreadID,
	}
	if err := s.repo.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	if _, err := s.runtimeFor(sess.ID); err != nil {
		return nil, err
	}
	s.log.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("directory", sess.Directory),
		zap.String("adapter", sess.Adapter))
	return sess, nil
}

// Get fetches one session.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	return s.repo.GetSession(ctx, id)
}

// List returns all sessions, newest first.
func (s *Store) List(ctx context.Context) ([]*Session, error) {
	return s.repo.ListSessions(ctx)
}

// Update persists a full-object write. The runner_session_id binding and
// the platform binding cannot be changed this way: attempts are reverted
// with a warning. Callers wanting to bind use SetRunnerSessionID or
// ReplaceRunnerSessionID.
func (s *Store) Update(ctx context.Context, sess *Session) (*Session, error) {
	current, err := s.repo.GetSession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	if sess.RunnerSessionID != current.RunnerSessionID {
		s.log.Warn("reverting runner_session_id change attempted via update",
			zap.String("session_id", sess.ID),
			zap.String("kept", current.RunnerSessionID),
			zap.String("rejected", sess.RunnerSessionID))
		sess.RunnerSessionID = current.RunnerSessionID
	}
	if current.Platform != "" && (sess.Platform != current.Platform || sess.PlatformThreadID != current.PlatformThreadID) {
		s.log.Warn("reverting platform binding change attempted via update",
			zap.String("session_id", sess.ID))
		sess.Platform = current.Platform
		sess.PlatformThreadID = current.PlatformThreadID
	}

	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	return sess.Clone(), nil
}

// SetRunnerSessionID binds an external session id. It succeeds only if
// the session is currently unbound and no other session owns the value;
// otherwise it is a no-op with a warning and returns false.
func (s *Store) SetRunnerSessionID(ctx context.Context, id, value string) (bool, error) {
	if value == "" {
		return false, errors.ValidationError("runner session id must not be empty")
	}
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.RunnerSessionID == value {
		return true, nil
	}
	if sess.RunnerSessionID != "" {
		s.log.Warn("refusing to overwrite bound runner_session_id",
			zap.String("session_id", id),
			zap.String("bound", sess.RunnerSessionID),
			zap.String("rejected", value))
		return false, nil
	}
	if other, err := s.repo.FindByRunnerSessionID(ctx, value); err == nil && other.ID != id {
		s.log.Warn("runner_session_id already owned by another session",
			zap.String("session_id", id),
			zap.String("owner", other.ID),
			zap.String("value", value))
		return false, nil
	}

	sess.RunnerSessionID = value
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceRunnerSessionID performs the expiry replacement: the binding
// moves from old to new only if the current value equals old (or is
// unbound) and new is not owned by another session.
func (s *Store) ReplaceRunnerSessionID(ctx context.Context, id, old, value string) (bool, error) {
	if value == "" {
		return false, errors.ValidationError("runner session id must not be empty")
	}
	sess, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return false, err
	}
	if sess.RunnerSessionID == value {
		return true, nil
	}
	if sess.RunnerSessionID != "" && sess.RunnerSessionID != old {
		s.log.Warn("expiry replacement does not match bound runner_session_id",
			zap.String("session_id", id),
			zap.String("bound", sess.RunnerSessionID),
			zap.String("expired", old))
		return false, nil
	}
	if other, err := s.repo.FindByRunnerSessionID(ctx, value); err == nil && other.ID != id {
		s.log.Warn("replacement runner_session_id already owned by another session",
			zap.String("session_id", id),
			zap.String("owner", other.ID),
			zap.String("value", value))
		return false, nil
	}

	sess.RunnerSessionID = value
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return false, err
	}
	s.log.Info("runner_session_id rebound after expiry",
		zap.String("session_id", id),
		zap.String("old", old),
		zap.String("new", value))
	return true, nil
}

// FindByRunnerSessionID returns the session bound to the external id.
func (s *Store) FindByRunnerSessionID(ctx context.Context, value string) (*Session, error) {
	return s.repo.FindByRunnerSessionID(ctx, value)
}

// Delete removes a session. Refused while a runner owns it. Outstanding
// permission one-shots are cancelled, subscribers are closed and the
// journal files are removed.
func (s *Store) Delete(ctx context.Context, id string) error {
	// Existence check before taking the lock, so a miss does not
	// materialize runtime state for a session that never existed.
	if _, err := s.repo.GetSession(ctx, id); err != nil {
		return err
	}

	err := s.WithLock(id, func(rt *Runtime) error {
		// Re-read under the lock: a start may have won the lock after
		// the unlocked existence check and taken the session to RUNNING.
		sess, err := s.repo.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.State.Active() {
			return errors.InvalidState("cannot delete session " + id + " while state is " + string(sess.State))
		}
		rt.Permissions().ClearAll(PermissionResult{
			Allow:      false,
			ResolvedBy: events.ResolvedByCancelled,
		})
		if err := rt.journal.Close(); err != nil {
			s.log.Warn("failed to close journal on delete",
				zap.String("session_id", id), zap.Error(err))
		}
		if err := rt.journal.Remove(); err != nil {
			s.log.Warn("failed to remove journal on delete",
				zap.String("session_id", id), zap.Error(err))
		}
		return s.repo.DeleteSession(ctx, id)
	})
	if err != nil {
		return err
	}

	s.registry.DropSession(id)
	s.mu.Lock()
	delete(s.runtimes, id)
	delete(s.locks, id)
	s.mu.Unlock()

	s.log.Info("session deleted", zap.String("session_id", id))
	return nil
}

// TransitionLocked validates and applies a state transition, persists
// the session and emits the session_state event. Caller must hold the
// session lock (it receives rt from WithLock).
func (s *Store) TransitionLocked(ctx context.Context, rt *Runtime, target State, opts TransitionOpts) (*Session, error) {
	sess, err := s.repo.GetSession(ctx, rt.sessionID)
	if err != nil {
		return nil, err
	}
	prev := sess.State
	if err := ApplyTransition(sess, target, opts); err != nil {
		return nil, err
	}
	if err := s.repo.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}
	if prev != sess.State {
		if _, err := s.EmitLocked(ctx, rt, events.StatePayload{State: string(sess.State)}); err != nil {
			return nil, err
		}
		s.log.Info("session state changed",
			zap.String("session_id", rt.sessionID),
			zap.String("from", string(prev)),
			zap.String("to", string(sess.State)))
	}
	return sess, nil
}

// Transition is TransitionLocked behind the session lock, for callers
// doing a single-step change (runner sinks, external-event pushes).
func (s *Store) Transition(ctx context.Context, id string, target State, opts TransitionOpts) (*Session, error) {
	var sess *Session
	err := s.WithLock(id, func(rt *Runtime) error {
		var err error
		sess, err = s.TransitionLocked(ctx, rt, target, opts)
		return err
	})
	return sess, err
}

// EmitLocked assigns the next seq, journals the event, fans out to live
// subscribers and republishes on the bus. An event is not considered
// delivered until the journal append succeeds. Caller must hold the
// session lock.
func (s *Store) EmitLocked(ctx context.Context, rt *Runtime, payload events.Payload) (events.Event, error) {
	ev := events.New(rt.sessionID, payload)
	ev.Seq = rt.nextSeq()
	if err := rt.journal.Append(ev); err != nil {
		rt.seq--
		return events.Event{}, errors.Wrap(err, "failed to journal event")
	}
	s.registry.Broadcast(ev)
	if s.bus != nil {
		if err := s.bus.Publish(ctx, bus.SubjectFor(rt.sessionID), ev); err != nil {
			s.log.Warn("bus republish failed",
				zap.String("session_id", rt.sessionID),
				zap.String("type", ev.Type),
				zap.Error(err))
		}
	}
	return ev, nil
}

// Emit is EmitLocked behind the session lock.
func (s *Store) Emit(ctx context.Context, id string, payload events.Payload) (events.Event, error) {
	var ev events.Event
	err := s.WithLock(id, func(rt *Runtime) error {
		var err error
		ev, err = s.EmitLocked(ctx, rt, payload)
		return err
	})
	return ev, err
}

// EmitOutputLocked runs the output pipeline: duplicate lines (compared
// ANSI-stripped and whitespace-collapsed against a bounded ring) are
// dropped, final-kind text accumulates into the turn buffer, and when
// the final chunk arrives the concatenated text is emitted as
// output_final. Returns whether the output event itself was emitted.
func (s *Store) EmitOutputLocked(ctx context.Context, rt *Runtime, payload events.OutputPayload) (bool, error) {
	if payload.Kind == events.OutputKindFinal {
		rt.finalBuf.WriteString(payload.Text)
	}

	emitted := false
	if !rt.recent.Seen(normalizeOutput(payload.Text)) {
		if _, err := s.EmitLocked(ctx, rt, payload); err != nil {
			return false, err
		}
		emitted = true
	}

	if payload.Final {
		final := events.OutputFinalPayload{
			Text:      rt.finalBuf.String(),
			IsHistory: payload.IsHistory,
		}
		rt.finalBuf.Reset()
		rt.recent.Reset()
		if _, err := s.EmitLocked(ctx, rt, final); err != nil {
			return emitted, err
		}
	}
	return emitted, nil
}

// EmitOutput is EmitOutputLocked behind the session lock.
func (s *Store) EmitOutput(ctx context.Context, id string, payload events.OutputPayload) (bool, error) {
	var emitted bool
	err := s.WithLock(id, func(rt *Runtime) error {
		var err error
		emitted, err = s.EmitOutputLocked(ctx, rt, payload)
		return err
	})
	return emitted, err
}

// Subscribe registers a live consumer for one session's events.
func (s *Store) Subscribe(id string) *events.Subscriber {
	return s.registry.Register(id)
}

// ReadSince replays journalled events with seq greater than sinceSeq,
// optionally filtered by type.
func (s *Store) ReadSince(id string, sinceSeq int64, types map[string]bool) ([]events.Event, error) {
	rt, err := s.runtimeFor(id)
	if err != nil {
		return nil, err
	}
	return rt.journal.ReadSince(sinceSeq, types)
}

// Usage aggregates token and cost metadata from the journal.
func (s *Store) Usage(id string) (events.Usage, error) {
	rt, err := s.runtimeFor(id)
	if err != nil {
		return events.Usage{}, err
	}
	return events.AggregateUsage(rt.journal)
}

// Close closes every open journal. Sessions remain persisted.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, rt := range s.runtimes {
		if err := rt.journal.Close(); err != nil {
			s.log.Warn("failed to close journal",
				zap.String("session_id", id), zap.Error(err))
		}
	}
	s.runtimes = make(map[string]*Runtime)
}
