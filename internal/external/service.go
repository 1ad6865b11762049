package external

import (
	"context"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/common/logger"
	"github.com/ferrydev/ferry/internal/events"
	"github.com/ferrydev/ferry/internal/session"
)

// WarnSyncWatermarkReset is emitted when the external agent compacted
// its history below our watermark.
const WarnSyncWatermarkReset = "SYNC_WATERMARK_RESET"

// Service aggregates the backend scanners and implements attach and
// sync against the session store.
type Service struct {
	store    *session.Store
	scanners map[string]Scanner
	log      *logger.Logger
}

func NewService(store *session.Store, log *logger.Logger, scanners ...Scanner) *Service {
	byType := make(map[string]Scanner, len(scanners))
	for _, sc := range scanners {
		byType[sc.RunnerType()] = sc
	}
	return &Service{store: store, scanners: byType, log: log}
}

// Scanner returns the scanner for a runner type.
func (s *Service) Scanner(runnerType string) (Scanner, error) {
	sc, ok := s.scanners[runnerType]
	if !ok {
		return nil, errors.ValidationError("unknown runner_type '" + runnerType + "'")
	}
	return sc, nil
}

// List scans on-disk sessions, newest activity first. Empty runnerType
// scans every backend.
func (s *Service) List(ctx context.Context, directory, runnerType string, limit int) ([]Summary, error) {
	var targets []Scanner
	if runnerType != "" {
		sc, err := s.Scanner(runnerType)
		if err != nil {
			return nil, err
		}
		targets = append(targets, sc)
	} else {
		for _, sc := range s.scanners {
			targets = append(targets, sc)
		}
	}

	// Backends scan independent directory trees; fan out. A failed
	// backend logs and contributes nothing rather than failing the list.
	results := make([][]Summary, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, sc := range targets {
		g.Go(func() error {
			summaries, err := sc.List(gctx, directory)
			if err != nil {
				s.log.Warn("external scan failed",
					zap.String("runner_type", sc.RunnerType()), zap.Error(err))
				return nil
			}
			results[i] = summaries
			return nil
		})
	}
	_ = g.Wait()

	var out []Summary
	for _, summaries := range results {
		out = append(out, summaries...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivity.After(out[j].LastActivity)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// History returns the parsed detail of one external session. Empty
// runnerType tries every backend. limit > 0 keeps only the newest
// messages.
func (s *Service) History(ctx context.Context, id, runnerType string, limit int) (*Detail, error) {
	var targets []Scanner
	if runnerType != "" {
		sc, err := s.Scanner(runnerType)
		if err != nil {
			return nil, err
		}
		targets = append(targets, sc)
	} else {
		for _, sc := range s.scanners {
			targets = append(targets, sc)
		}
	}

	for _, sc := range targets {
		detail, err := sc.Detail(ctx, id)
		if err != nil {
			if errors.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if limit > 0 && len(detail.Messages) > limit {
			detail.Messages = detail.Messages[len(detail.Messages)-limit:]
		}
		return detail, nil
	}
	return nil, errors.NotFound("external_session", id)
}

// IsBusy reports whether the external session is currently owned by
// another CLI process. Unknown sessions and scan failures read as not
// busy.
func (s *Service) IsBusy(ctx context.Context, runnerType, externalID string) bool {
	sc, err := s.Scanner(runnerType)
	if err != nil {
		return false
	}
	detail, err := sc.Detail(ctx, externalID)
	if err != nil {
		return false
	}
	return detail.IsRunning
}

// Attach adopts the external session into a core session. Idempotent on
// the external id: when a core session already owns it, that session is
// returned with created=false and the history is not re-emitted.
func (s *Service) Attach(ctx context.Context, externalID, runnerType, directory string) (*session.Session, bool, error) {
	if externalID == "" {
		return nil, false, errors.ValidationError("external_id is required")
	}
	if existing, err := s.store.FindByRunnerSessionID(ctx, externalID); err == nil {
		return existing, false, nil
	} else if !errors.IsNotFound(err) {
		return nil, false, err
	}

	sc, err := s.Scanner(runnerType)
	if err != nil {
		return nil, false, err
	}
	detail, err := sc.Detail(ctx, externalID)
	if err != nil {
		return nil, false, err
	}
	if detail.IsRunning {
		return nil, false, errors.ExternalSessionBusy(externalID)
	}
	if directory == "" {
		directory = detail.Directory
	}

	sess, err := s.store.Create(ctx, session.CreateOptions{
		Directory: directory,
		Adapter:   runnerType,
		Name:      detail.FirstPrompt,
	})
	if err != nil {
		return nil, false, err
	}
	bound, err := s.store.SetRunnerSessionID(ctx, sess.ID, externalID)
	if err != nil {
		return nil, false, err
	}
	if !bound {
		// Lost a race with a concurrent attach; fall back to the winner.
		if existing, ferr := s.store.FindByRunnerSessionID(ctx, externalID); ferr == nil {
			_ = s.store.Delete(ctx, sess.ID)
			return existing, false, nil
		}
		return nil, false, errors.InvalidState("external session " + externalID + " is already bound")
	}

	err = s.store.WithLock(sess.ID, func(rt *session.Runtime) error {
		// The table has no CREATED -> AWAITING_INPUT edge; an attached
		// session passes through RUNNING, which also stamps started_at.
		if _, err := s.store.TransitionLocked(ctx, rt, session.StateRunning, session.TransitionOpts{}); err != nil {
			return err
		}
		if _, err := s.store.TransitionLocked(ctx, rt, session.StateAwaitingInput, session.TransitionOpts{}); err != nil {
			return err
		}
		if err := s.replayLocked(ctx, rt, detail.Messages); err != nil {
			return err
		}
		rt.SetWatermarks(len(detail.Messages), countTurns(detail.Messages))
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	sess, err = s.store.Get(ctx, sess.ID)
	if err != nil {
		return nil, false, err
	}
	s.log.Info("external session attached",
		zap.String("session_id", sess.ID),
		zap.String("external_id", externalID),
		zap.String("runner_type", runnerType),
		zap.Int("messages", len(detail.Messages)))
	return sess, true, nil
}

// Sync re-reads the external history and emits only messages beyond the
// watermark.
func (s *Service) Sync(ctx context.Context, sessionID string) (int, error) {
	sess, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess.RunnerSessionID == "" {
		return 0, errors.ValidationError("session " + sessionID + " is not attached to an external session")
	}
	sc, err := s.Scanner(sess.Adapter)
	if err != nil {
		return 0, err
	}
	detail, err := sc.Detail(ctx, sess.RunnerSessionID)
	if err != nil {
		return 0, err
	}

	emitted := 0
	err = s.store.WithLock(sessionID, func(rt *session.Runtime) error {
		synced, _ := rt.Watermarks()
		total := len(detail.Messages)

		// Cold boot: the in-memory watermark was lost but the journal
		// already holds the history. Adopt the current count silently so
		// bridges do not see everything twice.
		if synced == 0 && rt.Seq() > 0 {
			rt.SetWatermarks(total, countTurns(detail.Messages))
			return nil
		}

		if synced > total {
			// The external agent compacted its history below the
			// watermark. Reset and warn rather than refuse.
			if _, err := s.store.EmitLocked(ctx, rt, events.WarningPayload{
				Code:    WarnSyncWatermarkReset,
				Message: "external history shrank; sync watermark reset",
			}); err != nil {
				return err
			}
			rt.SetWatermarks(total, countTurns(detail.Messages))
			return nil
		}

		if err := s.replayLocked(ctx, rt, detail.Messages[synced:]); err != nil {
			return err
		}
		emitted = total - synced
		rt.SetWatermarks(total, countTurns(detail.Messages))
		return nil
	})
	return emitted, err
}

// replayLocked emits history-flagged events for the messages. The store
// lock is held; events go straight through EmitLocked so the output
// dedup ring is not consulted for history.
func (s *Service) replayLocked(ctx context.Context, rt *session.Runtime, msgs []Message) error {
	for i, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			if _, err := s.store.EmitLocked(ctx, rt, events.UserInputPayload{
				Text: msg.Content, IsHistory: true,
			}); err != nil {
				return err
			}
		case RoleAssistant:
			if msg.Thinking != "" {
				if _, err := s.store.EmitLocked(ctx, rt, events.OutputPayload{
					Text: msg.Thinking, Kind: events.OutputKindStep, IsHistory: true,
				}); err != nil {
					return err
				}
			}
			if msg.Content == "" {
				continue
			}
			payload := events.OutputPayload{
				Text: msg.Content, Kind: events.OutputKindStep, IsHistory: true,
			}
			if lastOfTurn(msgs, i) {
				payload.Kind = events.OutputKindFinal
				payload.Final = true
			}
			if _, err := s.store.EmitLocked(ctx, rt, payload); err != nil {
				return err
			}
		}
	}
	return nil
}

// lastOfTurn reports whether msgs[i] is the last assistant message
// before the next user message (or the end of history).
func lastOfTurn(msgs []Message, i int) bool {
	for _, next := range msgs[i+1:] {
		switch next.Role {
		case RoleUser:
			return true
		case RoleAssistant:
			if next.Content != "" {
				return false
			}
		}
	}
	return true
}

func countTurns(msgs []Message) int {
	turns := 0
	for _, m := range msgs {
		if m.Role == RoleUser {
			turns++
		}
	}
	return turns
}
