package session

import (
	"time"

	"github.com/ferrydev/ferry/internal/common/errors"
)

// transitions is the static table of legal lifecycle transitions.
// Unlisted pairs fail with INVALID_STATE. CREATED is only ever an
// initial state; nothing transitions back into it.
var transitions = map[State]map[State]bool{
	StateCreated: {
		StateRunning: true,
	},
	StateRunning: {
		StateAwaitingInput: true,
		StateInterrupting:  true,
		StateError:         true,
	},
	StateAwaitingInput: {
		StateRunning: true,
		StateError:   true,
	},
	StateInterrupting: {
		StateAwaitingInput: true,
		StateError:         true,
	},
	StateError: {
		StateRunning: true,
	},
}

// CanTransition reports whether the (from, to) pair is a legal transition.
// A same-state pair is legal only when allowSame is set; external-event
// pushes use that to assert the current state idempotently.
func CanTransition(from, to State, allowSame bool) bool {
	if from == to {
		return allowSame
	}
	return transitions[from][to]
}

// TransitionOpts adjusts how a transition is applied.
type TransitionOpts struct {
	// AllowSame permits an idempotent no-op transition to the current state.
	AllowSame bool
	// MarkEnded records EndedAt alongside the transition.
	MarkEnded bool
	// ExitCode records the runner's exit code alongside the transition.
	ExitCode *int
}

// ApplyTransition validates and applies a state transition on s.
// On success it mutates State, refreshes LastActivityAt, sets StartedAt
// on the first entry into RUNNING, and clears ended/exit information when
// a terminal-ish state is restarted. Returns INVALID_STATE on an illegal
// pair. This is the single place that mutates State.
func ApplyTransition(s *Session, target State, opts TransitionOpts) error {
	if !target.Valid() {
		return errors.ValidationError("unknown session state '" + string(target) + "'")
	}
	if !CanTransition(s.State, target, opts.AllowSame) {
		return errors.InvalidState(
			"cannot transition session " + s.ID + " from " + string(s.State) + " to " + string(target))
	}

	now := time.Now().UTC()
	if s.State == target {
		// Idempotent assertion of the current state.
		s.LastActivityAt = now
		return nil
	}

	prev := s.State
	s.State = target
	s.LastActivityAt = now

	if target == StateRunning {
		if s.StartedAt == nil {
			s.StartedAt = &now
		}
		// Restart out of a resting state clears the previous ending.
		if prev == StateError || prev == StateAwaitingInput {
			s.EndedAt = nil
			s.ExitCode = nil
		}
	}

	if opts.MarkEnded {
		s.EndedAt = &now
	}
	if opts.ExitCode != nil {
		c := *opts.ExitCode
		s.ExitCode = &c
	}
	return nil
}
