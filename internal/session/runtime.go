package session

import (
	"strings"

	"github.com/ferrydev/ferry/internal/events"
)

// Runtime holds the non-persisted resources of one session: its journal,
// sequence counter, queued inputs and permission one-shots. The embedded
// lock is the per-session lock; every method on Runtime assumes the
// caller holds it via Store.WithLock. The lock must never be held across
// a call into a runner adapter.
type Runtime struct {
	sessionID string
	journal   *events.Journal
	seq       int64

	pendingInputs []string
	stopRequested bool

	// Watermarks for attach/sync so already-shown history is not
	// re-emitted.
	syncedMessages int
	syncedTurns    int

	recent   dedupeRing
	finalBuf strings.Builder

	permissions *Permissions
}

func newRuntime(sessionID string, journal *events.Journal) *Runtime {
	return &Runtime{
		sessionID:   sessionID,
		journal:     journal,
		seq:         journal.MaxSeq(),
		permissions: newPermissions(),
	}
}

// SessionID returns the owning session's id.
func (rt *Runtime) SessionID() string { return rt.sessionID }

// Seq returns the last assigned sequence number.
func (rt *Runtime) Seq() int64 { return rt.seq }

func (rt *Runtime) nextSeq() int64 {
	rt.seq++
	return rt.seq
}

// PushInput appends text to the pending-input queue.
func (rt *Runtime) PushInput(text string) {
	rt.pendingInputs = append(rt.pendingInputs, text)
}

// PopInput removes and returns the oldest queued input.
func (rt *Runtime) PopInput() (string, bool) {
	if len(rt.pendingInputs) == 0 {
		return "", false
	}
	text := rt.pendingInputs[0]
	rt.pendingInputs = rt.pendingInputs[1:]
	return text, true
}

// PendingInputs returns the number of queued inputs.
func (rt *Runtime) PendingInputs() int { return len(rt.pendingInputs) }

// SetStopRequested sets the latch meaning "the next natural turn
// boundary is an exit, not an await".
func (rt *Runtime) SetStopRequested(v bool) { rt.stopRequested = v }

// StopRequested reports the stop latch.
func (rt *Runtime) StopRequested() bool { return rt.stopRequested }

// Watermarks returns the synced message and turn counts.
func (rt *Runtime) Watermarks() (messages, turns int) {
	return rt.syncedMessages, rt.syncedTurns
}

// SetWatermarks records how much external history has been emitted.
func (rt *Runtime) SetWatermarks(messages, turns int) {
	rt.syncedMessages = messages
	rt.syncedTurns = turns
}

// Permissions returns the pending permission one-shots. The Permissions
// value has its own lock and is safe to use without the session lock;
// runners resolve through it from their own goroutines.
func (rt *Runtime) Permissions() *Permissions { return rt.permissions }
