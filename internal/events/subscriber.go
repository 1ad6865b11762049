package events

import "sync"

// subscriberBuffer is the per-subscriber queue depth. A slow subscriber
// starts losing events once its queue is full rather than blocking the
// emitting call; the journal remains authoritative for replay.
const subscriberBuffer = 256

// Subscriber is a live consumer queue for one session's events.
// Handles are owned by the consumer; the registry keeps only an index
// entry that Close removes.
type Subscriber struct {
	sessionID string
	ch        chan Event
	closeOnce sync.Once
	onClose   func(*Subscriber)
}

// Events returns the receive channel. It is closed when the subscriber
// is closed or the session is dropped.
func (s *Subscriber) Events() <-chan Event {
	return s.ch
}

// SessionID returns the session this subscriber is attached to.
func (s *Subscriber) SessionID() string {
	return s.sessionID
}

// Close deregisters the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		if s.onClose != nil {
			s.onClose(s)
		}
		close(s.ch)
	})
}

// Registry tracks live subscribers per session. Registration and
// deregistration are O(1); broadcast iterates a snapshot so a slow
// subscriber cannot block its peers.
type Registry struct {
	mu   sync.Mutex
	subs map[string]map[*Subscriber]struct{}
	// dropped counts events discarded due to full subscriber queues,
	// exposed for tests and diagnostics.
	dropped int64
}

// NewRegistry creates an empty subscriber registry.
func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]map[*Subscriber]struct{})}
}

// Register creates a subscriber for the session and returns the owned
// handle.
func (r *Registry) Register(sessionID string) *Subscriber {
	sub := &Subscriber{
		sessionID: sessionID,
		ch:        make(chan Event, subscriberBuffer),
	}
	sub.onClose = r.remove

	r.mu.Lock()
	set, ok := r.subs[sessionID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		r.subs[sessionID] = set
	}
	set[sub] = struct{}{}
	r.mu.Unlock()
	return sub
}

func (r *Registry) remove(sub *Subscriber) {
	r.mu.Lock()
	if set, ok := r.subs[sub.sessionID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(r.subs, sub.sessionID)
		}
	}
	r.mu.Unlock()
}

// Broadcast enqueues ev on every live subscriber of its session.
// Full queues drop the event for that subscriber only.
func (r *Registry) Broadcast(ev Event) {
	r.mu.Lock()
	set := r.subs[ev.SessionID]
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		select {
		case sub.ch <- ev:
		default:
			r.mu.Lock()
			r.dropped++
			r.mu.Unlock()
		}
	}
}

// DropSession closes every subscriber of a session, used on deletion.
func (r *Registry) DropSession(sessionID string) {
	r.mu.Lock()
	set := r.subs[sessionID]
	delete(r.subs, sessionID)
	snapshot := make([]*Subscriber, 0, len(set))
	for sub := range set {
		snapshot = append(snapshot, sub)
	}
	r.mu.Unlock()

	for _, sub := range snapshot {
		sub.Close()
	}
}

// Count returns the number of live subscribers for a session.
func (r *Registry) Count(sessionID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[sessionID])
}

// Dropped returns the total number of events discarded on full queues.
func (r *Registry) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}
