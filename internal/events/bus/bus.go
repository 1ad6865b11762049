// Package bus provides the bridge-facing event bus. Every journalled
// session event is republished on subject "session.events.<id>" so
// chat-platform bridges can consume the stream without holding an HTTP
// connection. An in-memory implementation serves single-process
// deployments; NATS serves out-of-process bridges.
package bus

import (
	"context"

	"github.com/ferrydev/ferry/internal/events"
)

// SessionEventsSubject is the subject prefix for per-session events.
const SessionEventsSubject = "session.events"

// SubjectFor returns the publish subject for one session's events.
func SubjectFor(sessionID string) string {
	return SessionEventsSubject + "." + sessionID
}

// SubjectAllSessions returns the wildcard subject matching every
// session's events.
func SubjectAllSessions() string {
	return SessionEventsSubject + ".*"
}

// Handler is invoked for each event delivered to a subscription.
type Handler func(ctx context.Context, ev events.Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes session events to bridge subscribers.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, ev events.Event) error

	// Subscribe creates a subscription to a subject pattern.
	// Patterns use NATS-style wildcards: * matches one token.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close closes the connection.
	Close()

	// IsConnected returns connection status.
	IsConnected() bool
}
