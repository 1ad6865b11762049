package session

import "context"

// Repository persists session records. The store is the sole writer;
// handlers read through the store, never through a repository directly.
// Implementations live in the repository subpackage.
type Repository interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	DeleteSession(ctx context.Context, id string) error
	ListSessions(ctx context.Context) ([]*Session, error)

	// FindByRunnerSessionID returns the session bound to an external
	// runner session id, or a not-found error. At most one session may
	// hold a given binding.
	FindByRunnerSessionID(ctx context.Context, runnerSessionID string) (*Session, error)

	// Close closes the repository (for database connections).
	Close() error
}
