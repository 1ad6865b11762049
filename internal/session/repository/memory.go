package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/session"
)

// MemoryRepository provides in-memory session storage.
type MemoryRepository struct {
	sessions map[string]*session.Session
	mu       sync.RWMutex
}

var _ session.Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory session repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		sessions: make(map[string]*session.Session),
	}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

// CreateSession stores a new session.
func (r *MemoryRepository) CreateSession(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	if s.LastActivityAt.IsZero() {
		s.LastActivityAt = now
	}

	r.sessions[s.ID] = s.Clone()
	return nil
}

// GetSession retrieves a session by ID.
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return s.Clone(), nil
}

// UpdateSession replaces an existing session record.
func (r *MemoryRepository) UpdateSession(ctx context.Context, s *session.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return errors.NotFound("session", s.ID)
	}
	r.sessions[s.ID] = s.Clone()
	return nil
}

// DeleteSession removes a session record.
func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errors.NotFound("session", id)
	}
	delete(r.sessions, id)
	return nil
}

// ListSessions returns all sessions ordered by creation time, newest first.
func (r *MemoryRepository) ListSessions(ctx context.Context) ([]*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*session.Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// FindByRunnerSessionID returns the session holding the given binding.
func (r *MemoryRepository) FindByRunnerSessionID(ctx context.Context, runnerSessionID string) (*session.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.sessions {
		if runnerSessionID != "" && s.RunnerSessionID == runnerSessionID {
			return s.Clone(), nil
		}
	}
	return nil, errors.NotFound("session", runnerSessionID)
}
