package repository

import (
	"context"
	"database/sql"
	goerrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ferrydev/ferry/internal/common/errors"
	"github.com/ferrydev/ferry/internal/session"
)

// SQLiteRepository provides SQLite-based session storage.
type SQLiteRepository struct {
	db *sqlx.DB
}

var _ session.Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (creating if needed) the session database.
func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	repo := &SQLiteRepository{db: db}
	if err := repo.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// initSchema creates the database tables if they don't exist.
func (r *SQLiteRepository) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		directory TEXT NOT NULL,
		base_ref TEXT DEFAULT '',
		adapter TEXT NOT NULL,
		runner_session_id TEXT DEFAULT '',
		approval_mode TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		ended_at DATETIME,
		last_activity_at DATETIME NOT NULL,
		name TEXT DEFAULT '',
		summary TEXT DEFAULT '',
		exit_code INTEGER,
		runner_header TEXT DEFAULT '',
		platform TEXT DEFAULT '',
		platform_thread_id TEXT DEFAULT ''
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_runner_session_id
		ON sessions(runner_session_id) WHERE runner_session_id != '';
	CREATE INDEX IF NOT EXISTS idx_sessions_created_at ON sessions(created_at);
	`

	_, err := r.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

// CreateSession inserts a new session record.
func (r *SQLiteRepository) CreateSession(ctx context.Context, s *session.Session) error {
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

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO sessions (id, state, directory, base_ref, adapter, runner_session_id, approval_mode,
			created_at, started_at, ended_at, last_activity_at,
			name, summary, exit_code, runner_header, platform, platform_thread_id)
		VALUES (:id, :state, :directory, :base_ref, :adapter, :runner_session_id, :approval_mode,
			:created_at, :started_at, :ended_at, :last_activity_at,
			:name, :summary, :exit_code, :runner_header, :platform, :platform_thread_id)
	`, s)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID.
func (r *SQLiteRepository) GetSession(ctx context.Context, id string) (*session.Session, error) {
	var s session.Session
	err := r.db.GetContext(ctx, &s, `SELECT * FROM sessions WHERE id = ?`, id)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &s, nil
}

// UpdateSession replaces an existing session record.
func (r *SQLiteRepository) UpdateSession(ctx context.Context, s *session.Session) error {
	res, err := r.db.NamedExecContext(ctx, `
		UPDATE sessions SET
			state = :state,
			directory = :directory,
			base_ref = :base_ref,
			adapter = :adapter,
			runner_session_id = :runner_session_id,
			approval_mode = :approval_mode,
			started_at = :started_at,
			ended_at = :ended_at,
			last_activity_at = :last_activity_at,
			name = :name,
			summary = :summary,
			exit_code = :exit_code,
			runner_header = :runner_header,
			platform = :platform,
			platform_thread_id = :platform_thread_id
		WHERE id = :id
	`, s)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("session", s.ID)
	}
	return nil
}

// DeleteSession removes a session record.
func (r *SQLiteRepository) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check delete result: %w", err)
	}
	if rows == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}

// ListSessions returns all sessions, newest first.
func (r *SQLiteRepository) ListSessions(ctx context.Context) ([]*session.Session, error) {
	sessions := []*session.Session{}
	err := r.db.SelectContext(ctx, &sessions, `SELECT * FROM sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// FindByRunnerSessionID returns the session holding the given binding.
func (r *SQLiteRepository) FindByRunnerSessionID(ctx context.Context, runnerSessionID string) (*session.Session, error) {
	var s session.Session
	err := r.db.GetContext(ctx, &s,
		`SELECT * FROM sessions WHERE runner_session_id = ? AND runner_session_id != ''`,
		runnerSessionID)
	if goerrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("session", runnerSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find session by runner id: %w", err)
	}
	return &s, nil
}
