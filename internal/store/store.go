package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Sentinel errors
var (
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert or update would give an owner
	// a second live session or reuse a sandbox id.
	ErrConflict = errors.New("conflict")
)

// Session statuses.
const (
	StatusCreating  = "creating"
	StatusActive    = "active"
	StatusError     = "error"
	StatusDestroyed = "destroyed"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
// Handles wrapped errors from database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Session struct {
	ID             string    `json:"id"`
	SandboxID      string    `json:"sandbox_id"`
	OwnerUserID    string    `json:"owner_user_id"`
	Status         string    `json:"status"`
	Error          string    `json:"error,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
}

type Store struct {
	db *sql.DB
}

// The partial indexes keep one non-destroyed session per owner and make
// sandbox ids single-use even if application-level locking is bypassed.
const createTableSQL = `
CREATE TABLE IF NOT EXISTS sandbox_sessions (
	id               TEXT PRIMARY KEY,
	sandbox_id       TEXT NOT NULL DEFAULT '',
	owner_user_id    TEXT NOT NULL,
	status           TEXT NOT NULL DEFAULT 'creating',
	error            TEXT NOT NULL DEFAULT '',
	created_at       DATETIME NOT NULL,
	last_activity_at DATETIME NOT NULL,
	expires_at       DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sandbox_sessions_live_owner
	ON sandbox_sessions(owner_user_id) WHERE status != 'destroyed';
CREATE UNIQUE INDEX IF NOT EXISTS idx_sandbox_sessions_sandbox_id
	ON sandbox_sessions(sandbox_id) WHERE sandbox_id != '';
CREATE INDEX IF NOT EXISTS idx_sandbox_sessions_status ON sandbox_sessions(status);
CREATE INDEX IF NOT EXISTS idx_sandbox_sessions_expires_at ON sandbox_sessions(expires_at);
`

const sessionColumns = `id, sandbox_id, owner_user_id, status, error, created_at, last_activity_at, expires_at`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas applies WAL, busy_timeout and perf pragmas to every new
// connection; the driver runs DSN pragmas per connection.
func dsnWithPragmas(dbPath string) string {
	// busy_timeout: 15s wait on lock (API + reaper overlap)
	// journal_mode=WAL: concurrent reads during writes
	// synchronous=NORMAL: safe in WAL, much faster writes than FULL
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
// An in-memory database (":memory:") is pinned to a single connection so every
// query sees the same data.
func New(dbPath string, maxOpenConns int) (*Store, error) {
	dsn := dsnWithPragmas(dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	if dbPath == ":memory:" {
		maxOpenConns = 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateSession(sess *Session) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO sandbox_sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.SandboxID, sess.OwnerUserID, sess.Status, sess.Error,
			sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), sess.ExpiresAt.UTC(),
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: owner %s already has a live session", ErrConflict, sess.OwnerUserID)
	}
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// GetSession returns nil, nil when id is unknown.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sandbox_sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionBySandboxID returns nil, nil when no session owns sandboxID.
func (s *Store) GetSessionBySandboxID(sandboxID string) (*Session, error) {
	if sandboxID == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT `+sessionColumns+` FROM sandbox_sessions WHERE sandbox_id = ?`, sandboxID)
	return scanSession(row)
}

// GetLiveSessionByOwner returns the owner's non-destroyed session, or nil, nil.
func (s *Store) GetLiveSessionByOwner(ownerUserID string) (*Session, error) {
	row := s.db.QueryRow(
		`SELECT `+sessionColumns+` FROM sandbox_sessions
		 WHERE owner_user_id = ? AND status != 'destroyed'`, ownerUserID,
	)
	return scanSession(row)
}

func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT ` + sessionColumns + ` FROM sandbox_sessions ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ActivateSession records the provider's sandbox id and marks the session active.
func (s *Store) ActivateSession(id, sandboxID string, expiresAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandbox_sessions SET sandbox_id = ?, status = ?, error = '', last_activity_at = ?, expires_at = ?
			 WHERE id = ?`,
			sandboxID, StatusActive, time.Now().UTC(), expiresAt.UTC(), id,
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sandbox %s already assigned", ErrConflict, sandboxID)
	}
	if err != nil {
		return fmt.Errorf("activating session: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) MarkSessionError(id, reason string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandbox_sessions SET status = ?, error = ? WHERE id = ?`, StatusError, reason, id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking session error: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) UpdateSessionActivity(id string, expiresAt time.Time) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandbox_sessions SET last_activity_at = ?, expires_at = ? WHERE id = ?`,
			time.Now().UTC(), expiresAt.UTC(), id,
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("updating session activity: %w", err)
	}
	return checkRowAffected(result, id)
}

func (s *Store) UpdateSessionStatus(id string, status string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE sandbox_sessions SET status = ? WHERE id = ?`, status, id,
		)
		return e
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: session %s", ErrConflict, id)
	}
	if err != nil {
		return fmt.Errorf("updating session status: %w", err)
	}
	return checkRowAffected(result, id)
}

// ListExpiredSessions returns live sessions whose lease has passed.
func (s *Store) ListExpiredSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sandbox_sessions
		 WHERE status IN ('active', 'error') AND expires_at <= ?`,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("listing expired sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *Store) ListActiveSessions() ([]*Session, error) {
	rows, err := s.db.Query(
		`SELECT `+sessionColumns+` FROM sandbox_sessions WHERE status = ?`, StatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("listing active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID, &sess.SandboxID, &sess.OwnerUserID, &sess.Status, &sess.Error,
		&sess.CreatedAt, &sess.LastActivityAt, &sess.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return nil
}
