// Package store persists conversation turns and the per-user session ledger
// in SQLite. Storage is partitioned by session; one session per user identity.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hearthd/hearth/internal/conversation"
	"github.com/hearthd/hearth/internal/fault"
	"github.com/hearthd/hearth/internal/retry"
)

// sessionNamespace makes session IDs a pure function of the user identity,
// so get_or_create is idempotent under concurrent first use.
var sessionNamespace = uuid.MustParse("8f2e6f0a-4c1d-4b49-9b6e-2a7d30c4a1de")

type Store struct {
	db    *sql.DB
	mu    sync.Mutex
	retry retry.Config
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// Retries are for transient write contention; a missing session is a
	// stable answer and must surface immediately.
	retryCfg := retry.DefaultConfig
	retryCfg.ShouldRetry = func(err error) bool { return !fault.IsNotFound(err) }

	s := &Store{db: db, retry: retryCfg}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying handle so the semantic fact log can share one
// database file.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL UNIQUE,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			last_active_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS turns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			seq INTEGER NOT NULL,
			role TEXT NOT NULL,
			blocks TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			UNIQUE(session_id, seq)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_turns_session_seq ON turns(session_id, seq)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SessionIDFor derives the deterministic session ID for a user identity.
func SessionIDFor(userID string) string {
	return uuid.NewSHA1(sessionNamespace, []byte(userID)).String()
}

// GetOrCreateSession returns the user's session, creating it on first use.
// Creation is idempotent: concurrent callers converge on the same row.
func (s *Store) GetOrCreateSession(userID string) (conversation.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return conversation.Session{}, fmt.Errorf("get or create session: empty user id")
	}
	id := SessionIDFor(userID)

	s.mu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO sessions (id, user_id) VALUES (?, ?)
		ON CONFLICT(user_id) DO NOTHING
	`, id, userID)
	s.mu.Unlock()
	if err != nil {
		return conversation.Session{}, &fault.StorageError{Op: "create session", Err: err}
	}

	return s.sessionByID(id)
}

// GetSessionByUser looks up a user's session without creating it.
func (s *Store) GetSessionByUser(userID string) (conversation.Session, error) {
	return s.sessionByID(SessionIDFor(strings.TrimSpace(userID)))
}

func (s *Store) sessionByID(id string) (conversation.Session, error) {
	row := s.db.QueryRow(`
		SELECT s.id, s.user_id, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s WHERE s.id = ?
	`, id)

	var sess conversation.Session
	var createdAt, lastActive string
	if err := row.Scan(&sess.ID, &sess.UserID, &createdAt, &lastActive, &sess.TurnCount); err != nil {
		if err == sql.ErrNoRows {
			return conversation.Session{}, fault.ErrNotFound
		}
		return conversation.Session{}, &fault.StorageError{Op: "read session", Err: err}
	}
	sess.CreatedAt = parseStoredTime(createdAt)
	sess.LastActiveAt = parseStoredTime(lastActive)
	return sess, nil
}

// Touch updates the session's last-active timestamp.
func (s *Store) Touch(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`UPDATE sessions SET last_active_at = datetime('now') WHERE id = ?`, sessionID)
	if err != nil {
		return &fault.StorageError{Op: "touch session", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.ErrNotFound
	}
	return nil
}

// Append durably persists a turn before returning, assigning the next
// sequence number within the session. Write failures are retried with
// backoff and surface as StorageError when exhausted.
func (s *Store) Append(ctx context.Context, sessionID string, turn conversation.Turn) (conversation.Turn, error) {
	blocks, err := json.Marshal(turn.Blocks)
	if err != nil {
		return conversation.Turn{}, &fault.StorageError{Op: "encode turn", Err: err}
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}

	var assigned conversation.Turn
	writeErr := retry.Do(ctx, s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin append: %w", err)
		}
		defer tx.Rollback()

		var exists int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM sessions WHERE id = ?`, sessionID).Scan(&exists); err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if exists == 0 {
			return fault.ErrNotFound
		}

		var seq int64
		if err := tx.QueryRow(`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE session_id = ?`, sessionID).Scan(&seq); err != nil {
			return fmt.Errorf("next seq: %w", err)
		}

		if _, err := tx.Exec(`
			INSERT INTO turns (session_id, seq, role, blocks, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, sessionID, seq, string(turn.Role), string(blocks), turn.Timestamp.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert turn: %w", err)
		}

		if _, err := tx.Exec(`UPDATE sessions SET last_active_at = datetime('now') WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("touch on append: %w", err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append: %w", err)
		}

		assigned = turn
		assigned.Seq = seq
		return nil
	})
	if writeErr != nil {
		if fault.IsNotFound(writeErr) {
			return conversation.Turn{}, fault.ErrNotFound
		}
		return conversation.Turn{}, &fault.StorageError{Op: "append turn", Err: writeErr}
	}
	return assigned, nil
}

// Read returns the session's turns. A positive limit returns only the most
// recent turns; chronological controls whether the result is oldest-first.
func (s *Store) Read(sessionID string, limit int, chronological bool) ([]conversation.Turn, error) {
	if _, err := s.sessionByID(sessionID); err != nil {
		return nil, err
	}

	q := `SELECT seq, role, blocks, created_at FROM turns WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, &fault.StorageError{Op: "read turns", Err: err}
	}
	defer rows.Close()

	turns := make([]conversation.Turn, 0)
	for rows.Next() {
		var turn conversation.Turn
		var role, blocks, createdAt string
		if err := rows.Scan(&turn.Seq, &role, &blocks, &createdAt); err != nil {
			return nil, &fault.StorageError{Op: "scan turn", Err: err}
		}
		if err := json.Unmarshal([]byte(blocks), &turn.Blocks); err != nil {
			return nil, &fault.StorageError{Op: "decode turn", Err: err}
		}
		turn.Role = conversation.Role(role)
		turn.Timestamp = parseStoredTime(createdAt)
		turns = append(turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, &fault.StorageError{Op: "iterate turns", Err: err}
	}

	// Query is newest-first so LIMIT keeps the tail; flip for chronological.
	if chronological {
		for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
			turns[i], turns[j] = turns[j], turns[i]
		}
	}
	return turns, nil
}

// Clear removes the session and its turns. Clearing an absent session is not
// an error; calling it twice leaves the same state as calling it once.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	err := retry.Do(ctx, s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin clear: %w", err)
		}
		defer tx.Rollback()

		if _, err := tx.Exec(`DELETE FROM turns WHERE session_id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM sessions WHERE id = ?`, sessionID); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return &fault.StorageError{Op: "clear session", Err: err}
	}
	return nil
}

// ClearAll removes every session and turn. Semantic memory is untouched.
func (s *Store) ClearAll(ctx context.Context) error {
	err := retry.Do(ctx, s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.db.Exec(`DELETE FROM turns`); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := s.db.Exec(`DELETE FROM sessions`); err != nil {
			return fmt.Errorf("delete sessions: %w", err)
		}
		return nil
	})
	if err != nil {
		return &fault.StorageError{Op: "clear all", Err: err}
	}
	return nil
}

// SweepInactive removes sessions whose last activity predates cutoff,
// together with their turns. Semantic memory is untouched; a swept user's
// next message starts a fresh session under the same ID.
func (s *Store) SweepInactive(ctx context.Context, cutoff time.Time) (int64, error) {
	var swept int64
	err := retry.Do(ctx, s.retry, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin sweep: %w", err)
		}
		defer tx.Rollback()

		boundary := cutoff.UTC().Format("2006-01-02 15:04:05")
		if _, err := tx.Exec(`
			DELETE FROM turns WHERE session_id IN
				(SELECT id FROM sessions WHERE last_active_at < ?)
		`, boundary); err != nil {
			return fmt.Errorf("sweep turns: %w", err)
		}
		res, err := tx.Exec(`DELETE FROM sessions WHERE last_active_at < ?`, boundary)
		if err != nil {
			return fmt.Errorf("sweep sessions: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit sweep: %w", err)
		}
		swept, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, &fault.StorageError{Op: "sweep sessions", Err: err}
	}
	return swept, nil
}

// ListSessions returns every session in the ledger, most recently active first.
func (s *Store) ListSessions() ([]conversation.Session, error) {
	rows, err := s.db.Query(`
		SELECT s.id, s.user_id, s.created_at, s.last_active_at,
		       (SELECT COUNT(*) FROM turns t WHERE t.session_id = s.id)
		FROM sessions s ORDER BY s.last_active_at DESC
	`)
	if err != nil {
		return nil, &fault.StorageError{Op: "list sessions", Err: err}
	}
	defer rows.Close()

	sessions := make([]conversation.Session, 0)
	for rows.Next() {
		var sess conversation.Session
		var createdAt, lastActive string
		if err := rows.Scan(&sess.ID, &sess.UserID, &createdAt, &lastActive, &sess.TurnCount); err != nil {
			return nil, &fault.StorageError{Op: "scan session", Err: err}
		}
		sess.CreatedAt = parseStoredTime(createdAt)
		sess.LastActiveAt = parseStoredTime(lastActive)
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, &fault.StorageError{Op: "iterate sessions", Err: err}
	}
	return sessions, nil
}

func parseStoredTime(value string) time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
