package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// SQLiteStore persists sessions so history survives restarts.
type SQLiteStore struct {
	mu       sync.Mutex
	db       *sql.DB
	maxTurns int
}

// NewSQLiteStore creates the session tables on db if needed.
func NewSQLiteStore(db *sql.DB, maxTurns int) (*SQLiteStore, error) {
	if maxTurns <= 0 {
		maxTurns = entities.DefaultMaxTurns
	}
	s := &SQLiteStore{db: db, maxTurns: maxTurns}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		class_level INTEGER NOT NULL,
		subject TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT 'en',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS chat_turns (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL REFERENCES chat_sessions(id) ON DELETE CASCADE,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		ts INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON chat_turns(session_id, id);
	`)
	return err
}

// Create registers a new session with any initial turns.
func (s *SQLiteStore) Create(ctx context.Context, sess entities.ChatSession) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id required", errs.ErrInvalidRequest)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_sessions WHERE id = ?`, sess.ID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking session: %w", err)
	}
	if exists > 0 {
		return fmt.Errorf("%w: session %s exists", errs.ErrSessionConflict, sess.ID)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chat_sessions (id, class_level, subject, language) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ClassLevel, sess.Subject, sess.Language,
	); err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}

	fresh := entities.ChatSession{MaxTurns: s.maxTurns}
	if err := fresh.Append(sess.Turns...); err != nil {
		return appendError(err)
	}
	if err := s.insertTurns(ctx, tx, sess.ID, fresh.Turns); err != nil {
		return err
	}
	return tx.Commit()
}

// Load returns the session with its turns in order.
func (s *SQLiteStore) Load(ctx context.Context, id string) (*entities.ChatSession, error) {
	sess, err := loadSession(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	sess.MaxTurns = s.maxTurns
	return sess, nil
}

// Append validates the turns against the stored tail, inserts them and trims beyond the cap,
// all in one transaction.
func (s *SQLiteStore) Append(ctx context.Context, id string, turns ...entities.ChatTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	sess, err := loadSession(ctx, tx, id)
	if err != nil {
		return err
	}
	sess.MaxTurns = s.maxTurns
	if err := sess.Append(turns...); err != nil {
		return appendError(err)
	}
	if err := s.insertTurns(ctx, tx, id, turns); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM chat_turns WHERE session_id = ? AND id NOT IN (
			SELECT id FROM chat_turns WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`, id, id, s.maxTurns); err != nil {
		return fmt.Errorf("trimming turns: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) insertTurns(ctx context.Context, tx *sql.Tx, id string, turns []entities.ChatTurn) error {
	for _, t := range turns {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_turns (session_id, role, content, ts) VALUES (?, ?, ?, ?)`,
			id, string(t.Role), t.Content, t.Timestamp.UnixNano(),
		); err != nil {
			return fmt.Errorf("inserting turn: %w", err)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadSession(ctx context.Context, q querier, id string) (*entities.ChatSession, error) {
	sess := &entities.ChatSession{ID: id}
	err := q.QueryRowContext(ctx,
		`SELECT class_level, subject, language FROM chat_sessions WHERE id = ?`, id,
	).Scan(&sess.ClassLevel, &sess.Subject, &sess.Language)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}

	rows, err := q.QueryContext(ctx,
		`SELECT role, content, ts FROM chat_turns WHERE session_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading turns: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t entities.ChatTurn
		var role string
		var ts int64
		if err := rows.Scan(&role, &t.Content, &ts); err != nil {
			return nil, fmt.Errorf("scanning turn: %w", err)
		}
		t.Role = entities.Role(role)
		t.Timestamp = time.Unix(0, ts).UTC()
		sess.Turns = append(sess.Turns, t)
	}
	return sess, rows.Err()
}
