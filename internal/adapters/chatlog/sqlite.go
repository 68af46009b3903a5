// Package chatlog records answered questions for later review.
package chatlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
)

// SQLiteLog implements ports.InteractionLog.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the chat_logs table on db if needed.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS chat_logs (
		id TEXT PRIMARY KEY,
		session_id TEXT,
		class_level INTEGER NOT NULL,
		subject TEXT NOT NULL,
		language TEXT NOT NULL,
		original_query TEXT NOT NULL,
		revised_query TEXT,
		history TEXT,
		routing TEXT,
		sources TEXT,
		answer TEXT NOT NULL,
		explanation TEXT,
		confidence REAL NOT NULL,
		chapter_used INTEGER,
		grounded INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_logs_session ON chat_logs(session_id, created_at);
	`)
	if err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &SQLiteLog{db: db}, nil
}

// Record inserts one interaction.
func (l *SQLiteLog) Record(ctx context.Context, rec entities.InteractionRecord) error {
	history, err := json.Marshal(rec.History)
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	routing, err := json.Marshal(rec.Routing)
	if err != nil {
		return fmt.Errorf("encoding routing: %w", err)
	}
	sources, err := json.Marshal(rec.Sources)
	if err != nil {
		return fmt.Errorf("encoding sources: %w", err)
	}
	var chapter sql.NullInt64
	if rec.ChapterUsed != nil {
		chapter = sql.NullInt64{Int64: int64(*rec.ChapterUsed), Valid: true}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	_, err = l.db.ExecContext(ctx, `
		INSERT INTO chat_logs (id, session_id, class_level, subject, language, original_query, revised_query,
			history, routing, sources, answer, explanation, confidence, chapter_used, grounded, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), rec.SessionID, rec.ClassLevel, rec.Subject, rec.Language, rec.OriginalQuery, rec.RevisedQuery,
		string(history), string(routing), string(sources), rec.Answer, rec.Explanation, rec.Confidence,
		chapter, rec.Grounded, created.UTC())
	if err != nil {
		return fmt.Errorf("inserting chat log: %w", err)
	}
	return nil
}

// Recent returns the newest n records of a session, oldest first.
func (l *SQLiteLog) Recent(ctx context.Context, sessionID string, n int) ([]entities.InteractionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT session_id, class_level, subject, language, original_query, COALESCE(revised_query, ''),
			routing, sources, answer, COALESCE(explanation, ''), confidence, chapter_used, grounded, created_at
		FROM chat_logs WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
	`, sessionID, n)
	if err != nil {
		return nil, fmt.Errorf("querying chat logs: %w", err)
	}
	defer rows.Close()

	var out []entities.InteractionRecord
	for rows.Next() {
		var rec entities.InteractionRecord
		var routing, sources string
		var chapter sql.NullInt64
		if err := rows.Scan(&rec.SessionID, &rec.ClassLevel, &rec.Subject, &rec.Language, &rec.OriginalQuery,
			&rec.RevisedQuery, &routing, &sources, &rec.Answer, &rec.Explanation, &rec.Confidence,
			&chapter, &rec.Grounded, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning chat log: %w", err)
		}
		if err := json.Unmarshal([]byte(routing), &rec.Routing); err != nil {
			return nil, fmt.Errorf("decoding routing: %w", err)
		}
		if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
			return nil, fmt.Errorf("decoding sources: %w", err)
		}
		if chapter.Valid {
			n := int(chapter.Int64)
			rec.ChapterUsed = &n
		}
		out = append([]entities.InteractionRecord{rec}, out...)
	}
	return out, rows.Err()
}
