package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// SQLiteStore implements ports.ChunkStore with SQLite persistence.
// Filters run in SQL; similarity is an exact linear scan over the filtered rows.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore creates the chunk tables on db if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS chapters (
		id TEXT PRIMARY KEY,
		class_level INTEGER NOT NULL,
		subject TEXT NOT NULL,
		subject_norm TEXT NOT NULL,
		chapter_number INTEGER NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		topics TEXT,
		UNIQUE (class_level, subject_norm, chapter_number)
	);
	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		chapter_id TEXT REFERENCES chapters(id) ON DELETE CASCADE,
		class_level INTEGER NOT NULL,
		subject TEXT NOT NULL,
		subject_norm TEXT NOT NULL,
		chapter_number INTEGER NOT NULL,
		chapter_title TEXT,
		chunk_index INTEGER NOT NULL,
		chunk_text TEXT NOT NULL,
		embedding BLOB NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_chunks_scope ON document_chunks(class_level, subject_norm, chapter_number);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertChapter inserts the chapter or refreshes its title, returning the row id.
func (s *SQLiteStore) UpsertChapter(ctx context.Context, ch entities.Chapter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	topics, err := json.Marshal(ch.Topics)
	if err != nil {
		return "", fmt.Errorf("encoding topics: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chapters (id, class_level, subject, subject_norm, chapter_number, title, description, topics)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (class_level, subject_norm, chapter_number)
		DO UPDATE SET title = excluded.title, description = excluded.description, topics = excluded.topics
	`, uuid.NewString(), ch.ClassLevel, ch.Subject, entities.NormalizeSubject(ch.Subject), ch.Number, ch.Title, ch.Description, string(topics))
	if err != nil {
		return "", fmt.Errorf("upserting chapter: %w", err)
	}

	var id string
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM chapters WHERE class_level = ? AND subject_norm = ? AND chapter_number = ?`,
		ch.ClassLevel, entities.NormalizeSubject(ch.Subject), ch.Number,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("reading chapter id: %w", err)
	}
	return id, nil
}

// WriteChunks saves chunks with their embeddings in one transaction.
func (s *SQLiteStore) WriteChunks(ctx context.Context, chunks []entities.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO document_chunks
			(id, chapter_id, class_level, subject, subject_norm, chapter_number, chapter_title, chunk_index, chunk_text, embedding, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		embeddingJSON, err := json.Marshal(c.Embedding)
		if err != nil {
			return fmt.Errorf("encoding embedding: %w", err)
		}
		var metadata []byte
		if len(c.Metadata) > 0 {
			if metadata, err = json.Marshal(c.Metadata); err != nil {
				return fmt.Errorf("encoding metadata: %w", err)
			}
		}
		var chapterID any
		if c.ChapterID != "" {
			chapterID = c.ChapterID
		}

		_, err = stmt.ExecContext(ctx,
			c.ID, chapterID, c.ClassLevel, c.Subject, entities.NormalizeSubject(c.Subject),
			c.ChapterNumber, c.ChapterTitle, c.Index, c.Text, embeddingJSON, metadata,
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search scans the chunks of the requested class, subject and chapters.
func (s *SQLiteStore) Search(ctx context.Context, q ports.ChunkQuery) ([]entities.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, COALESCE(chapter_id, ''), class_level, subject, chapter_number, COALESCE(chapter_title, ''),
			chunk_index, chunk_text, embedding, metadata
		FROM document_chunks
		WHERE class_level = ? AND subject_norm = ?`
	args := []any{q.ClassLevel, entities.NormalizeSubject(q.Subject)}
	if len(q.Chapters) > 0 {
		query += " AND chapter_number IN (?" + strings.Repeat(", ?", len(q.Chapters)-1) + ")"
		for _, n := range q.Chapters {
			args = append(args, n)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var results []entities.ScoredChunk
	for rows.Next() {
		var c entities.DocumentChunk
		var embeddingJSON []byte
		var metadata sql.NullString

		err := rows.Scan(&c.ID, &c.ChapterID, &c.ClassLevel, &c.Subject, &c.ChapterNumber, &c.ChapterTitle,
			&c.Index, &c.Text, &embeddingJSON, &metadata)
		if err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if err := json.Unmarshal(embeddingJSON, &c.Embedding); err != nil {
			return nil, fmt.Errorf("decoding embedding of chunk %s: %w", c.ID, err)
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &c.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of chunk %s: %w", c.ID, err)
			}
		}

		sim := cosineSimilarity(q.Embedding, c.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		results = append(results, entities.ScoredChunk{Chunk: c, Similarity: sim})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return rank(results, q.Limit), nil
}

// ChunkCount returns the number of stored chunks.
func (s *SQLiteStore) ChunkCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_chunks").Scan(&count)
	return count, err
}
