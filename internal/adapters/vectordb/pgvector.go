package vectordb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// PGVectorStore implements ports.ChunkStore on PostgreSQL with the pgvector extension.
// Similarity is 1 - cosine distance, served by an HNSW index.
type PGVectorStore struct {
	db        *sql.DB
	dimension int
}

// OpenPGVector connects with lib/pq and verifies the connection.
func OpenPGVector(ctx context.Context, dsn string, dimension int) (*PGVectorStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}
	return &PGVectorStore{db: db, dimension: dimension}, nil
}

// Migrate creates the extension, tables and HNSW index.
func (s *PGVectorStore) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS chapters (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			class_level INTEGER NOT NULL,
			subject TEXT NOT NULL,
			chapter_number INTEGER NOT NULL,
			title TEXT NOT NULL,
			description TEXT,
			topics TEXT[],
			UNIQUE (class_level, subject, chapter_number)
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id TEXT PRIMARY KEY,
			chapter_id UUID REFERENCES chapters(id) ON DELETE CASCADE,
			class_level INTEGER NOT NULL,
			subject TEXT NOT NULL,
			chapter_number INTEGER NOT NULL,
			chapter_title TEXT,
			chunk_index INTEGER NOT NULL,
			chunk_text TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			metadata JSONB,
			created_at TIMESTAMPTZ DEFAULT now()
		)`, s.dimension),
		`CREATE INDEX IF NOT EXISTS idx_chunks_scope ON document_chunks (class_level, subject, chapter_number)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding ON document_chunks USING hnsw (embedding vector_cosine_ops)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrating: %w", err)
		}
	}
	return nil
}

// UpsertChapter inserts the chapter or refreshes its metadata, returning the row id.
// Subjects are stored normalised.
func (s *PGVectorStore) UpsertChapter(ctx context.Context, ch entities.Chapter) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chapters (class_level, subject, chapter_number, title, description, topics)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (class_level, subject, chapter_number)
		DO UPDATE SET title = EXCLUDED.title, description = EXCLUDED.description, topics = EXCLUDED.topics
		RETURNING id
	`, ch.ClassLevel, entities.NormalizeSubject(ch.Subject), ch.Number, ch.Title, ch.Description, pq.Array(ch.Topics)).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upserting chapter: %w", err)
	}
	return id, nil
}

// WriteChunks upserts chunks in one transaction.
func (s *PGVectorStore) WriteChunks(ctx context.Context, chunks []entities.DocumentChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO document_chunks
			(id, chapter_id, class_level, subject, chapter_number, chapter_title, chunk_index, chunk_text, embedding, metadata)
		VALUES ($1, NULLIF($2, '')::uuid, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			chapter_id = EXCLUDED.chapter_id, chunk_text = EXCLUDED.chunk_text,
			embedding = EXCLUDED.embedding, metadata = EXCLUDED.metadata
	`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		var metadata []byte
		if len(c.Metadata) > 0 {
			if metadata, err = json.Marshal(c.Metadata); err != nil {
				return fmt.Errorf("encoding metadata: %w", err)
			}
		}
		_, err = stmt.ExecContext(ctx,
			c.ID, c.ChapterID, c.ClassLevel, entities.NormalizeSubject(c.Subject), c.ChapterNumber,
			c.ChapterTitle, c.Index, c.Text, pgvector.NewVector(c.Embedding), metadata,
		)
		if err != nil {
			return fmt.Errorf("inserting chunk %s: %w", c.ID, err)
		}
	}
	return tx.Commit()
}

// Search runs the filtered nearest-neighbour query.
func (s *PGVectorStore) Search(ctx context.Context, q ports.ChunkQuery) ([]entities.ScoredChunk, error) {
	var chapters []int64
	for _, n := range q.Chapters {
		chapters = append(chapters, int64(n))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(chapter_id::text, ''), class_level, subject, chapter_number,
			COALESCE(chapter_title, ''), chunk_index, chunk_text, metadata,
			1 - (embedding <=> $1) AS similarity
		FROM document_chunks
		WHERE class_level = $2
			AND subject = $3
			AND ($4::int[] IS NULL OR chapter_number = ANY($4))
			AND 1 - (embedding <=> $1) >= $5
		ORDER BY embedding <=> $1, chapter_number, chunk_index, id
		LIMIT $6
	`, pgvector.NewVector(q.Embedding), q.ClassLevel, entities.NormalizeSubject(q.Subject),
		pq.Array(chapters), q.MinSimilarity, limit)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()

	var results []entities.ScoredChunk
	for rows.Next() {
		var c entities.DocumentChunk
		var metadata []byte
		var sim float64
		if err := rows.Scan(&c.ID, &c.ChapterID, &c.ClassLevel, &c.Subject, &c.ChapterNumber,
			&c.ChapterTitle, &c.Index, &c.Text, &metadata, &sim); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata of chunk %s: %w", c.ID, err)
			}
		}
		results = append(results, entities.ScoredChunk{Chunk: c, Similarity: clampSimilarity(sim)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return rank(results, limit), nil
}

// Close closes the connection pool.
func (s *PGVectorStore) Close() error {
	return s.db.Close()
}
