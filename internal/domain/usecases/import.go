package usecases

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

const importBatchSize = 100

// ImportStats summarizes one import run.
type ImportStats struct {
	Chapters int
	Chunks   int
	Embedded int
}

// ImportUseCase loads chunks produced by the ingestion job into the chunk store.
// Chunks without a vector are embedded on the way in when an embedder is set.
type ImportUseCase struct {
	writer    ports.ChunkWriter
	catalog   ports.ChapterCatalog
	embedder  ports.EmbeddingService
	dimension int
	logger    *zap.Logger
}

// NewImportUseCase creates an ImportUseCase. embedder may be nil.
func NewImportUseCase(writer ports.ChunkWriter, catalog ports.ChapterCatalog, embedder ports.EmbeddingService, dimension int, logger *zap.Logger) *ImportUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ImportUseCase{writer: writer, catalog: catalog, embedder: embedder, dimension: dimension, logger: logger}
}

// Import reads one JSON DocumentChunk per line. The whole file is validated
// before anything is written, so a bad line leaves the store untouched.
func (uc *ImportUseCase) Import(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats
	chunks, err := uc.parse(r)
	if err != nil {
		return stats, err
	}
	if len(chunks) == 0 {
		return stats, nil
	}

	for i := range chunks {
		if len(chunks[i].Embedding) > 0 {
			continue
		}
		emb, err := uc.embedder.Embed(ctx, chunks[i].Text)
		if err != nil {
			return stats, fmt.Errorf("embedding chunk %s: %w", chunks[i].ID, err)
		}
		if len(emb) != uc.dimension {
			return stats, fmt.Errorf("%w: embedder returned %d dimensions, want %d", errs.ErrDimensionMismatch, len(emb), uc.dimension)
		}
		chunks[i].Embedding = emb
		stats.Embedded++
	}

	chapterIDs := make(map[entities.ChapterKey]string)
	for i := range chunks {
		ch := uc.chapterFor(chunks[i])
		key := ch.Key()
		id, ok := chapterIDs[key]
		if !ok {
			id, err = uc.writer.UpsertChapter(ctx, ch)
			if err != nil {
				return stats, fmt.Errorf("storing chapter %d: %w", ch.Number, err)
			}
			chapterIDs[key] = id
			stats.Chapters++
		}
		chunks[i].ChapterID = id
		if chunks[i].ChapterTitle == "" {
			chunks[i].ChapterTitle = ch.Title
		}
	}

	for start := 0; start < len(chunks); start += importBatchSize {
		end := start + importBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		if err := uc.writer.WriteChunks(ctx, chunks[start:end]); err != nil {
			return stats, fmt.Errorf("writing chunks %d-%d: %w", start, end, err)
		}
		stats.Chunks += end - start
	}
	uc.logger.Info("chunks imported",
		zap.Int("chapters", stats.Chapters),
		zap.Int("chunks", stats.Chunks),
		zap.Int("embedded", stats.Embedded))
	return stats, nil
}

func (uc *ImportUseCase) parse(r io.Reader) ([]entities.DocumentChunk, error) {
	var chunks []entities.DocumentChunk
	seen := make(map[string]int)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var c entities.DocumentChunk
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", errs.ErrInvalidRequest, line, err)
		}
		if err := uc.check(&c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		pos := fmt.Sprintf("%d/%s/%d/%d", c.ClassLevel, entities.NormalizeSubject(c.Subject), c.ChapterNumber, c.Index)
		if prev, dup := seen[pos]; dup {
			return nil, fmt.Errorf("%w: line %d: chunk_index %d of chapter %d repeats line %d",
				errs.ErrInvalidRequest, line, c.Index, c.ChapterNumber, prev)
		}
		seen[pos] = line
		chunks = append(chunks, c)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return chunks, nil
}

func (uc *ImportUseCase) check(c *entities.DocumentChunk) error {
	c.Text = strings.TrimSpace(c.Text)
	switch {
	case c.Text == "":
		return fmt.Errorf("%w: empty chunk_text", errs.ErrInvalidRequest)
	case c.ChapterNumber <= 0:
		return fmt.Errorf("%w: chapter_number must be positive", errs.ErrInvalidRequest)
	case c.ClassLevel <= 0 || strings.TrimSpace(c.Subject) == "":
		return fmt.Errorf("%w: class_level and subject are required", errs.ErrInvalidRequest)
	case c.Index < 0:
		return fmt.Errorf("%w: negative chunk_index", errs.ErrInvalidRequest)
	}
	if len(c.Embedding) == 0 && uc.embedder == nil {
		return fmt.Errorf("%w: chunk has no embedding", errs.ErrInvalidRequest)
	}
	if len(c.Embedding) > 0 && len(c.Embedding) != uc.dimension {
		return fmt.Errorf("%w: chunk has %d dimensions, store uses %d", errs.ErrDimensionMismatch, len(c.Embedding), uc.dimension)
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// chapterFor resolves chunk's chapter from the catalog, falling back to the chunk's own fields.
func (uc *ImportUseCase) chapterFor(c entities.DocumentChunk) entities.Chapter {
	if uc.catalog != nil {
		for _, ch := range uc.catalog.Chapters(c.ClassLevel, c.Subject) {
			if ch.Number == c.ChapterNumber {
				return ch
			}
		}
	}
	return entities.Chapter{
		Number:     c.ChapterNumber,
		Title:      c.ChapterTitle,
		ClassLevel: c.ClassLevel,
		Subject:    c.Subject,
	}
}
