// Package vectordb provides chunk store adapters.
// Clean Architecture: adapters implementing ports.ChunkStore and ports.ChunkWriter.
package vectordb

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// InMemoryStore keeps chunks in memory and scans them linearly. Backs `store.backend: memory`.
type InMemoryStore struct {
	mu       sync.RWMutex
	chunks   map[string]entities.DocumentChunk
	chapters map[entities.ChapterKey]string
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		chunks:   make(map[string]entities.DocumentChunk),
		chapters: make(map[entities.ChapterKey]string),
	}
}

// UpsertChapter returns the chapter's id, assigning one on first sight.
func (s *InMemoryStore) UpsertChapter(ctx context.Context, ch entities.Chapter) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.chapters[ch.Key()]; ok {
		return id, nil
	}
	id := uuid.NewString()
	s.chapters[ch.Key()] = id
	return id, nil
}

// WriteChunks stores chunks, replacing any with the same id.
func (s *InMemoryStore) WriteChunks(ctx context.Context, chunks []entities.DocumentChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range chunks {
		if c.ID == "" {
			return fmt.Errorf("chunk without id in chapter %d", c.ChapterNumber)
		}
		s.chunks[c.ID] = c
	}
	return nil
}

// Search finds the chunks most similar to the query embedding within the filters.
func (s *InMemoryStore) Search(ctx context.Context, q ports.ChunkQuery) ([]entities.ScoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	subject := entities.NormalizeSubject(q.Subject)
	allowed := chapterSet(q.Chapters)

	var results []entities.ScoredChunk
	for _, c := range s.chunks {
		if !matches(q, subject, allowed, c) {
			continue
		}
		sim := cosineSimilarity(q.Embedding, c.Embedding)
		if sim < q.MinSimilarity {
			continue
		}
		results = append(results, entities.ScoredChunk{Chunk: c, Similarity: sim})
	}
	return rank(results, q.Limit), nil
}

// Len returns the number of stored chunks.
func (s *InMemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chunks)
}
