// Package ports defines interfaces for external dependencies.
// Clean Architecture: These are the boundaries - usecases depend on these abstractions,
// not concrete implementations. Adapters implement these interfaces.
package ports

import (
	"context"
	"time"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
)

// Message is one chat message sent to the text-completion service.
type Message struct {
	Role    string
	Content string
}

// CompletionRequest is a single prompt to the text-completion service.
type CompletionRequest struct {
	// Model overrides the adapter's default model when set.
	Model       string
	System      string
	Messages    []Message
	Temperature float32
	MaxTokens   int
	// JSON asks the service for a JSON object response where supported.
	JSON bool
}

// CompletionService generates text from a prompt.
// Used by the rewriter, the router classifier and the answer generator.
type CompletionService interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// EmbeddingService generates vector embeddings for text.
// Interface Segregation: Only embedding responsibility, nothing else.
type EmbeddingService interface {
	// Embed generates a vector embedding for the given text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimension is the length every returned vector must have.
	Dimension() int
}

// ChunkQuery is a filtered similarity search.
type ChunkQuery struct {
	Embedding  []float32
	ClassLevel int
	Subject    string
	// Chapters restricts the search; nil means every chapter of the class/subject.
	Chapters      []int
	Limit         int
	MinSimilarity float64
}

// ChunkStore searches stored chunks by similarity.
// Results are ordered by descending similarity and never cross class/subject.
type ChunkStore interface {
	Search(ctx context.Context, q ChunkQuery) ([]entities.ScoredChunk, error)
}

// ChunkWriter loads chunks produced by the ingestion job.
type ChunkWriter interface {
	// UpsertChapter returns the store id of the chapter, creating it if needed.
	UpsertChapter(ctx context.Context, ch entities.Chapter) (string, error)
	WriteChunks(ctx context.Context, chunks []entities.DocumentChunk) error
}

// SessionStore holds the bounded turn history per conversation.
type SessionStore interface {
	Create(ctx context.Context, s entities.ChatSession) error
	// Load returns errs.ErrNotFound when the session does not exist.
	Load(ctx context.Context, id string) (*entities.ChatSession, error)
	// Append adds turns as one atomic operation, evicting beyond the cap.
	Append(ctx context.Context, id string, turns ...entities.ChatTurn) error
}

// ChapterCatalog is the static subject/chapter metadata table.
type ChapterCatalog interface {
	// Chapters returns the chapters for (classLevel, subject), ordered by number.
	Chapters(classLevel int, subject string) []entities.Chapter
	// Version changes whenever the metadata is reloaded.
	Version() uint64
}

// InteractionLog records answered questions.
type InteractionLog interface {
	Record(ctx context.Context, rec entities.InteractionRecord) error
}

// PipelineMetrics observes pipeline stages.
type PipelineMetrics interface {
	ObserveStage(stage string, d time.Duration, err error)
	IncDegraded(stage, reason string)
	ObserveAnswer(mode string, confidence float64, sources int)
	ObserveRetrieved(n int)
	IncGroundingViolations(n int)
	IncRequest(outcome string)
}

// FileWatcher monitors a directory for changes.
type FileWatcher interface {
	// Watch starts monitoring the directory and emits events.
	Watch(ctx context.Context, dir string) (<-chan FileEvent, error)

	// Stop stops the watcher.
	Stop() error
}

// FileEvent represents a file system change.
type FileEvent struct {
	Path      string
	Operation FileOperation
}

// FileOperation is the type of file change.
type FileOperation int

const (
	FileCreated FileOperation = iota
	FileModified
	FileDeleted
)
