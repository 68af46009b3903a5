package usecases

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// Defaults for retrieval.
const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.5
)

// RetrievalRequest is one scoped similarity search.
type RetrievalRequest struct {
	Query      string
	Scope      entities.Scope
	ClassLevel int
	Subject    string
	// TopK falls back to the retriever default when <= 0.
	TopK          int
	MinSimilarity float64
}

// VectorRetriever embeds a query and returns the best chunks inside the routed scope.
type VectorRetriever struct {
	embedder ports.EmbeddingService
	store    ports.ChunkStore
	topK     int
	// searchSecondary is how many secondary chapters of the scope are searched.
	searchSecondary int
	expand          bool
	logger          *zap.Logger
}

// RetrieverOption configures a VectorRetriever.
type RetrieverOption func(*VectorRetriever)

// WithQueryExpansion also searches "What is"/"Explain" variants of the query.
func WithQueryExpansion(on bool) RetrieverOption {
	return func(r *VectorRetriever) { r.expand = on }
}

// WithSearchSecondary sets how many secondary chapters are searched alongside the primary.
// A negative value searches all of them.
func WithSearchSecondary(n int) RetrieverOption {
	return func(r *VectorRetriever) { r.searchSecondary = n }
}

// NewVectorRetriever creates a VectorRetriever with injected dependencies.
func NewVectorRetriever(embedder ports.EmbeddingService, store ports.ChunkStore, topK int, logger *zap.Logger, opts ...RetrieverOption) *VectorRetriever {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &VectorRetriever{
		embedder:        embedder,
		store:           store,
		topK:            topK,
		searchSecondary: 1,
		logger:          logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Retrieve returns at most TopK chunks with similarity >= MinSimilarity, ordered by
// descending similarity. Nothing above the floor is an empty result, not an error.
func (r *VectorRetriever) Retrieve(ctx context.Context, req RetrievalRequest) (entities.RetrievalResult, error) {
	result := entities.RetrievalResult{Query: req.Query, Scope: req.Scope}
	if strings.TrimSpace(req.Query) == "" {
		return result, fmt.Errorf("%w: empty retrieval query", errs.ErrInvalidRequest)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = r.topK
	}

	queries := []string{req.Query}
	if r.expand {
		queries = append(queries, expandQuery(req.Query)...)
	}

	best := make(map[string]entities.ScoredChunk)
	for _, q := range queries {
		found, err := r.search(ctx, q, req, topK)
		if err != nil {
			return result, err
		}
		for _, c := range found {
			if prev, ok := best[c.Chunk.ID]; !ok || c.Similarity > prev.Similarity {
				best[c.Chunk.ID] = c
			}
		}
	}

	chunks := make([]entities.ScoredChunk, 0, len(best))
	for _, c := range best {
		chunks = append(chunks, c)
	}
	entities.SortScored(chunks)
	if len(chunks) > topK {
		chunks = chunks[:topK]
	}
	result.Chunks = chunks

	r.logger.Debug("retrieved chunks",
		zap.Int("count", len(chunks)),
		zap.Ints("chapters", result.ChapterNumbers()),
		zap.Int("queries", len(queries)))
	return result, nil
}

func (r *VectorRetriever) search(ctx context.Context, query string, req RetrievalRequest, topK int) ([]entities.ScoredChunk, error) {
	emb, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if dim := r.embedder.Dimension(); dim > 0 && len(emb) != dim {
		return nil, fmt.Errorf("%w: query vector has %d dimensions, store expects %d",
			errs.ErrDimensionMismatch, len(emb), dim)
	}

	chapters := req.Scope.Chapters(r.searchSecondary)
	found, err := r.store.Search(ctx, ports.ChunkQuery{
		Embedding:     emb,
		ClassLevel:    req.ClassLevel,
		Subject:       req.Subject,
		Chapters:      chapters,
		Limit:         topK * 2,
		MinSimilarity: req.MinSimilarity,
	})
	if err != nil {
		return nil, fmt.Errorf("searching chunks: %w", err)
	}

	allowed := make(map[int]struct{}, len(chapters))
	for _, n := range chapters {
		allowed[n] = struct{}{}
	}
	subject := entities.NormalizeSubject(req.Subject)
	kept := found[:0]
	for _, c := range found {
		if c.Similarity < req.MinSimilarity {
			continue
		}
		if c.Chunk.ClassLevel != req.ClassLevel || entities.NormalizeSubject(c.Chunk.Subject) != subject {
			continue
		}
		if len(allowed) > 0 {
			if _, ok := allowed[c.Chunk.ChapterNumber]; !ok {
				continue
			}
		}
		kept = append(kept, c)
	}
	return kept, nil
}

// expandQuery returns definitional variants unless the query already asks one.
func expandQuery(query string) []string {
	q := strings.TrimSpace(query)
	lower := strings.ToLower(q)
	for _, w := range []string{"what", "how", "why", "define", "explain"} {
		if strings.HasPrefix(lower, w) {
			return nil
		}
	}
	return []string{"What is " + q, "Explain " + q}
}
