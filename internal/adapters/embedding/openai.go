package embedding

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/openaicompat"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// OpenAIAdapter implements ports.EmbeddingService against an OpenAI-compatible embeddings endpoint.
type OpenAIAdapter struct {
	pool      *openaicompat.Pool
	model     string
	dimension int
	logger    *zap.Logger
}

// NewOpenAIAdapter creates an embedding adapter. The dimension is sent with each request
// so models that support shortening return vectors matching the store.
func NewOpenAIAdapter(pool *openaicompat.Pool, model string, dimension int, logger *zap.Logger) *OpenAIAdapter {
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIAdapter{pool: pool, model: model, dimension: dimension, logger: logger}
}

// Dimension returns the configured vector length.
func (a *OpenAIAdapter) Dimension() int { return a.dimension }

// Embed generates an embedding for a single text.
func (a *OpenAIAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Model:      openai.EmbeddingModel(a.model),
		Input:      []string{text},
		Dimensions: a.dimension,
	}

	var emb []float32
	err := a.pool.Do(ctx, func(ctx context.Context, c *openai.Client) error {
		resp, err := c.CreateEmbeddings(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("no embedding data returned")
		}
		emb = resp.Data[0].Embedding
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(emb) != a.dimension {
		return nil, fmt.Errorf("%w: %s returned %d, want %d", errs.ErrDimensionMismatch, a.model, len(emb), a.dimension)
	}
	return emb, nil
}
