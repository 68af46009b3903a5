// Package embedding provides embedding adapters and the query-embedding cache.
// Clean Architecture: adapters implementing ports.EmbeddingService.
// They know about provider specifics but the domain layer doesn't.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/resilience"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

// OllamaAdapter implements ports.EmbeddingService using Ollama API.
type OllamaAdapter struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
	caller    *resilience.Caller
	logger    *zap.Logger
}

// NewOllamaAdapter creates a new Ollama embedding adapter pinned to dimension.
func NewOllamaAdapter(baseURL, model string, dimension int, caller *resilience.Caller, logger *zap.Logger) *OllamaAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "nomic-embed-text"
	}
	if dimension <= 0 {
		dimension = 768
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaAdapter{
		baseURL:   baseURL,
		model:     model,
		dimension: dimension,
		client:    &http.Client{Timeout: 60 * time.Second},
		caller:    caller,
		logger:    logger,
	}
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Dimension returns the configured vector length.
func (a *OllamaAdapter) Dimension() int { return a.dimension }

// Embed generates an embedding for a single text.
func (a *OllamaAdapter) Embed(ctx context.Context, text string) ([]float32, error) {
	jsonData, err := json.Marshal(ollamaEmbedRequest{Model: a.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	var emb []float32
	call := func(ctx context.Context) error {
		emb, err = a.post(ctx, jsonData)
		return err
	}
	if a.caller != nil {
		err = a.caller.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}

	if len(emb) != a.dimension {
		return nil, fmt.Errorf("%w: %s returned %d, want %d", errs.ErrDimensionMismatch, a.model, len(emb), a.dimension)
	}
	a.logger.Debug("embedded text", zap.String("model", a.model), zap.Int("chars", len(text)))
	return emb, nil
}

func (a *OllamaAdapter) post(ctx context.Context, payload []byte) ([]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, resilience.TransportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, resilience.StatusError("ollama", resp.StatusCode)
	}

	var embedResp ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return embedResp.Embedding, nil
}
