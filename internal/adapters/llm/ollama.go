// Package llm provides text-completion adapters.
// Clean Architecture: Adapters implementing ports.CompletionService.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/resilience"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// OllamaLLMAdapter implements ports.CompletionService using Ollama's chat API.
type OllamaLLMAdapter struct {
	baseURL string
	model   string
	client  *http.Client
	caller  *resilience.Caller
	logger  *zap.Logger
}

// NewOllamaLLMAdapter creates a new Ollama completion adapter. caller may be nil for a single attempt.
func NewOllamaLLMAdapter(baseURL, model string, caller *resilience.Caller, logger *zap.Logger) *OllamaLLMAdapter {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if model == "" {
		model = "llama3.2"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OllamaLLMAdapter{
		baseURL: baseURL,
		model:   model,
		// Per-call deadlines come from the context.
		client: &http.Client{Timeout: 300 * time.Second},
		caller: caller,
		logger: logger,
	}
}

type ollamaMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaOptions struct {
	Temperature float32 `json:"temperature"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  ollamaOptions   `json:"options"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Complete sends the conversation to /api/chat and returns the assistant message.
func (a *OllamaLLMAdapter) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	body := ollamaChatRequest{
		Model:    a.model,
		Messages: toOllamaMessages(req),
		Options:  ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens},
	}
	if req.Model != "" {
		body.Model = req.Model
	}
	if req.JSON {
		body.Format = "json"
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	var out string
	call := func(ctx context.Context) error {
		out, err = a.post(ctx, jsonData)
		return err
	}
	if a.caller != nil {
		err = a.caller.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", err
	}
	a.logger.Debug("ollama completion", zap.String("model", body.Model), zap.Int("chars", len(out)))
	return out, nil
}

func (a *OllamaLLMAdapter) post(ctx context.Context, payload []byte) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return "", resilience.TransportError("ollama", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resilience.StatusError("ollama", resp.StatusCode)
	}

	var chat ollamaChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}
	return chat.Message.Content, nil
}

func toOllamaMessages(req ports.CompletionRequest) []ollamaMessage {
	msgs := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, ollamaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, ollamaMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}
