package llm

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/adapters/openaicompat"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// OpenAIAdapter implements ports.CompletionService against any OpenAI-compatible chat endpoint.
type OpenAIAdapter struct {
	pool   *openaicompat.Pool
	model  string
	logger *zap.Logger
}

// NewOpenAIAdapter creates a completion adapter using pool's clients and model as the default model.
func NewOpenAIAdapter(pool *openaicompat.Pool, model string, logger *zap.Logger) *OpenAIAdapter {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OpenAIAdapter{pool: pool, model: model, logger: logger}
}

// Complete runs one chat completion and returns the first choice.
func (a *OpenAIAdapter) Complete(ctx context.Context, req ports.CompletionRequest) (string, error) {
	chat := openai.ChatCompletionRequest{
		Model:       a.model,
		Messages:    toOpenAIMessages(req),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Model != "" {
		chat.Model = req.Model
	}
	if req.JSON {
		chat.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var out string
	err := a.pool.Do(ctx, func(ctx context.Context, c *openai.Client) error {
		resp, err := c.CreateChatCompletion(ctx, chat)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("completion returned no choices")
		}
		out = resp.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return "", err
	}
	a.logger.Debug("chat completion", zap.String("model", chat.Model), zap.Int("chars", len(out)))
	return out, nil
}

func toOpenAIMessages(req ports.CompletionRequest) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}
