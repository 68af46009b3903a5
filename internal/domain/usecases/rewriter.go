package usecases

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// DefaultRewriteWindow is how many recent turns the rewriter sees.
const DefaultRewriteWindow = 4

// QueryRewriter turns a possibly elliptical follow-up into a standalone retrieval query.
// It never mutates session state.
type QueryRewriter struct {
	llm    ports.CompletionService
	model  string
	window int
	logger *zap.Logger
}

// NewQueryRewriter creates a QueryRewriter. model is usually the fast model.
func NewQueryRewriter(llm ports.CompletionService, model string, window int, logger *zap.Logger) *QueryRewriter {
	if window <= 0 || window > DefaultRewriteWindow {
		window = DefaultRewriteWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &QueryRewriter{llm: llm, model: model, window: window, logger: logger}
}

// Rewrite returns the standalone query. On any failure it returns the raw query
// together with the error so the caller can record the degradation.
func (r *QueryRewriter) Rewrite(ctx context.Context, raw string, history []entities.ChatTurn) (string, error) {
	raw = strings.TrimSpace(raw)
	recent := entities.LastTurns(history, r.window)

	var prompt strings.Builder
	if len(recent) > 0 {
		prompt.WriteString("Conversation so far:\n")
		prompt.WriteString(formatHistory(recent))
		prompt.WriteString("\n")
	}
	prompt.WriteString("Question: ")
	prompt.WriteString(raw)

	out, err := r.llm.Complete(ctx, ports.CompletionRequest{
		Model:       r.model,
		System:      rewriteSystemPrompt,
		Messages:    []ports.Message{{Role: "user", Content: prompt.String()}},
		Temperature: 0,
		MaxTokens:   128,
	})
	if err != nil {
		return raw, fmt.Errorf("rewriting query: %w", err)
	}

	revised := cleanRewrite(out)
	if revised == "" {
		return raw, fmt.Errorf("rewriting query: empty output")
	}
	if len(recent) == 0 && addsContext(raw, revised) {
		r.logger.Debug("rewrite added context without history, keeping raw query",
			zap.String("raw", raw), zap.String("revised", revised))
		return raw, nil
	}
	return revised, nil
}

// cleanRewrite keeps the first non-empty line and strips labels and quotes models like to add.
func cleanRewrite(out string) string {
	out = stripCodeFences(out)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		for _, prefix := range []string{"Rewritten query:", "Query:", "Rewritten:"} {
			if len(line) >= len(prefix) && strings.EqualFold(line[:len(prefix)], prefix) {
				line = strings.TrimSpace(line[len(prefix):])
			}
		}
		return strings.Trim(line, "\"'`")
	}
	return ""
}

// addsContext reports whether a history-free rewrite grew beyond typo fixes.
// A corrected query keeps roughly the same number of words.
func addsContext(raw, revised string) bool {
	return len(strings.Fields(revised)) > len(strings.Fields(raw))+2
}
