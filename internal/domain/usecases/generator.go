package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

const (
	// FallbackConfidenceCeiling caps confidence of answers given without retrieved notes.
	FallbackConfidenceCeiling = 0.3
	// MalformedConfidenceCeiling caps confidence when the model ignored the output format.
	MalformedConfidenceCeiling = 0.5

	DefaultMaxSources = 3
	snippetRunes      = 200
	answerAttempts    = 2
)

var groundedSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"answer"},
	"properties": map[string]any{
		"answer":        map[string]any{"type": "string", "minLength": 1},
		"explanation":   map[string]any{"type": "string"},
		"citations":     map[string]any{"type": "array", "items": map[string]any{"type": []any{"string", "integer"}}},
		"confidence":    map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"formulas_used": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
})

var fallbackSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"answer"},
	"properties": map[string]any{
		"answer":      map[string]any{"type": "string", "minLength": 1},
		"explanation": map[string]any{"type": "string"},
		"confidence":  map[string]any{"type": "number", "minimum": 0, "maximum": 1},
	},
})

type modelAnswer struct {
	Answer      string   `json:"answer"`
	Explanation string   `json:"explanation"`
	Citations   []any    `json:"citations"`
	Confidence  *float64 `json:"confidence"`
	Formulas    []string `json:"formulas_used"`
}

// GenerationRequest carries everything the answer generator reads.
type GenerationRequest struct {
	// Query is the student's original, unrewritten question.
	Query      string
	History    []entities.ChatTurn
	Retrieval  entities.RetrievalResult
	Language   string
	ClassLevel int
	Subject    string
}

// AnswerGenerator writes the final answer, grounded in retrieved chunks when there are any.
// It does not touch the session store.
type AnswerGenerator struct {
	llm        ports.CompletionService
	model      string
	maxSources int
	logger     *zap.Logger
}

// NewAnswerGenerator creates an AnswerGenerator.
func NewAnswerGenerator(llm ports.CompletionService, model string, maxSources int, logger *zap.Logger) *AnswerGenerator {
	if maxSources <= 0 {
		maxSources = DefaultMaxSources
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnswerGenerator{llm: llm, model: model, maxSources: maxSources, logger: logger}
}

// Generate answers req. Empty retrieval selects the conversational fallback, which
// never carries sources and never exceeds FallbackConfidenceCeiling.
func (g *AnswerGenerator) Generate(ctx context.Context, req GenerationRequest) (entities.Answer, error) {
	if req.Retrieval.Empty() {
		return g.fallback(ctx, req)
	}
	return g.grounded(ctx, req)
}

func (g *AnswerGenerator) grounded(ctx context.Context, req GenerationRequest) (entities.Answer, error) {
	chunks := req.Retrieval.Chunks
	system := fmt.Sprintf(answerSystemPrompt, req.ClassLevel, req.Subject, languageInstruction(req.Language))
	user := fmt.Sprintf("Course notes:\n\n%s\n\nQuestion: %s", formatExcerpts(chunks), req.Query)

	parsed, text, err := g.complete(ctx, groundedSchema, ports.CompletionRequest{
		Model:       g.model,
		System:      system,
		Messages:    append(historyMessages(req.History), ports.Message{Role: "user", Content: user}),
		Temperature: 0.3,
		MaxTokens:   1024,
		JSON:        true,
	})
	if err != nil {
		return entities.Answer{}, fmt.Errorf("generating answer: %w", err)
	}
	if text != "" {
		cited := topChunks(chunks, g.maxSources)
		support := lexicalSupport(text, evidenceOf(cited))
		return entities.Answer{
			Text:       text,
			Sources:    g.sources(cited),
			Confidence: round3(FallbackConfidenceCeiling + (MalformedConfidenceCeiling-FallbackConfidenceCeiling)*support),
			Grounded:   true,
			Recovered:  true,
		}, nil
	}

	cited, stripped := resolveCitations(parsed.Citations, chunks)
	if stripped > 0 {
		g.logger.Warn("stripped citations outside retrieved set", zap.Int("count", stripped))
	}
	if len(cited) == 0 {
		cited = topChunks(chunks, g.maxSources)
	}
	if len(cited) > g.maxSources {
		cited = cited[:g.maxSources]
	}

	modelConf := 0.5
	if parsed.Confidence != nil {
		modelConf = clamp01(*parsed.Confidence)
	}
	support := lexicalSupport(parsed.Answer+" "+parsed.Explanation, evidenceOf(cited))

	return entities.Answer{
		Text:        strings.TrimSpace(parsed.Answer),
		Explanation: strings.TrimSpace(parsed.Explanation),
		Sources:     g.sources(cited),
		Confidence:  round3(0.5*modelConf + 0.5*support),
		Grounded:    true,
		Formulas:    parsed.Formulas,
		Stripped:    stripped,
	}, nil
}

func (g *AnswerGenerator) fallback(ctx context.Context, req GenerationRequest) (entities.Answer, error) {
	system := fmt.Sprintf(fallbackSystemPrompt, req.ClassLevel, req.Subject, languageInstruction(req.Language))
	parsed, text, err := g.complete(ctx, fallbackSchema, ports.CompletionRequest{
		Model:       g.model,
		System:      system,
		Messages:    append(historyMessages(req.History), ports.Message{Role: "user", Content: req.Query}),
		Temperature: 0.3,
		MaxTokens:   768,
		JSON:        true,
	})
	if err != nil {
		return entities.Answer{}, fmt.Errorf("generating fallback answer: %w", err)
	}

	ans := entities.Answer{Sources: []entities.Source{}, Grounded: false}
	if text != "" {
		ans.Text = text
		ans.Confidence = round3(FallbackConfidenceCeiling / 2)
		ans.Recovered = true
		return ans, nil
	}

	ans.Text = strings.TrimSpace(parsed.Answer)
	ans.Explanation = strings.TrimSpace(parsed.Explanation)
	ans.Confidence = FallbackConfidenceCeiling
	if parsed.Confidence != nil && *parsed.Confidence < FallbackConfidenceCeiling {
		ans.Confidence = round3(clamp01(*parsed.Confidence))
	}
	return ans, nil
}

// complete asks for an answer and decodes it. A reply with no JSON at all comes back as
// plain text for the caller to use. A reply holding an object that cannot be decoded is
// regenerated once and then reported as errs.ErrMalformedOutput.
func (g *AnswerGenerator) complete(ctx context.Context, schema *outputSchema, creq ports.CompletionRequest) (modelAnswer, string, error) {
	var lastErr error
	for attempt := 1; attempt <= answerAttempts; attempt++ {
		out, err := g.llm.Complete(ctx, creq)
		if err != nil {
			return modelAnswer{}, "", err
		}
		parsed, err := decodeAnswer(schema, out)
		if err == nil {
			return parsed, "", nil
		}
		if !strings.ContainsRune(out, '{') {
			text := stripCodeFences(out)
			if strings.TrimSpace(text) == "" {
				return modelAnswer{}, "", err
			}
			g.logger.Warn("answer output was not JSON, using raw text", zap.Error(err))
			return modelAnswer{}, text, nil
		}
		g.logger.Warn("answer output malformed", zap.Int("attempt", attempt), zap.Error(err))
		lastErr = err
	}
	return modelAnswer{}, "", lastErr
}

// decodeAnswer validates out against schema. Objects that fail validation are decoded
// leniently: confidence is clamped, unusable citations and formulas are dropped, and
// only a non-empty answer is required.
func decodeAnswer(schema *outputSchema, out string) (modelAnswer, error) {
	var parsed modelAnswer
	strictErr := schema.decode(out, &parsed)
	if strictErr == nil {
		return parsed, nil
	}
	obj, ok := extractJSONObject(out)
	if !ok {
		return modelAnswer{}, strictErr
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(obj), &fields); err != nil {
		return modelAnswer{}, strictErr
	}
	answer, _ := fields["answer"].(string)
	if strings.TrimSpace(answer) == "" {
		return modelAnswer{}, fmt.Errorf("%w: answer missing", errs.ErrMalformedOutput)
	}
	parsed = modelAnswer{Answer: answer}
	parsed.Explanation, _ = fields["explanation"].(string)

	switch c := fields["confidence"].(type) {
	case float64:
		v := clamp01(c)
		parsed.Confidence = &v
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(c), 64); err == nil {
			v := clamp01(f)
			parsed.Confidence = &v
		}
	}
	if items, ok := fields["citations"].([]any); ok {
		for _, it := range items {
			switch it.(type) {
			case string, float64:
				parsed.Citations = append(parsed.Citations, it)
			}
		}
	}
	if items, ok := fields["formulas_used"].([]any); ok {
		for _, it := range items {
			if f, ok := it.(string); ok {
				parsed.Formulas = append(parsed.Formulas, f)
			}
		}
	}
	return parsed, nil
}

func (g *AnswerGenerator) sources(cited []entities.ScoredChunk) []entities.Source {
	out := make([]entities.Source, 0, len(cited))
	for _, c := range cited {
		out = append(out, entities.Source{
			Chapter:   c.Chunk.ChapterNumber,
			Title:     c.Chunk.ChapterTitle,
			Snippet:   truncateRunes(c.Chunk.Text, snippetRunes),
			Relevance: round3(c.Similarity),
		})
	}
	return out
}

// resolveCitations maps "S<n>" labels (or bare numbers) onto retrieved chunks.
// Labels that do not name a retrieved chunk are counted as stripped.
func resolveCitations(raw []any, chunks []entities.ScoredChunk) ([]entities.ScoredChunk, int) {
	var out []entities.ScoredChunk
	seen := make(map[int]struct{})
	stripped := 0
	for _, c := range raw {
		var label string
		switch v := c.(type) {
		case string:
			label = v
		case float64:
			label = strconv.Itoa(int(v))
		default:
			stripped++
			continue
		}
		label = strings.TrimSpace(strings.Trim(strings.TrimSpace(label), "[]"))
		label = strings.TrimPrefix(strings.TrimPrefix(label, "S"), "s")
		n, err := strconv.Atoi(label)
		if err != nil || n < 1 || n > len(chunks) {
			stripped++
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, chunks[n-1])
	}
	return out, stripped
}

func topChunks(chunks []entities.ScoredChunk, n int) []entities.ScoredChunk {
	if len(chunks) > n {
		return chunks[:n]
	}
	return chunks
}

func evidenceOf(chunks []entities.ScoredChunk) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range chunks {
		for _, t := range tokenize(c.Chunk.Text) {
			set[t] = struct{}{}
		}
		for _, t := range tokenize(c.Chunk.ChapterTitle) {
			set[t] = struct{}{}
		}
	}
	return set
}
