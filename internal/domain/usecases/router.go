package usecases

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// RouterMode selects how chapters are ranked.
type RouterMode string

const (
	RouterLexical RouterMode = "lexical"
	RouterLLM     RouterMode = "llm"
)

const (
	// MaxSecondaryChapters bounds the secondary part of a scope.
	MaxSecondaryChapters = 3

	titleWeight       = 3.0
	topicWeight       = 2.0
	keywordWeight     = 1.0
	descriptionWeight = 0.5
	// secondaryRatio is the share of the primary's score a chapter needs to be secondary.
	secondaryRatio = 0.25
	memoLimit      = 4096
)

var routeSchema = mustSchema(map[string]any{
	"type":     "object",
	"required": []any{"primary_chapter"},
	"properties": map[string]any{
		"action":             map[string]any{"type": "string"},
		"primary_chapter":    map[string]any{"type": "integer", "minimum": 1},
		"secondary_chapters": map[string]any{"type": "array", "items": map[string]any{"type": "integer"}},
		"confidence":         map[string]any{"type": "number", "minimum": 0, "maximum": 1},
		"reasoning":          map[string]any{"type": "string"},
		"topics_identified":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
	},
})

type routePlan struct {
	Primary    int      `json:"primary_chapter"`
	Secondary  []int    `json:"secondary_chapters"`
	Confidence *float64 `json:"confidence"`
	Reasoning  string   `json:"reasoning"`
	Topics     []string `json:"topics_identified"`
}

type routeKey struct {
	classLevel int
	subject    string
	query      string
}

// ChapterRouter narrows retrieval to the chapters a query is about.
// For unchanged metadata the same input always yields the same scope.
type ChapterRouter struct {
	catalog      ports.ChapterCatalog
	llm          ports.CompletionService
	model        string
	mode         RouterMode
	maxSecondary int
	logger       *zap.Logger

	mu          sync.Mutex
	memo        map[routeKey]entities.Scope
	memoVersion uint64
}

// RouterOption configures a ChapterRouter.
type RouterOption func(*ChapterRouter)

// WithClassifier routes through the completion service, falling back to lexical ranking.
func WithClassifier(llm ports.CompletionService, model string) RouterOption {
	return func(r *ChapterRouter) {
		r.llm = llm
		r.model = model
		r.mode = RouterLLM
	}
}

// WithMaxSecondary bounds the number of secondary chapters.
func WithMaxSecondary(n int) RouterOption {
	return func(r *ChapterRouter) {
		if n >= 0 && n <= MaxSecondaryChapters {
			r.maxSecondary = n
		}
	}
}

// NewChapterRouter creates a lexical router over catalog.
func NewChapterRouter(catalog ports.ChapterCatalog, logger *zap.Logger, opts ...RouterOption) *ChapterRouter {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ChapterRouter{
		catalog:      catalog,
		mode:         RouterLexical,
		maxSecondary: 2,
		logger:       logger,
		memo:         make(map[routeKey]entities.Scope),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route ranks the chapters of (classLevel, subject) against query.
// Missing metadata or zero topic signal yields an unscoped result, not an error.
// A non-nil error means the classifier failed; the returned scope is then the
// lexical ranking and is still safe to use.
func (r *ChapterRouter) Route(ctx context.Context, query string, classLevel int, subject string) (entities.Scope, error) {
	chapters := r.catalog.Chapters(classLevel, subject)
	if len(chapters) == 0 {
		return entities.Scope{Reason: "no-metadata"}, nil
	}

	lexical := r.rankLexical(query, chapters)
	if r.mode != RouterLLM || r.llm == nil {
		return lexical, nil
	}

	key := routeKey{classLevel: classLevel, subject: entities.NormalizeSubject(subject), query: strings.TrimSpace(query)}
	if scope, ok := r.recall(key); ok {
		return scope, nil
	}

	scope, err := r.classify(ctx, query, subject, chapters)
	if err != nil {
		return lexical, err
	}
	r.remember(key, scope)
	return scope, nil
}

func (r *ChapterRouter) recall(key routeKey) (entities.Scope, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if v := r.catalog.Version(); v != r.memoVersion {
		r.memo = make(map[routeKey]entities.Scope)
		r.memoVersion = v
	}
	s, ok := r.memo[key]
	return s, ok
}

func (r *ChapterRouter) remember(key routeKey, s entities.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.memo) >= memoLimit {
		r.memo = make(map[routeKey]entities.Scope)
	}
	r.memo[key] = s
}

type chapterScore struct {
	number int
	score  float64
	topics []string
}

// rankLexical scores each chapter by overlap between the query and its title,
// topics, keywords and description.
func (r *ChapterRouter) rankLexical(query string, chapters []entities.Chapter) entities.Scope {
	q := tokenSet(query)
	scores := make([]chapterScore, 0, len(chapters))
	total := 0.0
	for _, ch := range chapters {
		s := chapterScore{number: ch.Number}
		counted := make(map[string]struct{})
		for _, t := range tokenize(ch.Title) {
			if _, ok := q[t]; ok {
				if _, dup := counted[t]; !dup {
					s.score += titleWeight
					counted[t] = struct{}{}
				}
			}
		}
		for _, topic := range ch.Topics {
			if containsAll(q, tokenize(topic)) {
				s.score += topicWeight
				s.topics = append(s.topics, topic)
			}
		}
		for _, kw := range ch.Keywords {
			if containsAll(q, tokenize(kw)) {
				s.score += keywordWeight
			}
		}
		for t := range tokenSet(ch.Description) {
			if _, ok := q[t]; !ok {
				continue
			}
			if _, dup := counted[t]; dup {
				continue
			}
			s.score += descriptionWeight
		}
		total += s.score
		scores = append(scores, s)
	}

	sort.SliceStable(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].number < scores[j].number
	})

	top := scores[0]
	if top.score <= 0 {
		return entities.Scope{Reason: "no-signal"}
	}

	scope := entities.Scope{
		Primary:    top.number,
		Confidence: round3(top.score / total),
		Topics:     top.topics,
	}
	for _, s := range scores[1:] {
		if len(scope.Secondary) >= r.maxSecondary {
			break
		}
		if s.score <= 0 || s.score < top.score*secondaryRatio {
			break
		}
		scope.Secondary = append(scope.Secondary, s.number)
	}
	scope.Reasoning = fmt.Sprintf("lexical match score %.1f of %.1f", top.score, total)
	return scope
}

// classify asks the completion service to pick chapters and validates the answer
// against the catalog.
func (r *ChapterRouter) classify(ctx context.Context, query, subject string, chapters []entities.Chapter) (entities.Scope, error) {
	prompt := fmt.Sprintf(`You are routing a student's %s question to relevant chapters.

STUDENT QUERY: %s

AVAILABLE CHAPTERS:
%s

Respond with ONLY valid JSON:
{"primary_chapter": <chapter number>, "secondary_chapters": [<related chapters, max %d>], "confidence": <0.0 to 1.0>, "reasoning": "<why>", "topics_identified": ["<topic>"]}`,
		subject, query, formatChapterIndex(chapters), r.maxSecondary)

	out, err := r.llm.Complete(ctx, ports.CompletionRequest{
		Model:       r.model,
		System:      routeSystemPrompt,
		Messages:    []ports.Message{{Role: "user", Content: prompt}},
		Temperature: 0,
		MaxTokens:   256,
		JSON:        true,
	})
	if err != nil {
		return entities.Scope{}, fmt.Errorf("classifying chapters: %w", err)
	}

	var plan routePlan
	if err := routeSchema.decode(out, &plan); err != nil {
		return entities.Scope{}, fmt.Errorf("classifying chapters: %w", err)
	}

	known := make(map[int]struct{}, len(chapters))
	for _, ch := range chapters {
		known[ch.Number] = struct{}{}
	}
	if _, ok := known[plan.Primary]; !ok {
		return entities.Scope{}, fmt.Errorf("classifying chapters: %w: unknown primary chapter %d", errs.ErrMalformedOutput, plan.Primary)
	}

	scope := entities.Scope{
		Primary:    plan.Primary,
		Confidence: 0.5,
		Reasoning:  plan.Reasoning,
		Topics:     plan.Topics,
	}
	if plan.Confidence != nil {
		scope.Confidence = clamp01(*plan.Confidence)
	}
	seen := map[int]struct{}{plan.Primary: {}}
	for _, n := range plan.Secondary {
		if len(scope.Secondary) >= r.maxSecondary {
			break
		}
		if _, ok := known[n]; !ok {
			continue
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		scope.Secondary = append(scope.Secondary, n)
	}
	return scope, nil
}
