package usecases

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// tutorLLM plays every stage: it echoes the question when rewriting and
// answers "re: <question>" citing the first excerpt.
func tutorLLM() *fakeLLM {
	return &fakeLLM{respond: func(req ports.CompletionRequest) (string, error) {
		last := req.Messages[len(req.Messages)-1].Content
		question := last
		if i := strings.LastIndex(last, "Question: "); i >= 0 {
			question = last[i+len("Question: "):]
		}
		switch {
		case strings.Contains(req.System, "standalone search query"):
			return question, nil
		case strings.Contains(req.System, "No course notes matched"):
			return answerJSON(map[string]any{"answer": "re: " + question, "explanation": "general knowledge", "confidence": 0.9}), nil
		default:
			return answerJSON(map[string]any{
				"answer":      "re: " + question,
				"explanation": "Newton's second law: net force equals mass times acceleration, F = ma.",
				"citations":   []string{"S1"},
				"confidence":  0.9,
			}), nil
		}
	}}
}

func answerJSON(v map[string]any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

type pipelineFixture struct {
	llm      *fakeLLM
	store    *fakeStore
	embedder *fakeEmbedder
	sessions *fakeSessions
	metrics  *fakeMetrics
	chatLog  *fakeLog
	cfg      PipelineConfig
}

func newFixture() *pipelineFixture {
	return &pipelineFixture{
		llm:      tutorLLM(),
		store:    dynamicsStore(),
		embedder: &fakeEmbedder{},
		sessions: newFakeSessions(),
		metrics:  &fakeMetrics{},
		chatLog:  &fakeLog{},
		cfg:      DefaultPipelineConfig(),
	}
}

func (f *pipelineFixture) build() *Pipeline {
	catalog := newFakeCatalog(9, "Physics", physicsNine())
	return NewPipeline(
		NewQueryRewriter(f.llm, "fast", 4, nil),
		NewChapterRouter(catalog, nil),
		NewVectorRetriever(f.embedder, f.store, f.cfg.TopK, nil),
		NewAnswerGenerator(f.llm, "main", 3, nil),
		f.cfg,
		PipelineDeps{Sessions: f.sessions, ChatLog: f.chatLog, Metrics: f.metrics},
	)
}

func physicsQuestion(q string) entities.QuestionRequest {
	return entities.QuestionRequest{Query: q, ClassLevel: 9, Subject: "Physics", Language: "en"}
}

func TestPipeline_NewtonsSecondLaw(t *testing.T) {
	f := newFixture()
	p := f.build()

	resp, trace, err := p.AskWithTrace(context.Background(), physicsQuestion("What is Newton's second law?"))

	require.NoError(t, err)
	assert.Equal(t, 3, trace.Scope.Primary)
	require.NotEmpty(t, trace.Retrieved)
	for _, c := range trace.Retrieved {
		assert.GreaterOrEqual(t, c.Similarity, 0.5)
	}
	assert.NotEmpty(t, resp.Explanation)
	assert.True(t, resp.Grounded)
	assert.False(t, resp.LowConfidence)
	require.NotNil(t, resp.ChapterUsed)
	assert.Equal(t, 3, *resp.ChapterUsed)

	var chapters []int
	for _, s := range resp.Sources {
		chapters = append(chapters, s.Chapter)
	}
	assert.Contains(t, chapters, 3)

	require.Len(t, f.chatLog.records, 1)
	assert.Equal(t, "What is Newton's second law?", f.chatLog.records[0].OriginalQuery)
	assert.Equal(t, []string{"ok"}, f.metrics.outcomes)
}

func TestPipeline_OutOfCorpusFallsBack(t *testing.T) {
	f := newFixture()
	grounded, err := f.build().Ask(context.Background(), physicsQuestion("What is Newton's second law?"))
	require.NoError(t, err)

	f = newFixture()
	f.store = &fakeStore{chunks: []entities.ScoredChunk{
		chunk("c1", 3, "Dynamics", 0, "Newton's second law states that F = ma.", 0.21),
	}}
	resp, trace, err := f.build().AskWithTrace(context.Background(), physicsQuestion("How do black holes form?"))

	require.NoError(t, err)
	assert.Empty(t, trace.Retrieved)
	assert.Equal(t, ModeFallback, trace.Mode)
	assert.False(t, resp.Grounded)
	assert.NotNil(t, resp.Sources)
	assert.Empty(t, resp.Sources)
	assert.True(t, resp.LowConfidence)
	assert.Less(t, resp.Confidence, grounded.Confidence)
	assert.Contains(t, f.metrics.degraded, "generate:empty-retrieval")
}

func TestPipeline_RewriteFailureDegrades(t *testing.T) {
	f := newFixture()
	inner := f.llm.respond
	f.llm.respond = func(req ports.CompletionRequest) (string, error) {
		if strings.Contains(req.System, "standalone search query") {
			return "", errUpstream
		}
		return inner(req)
	}

	resp, err := f.build().Ask(context.Background(), physicsQuestion("What is Newton's second law?"))

	require.NoError(t, err)
	assert.Equal(t, "What is Newton's second law?", resp.RevisedQuery)
	assert.Contains(t, f.metrics.degraded, "rewrite:error")
}

func TestPipeline_RewriteTimeoutDegrades(t *testing.T) {
	f := newFixture()
	inner := f.llm.respond
	f.llm.respondCtx = func(ctx context.Context, req ports.CompletionRequest) (string, error) {
		if strings.Contains(req.System, "standalone search query") {
			<-ctx.Done()
			return "", ctx.Err()
		}
		return inner(req)
	}
	f.cfg.RewriteTimeout = 20 * time.Millisecond

	resp, err := f.build().Ask(context.Background(), physicsQuestion("What is Newton's second law?"))

	require.NoError(t, err)
	assert.Equal(t, "What is Newton's second law?", resp.RevisedQuery)
	assert.Contains(t, f.metrics.degraded, "rewrite:timeout")
}

func TestPipeline_RetrievalFailureIsReported(t *testing.T) {
	f := newFixture()
	f.store.err = fmt.Errorf("%w: pool exhausted", errs.ErrServiceUnavailable)
	req := physicsQuestion("What is Newton's second law?")
	req.SessionID = "s1"

	resp, err := f.build().Ask(context.Background(), req)

	assert.Nil(t, resp)
	assert.ErrorIs(t, err, errs.ErrServiceUnavailable)
	assert.Empty(t, f.sessions.turns("s1"))
	assert.Empty(t, f.chatLog.records)
	assert.Equal(t, []string{"error"}, f.metrics.outcomes)
}

func TestPipeline_GenerationFailureIsReported(t *testing.T) {
	f := newFixture()
	f.llm.respond = func(req ports.CompletionRequest) (string, error) {
		if strings.Contains(req.System, "standalone search query") {
			return "What is Newton's second law?", nil
		}
		return "", errUpstream
	}

	_, err := f.build().Ask(context.Background(), physicsQuestion("What is Newton's second law?"))

	assert.ErrorIs(t, err, errUpstream)
}

func TestPipeline_ValidatesRequest(t *testing.T) {
	p := newFixture().build()
	bad := map[string]entities.QuestionRequest{
		"empty query":   {Query: "  ", ClassLevel: 9, Subject: "Physics"},
		"class level":   {Query: "q", ClassLevel: 12, Subject: "Physics"},
		"no subject":    {Query: "q", ClassLevel: 9},
		"language":      {Query: "q", ClassLevel: 9, Subject: "Physics", Language: "fr"},
		"history role":  {Query: "q", ClassLevel: 9, Subject: "Physics", History: []entities.ChatTurn{{Role: "system", Content: "x"}}},
		"query too big": {Query: strings.Repeat("a", 2001), ClassLevel: 9, Subject: "Physics"},
	}
	for name, req := range bad {
		t.Run(name, func(t *testing.T) {
			_, err := p.Ask(context.Background(), req)
			assert.ErrorIs(t, err, errs.ErrInvalidRequest)
		})
	}
}

func TestPipeline_SessionKeepsLastTenTurns(t *testing.T) {
	f := newFixture()
	p := f.build()
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		req := physicsQuestion(fmt.Sprintf("What is Newton's second law? #%d", i))
		req.SessionID = "s1"
		_, err := p.Ask(ctx, req)
		require.NoError(t, err)
	}

	turns := f.sessions.turns("s1")
	require.Len(t, turns, 10)
	assert.Equal(t, "What is Newton's second law? #1", turns[0].Content)
	assert.Equal(t, entities.RoleUser, turns[0].Role)
	assert.Equal(t, entities.RoleAssistant, turns[9].Role)
}

func TestPipeline_SessionHistoryReachesGenerator(t *testing.T) {
	f := newFixture()
	p := f.build()
	ctx := context.Background()

	first := physicsQuestion("What is Newton's first law?")
	first.SessionID = "s2"
	_, err := p.Ask(ctx, first)
	require.NoError(t, err)

	second := physicsQuestion("What is Newton's second law?")
	second.SessionID = "s2"
	_, err = p.Ask(ctx, second)
	require.NoError(t, err)

	last := f.llm.calls[len(f.llm.calls)-1]
	require.Len(t, last.Messages, 3)
	assert.Equal(t, "What is Newton's first law?", last.Messages[0].Content)
	assert.Equal(t, "assistant", last.Messages[1].Role)
}

func TestPipeline_SessionScopeMustMatchRequest(t *testing.T) {
	f := newFixture()
	p := f.build()
	ctx := context.Background()

	first := physicsQuestion("What is Newton's first law?")
	first.SessionID = "s9"
	_, err := p.Ask(ctx, first)
	require.NoError(t, err)
	calls := f.llm.callCount()

	other := entities.QuestionRequest{SessionID: "s9", Query: "What is an acid?", ClassLevel: 10, Subject: "Chemistry", Language: "en"}
	_, err = p.Ask(ctx, other)

	assert.ErrorIs(t, err, errs.ErrInvalidRequest)
	assert.Equal(t, calls, f.llm.callCount())
	assert.Equal(t, []string{"ok", "invalid"}, f.metrics.outcomes)
	sess, err := f.sessions.Load(ctx, "s9")
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2)

	sameScope := physicsQuestion("And the second law?")
	sameScope.SessionID = "s9"
	sameScope.Subject = " physics "
	_, err = p.Ask(ctx, sameScope)
	assert.NoError(t, err)
}

func TestPipeline_SameSessionRequestsAreSerialized(t *testing.T) {
	f := newFixture()
	p := f.build()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := physicsQuestion(fmt.Sprintf("What is Newton's second law? v%d", i))
			req.SessionID = "busy"
			_, err := p.Ask(context.Background(), req)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	turns := f.sessions.turns("busy")
	require.Len(t, turns, 10)
	for i := 0; i < len(turns); i += 2 {
		assert.Equal(t, entities.RoleUser, turns[i].Role)
		assert.Equal(t, entities.RoleAssistant, turns[i+1].Role)
		assert.Equal(t, "re: "+turns[i].Content, turns[i+1].Content)
		if i > 0 {
			assert.False(t, turns[i].Timestamp.Before(turns[i-1].Timestamp))
		}
	}
	assert.Zero(t, p.locks.held())
}

func TestPipeline_AppendFailureStillAnswers(t *testing.T) {
	f := newFixture()
	f.sessions.appendErr = errUpstream
	req := physicsQuestion("What is Newton's second law?")
	req.SessionID = "s3"

	resp, err := f.build().Ask(context.Background(), req)

	require.NoError(t, err)
	assert.NotEmpty(t, resp.Answer)
	assert.Contains(t, f.metrics.degraded, "session:append-failed")
}

func TestPipeline_InlineHistoryWithoutSession(t *testing.T) {
	f := newFixture()
	req := physicsQuestion("explain it")
	req.History = []entities.ChatTurn{
		{Role: entities.RoleUser, Content: "What is Newton's first law?"},
		{Role: entities.RoleAssistant, Content: "Objects keep their state of motion."},
	}

	_, err := f.build().Ask(context.Background(), req)

	require.NoError(t, err)
	assert.Contains(t, f.llm.calls[0].Messages[0].Content, "Newton's first law")
}
