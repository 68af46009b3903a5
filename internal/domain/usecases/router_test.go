package usecases

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

func TestChapterRouter_NewtonsSecondLawRoutesToDynamics(t *testing.T) {
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil)

	scope, err := r.Route(context.Background(), "What is Newton's second law?", 9, "Physics")

	require.NoError(t, err)
	assert.Equal(t, 3, scope.Primary)
	assert.Equal(t, []int{5}, scope.Secondary)
	assert.Contains(t, scope.Topics, "Newton laws")
	assert.Greater(t, scope.Confidence, 0.5)
	assert.LessOrEqual(t, scope.Confidence, 1.0)
}

func TestChapterRouter_NoMetadataIsUnscoped(t *testing.T) {
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil)

	scope, err := r.Route(context.Background(), "What is a noun?", 10, "English")

	require.NoError(t, err)
	assert.True(t, scope.Unscoped())
	assert.Equal(t, "no-metadata", scope.Reason)
	assert.Nil(t, scope.Chapters(-1))
}

func TestChapterRouter_NoSignalIsUnscoped(t *testing.T) {
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil)

	scope, err := r.Route(context.Background(), "tell me a joke", 9, "Physics")

	require.NoError(t, err)
	assert.True(t, scope.Unscoped())
	assert.Equal(t, "no-signal", scope.Reason)
}

func TestChapterRouter_TiesBreakByChapterNumber(t *testing.T) {
	chapters := []entities.Chapter{
		{Number: 7, Title: "Waves", ClassLevel: 10, Subject: "Physics"},
		{Number: 4, Title: "Waves Again", ClassLevel: 10, Subject: "Physics"},
	}
	r := NewChapterRouter(newFakeCatalog(10, "Physics", chapters), nil)

	scope, err := r.Route(context.Background(), "waves", 10, "Physics")

	require.NoError(t, err)
	assert.Equal(t, 4, scope.Primary)
	assert.Equal(t, []int{7}, scope.Secondary)
}

func TestChapterRouter_Idempotent(t *testing.T) {
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil)
	ctx := context.Background()

	first, err := r.Route(ctx, "how does friction affect momentum and kinetic energy", 9, "Physics")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := r.Route(ctx, "how does friction affect momentum and kinetic energy", 9, "Physics")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestChapterRouter_PrimaryBelongsToRequestedSubject(t *testing.T) {
	cat := newFakeCatalog(9, "Physics", physicsNine())
	r := NewChapterRouter(cat, nil)

	for _, q := range []string{"what is velocity", "define weight", "units of power", "vernier caliper reading"} {
		scope, err := r.Route(context.Background(), q, 9, "physics")
		require.NoError(t, err)
		if scope.Unscoped() {
			continue
		}
		var found bool
		for _, ch := range cat.Chapters(9, "Physics") {
			if ch.Number == scope.Primary {
				found = true
				assert.Equal(t, 9, ch.ClassLevel)
			}
		}
		assert.True(t, found, "primary %d for %q not in catalog", scope.Primary, q)
	}
}

func TestChapterRouter_MaxSecondary(t *testing.T) {
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil, WithMaxSecondary(0))

	scope, err := r.Route(context.Background(), "What is Newton's second law?", 9, "Physics")

	require.NoError(t, err)
	assert.Equal(t, 3, scope.Primary)
	assert.Empty(t, scope.Secondary)
}

func TestChapterRouter_ClassifierValidatesChapters(t *testing.T) {
	llm := &fakeLLM{respond: func(ports.CompletionRequest) (string, error) {
		return "```json\n{\"primary_chapter\": 6, \"secondary_chapters\": [6, 42, 2, 3, 5], \"confidence\": 0.9, \"reasoning\": \"energy\", \"topics_identified\": [\"work\"]}\n```", nil
	}}
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil, WithClassifier(llm, "main"))

	scope, err := r.Route(context.Background(), "how much work is done", 9, "Physics")

	require.NoError(t, err)
	assert.Equal(t, 6, scope.Primary)
	assert.Equal(t, []int{2, 3}, scope.Secondary)
	assert.Equal(t, 0.9, scope.Confidence)
	assert.Equal(t, "main", llm.calls[0].Model)
	assert.True(t, llm.calls[0].JSON)
}

func TestChapterRouter_ClassifierMemoisedPerCatalogVersion(t *testing.T) {
	llm := &fakeLLM{respond: func(ports.CompletionRequest) (string, error) {
		return `{"primary_chapter": 3, "confidence": 0.8}`, nil
	}}
	cat := newFakeCatalog(9, "Physics", physicsNine())
	r := NewChapterRouter(cat, nil, WithClassifier(llm, "main"))
	ctx := context.Background()

	a, err := r.Route(ctx, "what is inertia", 9, "Physics")
	require.NoError(t, err)
	b, err := r.Route(ctx, "what is inertia", 9, "Physics")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 1, llm.callCount())

	cat.bump()
	_, err = r.Route(ctx, "what is inertia", 9, "Physics")
	require.NoError(t, err)
	assert.Equal(t, 2, llm.callCount())
}

func TestChapterRouter_ClassifierFailureFallsBackToLexical(t *testing.T) {
	cases := map[string]func(ports.CompletionRequest) (string, error){
		"upstream error":  func(ports.CompletionRequest) (string, error) { return "", errUpstream },
		"not json":        func(ports.CompletionRequest) (string, error) { return "chapter three, I think", nil },
		"unknown chapter": func(ports.CompletionRequest) (string, error) { return `{"primary_chapter": 99}`, nil },
		"bad confidence":  func(ports.CompletionRequest) (string, error) { return `{"primary_chapter": 3, "confidence": 7}`, nil },
	}
	for name, respond := range cases {
		t.Run(name, func(t *testing.T) {
			llm := &fakeLLM{respond: respond}
			r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil, WithClassifier(llm, "main"))

			scope, err := r.Route(context.Background(), "What is Newton's second law?", 9, "Physics")

			assert.Error(t, err)
			assert.Equal(t, 3, scope.Primary)
		})
	}
}

func TestChapterRouter_MalformedClassifierOutputIsMalformedError(t *testing.T) {
	llm := &fakeLLM{respond: func(ports.CompletionRequest) (string, error) { return `{"secondary_chapters": []}`, nil }}
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil, WithClassifier(llm, "main"))

	_, err := r.Route(context.Background(), "torque", 9, "Physics")

	assert.ErrorIs(t, err, errs.ErrMalformedOutput)
}

func TestChapterRouter_UnknownPrimaryChapterIsMalformedError(t *testing.T) {
	llm := &fakeLLM{respond: func(ports.CompletionRequest) (string, error) {
		return `{"primary_chapter": 42, "confidence": 0.9}`, nil
	}}
	r := NewChapterRouter(newFakeCatalog(9, "Physics", physicsNine()), nil, WithClassifier(llm, "main"))

	scope, err := r.Route(context.Background(), "What is Newton's second law?", 9, "Physics")

	assert.ErrorIs(t, err, errs.ErrMalformedOutput)
	assert.Equal(t, 3, scope.Primary)
}
