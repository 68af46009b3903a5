package usecases

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/errs"
)

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"newton", "second", "law"}, tokenize("What is Newton's second law?"))
	assert.Equal(t, []string{"newton", "law"}, tokenize("Newton laws"))
	assert.Equal(t, []string{"mass", "gas"}, tokenize("mass of gas"))
	assert.Empty(t, tokenize("explain it"))
}

func TestLexicalSupport(t *testing.T) {
	evidence := tokenSet("Force equals mass times acceleration")
	assert.Equal(t, 1.0, lexicalSupport("force equals mass times acceleration", evidence))
	assert.Equal(t, 0.5, lexicalSupport("force photosynthesis", evidence))
	assert.Equal(t, 0.0, lexicalSupport("", evidence))
}

func TestExtractJSONObject(t *testing.T) {
	cases := map[string]string{
		`{"a": 1}`:                          `{"a": 1}`,
		"```json\n{\"a\": {\"b\": 2}}\n```": `{"a": {"b": 2}}`,
		`Sure! {"a": "}{"} trailing`:        `{"a": "}{"}`,
		`{"a": "quote \" }"}`:               `{"a": "quote \" }"}`,
	}
	for in, want := range cases {
		got, ok := extractJSONObject(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got)
	}

	_, ok := extractJSONObject("no json here")
	assert.False(t, ok)
	_, ok = extractJSONObject(`{"unterminated": 1`)
	assert.False(t, ok)
}

func TestOutputSchema_Decode(t *testing.T) {
	var plan routePlan
	require.NoError(t, routeSchema.decode(`{"primary_chapter": 3, "secondary_chapters": [5]}`, &plan))
	assert.Equal(t, 3, plan.Primary)
	assert.Equal(t, []int{5}, plan.Secondary)

	err := routeSchema.decode(`{"primary_chapter": "three"}`, &plan)
	assert.ErrorIs(t, err, errs.ErrMalformedOutput)
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "abc", truncateRunes("abc", 3))
	assert.Equal(t, "ab...", truncateRunes("abc", 2))
	assert.Equal(t, "قو...", truncateRunes("قوت", 2))
}
