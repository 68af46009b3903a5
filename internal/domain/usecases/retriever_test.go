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

func dynamicsStore() *fakeStore {
	return &fakeStore{chunks: []entities.ScoredChunk{
		chunk("c1", 3, "Dynamics", 0, "Newton's second law states that F = ma.", 0.91),
		chunk("c2", 3, "Dynamics", 1, "Momentum is the product of mass and velocity.", 0.72),
		chunk("c3", 5, "Gravitation", 0, "Newton's law of gravitation relates mass and distance.", 0.66),
		chunk("c4", 2, "Kinematics", 0, "Velocity is the rate of change of displacement.", 0.64),
		chunk("c5", 3, "Dynamics", 2, "Friction opposes motion.", 0.41),
	}}
}

func TestVectorRetriever_FloorAndOrdering(t *testing.T) {
	store := dynamicsStore()
	r := NewVectorRetriever(&fakeEmbedder{}, store, 5, nil)

	res, err := r.Retrieve(context.Background(), RetrievalRequest{
		Query: "Newton's second law", ClassLevel: 9, Subject: "Physics", MinSimilarity: 0.5,
	})

	require.NoError(t, err)
	require.Len(t, res.Chunks, 4)
	for i, c := range res.Chunks {
		assert.GreaterOrEqual(t, c.Similarity, 0.5)
		if i > 0 {
			assert.GreaterOrEqual(t, res.Chunks[i-1].Similarity, c.Similarity)
		}
	}
	assert.Equal(t, "c1", res.Chunks[0].Chunk.ID)
}

func TestVectorRetriever_ScopeAndOverFetch(t *testing.T) {
	store := dynamicsStore()
	r := NewVectorRetriever(&fakeEmbedder{}, store, 2, nil)

	res, err := r.Retrieve(context.Background(), RetrievalRequest{
		Query:         "Newton's second law",
		Scope:         entities.Scope{Primary: 3, Secondary: []int{5, 2}},
		ClassLevel:    9,
		Subject:       "Physics",
		MinSimilarity: 0.5,
	})

	require.NoError(t, err)
	require.Len(t, store.queries, 1)
	assert.Equal(t, []int{3, 5}, store.queries[0].Chapters)
	assert.Equal(t, 4, store.queries[0].Limit)
	require.Len(t, res.Chunks, 2)
	assert.Equal(t, []int{3}, res.ChapterNumbers())
}

func TestVectorRetriever_EmptyIsNotAnError(t *testing.T) {
	r := NewVectorRetriever(&fakeEmbedder{}, dynamicsStore(), 5, nil)

	res, err := r.Retrieve(context.Background(), RetrievalRequest{
		Query: "photosynthesis in leaves", ClassLevel: 9, Subject: "Physics", MinSimilarity: 0.95,
	})

	require.NoError(t, err)
	assert.True(t, res.Empty())
}

func TestVectorRetriever_DimensionMismatch(t *testing.T) {
	emb := &fakeEmbedder{dim: 4, vectors: map[string][]float32{"q": {1, 0}}}
	r := NewVectorRetriever(emb, dynamicsStore(), 5, nil)

	_, err := r.Retrieve(context.Background(), RetrievalRequest{Query: "q", ClassLevel: 9, Subject: "Physics"})

	assert.ErrorIs(t, err, errs.ErrDimensionMismatch)
}

func TestVectorRetriever_EmbedFailureSurfaces(t *testing.T) {
	r := NewVectorRetriever(&fakeEmbedder{err: errUpstream}, dynamicsStore(), 5, nil)

	_, err := r.Retrieve(context.Background(), RetrievalRequest{Query: "q", ClassLevel: 9, Subject: "Physics"})

	assert.ErrorIs(t, err, errUpstream)
}

func TestVectorRetriever_DropsOtherClassAndSubject(t *testing.T) {
	leaky := &leakyStore{fakeStore: dynamicsStore()}
	r := NewVectorRetriever(&fakeEmbedder{}, leaky, 5, nil)

	res, err := r.Retrieve(context.Background(), RetrievalRequest{
		Query: "mass", ClassLevel: 9, Subject: "Physics", MinSimilarity: 0.5,
	})

	require.NoError(t, err)
	for _, c := range res.Chunks {
		assert.Equal(t, 9, c.Chunk.ClassLevel)
		assert.Equal(t, "Physics", c.Chunk.Subject)
	}
}

func TestVectorRetriever_ExpansionDedupes(t *testing.T) {
	emb := &fakeEmbedder{}
	store := dynamicsStore()
	r := NewVectorRetriever(emb, store, 5, nil, WithQueryExpansion(true))

	res, err := r.Retrieve(context.Background(), RetrievalRequest{
		Query: "momentum", ClassLevel: 9, Subject: "Physics", MinSimilarity: 0.5,
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"momentum", "What is momentum", "Explain momentum"}, emb.texts)
	ids := map[string]bool{}
	for _, c := range res.Chunks {
		assert.False(t, ids[c.Chunk.ID], "duplicate %s", c.Chunk.ID)
		ids[c.Chunk.ID] = true
	}
}

func TestExpandQuery_SkipsQuestions(t *testing.T) {
	assert.Nil(t, expandQuery("What is torque"))
	assert.Nil(t, expandQuery("define momentum"))
	assert.Equal(t, []string{"What is torque", "Explain torque"}, expandQuery("torque"))
}

// leakyStore ignores class and subject filters.
type leakyStore struct {
	*fakeStore
}

func (l *leakyStore) Search(ctx context.Context, q ports.ChunkQuery) ([]entities.ScoredChunk, error) {
	out, err := l.fakeStore.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	stray := chunk("stray", 3, "Dynamics", 7, "Class 10 notes", 0.99)
	stray.Chunk.ClassLevel = 10
	other := chunk("other", 3, "Cells", 0, "Biology notes", 0.98)
	other.Chunk.Subject = "Biology"
	return append([]entities.ScoredChunk{stray, other}, out...), nil
}
