package vectordb

import (
	"math"

	"github.com/0xcro3dile/coursetutor-go/internal/domain/entities"
	"github.com/0xcro3dile/coursetutor-go/internal/domain/ports"
)

// cosineSimilarity calculates cosine similarity between two vectors, clamped to [0,1].
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return clampSimilarity(dotProduct / (math.Sqrt(normA) * math.Sqrt(normB)))
}

func clampSimilarity(s float64) float64 {
	switch {
	case s < 0:
		return 0
	case s > 1:
		return 1
	}
	return s
}

// matches applies the class, subject and chapter filters of q.
func matches(q ports.ChunkQuery, subjectNorm string, allowed map[int]bool, c entities.DocumentChunk) bool {
	if c.ClassLevel != q.ClassLevel || entities.NormalizeSubject(c.Subject) != subjectNorm {
		return false
	}
	return allowed == nil || allowed[c.ChapterNumber]
}

func chapterSet(chapters []int) map[int]bool {
	if len(chapters) == 0 {
		return nil
	}
	set := make(map[int]bool, len(chapters))
	for _, n := range chapters {
		set[n] = true
	}
	return set
}

// rank applies the shared ordering and trims to limit.
func rank(results []entities.ScoredChunk, limit int) []entities.ScoredChunk {
	entities.SortScored(results)
	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results
}
