package postgres

import (
	"math"
	"sort"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// cosineSimilarity is the brute-force fallback scorer used when pgvector is
// unavailable. Production search goes through the <=> operator instead.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func sortScoredEpisodicDesc(s []types.ScoredEpisodic) {
	sort.Slice(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}

func sortScoredSemanticDesc(s []types.ScoredSemantic) {
	sort.Slice(s, func(i, j int) bool { return s[i].Score > s[j].Score })
}
