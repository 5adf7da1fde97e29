package sqlite

import (
	"encoding/json"
	"math"
	"sort"
	"strings"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// cosineSimilarity scores two embeddings. Every vector search in this
// backend goes through this brute-force scan; there is no SQLite vector
// index to fall back from.
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

func encodeEmbedding(v []float32) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func decodeEmbedding(s *string) ([]float32, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// sanitizeFTSQuery converts a free-form query into a safe FTS5 MATCH
// expression: strip special characters, drop stop words, OR the remaining
// terms as prefix matches. An unbalanced quote or bare operator keyword
// otherwise makes SQLite return "fts5: syntax error".
func sanitizeFTSQuery(query string) string {
	replacer := strings.NewReplacer(`"`, " ", `'`, " ", `(`, " ", `)`, " ", `*`, " ", `-`, " ", `^`, " ", `:`, " ")
	cleaned := replacer.Replace(query)

	stopWords := map[string]bool{
		"a": true, "an": true, "the": true, "is": true, "are": true, "was": true, "were": true,
		"be": true, "been": true, "being": true, "have": true, "has": true, "had": true,
		"do": true, "does": true, "did": true, "will": true, "would": true, "could": true,
		"should": true, "may": true, "might": true, "shall": true, "can": true, "to": true,
		"of": true, "in": true, "on": true, "at": true, "by": true, "for": true, "with": true,
		"from": true, "as": true, "about": true, "what": true, "how": true, "when": true,
		"where": true, "why": true, "who": true, "which": true, "this": true, "that": true,
		"and": true, "or": true, "but": true, "if": true, "not": true,
	}

	var terms []string
	for _, w := range strings.Fields(strings.ToLower(cleaned)) {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}
	if len(terms) == 0 {
		return strings.ToLower(strings.TrimSpace(cleaned))
	}
	return strings.Join(terms, " OR ")
}
