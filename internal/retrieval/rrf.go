// Package retrieval implements Reciprocal Rank Fusion over the BM25 and
// vector legs of a hybrid search, the retrieval coordinator that runs the
// semantic and episodic searches in parallel, and the canonical Markdown
// renderer for both.
package retrieval

import "sort"

// rrfK is the RRF rank-dampening constant fixed by the retrieval contract.
const rrfK = 60

// Ranked is a single hit from one retrieval leg (BM25 or vector), identified
// by a caller-chosen key (typically the memory ID) with its 1-indexed rank
// in that leg's result list.
type Ranked struct {
	Key  string
	Rank int
}

// Fuse computes rrf(d) = Σ 1/(k + rank_d_in_source) across any number of
// ranked legs and returns keys sorted by descending fused score. A key
// present in more than one leg accumulates a contribution from each,
// reproducing the "present in both legs ranks above present in only one"
// property for equal per-leg ranks.
func Fuse(legs ...[]Ranked) []string {
	scores := make(map[string]float64)
	order := make([]string, 0)
	seen := make(map[string]bool)

	for _, leg := range legs {
		for _, r := range leg {
			if !seen[r.Key] {
				seen[r.Key] = true
				order = append(order, r.Key)
			}
			scores[r.Key] += 1.0 / float64(rrfK+r.Rank)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return scores[order[i]] > scores[order[j]]
	})
	return order
}

// Score returns the fused RRF score for key given the same legs passed to
// Fuse, for callers that need the numeric score alongside the key (e.g. to
// multiply by FSRS retrievability).
func Score(key string, legs ...[]Ranked) float64 {
	var total float64
	for _, leg := range legs {
		for _, r := range leg {
			if r.Key == key {
				total += 1.0 / float64(rrfK+r.Rank)
			}
		}
	}
	return total
}
