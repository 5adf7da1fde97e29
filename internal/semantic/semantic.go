// Package semantic implements the Semantic Store's hybrid RRF retrieval
// (no FSRS decay) and the consolidation pipeline that distills batches of
// episodic memories into categorized, versioned facts.
package semantic

import (
	"context"
	"fmt"

	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/retrieval"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// candidateLimit is how many results are pulled per retrieval leg before
// RRF fusion.
const candidateLimit = 100

// Manager retrieves semantic facts; consolidation is run by Consolidator.
type Manager struct {
	store     storage.SemanticStore
	llmClient llm.Client
}

// New returns a Manager backed by store and llmClient.
func New(store storage.SemanticStore, llmClient llm.Client) *Manager {
	return &Manager{store: store, llmClient: llmClient}
}

// Retrieve runs the hybrid BM25+vector search scoped to cid and optional
// category, fuses by RRF, and returns up to limit results. No FSRS
// re-ranking is applied; facts do not decay.
func (m *Manager) Retrieve(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	queryVec, err := m.llmClient.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("semantic: embed query for %s: %w", cid, err)
	}

	bm25, err := m.store.SearchBM25(ctx, cid, query, category, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("semantic: BM25 search for %s: %w", cid, err)
	}
	vector, err := m.store.SearchVector(ctx, cid, queryVec, category, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("semantic: vector search for %s: %w", cid, err)
	}

	byID := make(map[string]types.SemanticMemory, len(bm25)+len(vector))
	bm25Ranked := make([]retrieval.Ranked, len(bm25))
	for i, sc := range bm25 {
		byID[sc.Memory.ID] = sc.Memory
		bm25Ranked[i] = retrieval.Ranked{Key: sc.Memory.ID, Rank: i + 1}
	}
	vectorRanked := make([]retrieval.Ranked, len(vector))
	for i, sc := range vector {
		byID[sc.Memory.ID] = sc.Memory
		vectorRanked[i] = retrieval.Ranked{Key: sc.Memory.ID, Rank: i + 1}
	}

	scored := make([]types.ScoredSemantic, 0, len(byID))
	for id, fact := range byID {
		scored = append(scored, types.ScoredSemantic{
			Memory: fact,
			Score:  retrieval.Score(id, bm25Ranked, vectorRanked),
		})
	}

	sortScoredSemanticDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}
