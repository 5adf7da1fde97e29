// Package episodic implements the Episodic Store's creation pipeline and its
// hybrid RRF + FSRS-decay retrieval.
package episodic

import (
	"context"
	"fmt"
	"time"

	"github.com/nemosyne/nemosyne/internal/fsrs"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/retrieval"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// candidateLimit is how many results are pulled per retrieval leg (BM25,
// vector) before RRF fusion.
const candidateLimit = 100

// Manager creates and retrieves episodic memories.
type Manager struct {
	store     storage.EpisodicStore
	scheduler *fsrs.Scheduler
	llmClient llm.Client
}

// New returns a Manager backed by store, scheduler, and llmClient.
func New(store storage.EpisodicStore, scheduler *fsrs.Scheduler, llmClient llm.Client) *Manager {
	return &Manager{store: store, scheduler: scheduler, llmClient: llmClient}
}

// Create persists one episode from a segmentation-engine segment: it embeds
// the summary, initializes FSRS state with the surprise boost, and derives
// start_at/end_at from the segment's message slice. embeddingSurprise is the
// segmentation engine's dual-channel embedding pre-filter signal for this
// segment's message range; the boundary can fire on either channel, so the
// louder of the two — the LLM's coarse surprise_level or the embedding
// divergence — wins.
func (m *Manager) Create(ctx context.Context, cid string, seg types.Segment, messages []types.Message, embeddingSurprise float32) (*types.EpisodicMemory, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("episodic: create %s: segment has no messages", cid)
	}

	embedding, err := m.llmClient.Embed(ctx, seg.Summary)
	if err != nil {
		return nil, fmt.Errorf("episodic: embed summary for %s: %w", cid, err)
	}

	surprise := seg.SurpriseLevel.SurpriseScore()
	if embeddingSurprise > surprise {
		surprise = embeddingSurprise
	}
	stability, difficulty := m.scheduler.Init(surprise)

	now := time.Now().UTC()
	e := &types.EpisodicMemory{
		ConversationID: cid,
		Messages:       messages,
		Title:          seg.Title,
		Summary:        seg.Summary,
		Embedding:      embedding,
		Stability:      stability,
		Difficulty:     difficulty,
		Surprise:       surprise,
		CreatedAt:      now,
		StartAt:        messages[0].Timestamp,
		EndAt:          messages[len(messages)-1].Timestamp,
		LastReviewedAt: now,
	}

	if err := m.store.Create(ctx, e); err != nil {
		return nil, fmt.Errorf("episodic: persist episode for %s: %w", cid, err)
	}
	return e, nil
}

// Retrieve runs the hybrid BM25+vector search, fuses by RRF, and re-ranks by
// FSRS retrievability decay, returning up to limit results.
func (m *Manager) Retrieve(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	queryVec, err := m.llmClient.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("episodic: embed query for %s: %w", cid, err)
	}

	bm25, err := m.store.SearchBM25(ctx, cid, query, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("episodic: BM25 search for %s: %w", cid, err)
	}
	vector, err := m.store.SearchVector(ctx, cid, queryVec, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("episodic: vector search for %s: %w", cid, err)
	}

	byID := make(map[string]types.EpisodicMemory, len(bm25)+len(vector))
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

	now := time.Now()
	scored := make([]types.ScoredEpisodic, 0, len(byID))
	for id, e := range byID {
		rrf := retrieval.Score(id, bm25Ranked, vectorRanked)
		elapsedDays := now.Sub(e.LastReviewedAt).Hours() / 24
		retrievability := m.scheduler.Retrievability(e.Stability, elapsedDays)
		scored = append(scored, types.ScoredEpisodic{Memory: e, Score: rrf * retrievability})
	}

	sortScoredEpisodicDesc(scored)
	if len(scored) > limit {
		scored = scored[:limit]
	}
	return scored, nil
}

// Recent returns the n newest episodes by EndAt, with no FSRS re-ranking.
func (m *Manager) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	return m.store.Recent(ctx, cid, n)
}
