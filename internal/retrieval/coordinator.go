package retrieval

import (
	"context"
	"fmt"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// QueuePendingReviewRecorder is the subset of storage.QueueStore the
// Coordinator needs to record a pending review after retrieve_memory.
type QueuePendingReviewRecorder interface {
	AddPendingReview(ctx context.Context, cid string, review types.PendingReview) error
}

// EpisodicRetriever is the subset of episodic.Manager the Coordinator
// depends on.
type EpisodicRetriever interface {
	Retrieve(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error)
	Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error)
}

// SemanticRetriever is the subset of semantic.Manager the Coordinator
// depends on.
type SemanticRetriever interface {
	Retrieve(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error)
}

// Coordinator implements the three retrieval operations: retrieve_memory,
// context_pre_retrieve, and recent_memory.
type Coordinator struct {
	episodic EpisodicRetriever
	semantic SemanticRetriever
	queue    QueuePendingReviewRecorder
}

// New returns a Coordinator.
func New(episodic EpisodicRetriever, semantic SemanticRetriever, queue QueuePendingReviewRecorder) *Coordinator {
	return &Coordinator{episodic: episodic, semantic: semantic, queue: queue}
}

// Result is the raw output of retrieve_memory / context_pre_retrieve,
// before Markdown rendering.
type Result struct {
	Semantic []types.ScoredSemantic
	Episodic []types.ScoredEpisodic
}

// Retrieve runs the semantic and episodic searches in parallel and records
// a pending review against the episodic IDs returned, per §4.5.
func (c *Coordinator) Retrieve(ctx context.Context, cid, query string, episodicLimit, semanticLimit int, category *types.Category) (Result, error) {
	type semResult struct {
		facts []types.ScoredSemantic
		err   error
	}
	type epResult struct {
		episodes []types.ScoredEpisodic
		err      error
	}
	semCh := make(chan semResult, 1)
	epCh := make(chan epResult, 1)

	go func() {
		facts, err := c.semantic.Retrieve(ctx, cid, query, category, semanticLimit)
		semCh <- semResult{facts: facts, err: err}
	}()
	go func() {
		episodes, err := c.episodic.Retrieve(ctx, cid, query, episodicLimit)
		epCh <- epResult{episodes: episodes, err: err}
	}()

	sem := <-semCh
	ep := <-epCh
	if sem.err != nil {
		return Result{}, fmt.Errorf("retrieval: semantic search for %s: %w", cid, sem.err)
	}
	if ep.err != nil {
		return Result{}, fmt.Errorf("retrieval: episodic search for %s: %w", cid, ep.err)
	}

	if len(ep.episodes) > 0 {
		ids := make([]string, len(ep.episodes))
		for i, sc := range ep.episodes {
			ids[i] = sc.Memory.ID
		}
		if err := c.queue.AddPendingReview(ctx, cid, types.PendingReview{Query: query, MemoryIDs: ids}); err != nil {
			return Result{}, fmt.Errorf("retrieval: record pending review for %s: %w", cid, err)
		}
	}

	return Result{Semantic: sem.facts, Episodic: ep.episodes}, nil
}

// ContextPreRetrieve is the semantic-only variant used to prime a
// conversation's system prompt; it does not record a pending review.
func (c *Coordinator) ContextPreRetrieve(ctx context.Context, cid, query string, semanticLimit int, category *types.Category) (Result, error) {
	facts, err := c.semantic.Retrieve(ctx, cid, query, category, semanticLimit)
	if err != nil {
		return Result{}, fmt.Errorf("retrieval: context_pre_retrieve for %s: %w", cid, err)
	}
	return Result{Semantic: facts}, nil
}

// Recent returns the n newest episodic memories for cid, unscored.
func (c *Coordinator) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	episodes, err := c.episodic.Recent(ctx, cid, n)
	if err != nil {
		return nil, fmt.Errorf("retrieval: recent_memory for %s: %w", cid, err)
	}
	return episodes, nil
}
