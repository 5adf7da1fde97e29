// Package storage provides composable storage interfaces for the memory
// pipeline: the per-conversation message queue, episodic memories, and
// semantic facts. Each interface is implemented by both a Postgres backend
// (lexical + vector indexing) and a degraded SQLite backend for local/dev
// use without a live Postgres instance.
package storage

import (
	"context"
	"time"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// QueueStore manages the per-conversation message buffer and its
// segmentation fence.
type QueueStore interface {
	// Push atomically appends message to the conversation's queue and
	// returns the message count as it existed immediately post-append
	// (the TOCTOU-safe trigger count a caller must pin any fence to).
	Push(ctx context.Context, cid string, message types.Message) (triggerCount int, err error)

	// Get returns the full queue row for cid, creating an empty one if it
	// does not yet exist.
	Get(ctx context.Context, cid string) (*types.MessageQueue, error)

	// Drain removes the first n messages from the head of the queue.
	Drain(ctx context.Context, cid string, n int) error

	// Finalize clears Fence and FenceStartedAt. If windowDoubled is set,
	// WindowDoubled is updated to that value.
	Finalize(ctx context.Context, cid string, windowDoubled *bool) error

	// TrySetFence atomically sets Fence to count iff Fence is currently
	// nil. Returns false if the CAS lost the race.
	TrySetFence(ctx context.Context, cid string, count int) (bool, error)

	// ClearStaleFence clears Fence if FenceStartedAt is older than ttl.
	// Returns true if a fence was cleared (or none was set), false if an
	// active, non-stale fence blocks the caller.
	ClearStaleFence(ctx context.Context, cid string, ttl time.Duration) (bool, error)

	// AddPendingReview appends a PendingReview to the queue.
	AddPendingReview(ctx context.Context, cid string, review types.PendingReview) error

	// TakePendingReviews atomically reads and clears the pending review
	// list under a row lock, returning nil if there were none.
	TakePendingReviews(ctx context.Context, cid string) ([]types.PendingReview, error)

	// UpdateEventModel sets the queue's event-model description and its
	// embedding (the Event Segmentation Theory boundary detector state).
	UpdateEventModel(ctx context.Context, cid string, model string, embedding []float32) error

	// UpdateLastEmbedding sets the rolling-average embedding used by the
	// topic-channel similarity pre-filter.
	UpdateLastEmbedding(ctx context.Context, cid string, embedding []float32) error

	// UpdatePrevEpisodeSummary seeds the next batch_segment call.
	UpdatePrevEpisodeSummary(ctx context.Context, cid string, summary string) error
}

// EpisodicStore creates, indexes, and retrieves episodic memories.
type EpisodicStore interface {
	// Create persists a new episodic memory. ID, CreatedAt, and
	// LastReviewedAt are assigned by the store if zero.
	Create(ctx context.Context, episode *types.EpisodicMemory) error

	// Get retrieves a single episode by ID. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*types.EpisodicMemory, error)

	// SearchBM25 returns up to limit candidates ranked by lexical match
	// against summary, scoped to cid.
	SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error)

	// SearchVector returns up to limit candidates ranked by cosine
	// similarity of embedding against queryVec, scoped to cid.
	SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error)

	// Recent returns the n newest episodes by EndAt for cid, no re-ranking.
	Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error)

	// UpdateFSRS applies a new (Stability, Difficulty, LastReviewedAt)
	// triple to an episode.
	UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error

	// MarkConsolidated stamps ConsolidatedAt = at on every ID in ids.
	MarkConsolidated(ctx context.Context, ids []string, at time.Time) error

	// Unconsolidated returns all episodes for cid with ConsolidatedAt IS
	// NULL, oldest first.
	Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error)
}

// Transactor runs a function against an EpisodicStore/SemanticStore pair
// sharing one backend connection inside a single transaction, committing
// iff fn returns nil. Both the Postgres and SQLite backends implement this
// directly on their DB type, since their store implementations already
// share one connection pool.
type Transactor interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// SemanticStore indexes and retrieves active semantic facts.
type SemanticStore interface {
	// Create persists a new semantic fact. ID, ValidAt, and CreatedAt are
	// assigned by the store if zero.
	Create(ctx context.Context, fact *types.SemanticMemory) error

	// Get retrieves a single fact by ID, including invalidated ones.
	Get(ctx context.Context, id string) (*types.SemanticMemory, error)

	// SearchBM25 returns up to limit active candidates ranked by lexical
	// match against search_text, scoped to cid and optionally category.
	SearchBM25(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error)

	// SearchVector returns up to limit active candidates ranked by cosine
	// similarity, scoped to cid and optionally category.
	SearchVector(ctx context.Context, cid string, queryVec []float32, category *types.Category, limit int) ([]types.ScoredSemantic, error)

	// NearestActive returns up to limit active facts in cid nearest to
	// queryVec by cosine similarity, used by consolidation's predict step
	// and its duplicate probe. Candidates below similarityFloor are always
	// excluded, so a floor of 0 still drops negative similarities.
	NearestActive(ctx context.Context, cid string, queryVec []float32, similarityFloor float64, limit int) ([]types.ScoredSemantic, error)

	// AppendSourceEpisodicIDs merges newIDs (skipping any already present)
	// into a fact's SourceEpisodicIDs.
	AppendSourceEpisodicIDs(ctx context.Context, factID string, newIDs []string) error

	// Invalidate sets InvalidAt = at on a fact.
	Invalidate(ctx context.Context, factID string, at time.Time) error
}
