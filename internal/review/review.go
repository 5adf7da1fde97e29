// Package review implements the Memory Reviewer: it rates how each
// retrieved episode was actually used by the conversation that followed
// its retrieval, and applies the corresponding FSRS transition.
package review

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nemosyne/nemosyne/internal/fsrs"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/metrics"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// sameCalendarDay reports whether a and b fall on the same UTC date.
func sameCalendarDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Reviewer consumes ReviewJobs, rates each memory's usage with one
// structured LLM call, and applies the resulting FSRS transition.
type Reviewer struct {
	episodicStore storage.EpisodicStore
	scheduler     *fsrs.Scheduler
	llmClient     llm.Client
	metrics       *metrics.Manager
}

// New returns a Reviewer. Pass metrics.NoOp() to disable stale-skip
// recording.
func New(episodicStore storage.EpisodicStore, scheduler *fsrs.Scheduler, llmClient llm.Client, m *metrics.Manager) *Reviewer {
	if m == nil {
		m = metrics.NoOp()
	}
	return &Reviewer{episodicStore: episodicStore, scheduler: scheduler, llmClient: llmClient, metrics: m}
}

type reviewCandidate struct {
	memory         types.EpisodicMemory
	matchedQueries []string
}

// Run implements jobs.Handler.RunReview: aggregates pending reviews by
// memory ID, drops stale entries, makes one structured LLM call, and
// applies a per-memory FSRS transition.
func (r *Reviewer) Run(ctx context.Context, job types.ReviewJob) error {
	queriesByID := aggregateQueries(job.PendingReviews)
	if len(queriesByID) == 0 {
		return nil
	}

	candidates := make([]reviewCandidate, 0, len(queriesByID))
	for id, queries := range queriesByID {
		memory, err := r.episodicStore.Get(ctx, id)
		if err != nil {
			if err == storage.ErrNotFound {
				continue
			}
			return fmt.Errorf("review: load memory %s: %w", id, err)
		}
		if !job.ReviewedAt.After(memory.LastReviewedAt) || sameCalendarDay(job.ReviewedAt, memory.LastReviewedAt) {
			r.metrics.RecordReviewStaleSkip()
			continue
		}
		candidates = append(candidates, reviewCandidate{memory: *memory, matchedQueries: queries})
	}
	if len(candidates) == 0 {
		return nil
	}

	ratings, err := r.rate(ctx, job.ContextMessages, candidates)
	if err != nil {
		return fmt.Errorf("review: rate memories: %w", err)
	}

	byMemoryID := make(map[string]types.Rating, len(ratings))
	for _, rt := range ratings {
		byMemoryID[rt.MemoryID] = rt.Rating
	}

	for _, c := range candidates {
		rating, ok := byMemoryID[c.memory.ID]
		if !ok {
			continue
		}
		newStability, newDifficulty := r.scheduler.Next(c.memory.Stability, c.memory.Difficulty, c.memory.LastReviewedAt, rating)
		if err := r.episodicStore.UpdateFSRS(ctx, c.memory.ID, newStability, newDifficulty, job.ReviewedAt); err != nil {
			return fmt.Errorf("review: persist FSRS transition for %s: %w", c.memory.ID, err)
		}
	}
	return nil
}

// aggregateQueries unions memory IDs across pending reviews and collects,
// per ID, the list of queries that surfaced it.
func aggregateQueries(reviews []types.PendingReview) map[string][]string {
	out := make(map[string][]string)
	for _, pr := range reviews {
		for _, id := range pr.MemoryIDs {
			out[id] = append(out[id], pr.Query)
		}
	}
	return out
}

type ratingResponse struct {
	Ratings []types.MemoryRating `json:"ratings"`
}

var ratingSchema = llm.StrictSchema(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"ratings": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"memory_id": map[string]interface{}{"type": "string"},
					"rating": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"again", "hard", "good", "easy"},
					},
				},
			},
		},
	},
})

// rate makes the single structured LLM call judging how each candidate
// memory's summary was used by the conversation that followed its
// retrieval.
func (r *Reviewer) rate(ctx context.Context, contextMessages []types.Message, candidates []reviewCandidate) ([]types.MemoryRating, error) {
	var transcript strings.Builder
	for _, m := range contextMessages {
		fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
	}

	var memoriesBlock strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&memoriesBlock, "- id=%s summary=%q matched_queries=%v\n", c.memory.ID, c.memory.Summary, c.matchedQueries)
	}

	messages := []llm.ChatMessage{
		{
			Role: "system",
			Content: "You judge how each retrieved memory was actually used by the conversation that " +
				"followed its retrieval. For every listed memory id, return a rating: again if the memory " +
				"was not used at all, hard if it required inference to connect to the reply, good if it " +
				"was directly used, easy if it was load-bearing for the reply.",
		},
		{
			Role:    "user",
			Content: "Conversation since retrieval:\n" + transcript.String() + "\nRetrieved memories:\n" + memoriesBlock.String(),
		},
	}

	var resp ratingResponse
	if err := r.llmClient.GenerateStructured(ctx, messages, "review_memories", ratingSchema, &resp); err != nil {
		return nil, err
	}
	return resp.Ratings, nil
}
