// Package segmentation implements the batch event-segmentation engine: it
// turns a fenced window of buffered messages into zero or more episodic
// memories via a single structured LLM call, then hands off follow-up
// review and consolidation work to the job dispatcher.
package segmentation

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nemosyne/nemosyne/internal/episodic"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// Dispatcher is the subset of jobs.Dispatcher the engine needs to hand off
// follow-up work. Defined locally to avoid importing the jobs package.
type Dispatcher interface {
	DispatchReview(job types.ReviewJob) bool
	DispatchConsolidation(cid string, force bool) bool
}

// Engine decides when a conversation's queue should be cut into episodes
// and carries out that cut.
type Engine struct {
	queueStore         storage.QueueStore
	episodicMgr        *episodic.Manager
	llmClient          llm.Client
	dispatcher         Dispatcher
	flashbulbThreshold float32
}

// New returns an Engine. flashbulbThreshold comes from
// PipelineConfig.FlashbulbThreshold.
func New(queueStore storage.QueueStore, episodicMgr *episodic.Manager, llmClient llm.Client, dispatcher Dispatcher, flashbulbThreshold float32) *Engine {
	return &Engine{
		queueStore:         queueStore,
		episodicMgr:        episodicMgr,
		llmClient:          llmClient,
		dispatcher:         dispatcher,
		flashbulbThreshold: flashbulbThreshold,
	}
}

// RunSegmentation implements jobs.Handler. fenceCount is the message count
// pinned by the push that set the fence; if the current queue is shorter
// than that (a stale replay), the job finalizes as a no-op.
func (e *Engine) RunSegmentation(ctx context.Context, cid string, fenceCount int) error {
	q, err := e.queueStore.Get(ctx, cid)
	if err != nil {
		return fmt.Errorf("segmentation: load queue for %s: %w", cid, err)
	}
	if len(q.Messages) < fenceCount {
		log.Printf("segmentation: stale job for %s (have %d, want %d), finalizing", cid, len(q.Messages), fenceCount)
		return e.queueStore.Finalize(ctx, cid, nil)
	}

	window := q.Messages[:fenceCount]

	surprises, err := e.boundaryPreFilter(ctx, cid, q, window)
	if err != nil {
		return fmt.Errorf("segmentation: boundary pre-filter for %s: %w", cid, err)
	}

	segments, err := e.batchSegment(ctx, window, q.PrevEpisodeSummary)
	if err != nil {
		return fmt.Errorf("segmentation: batch_segment for %s: %w", cid, err)
	}
	if len(segments) == 0 {
		return fmt.Errorf("segmentation: batch_segment for %s returned no segments", cid)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].StartIdx < segments[j].StartIdx })

	if len(segments) == 1 {
		return e.handleSingleSegment(ctx, cid, q, fenceCount, window, segments[0], surprises)
	}
	return e.handleMultiSegment(ctx, cid, fenceCount, window, segments, surprises)
}

// handleSingleSegment implements the "window not doubled" / "window
// already doubled" branches of a single-segment batch_segment result.
// surprises is the boundary pre-filter's per-window-index signal.
func (e *Engine) handleSingleSegment(ctx context.Context, cid string, q *types.MessageQueue, fenceCount int, window []types.Message, seg types.Segment, surprises []float32) error {
	if !q.WindowDoubled {
		doubled := true
		return e.queueStore.Finalize(ctx, cid, &doubled)
	}

	if err := e.queueStore.Drain(ctx, cid, fenceCount); err != nil {
		return fmt.Errorf("segmentation: drain for %s: %w", cid, err)
	}
	notDoubled := false
	if err := e.queueStore.Finalize(ctx, cid, &notDoubled); err != nil {
		return fmt.Errorf("segmentation: finalize for %s: %w", cid, err)
	}

	embSurprise := maxSurprise(surprises, seg.StartIdx, seg.EndIdx)
	if embSurprise >= surpriseThreshold {
		log.Printf("segmentation: surprise channel flagged %s segment %q (signal %.2f)", cid, seg.Title, embSurprise)
	}
	episode, err := e.episodicMgr.Create(ctx, cid, seg, window, embSurprise)
	if err != nil {
		return fmt.Errorf("segmentation: create episode for %s: %w", cid, err)
	}
	if err := e.updateEventModel(ctx, cid, seg.Summary); err != nil {
		log.Printf("segmentation: update event model for %s: %v", cid, err)
	}

	e.dispatchPendingReviews(ctx, cid, window)
	e.maybeDispatchConsolidation(cid, episode)
	return nil
}

// handleMultiSegment implements the N≥2 branch: drain all but the last
// segment, finalize, seed the next context from the last segment's
// summary, and create N-1 episodes in parallel. surprises is the boundary
// pre-filter's per-window-index signal.
func (e *Engine) handleMultiSegment(ctx context.Context, cid string, fenceCount int, window []types.Message, segments []types.Segment, surprises []float32) error {
	last := segments[len(segments)-1]
	drainCount := segments[len(segments)-2].EndIdx + 1

	if err := e.queueStore.Drain(ctx, cid, drainCount); err != nil {
		return fmt.Errorf("segmentation: drain for %s: %w", cid, err)
	}
	notDoubled := false
	if err := e.queueStore.Finalize(ctx, cid, &notDoubled); err != nil {
		return fmt.Errorf("segmentation: finalize for %s: %w", cid, err)
	}
	if err := e.queueStore.UpdatePrevEpisodeSummary(ctx, cid, last.Summary); err != nil {
		return fmt.Errorf("segmentation: seed prev episode summary for %s: %w", cid, err)
	}
	if err := e.updateEventModel(ctx, cid, last.Summary); err != nil {
		log.Printf("segmentation: update event model for %s: %v", cid, err)
	}

	toCreate := segments[:len(segments)-1]
	episodes := make([]*types.EpisodicMemory, len(toCreate))
	errs := make([]error, len(toCreate))
	var wg sync.WaitGroup
	for i, seg := range toCreate {
		wg.Add(1)
		go func(i int, seg types.Segment) {
			defer wg.Done()
			msgs := window[seg.StartIdx : seg.EndIdx+1]
			embSurprise := maxSurprise(surprises, seg.StartIdx, seg.EndIdx)
			ep, err := e.episodicMgr.Create(ctx, cid, seg, msgs, embSurprise)
			if err != nil {
				errs[i] = err
				return
			}
			episodes[i] = ep
		}(i, seg)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("segmentation: create episode for %s: %w", cid, err)
		}
	}

	e.dispatchPendingReviews(ctx, cid, window[:drainCount])
	for _, ep := range episodes {
		e.maybeDispatchConsolidation(cid, ep)
	}
	return nil
}

func (e *Engine) dispatchPendingReviews(ctx context.Context, cid string, contextMessages []types.Message) {
	reviews, err := e.queueStore.TakePendingReviews(ctx, cid)
	if err != nil {
		log.Printf("segmentation: take pending reviews for %s: %v", cid, err)
		return
	}
	if len(reviews) == 0 {
		return
	}
	e.dispatcher.DispatchReview(types.ReviewJob{
		ConversationID:  cid,
		PendingReviews:  reviews,
		ContextMessages: contextMessages,
		ReviewedAt:      time.Now().UTC(),
	})
}

// maybeDispatchConsolidation enqueues a consolidation job, forced if the
// episode is a flashbulb memory. Consolidator.Run no-ops below the
// episode-count threshold when not forced, so this dispatches
// unconditionally rather than re-querying the unconsolidated count here.
func (e *Engine) maybeDispatchConsolidation(cid string, episode *types.EpisodicMemory) {
	if episode == nil {
		return
	}
	e.dispatcher.DispatchConsolidation(cid, episode.IsFlashbulb(e.flashbulbThreshold))
}

type batchSegmentResponse struct {
	Segments []types.Segment `json:"segments"`
}

var batchSegmentSchema = llm.StrictSchema(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"segments": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"start_idx": map[string]interface{}{"type": "integer"},
					"end_idx":   map[string]interface{}{"type": "integer"},
					"title":     map[string]interface{}{"type": "string"},
					"summary":   map[string]interface{}{"type": "string"},
					"surprise_level": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"low", "high", "extremely_high"},
					},
				},
			},
		},
	},
})

// batchSegment makes the single structured LLM call that splits window
// into contiguous, non-overlapping segments covering the whole window.
func (e *Engine) batchSegment(ctx context.Context, window []types.Message, prevEpisodeSummary *string) ([]types.Segment, error) {
	var transcript strings.Builder
	for i, m := range window {
		fmt.Fprintf(&transcript, "[%d] %s: %s\n", i, m.Role, m.Content)
	}

	userContent := transcript.String()
	if prevEpisodeSummary != nil && *prevEpisodeSummary != "" {
		userContent = "Previous episode summary: " + *prevEpisodeSummary + "\n\n" + userContent
	}

	messages := []llm.ChatMessage{
		{
			Role: "system",
			Content: "You segment a window of conversation messages into coherent episodes. Every " +
				"message index from 0 to the last message must belong to exactly one segment, in " +
				"order, with no gaps or overlaps. For each segment give a 5-15 word title, a " +
				"third-person summary of at most 50 words, and a surprise_level reflecting how " +
				"unexpected the segment's content was: low for routine exchanges, high for a " +
				"meaningful new development, extremely_high for a rare or emotionally significant " +
				"event.",
		},
		{Role: "user", Content: userContent},
	}

	var resp batchSegmentResponse
	if err := e.llmClient.GenerateStructured(ctx, messages, "batch_segment", batchSegmentSchema, &resp); err != nil {
		return nil, err
	}
	return resp.Segments, nil
}
