package segmentation

import (
	"context"
	"fmt"
	"math"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// Dual-channel embedding pre-filter constants, carried from the original
// per-message event-boundary detector. This batch engine already commits to
// one batch_segment LLM call per fenced window, so the channels no longer
// decide whether to call the LLM at all; instead they compute, ahead of
// that call, the numeric surprise signal blended into each resulting
// segment's episode (episodic.Manager.Create's embeddingSurprise
// parameter), and they maintain the rolling topic embedding and event
// model embedding the signal is computed from.
const (
	topicSimilarityThreshold = 0.5
	surpriseThreshold        = 0.7
	embeddingRollingAlpha    = 0.2
)

// boundaryPreFilter embeds every message in window, scores the
// surprise-channel signal (1 - cosine(event_model_embedding, message))
// against the queue's current event model embedding, and advances the
// topic-channel rolling average embedding ((1-alpha)*current + alpha*new)
// on continuation. It persists the updated rolling embedding via
// UpdateLastEmbedding and returns one surprise value per window index.
func (e *Engine) boundaryPreFilter(ctx context.Context, cid string, q *types.MessageQueue, window []types.Message) ([]float32, error) {
	surprises := make([]float32, len(window))
	lastEmbedding := q.LastEmbedding
	eventModelEmbedding := q.EventModelEmbedding

	for i, msg := range window {
		embedding, err := e.llmClient.Embed(ctx, msg.Content)
		if err != nil {
			return nil, fmt.Errorf("embed window message %d for %s: %w", i, cid, err)
		}

		if len(eventModelEmbedding) > 0 {
			surprises[i] = 1 - cosineSimilarity(eventModelEmbedding, embedding)
		}

		switch {
		case len(lastEmbedding) == 0:
			lastEmbedding = embedding
		case cosineSimilarity(lastEmbedding, embedding) >= topicSimilarityThreshold:
			lastEmbedding = weightedAverageEmbedding(lastEmbedding, embedding, embeddingRollingAlpha)
		default:
			lastEmbedding = embedding
		}
	}

	if err := e.queueStore.UpdateLastEmbedding(ctx, cid, lastEmbedding); err != nil {
		return nil, fmt.Errorf("update last embedding for %s: %w", cid, err)
	}
	return surprises, nil
}

// updateEventModel refreshes the queue's "what is happening now" event
// model from the most recently created segment's summary, so the next
// segmentation job's surprise channel has a model to diverge from.
func (e *Engine) updateEventModel(ctx context.Context, cid string, summary string) error {
	embedding, err := e.llmClient.Embed(ctx, summary)
	if err != nil {
		return fmt.Errorf("embed event model for %s: %w", cid, err)
	}
	return e.queueStore.UpdateEventModel(ctx, cid, summary, embedding)
}

// maxSurprise returns the largest pre-filter surprise signal across
// window indices [start, end], the per-segment aggregate blended into
// that segment's episode.
func maxSurprise(surprises []float32, start, end int) float32 {
	var max float32
	for i := start; i <= end && i < len(surprises); i++ {
		if surprises[i] > max {
			max = surprises[i]
		}
	}
	return max
}

func cosineSimilarity(a, b []float32) float32 {
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
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// weightedAverageEmbedding computes (1-alpha)*current + alpha*new,
// renormalized to unit length.
func weightedAverageEmbedding(current, new []float32, alpha float32) []float32 {
	out := make([]float32, len(current))
	var norm float64
	for i := range current {
		v := (1-alpha)*current[i] + alpha*new[i]
		out[i] = v
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm > 1e-9 {
		for i := range out {
			out[i] = float32(float64(out[i]) / norm)
		}
	}
	return out
}
