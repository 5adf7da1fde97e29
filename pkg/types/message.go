// Package types defines the core data structures shared across the memory
// pipeline: messages, the per-conversation queue, and the two memory kinds
// (episodic and semantic) produced from them.
package types

import "time"

// Role identifies who authored a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single turn in a conversation. Immutable once appended to a
// MessageQueue.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// PendingReview records a retrieval that must be rated by the memory
// reviewer once the next segmentation job runs.
type PendingReview struct {
	Query     string      `json:"query"`
	MemoryIDs []string    `json:"memory_ids"`
}

// MessageQueue is the per-conversation append-only buffer plus the
// segmentation fence state. One row exists per conversation ID.
type MessageQueue struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`

	// Fence is non-nil iff a segmentation job is in flight for this
	// conversation. FenceStartedAt older than the fence TTL is stale and
	// must be reclaimed before any trigger evaluation.
	Fence          *int       `json:"fence,omitempty"`
	FenceStartedAt *time.Time `json:"fence_started_at,omitempty"`

	// WindowDoubled tracks whether the count-trigger window has already
	// been doubled once for this conversation (base -> max).
	WindowDoubled bool `json:"window_doubled"`

	// PrevEpisodeSummary seeds the next batch_segment call with the
	// summary of the segment that was left in the queue as a boundary
	// seed (the last segment of a multi-segment split).
	PrevEpisodeSummary *string `json:"prev_episode_summary,omitempty"`

	PendingReviews []PendingReview `json:"pending_reviews"`

	// EventModel is the LLM-maintained description of "what is happening
	// now" in the conversation (Event Segmentation Theory boundary
	// detector); EventModelEmbedding is its embedding, used for the
	// surprise-channel pre-filter ahead of the LLM boundary call.
	EventModel          *string   `json:"event_model,omitempty"`
	EventModelEmbedding []float32 `json:"event_model_embedding,omitempty"`

	// LastEmbedding is a rolling average of recent message embeddings used
	// by the topic-channel similarity pre-filter.
	LastEmbedding []float32 `json:"last_embedding,omitempty"`
}
