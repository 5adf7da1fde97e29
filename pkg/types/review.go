package types

import "time"

// ReviewJob is the memory reviewer's unit of work: the pending retrieval
// reviews accumulated on a conversation's queue since the last segmentation
// run, plus the conversation context needed to judge them.
type ReviewJob struct {
	ConversationID  string          `json:"conversation_id"`
	PendingReviews  []PendingReview `json:"pending_reviews"`
	ContextMessages []Message       `json:"context_messages"`
	ReviewedAt      time.Time       `json:"reviewed_at"`
}

// MemoryRating is one element of the review LLM call's response: a verdict
// on how a single retrieved memory was used in the conversation that
// followed its retrieval.
type MemoryRating struct {
	MemoryID string `json:"memory_id"`
	Rating   Rating `json:"rating"`
}
