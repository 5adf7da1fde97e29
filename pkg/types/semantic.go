package types

import "time"

// Category classifies a SemanticMemory fact.
type Category string

const (
	CategoryIdentity     Category = "identity"
	CategoryPreference   Category = "preference"
	CategoryInterest     Category = "interest"
	CategoryPersonality  Category = "personality"
	CategoryRelationship Category = "relationship"
	CategoryExperience   Category = "experience"
	CategoryGoal         Category = "goal"
	CategoryGuideline    Category = "guideline"
)

// ValidCategories lists every Category accepted by the consolidator and the
// retrieval coordinator's optional category filter.
var ValidCategories = []Category{
	CategoryIdentity, CategoryPreference, CategoryInterest, CategoryPersonality,
	CategoryRelationship, CategoryExperience, CategoryGoal, CategoryGuideline,
}

// IsValidCategory reports whether c is one of ValidCategories.
func IsValidCategory(c Category) bool {
	for _, v := range ValidCategories {
		if v == c {
			return true
		}
	}
	return false
}

// SemanticMemory is a categorized, de-duplicated fact distilled from a batch
// of episodes, versioned by temporal validity. A fact is active iff
// InvalidAt is nil; it is never hard-deleted.
type SemanticMemory struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	Category Category `json:"category"`
	Fact     string   `json:"fact"`
	Keywords []string `json:"keywords"`

	// SearchText is the generated lexical-search projection: fact followed
	// by the joined keywords. Maintained at write time in application code,
	// not as a DB-generated column.
	SearchText string `json:"search_text"`

	// Embedding indexes the string "{category}: {fact} {keywords joined}".
	Embedding []float32 `json:"embedding,omitempty"`

	SourceEpisodicIDs []string   `json:"source_episodic_ids"`
	ValidAt           time.Time  `json:"valid_at"`
	InvalidAt         *time.Time `json:"invalid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
}

// IsActive reports whether the fact has not been superseded or invalidated.
func (s *SemanticMemory) IsActive() bool {
	return s.InvalidAt == nil
}

// BuildSearchText computes the generated search_text projection from Fact
// and Keywords.
func BuildSearchText(fact string, keywords []string) string {
	out := fact
	for _, k := range keywords {
		out += " " + k
	}
	return out
}

// EmbeddingSource computes the string embedded for a semantic fact.
func EmbeddingSource(category Category, fact string, keywords []string) string {
	out := string(category) + ": " + fact
	for _, k := range keywords {
		out += " " + k
	}
	return out
}

// FactAction is the consolidator's classification of how a proposed fact
// relates to existing knowledge.
type FactAction string

const (
	FactActionNew        FactAction = "new"
	FactActionReinforce  FactAction = "reinforce"
	FactActionUpdate     FactAction = "update"
	FactActionInvalidate FactAction = "invalidate"
)
