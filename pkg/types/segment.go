package types

// Segment is one entry of the Segmentation Engine's batch_segment structured
// LLM output: a contiguous, non-overlapping slice of the buffered message
// window destined to become one EpisodicMemory.
type Segment struct {
	StartIdx      int           `json:"start_idx"`
	EndIdx        int           `json:"end_idx"`
	Title         string        `json:"title"`
	Summary       string        `json:"summary"`
	SurpriseLevel SurpriseLevel `json:"surprise_level"`
}
