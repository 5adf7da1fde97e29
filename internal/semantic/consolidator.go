package semantic

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/metrics"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// dedupeProbeLimit is how many nearest active facts are checked for a
// near-duplicate before a "new" proposal is inserted.
const dedupeProbeLimit = 5

// CalibratedFact is one element of the calibrate LLM call's response: a
// proposed action against the existing fact set.
type CalibratedFact struct {
	Action         types.FactAction `json:"action"`
	ExistingFactID *string          `json:"existing_fact_id"`
	Category       types.Category   `json:"category"`
	Fact           string           `json:"fact"`
	Keywords       []string         `json:"keywords"`
}

type calibrateResponse struct {
	Facts []CalibratedFact `json:"facts"`
}

var calibrateSchema = llm.StrictSchema(map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"facts": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"action": map[string]interface{}{
						"type": "string",
						"enum": []interface{}{"new", "reinforce", "update", "invalidate"},
					},
					"existing_fact_id": map[string]interface{}{
						"anyOf": []interface{}{
							map[string]interface{}{"type": "string"},
							map[string]interface{}{"type": "null"},
						},
					},
					"category": map[string]interface{}{
						"type": "string",
						"enum": categoryEnum(),
					},
					"fact": map[string]interface{}{"type": "string"},
					"keywords": map[string]interface{}{
						"type":  "array",
						"items": map[string]interface{}{"type": "string"},
					},
				},
			},
		},
	},
})

func categoryEnum() []interface{} {
	out := make([]interface{}, len(types.ValidCategories))
	for i, c := range types.ValidCategories {
		out[i] = string(c)
	}
	return out
}

// Consolidator replays a conversation's unconsolidated episodes into
// categorized, de-duplicated semantic facts.
type Consolidator struct {
	episodicStore     storage.EpisodicStore
	semanticStore     storage.SemanticStore
	llmClient         llm.Client
	relatedFactsLimit int
	dedupeThreshold   float64
	episodeThreshold  int
	metrics           *metrics.Manager
	tx                storage.Transactor
}

// noopTransactor runs fn directly with no transaction. Used when a backend
// gives Consolidator no Transactor, e.g. tests exercising stores that have
// no shared connection to transact over.
type noopTransactor struct{}

func (noopTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NewConsolidator returns a Consolidator. relatedFactsLimit, dedupeThreshold,
// and episodeThreshold come from PipelineConfig. Pass metrics.NoOp() to
// disable action-count recording. Pass nil for tx to run without a
// transaction boundary (tests only; production wiring always passes the
// backend's DB, which implements storage.Transactor).
func NewConsolidator(episodicStore storage.EpisodicStore, semanticStore storage.SemanticStore, llmClient llm.Client, relatedFactsLimit int, dedupeThreshold float64, episodeThreshold int, m *metrics.Manager, tx storage.Transactor) *Consolidator {
	if m == nil {
		m = metrics.NoOp()
	}
	if tx == nil {
		tx = noopTransactor{}
	}
	return &Consolidator{
		episodicStore:     episodicStore,
		semanticStore:     semanticStore,
		llmClient:         llmClient,
		relatedFactsLimit: relatedFactsLimit,
		dedupeThreshold:   dedupeThreshold,
		episodeThreshold:  episodeThreshold,
		metrics:           m,
		tx:                tx,
	}
}

// Run loads cid's unconsolidated episodes and, if force or their count meets
// the threshold, replays them into the semantic store: predict candidate
// facts, calibrate via one structured LLM call, validate against
// hallucinated fact IDs, batch-embed, and apply.
func (c *Consolidator) Run(ctx context.Context, cid string, force bool) error {
	episodes, err := c.episodicStore.Unconsolidated(ctx, cid)
	if err != nil {
		return fmt.Errorf("semantic: load unconsolidated episodes for %s: %w", cid, err)
	}
	if len(episodes) == 0 {
		return nil
	}
	if !force && len(episodes) < c.episodeThreshold {
		return nil
	}

	candidates, err := c.predict(ctx, cid, episodes)
	if err != nil {
		return err
	}

	proposals, err := c.calibrate(ctx, candidates, episodes)
	if err != nil {
		return err
	}

	c.validate(proposals, candidates)

	embeddingByProposal, err := c.embedProposals(ctx, proposals)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	episodeIDs := make([]string, len(episodes))
	for i, ep := range episodes {
		episodeIDs[i] = ep.ID
	}

	return c.tx.WithTx(ctx, func(ctx context.Context) error {
		for i, p := range proposals {
			if err := c.apply(ctx, cid, p, embeddingByProposal[i], episodeIDs, now); err != nil {
				return fmt.Errorf("semantic: apply consolidation action %d for %s: %w", i, cid, err)
			}
		}
		return c.episodicStore.MarkConsolidated(ctx, episodeIDs, now)
	})
}

// predict embeds each episode's summary, retrieves its nearest active
// facts, and dedupes the union, capped at relatedFactsLimit.
func (c *Consolidator) predict(ctx context.Context, cid string, episodes []types.EpisodicMemory) ([]types.SemanticMemory, error) {
	byID := make(map[string]types.SemanticMemory)
	for _, ep := range episodes {
		vec, err := c.llmClient.Embed(ctx, ep.Summary)
		if err != nil {
			return nil, fmt.Errorf("semantic: embed episode summary for %s: %w", cid, err)
		}
		related, err := c.semanticStore.NearestActive(ctx, cid, vec, 0, c.relatedFactsLimit)
		if err != nil {
			return nil, fmt.Errorf("semantic: predict related facts for %s: %w", cid, err)
		}
		for _, sc := range related {
			byID[sc.Memory.ID] = sc.Memory
		}
	}

	out := make([]types.SemanticMemory, 0, len(byID))
	for _, f := range byID {
		out = append(out, f)
	}
	if len(out) > c.relatedFactsLimit {
		out = out[:c.relatedFactsLimit]
	}
	return out, nil
}

// calibrate makes one structured LLM call labeling existing facts by their
// internal UUIDs alongside the new episode summaries, and returns the
// model's proposed actions.
func (c *Consolidator) calibrate(ctx context.Context, candidates []types.SemanticMemory, episodes []types.EpisodicMemory) ([]CalibratedFact, error) {
	var existing strings.Builder
	if len(candidates) == 0 {
		existing.WriteString("(none)")
	}
	for _, f := range candidates {
		fmt.Fprintf(&existing, "- [%s] (%s) %s\n", f.ID, f.Category, f.Fact)
	}

	var episodeSummaries strings.Builder
	for _, ep := range episodes {
		fmt.Fprintf(&episodeSummaries, "- %s: %s\n", ep.Title, ep.Summary)
	}

	messages := []llm.ChatMessage{
		{
			Role: "system",
			Content: "You distill conversational episodes into durable semantic facts about the " +
				"user. For each candidate fact you produce, choose action=new for a fact not " +
				"already captured, reinforce to confirm an existing fact (set existing_fact_id), " +
				"update to supersede an existing fact with a corrected or expanded version (set " +
				"existing_fact_id to the fact being replaced), or invalidate if an existing fact is " +
				"now false (set existing_fact_id, fact and keywords are ignored). Only reference " +
				"existing_fact_id values from the list of existing facts given to you.",
		},
		{
			Role:    "user",
			Content: "Existing facts:\n" + existing.String() + "\nNew episodes:\n" + episodeSummaries.String(),
		},
	}

	var resp calibrateResponse
	if err := c.llmClient.GenerateStructured(ctx, messages, "consolidate_facts", calibrateSchema, &resp); err != nil {
		return nil, fmt.Errorf("semantic: calibrate: %w", err)
	}
	return resp.Facts, nil
}

// validate demotes any proposal referencing an existing_fact_id outside the
// predict set to a "new" action, guarding against LLM hallucination.
func (c *Consolidator) validate(proposals []CalibratedFact, candidates []types.SemanticMemory) {
	known := make(map[string]bool, len(candidates))
	for _, f := range candidates {
		known[f.ID] = true
	}
	for i := range proposals {
		if proposals[i].ExistingFactID != nil && !known[*proposals[i].ExistingFactID] {
			proposals[i].Action = types.FactActionNew
			proposals[i].ExistingFactID = nil
		}
	}
}

// embedProposals batch-embeds the fact strings for new/update proposals in
// a single call, outside of any store transaction. The returned slice is
// indexed in parallel with proposals; non-embedded entries are nil.
func (c *Consolidator) embedProposals(ctx context.Context, proposals []CalibratedFact) ([][]float32, error) {
	result := make([][]float32, len(proposals))

	var indices []int
	var texts []string
	for i, p := range proposals {
		if p.Action == types.FactActionNew || p.Action == types.FactActionUpdate {
			indices = append(indices, i)
			texts = append(texts, types.EmbeddingSource(p.Category, p.Fact, p.Keywords))
		}
	}
	if len(texts) == 0 {
		return result, nil
	}

	embeddings, err := c.llmClient.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("semantic: batch-embed proposed facts: %w", err)
	}
	for j, idx := range indices {
		result[idx] = embeddings[j]
	}
	return result, nil
}

func (c *Consolidator) apply(ctx context.Context, cid string, p CalibratedFact, embedding []float32, episodeIDs []string, now time.Time) error {
	c.metrics.RecordConsolidationAction(string(p.Action))
	switch p.Action {
	case types.FactActionNew:
		return c.insertOrReinforce(ctx, cid, p, embedding, episodeIDs, now)
	case types.FactActionReinforce:
		if p.ExistingFactID == nil {
			return fmt.Errorf("reinforce action missing existing_fact_id")
		}
		return c.semanticStore.AppendSourceEpisodicIDs(ctx, *p.ExistingFactID, episodeIDs)
	case types.FactActionUpdate:
		if p.ExistingFactID == nil {
			return fmt.Errorf("update action missing existing_fact_id")
		}
		if err := c.semanticStore.Invalidate(ctx, *p.ExistingFactID, now); err != nil {
			return err
		}
		return c.insertOrReinforce(ctx, cid, p, embedding, episodeIDs, now)
	case types.FactActionInvalidate:
		if p.ExistingFactID == nil {
			return fmt.Errorf("invalidate action missing existing_fact_id")
		}
		return c.semanticStore.Invalidate(ctx, *p.ExistingFactID, now)
	default:
		return fmt.Errorf("unknown fact action %q", p.Action)
	}
}

// insertOrReinforce probes for a near-duplicate of the proposed fact among
// the nearest active facts in cid; if one is found at or above
// dedupeThreshold, the proposal degrades to a reinforce of that fact.
// Otherwise it inserts a new version.
func (c *Consolidator) insertOrReinforce(ctx context.Context, cid string, p CalibratedFact, embedding []float32, episodeIDs []string, now time.Time) error {
	dupes, err := c.semanticStore.NearestActive(ctx, cid, embedding, c.dedupeThreshold, dedupeProbeLimit)
	if err != nil {
		return fmt.Errorf("semantic: dedupe probe: %w", err)
	}
	if len(dupes) > 0 {
		return c.semanticStore.AppendSourceEpisodicIDs(ctx, dupes[0].Memory.ID, episodeIDs)
	}

	fact := &types.SemanticMemory{
		ConversationID:    cid,
		Category:          p.Category,
		Fact:              p.Fact,
		Keywords:          p.Keywords,
		SearchText:        types.BuildSearchText(p.Fact, p.Keywords),
		Embedding:         embedding,
		SourceEpisodicIDs: episodeIDs,
		ValidAt:           now,
	}
	return c.semanticStore.Create(ctx, fact)
}
