package semantic_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/semantic"
	"github.com/nemosyne/nemosyne/pkg/types"
)

type calibratingLLM struct {
	fakeLLM
	response semantic.CalibratedFact
}

func (c *calibratingLLM) GenerateStructured(ctx context.Context, messages []llm.ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error {
	wrapper := struct {
		Facts []semantic.CalibratedFact `json:"facts"`
	}{Facts: []semantic.CalibratedFact{c.response}}
	raw, err := json.Marshal(wrapper)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func episodeFor(cid string) types.EpisodicMemory {
	return types.EpisodicMemory{
		ID:             "ep-1",
		ConversationID: cid,
		Title:          "Coffee chat",
		Summary:        "User mentioned they prefer tea over coffee",
		Surprise:       0.3,
	}
}

func TestConsolidator_BelowThresholdAndNotForcedSkips(t *testing.T) {
	episodicStore := newFakeEpisodicConsolidationStore()
	semanticStore := newFakeSemanticStore()
	episodicStore.unconsolidated["cid-1"] = []types.EpisodicMemory{episodeFor("cid-1")}

	c := semantic.NewConsolidator(episodicStore, semanticStore, &calibratingLLM{fakeLLM: fakeLLM{embedding: []float32{1, 0, 0}}}, 20, 0.95, 3, nil, nil)

	err := c.Run(context.Background(), "cid-1", false)
	require.NoError(t, err)
	assert.Empty(t, semanticStore.facts, "below threshold and not forced must not consolidate")
	assert.Empty(t, episodicStore.markedConsolidated)
}

func TestConsolidator_ForcedNewInsertsFactAndMarksConsolidated(t *testing.T) {
	episodicStore := newFakeEpisodicConsolidationStore()
	semanticStore := newFakeSemanticStore()
	ep := episodeFor("cid-1")
	episodicStore.unconsolidated["cid-1"] = []types.EpisodicMemory{ep}

	proposal := semantic.CalibratedFact{
		Action:   types.FactActionNew,
		Category: types.CategoryPreference,
		Fact:     "Prefers tea over coffee",
		Keywords: []string{"tea", "coffee"},
	}
	llmClient := &calibratingLLM{fakeLLM: fakeLLM{embedding: []float32{1, 0, 0}}, response: proposal}

	c := semantic.NewConsolidator(episodicStore, semanticStore, llmClient, 20, 0.95, 3, nil, nil)

	err := c.Run(context.Background(), "cid-1", true)
	require.NoError(t, err)
	require.Len(t, semanticStore.facts, 1)
	for _, f := range semanticStore.facts {
		assert.Equal(t, "Prefers tea over coffee", f.Fact)
		assert.Contains(t, f.SourceEpisodicIDs, ep.ID)
	}
	assert.ElementsMatch(t, []string{ep.ID}, episodicStore.markedConsolidated)
}

func TestConsolidator_HallucinatedExistingFactIDDemotedToNew(t *testing.T) {
	episodicStore := newFakeEpisodicConsolidationStore()
	semanticStore := newFakeSemanticStore()
	ep := episodeFor("cid-1")
	episodicStore.unconsolidated["cid-1"] = []types.EpisodicMemory{ep}

	ghost := "does-not-exist"
	proposal := semantic.CalibratedFact{
		Action:         types.FactActionReinforce,
		ExistingFactID: &ghost,
		Category:       types.CategoryPreference,
		Fact:           "Prefers tea over coffee",
		Keywords:       []string{"tea"},
	}
	llmClient := &calibratingLLM{fakeLLM: fakeLLM{embedding: []float32{1, 0, 0}}, response: proposal}

	c := semantic.NewConsolidator(episodicStore, semanticStore, llmClient, 20, 0.95, 3, nil, nil)

	err := c.Run(context.Background(), "cid-1", true)
	require.NoError(t, err)
	require.Len(t, semanticStore.facts, 1, "a reinforce referencing an unknown fact must be demoted to new and inserted")
}

func TestConsolidator_InvalidateSetsInvalidAtWithoutInsert(t *testing.T) {
	episodicStore := newFakeEpisodicConsolidationStore()
	semanticStore := newFakeSemanticStore()
	semanticStore.facts["existing"] = types.SemanticMemory{ID: "existing", ConversationID: "cid-1", Fact: "stale fact"}
	ep := episodeFor("cid-1")
	episodicStore.unconsolidated["cid-1"] = []types.EpisodicMemory{ep}

	existingID := "existing"
	proposal := semantic.CalibratedFact{
		Action:         types.FactActionInvalidate,
		ExistingFactID: &existingID,
	}
	semanticStore.nearestActiveResults = []types.ScoredSemantic{{Memory: semanticStore.facts["existing"], Score: 1}}
	llmClient := &calibratingLLM{fakeLLM: fakeLLM{embedding: []float32{1, 0, 0}}, response: proposal}

	c := semantic.NewConsolidator(episodicStore, semanticStore, llmClient, 20, 0.95, 3, nil, nil)

	err := c.Run(context.Background(), "cid-1", true)
	require.NoError(t, err)
	require.Len(t, semanticStore.facts, 1)
	assert.NotNil(t, semanticStore.facts["existing"].InvalidAt)
}

type multiCalibratingLLM struct {
	fakeLLM
	responses []semantic.CalibratedFact
}

func (c *multiCalibratingLLM) GenerateStructured(ctx context.Context, messages []llm.ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error {
	wrapper := struct {
		Facts []semantic.CalibratedFact `json:"facts"`
	}{Facts: c.responses}
	raw, err := json.Marshal(wrapper)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// failingSemanticStore fails its nth Create call, simulating a mid-loop
// store error during consolidation's apply loop.
type failingSemanticStore struct {
	*fakeSemanticStore
	failOnCreateCall int
	createCalls      int
}

func (f *failingSemanticStore) Create(ctx context.Context, fact *types.SemanticMemory) error {
	f.createCalls++
	if f.createCalls == f.failOnCreateCall {
		return fmt.Errorf("simulated store failure")
	}
	return f.fakeSemanticStore.Create(ctx, fact)
}

// fakeTransactor mimics the Postgres/SQLite backends' WithTx: it snapshots
// both stores' mutable state before running fn and restores it if fn
// fails, so tests can assert all-or-nothing application.
type fakeTransactor struct {
	semanticStore *fakeSemanticStore
	episodicStore *fakeEpisodicConsolidationStore
}

func (f *fakeTransactor) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	factsSnapshot := make(map[string]types.SemanticMemory, len(f.semanticStore.facts))
	for k, v := range f.semanticStore.facts {
		factsSnapshot[k] = v
	}
	consolidatedSnapshot := append([]string(nil), f.episodicStore.markedConsolidated...)

	if err := fn(ctx); err != nil {
		f.semanticStore.facts = factsSnapshot
		f.episodicStore.markedConsolidated = consolidatedSnapshot
		return err
	}
	return nil
}

func TestConsolidator_PartialApplyFailureRollsBackEverything(t *testing.T) {
	episodicStore := newFakeEpisodicConsolidationStore()
	baseSemanticStore := newFakeSemanticStore()
	semanticStore := &failingSemanticStore{fakeSemanticStore: baseSemanticStore, failOnCreateCall: 2}

	ep1 := episodeFor("cid-1")
	ep2 := types.EpisodicMemory{ID: "ep-2", ConversationID: "cid-1", Title: "Hobby", Summary: "User mentioned they like hiking", Surprise: 0.2}
	episodicStore.unconsolidated["cid-1"] = []types.EpisodicMemory{ep1, ep2}

	proposals := []semantic.CalibratedFact{
		{Action: types.FactActionNew, Category: types.CategoryPreference, Fact: "Prefers tea over coffee", Keywords: []string{"tea"}},
		{Action: types.FactActionNew, Category: types.CategoryPreference, Fact: "Likes hiking", Keywords: []string{"hiking"}},
	}
	llmClient := &multiCalibratingLLM{fakeLLM: fakeLLM{embedding: []float32{1, 0, 0}}, responses: proposals}

	tx := &fakeTransactor{semanticStore: baseSemanticStore, episodicStore: episodicStore}
	c := semantic.NewConsolidator(episodicStore, semanticStore, llmClient, 20, 0.95, 3, nil, tx)

	err := c.Run(context.Background(), "cid-1", true)
	require.Error(t, err)
	assert.Empty(t, semanticStore.facts, "a failure partway through apply must leave no facts committed")
	assert.Empty(t, episodicStore.markedConsolidated, "episodes must not be stamped consolidated when apply fails")
}

type fakeEpisodicConsolidationStore struct {
	unconsolidated     map[string][]types.EpisodicMemory
	markedConsolidated []string
}

func newFakeEpisodicConsolidationStore() *fakeEpisodicConsolidationStore {
	return &fakeEpisodicConsolidationStore{unconsolidated: make(map[string][]types.EpisodicMemory)}
}

func (f *fakeEpisodicConsolidationStore) Create(ctx context.Context, e *types.EpisodicMemory) error {
	return nil
}
func (f *fakeEpisodicConsolidationStore) Get(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	return nil, nil
}
func (f *fakeEpisodicConsolidationStore) SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	return nil, nil
}
func (f *fakeEpisodicConsolidationStore) SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	return nil, nil
}
func (f *fakeEpisodicConsolidationStore) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	return nil, nil
}
func (f *fakeEpisodicConsolidationStore) UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error {
	return nil
}
func (f *fakeEpisodicConsolidationStore) MarkConsolidated(ctx context.Context, ids []string, at time.Time) error {
	f.markedConsolidated = append(f.markedConsolidated, ids...)
	return nil
}
func (f *fakeEpisodicConsolidationStore) Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error) {
	return f.unconsolidated[cid], nil
}
