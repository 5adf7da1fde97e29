package semantic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/semantic"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

func TestRetrieve_FusesBothLegsWithoutDecay(t *testing.T) {
	store := newFakeSemanticStore()
	llmClient := &fakeLLM{embedding: []float32{1, 0, 0}}
	m := semantic.New(store, llmClient)

	store.facts["both"] = types.SemanticMemory{ID: "both", ConversationID: "cid-1", Fact: "likes tea"}
	store.facts["bm25-only"] = types.SemanticMemory{ID: "bm25-only", ConversationID: "cid-1", Fact: "likes coffee"}
	store.bm25Order = []string{"both", "bm25-only"}
	store.vectorOrder = []string{"both"}

	results, err := m.Retrieve(context.Background(), "cid-1", "drinks", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "both", results[0].Memory.ID, "a fact present in both legs must outrank one present in only one")
}

type fakeLLM struct {
	embedding []float32
}

func (f *fakeLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	return "", nil
}
func (f *fakeLLM) GenerateStructured(ctx context.Context, messages []llm.ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error {
	return nil
}
func (f *fakeLLM) Embed(ctx context.Context, text string) ([]float32, error) {
	return f.embedding, nil
}
func (f *fakeLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.embedding
	}
	return out, nil
}

var _ llm.Client = (*fakeLLM)(nil)

type fakeSemanticStore struct {
	facts                map[string]types.SemanticMemory
	bm25Order            []string
	vectorOrder          []string
	nearestActiveResults []types.ScoredSemantic
}

func newFakeSemanticStore() *fakeSemanticStore {
	return &fakeSemanticStore{facts: make(map[string]types.SemanticMemory)}
}

func (f *fakeSemanticStore) Create(ctx context.Context, fact *types.SemanticMemory) error {
	if fact.ID == "" {
		fact.ID = fact.Fact
	}
	f.facts[fact.ID] = *fact
	return nil
}

func (f *fakeSemanticStore) Get(ctx context.Context, id string) (*types.SemanticMemory, error) {
	fact, ok := f.facts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &fact, nil
}

func (f *fakeSemanticStore) SearchBM25(ctx context.Context, cid string, query string, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	var out []types.ScoredSemantic
	for _, id := range f.bm25Order {
		out = append(out, types.ScoredSemantic{Memory: f.facts[id], Score: 1})
	}
	return out, nil
}

func (f *fakeSemanticStore) SearchVector(ctx context.Context, cid string, queryVec []float32, category *types.Category, limit int) ([]types.ScoredSemantic, error) {
	var out []types.ScoredSemantic
	for _, id := range f.vectorOrder {
		out = append(out, types.ScoredSemantic{Memory: f.facts[id], Score: 1})
	}
	return out, nil
}

func (f *fakeSemanticStore) NearestActive(ctx context.Context, cid string, queryVec []float32, similarityFloor float64, limit int) ([]types.ScoredSemantic, error) {
	return f.nearestActiveResults, nil
}

func (f *fakeSemanticStore) AppendSourceEpisodicIDs(ctx context.Context, factID string, newIDs []string) error {
	fact := f.facts[factID]
	for _, id := range newIDs {
		found := false
		for _, existing := range fact.SourceEpisodicIDs {
			if existing == id {
				found = true
				break
			}
		}
		if !found {
			fact.SourceEpisodicIDs = append(fact.SourceEpisodicIDs, id)
		}
	}
	f.facts[factID] = fact
	return nil
}

func (f *fakeSemanticStore) Invalidate(ctx context.Context, factID string, at time.Time) error {
	fact := f.facts[factID]
	fact.InvalidAt = &at
	f.facts[factID] = fact
	return nil
}

var _ storage.SemanticStore = (*fakeSemanticStore)(nil)
