package episodic_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/episodic"
	"github.com/nemosyne/nemosyne/internal/fsrs"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

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

type fakeEpisodicStore struct {
	episodes map[string]types.EpisodicMemory
}

func newFakeEpisodicStore() *fakeEpisodicStore {
	return &fakeEpisodicStore{episodes: make(map[string]types.EpisodicMemory)}
}

func (f *fakeEpisodicStore) Create(ctx context.Context, e *types.EpisodicMemory) error {
	if e.ID == "" {
		e.ID = time.Now().Format(time.RFC3339Nano)
	}
	f.episodes[e.ID] = *e
	return nil
}

func (f *fakeEpisodicStore) Get(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	e, ok := f.episodes[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &e, nil
}

func (f *fakeEpisodicStore) SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	var out []types.ScoredEpisodic
	for _, e := range f.episodes {
		if e.ConversationID == cid {
			out = append(out, types.ScoredEpisodic{Memory: e, Score: 1})
		}
	}
	return out, nil
}

func (f *fakeEpisodicStore) SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	var out []types.ScoredEpisodic
	for _, e := range f.episodes {
		if e.ConversationID == cid {
			out = append(out, types.ScoredEpisodic{Memory: e, Score: 1})
		}
	}
	return out, nil
}

func (f *fakeEpisodicStore) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	var out []types.EpisodicMemory
	for _, e := range f.episodes {
		if e.ConversationID == cid {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEpisodicStore) UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error {
	e := f.episodes[id]
	e.Stability = stability
	e.Difficulty = difficulty
	e.LastReviewedAt = lastReviewedAt
	f.episodes[id] = e
	return nil
}

func (f *fakeEpisodicStore) MarkConsolidated(ctx context.Context, ids []string, at time.Time) error {
	for _, id := range ids {
		e := f.episodes[id]
		e.ConsolidatedAt = &at
		f.episodes[id] = e
	}
	return nil
}

func (f *fakeEpisodicStore) Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error) {
	var out []types.EpisodicMemory
	for _, e := range f.episodes {
		if e.ConversationID == cid && e.ConsolidatedAt == nil {
			out = append(out, e)
		}
	}
	return out, nil
}

var _ storage.EpisodicStore = (*fakeEpisodicStore)(nil)

func TestCreate_AppliesSurpriseBoostAndDerivesTimestamps(t *testing.T) {
	store := newFakeEpisodicStore()
	scheduler := fsrs.New(0.9)
	llmClient := &fakeLLM{embedding: []float32{0.1, 0.2, 0.3}}
	m := episodic.New(store, scheduler, llmClient)

	messages := []types.Message{
		{Role: types.RoleUser, Content: "hi", Timestamp: time.Now().Add(-time.Hour)},
		{Role: types.RoleAssistant, Content: "hello", Timestamp: time.Now()},
	}
	seg := types.Segment{Title: "Greeting", Summary: "A brief greeting exchange", SurpriseLevel: types.SurpriseHigh}

	e, err := m.Create(context.Background(), "cid-1", seg, messages, 0)
	require.NoError(t, err)
	assert.Equal(t, messages[0].Timestamp, e.StartAt)
	assert.Equal(t, messages[1].Timestamp, e.EndAt)
	assert.InDelta(t, float32(0.6), e.Surprise, 0.0001)
	assert.Greater(t, e.Stability, float32(0))
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, e.Embedding)
}

func TestCreate_EmbeddingSurpriseOverridesLowerLLMScore(t *testing.T) {
	store := newFakeEpisodicStore()
	scheduler := fsrs.New(0.9)
	llmClient := &fakeLLM{embedding: []float32{0.1, 0.2, 0.3}}
	m := episodic.New(store, scheduler, llmClient)

	messages := []types.Message{
		{Role: types.RoleUser, Content: "hi", Timestamp: time.Now().Add(-time.Hour)},
		{Role: types.RoleAssistant, Content: "hello", Timestamp: time.Now()},
	}
	seg := types.Segment{Title: "Greeting", Summary: "A brief greeting exchange", SurpriseLevel: types.SurpriseLow}

	e, err := m.Create(context.Background(), "cid-1", seg, messages, 0.8)
	require.NoError(t, err)
	assert.InDelta(t, float32(0.8), e.Surprise, 0.0001)
}

func TestCreate_EmptyMessagesErrors(t *testing.T) {
	store := newFakeEpisodicStore()
	scheduler := fsrs.New(0.9)
	llmClient := &fakeLLM{embedding: []float32{0.1}}
	m := episodic.New(store, scheduler, llmClient)

	_, err := m.Create(context.Background(), "cid-1", types.Segment{}, nil, 0)
	assert.Error(t, err)
}

func TestRetrieve_RanksByRRFTimesRetrievability(t *testing.T) {
	store := newFakeEpisodicStore()
	scheduler := fsrs.New(0.9)
	llmClient := &fakeLLM{embedding: []float32{1, 0, 0}}
	m := episodic.New(store, scheduler, llmClient)

	now := time.Now()
	fresh := types.EpisodicMemory{ID: "fresh", ConversationID: "cid-1", Stability: 5, LastReviewedAt: now}
	stale := types.EpisodicMemory{ID: "stale", ConversationID: "cid-1", Stability: 5, LastReviewedAt: now.Add(-365 * 24 * time.Hour)}
	store.episodes["fresh"] = fresh
	store.episodes["stale"] = stale

	results, err := m.Retrieve(context.Background(), "cid-1", "query", 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fresh", results[0].Memory.ID, "a recently reviewed memory must outrank a long-decayed one at equal RRF")
}
