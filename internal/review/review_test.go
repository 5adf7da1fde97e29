package review_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/fsrs"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/review"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

func TestRun_RatesAndAppliesFSRSTransition(t *testing.T) {
	lastReviewed := time.Now().UTC().AddDate(0, 0, -5)
	store := newFakeEpisodicStore()
	store.memories["ep-1"] = &types.EpisodicMemory{
		ID: "ep-1", ConversationID: "cid-1", Summary: "discussed the roadmap",
		Stability: 5, Difficulty: 5, LastReviewedAt: lastReviewed,
	}
	ratingLLM := &ratingLLM{ratings: []types.MemoryRating{{MemoryID: "ep-1", Rating: types.RatingEasy}}}
	r := review.New(store, fsrs.New(0.9), ratingLLM, nil)

	job := types.ReviewJob{
		ConversationID: "cid-1",
		PendingReviews: []types.PendingReview{{Query: "what's the roadmap", MemoryIDs: []string{"ep-1"}}},
		ContextMessages: []types.Message{
			{Role: types.RoleUser, Content: "so what's next on the roadmap?"},
			{Role: types.RoleAssistant, Content: "per the discussion, we ship X next."},
		},
		ReviewedAt: time.Now().UTC(),
	}

	err := r.Run(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, store.updates, 1)
	assert.Equal(t, "ep-1", store.updates[0].id)
	assert.Greater(t, store.updates[0].stability, float32(5), "easy rating must increase stability")
}

func TestRun_SkipsMemoryReviewedSameCalendarDay(t *testing.T) {
	now := time.Now().UTC()
	store := newFakeEpisodicStore()
	store.memories["ep-1"] = &types.EpisodicMemory{
		ID: "ep-1", ConversationID: "cid-1", Summary: "discussed the roadmap",
		Stability: 5, Difficulty: 5, LastReviewedAt: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
	}
	ratingLLM := &ratingLLM{ratings: []types.MemoryRating{{MemoryID: "ep-1", Rating: types.RatingGood}}}
	r := review.New(store, fsrs.New(0.9), ratingLLM, nil)

	job := types.ReviewJob{
		ConversationID: "cid-1",
		PendingReviews: []types.PendingReview{{Query: "q", MemoryIDs: []string{"ep-1"}}},
		ReviewedAt:     now,
	}

	err := r.Run(context.Background(), job)
	require.NoError(t, err)
	assert.Empty(t, store.updates, "same-calendar-day review must be skipped")
}

func TestRun_NoPendingReviewsIsNoop(t *testing.T) {
	store := newFakeEpisodicStore()
	r := review.New(store, fsrs.New(0.9), &ratingLLM{}, nil)

	err := r.Run(context.Background(), types.ReviewJob{ConversationID: "cid-1"})
	require.NoError(t, err)
	assert.Empty(t, store.updates)
}

// --- fakes ---

type ratingLLM struct {
	ratings []types.MemoryRating
}

func (r *ratingLLM) Chat(ctx context.Context, messages []llm.ChatMessage) (string, error) {
	return "", nil
}
func (r *ratingLLM) GenerateStructured(ctx context.Context, messages []llm.ChatMessage, schemaName string, schema map[string]interface{}, out interface{}) error {
	raw, err := json.Marshal(struct {
		Ratings []types.MemoryRating `json:"ratings"`
	}{Ratings: r.ratings})
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
func (r *ratingLLM) Embed(ctx context.Context, text string) ([]float32, error) { return nil, nil }
func (r *ratingLLM) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return nil, nil
}

var _ llm.Client = (*ratingLLM)(nil)

type fsrsUpdate struct {
	id                   string
	stability, difficulty float32
	lastReviewedAt       time.Time
}

type fakeEpisodicStore struct {
	memories map[string]*types.EpisodicMemory
	updates  []fsrsUpdate
}

func newFakeEpisodicStore() *fakeEpisodicStore {
	return &fakeEpisodicStore{memories: make(map[string]*types.EpisodicMemory)}
}

func (f *fakeEpisodicStore) Create(ctx context.Context, e *types.EpisodicMemory) error { return nil }

func (f *fakeEpisodicStore) Get(ctx context.Context, id string) (*types.EpisodicMemory, error) {
	m, ok := f.memories[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (f *fakeEpisodicStore) SearchBM25(ctx context.Context, cid string, query string, limit int) ([]types.ScoredEpisodic, error) {
	return nil, nil
}
func (f *fakeEpisodicStore) SearchVector(ctx context.Context, cid string, queryVec []float32, limit int) ([]types.ScoredEpisodic, error) {
	return nil, nil
}
func (f *fakeEpisodicStore) Recent(ctx context.Context, cid string, n int) ([]types.EpisodicMemory, error) {
	return nil, nil
}

func (f *fakeEpisodicStore) UpdateFSRS(ctx context.Context, id string, stability, difficulty float32, lastReviewedAt time.Time) error {
	f.updates = append(f.updates, fsrsUpdate{id: id, stability: stability, difficulty: difficulty, lastReviewedAt: lastReviewedAt})
	return nil
}
func (f *fakeEpisodicStore) MarkConsolidated(ctx context.Context, ids []string, at time.Time) error {
	return nil
}
func (f *fakeEpisodicStore) Unconsolidated(ctx context.Context, cid string) ([]types.EpisodicMemory, error) {
	return nil, nil
}

var _ storage.EpisodicStore = (*fakeEpisodicStore)(nil)
