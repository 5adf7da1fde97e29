package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/internal/storage/sqlite"
	"github.com/nemosyne/nemosyne/pkg/types"
)

func openTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestQueueStore_PushReturnsPostAppendCount(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewQueueStore(db)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		count, err := store.Push(ctx, "cid-1", types.Message{Role: types.RoleUser, Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, i, count)
	}

	q, err := store.Get(ctx, "cid-1")
	require.NoError(t, err)
	assert.Len(t, q.Messages, 3)
}

func TestQueueStore_FenceCAS(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewQueueStore(db)
	ctx := context.Background()
	_, _ = store.Push(ctx, "cid-2", types.Message{Content: "hi", Timestamp: time.Now()})

	acquired, err := store.TrySetFence(ctx, "cid-2", 5)
	require.NoError(t, err)
	assert.True(t, acquired)

	acquired, err = store.TrySetFence(ctx, "cid-2", 5)
	require.NoError(t, err)
	assert.False(t, acquired, "fence already held")

	require.NoError(t, store.Finalize(ctx, "cid-2", nil))

	acquired, err = store.TrySetFence(ctx, "cid-2", 6)
	require.NoError(t, err)
	assert.True(t, acquired, "fence released by Finalize must be acquirable again")
}

func TestQueueStore_ClearStaleFence(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewQueueStore(db)
	ctx := context.Background()
	_, _ = store.Push(ctx, "cid-3", types.Message{Content: "hi", Timestamp: time.Now()})

	_, err := store.TrySetFence(ctx, "cid-3", 5)
	require.NoError(t, err)

	cleared, err := store.ClearStaleFence(ctx, "cid-3", time.Hour)
	require.NoError(t, err)
	assert.False(t, cleared, "a fresh fence within the TTL must not be cleared")

	cleared, err = store.ClearStaleFence(ctx, "cid-3", -time.Second)
	require.NoError(t, err)
	assert.True(t, cleared, "a fence older than a negative TTL is trivially stale")
}

func TestQueueStore_DrainRemovesHead(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewQueueStore(db)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, _ = store.Push(ctx, "cid-4", types.Message{Content: "hi", Timestamp: time.Now()})
	}

	require.NoError(t, store.Drain(ctx, "cid-4", 3))

	q, err := store.Get(ctx, "cid-4")
	require.NoError(t, err)
	assert.Len(t, q.Messages, 2)
}

func TestQueueStore_PendingReviewsTakeClears(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewQueueStore(db)
	ctx := context.Background()
	_, _ = store.Push(ctx, "cid-5", types.Message{Content: "hi", Timestamp: time.Now()})

	require.NoError(t, store.AddPendingReview(ctx, "cid-5", types.PendingReview{Query: "q1", MemoryIDs: []string{"a"}}))
	require.NoError(t, store.AddPendingReview(ctx, "cid-5", types.PendingReview{Query: "q2", MemoryIDs: []string{"b"}}))

	reviews, err := store.TakePendingReviews(ctx, "cid-5")
	require.NoError(t, err)
	assert.Len(t, reviews, 2)

	reviews, err = store.TakePendingReviews(ctx, "cid-5")
	require.NoError(t, err)
	assert.Empty(t, reviews)
}

func TestEpisodicStore_CreateAndGet(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewEpisodicStore(db)
	ctx := context.Background()

	e := &types.EpisodicMemory{
		ConversationID: "cid-1",
		Title:          "Trip planning",
		Summary:        "Discussed a trip to Kyoto in the spring",
		Embedding:      []float32{0.1, 0.2, 0.3},
		Stability:      2.5,
		Difficulty:     4.0,
		Surprise:       0.3,
		StartAt:        time.Now().Add(-time.Hour),
		EndAt:          time.Now(),
	}
	require.NoError(t, store.Create(ctx, e))
	assert.NotEmpty(t, e.ID)

	got, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.Title, got.Title)
	assert.Equal(t, e.Embedding, got.Embedding)

	_, err = store.Get(ctx, "does-not-exist")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestEpisodicStore_SearchBM25(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewEpisodicStore(db)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Create(ctx, &types.EpisodicMemory{
		ConversationID: "cid-1", Title: "A", Summary: "planning a trip to Kyoto",
		StartAt: now, EndAt: now,
	}))
	require.NoError(t, store.Create(ctx, &types.EpisodicMemory{
		ConversationID: "cid-1", Title: "B", Summary: "debugging a flaky test suite",
		StartAt: now, EndAt: now,
	}))

	results, err := store.SearchBM25(ctx, "cid-1", "kyoto trip", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "A", results[0].Memory.Title)
}

func TestEpisodicStore_SearchVectorBruteForce(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewEpisodicStore(db)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.Create(ctx, &types.EpisodicMemory{
		ConversationID: "cid-1", Title: "close", Embedding: []float32{1, 0, 0}, StartAt: now, EndAt: now,
	}))
	require.NoError(t, store.Create(ctx, &types.EpisodicMemory{
		ConversationID: "cid-1", Title: "far", Embedding: []float32{0, 1, 0}, StartAt: now, EndAt: now,
	}))

	results, err := store.SearchVector(ctx, "cid-1", []float32{1, 0, 0}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].Memory.Title)
}

func TestEpisodicStore_MarkConsolidatedAndUnconsolidated(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewEpisodicStore(db)
	ctx := context.Background()
	now := time.Now()

	e1 := &types.EpisodicMemory{ConversationID: "cid-1", Title: "a", StartAt: now, EndAt: now}
	e2 := &types.EpisodicMemory{ConversationID: "cid-1", Title: "b", StartAt: now, EndAt: now}
	require.NoError(t, store.Create(ctx, e1))
	require.NoError(t, store.Create(ctx, e2))

	unconsolidated, err := store.Unconsolidated(ctx, "cid-1")
	require.NoError(t, err)
	assert.Len(t, unconsolidated, 2)

	require.NoError(t, store.MarkConsolidated(ctx, []string{e1.ID}, time.Now()))

	unconsolidated, err = store.Unconsolidated(ctx, "cid-1")
	require.NoError(t, err)
	require.Len(t, unconsolidated, 1)
	assert.Equal(t, e2.ID, unconsolidated[0].ID)
}

func TestSemanticStore_CreateAndSearchBM25(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewSemanticStore(db)
	ctx := context.Background()

	f := &types.SemanticMemory{
		ConversationID: "cid-1",
		Category:       types.CategoryPreference,
		Fact:           "prefers window seats on long flights",
		Keywords:       []string{"travel", "flights"},
		SearchText:     types.BuildSearchText("prefers window seats on long flights", []string{"travel", "flights"}),
	}
	require.NoError(t, store.Create(ctx, f))

	results, err := store.SearchBM25(ctx, "cid-1", "window seats flights", nil, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, f.ID, results[0].Memory.ID)
}

func TestSemanticStore_SearchBM25CategoryFilterExcludesInvalidated(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewSemanticStore(db)
	ctx := context.Background()

	f := &types.SemanticMemory{
		ConversationID: "cid-1", Category: types.CategoryGoal, Fact: "wants to learn Japanese",
		SearchText: "wants to learn Japanese",
	}
	require.NoError(t, store.Create(ctx, f))
	require.NoError(t, store.Invalidate(ctx, f.ID, time.Now()))

	results, err := store.SearchBM25(ctx, "cid-1", "japanese", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, results, "invalidated facts must not surface in search")
}

func TestSemanticStore_NearestActiveSimilarityFloor(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewSemanticStore(db)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, &types.SemanticMemory{
		ConversationID: "cid-1", Category: types.CategoryInterest, Fact: "close", Embedding: []float32{1, 0, 0}, SearchText: "close",
	}))
	require.NoError(t, store.Create(ctx, &types.SemanticMemory{
		ConversationID: "cid-1", Category: types.CategoryInterest, Fact: "far", Embedding: []float32{0, 1, 0}, SearchText: "far",
	}))

	results, err := store.NearestActive(ctx, "cid-1", []float32{1, 0, 0}, 0.5, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "close", results[0].Memory.Fact)
}

func TestSemanticStore_AppendSourceEpisodicIDsDedupes(t *testing.T) {
	db := openTestDB(t)
	store := sqlite.NewSemanticStore(db)
	ctx := context.Background()

	f := &types.SemanticMemory{
		ConversationID: "cid-1", Category: types.CategoryIdentity, Fact: "works as an engineer",
		SearchText: "works as an engineer", SourceEpisodicIDs: []string{"ep-1"},
	}
	require.NoError(t, store.Create(ctx, f))

	require.NoError(t, store.AppendSourceEpisodicIDs(ctx, f.ID, []string{"ep-1", "ep-2"}))

	got, err := store.Get(ctx, f.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"ep-1", "ep-2"}, got.SourceEpisodicIDs)
}
