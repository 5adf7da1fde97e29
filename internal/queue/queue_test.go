package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/config"
	"github.com/nemosyne/nemosyne/internal/queue"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// fakeQueueStore is an in-memory storage.QueueStore for exercising the
// trigger rule without a database.
type fakeQueueStore struct {
	mu    sync.Mutex
	rows  map[string]*types.MessageQueue
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{rows: make(map[string]*types.MessageQueue)}
}

func (f *fakeQueueStore) rowFor(cid string) *types.MessageQueue {
	q, ok := f.rows[cid]
	if !ok {
		q = &types.MessageQueue{ConversationID: cid}
		f.rows[cid] = q
	}
	return q
}

func (f *fakeQueueStore) Push(ctx context.Context, cid string, message types.Message) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	q.Messages = append(q.Messages, message)
	return len(q.Messages), nil
}

func (f *fakeQueueStore) Get(ctx context.Context, cid string) (*types.MessageQueue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := *f.rowFor(cid)
	msgs := make([]types.Message, len(q.Messages))
	copy(msgs, q.Messages)
	q.Messages = msgs
	return &q, nil
}

func (f *fakeQueueStore) Drain(ctx context.Context, cid string, n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	if n >= len(q.Messages) {
		q.Messages = nil
	} else {
		q.Messages = q.Messages[n:]
	}
	return nil
}

func (f *fakeQueueStore) Finalize(ctx context.Context, cid string, windowDoubled *bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	q.Fence = nil
	q.FenceStartedAt = nil
	if windowDoubled != nil {
		q.WindowDoubled = *windowDoubled
	}
	return nil
}

func (f *fakeQueueStore) TrySetFence(ctx context.Context, cid string, count int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	if q.Fence != nil {
		return false, nil
	}
	n := count
	now := time.Now()
	q.Fence = &n
	q.FenceStartedAt = &now
	return true, nil
}

func (f *fakeQueueStore) ClearStaleFence(ctx context.Context, cid string, ttl time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	if q.Fence == nil {
		return true, nil
	}
	if q.FenceStartedAt == nil || time.Since(*q.FenceStartedAt) <= ttl {
		return false, nil
	}
	q.Fence = nil
	q.FenceStartedAt = nil
	return true, nil
}

func (f *fakeQueueStore) AddPendingReview(ctx context.Context, cid string, review types.PendingReview) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	q.PendingReviews = append(q.PendingReviews, review)
	return nil
}

func (f *fakeQueueStore) TakePendingReviews(ctx context.Context, cid string) ([]types.PendingReview, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	reviews := q.PendingReviews
	q.PendingReviews = nil
	return reviews, nil
}

func (f *fakeQueueStore) UpdateEventModel(ctx context.Context, cid string, model string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.rowFor(cid)
	q.EventModel = &model
	q.EventModelEmbedding = embedding
	return nil
}

func (f *fakeQueueStore) UpdateLastEmbedding(ctx context.Context, cid string, embedding []float32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowFor(cid).LastEmbedding = embedding
	return nil
}

func (f *fakeQueueStore) UpdatePrevEpisodeSummary(ctx context.Context, cid string, summary string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rowFor(cid).PrevEpisodeSummary = &summary
	return nil
}

var _ storage.QueueStore = (*fakeQueueStore)(nil)

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WindowBase:                20,
		WindowMax:                 40,
		FenceTTLMinutes:           120,
		SegmentTimeTriggerMinutes: 120,
	}
}

func TestPush_BelowFloorNeverTriggers(t *testing.T) {
	store := newFakeQueueStore()
	m := queue.New(store, testConfig(), nil)
	ctx := context.Background()

	var result *queue.TriggerResult
	var err error
	for i := 0; i < 4; i++ {
		result, err = m.Push(ctx, "cid-1", types.Message{Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
	}
	assert.False(t, result.Triggered, "below MIN_MESSAGES floor must never trigger")
}

func TestPush_CountTriggerAtWindowBase(t *testing.T) {
	store := newFakeQueueStore()
	m := queue.New(store, testConfig(), nil)
	ctx := context.Background()

	var result *queue.TriggerResult
	var err error
	for i := 0; i < 20; i++ {
		result, err = m.Push(ctx, "cid-2", types.Message{Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
	}
	require.True(t, result.Triggered)
	assert.Equal(t, 20, result.FenceCount)
}

func TestPush_TimeTriggerIgnoresWindow(t *testing.T) {
	store := newFakeQueueStore()
	m := queue.New(store, testConfig(), nil)
	ctx := context.Background()

	old := time.Now().Add(-3 * time.Hour)
	for i := 0; i < 4; i++ {
		_, err := m.Push(ctx, "cid-3", types.Message{Content: "hi", Timestamp: old})
		require.NoError(t, err)
	}
	result, err := m.Push(ctx, "cid-3", types.Message{Content: "hi", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.True(t, result.Triggered, "time trigger fires once the floor of 5 is reached, regardless of window")
}

func TestPush_FenceBlocksConcurrentTrigger(t *testing.T) {
	store := newFakeQueueStore()
	m := queue.New(store, testConfig(), nil)
	ctx := context.Background()

	for i := 0; i < 19; i++ {
		_, err := m.Push(ctx, "cid-4", types.Message{Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	const concurrency = 10
	var wg sync.WaitGroup
	results := make([]*queue.TriggerResult, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := m.Push(ctx, "cid-4", types.Message{Content: "hi", Timestamp: time.Now()})
			require.NoError(t, err)
			results[i] = r
		}(i)
	}
	wg.Wait()

	triggeredCount := 0
	for _, r := range results {
		if r.Triggered {
			triggeredCount++
		}
	}
	assert.Equal(t, 1, triggeredCount, "exactly one concurrent pusher must win the fence CAS")
}

func TestPush_StaleFenceIsReclaimed(t *testing.T) {
	store := newFakeQueueStore()
	cfg := testConfig()
	cfg.FenceTTLMinutes = 1
	m := queue.New(store, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := m.Push(ctx, "cid-5", types.Message{Content: "hi", Timestamp: time.Now()})
		require.NoError(t, err)
	}

	q, err := store.Get(ctx, "cid-5")
	require.NoError(t, err)
	require.NotNil(t, q.Fence)
	stale := time.Now().Add(-2 * time.Minute)
	store.rows["cid-5"].FenceStartedAt = &stale

	result, err := m.Push(ctx, "cid-5", types.Message{Content: "hi", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.True(t, result.Triggered, "a fence older than the TTL must be reclaimed and retriggered")
}
