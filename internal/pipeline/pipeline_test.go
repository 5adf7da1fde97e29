package pipeline_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemosyne/nemosyne/internal/pipeline"
	"github.com/nemosyne/nemosyne/internal/semantic"
	"github.com/nemosyne/nemosyne/pkg/types"
)

type fakeSegmentationRunner struct {
	calls []string
}

func (f *fakeSegmentationRunner) RunSegmentation(ctx context.Context, cid string, fenceCount int) error {
	f.calls = append(f.calls, cid)
	return nil
}

type fakeReviewRunner struct {
	calls []types.ReviewJob
}

func (f *fakeReviewRunner) Run(ctx context.Context, job types.ReviewJob) error {
	f.calls = append(f.calls, job)
	return nil
}

func TestHandler_DelegatesSegmentationAndReview(t *testing.T) {
	seg := &fakeSegmentationRunner{}
	rev := &fakeReviewRunner{}
	consolidator := semantic.NewConsolidator(nil, nil, nil, 20, 0.95, 3, nil, nil)
	h := pipeline.New(seg, rev, consolidator)

	err := h.RunSegmentation(context.Background(), "cid-1", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"cid-1"}, seg.calls)

	err = h.RunReview(context.Background(), types.ReviewJob{ConversationID: "cid-1"})
	require.NoError(t, err)
	assert.Len(t, rev.calls, 1)
}
