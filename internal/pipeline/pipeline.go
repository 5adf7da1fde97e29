// Package pipeline wires the segmentation engine, memory reviewer, and
// semantic consolidator together behind the jobs.Handler interface the
// dispatcher drives.
package pipeline

import (
	"context"

	"github.com/nemosyne/nemosyne/internal/jobs"
	"github.com/nemosyne/nemosyne/internal/semantic"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// SegmentationRunner is the subset of segmentation.Engine the Handler
// drives.
type SegmentationRunner interface {
	RunSegmentation(ctx context.Context, cid string, fenceCount int) error
}

// ReviewRunner is the subset of review.Reviewer the Handler drives.
type ReviewRunner interface {
	Run(ctx context.Context, job types.ReviewJob) error
}

// Handler implements jobs.Handler by delegating each job kind to its
// owning pipeline component.
type Handler struct {
	segmentation SegmentationRunner
	review       ReviewRunner
	consolidator *semantic.Consolidator
}

// New returns a Handler.
func New(segmentation SegmentationRunner, review ReviewRunner, consolidator *semantic.Consolidator) *Handler {
	return &Handler{segmentation: segmentation, review: review, consolidator: consolidator}
}

// RunSegmentation implements jobs.Handler.
func (h *Handler) RunSegmentation(ctx context.Context, cid string, fenceCount int) error {
	return h.segmentation.RunSegmentation(ctx, cid, fenceCount)
}

// RunReview implements jobs.Handler.
func (h *Handler) RunReview(ctx context.Context, job types.ReviewJob) error {
	return h.review.Run(ctx, job)
}

// RunConsolidation implements jobs.Handler.
func (h *Handler) RunConsolidation(ctx context.Context, cid string, force bool) error {
	return h.consolidator.Run(ctx, cid, force)
}

var _ jobs.Handler = (*Handler)(nil)
