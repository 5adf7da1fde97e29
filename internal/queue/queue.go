// Package queue implements the per-conversation message buffer and its
// segmentation trigger rule: a fence-guarded, TOCTOU-safe decision of when
// a batch of buffered messages is ready for the Segmentation Engine.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nemosyne/nemosyne/internal/config"
	"github.com/nemosyne/nemosyne/internal/metrics"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/pkg/types"
)

// minMessages is the fixed floor below which segmentation never triggers,
// regardless of window size or time elapsed.
const minMessages = 5

// Manager evaluates the trigger rule and owns fence acquisition.
type Manager struct {
	store   storage.QueueStore
	cfg     config.PipelineConfig
	metrics *metrics.Manager
}

// New returns a Manager backed by store, tuned by cfg, recording fence
// contention to m. Pass metrics.NoOp() to disable recording.
func New(store storage.QueueStore, cfg config.PipelineConfig, m *metrics.Manager) *Manager {
	if m == nil {
		m = metrics.NoOp()
	}
	return &Manager{store: store, cfg: cfg, metrics: m}
}

// TriggerResult reports whether Push's append just won the right to run a
// segmentation job, and if so, the exact message count the job must
// process (messages[0:FenceCount]).
type TriggerResult struct {
	Triggered  bool
	FenceCount int
}

// Push appends message to cid's queue and evaluates the trigger rule
// against the push-returned count, never a re-read of the queue (the
// TOCTOU-safe boundary pin).
func (m *Manager) Push(ctx context.Context, cid string, message types.Message) (*TriggerResult, error) {
	triggerCount, err := m.store.Push(ctx, cid, message)
	if err != nil {
		return nil, fmt.Errorf("queue: push for %s: %w", cid, err)
	}
	return m.evaluateTrigger(ctx, cid, triggerCount)
}

func (m *Manager) evaluateTrigger(ctx context.Context, cid string, triggerCount int) (*TriggerResult, error) {
	q, err := m.store.Get(ctx, cid)
	if err != nil {
		return nil, fmt.Errorf("queue: get %s: %w", cid, err)
	}

	if q.Fence != nil {
		ttl := time.Duration(m.cfg.FenceTTLMinutes) * time.Minute
		cleared, err := m.store.ClearStaleFence(ctx, cid, ttl)
		if err != nil {
			return nil, fmt.Errorf("queue: clear stale fence for %s: %w", cid, err)
		}
		if !cleared {
			return &TriggerResult{Triggered: false}, nil
		}
	}

	if triggerCount < minMessages {
		return &TriggerResult{Triggered: false}, nil
	}

	currentWindow := m.cfg.WindowBase
	if q.WindowDoubled {
		currentWindow = m.cfg.WindowMax
	}
	countTrigger := triggerCount >= currentWindow

	timeTrigger := false
	if len(q.Messages) > 0 {
		elapsed := time.Since(q.Messages[0].Timestamp)
		timeTrigger = elapsed > time.Duration(m.cfg.SegmentTimeTriggerMinutes)*time.Minute
	}

	if !countTrigger && !timeTrigger {
		return &TriggerResult{Triggered: false}, nil
	}

	acquired, err := m.store.TrySetFence(ctx, cid, triggerCount)
	if err != nil {
		return nil, fmt.Errorf("queue: try set fence for %s: %w", cid, err)
	}
	if !acquired {
		m.metrics.RecordFenceContention()
		return &TriggerResult{Triggered: false}, nil
	}

	return &TriggerResult{Triggered: true, FenceCount: triggerCount}, nil
}
