// Package metrics provides Prometheus instrumentation for the memory
// pipeline's ambient concerns: fence CAS contention, stale-review skips,
// and consolidation action counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Manager owns the registry and counters shared across the queue, review,
// and consolidation packages.
type Manager struct {
	registry *prometheus.Registry
	enabled  bool

	fenceContention     prometheus.Counter
	reviewStaleSkips    prometheus.Counter
	consolidationAction *prometheus.CounterVec
}

// NewManager returns a Manager. When enabled is false every recording
// method is a no-op, so callers never need to branch on it themselves.
func NewManager(enabled bool) *Manager {
	if !enabled {
		return &Manager{enabled: false}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Manager{
		registry: registry,
		enabled:  true,
		fenceContention: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nemosyne_fence_contention_total",
			Help: "Number of TrySetFence calls that lost the race to acquire a segmentation fence.",
		}),
		reviewStaleSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nemosyne_review_stale_skips_total",
			Help: "Number of pending reviews skipped because the memory was already reviewed today.",
		}),
		consolidationAction: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nemosyne_consolidation_actions_total",
			Help: "Consolidation actions applied, by action type.",
		}, []string{"action"}),
	}

	registry.MustRegister(m.fenceContention, m.reviewStaleSkips, m.consolidationAction)
	return m
}

// NoOp returns a disabled Manager, for tests and configurations that skip
// metrics entirely.
func NoOp() *Manager {
	return &Manager{enabled: false}
}

// Handler returns the /metrics HTTP handler. When disabled it responds 404.
func (m *Manager) Handler() http.Handler {
	if !m.enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordFenceContention increments the fence-contention counter.
func (m *Manager) RecordFenceContention() {
	if !m.enabled {
		return
	}
	m.fenceContention.Inc()
}

// RecordReviewStaleSkip increments the stale-review-skip counter.
func (m *Manager) RecordReviewStaleSkip() {
	if !m.enabled {
		return
	}
	m.reviewStaleSkips.Inc()
}

// RecordConsolidationAction increments the per-action consolidation counter.
func (m *Manager) RecordConsolidationAction(action string) {
	if !m.enabled {
		return
	}
	m.consolidationAction.WithLabelValues(action).Inc()
}
