// Package jobs runs segmentation, review, and consolidation as independent,
// retryable background jobs per conversation, decoupling the HTTP-facing
// add_message/retrieve_memory handlers from the latency of LLM-backed work.
package jobs

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// Handler is implemented by the pipeline components a Dispatcher drives:
// the segmentation engine, the memory reviewer, and the semantic
// consolidator.
type Handler interface {
	RunSegmentation(ctx context.Context, cid string, fenceCount int) error
	RunReview(ctx context.Context, job types.ReviewJob) error
	RunConsolidation(ctx context.Context, cid string, force bool) error
}

// kind identifies which Handler method a queued job invokes.
type kind int

const (
	kindSegmentation kind = iota
	kindReview
	kindConsolidation
)

func (k kind) String() string {
	switch k {
	case kindSegmentation:
		return "segmentation"
	case kindReview:
		return "review"
	case kindConsolidation:
		return "consolidation"
	default:
		return "unknown"
	}
}

type job struct {
	kind    kind
	cid     string
	fence   int
	force   bool
	review  types.ReviewJob
	attempt int
}

// Dispatcher queues and runs pipeline jobs on a fixed worker pool, in the
// idiom of a bounded channel plus goroutine workers draining it.
type Dispatcher struct {
	handler      Handler
	queue        chan *job
	numWorkers   int
	maxRetries   int
	snapshotPath string

	workerCtx    context.Context
	cancel       context.CancelFunc
	workerWG     sync.WaitGroup
	shutdownOnce sync.Once

	// shutdownMu guards closed against enqueue's send, so Shutdown can
	// never close d.queue while a worker's retry path is mid-send.
	shutdownMu sync.RWMutex
	closed     bool
}

// Config controls worker pool sizing and retry behavior.
type Config struct {
	NumWorkers      int
	QueueSize       int
	MaxRetries      int
	ShutdownTimeout time.Duration
	// SnapshotPath, if non-empty, is where Shutdown dumps any jobs still
	// sitting in the queue when the drain deadline is hit, and where
	// NewDispatcher reloads them from on the next process start. Empty
	// disables crash-recovery persistence.
	SnapshotPath string
}

// DefaultConfig returns sensible worker pool defaults.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, QueueSize: 256, MaxRetries: 3, ShutdownTimeout: 5 * time.Second}
}

// NewDispatcher returns a Dispatcher bound to handler. Call Start before
// dispatching any job.
func NewDispatcher(handler Handler, cfg Config) *Dispatcher {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	d := &Dispatcher{
		handler:      handler,
		queue:        make(chan *job, cfg.QueueSize),
		numWorkers:   cfg.NumWorkers,
		maxRetries:   cfg.MaxRetries,
		snapshotPath: cfg.SnapshotPath,
	}
	if d.snapshotPath != "" {
		recovered, err := loadSnapshot(d.snapshotPath)
		if err != nil {
			log.Printf("jobs: snapshot: load %s: %v", d.snapshotPath, err)
		}
		for _, j := range recovered {
			j := j
			select {
			case d.queue <- j:
			default:
				log.Printf("jobs: snapshot: queue full, dropping recovered %v job for %s", j.kind, j.cid)
			}
		}
	}
	return d
}

// Start launches the worker pool. ctx governs the lifetime of in-flight
// job processing; cancel it to begin a graceful shutdown.
func (d *Dispatcher) Start(ctx context.Context) {
	d.workerCtx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.numWorkers; i++ {
		d.workerWG.Add(1)
		go d.worker(i)
	}
}

// Shutdown stops accepting new jobs, closes the queue, and waits up to
// shutdownTimeout for in-flight and already-queued jobs to drain.
func (d *Dispatcher) Shutdown(shutdownTimeout time.Duration) {
	d.shutdownOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.shutdownMu.Lock()
		d.closed = true
		close(d.queue)
		d.shutdownMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.workerWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("jobs: dispatcher drained cleanly")
	case <-time.After(shutdownTimeout):
		remaining := drainChannel(d.queue)
		log.Printf("jobs: shutdown timeout reached, %d jobs undrained", len(remaining))
		if d.snapshotPath != "" && len(remaining) > 0 {
			if err := saveSnapshot(d.snapshotPath, remaining); err != nil {
				log.Printf("jobs: snapshot: save %s: %v", d.snapshotPath, err)
			}
		}
	}
}

func drainChannel(queue chan *job) []*job {
	var out []*job
	for {
		select {
		case j, ok := <-queue:
			if !ok {
				return out
			}
			out = append(out, j)
		default:
			return out
		}
	}
}

// DispatchSegmentation enqueues a segmentation job for cid pinned at
// fenceCount. Returns false if the queue is full.
func (d *Dispatcher) DispatchSegmentation(cid string, fenceCount int) bool {
	return d.enqueue(&job{kind: kindSegmentation, cid: cid, fence: fenceCount})
}

// DispatchReview enqueues a memory review job.
func (d *Dispatcher) DispatchReview(review types.ReviewJob) bool {
	return d.enqueue(&job{kind: kindReview, review: review})
}

// DispatchConsolidation enqueues a consolidation job for cid.
func (d *Dispatcher) DispatchConsolidation(cid string, force bool) bool {
	return d.enqueue(&job{kind: kindConsolidation, cid: cid, force: force})
}

func (d *Dispatcher) enqueue(j *job) bool {
	d.shutdownMu.RLock()
	defer d.shutdownMu.RUnlock()
	if d.closed {
		return false
	}
	if d.workerCtx != nil && d.workerCtx.Err() != nil {
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		log.Printf("jobs: queue full, dropping %v job for %s", j.kind, j.cid)
		return false
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.workerWG.Done()
	for j := range d.queue {
		d.process(id, j)
	}
}

func (d *Dispatcher) process(workerID int, j *job) {
	if j.attempt > 0 {
		backoff := time.Duration(j.attempt*j.attempt) * 100 * time.Millisecond
		time.Sleep(backoff)
	}

	ctx := context.Background()
	var err error
	switch j.kind {
	case kindSegmentation:
		err = d.handler.RunSegmentation(ctx, j.cid, j.fence)
	case kindReview:
		err = d.handler.RunReview(ctx, j.review)
	case kindConsolidation:
		err = d.handler.RunConsolidation(ctx, j.cid, j.force)
	}

	if err == nil {
		return
	}

	log.Printf("jobs: worker %d: job %v for %s failed (attempt %d): %v", workerID, j.kind, j.cid, j.attempt, err)
	if j.attempt >= d.maxRetries {
		log.Printf("jobs: worker %d: job %v for %s exhausted retries, dropping", workerID, j.kind, j.cid)
		return
	}
	j.attempt++
	if d.enqueue(j) {
		return
	}
	if d.workerCtx != nil && d.workerCtx.Err() != nil {
		// Shutdown has begun and the queue no longer accepts jobs: retry in
		// place, so Shutdown's drain wait still covers this job.
		d.process(workerID, j)
		return
	}
	log.Printf("jobs: worker %d: failed to requeue job %v for %s", workerID, j.kind, j.cid)
}
