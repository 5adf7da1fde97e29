package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nemosyne/nemosyne/pkg/types"
)

// redisJobPayload is the wire format for a queued job in Redis: the same
// fields as the in-memory job struct, JSON-encoded onto the single job list
// (queueKey) shared by all conversations.
type redisJobPayload struct {
	Kind    kind            `json:"kind"`
	CID     string          `json:"cid"`
	Fence   int             `json:"fence,omitempty"`
	Force   bool            `json:"force,omitempty"`
	Review  types.ReviewJob `json:"review,omitempty"`
	Attempt int             `json:"attempt"`
}

// RedisDispatcher is the distributed reference implementation of the job
// dispatcher: LPUSH enqueues, BRPOPLPUSH moves a job onto a per-worker
// processing list for an at-least-once-with-visibility-window handoff, and
// every finished run LREMs it back out (a failed run is then LPUSHed again
// with its attempt count raised). A crashed worker leaves its job on
// the processing list, where a periodic reaper requeues anything older
// than visibilityTimeout onto the main list.
type RedisDispatcher struct {
	client            redis.UniversalClient
	handler           Handler
	queueKey          string
	processingKeyBase string
	numWorkers        int
	maxRetries        int
	visibilityTimeout time.Duration
	blockTimeout      time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// RedisConfig controls the Redis-backed dispatcher.
type RedisConfig struct {
	QueueKey          string
	NumWorkers        int
	MaxRetries        int
	VisibilityTimeout time.Duration
	BlockTimeout      time.Duration
}

// DefaultRedisConfig returns sensible defaults for RedisConfig.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		QueueKey:          "nemosyne:jobs",
		NumWorkers:        4,
		MaxRetries:        3,
		VisibilityTimeout: 2 * time.Minute,
		BlockTimeout:      5 * time.Second,
	}
}

// NewRedisDispatcher returns a RedisDispatcher bound to handler and client.
func NewRedisDispatcher(client redis.UniversalClient, handler Handler, cfg RedisConfig) *RedisDispatcher {
	if cfg.QueueKey == "" {
		cfg.QueueKey = "nemosyne:jobs"
	}
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = 5 * time.Second
	}
	return &RedisDispatcher{
		client:            client,
		handler:           handler,
		queueKey:          cfg.QueueKey,
		processingKeyBase: cfg.QueueKey + ":processing",
		numWorkers:        cfg.NumWorkers,
		maxRetries:        cfg.MaxRetries,
		visibilityTimeout: cfg.VisibilityTimeout,
		blockTimeout:      cfg.BlockTimeout,
	}
}

// Start launches the worker pool and the stale-processing-list reaper.
func (d *RedisDispatcher) Start(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	for i := 0; i < d.numWorkers; i++ {
		d.wg.Add(1)
		go d.worker(workerCtx, i)
	}
	d.wg.Add(1)
	go d.reapStaleProcessing(workerCtx)
}

// Shutdown cancels the workers and waits up to shutdownTimeout for them to
// return. Jobs already moved to a processing list are picked up by the
// reaper on the next visibility-timeout pass, by this or another process.
func (d *RedisDispatcher) Shutdown(shutdownTimeout time.Duration) {
	if d.cancel != nil {
		d.cancel()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("jobs: redis dispatcher drained cleanly")
	case <-time.After(shutdownTimeout):
		log.Println("jobs: redis dispatcher shutdown timeout reached")
	}
}

// DispatchSegmentation enqueues a segmentation job for cid pinned at
// fenceCount.
func (d *RedisDispatcher) DispatchSegmentation(cid string, fenceCount int) bool {
	return d.enqueue(redisJobPayload{Kind: kindSegmentation, CID: cid, Fence: fenceCount})
}

// DispatchReview enqueues a memory review job.
func (d *RedisDispatcher) DispatchReview(review types.ReviewJob) bool {
	return d.enqueue(redisJobPayload{Kind: kindReview, Review: review})
}

// DispatchConsolidation enqueues a consolidation job for cid.
func (d *RedisDispatcher) DispatchConsolidation(cid string, force bool) bool {
	return d.enqueue(redisJobPayload{Kind: kindConsolidation, CID: cid, Force: force})
}

func (d *RedisDispatcher) enqueue(p redisJobPayload) bool {
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("jobs: redis: marshal %v job for %s: %v", p.Kind, p.CID, err)
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.client.LPush(ctx, d.queueKey, data).Err(); err != nil {
		log.Printf("jobs: redis: enqueue %v job for %s: %v", p.Kind, p.CID, err)
		return false
	}
	return true
}

func (d *RedisDispatcher) processingKey(workerID int) string {
	return fmt.Sprintf("%s:%d", d.processingKeyBase, workerID)
}

func (d *RedisDispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()
	processingKey := d.processingKey(id)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		data, err := d.client.BRPopLPush(ctx, d.queueKey, processingKey, d.blockTimeout).Result()
		if err != nil {
			if err != redis.Nil && ctx.Err() == nil {
				log.Printf("jobs: redis: worker %d dequeue: %v", id, err)
			}
			continue
		}

		var p redisJobPayload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			log.Printf("jobs: redis: worker %d unmarshal: %v", id, err)
			d.client.LRem(context.Background(), processingKey, 1, data)
			continue
		}

		d.run(context.Background(), id, p, data, processingKey)
	}
}

func (d *RedisDispatcher) run(ctx context.Context, workerID int, p redisJobPayload, raw string, processingKey string) {
	if p.Attempt > 0 {
		time.Sleep(time.Duration(p.Attempt*p.Attempt) * 100 * time.Millisecond)
	}

	var err error
	switch p.Kind {
	case kindSegmentation:
		err = d.handler.RunSegmentation(ctx, p.CID, p.Fence)
	case kindReview:
		err = d.handler.RunReview(ctx, p.Review)
	case kindConsolidation:
		err = d.handler.RunConsolidation(ctx, p.CID, p.Force)
	}

	d.client.LRem(context.Background(), processingKey, 1, raw)

	if err == nil {
		return
	}

	log.Printf("jobs: redis: worker %d: job %v for %s failed (attempt %d): %v", workerID, p.Kind, p.CID, p.Attempt, err)
	if p.Attempt >= d.maxRetries {
		log.Printf("jobs: redis: worker %d: job %v for %s exhausted retries, dropping", workerID, p.Kind, p.CID)
		return
	}
	p.Attempt++
	d.enqueue(p)
}

// reapStaleProcessing periodically requeues jobs left on a processing list
// past visibilityTimeout, covering a worker that crashed mid-job.
func (d *RedisDispatcher) reapStaleProcessing(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.visibilityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for i := 0; i < d.numWorkers; i++ {
				d.reapOne(ctx, d.processingKey(i))
			}
		}
	}
}

func (d *RedisDispatcher) reapOne(ctx context.Context, processingKey string) {
	items, err := d.client.LRange(ctx, processingKey, 0, -1).Result()
	if err != nil || len(items) == 0 {
		return
	}
	for _, raw := range items {
		if d.client.LRem(ctx, processingKey, 1, raw).Val() > 0 {
			d.client.LPush(ctx, d.queueKey, raw)
		}
	}
}
