// Command nemosyne runs the memory service: an HTTP API in front of the
// episodic/semantic memory store, the FSRS-scheduled review loop, and the
// background segmentation and consolidation pipeline.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nemosyne/nemosyne/internal/config"
	"github.com/nemosyne/nemosyne/internal/episodic"
	"github.com/nemosyne/nemosyne/internal/fsrs"
	"github.com/nemosyne/nemosyne/internal/httpapi"
	"github.com/nemosyne/nemosyne/internal/jobs"
	"github.com/nemosyne/nemosyne/internal/llm"
	"github.com/nemosyne/nemosyne/internal/metrics"
	"github.com/nemosyne/nemosyne/internal/pipeline"
	"github.com/nemosyne/nemosyne/internal/queue"
	"github.com/nemosyne/nemosyne/internal/retrieval"
	"github.com/nemosyne/nemosyne/internal/review"
	"github.com/nemosyne/nemosyne/internal/segmentation"
	"github.com/nemosyne/nemosyne/internal/semantic"
	"github.com/nemosyne/nemosyne/internal/storage"
	"github.com/nemosyne/nemosyne/internal/storage/postgres"
	"github.com/nemosyne/nemosyne/internal/storage/sqlite"
	"github.com/nemosyne/nemosyne/pkg/types"

	"github.com/redis/go-redis/v9"
)

// dispatcher is satisfied by both jobs.Dispatcher (in-process) and
// jobs.RedisDispatcher (distributed); main selects between them based on
// JobsConfig.RedisURL.
type dispatcher interface {
	Start(ctx context.Context)
	Shutdown(timeout time.Duration)
	DispatchSegmentation(cid string, fenceCount int) bool
	DispatchReview(job types.ReviewJob) bool
	DispatchConsolidation(cid string, force bool) bool
}

// backend bundles the three store implementations sharing one connection,
// that connection's Transactor (so consolidation can commit its apply loop
// and MarkConsolidated atomically), and the close func for whichever
// driver was selected.
type backend struct {
	queue    storage.QueueStore
	episodic storage.EpisodicStore
	semantic storage.SemanticStore
	tx       storage.Transactor
	close    func() error
}

func openBackend(cfg config.DatabaseConfig) (*backend, error) {
	if cfg.DatabaseURL != "" {
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		return &backend{
			queue:    postgres.NewQueueStore(db),
			episodic: postgres.NewEpisodicStore(db),
			semantic: postgres.NewSemanticStore(db),
			tx:       db,
			close:    db.Close,
		}, nil
	}

	if err := os.MkdirAll(dirOf(cfg.SQLitePath), 0o755); err != nil {
		return nil, err
	}
	db, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	return &backend{
		queue:    sqlite.NewQueueStore(db),
		episodic: sqlite.NewEpisodicStore(db),
		semantic: sqlite.NewSemanticStore(db),
		tx:       db,
		close:    db.Close,
	}, nil
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// handlerSlot breaks the construction cycle between jobs.Dispatcher (which
// needs a Handler up front) and the segmentation engine (which needs the
// Dispatcher it was constructed with to hand off review/consolidation
// jobs). The Dispatcher is built against the slot before the real handler
// exists; h is filled in once the pipeline is fully wired.
type handlerSlot struct {
	h jobs.Handler
}

func (s *handlerSlot) RunSegmentation(ctx context.Context, cid string, fenceCount int) error {
	return s.h.RunSegmentation(ctx, cid, fenceCount)
}

func (s *handlerSlot) RunReview(ctx context.Context, job types.ReviewJob) error {
	return s.h.RunReview(ctx, job)
}

func (s *handlerSlot) RunConsolidation(ctx context.Context, cid string, force bool) error {
	return s.h.RunConsolidation(ctx, cid, force)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	be, err := openBackend(cfg.Database)
	if err != nil {
		log.Fatalf("storage: %v", err)
	}
	defer be.close()

	llmClient := llm.NewClient(cfg.LLM)
	scheduler := fsrs.New(cfg.Pipeline.DesiredRetention)
	metricsMgr := metrics.NewManager(cfg.Server.MetricsEnabled)

	episodicMgr := episodic.New(be.episodic, scheduler, llmClient)
	semanticMgr := semantic.New(be.semantic, llmClient)
	consolidator := semantic.NewConsolidator(
		be.episodic, be.semantic, llmClient,
		cfg.Pipeline.RelatedFactsLimit, cfg.Pipeline.DedupeThreshold, cfg.Pipeline.ConsolidationEpisodeThreshold,
		metricsMgr, be.tx,
	)
	queueMgr := queue.New(be.queue, cfg.Pipeline, metricsMgr)
	reviewer := review.New(be.episodic, scheduler, llmClient, metricsMgr)

	slot := &handlerSlot{}
	var dispatch dispatcher
	if cfg.Jobs.RedisURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.Jobs.RedisURL})
		dispatch = jobs.NewRedisDispatcher(redisClient, slot, jobs.DefaultRedisConfig())
	} else {
		jobsCfg := jobs.DefaultConfig()
		jobsCfg.SnapshotPath = cfg.Jobs.SnapshotPath
		dispatch = jobs.NewDispatcher(slot, jobsCfg)
	}
	segmentationEngine := segmentation.New(be.queue, episodicMgr, llmClient, dispatch, cfg.Pipeline.FlashbulbThreshold)
	slot.h = pipeline.New(segmentationEngine, reviewer, consolidator)

	coordinator := retrieval.New(episodicMgr, semanticMgr, be.queue)
	server := httpapi.New(queueMgr, coordinator, dispatch)
	mux := httpapi.Mux(server, cfg)
	mux = withMetrics(mux, metricsMgr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dispatch.Start(ctx)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		log.Printf("nemosyne: listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("nemosyne: http server: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("nemosyne: shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("nemosyne: http server shutdown: %v", err)
	}

	dispatch.Shutdown(jobs.DefaultConfig().ShutdownTimeout)
	cancel()
}

// withMetrics mounts the Prometheus scrape endpoint alongside the memory
// operation routes.
func withMetrics(next http.Handler, m *metrics.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.Handle("/", next)
	return mux
}
