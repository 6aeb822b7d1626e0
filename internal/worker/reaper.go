package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/kirillkom/docflow/internal/core/ports"
)

type ReaperConfig struct {
	Interval          time.Duration
	VisibilityTimeout time.Duration
	StaleProcessing   time.Duration
	BatchSize         int
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.VisibilityTimeout <= 0 {
		c.VisibilityTimeout = 10 * time.Minute
	}
	if c.StaleProcessing <= 0 {
		c.StaleProcessing = 30 * time.Minute
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// ReaperMetrics receives reaper observations.
type ReaperMetrics interface {
	SetQueueDepth(depth int64)
	Reaped(kind string, n int)
}

// Reaper requeues deliveries that were never acked and fails documents that
// stopped making progress in processing.
type Reaper struct {
	queue   ports.JobQueue
	repo    ports.DocumentRepository
	logger  *slog.Logger
	metrics ReaperMetrics
	cfg     ReaperConfig
}

func NewReaper(queue ports.JobQueue, repo ports.DocumentRepository, logger *slog.Logger, metrics ReaperMetrics, cfg ReaperConfig) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{queue: queue, repo: repo, logger: logger.With("component", "reaper"), metrics: metrics, cfg: cfg.withDefaults()}
}

func (r *Reaper) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		r.Sweep(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one reaping pass. Errors are logged, never returned.
func (r *Reaper) Sweep(ctx context.Context) {
	requeued, err := r.queue.ReapStale(ctx, r.cfg.VisibilityTimeout)
	if err != nil {
		r.logger.Error("reap_stale_jobs_failed", "error", err)
	} else if requeued > 0 {
		r.logger.Warn("stale_jobs_requeued", "count", requeued)
		r.observe("jobs", requeued)
	}

	failed, err := r.repo.FailStaleProcessing(ctx, r.cfg.StaleProcessing, r.cfg.BatchSize)
	if err != nil {
		r.logger.Error("fail_stale_documents_failed", "error", err)
	} else if failed > 0 {
		r.logger.Warn("stale_documents_failed", "count", failed)
		r.observe("documents", int(failed))
	}

	if r.metrics != nil {
		if depth, err := r.queue.Len(ctx); err == nil {
			r.metrics.SetQueueDepth(depth)
		}
	}
}

func (r *Reaper) observe(kind string, n int) {
	if r.metrics != nil {
		r.metrics.Reaped(kind, n)
	}
}
