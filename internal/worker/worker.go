package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

type Config struct {
	// PollInterval bounds each blocking pop and therefore shutdown latency.
	PollInterval      time.Duration
	ProcessingTimeout time.Duration
	ErrorBackoff      time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Second
	}
	return c
}

// Metrics receives per-job observations.
type Metrics interface {
	StartJob()
	FinishJob(outcome string, duration time.Duration)
	ObserveQueueLag(lag time.Duration)
	DeadLettered(reason string)
}

const ackTimeout = 10 * time.Second

// Worker consumes jobs from one queue. Several workers may share a queue.
type Worker struct {
	id        string
	queue     ports.JobQueue
	processor ports.JobProcessor
	decoder   *JobDecoder
	logger    *slog.Logger
	metrics   Metrics
	cfg       Config
	now       func() time.Time
}

func New(queue ports.JobQueue, processor ports.JobProcessor, logger *slog.Logger, metrics Metrics, cfg Config) (*Worker, error) {
	decoder, err := NewJobDecoder()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = noopMetrics{}
	}
	id := "worker-" + uuid.NewString()[:8]
	return &Worker{
		id:        id,
		queue:     queue,
		processor: processor,
		decoder:   decoder,
		logger:    logger.With("worker_id", id),
		metrics:   metrics,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}, nil
}

func (w *Worker) ID() string {
	return w.id
}

// Run pops and processes jobs until ctx is cancelled. Cancellation is only
// observed between jobs; a job already popped runs to completion.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker_started", "poll_interval", w.cfg.PollInterval.String())
	defer w.logger.Info("worker_stopped")

	for {
		if ctx.Err() != nil {
			return nil
		}

		delivery, err := w.queue.Pop(ctx, w.cfg.PollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("queue_pop_failed", "error", err)
			if !sleepCtx(ctx, w.cfg.ErrorBackoff) {
				return nil
			}
			continue
		}
		if delivery == nil {
			continue
		}

		w.handle(context.WithoutCancel(ctx), delivery)
	}
}

func (w *Worker) handle(parent context.Context, delivery *domain.Delivery) {
	ctx, cancel := context.WithTimeout(parent, w.cfg.ProcessingTimeout)
	defer cancel()

	start := w.now()
	w.metrics.StartJob()

	outcome, ack := w.process(ctx, delivery, start)
	w.metrics.FinishJob(outcome, w.now().Sub(start))

	if !ack || delivery.Ack == nil {
		return
	}
	ackCtx, ackCancel := context.WithTimeout(parent, ackTimeout)
	defer ackCancel()
	if err := delivery.Ack(ackCtx); err != nil {
		w.logger.Error("job_ack_failed", "error", err)
	}
}

// process returns the outcome label and whether the delivery should be acked.
func (w *Worker) process(ctx context.Context, delivery *domain.Delivery, start time.Time) (outcome string, ack bool) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("job_panicked", "panic", fmt.Sprint(r))
			outcome, ack = w.deadLetter(ctx, delivery, fmt.Errorf("panic: %v", r), "panic")
		}
	}()

	job, err := w.decoder.Decode(delivery.Body)
	if err != nil {
		w.logger.Warn("job_malformed", "error", err, "attempt", delivery.Attempt)
		return w.deadLetter(ctx, delivery, err, "malformed")
	}

	logger := w.logger.With("job_id", job.JobID, "attempt", delivery.Attempt)
	if !job.EnqueuedAt.IsZero() {
		w.metrics.ObserveQueueLag(start.Sub(job.EnqueuedAt))
	}
	logger.Info("job_started", "stage", "popped")

	result, err := w.processor.Process(ctx, job)
	elapsed := w.now().Sub(start)
	switch result {
	case ports.OutcomeCompleted:
		logger.Info("job_completed", "stage", "done", "duration_ms", elapsed.Milliseconds())
	case ports.OutcomeFailed:
		logger.Warn("job_failed", "stage", "failed", "error", err, "duration_ms", elapsed.Milliseconds())
	case ports.OutcomeSkipped:
		logger.Info("job_skipped", "reason", "document already terminal")
	case ports.OutcomeOrphaned:
		logger.Error("job_orphaned", "error", err)
		return w.deadLetter(ctx, delivery, err, "orphaned")
	case ports.OutcomeDeferred:
		logger.Error("job_deferred", "error", err)
		return string(result), false
	default:
		logger.Error("job_unknown_outcome", "outcome", string(result), "error", err)
	}
	return string(result), true
}

// deadLetter parks the delivery in the dead-letter channel. When the push
// fails the delivery is left unacked so the queue hands it out again.
func (w *Worker) deadLetter(ctx context.Context, delivery *domain.Delivery, cause error, reason string) (string, bool) {
	entry := domain.DeadLetter{
		OriginalJob: string(delivery.Body),
		Error:       cause.Error(),
		WorkerID:    w.id,
		Timestamp:   w.now().UTC(),
	}
	if err := w.queue.DeadLetter(ctx, entry); err != nil {
		w.logger.Error("dead_letter_failed", "error", err, "reason", reason)
		return string(ports.OutcomeDeferred), false
	}
	w.metrics.DeadLettered(reason)
	return "dead_lettered", true
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

type noopMetrics struct{}

func (noopMetrics) StartJob()                       {}
func (noopMetrics) FinishJob(string, time.Duration) {}
func (noopMetrics) ObserveQueueLag(time.Duration)   {}
func (noopMetrics) DeadLettered(string)             {}
