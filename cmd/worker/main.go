package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kirillkom/docflow/internal/bootstrap"
	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/observability/logging"
	"github.com/kirillkom/docflow/internal/observability/metrics"
	"github.com/kirillkom/docflow/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config_load_failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewJSONLogger("docflow-worker", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker_exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	workerMetrics := metrics.NewWorkerMetrics("docflow-worker")

	app, err := bootstrap.New(ctx, cfg, bootstrap.WithClassifierRetryObserver(workerMetrics.ClassifierRetry))
	if err != nil {
		return err
	}
	defer app.Close()

	group, groupCtx := errgroup.WithContext(ctx)

	for range cfg.Worker.Count {
		w, err := worker.New(app.Queue, app.ProcessUC, logger, workerMetrics, worker.Config{
			PollInterval:      cfg.Worker.PollInterval,
			ProcessingTimeout: cfg.Worker.ProcessingTimeout,
		})
		if err != nil {
			return err
		}
		group.Go(func() error { return w.Run(groupCtx) })
	}

	reaper := worker.NewReaper(app.Queue, app.Repo, logger, workerMetrics, worker.ReaperConfig{
		Interval:          cfg.Worker.ReapInterval,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		StaleProcessing:   cfg.Worker.StaleProcessing,
		BatchSize:         cfg.Worker.ReapBatchSize,
	})
	group.Go(func() error { return reaper.Run(groupCtx) })

	metricsServer := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           metricsMux(workerMetrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	group.Go(func() error {
		logger.Info("worker_metrics_listening", "addr", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	logger.Info("workers_started",
		"count", cfg.Worker.Count,
		"queue_backend", cfg.Queue.Backend,
		"classifier_backend", cfg.Classifier.Backend,
	)
	return group.Wait()
}

func metricsMux(m *metrics.WorkerMetrics) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", m.Handler())
	return mux
}
