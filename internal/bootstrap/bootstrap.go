package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/core/usecase"
	"github.com/kirillkom/docflow/internal/infrastructure/classifier"
	"github.com/kirillkom/docflow/internal/infrastructure/classifier/mlserver"
	"github.com/kirillkom/docflow/internal/infrastructure/classifier/ollama"
	"github.com/kirillkom/docflow/internal/infrastructure/fetcher"
	"github.com/kirillkom/docflow/internal/infrastructure/queue/nats"
	"github.com/kirillkom/docflow/internal/infrastructure/queue/redis"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/postgres"
	"github.com/kirillkom/docflow/internal/infrastructure/repository/sqlite"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/httpblob"
	"github.com/kirillkom/docflow/internal/infrastructure/storage/localfs"
)

// Queue is what a backend must offer to serve both workers and operators.
type Queue interface {
	ports.JobQueue
	ports.DeadLetterStore
}

type App struct {
	Config config.Config

	Queue     Queue
	Repo      ports.DocumentRepository
	IngestUC  ports.DocumentIngestor
	ProcessUC ports.JobProcessor
	QueryUC   ports.JobReader

	db      *sql.DB
	closeFn func()
}

type options struct {
	retryObserver resilience.RetryObserver
}

type Option func(*options)

// WithClassifierRetryObserver is notified before every classifier retry wait.
func WithClassifierRetryObserver(observer resilience.RetryObserver) Option {
	return func(o *options) { o.retryObserver = observer }
}

func New(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	db, repo, err := openRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queue, closeQueue, err := openQueue(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	fetch, err := newFetcher(cfg)
	if err != nil {
		closeQueue()
		_ = db.Close()
		return nil, err
	}

	backend, err := newClassifier(cfg, o.retryObserver)
	if err != nil {
		closeQueue()
		_ = db.Close()
		return nil, err
	}

	return &App{
		Config: cfg,
		Queue:  queue,
		Repo:   repo,

		IngestUC:  usecase.NewIngestUseCase(repo, queue),
		ProcessUC: usecase.NewProcessJobUseCase(repo, fetch, backend),
		QueryUC:   usecase.NewJobQueryUseCase(repo),

		db: db,
		closeFn: func() {
			closeQueue()
			_ = db.Close()
		},
	}, nil
}

// Ready reports whether the document store and the queue are reachable.
func (a *App) Ready(ctx context.Context) error {
	if err := a.db.PingContext(ctx); err != nil {
		return fmt.Errorf("document store: %w", err)
	}
	if _, err := a.Queue.Len(ctx); err != nil {
		return fmt.Errorf("job queue: %w", err)
	}
	return nil
}

func (a *App) Close() {
	if a.closeFn != nil {
		a.closeFn()
	}
}

type schemaRepository interface {
	ports.DocumentRepository
	EnsureSchema(ctx context.Context) error
}

func openRepository(ctx context.Context, cfg config.Config) (*sql.DB, ports.DocumentRepository, error) {
	var (
		db   *sql.DB
		repo schemaRepository
		err  error
	)
	switch cfg.StoreBackend {
	case config.StoreBackendSQLite:
		db, err = sqlite.OpenDB(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		repo = sqlite.NewDocumentRepository(db)
	default:
		db, err = postgres.OpenDB(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		repo = postgres.NewDocumentRepository(db)
	}
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, repo, nil
}

// queueResilience retries broker writes briefly; job delivery itself is
// at-least-once so a failed push surfaces to the caller quickly.
func queueResilience() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     time.Second,
		RetryMultiplier:     2,
		BreakerEnabled:      true,
	})
}

func openQueue(ctx context.Context, cfg config.Config) (Queue, func(), error) {
	executor := queueResilience()

	switch cfg.Queue.Backend {
	case config.QueueBackendNATS:
		q, err := nats.New(ctx, cfg.Queue.NATSURL, nats.Options{
			Stream:             cfg.Queue.NATSStream,
			Subject:            cfg.Queue.NATSSubject,
			VisibilityTimeout:  cfg.Queue.VisibilityTimeout,
			ResilienceExecutor: executor,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("init nats queue: %w", err)
		}
		return q, q.Close, nil
	default:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		q := redis.New(client, redis.Options{Key: cfg.Queue.Name, ResilienceExecutor: executor})
		return q, func() { _ = q.Close() }, nil
	}
}

func newFetcher(cfg config.Config) (*fetcher.Fetcher, error) {
	local, err := localfs.New(cfg.Storage.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("init local storage: %w", err)
	}
	stores := map[string]ports.BlobStore{"file": local}

	httpClient := &http.Client{Timeout: 2 * time.Minute}
	for _, scheme := range cfg.Storage.RemoteSchemes {
		stores[scheme] = httpblob.New(cfg.Storage.ContentServiceURL, scheme, httpClient)
	}
	return fetcher.New(stores), nil
}

func newClassifier(cfg config.Config, observer resilience.RetryObserver) (ports.DocumentClassifier, error) {
	var (
		name    string
		backend ports.DocumentClassifier
	)
	switch cfg.Classifier.Backend {
	case config.ClassifierBackendMLServer:
		name, backend = "mlserver", mlserver.New(cfg.Classifier.MLServerURL, cfg.Classifier.MLServerAPIKey)
	case config.ClassifierBackendOllama:
		name, backend = "ollama", ollama.NewClassifier(ollama.New(cfg.Classifier.OllamaURL, cfg.Classifier.OllamaModel))
	default:
		return nil, errors.New("unsupported classifier backend " + cfg.Classifier.Backend)
	}

	policy := resilience.DefaultConfig()
	policy.RetryMaxAttempts = cfg.Classifier.MaxAttempts
	policy.RetryInitialBackoff = cfg.Classifier.InitialBackoff
	policy.RetryMaxBackoff = cfg.Classifier.MaxBackoff
	policy.AttemptTimeout = cfg.Classifier.AttemptTimeout

	var executorOpts []resilience.Option
	if observer != nil {
		executorOpts = append(executorOpts, resilience.WithRetryObserver(observer))
	}
	return classifier.NewResilient(name, backend, resilience.NewExecutor(policy, executorOpts...)), nil
}
