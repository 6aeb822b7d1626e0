package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kirillkom/docflow/internal/bootstrap"
	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/observability/logging"
)

// backend is the operator view over the running pipeline.
type backend interface {
	Len(ctx context.Context) (int64, error)
	DeadLetterLen(ctx context.Context) (int64, error)
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
	CountDocuments(ctx context.Context) (int, error)
}

type appBackend struct {
	app *bootstrap.App
}

func (b appBackend) Len(ctx context.Context) (int64, error) { return b.app.Queue.Len(ctx) }
func (b appBackend) DeadLetterLen(ctx context.Context) (int64, error) {
	return b.app.Queue.DeadLetterLen(ctx)
}
func (b appBackend) DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error) {
	return b.app.Queue.DeadLetters(ctx, limit)
}
func (b appBackend) RequeueDeadLetters(ctx context.Context, limit int) (int, error) {
	return b.app.Queue.RequeueDeadLetters(ctx, limit)
}
func (b appBackend) CountDocuments(ctx context.Context) (int, error) { return b.app.Repo.Count(ctx) }

var openBackend = func(ctx context.Context) (backend, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return appBackend{app: app}, app.Close, nil
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "docflowctl",
		Usage: "Inspect and operate the document ingestion queue",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "warn",
			},
		},
		Before: func(c *cli.Context) error {
			slog.SetDefault(logging.NewJSONLogger("docflowctl", c.String("log-level")))
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "stats",
				Usage:  "Show queue depth, dead-letter count and stored documents",
				Action: statsCommand,
			},
			{
				Name:   "dead-letters",
				Usage:  "List dead-lettered jobs, oldest first",
				Action: deadLettersCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Maximum number of entries to show",
						Value: 20,
					},
				},
			},
			{
				Name:   "requeue-dead",
				Usage:  "Move dead-lettered jobs back onto the work queue",
				Action: requeueDeadCommand,
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:     "limit",
						Usage:    "Maximum number of entries to requeue",
						Required: true,
					},
				},
			},
		},
	}
}

func withBackend(c *cli.Context, fn func(ctx context.Context, b backend) error) error {
	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	b, closeFn, err := openBackend(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer closeFn()
	return fn(ctx, b)
}

func statsCommand(c *cli.Context) error {
	return withBackend(c, func(ctx context.Context, b backend) error {
		pending, err := b.Len(ctx)
		if err != nil {
			return fmt.Errorf("queue length: %w", err)
		}
		dead, err := b.DeadLetterLen(ctx)
		if err != nil {
			return fmt.Errorf("dead-letter length: %w", err)
		}
		documents, err := b.CountDocuments(ctx)
		if err != nil {
			return fmt.Errorf("count documents: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "pending_jobs\t%d\ndead_letters\t%d\ndocuments\t%d\n", pending, dead, documents)
		return nil
	})
}

func deadLettersCommand(c *cli.Context) error {
	limit := c.Int("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	return withBackend(c, func(ctx context.Context, b backend) error {
		entries, err := b.DeadLetters(ctx, limit)
		if err != nil {
			return fmt.Errorf("list dead letters: %w", err)
		}
		enc := json.NewEncoder(c.App.Writer)
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return err
			}
		}
		return nil
	})
}

func requeueDeadCommand(c *cli.Context) error {
	limit := c.Int("limit")
	if limit <= 0 {
		return fmt.Errorf("limit must be positive")
	}
	return withBackend(c, func(ctx context.Context, b backend) error {
		n, err := b.RequeueDeadLetters(ctx, limit)
		if err != nil {
			return fmt.Errorf("requeue dead letters: %w", err)
		}
		fmt.Fprintf(c.App.Writer, "requeued %d job(s)\n", n)
		return nil
	})
}
