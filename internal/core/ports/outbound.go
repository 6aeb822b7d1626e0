package ports

import (
	"context"
	"io"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
)

// DocumentRepository persists and reads document state.
type DocumentRepository interface {
	Create(ctx context.Context, doc *domain.Document) error
	GetByID(ctx context.Context, id string) (*domain.Document, error)
	Update(ctx context.Context, id string, update domain.DocumentUpdate) error
	List(ctx context.Context, offset, limit int) ([]domain.Document, error)
	Count(ctx context.Context) (int, error)
	AddEntities(ctx context.Context, documentID string, entities []domain.Entity) error
	// Complete writes entities and the terminal update atomically.
	Complete(ctx context.Context, id string, update domain.DocumentUpdate, entities []domain.Entity) error
	FailStaleProcessing(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error)
}

// BlobStore reads objects addressed by bucket and path.
type BlobStore interface {
	Open(ctx context.Context, bucket, path string) (io.ReadCloser, error)
}

// ContentFetcher resolves a job source into content.
type ContentFetcher interface {
	Fetch(ctx context.Context, source domain.Source) (domain.Content, error)
}

// DocumentClassifier labels text and extracts entities.
type DocumentClassifier interface {
	Classify(ctx context.Context, text string, metadata map[string]any) (domain.Classification, error)
}

// JobQueue is an ordered at-least-once work queue with a dead-letter channel.
type JobQueue interface {
	Push(ctx context.Context, job domain.Job) error
	// Pop blocks up to timeout; a nil delivery means no job was available.
	Pop(ctx context.Context, timeout time.Duration) (*domain.Delivery, error)
	DeadLetter(ctx context.Context, entry domain.DeadLetter) error
	Len(ctx context.Context) (int64, error)
	// ReapStale makes deliveries claimed longer than olderThan visible again.
	ReapStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// DeadLetterStore is the operator view of the dead-letter channel.
type DeadLetterStore interface {
	DeadLetters(ctx context.Context, limit int) ([]domain.DeadLetter, error)
	DeadLetterLen(ctx context.Context) (int64, error)
	// RequeueDeadLetters moves up to limit dead letters back onto the queue.
	RequeueDeadLetters(ctx context.Context, limit int) (int, error)
}
