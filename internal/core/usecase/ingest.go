package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const queuedMessage = "Document queued for processing"

type IngestUseCase struct {
	repo  ports.DocumentRepository
	queue ports.JobQueue
	now   func() time.Time
	newID func() string
}

func NewIngestUseCase(repo ports.DocumentRepository, queue ports.JobQueue) *IngestUseCase {
	return &IngestUseCase{
		repo:  repo,
		queue: queue,
		now:   func() time.Time { return time.Now().UTC() },
		newID: uuid.NewString,
	}
}

// Submit records a pending document and enqueues its job. It returns as
// soon as the job is durably queued; nothing is fetched or classified here.
func (uc *IngestUseCase) Submit(ctx context.Context, req ports.SubmitRequest) (*ports.SubmitResult, error) {
	source, err := validateSubmission(req)
	if err != nil {
		return nil, err
	}

	now := uc.now()
	doc := &domain.Document{
		ID:        uc.newID(),
		Source:    source,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := uc.repo.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}

	job := domain.Job{JobID: doc.ID, Source: source, EnqueuedAt: now}
	if err := uc.queue.Push(ctx, job); err != nil {
		pushErr := fmt.Errorf("enqueue job: %w", err)
		if failErr := uc.repo.Update(context.WithoutCancel(ctx), doc.ID, domain.FailedUpdate(pushErr.Error())); failErr != nil {
			return nil, fmt.Errorf("%w; mark failed status: %v", pushErr, failErr)
		}
		return nil, pushErr
	}

	return &ports.SubmitResult{
		JobID:   doc.ID,
		Status:  "queued",
		Message: queuedMessage,
	}, nil
}

func validateSubmission(req ports.SubmitRequest) (domain.Source, error) {
	source, err := domain.NewSource(req.SourceRef, req.InlinePayload)
	if err != nil {
		return nil, err
	}
	if remote, ok := source.(domain.RemoteSource); ok && !domain.HasReferenceScheme(remote.Ref) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "validate source_ref",
			errors.New("source_ref must look like scheme://bucket/path"))
	}
	return source, nil
}
