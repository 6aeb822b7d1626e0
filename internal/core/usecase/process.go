package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const failureWriteTimeout = 10 * time.Second

type ProcessJobUseCase struct {
	repo       ports.DocumentRepository
	fetcher    ports.ContentFetcher
	classifier ports.DocumentClassifier
	now        func() time.Time
	newID      func() string
}

func NewProcessJobUseCase(
	repo ports.DocumentRepository,
	fetcher ports.ContentFetcher,
	classifier ports.DocumentClassifier,
) *ProcessJobUseCase {
	return &ProcessJobUseCase{
		repo:       repo,
		fetcher:    fetcher,
		classifier: classifier,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Process moves one job's document from pending to a terminal state.
// Fetch, classification and persistence failures end in StatusFailed and
// are returned together with OutcomeFailed. OutcomeDeferred means the store
// could not be reached, or the classifier refused the call without trying it,
// and the job should be redelivered.
func (uc *ProcessJobUseCase) Process(ctx context.Context, job domain.Job) (ports.ProcessOutcome, error) {
	doc, err := uc.repo.GetByID(ctx, job.JobID)
	if err != nil {
		if domain.IsKind(err, domain.ErrDocumentNotFound) {
			return ports.OutcomeOrphaned, fmt.Errorf("load document: %w", err)
		}
		return ports.OutcomeDeferred, domain.WrapError(domain.ErrPersistence, "load document", err)
	}
	if doc.Status.Terminal() {
		return ports.OutcomeSkipped, nil
	}

	start := uc.now()
	if err := uc.repo.Update(ctx, doc.ID, domain.ProcessingUpdate()); err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			return ports.OutcomeSkipped, nil
		}
		return ports.OutcomeDeferred, domain.WrapError(domain.ErrPersistence, "set status=processing", err)
	}

	cls, err := uc.fetchAndClassify(ctx, job.Source)
	if err != nil {
		if classifierShedding(err) {
			return ports.OutcomeDeferred, err
		}
		return uc.fail(ctx, doc.ID, err)
	}

	entities := cls.ToEntities(doc.ID, uc.newID)
	update := domain.CompletedUpdate(cls, uc.now().Sub(start))
	if err := uc.repo.Complete(ctx, doc.ID, update, entities); err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			return ports.OutcomeSkipped, nil
		}
		return uc.fail(ctx, doc.ID, domain.WrapError(domain.ErrPersistence, "persist results", err))
	}
	return ports.OutcomeCompleted, nil
}

func (uc *ProcessJobUseCase) fetchAndClassify(ctx context.Context, source domain.Source) (domain.Classification, error) {
	content, err := uc.fetcher.Fetch(ctx, source)
	if err != nil {
		return domain.Classification{}, fmt.Errorf("fetch content: %w", err)
	}

	cls, err := uc.classifier.Classify(ctx, content.Text(), content.Metadata())
	if err != nil {
		return domain.Classification{}, fmt.Errorf("classify content: %w", err)
	}
	return cls.Normalize(), nil
}

func (uc *ProcessJobUseCase) fail(ctx context.Context, documentID string, cause error) (ports.ProcessOutcome, error) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	if err := uc.repo.Update(writeCtx, documentID, domain.FailedUpdate(cause.Error())); err != nil {
		if domain.IsKind(err, domain.ErrInvalidTransition) {
			// Another delivery of the same job already finished it.
			return ports.OutcomeSkipped, nil
		}
		return ports.OutcomeDeferred, fmt.Errorf("%w; mark failed status: %v", cause, err)
	}
	return ports.OutcomeFailed, cause
}

// classifierShedding reports a classification that was rejected before any
// attempt was made, such as by an open circuit breaker.
func classifierShedding(err error) bool {
	return domain.IsKind(err, domain.ErrClassificationUnavailable) && domain.IsKind(err, domain.ErrTemporary)
}
