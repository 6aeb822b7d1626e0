package usecase

import (
	"context"
	"fmt"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
)

const (
	defaultListLimit = 50
	maxListLimit     = 100
)

type JobQueryUseCase struct {
	repo ports.DocumentRepository
}

func NewJobQueryUseCase(repo ports.DocumentRepository) *JobQueryUseCase {
	return &JobQueryUseCase{repo: repo}
}

func (uc *JobQueryUseCase) GetJob(ctx context.Context, jobID string) (*domain.Document, error) {
	doc, err := uc.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if doc.Entities == nil {
		doc.Entities = []domain.Entity{}
	}
	return doc, nil
}

func (uc *JobQueryUseCase) ListJobs(ctx context.Context, skip, limit int) (*domain.DocumentPage, error) {
	if skip < 0 {
		skip = 0
	}
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}

	docs, err := uc.repo.List(ctx, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	total, err := uc.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	if docs == nil {
		docs = []domain.Document{}
	}
	return &domain.DocumentPage{Documents: docs, Total: total, Skip: skip, Limit: limit}, nil
}
