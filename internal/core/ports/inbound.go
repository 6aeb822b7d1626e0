package ports

import (
	"context"

	"github.com/kirillkom/docflow/internal/core/domain"
)

type SubmitRequest struct {
	SourceRef     string         `json:"source_ref,omitempty"`
	InlinePayload map[string]any `json:"inline_payload,omitempty"`
}

type SubmitResult struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DocumentIngestor is the inbound contract of the ingestion front door.
type DocumentIngestor interface {
	Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error)
}

// JobReader is the inbound read model for job status and listings.
type JobReader interface {
	GetJob(ctx context.Context, jobID string) (*domain.Document, error)
	ListJobs(ctx context.Context, skip, limit int) (*domain.DocumentPage, error)
}

// JobProcessor runs one decoded job through fetch, classify and persist.
type JobProcessor interface {
	Process(ctx context.Context, job domain.Job) (ProcessOutcome, error)
}

type ProcessOutcome string

const (
	OutcomeCompleted ProcessOutcome = "completed"
	OutcomeFailed    ProcessOutcome = "failed"
	OutcomeSkipped   ProcessOutcome = "skipped"
	OutcomeOrphaned  ProcessOutcome = "orphaned"
	// OutcomeDeferred leaves the job unacknowledged so it is redelivered.
	OutcomeDeferred ProcessOutcome = "deferred"
)
