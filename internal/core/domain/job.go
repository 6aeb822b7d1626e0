package domain

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Job is the queue message for one document awaiting processing.
type Job struct {
	JobID      string
	Source     Source
	EnqueuedAt time.Time
}

type jobWire struct {
	JobID         string         `json:"job_id"`
	SourceRef     string         `json:"source_ref,omitempty"`
	InlinePayload map[string]any `json:"inline_payload,omitempty"`
	EnqueuedAt    time.Time      `json:"enqueued_at"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	ref, payload := SourceFields(j.Source)
	return json.Marshal(jobWire{
		JobID:         j.JobID,
		SourceRef:     ref,
		InlinePayload: payload,
		EnqueuedAt:    j.EnqueuedAt.UTC(),
	})
}

func (j *Job) UnmarshalJSON(data []byte) error {
	var wire jobWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return WrapError(ErrMalformedJob, "decode job", err)
	}
	if strings.TrimSpace(wire.JobID) == "" {
		return WrapError(ErrMalformedJob, "decode job", errors.New("missing job_id"))
	}
	source, err := NewSource(wire.SourceRef, wire.InlinePayload)
	if err != nil {
		return WrapError(ErrMalformedJob, "decode job", err)
	}
	j.JobID = wire.JobID
	j.Source = source
	j.EnqueuedAt = wire.EnqueuedAt
	return nil
}

// DeadLetter wraps a job payload that could not be attributed to processing.
type DeadLetter struct {
	OriginalJob string    `json:"original_job"`
	Error       string    `json:"error"`
	WorkerID    string    `json:"worker_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Delivery is one popped queue message. Ack must be called once the
// message reached a terminal outcome; unacked deliveries become visible
// again after the queue's visibility timeout.
type Delivery struct {
	Body       []byte
	ReceivedAt time.Time
	Attempt    int

	Ack func(ctx context.Context) error
}
