package domain

import (
	"fmt"
	"time"
)

type DocumentStatus string

const (
	StatusPending    DocumentStatus = "pending"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// Terminal reports whether no further transition may leave the status.
func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransition enforces forward-only movement through the status machine.
// processing -> processing is allowed so a redelivered job can resume.
func (s DocumentStatus) CanTransition(to DocumentStatus) bool {
	switch s {
	case StatusPending:
		return to == StatusProcessing || to == StatusFailed
	case StatusProcessing:
		return to == StatusProcessing || to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// ValidateTransition returns ErrInvalidTransition when to is not reachable from s.
func ValidateTransition(from, to DocumentStatus) error {
	if from.CanTransition(to) {
		return nil
	}
	return WrapError(ErrInvalidTransition, "document status", fmt.Errorf("%s -> %s", from, to))
}

type Document struct {
	ID             string         `json:"id"`
	Source         Source         `json:"-"`
	Status         DocumentStatus `json:"status"`
	DocType        *string        `json:"doc_type"`
	EventType      *string        `json:"event_type"`
	Confidence     *float64       `json:"confidence"`
	ErrorMessage   *string        `json:"error_message"`
	ProcessingTime *float64       `json:"processing_time"`
	ModelVersion   *string        `json:"model_version,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Entities       []Entity       `json:"entities"`
}

type Entity struct {
	ID         string  `json:"id"`
	DocumentID string  `json:"document_id"`
	EntityType string  `json:"entity_type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	StartPos   *int    `json:"start_pos"`
	EndPos     *int    `json:"end_pos"`
}

// DocumentUpdate is a partial update; nil fields are left untouched.
// ExpectStatus, when set, guards the write against concurrent transitions.
type DocumentUpdate struct {
	Status         *DocumentStatus
	DocType        *string
	EventType      *string
	Confidence     *float64
	ErrorMessage   *string
	ProcessingTime *float64
	ModelVersion   *string

	ExpectStatus []DocumentStatus
}

// ApplyTo copies the set fields onto doc.
func (u DocumentUpdate) ApplyTo(doc *Document, now time.Time) {
	if u.Status != nil {
		doc.Status = *u.Status
	}
	if u.DocType != nil {
		doc.DocType = ptr(*u.DocType)
	}
	if u.EventType != nil {
		doc.EventType = ptr(*u.EventType)
	}
	if u.Confidence != nil {
		doc.Confidence = ptr(*u.Confidence)
	}
	if u.ErrorMessage != nil {
		doc.ErrorMessage = ptr(*u.ErrorMessage)
	}
	if u.ProcessingTime != nil {
		doc.ProcessingTime = ptr(*u.ProcessingTime)
	}
	if u.ModelVersion != nil {
		doc.ModelVersion = ptr(*u.ModelVersion)
	}
	doc.UpdatedAt = now
}

// Expects reports whether status satisfies the update's guard.
func (u DocumentUpdate) Expects(status DocumentStatus) bool {
	if len(u.ExpectStatus) == 0 {
		return true
	}
	for _, s := range u.ExpectStatus {
		if s == status {
			return true
		}
	}
	return false
}

func ProcessingUpdate() DocumentUpdate {
	status := StatusProcessing
	return DocumentUpdate{
		Status:       &status,
		ExpectStatus: []DocumentStatus{StatusPending, StatusProcessing},
	}
}

func FailedUpdate(message string) DocumentUpdate {
	status := StatusFailed
	if message == "" {
		message = "processing failed"
	}
	return DocumentUpdate{
		Status:       &status,
		ErrorMessage: &message,
		ExpectStatus: []DocumentStatus{StatusPending, StatusProcessing},
	}
}

func CompletedUpdate(cls Classification, elapsed time.Duration) DocumentUpdate {
	status := StatusCompleted
	seconds := elapsed.Seconds()
	update := DocumentUpdate{
		Status:         &status,
		DocType:        ptr(cls.DocType),
		EventType:      ptr(cls.EventType),
		Confidence:     ptr(cls.Confidence),
		ProcessingTime: &seconds,
		ExpectStatus:   []DocumentStatus{StatusProcessing},
	}
	if cls.ModelVersion != "" {
		update.ModelVersion = ptr(cls.ModelVersion)
	}
	return update
}

type DocumentPage struct {
	Documents []Document `json:"documents"`
	Total     int        `json:"total"`
	Skip      int        `json:"skip"`
	Limit     int        `json:"limit"`
}

func ptr[T any](v T) *T {
	return &v
}
