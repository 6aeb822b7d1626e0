package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

// HTTPStatusError is a well-formed error response from a classification
// backend. It is never retried.
type HTTPStatusError struct {
	Backend    string
	StatusCode int
	Status     string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e == nil {
		return "classifier status error"
	}
	if strings.TrimSpace(e.Body) == "" {
		return fmt.Sprintf("%s status: %s", e.Backend, e.Status)
	}
	return fmt.Sprintf("%s status: %s: %s", e.Backend, e.Status, strings.TrimSpace(e.Body))
}

// Resilient wraps a backend with the bounded retry policy and response
// normalization. Every failure it returns is ErrClassificationUnavailable;
// a call rejected by an open breaker is additionally ErrTemporary.
type Resilient struct {
	name     string
	backend  ports.DocumentClassifier
	executor *resilience.Executor
}

func NewResilient(name string, backend ports.DocumentClassifier, executor *resilience.Executor) *Resilient {
	return &Resilient{name: name, backend: backend, executor: executor}
}

func (r *Resilient) Classify(ctx context.Context, text string, metadata map[string]any) (domain.Classification, error) {
	var out domain.Classification
	err := r.executor.Execute(ctx, "classify."+r.name, func(attemptCtx context.Context) error {
		cls, err := r.backend.Classify(attemptCtx, text, metadata)
		if err != nil {
			return err
		}
		out = cls
		return nil
	}, RetryPolicy(ctx))
	if resilience.IsCircuitOpen(err) {
		// No attempt was made; the caller should retry the whole job later.
		return domain.Classification{}, domain.WrapError(domain.ErrTemporary, r.name,
			domain.WrapError(domain.ErrClassificationUnavailable, "circuit open", err))
	}
	if err != nil {
		return domain.Classification{}, domain.WrapError(domain.ErrClassificationUnavailable, r.name, err)
	}
	return out.Normalize(), nil
}

// RetryPolicy retries per-attempt timeouts and connection failures only.
// A deadline is treated as a per-attempt timeout while parent is still alive.
func RetryPolicy(parent context.Context) resilience.ErrorClassifier {
	return func(err error) resilience.ErrorClassification {
		if err == nil {
			return resilience.ErrorClassification{}
		}
		if parent.Err() != nil {
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}

		var statusErr *HTTPStatusError
		if errors.As(err, &statusErr) {
			return resilience.ErrorClassification{
				Retryable:     false,
				RecordFailure: statusErr.StatusCode >= 500,
			}
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		if errors.Is(err, context.Canceled) {
			return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
		}

		var netErr net.Error
		if errors.As(err, &netErr) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
		}

		return resilience.ErrorClassification{Retryable: false, RecordFailure: true}
	}
}
