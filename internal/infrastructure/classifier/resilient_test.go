package classifier

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

type backendFunc func(ctx context.Context, text string, metadata map[string]any) (domain.Classification, error)

func (f backendFunc) Classify(ctx context.Context, text string, metadata map[string]any) (domain.Classification, error) {
	return f(ctx, text, metadata)
}

func recordingExecutor(waits *[]time.Duration) *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 4 * time.Second,
		RetryMaxBackoff:     10 * time.Second,
		RetryMultiplier:     2,
		AttemptTimeout:      time.Second,
	}, resilience.WithSleep(func(_ context.Context, d time.Duration) error {
		*waits = append(*waits, d)
		return nil
	}))
}

func TestResilientRetriesConnectionErrorsThreeTimes(t *testing.T) {
	var waits []time.Duration
	attempts := 0
	backend := backendFunc(func(context.Context, string, map[string]any) (domain.Classification, error) {
		attempts++
		return domain.Classification{}, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	})

	_, err := NewResilient("mlserver", backend, recordingExecutor(&waits)).Classify(context.Background(), "text", nil)
	if !domain.IsKind(err, domain.ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", attempts)
	}
	if len(waits) != 2 || waits[0] != 4*time.Second || waits[1] != 8*time.Second {
		t.Fatalf("unexpected backoff sequence %v", waits)
	}
}

func TestResilientDoesNotRetryStatusErrors(t *testing.T) {
	var waits []time.Duration
	attempts := 0
	backend := backendFunc(func(context.Context, string, map[string]any) (domain.Classification, error) {
		attempts++
		return domain.Classification{}, &HTTPStatusError{Backend: "mlserver", StatusCode: 503, Status: "503 Service Unavailable"}
	})

	_, err := NewResilient("mlserver", backend, recordingExecutor(&waits)).Classify(context.Background(), "text", nil)
	if !domain.IsKind(err, domain.ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
	if attempts != 1 || len(waits) != 0 {
		t.Fatalf("expected a single attempt without backoff, got %d attempts, waits %v", attempts, waits)
	}
}

func TestResilientNormalizesResult(t *testing.T) {
	var waits []time.Duration
	backend := backendFunc(func(context.Context, string, map[string]any) (domain.Classification, error) {
		return domain.Classification{Confidence: 1.7, Entities: []domain.ExtractedEntity{{Type: "AMOUNT", Text: "$5", Confidence: -1}}}, nil
	})

	cls, err := NewResilient("mlserver", backend, recordingExecutor(&waits)).Classify(context.Background(), "text", nil)
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if cls.Confidence != 0 || cls.DocType != domain.UnknownLabel || cls.EventType != domain.UnknownLabel {
		t.Fatalf("expected normalized classification, got %+v", cls)
	}
	if cls.Entities[0].Confidence != 0 {
		t.Fatalf("expected clamped entity confidence, got %v", cls.Entities[0].Confidence)
	}
}

func TestRetryPolicyStopsWhenParentIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	class := RetryPolicy(ctx)(context.DeadlineExceeded)
	if class.Retryable {
		t.Fatalf("expected no retry once the parent context is done")
	}
	if !RetryPolicy(context.Background())(context.DeadlineExceeded).Retryable {
		t.Fatalf("expected per-attempt deadline to be retryable")
	}
}

func TestResilientReportsOpenBreakerAsTemporary(t *testing.T) {
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:        3,
		RetryInitialBackoff:     time.Millisecond,
		RetryMaxBackoff:         time.Millisecond,
		RetryMultiplier:         2,
		AttemptTimeout:          time.Second,
		BreakerEnabled:          true,
		BreakerMinRequests:      2,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      time.Minute,
		BreakerHalfOpenMaxCalls: 1,
	}, resilience.WithSleep(func(context.Context, time.Duration) error { return nil }))

	attempts := 0
	backend := backendFunc(func(context.Context, string, map[string]any) (domain.Classification, error) {
		attempts++
		return domain.Classification{}, &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
	})
	r := NewResilient("mlserver", backend, exec)

	for i := 0; i < 2; i++ {
		_, err := r.Classify(context.Background(), "text", nil)
		if !domain.IsKind(err, domain.ErrClassificationUnavailable) || domain.IsKind(err, domain.ErrTemporary) {
			t.Fatalf("call %d: expected exhausted classification error, got %v", i, err)
		}
	}
	if attempts != 6 {
		t.Fatalf("expected 3 attempts per call before the breaker opens, got %d", attempts)
	}

	_, err := r.Classify(context.Background(), "text", nil)
	if !domain.IsKind(err, domain.ErrTemporary) || !domain.IsKind(err, domain.ErrClassificationUnavailable) {
		t.Fatalf("expected temporary classification error from open breaker, got %v", err)
	}
	if attempts != 6 {
		t.Fatalf("open breaker must not reach the backend, got %d attempts", attempts)
	}
}
