package mlserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kirillkom/docflow/internal/core/domain"
	"github.com/kirillkom/docflow/internal/infrastructure/classifier"
	"github.com/kirillkom/docflow/internal/infrastructure/resilience"
)

func TestClassifySendsPredictRequest(t *testing.T) {
	var captured map[string]any
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/predict" || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{"doc_type":"INVOICE","confidence":0.9,"entities":[{"type":"AMOUNT","text":"$500","confidence":0.95,"start_pos":20,"end_pos":24}]}`))
	}))
	defer server.Close()

	cls, err := New(server.URL+"/", "secret").Classify(context.Background(), "Invoice #INV-001, Amount: $500", map[string]any{"source": "mail"})
	if err != nil {
		t.Fatalf("Classify() error = %v", err)
	}
	if auth != "Bearer secret" {
		t.Fatalf("unexpected authorization header %q", auth)
	}
	if captured["text"] != "Invoice #INV-001, Amount: $500" {
		t.Fatalf("unexpected text in request: %v", captured["text"])
	}
	options, _ := captured["options"].(map[string]any)
	if options["include_entities"] != true || options["include_confidence"] != true {
		t.Fatalf("unexpected options: %v", captured["options"])
	}
	if cls.DocType != "INVOICE" || len(cls.Entities) != 1 || *cls.Entities[0].StartPos != 20 {
		t.Fatalf("unexpected classification: %+v", cls)
	}
}

func TestClassifyReturnsStatusErrorWithBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := New(server.URL, "").Classify(context.Background(), "text", nil)
	var statusErr *classifier.HTTPStatusError
	if err == nil || !strings.Contains(err.Error(), "model not loaded") {
		t.Fatalf("expected response body in error, got %v", err)
	}
	if !errors.As(err, &statusErr) || statusErr.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected HTTPStatusError, got %T", err)
	}
}

func TestClassifierTimingOutThreeTimesIsUnavailable(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	floor := 20 * time.Millisecond
	exec := resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: floor,
		RetryMaxBackoff:     50 * time.Millisecond,
		RetryMultiplier:     2,
		AttemptTimeout:      30 * time.Millisecond,
	})
	client := classifier.NewResilient("mlserver", New(server.URL, "k"), exec)

	start := time.Now()
	_, err := client.Classify(context.Background(), "text", nil)
	elapsed := time.Since(start)

	if !domain.IsKind(err, domain.ErrClassificationUnavailable) {
		t.Fatalf("expected ErrClassificationUnavailable, got %v", err)
	}
	if !strings.Contains(err.Error(), "unavailable") {
		t.Fatalf("expected error to mention unavailability, got %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", got)
	}
	if minimum := floor + 2*floor; elapsed < minimum {
		t.Fatalf("elapsed %s shorter than backoff floors %s", elapsed, minimum)
	}
}
