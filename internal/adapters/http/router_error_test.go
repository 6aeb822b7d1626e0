package httpadapter

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/getkin/kin-openapi/openapi3filter"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/domain"
)

func TestSubmitMapsDomainErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		leaks      string
	}{
		{
			name:       "invalid input",
			err:        domain.WrapError(domain.ErrInvalidInput, "validate source_ref", errors.New("source_ref must look like scheme://bucket/path")),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "queue unavailable",
			err:        domain.WrapError(domain.ErrTemporary, "redis push", errors.New("dial tcp 10.0.0.7:6379: connection refused")),
			wantStatus: http.StatusServiceUnavailable,
			leaks:      "10.0.0.7",
		},
		{
			name:       "unexpected",
			err:        errors.New("pq: relation documents does not exist"),
			wantStatus: http.StatusInternalServerError,
			leaks:      "relation",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := newTestRouter(t, config.HTTPConfig{}, &ingestFake{err: tt.err}, &jobsFake{}, RouterOptions{})

			res := postJSON(t, handler, "/ingest", `{"source_ref":"gs://bucket/a.pdf"}`)
			if res.Code != tt.wantStatus {
				t.Fatalf("expected %d, got %d", tt.wantStatus, res.Code)
			}
			var body map[string]string
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
				t.Fatalf("decode error response: %v", err)
			}
			if body["error"] == "" || body["request_id"] == "" {
				t.Fatalf("expected error and request_id, got %+v", body)
			}
			if tt.leaks != "" && strings.Contains(body["error"], tt.leaks) {
				t.Fatalf("error response leaked internals: %q", body["error"])
			}
		})
	}
}

func TestGetJobReturns404ForNotFound(t *testing.T) {
	handler := newTestRouter(t, config.HTTPConfig{}, &ingestFake{}, &jobsFake{}, RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/jobs/missing", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.Code)
	}
}

func TestIngestRejectsWrongMethod(t *testing.T) {
	handler := newTestRouter(t, config.HTTPConfig{}, &ingestFake{}, &jobsFake{}, RouterOptions{})

	req := httptest.NewRequest(http.MethodGet, "/ingest", nil)
	res := httptest.NewRecorder()
	handler.ServeHTTP(res, req)

	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", res.Code)
	}
}

func TestBodyTooLargeDetectsTruncatedRead(t *testing.T) {
	limitErr := &http.MaxBytesError{Limit: 16}
	if !bodyTooLarge(&openapi3filter.RequestError{Reason: "reading failed", Err: limitErr}) {
		t.Fatal("expected request error wrapping MaxBytesError to be too large")
	}
	if bodyTooLarge(&openapi3filter.RequestError{Reason: "doesn't match schema", Err: errors.New("bad")}) {
		t.Fatal("schema failure must not be reported as too large")
	}
}
