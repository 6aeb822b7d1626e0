package httpadapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/docflow/internal/config"
	"github.com/kirillkom/docflow/internal/core/ports"
	"github.com/kirillkom/docflow/internal/observability/metrics"
)

const backpressureWait = 250 * time.Millisecond

type Router struct {
	cfg       config.HTTPConfig
	ingest    ports.DocumentIngestor
	jobs      ports.JobReader
	logger    *slog.Logger
	metrics   *metrics.HTTPServerMetrics
	ready     func(context.Context) error
	validator *requestValidator
}

type RouterOptions struct {
	Logger  *slog.Logger
	Metrics *metrics.HTTPServerMetrics
	// Ready backs /readyz; nil reports ready.
	Ready func(context.Context) error
}

func NewRouter(cfg config.HTTPConfig, ingest ports.DocumentIngestor, jobs ports.JobReader, opts RouterOptions) (*Router, error) {
	validator, err := newRequestValidator()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		cfg:       cfg,
		ingest:    ingest,
		jobs:      jobs,
		logger:    logger,
		metrics:   opts.Metrics,
		ready:     opts.Ready,
		validator: validator,
	}, nil
}

func (rt *Router) Handler() http.Handler {
	api := http.NewServeMux()
	api.HandleFunc("POST /ingest", rt.submit)
	api.HandleFunc("GET /jobs", rt.listJobs)
	api.HandleFunc("GET /jobs/{id}", rt.getJob)

	var apiHandler http.Handler = rt.validator.middleware(api)
	apiHandler = maxBodyMiddleware(apiHandler, rt.cfg.MaxBodyBytes)
	apiHandler = backpressureMiddleware(apiHandler, rt.cfg.MaxInFlight, backpressureWait, rt.rejected("backpressure"))
	apiHandler = rateLimitMiddleware(apiHandler, rt.cfg.RateLimitRPS, rt.cfg.RateLimitBurst, rt.rejected("rate_limit"))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", rt.healthz)
	mux.HandleFunc("GET /readyz", rt.readyz)
	mux.HandleFunc("GET /openapi.yaml", rt.openAPI)
	if rt.metrics != nil {
		mux.Handle("GET /metrics", rt.metrics.Handler())
	}
	mux.Handle("/", apiHandler)

	var handler http.Handler = mux
	if rt.metrics != nil {
		handler = rt.metrics.Middleware(handler)
	}
	handler = accessLogMiddleware(rt.logger, handler)
	return requestIDMiddleware(handler)
}

func (rt *Router) rejected(reason string) func() {
	if rt.metrics == nil {
		return nil
	}
	return func() { rt.metrics.RecordRejected(reason) }
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) readyz(w http.ResponseWriter, r *http.Request) {
	if rt.ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := rt.ready(ctx); err != nil {
			rt.logger.Warn("readiness_check_failed", "request_id", requestIDFromContext(r.Context()), "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (rt *Router) openAPI(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(openAPISpec)
}

func (rt *Router) submit(w http.ResponseWriter, r *http.Request) {
	var req ports.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}

	result, err := rt.ingest.Submit(r.Context(), req)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}

	if rt.metrics != nil {
		source := "inline"
		if strings.TrimSpace(req.SourceRef) != "" {
			source = "remote"
		}
		rt.metrics.RecordSubmission(source)
	}
	writeJSON(w, http.StatusAccepted, result)
}

func (rt *Router) getJob(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "job id is required")
		return
	}

	doc, err := rt.jobs.GetJob(r.Context(), id)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (rt *Router) listJobs(w http.ResponseWriter, r *http.Request) {
	skip, err := intQuery(r, "skip")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "skip must be an integer")
		return
	}
	limit, err := intQuery(r, "limit")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit must be an integer")
		return
	}

	page, err := rt.jobs.ListJobs(r.Context(), skip, limit)
	if err != nil {
		rt.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (rt *Router) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := mapErrorToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		rt.logger.Error("request_failed",
			"request_id", requestIDFromContext(r.Context()),
			"path", r.URL.Path,
			"error", err,
		)
	}
	writeError(w, r, status, publicMessage(status, err))
}

func intQuery(r *http.Request, name string) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestIDFromContext(r.Context()),
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
