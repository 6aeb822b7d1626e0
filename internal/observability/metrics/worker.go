package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docflow"

type WorkerMetrics struct {
	registry *prometheus.Registry
	service  string

	jobTotal      *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	jobInFlight   prometheus.Gauge
	queueLag      *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
	deadLetters   *prometheus.CounterVec
	reapedTotal   *prometheus.CounterVec
	classifyRetry *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()
	serviceLabel := prometheus.Labels{"service": service}

	jobTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "jobs_total",
			Help:      "Total handled jobs by outcome.",
		},
		[]string{"service", "outcome"},
	)
	jobDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "job_duration_seconds",
			Help:      "Job handling duration in seconds by outcome.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"service", "outcome"},
	)
	jobInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "worker",
			Name:        "jobs_in_flight",
			Help:        "Number of jobs currently being handled.",
			ConstLabels: serviceLabel,
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between job enqueue and processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Subsystem:   "queue",
			Name:        "depth",
			Help:        "Jobs waiting to be popped.",
			ConstLabels: serviceLabel,
		},
	)
	deadLetters := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dead_letters_total",
			Help:      "Jobs moved to the dead-letter channel by reason.",
		},
		[]string{"service", "reason"},
	)
	reapedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "reaped_total",
			Help:      "Stale jobs requeued and stale documents failed by the reaper.",
		},
		[]string{"service", "kind"},
	)
	classifyRetry := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "classifier",
			Name:      "retries_total",
			Help:      "Classifier retry attempts by operation.",
		},
		[]string{"service", "operation"},
	)

	registry.MustRegister(jobTotal, jobDuration, jobInFlight, queueLag, queueDepth, deadLetters, reapedTotal, classifyRetry)

	return &WorkerMetrics{
		registry:      registry,
		service:       service,
		jobTotal:      jobTotal,
		jobDuration:   jobDuration,
		jobInFlight:   jobInFlight,
		queueLag:      queueLag,
		queueDepth:    queueDepth,
		deadLetters:   deadLetters,
		reapedTotal:   reapedTotal,
		classifyRetry: classifyRetry,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartJob() {
	m.jobInFlight.Inc()
}

func (m *WorkerMetrics) FinishJob(outcome string, duration time.Duration) {
	m.jobInFlight.Dec()
	if outcome == "" {
		outcome = "unknown"
	}
	m.jobTotal.WithLabelValues(m.service, outcome).Inc()
	m.jobDuration.WithLabelValues(m.service, outcome).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(m.service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) DeadLettered(reason string) {
	m.deadLetters.WithLabelValues(m.service, reason).Inc()
}

func (m *WorkerMetrics) SetQueueDepth(depth int64) {
	m.queueDepth.Set(float64(depth))
}

func (m *WorkerMetrics) Reaped(kind string, n int) {
	if n <= 0 {
		return
	}
	m.reapedTotal.WithLabelValues(m.service, kind).Add(float64(n))
}

// ClassifierRetry matches the resilience retry observer signature.
func (m *WorkerMetrics) ClassifierRetry(operation string, _ int, _ time.Duration, _ error) {
	m.classifyRetry.WithLabelValues(m.service, operation).Inc()
}
