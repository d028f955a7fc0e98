package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/pixelprompt/internal/domain"
	"github.com/dunamismax/pixelprompt/internal/prediction"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	requestTotal       *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	rateLimitRejected  *prometheus.CounterVec
	quotaRejected      prometheus.Counter
	generationsTotal   *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	generationPolls    prometheus.Histogram
	archiveEnqueued    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelprompt_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: []float64{.05, .1, .5, 1, 2.5, 5, 10, 20, 30, 45, 60},
		}, []string{"method", "route", "status"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		quotaRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_quota_rejections_total",
			Help: "Total generation requests rejected by the daily quota.",
		}),
		generationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_generations_total",
			Help: "Total generations by outcome.",
		}, []string{"outcome"}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelprompt_generation_duration_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: []float64{1, 2, 5, 10, 15, 20, 30, 45, 60},
		}, []string{"outcome"}),
		generationPolls: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "pixelprompt_generation_polls",
			Help:    "Status checks made per generation.",
			Buckets: prometheus.LinearBuckets(5, 5, 11),
		}),
		archiveEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_archive_enqueued_total",
			Help: "Archive tasks handed to the queue by result.",
		}, []string{"result"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.quotaRejected,
		m.generationsTotal,
		m.generationDuration,
		m.generationPolls,
		m.archiveEnqueued,
	)
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeGeneration(result prediction.Result, err error, elapsed time.Duration) {
	outcome := generationOutcome(err)
	m.generationsTotal.WithLabelValues(outcome).Inc()
	m.generationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if result.Polls > 0 {
		m.generationPolls.Observe(float64(result.Polls))
	}
}

func generationOutcome(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, domain.ErrSubmissionFailed):
		return "submission_failed"
	case errors.Is(err, domain.ErrGenerationFailed):
		return "failed"
	case errors.Is(err, domain.ErrNoResult):
		return "timed_out"
	case errors.Is(err, domain.ErrEmptyResult):
		return "empty"
	default:
		return "error"
	}
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
	})
}

func routeLabel(path string) string {
	switch path {
	case "/generate", "/v1/usage", "/v1/generations", "/healthz", "/metrics":
		return path
	}
	if strings.HasPrefix(path, "/v1/generations/") {
		return "/v1/generations/{id}"
	}
	return "other"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
