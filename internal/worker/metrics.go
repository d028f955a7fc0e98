package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry           *prometheus.Registry
	archivesTotal      *prometheus.CounterVec
	archiveDuration    *prometheus.HistogramVec
	activeJobs         prometheus.Gauge
	bytesArchivedTotal prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelprompt_worker_archives_total",
			Help: "Total archive tasks by final status.",
		}, []string{"status"}),
		archiveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pixelprompt_worker_archive_duration_seconds",
			Help:    "Duration of each archive task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pixelprompt_worker_active_jobs",
			Help: "Current number of archive tasks in progress.",
		}),
		bytesArchivedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pixelprompt_worker_bytes_archived_total",
			Help: "Total image bytes written to object storage.",
		}),
	}

	registry.MustRegister(
		m.archivesTotal,
		m.archiveDuration,
		m.activeJobs,
		m.bytesArchivedTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
