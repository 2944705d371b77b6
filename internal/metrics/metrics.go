// Package metrics holds the Prometheus collectors of the field readings service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "field_readings"

// Batch outcomes
const (
	ResultSaved    = "saved"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Metrics groups the service collectors around a private registry.
type Metrics struct {
	registry *prometheus.Registry

	ReadingBatches  *prometheus.CounterVec
	ReadingsSaved   prometheus.Counter
	ReadingWarnings prometheus.Counter
	SortUpdates     *prometheus.CounterVec
	CacheLookups    *prometheus.CounterVec
	HTTPDuration    *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReadingBatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reading_batches_total",
			Help:      "Reading batches by outcome.",
		}, []string{"result"}),
		ReadingsSaved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_saved_total",
			Help:      "Readings committed to the current reading store.",
		}),
		ReadingWarnings: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reading_warnings_total",
			Help:      "Saved readings flagged by the anomaly check.",
		}),
		SortUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sort_updates_total",
			Help:      "Per-meter sort order updates by outcome.",
		}, []string{"result"}),
		CacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "community_cache_lookups_total",
			Help:      "Community cache lookups by outcome.",
		}, []string{"result"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
