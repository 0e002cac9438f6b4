package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation latency histograms, operation
// result counters and document write outcome counters.
type PrometheusMetricsRecorder struct {
	durations *prometheus.HistogramVec
	results   *prometheus.CounterVec
	writes    *prometheus.CounterVec
}

// NewPrometheusMetricsRecorder registers the collectors with reg. A nil
// registerer selects prometheus.DefaultRegisterer.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	r := &PrometheusMetricsRecorder{
		durations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "metaindex",
			Name:      "operation_duration_seconds",
			Help:      "Latency of indexer operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metaindex",
			Name:      "operations_total",
			Help:      "Indexer operations by result.",
		}, []string{"operation", "result"}),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "metaindex",
			Name:      "document_writes_total",
			Help:      "Document write attempts by outcome.",
		}, []string{"outcome"}),
	}
	for _, c := range []prometheus.Collector{r.durations, r.results, r.writes} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe records a service operation outcome.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.durations.WithLabelValues(operation).Observe(duration.Seconds())
	r.results.WithLabelValues(operation, status(success)).Inc()
}

// RecordWriteOutcome counts one document write outcome.
func (r *PrometheusMetricsRecorder) RecordWriteOutcome(outcome string) {
	r.writes.WithLabelValues(outcome).Inc()
}
