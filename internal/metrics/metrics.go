// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cr-go/internal/cr"
)

const namespace = "cr"

// Metrics is the Prometheus implementation of cr.Metrics.
type Metrics struct {
	registry *prometheus.Registry

	TriggersTotal     *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	BytesWritten      prometheus.Counter
	PrunedTotal       prometheus.Counter
	WatchesLostTotal  prometheus.Counter
}

var _ cr.Metrics = (*Metrics)(nil)

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return NewWithRegistry(reg)
}

// NewWithRegistry registers the engine collectors on reg.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TriggersTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "triggers_total",
				Help:      "Execution requests by trigger source and result (started, busy, rejected).",
			},
			[]string{"source", "result"},
		),
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Finished executions by status.",
			},
			[]string{"status"},
		),
		ExecutionDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time of finished executions.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 1800},
			},
		),
		BytesWritten: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "artifact_bytes_total",
				Help:      "Bytes written to artifacts by successful executions.",
			},
		),
		PrunedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backups_pruned_total",
				Help:      "Backup records soft-deleted by retention or by hand.",
			},
		),
		WatchesLostTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watches_lost_total",
				Help:      "Filesystem watches that were torn down.",
			},
		),
		registry: reg,
	}
}

func (m *Metrics) TriggerObserved(source cr.TriggerSource, result string) {
	m.TriggersTotal.WithLabelValues(source.String(), result).Inc()
}

func (m *Metrics) ExecutionFinished(success bool, d time.Duration, bytes int64) {
	status := "failure"
	if success {
		status = "success"
		m.BytesWritten.Add(float64(bytes))
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) BackupsPruned(n int) {
	m.PrunedTotal.Add(float64(n))
}

func (m *Metrics) WatchLost() {
	m.WatchesLostTotal.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
