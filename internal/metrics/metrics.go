// Package metrics holds the Prometheus collectors for the capture, grouping
// and storage paths. Collectors live on a dedicated registry owned by the
// Metrics value; all methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "faultline"

// Metrics tracks pipeline counters and exposes them over HTTP.
type Metrics struct {
	registry *prometheus.Registry

	errorsCaptured *prometheus.CounterVec
	errorsFiltered *prometheus.CounterVec
	groupFlushes   *prometheus.CounterVec
	flushedErrors  *prometheus.CounterVec
	sinkFailures   *prometheus.CounterVec
	insertBatches  prometheus.Counter
	insertFailures prometheus.Counter
	insertedErrors prometheus.Counter
	retentionPurge prometheus.Counter
}

// New registers every collector on a fresh registry, plus the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		errorsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_captured_total",
			Help:      "Errors accepted by the capture pipeline",
		}, []string{"application", "source"}),
		errorsFiltered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_filtered_total",
			Help:      "Errors dropped by the capture filter",
		}, []string{"reason"}),
		groupFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_flushes_total",
			Help:      "Error group flushes by trigger",
		}, []string{"trigger"}),
		flushedErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "group_flushed_errors_total",
			Help:      "Errors delivered in group flushes by trigger",
		}, []string{"trigger"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_failures_total",
			Help:      "Flush sink delivery failures",
		}, []string{"sink"}),
		insertBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_insert_batches_total",
			Help:      "Batches written to the error log",
		}),
		insertFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_insert_failures_total",
			Help:      "Errors that could not be written to the error log",
		}),
		insertedErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_inserted_errors_total",
			Help:      "Errors written to the error log",
		}),
		retentionPurge: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_retention_deleted_total",
			Help:      "Errors deleted by the retention cleaner",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.errorsCaptured,
		m.errorsFiltered,
		m.groupFlushes,
		m.flushedErrors,
		m.sinkFailures,
		m.insertBatches,
		m.insertFailures,
		m.insertedErrors,
		m.retentionPurge,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGauge exposes a value computed at scrape time, such as the
// number of live groups.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) ErrorCaptured(application, source string) {
	if m == nil {
		return
	}
	m.errorsCaptured.WithLabelValues(application, source).Inc()
}

func (m *Metrics) ErrorFiltered(reason string) {
	if m == nil {
		return
	}
	m.errorsFiltered.WithLabelValues(reason).Inc()
}

func (m *Metrics) GroupFlushed(trigger string, errors int) {
	if m == nil {
		return
	}
	m.groupFlushes.WithLabelValues(trigger).Inc()
	m.flushedErrors.WithLabelValues(trigger).Add(float64(errors))
}

func (m *Metrics) SinkFailed(sink string) {
	if m == nil {
		return
	}
	m.sinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) BatchInserted(n int) {
	if m == nil {
		return
	}
	m.insertBatches.Inc()
	m.insertedErrors.Add(float64(n))
}

func (m *Metrics) InsertFailed(n int) {
	if m == nil {
		return
	}
	m.insertFailures.Add(float64(n))
}

func (m *Metrics) RetentionDeleted(n int64) {
	if m == nil {
		return
	}
	m.retentionPurge.Add(float64(n))
}
