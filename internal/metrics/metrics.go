// Package metrics exposes Prometheus instrumentation for connection workers
// and the manager façade.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the collectors shared by all connections of one manager.
type Metrics struct {
	Operations      *prometheus.CounterVec
	OperationErrors *prometheus.CounterVec
	Duration        *prometheus.HistogramVec
	OpenConnections prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
}

// New registers the flowbase collectors with the given registerer. Passing
// nil uses the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		Operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowbase",
			Name:      "operations_total",
			Help:      "Store operations executed per connection worker.",
		}, []string{"connection", "op"}),
		OperationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowbase",
			Name:      "operation_errors_total",
			Help:      "Rows or operations rejected by the backing store.",
		}, []string{"connection", "op"}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowbase",
			Name:      "operation_duration_seconds",
			Help:      "Wall time of operations on the worker goroutine.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"connection", "op"}),
		OpenConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowbase",
			Name:      "open_connections",
			Help:      "Currently open database connections.",
		}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "flowbase",
			Name:      "worker_queue_depth",
			Help:      "Requests waiting on a connection worker.",
		}, []string{"connection"}),
	}
}

// ObserveOp records one executed operation.
func (m *Metrics) ObserveOp(connection, op string, started time.Time) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(connection, op).Inc()
	m.Duration.WithLabelValues(connection, op).Observe(time.Since(started).Seconds())
}

// CountErrors records rejected rows for one operation.
func (m *Metrics) CountErrors(connection, op string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OperationErrors.WithLabelValues(connection, op).Add(float64(n))
}

// ConnectionOpened adjusts the open-connection gauge.
func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.OpenConnections.Inc()
	}
}

// ConnectionClosed adjusts the open-connection gauge.
func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.OpenConnections.Dec()
	}
}

// SetQueueDepth reports the instantaneous worker queue depth.
func (m *Metrics) SetQueueDepth(connection string, depth int) {
	if m != nil {
		m.QueueDepth.WithLabelValues(connection).Set(float64(depth))
	}
}
