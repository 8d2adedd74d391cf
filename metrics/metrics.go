// Package metrics exposes Prometheus counters for filesfer connections and
// transfers. All methods are nil-safe: calls on a nil *Metrics are no-ops,
// so components can run with metrics disabled.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "filesfer"

// Transfer operations.
const (
	OpUpload   = "upload"
	OpDownload = "download"
)

// Transfer results.
const (
	ResultSuccess  = "success"
	ResultFailed   = "failed"
	ResultNotFound = "not_found"
	ResultRejected = "rejected"
)

// Metrics holds the filesfer collectors.
type Metrics struct {
	// ConnectionsActive tracks currently registered sessions.
	ConnectionsActive prometheus.Gauge

	// ConnectionsTotal counts accepted connections.
	ConnectionsTotal prometheus.Counter

	// TransfersTotal counts finished transfers by operation and result.
	TransfersTotal *prometheus.CounterVec

	// TransferBytes counts payload bytes moved by operation.
	TransferBytes *prometheus.CounterVec

	// ListRequests counts served LIST commands.
	ListRequests prometheus.Counter

	// CommandErrors counts ERROR replies by reason.
	CommandErrors *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg creates
// a private registry that also carries the Go and process collectors.
//
// Parameters:
//   - reg: Registry to register with, or nil
//
// Returns:
//   - The Metrics
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "active",
			Help:      "Number of currently connected clients",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "connections",
			Name:      "total",
			Help:      "Total number of accepted connections",
		}),
		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "total",
			Help:      "Total number of finished transfers",
		}, []string{"op", "result"}),
		TransferBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transfers",
			Name:      "bytes_total",
			Help:      "Total payload bytes transferred",
		}, []string{"op"}),
		ListRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "list_total",
			Help:      "Total number of LIST commands served",
		}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "commands",
			Name:      "errors_total",
			Help:      "Total number of ERROR replies sent",
		}, []string{"reason"}),
		gatherer: reg,
	}

	m.ConnectionsActive = registerOrReuse(reg, m.ConnectionsActive).(prometheus.Gauge)
	m.ConnectionsTotal = registerOrReuse(reg, m.ConnectionsTotal).(prometheus.Counter)
	m.TransfersTotal = registerOrReuse(reg, m.TransfersTotal).(*prometheus.CounterVec)
	m.TransferBytes = registerOrReuse(reg, m.TransferBytes).(*prometheus.CounterVec)
	m.ListRequests = registerOrReuse(reg, m.ListRequests).(prometheus.Counter)
	m.CommandErrors = registerOrReuse(reg, m.CommandErrors).(*prometheus.CounterVec)

	return m
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ConnectionsActive.Inc()
}

// ConnectionClosed records a deregistered connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}

// TransferFinished records the outcome of an upload or download.
func (m *Metrics) TransferFinished(op, result string, bytes int64) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(op, result).Inc()
	if bytes > 0 {
		m.TransferBytes.WithLabelValues(op).Add(float64(bytes))
	}
}

// ListServed records a LIST reply.
func (m *Metrics) ListServed() {
	if m == nil {
		return
	}
	m.ListRequests.Inc()
}

// CommandRejected records an ERROR reply.
func (m *Metrics) CommandRejected(reason string) {
	if m == nil {
		return
	}
	m.CommandErrors.WithLabelValues(reason).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// registerOrReuse registers c, returning the already registered collector
// when an equal one exists so a restarted server keeps exporting.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			return are.ExistingCollector
		}
		panic(err)
	}
	return c
}
