// internal/metrics/metrics.go
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gateway"

// Metrics holds every collector exported by the process. Each instance
// owns its registry so tests can build as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	PollRequests  *prometheus.CounterVec
	PollDuration  *prometheus.HistogramVec
	NodeValues    *prometheus.GaugeVec
	PollCycles    prometheus.Counter
	SerialBytes   *prometheus.CounterVec
	SerialFlushes *prometheus.CounterVec
	Connections   *prometheus.GaugeVec
	Frames        *prometheus.CounterVec
	Evictions     *prometheus.CounterVec
	Writes        *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		PollRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_requests_total",
			Help:      "Read requests issued by the poller, by device and result.",
		}, []string{"device", "result"}),
		PollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_request_duration_seconds",
			Help:      "Round trip time of poller read requests.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		}, []string{"device"}),
		NodeValues: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "node_value",
			Help:      "Last decoded value of each node.",
		}, []string{"device", "node"}),
		PollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed polling cycles over all devices.",
		}),
		SerialBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_bytes_total",
			Help:      "Bytes moved through serial ports.",
		}, []string{"port", "direction"}),
		SerialFlushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "serial_flushes_total",
			Help:      "Physical writes of the serial write buffer, by trigger.",
		}, []string{"port", "trigger"}),
		Connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open gateway connections per socket.",
		}, []string{"socket"}),
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Frames forwarded by the gateway.",
		}, []string{"socket", "direction"}),
		Evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_evictions_total",
			Help:      "Gateway connections closed by the gateway, by reason.",
		}, []string{"socket", "reason"}),
		Writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_writes_total",
			Help:      "Writes issued through the query path, by result.",
		}, []string{"result"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP API requests.",
		}, []string{"method", "path", "status"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.PollRequests,
		m.PollDuration,
		m.NodeValues,
		m.PollCycles,
		m.SerialBytes,
		m.SerialFlushes,
		m.Connections,
		m.Frames,
		m.Evictions,
		m.Writes,
		m.HTTPRequests,
	)
	return m
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Label helpers keep label formatting in one place

func PortLabel(index int) string {
	return strconv.Itoa(index)
}

func SocketLabel(index int) string {
	return strconv.Itoa(index)
}
