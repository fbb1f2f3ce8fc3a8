// Package metrics exposes gtunnel's Prometheus collectors on a private
// registry. Every recording method is fire-and-forget.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Error categories recorded under gtunnel_errors_total.
const (
	ErrIPDenied     = "ip_denied"
	ErrRateLimited  = "rate_limited"
	ErrUnauthorized = "unauthorized"
	ErrProtocol     = "protocol"
	ErrTransport    = "websocket"
	ErrPanic        = "panic"
)

// MethodWebSocket labels per-message durations on tunnel connections.
const MethodWebSocket = "websocket"

// Recorder is the write side used by the admission pipeline, the registry
// and the HTTP instrumentation.
type Recorder interface {
	ConnectionOpened()
	ConnectionClosed()
	Request(method string, status int, d time.Duration)
	Duration(method string, d time.Duration)
	Error(kind string)
	BytesIn(n int)
	BytesOut(n int)
}

// Collector owns the gtunnel metric families.
type Collector struct {
	registry *prometheus.Registry

	activeConnections prometheus.Gauge
	requests          *prometheus.CounterVec
	errors            *prometheus.CounterVec
	duration          *prometheus.HistogramVec
	bytesIn           prometheus.Counter
	bytesOut          prometheus.Counter
}

// New registers the gtunnel collectors together with the Go runtime and
// process collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		activeConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gtunnel_active_connections",
			Help: "Number of active tunnel connections",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtunnel_requests_total",
			Help: "Total number of requests",
		}, []string{"method", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtunnel_errors_total",
			Help: "Total number of errors",
		}, []string{"type"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtunnel_request_duration_seconds",
			Help:    "Request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10},
		}, []string{"method"}),
		bytesIn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtunnel_bytes_in_total",
			Help: "Total bytes received",
		}),
		bytesOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gtunnel_bytes_out_total",
			Help: "Total bytes sent",
		}),
	}
	c.registry.MustRegister(
		c.activeConnections,
		c.requests,
		c.errors,
		c.duration,
		c.bytesIn,
		c.bytesOut,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ConnectionOpened() { c.activeConnections.Inc() }

func (c *Collector) ConnectionClosed() { c.activeConnections.Dec() }

// Request counts one completed request and observes its duration.
func (c *Collector) Request(method string, status int, d time.Duration) {
	c.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	c.duration.WithLabelValues(method).Observe(d.Seconds())
}

// Duration observes d without counting a request, as for tunnel messages.
func (c *Collector) Duration(method string, d time.Duration) {
	c.duration.WithLabelValues(method).Observe(d.Seconds())
}

func (c *Collector) Error(kind string) { c.errors.WithLabelValues(kind).Inc() }

func (c *Collector) BytesIn(n int) {
	if n > 0 {
		c.bytesIn.Add(float64(n))
	}
}

func (c *Collector) BytesOut(n int) {
	if n > 0 {
		c.bytesOut.Add(float64(n))
	}
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ConnectionOpened()                  {}
func (Nop) ConnectionClosed()                  {}
func (Nop) Request(string, int, time.Duration) {}
func (Nop) Duration(string, time.Duration)     {}
func (Nop) Error(string)                       {}
func (Nop) BytesIn(int)                        {}
func (Nop) BytesOut(int)                       {}

var (
	_ Recorder = (*Collector)(nil)
	_ Recorder = Nop{}
)
