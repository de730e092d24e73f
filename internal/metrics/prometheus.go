package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// PrometheusCollector wraps a Collector and mirrors every event into
// Prometheus metrics. Both the JSON snapshot and the exposition format
// stay available. Metrics live in a dedicated registry so they never
// collide with the default global one.
type PrometheusCollector struct {
	collector *Collector
	registry  *prometheus.Registry

	messagesSent     *prometheus.CounterVec
	messagesReceived *prometheus.CounterVec
	errorCount       *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	handlerPanics    prometheus.Counter
	uptimeSeconds    prometheus.Gauge

	startTime time.Time
}

// NewPrometheusCollector creates a PrometheusCollector around c.
func NewPrometheusCollector(c *Collector) *PrometheusCollector {
	reg := prometheus.NewRegistry()

	messagesSent := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "messages_sent_total",
		Help:      "Messages sent by operation.",
	}, []string{"operation"})

	messagesReceived := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "messages_received_total",
		Help:      "Messages received by operation.",
	}, []string{"operation"})

	errorCount := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "errors_total",
		Help:      "Protocol errors by code.",
	}, []string{"code"})

	bytesSent := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "bytes_sent_total",
		Help:      "Bytes sent on the wire.",
	})

	bytesReceived := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "bytes_received_total",
		Help:      "Bytes received on the wire.",
	})

	handlerPanics := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "umicp",
		Name:      "handler_panics_total",
		Help:      "Recovered handler panics.",
	})

	uptimeSeconds := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "umicp",
		Name:      "uptime_seconds",
		Help:      "Time since the protocol started in seconds.",
	})

	reg.MustRegister(messagesSent)
	reg.MustRegister(messagesReceived)
	reg.MustRegister(errorCount)
	reg.MustRegister(bytesSent)
	reg.MustRegister(bytesReceived)
	reg.MustRegister(handlerPanics)
	reg.MustRegister(uptimeSeconds)

	return &PrometheusCollector{
		collector:        c,
		registry:         reg,
		messagesSent:     messagesSent,
		messagesReceived: messagesReceived,
		errorCount:       errorCount,
		bytesSent:        bytesSent,
		bytesReceived:    bytesReceived,
		handlerPanics:    handlerPanics,
		uptimeSeconds:    uptimeSeconds,
		startTime:        time.Now(),
	}
}

// Registry returns the dedicated Prometheus registry, for registering
// additional metrics next to the protocol's.
func (p *PrometheusCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Collector returns the wrapped plain collector.
func (p *PrometheusCollector) Collector() *Collector {
	return p.collector
}

// MessageSent records one outbound message in both layers.
func (p *PrometheusCollector) MessageSent(op types.Operation, bytes int) {
	p.collector.MessageSent(op, bytes)
	p.messagesSent.WithLabelValues(string(op)).Inc()
	p.bytesSent.Add(float64(bytes))
}

// MessageReceived records one inbound message in both layers.
func (p *PrometheusCollector) MessageReceived(op types.Operation, bytes int) {
	p.collector.MessageReceived(op, bytes)
	p.messagesReceived.WithLabelValues(string(op)).Inc()
	p.bytesReceived.Add(float64(bytes))
}

// ErrorRecorded records one protocol error in both layers.
func (p *PrometheusCollector) ErrorRecorded(code types.ErrorCode) {
	p.collector.ErrorRecorded(code)
	p.errorCount.WithLabelValues(code.String()).Inc()
}

// PanicRecovered records one recovered handler panic in both layers.
func (p *PrometheusCollector) PanicRecovered() {
	p.collector.PanicRecovered()
	p.handlerPanics.Inc()
}

// Handler returns an http.Handler serving the Prometheus text format.
// Gauges are refreshed on every scrape.
func (p *PrometheusCollector) Handler() http.Handler {
	inner := promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.uptimeSeconds.Set(time.Since(p.startTime).Seconds())
		inner.ServeHTTP(w, r)
	})
}
