// Package metrics aggregates protocol counters and mirrors them into
// the Prometheus exposition format. The plain Collector stays
// dependency-free for embedding; the Prometheus layer wraps it.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cmmvio/umicp-go/pkg/types"
)

// Collector aggregates protocol events. It satisfies the protocol
// package's Observer contract; all methods are safe for concurrent use.
type Collector struct {
	mu       sync.RWMutex
	sent     map[types.Operation]*uint64
	received map[types.Operation]*uint64
	errors   map[types.ErrorCode]*uint64

	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64
	panics        atomic.Uint64

	startTime time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		sent:      make(map[types.Operation]*uint64),
		received:  make(map[types.Operation]*uint64),
		errors:    make(map[types.ErrorCode]*uint64),
		startTime: time.Now(),
	}
}

func counter[K comparable](mu *sync.RWMutex, m map[K]*uint64, key K) *uint64 {
	mu.RLock()
	c, ok := m[key]
	mu.RUnlock()
	if ok {
		return c
	}
	mu.Lock()
	defer mu.Unlock()
	if c, ok = m[key]; ok {
		return c
	}
	c = new(uint64)
	m[key] = c
	return c
}

// MessageSent records one outbound message.
func (c *Collector) MessageSent(op types.Operation, bytes int) {
	atomic.AddUint64(counter(&c.mu, c.sent, op), 1)
	c.bytesSent.Add(uint64(bytes))
}

// MessageReceived records one inbound message.
func (c *Collector) MessageReceived(op types.Operation, bytes int) {
	atomic.AddUint64(counter(&c.mu, c.received, op), 1)
	c.bytesReceived.Add(uint64(bytes))
}

// ErrorRecorded records one protocol error by code.
func (c *Collector) ErrorRecorded(code types.ErrorCode) {
	atomic.AddUint64(counter(&c.mu, c.errors, code), 1)
}

// PanicRecovered records one recovered handler panic.
func (c *Collector) PanicRecovered() {
	c.panics.Add(1)
}

// Metrics is a JSON-serializable snapshot.
type Metrics struct {
	MessagesSent     map[string]uint64 `json:"messages_sent"`
	MessagesReceived map[string]uint64 `json:"messages_received"`
	Errors           map[string]uint64 `json:"errors"`
	BytesSent        uint64            `json:"bytes_sent"`
	BytesReceived    uint64            `json:"bytes_received"`
	HandlerPanics    uint64            `json:"handler_panics"`
	UptimeSeconds    float64           `json:"uptime_seconds"`
}

// GetMetrics returns a snapshot of all counters.
func (c *Collector) GetMetrics() *Metrics {
	m := &Metrics{
		MessagesSent:     make(map[string]uint64),
		MessagesReceived: make(map[string]uint64),
		Errors:           make(map[string]uint64),
		BytesSent:        c.bytesSent.Load(),
		BytesReceived:    c.bytesReceived.Load(),
		HandlerPanics:    c.panics.Load(),
		UptimeSeconds:    time.Since(c.startTime).Seconds(),
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	for op, v := range c.sent {
		m.MessagesSent[string(op)] = atomic.LoadUint64(v)
	}
	for op, v := range c.received {
		m.MessagesReceived[string(op)] = atomic.LoadUint64(v)
	}
	for code, v := range c.errors {
		m.Errors[code.String()] = atomic.LoadUint64(v)
	}
	return m
}

// GetMetricsJSON returns the snapshot encoded as JSON.
func (c *Collector) GetMetricsJSON() ([]byte, error) {
	return json.Marshal(c.GetMetrics())
}
