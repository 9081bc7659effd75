// Package metrics exposes relay counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"keyrelay/internal/queue"
)

const namespace = "keyrelay"

// Error kinds used with ObserveError.
const (
	KindMalformed   = "malformed"
	KindPageMissing = "page_missing"
	KindTransport   = "transport"
	KindPanic       = "panic"
)

// Metrics owns the registry and every relay collector.
type Metrics struct {
	registry *prometheus.Registry

	enqueued    prometheus.Counter
	dequeued    prometheus.Counter
	emptyPolls  prometheus.Counter
	pending     prometheus.GaugeFunc
	ready       prometheus.GaugeFunc
	connections prometheus.Counter
	requests    *prometheus.CounterVec
	errors      *prometheus.CounterVec

	tracked atomic.Pointer[queue.Queue]
}

// New registers the relay collectors plus the Go and process collectors. The
// queue gauges read zero until Track is called.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_enqueued_total",
			Help:      "Action sequences accepted by POST.",
		}),
		dequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequences_dequeued_total",
			Help:      "Action sequences handed out by GET.",
		}),
		emptyPolls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "empty_polls_total",
			Help:      "GET requests that found the queue empty.",
		}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Accepted relay connections.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Relay requests by route and response status.",
		}, []string{"route", "status"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "request_errors_total",
			Help:      "Relay request failures by kind.",
		}, []string{"kind"}),
	}
	m.pending = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_pending",
		Help:      "Action sequences waiting to be polled.",
	}, m.pendingValue)
	m.ready = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ready",
		Help:      "1 when the consumer drained the queue and nothing arrived since.",
	}, m.readyValue)
	m.registry.MustRegister(
		m.enqueued, m.dequeued, m.emptyPolls,
		m.pending, m.ready, m.connections,
		m.requests, m.errors,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the exposition format for the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Track points the queue gauges at q and counts its operations.
func (m *Metrics) Track(q *queue.Queue) {
	m.tracked.Store(q)
	q.Observe(m.ObserveQueue)
}

func (m *Metrics) pendingValue() float64 {
	if q := m.tracked.Load(); q != nil {
		return float64(q.Len())
	}
	return 0
}

func (m *Metrics) readyValue() float64 {
	if q := m.tracked.Load(); q != nil && q.IsReady() {
		return 1
	}
	return 0
}

// ObserveQueue is a queue.Observer that counts operations. The gauges are read
// from the tracked queue at scrape time instead.
func (m *Metrics) ObserveQueue(ev queue.Event) {
	switch ev.Kind {
	case queue.EventEnqueue:
		m.enqueued.Inc()
	case queue.EventDequeue:
		m.dequeued.Inc()
	case queue.EventEmptyPoll:
		m.emptyPolls.Inc()
	}
}

// ObserveConnection counts one accepted connection.
func (m *Metrics) ObserveConnection() {
	m.connections.Inc()
}

// ObserveRequest counts one answered request.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObserveError counts one failure of the given kind.
func (m *Metrics) ObserveError(kind string) {
	m.errors.WithLabelValues(kind).Inc()
}
