// Package metrics owns the Prometheus collectors for one client handle.
//
// Every handle gets its own registry so several sessions can run in one process without
// colliding collectors. All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "msgrlink"

// Metrics groups the collectors updated by the connection manager, dispatcher, safety policy,
// and refresher.
type Metrics struct {
	Registry *prometheus.Registry

	connected         prometheus.Gauge
	reconnects        prometheus.Counter
	heartbeatFailures prometheus.Counter
	events            *prometheus.CounterVec
	sends             *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	queueDrops        prometheus.Counter
	queueEvictions    prometheus.Counter
	refreshes         *prometheus.CounterVec
	risk              prometheus.Gauge
}

// New registers a fresh set of collectors. labels become constant labels on every series
// (typically {"user_id": ...}).
func New(labels prometheus.Labels) *Metrics {
	reg := prometheus.NewRegistry()
	f := func(c prometheus.Collector) { reg.MustRegister(c) }

	m := &Metrics{
		Registry: reg,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connected",
			Help: "1 while the real-time channel is connected.", ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconnects_total",
			Help: "Reconnect attempts started.", ConstLabels: labels,
		}),
		heartbeatFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "heartbeat_failures_total",
			Help: "Heartbeat pings that failed.", ConstLabels: labels,
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_total",
			Help: "Events delivered to listeners by kind.", ConstLabels: labels,
		}, []string{"kind"}),
		sends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sends_total",
			Help: "Outbound sends by result.", ConstLabels: labels,
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "queue_depth",
			Help: "Entries waiting across all destination queues.", ConstLabels: labels,
		}),
		queueDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_drops_total",
			Help: "Entries dropped because a destination queue was full.", ConstLabels: labels,
		}),
		queueEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "queue_evictions_total",
			Help: "Idle destination queues evicted by the sweeper.", ConstLabels: labels,
		}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "refreshes_total",
			Help: "Session refreshes by result.", ConstLabels: labels,
		}, []string{"result"}),
		risk: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "risk_level",
			Help: "Current risk level (0 low, 1 medium, 2 high).", ConstLabels: labels,
		}),
	}

	f(m.connected)
	f(m.reconnects)
	f(m.heartbeatFailures)
	f(m.events)
	f(m.sends)
	f(m.queueDepth)
	f(m.queueDrops)
	f(m.queueEvictions)
	f(m.refreshes)
	f(m.risk)
	return m
}

// WithRuntime adds the Go runtime and process collectors. Only one registry per process
// should carry them.
func (m *Metrics) WithRuntime() *Metrics {
	if m == nil {
		return nil
	}
	m.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

func (m *Metrics) SetConnected(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) IncHeartbeatFailure() {
	if m != nil {
		m.heartbeatFailures.Inc()
	}
}

func (m *Metrics) ObserveEvent(kind string) {
	if m != nil {
		m.events.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ObserveSend(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.sends.WithLabelValues("error").Inc()
		return
	}
	m.sends.WithLabelValues("ok").Inc()
}

func (m *Metrics) AddQueueDepth(delta int) {
	if m != nil {
		m.queueDepth.Add(float64(delta))
	}
}

func (m *Metrics) IncQueueDrop() {
	if m != nil {
		m.queueDrops.Inc()
	}
}

func (m *Metrics) IncQueueEviction() {
	if m != nil {
		m.queueEvictions.Inc()
	}
}

func (m *Metrics) ObserveRefresh(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.refreshes.WithLabelValues("error").Inc()
		return
	}
	m.refreshes.WithLabelValues("ok").Inc()
}

func (m *Metrics) SetRisk(level int) {
	if m != nil {
		m.risk.Set(float64(level))
	}
}
