// Package metrics holds the client-side Prometheus collectors.
//
// Every method is safe on a nil *Metrics, so components accept an optional
// instance without branching at each call site.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sony/gobreaker/v2"
)

const namespace = "portalsync"

// Metrics groups the collectors of one client (or dev backend) instance.
type Metrics struct {
	reg *prometheus.Registry

	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	replays         prometheus.Counter

	refreshExchanges *prometheus.CounterVec
	refreshDuration  prometheus.Histogram
	refreshWaiters   prometheus.Counter

	realtimeEvents *prometheus.CounterVec
	realtimeState  prometheus.Gauge
	emitsDropped   prometheus.Counter

	unread *prometheus.GaugeVec

	breakerState *prometheus.GaugeVec

	serverRequests *prometheus.CounterVec
	serverDuration *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),

		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Requests sent through the gateway, by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gateway_request_duration_seconds",
				Help:      "Gateway round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		replays: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_replays_total",
			Help:      "Requests replayed after a successful token refresh",
		}),

		refreshExchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_exchanges_total",
				Help:      "Refresh-token exchanges performed, by result",
			},
			[]string{"result"},
		),
		refreshDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_exchange_duration_seconds",
			Help:      "Refresh-token exchange duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		refreshWaiters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_waiters_total",
			Help:      "Callers that waited on an exchange already in flight",
		}),

		realtimeEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "realtime_events_total",
				Help:      "Realtime events, by direction and event name",
			},
			[]string{"direction", "event"},
		),
		realtimeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "realtime_connected",
			Help:      "1 while the primary realtime channel is connected",
		}),
		emitsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_emits_dropped_total",
			Help:      "Emits dropped because no connection was live",
		}),

		unread: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "unread",
				Help:      "Current unread counts, by kind",
			},
			[]string{"kind"},
		),

		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
			},
			[]string{"name"},
		),

		serverRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "server_requests_total",
				Help:      "Requests served by the dev backend, by method and status class",
			},
			[]string{"method", "class"},
		),
		serverDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "server_request_duration_seconds",
				Help:      "Dev backend request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	m.reg.MustRegister(
		m.requests,
		m.requestDuration,
		m.replays,
		m.refreshExchanges,
		m.refreshDuration,
		m.refreshWaiters,
		m.realtimeEvents,
		m.realtimeState,
		m.emitsDropped,
		m.unread,
		m.breakerState,
		m.serverRequests,
		m.serverDuration,
	)
	return m
}

// Registry exposes the underlying registry, e.g. for extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// GatewayRequest records one gateway call. outcome is "ok", "auth",
// "business" or "transport".
func (m *Metrics) GatewayRequest(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, outcome).Inc()
	m.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// GatewayReplay counts one replay after refresh.
func (m *Metrics) GatewayReplay() {
	if m == nil {
		return
	}
	m.replays.Inc()
}

// RefreshExchange records one settled exchange.
func (m *Metrics) RefreshExchange(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.refreshExchanges.WithLabelValues(result).Inc()
	m.refreshDuration.Observe(d.Seconds())
}

// RefreshWaiter counts a caller queued behind an in-flight exchange.
func (m *Metrics) RefreshWaiter() {
	if m == nil {
		return
	}
	m.refreshWaiters.Inc()
}

// RealtimeEvent counts an event. direction is "in" or "out".
func (m *Metrics) RealtimeEvent(direction, event string) {
	if m == nil {
		return
	}
	m.realtimeEvents.WithLabelValues(direction, event).Inc()
}

// RealtimeConnected sets the connection gauge.
func (m *Metrics) RealtimeConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.realtimeState.Set(1)
		return
	}
	m.realtimeState.Set(0)
}

// EmitDropped counts an emit without a live connection.
func (m *Metrics) EmitDropped() {
	if m == nil {
		return
	}
	m.emitsDropped.Inc()
}

// Unread publishes the derived unread counts.
func (m *Metrics) Unread(notifications, messages int) {
	if m == nil {
		return
	}
	m.unread.WithLabelValues("notifications").Set(float64(notifications))
	m.unread.WithLabelValues("messages").Set(float64(messages))
}

// BreakerState publishes a circuit breaker transition.
func (m *Metrics) BreakerState(name string, state gobreaker.State) {
	if m == nil {
		return
	}
	m.breakerState.WithLabelValues(name).Set(stateToFloat(state))
}

// ServerRequest records one request served by the dev backend.
func (m *Metrics) ServerRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(method, StatusClass(status)).Inc()
	m.serverDuration.WithLabelValues(method).Observe(d.Seconds())
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// StatusClass buckets an HTTP status for low-cardinality labels.
func StatusClass(status int) string {
	if status <= 0 {
		return "none"
	}
	return strconv.Itoa(status/100) + "xx"
}
