package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

const namespace = "wallboard"

// Metrics holds all application metrics
type Metrics struct {
	// Transitions
	transitions        *prometheus.CounterVec
	transitionRetries  prometheus.Counter
	performanceQueries *prometheus.CounterVec
	performanceLatency prometheus.Histogram

	// Presence
	logins         *prometheus.CounterVec
	disconnects    *prometheus.CounterVec
	onlineSessions prometheus.Gauge

	// Event bus
	eventsPublished *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec

	// Dashboard
	recomputes          *prometheus.CounterVec
	recomputeErrors     prometheus.Counter
	recomputeDuration   prometheus.Histogram
	dashboardSubs       prometheus.Gauge
	agentsByStatus      *prometheus.GaugeVec
	snapshotsSuperseded prometheus.Counter

	// WebSocket
	wsConnections   prometheus.Counter
	wsActive        prometheus.Gauge
	wsMessages      *prometheus.CounterVec
	wsSendOverflows prometheus.Counter

	// HTTP
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// Global metrics instance
var instance *Metrics
var once sync.Once

// Get returns the singleton metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	return &Metrics{
		transitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "requests_total",
			Help:      "Status change requests, labeled by result kind",
		}, []string{"result"}),
		transitionRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transition",
			Name:      "cas_retries_total",
			Help:      "Compare-and-swap conflicts retried with a fresh read",
		}),
		performanceQueries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "performance",
			Name:      "queries_total",
			Help:      "Performance window queries, labeled by result kind",
		}, []string{"result"}),
		performanceLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "performance",
			Name:      "query_duration_seconds",
			Help:      "Duration of performance window queries",
			Buckets:   prometheus.DefBuckets,
		}),
		logins: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "logins_total",
			Help:      "Login attempts, labeled by result kind",
		}, []string{"result"}),
		disconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "disconnects_total",
			Help:      "Session retirements, labeled by cause",
		}, []string{"cause"}),
		onlineSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "online_sessions",
			Help:      "Sessions currently in the presence table",
		}),
		eventsPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Events published on the bus, labeled by type",
		}, []string{"type"}),
		eventsDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Events dropped because a subscriber buffer was full",
		}, []string{"type", "subscriber"}),
		recomputes: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "recomputes_total",
			Help:      "Snapshot recomputes, labeled by trigger",
		}, []string{"trigger"}),
		recomputeErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "recompute_errors_total",
			Help:      "Snapshot recomputes that failed against the agent store",
		}),
		recomputeDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "recompute_duration_seconds",
			Help:      "Duration of snapshot recomputes",
			Buckets:   prometheus.DefBuckets,
		}),
		dashboardSubs: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "subscribers",
			Help:      "Dashboard subscribers currently registered",
		}),
		agentsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "agents",
			Help:      "Agents per status in the latest snapshot",
		}, []string{"status"}),
		snapshotsSuperseded: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dashboard",
			Name:      "snapshots_superseded_total",
			Help:      "Undelivered snapshots replaced by a newer one",
		}),
		wsConnections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "connections_total",
			Help:      "WebSocket connections accepted",
		}),
		wsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "active_connections",
			Help:      "WebSocket connections currently open",
		}),
		wsMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "messages_total",
			Help:      "Inbound WebSocket messages, labeled by type",
		}, []string{"type"}),
		wsSendOverflows: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "websocket",
			Name:      "send_overflows_total",
			Help:      "Messages dropped because a client send buffer was full",
		}),
		httpRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests, labeled by route and status code",
		}, []string{"route", "status"}),
		httpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration, labeled by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

func resultLabel(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := types.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

// RecordTransition counts a status change request by outcome
func (m *Metrics) RecordTransition(err error) {
	m.transitions.WithLabelValues(resultLabel(err)).Inc()
}

// RecordTransitionRetry counts a CAS conflict that triggered a re-read
func (m *Metrics) RecordTransitionRetry() {
	m.transitionRetries.Inc()
}

// RecordPerformanceQuery records outcome and latency of a window query
func (m *Metrics) RecordPerformanceQuery(duration time.Duration, err error) {
	m.performanceQueries.WithLabelValues(resultLabel(err)).Inc()
	m.performanceLatency.Observe(duration.Seconds())
}

// RecordLogin counts a login attempt by outcome
func (m *Metrics) RecordLogin(err error) {
	m.logins.WithLabelValues(resultLabel(err)).Inc()
}

// RecordDisconnect counts a retired session
func (m *Metrics) RecordDisconnect(cause string) {
	m.disconnects.WithLabelValues(cause).Inc()
}

// SetOnlineSessions sets the presence table size
func (m *Metrics) SetOnlineSessions(n int) {
	m.onlineSessions.Set(float64(n))
}

// RecordEventPublished counts a bus publish
func (m *Metrics) RecordEventPublished(eventType string) {
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

// RecordEventDropped counts an event a subscriber could not take
func (m *Metrics) RecordEventDropped(eventType, subscriber string) {
	m.eventsDropped.WithLabelValues(eventType, subscriber).Inc()
}

// RecordRecompute records a snapshot recompute
func (m *Metrics) RecordRecompute(trigger string, duration time.Duration, snap *types.DashboardSnapshot) {
	m.recomputes.WithLabelValues(trigger).Inc()
	m.recomputeDuration.Observe(duration.Seconds())
	if snap == nil {
		return
	}
	for status, count := range snap.StatusBreakdown {
		m.agentsByStatus.WithLabelValues(string(status)).Set(float64(count))
	}
}

// RecordRecomputeError counts a failed recompute
func (m *Metrics) RecordRecomputeError() {
	m.recomputeErrors.Inc()
}

// SetDashboardSubscribers sets the subscriber gauge
func (m *Metrics) SetDashboardSubscribers(n int) {
	m.dashboardSubs.Set(float64(n))
}

// RecordSnapshotSuperseded counts a mailbox overwrite
func (m *Metrics) RecordSnapshotSuperseded() {
	m.snapshotsSuperseded.Inc()
}

// RecordWebSocketConnect increments connection counters
func (m *Metrics) RecordWebSocketConnect() {
	m.wsConnections.Inc()
	m.wsActive.Inc()
}

// RecordWebSocketDisconnect decrements the active gauge
func (m *Metrics) RecordWebSocketDisconnect() {
	m.wsActive.Dec()
}

// RecordWebSocketMessage counts an inbound message by type
func (m *Metrics) RecordWebSocketMessage(msgType string) {
	m.wsMessages.WithLabelValues(msgType).Inc()
}

// RecordWebSocketOverflow counts a message dropped on a full send buffer
func (m *Metrics) RecordWebSocketOverflow() {
	m.wsSendOverflows.Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(route string, statusCode int, duration time.Duration) {
	m.httpRequests.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// Handler returns an HTTP handler for the /metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
