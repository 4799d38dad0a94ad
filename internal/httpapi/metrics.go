package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "twitchbot"

// Metrics bundles the bot's Prometheus collectors. A nil *Metrics is a valid
// no-op sink, so packages can hold one unconditionally.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     prometheus.Counter
	dbWriteErrors   prometheus.Counter
	chatMessages    *prometheus.CounterVec
	chatDropped     *prometheus.CounterVec
	apiCalls        *prometheus.CounterVec
	apiDuration     *prometheus.HistogramVec
	tokenRefreshes  *prometheus.CounterVec
	commands        *prometheus.CounterVec
	notifications   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total admin HTTP requests received",
		}, []string{"route", "method", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of admin HTTP request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_rate_limited_total",
			Help:      "Number of admin HTTP requests rejected due to rate limiting",
		}),
		dbWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "db_write_errors_total",
			Help:      "Number of chat archive write errors",
		}),
		chatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Chat protocol messages dispatched, by kind",
		}, []string{"kind"}),
		chatDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_dropped_total",
			Help:      "Chat protocol messages dropped, by reason",
		}, []string{"reason"}),
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Helix API requests, by endpoint and status",
		}, []string{"endpoint", "status"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Histogram of Helix API request durations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refreshes_total",
			Help:      "Access token refreshes, by role and result",
		}, []string{"role", "result"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Chat command invocations, by outcome",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "eventsub_notifications_total",
			Help:      "EventSub notifications received, by subscription type",
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimited,
		m.dbWriteErrors,
		m.chatMessages,
		m.chatDropped,
		m.apiCalls,
		m.apiDuration,
		m.tokenRefreshes,
		m.commands,
		m.notifications,
	)

	return m
}

// Handler returns an HTTP handler exposing the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Gatherer exposes the registry for tests and extra exporters.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	return m.registry
}

// ObserveRequest records timing and status information.
func (m *Metrics) ObserveRequest(route, method string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(dur.Seconds())
}

// IncRateLimited increments the rate limit counter.
func (m *Metrics) IncRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// IncDBWriteErrors increments the DB write error counter.
func (m *Metrics) IncDBWriteErrors() {
	if m == nil {
		return
	}
	m.dbWriteErrors.Inc()
}

func (m *Metrics) IncChatMessage(kind string) {
	if m == nil {
		return
	}
	m.chatMessages.WithLabelValues(kind).Inc()
}

func (m *Metrics) IncChatDropped(reason string) {
	if m == nil {
		return
	}
	m.chatDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveAPICall(endpoint string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	m.apiCalls.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	m.apiDuration.WithLabelValues(endpoint).Observe(dur.Seconds())
}

func (m *Metrics) IncTokenRefresh(role, result string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.WithLabelValues(role, result).Inc()
}

func (m *Metrics) IncCommand(outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncNotification(subscriptionType string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(subscriptionType).Inc()
}
