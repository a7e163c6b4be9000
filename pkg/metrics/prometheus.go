package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics shared by the relay service.
type Metrics struct {
	// HTTP request metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// WebSocket metrics
	websocketConnections   prometheus.Gauge
	websocketMessagesTotal *prometheus.CounterVec
	websocketErrorsTotal   *prometheus.CounterVec

	// Call metrics
	callsTotal    *prometheus.CounterVec
	callsActive   prometheus.Gauge
	callsDuration *prometheus.HistogramVec

	// Message metrics
	messagesTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the relay metrics.
func NewMetrics(serviceName string) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	return &Metrics{
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: labels,
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: labels,
			},
		),
		websocketConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "websocket_connections",
				Help:        "Number of active WebSocket connections",
				ConstLabels: labels,
			},
		),
		websocketMessagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_messages_total",
				Help:        "Total number of WebSocket messages",
				ConstLabels: labels,
			},
			[]string{"type", "direction"},
		),
		websocketErrorsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "websocket_errors_total",
				Help:        "Total number of WebSocket errors",
				ConstLabels: labels,
			},
			[]string{"error"},
		),
		callsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "calls_total",
				Help:        "Total number of calls",
				ConstLabels: labels,
			},
			[]string{"media", "status"},
		),
		callsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "calls_active",
				Help:        "Number of active calls",
				ConstLabels: labels,
			},
		),
		callsDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "calls_duration_seconds",
				Help:        "Call duration in seconds",
				ConstLabels: labels,
				Buckets:     []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"media"},
		),
		messagesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "messages_total",
				Help:        "Total number of chat messages relayed",
				ConstLabels: labels,
			},
			[]string{"message_type"},
		),
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetWebSocketConnections sets the number of active WebSocket connections
func (m *Metrics) SetWebSocketConnections(count int) {
	m.websocketConnections.Set(float64(count))
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.websocketMessagesTotal.WithLabelValues(msgType, direction).Inc()
}

// RecordWebSocketError records a WebSocket error
func (m *Metrics) RecordWebSocketError(err string) {
	m.websocketErrorsTotal.WithLabelValues(err).Inc()
}

// RecordCall records a call reaching a status
func (m *Metrics) RecordCall(media, status string) {
	m.callsTotal.WithLabelValues(media, status).Inc()
}

// SetActiveCalls sets the number of active calls
func (m *Metrics) SetActiveCalls(count int) {
	m.callsActive.Set(float64(count))
}

// RecordCallDuration records the duration of a completed call
func (m *Metrics) RecordCallDuration(media string, duration time.Duration) {
	m.callsDuration.WithLabelValues(media).Observe(duration.Seconds())
}

// RecordMessage records a relayed chat message
func (m *Metrics) RecordMessage(msgType string) {
	m.messagesTotal.WithLabelValues(msgType).Inc()
}
