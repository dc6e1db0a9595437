// Package telemetry exposes Prometheus metrics and a health endpoint for the
// agent and the gateway.
package telemetry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Agent metrics
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chkbus_agent_messages_total",
			Help: "Dispatch messages received by the agent, by outcome",
		},
		[]string{"outcome"},
	)

	checksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chkbus_agent_checks_total",
			Help: "Check executions, by check and status",
		},
		[]string{"check", "status"},
	)

	checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chkbus_agent_check_duration_seconds",
			Help:    "Check execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"check"},
	)

	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chkbus_agent_script_downloads_total",
			Help: "Script downloads into the local cache, by result",
		},
		[]string{"check", "result"},
	)

	failureReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chkbus_agent_failure_reports_total",
			Help: "Agent failure reports published",
		},
	)

	busConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chkbus_bus_connected",
			Help: "1 while the broker connection is up",
		},
	)

	// Gateway metrics
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chkbus_gateway_requests_total",
			Help: "Gateway HTTP requests, by endpoint and status code",
		},
		[]string{"endpoint", "code"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chkbus_gateway_request_duration_seconds",
			Help:    "Gateway request duration in seconds",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 2.5, 5, 10, 20, 30},
		},
		[]string{"endpoint"},
	)

	initOnce sync.Once
)

// InitMetrics registers every collector with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			messagesTotal,
			checksTotal,
			checkDuration,
			downloadsTotal,
			failureReportsTotal,
			busConnected,
			gatewayRequestsTotal,
			gatewayRequestDuration,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordMessage counts a dispatch message by what the agent did with it.
func RecordMessage(outcome string) {
	messagesTotal.WithLabelValues(outcome).Inc()
}

// RecordCheck records one check execution.
func RecordCheck(check, status string, duration time.Duration) {
	checksTotal.WithLabelValues(check, status).Inc()
	checkDuration.WithLabelValues(check).Observe(duration.Seconds())
}

func RecordDownload(check, result string) {
	downloadsTotal.WithLabelValues(check, result).Inc()
}

func RecordFailureReport() {
	failureReportsTotal.Inc()
}

// SetBusConnected flips the connection gauge.
func SetBusConnected(up bool) {
	if up {
		busConnected.Set(1)
		return
	}
	busConnected.Set(0)
}

// RecordGatewayRequest records gateway request metrics
func RecordGatewayRequest(endpoint string, code int, duration time.Duration) {
	gatewayRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(code)).Inc()
	gatewayRequestDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}
