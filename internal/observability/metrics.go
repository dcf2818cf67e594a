package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the panel's operational signals:
//   - connection lifecycle transitions and their outcomes
//   - QR code fetches against the Evolution gateway
//   - settings store operations
//   - HTTP API traffic
type Metrics struct {
	// TransitionCounter counts connection state transitions.
	// Labels: operation (connect|disconnect), outcome (success|error|rejected)
	TransitionCounter *prometheus.CounterVec

	// QRFetchCounter counts QR acquisition attempts.
	// Labels: outcome (success|invalid_url|network|http_status|invalid_payload)
	QRFetchCounter *prometheus.CounterVec

	// StoreOpCounter counts settings store operations.
	// Labels: operation (get|create|update), status (success|error)
	StoreOpCounter *prometheus.CounterVec

	// ActiveSessions gauges currently mounted panel sessions.
	ActiveSessions prometheus.Gauge

	// HTTPRequestDuration measures HTTP API request latency in seconds.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers all metrics with the default Prometheus registry.
// Call once at startup.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers the metrics with a specific registerer, which
// lets tests use an isolated registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		TransitionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_connection_transitions_total",
				Help: "Connection lifecycle transitions by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),

		QRFetchCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_qr_fetches_total",
				Help: "QR code acquisition attempts by outcome",
			},
			[]string{"outcome"},
		),

		StoreOpCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "panel_store_operations_total",
				Help: "Settings store operations by operation and status",
			},
			[]string{"operation", "status"},
		),

		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "panel_active_sessions",
				Help: "Currently mounted panel sessions",
			},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "panel_http_request_duration_seconds",
				Help:    "HTTP API request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}
