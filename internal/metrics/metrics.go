// Package metrics provides Prometheus metrics for the Burrow broker.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "burrow"
)

// Metrics contains all Prometheus metrics for the broker.
type Metrics struct {
	// Session metrics
	SessionsActive     prometheus.Gauge
	SessionsTotal      *prometheus.CounterVec
	SessionsEvicted    prometheus.Counter
	SessionDisconnects *prometheus.CounterVec

	// Authentication metrics
	HandshakeLatency prometheus.Histogram
	AuthSuccess      *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec

	// Service metrics
	ServicesRegistered prometheus.Gauge

	// Stream and route metrics
	StreamsOpened    prometheus.Counter
	RoutesActive     prometheus.Gauge
	RoutesTotal      *prometheus.CounterVec
	RouteRejections  *prometheus.CounterVec
	RouteDuration    prometheus.Histogram
	RouteBytesCopied prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of currently live tunnel sessions",
		}),
		SessionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total tunnel sessions accepted by transport kind",
		}, []string{"transport"}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_evicted_total",
			Help:      "Total sessions evicted over service name collisions",
		}),
		SessionDisconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_disconnects_total",
			Help:      "Total session terminations by outcome",
		}, []string{"outcome"}),

		HandshakeLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handshake_latency_seconds",
			Help:      "Histogram of authentication handshake latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		AuthSuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_success_total",
			Help:      "Successful handshakes by authenticator kind",
		}, []string{"kind"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Failed handshakes by rejection reason",
		}, []string{"reason"}),

		ServicesRegistered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "services_registered",
			Help:      "Number of service names with an Active owner",
		}),

		StreamsOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "streams_opened_total",
			Help:      "Total logical streams opened by peers",
		}),
		RoutesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes_active",
			Help:      "Number of currently bridged routes",
		}),
		RoutesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routes_total",
			Help:      "Total routes established by service",
		}, []string{"service"}),
		RouteRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_rejections_total",
			Help:      "Total stream-open rejections by reason",
		}, []string{"reason"}),
		RouteDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "route_duration_seconds",
			Help:      "Histogram of route lifetimes",
			Buckets:   []float64{.1, .5, 1, 5, 15, 60, 300, 1800, 7200},
		}),
		RouteBytesCopied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_bytes_copied_total",
			Help:      "Total bytes copied across all routes, both directions",
		}),
	}
}
