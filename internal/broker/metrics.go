package broker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics holds the broker's instrumentation on a private registry, so
// multiple Server values can coexist in one process.
type metrics struct {
	registry *prometheus.Registry

	sessionsConnected prometheus.Gauge
	requestsTotal     *prometheus.CounterVec
	streamChunks      prometheus.Counter
	requestDuration   prometheus.Histogram
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		sessionsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "remotellm_connected_sessions",
			Help: "Connector sessions currently registered.",
		}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "remotellm_relay_requests_total",
			Help: "Relayed API requests by outcome.",
		}, []string{"outcome"}),
		streamChunks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "remotellm_stream_chunks_total",
			Help: "Stream chunks forwarded to external callers.",
		}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "remotellm_request_duration_seconds",
			Help:    "End-to-end relay latency.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}
	m.registry.MustRegister(m.sessionsConnected, m.requestsTotal, m.streamChunks, m.requestDuration)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
