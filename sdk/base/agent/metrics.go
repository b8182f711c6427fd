package agent

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nfrx_coord_agent_requests_total", Help: "Requests handled by this worker by outcome"},
		[]string{"outcome"},
	)
	requestsStarted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nfrx_coord_agent_requests_started_total", Help: "Requests received from the server"},
	)
	inflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nfrx_coord_agent_inflight", Help: "Requests currently running on this worker"},
	)
	requestSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "nfrx_coord_agent_request_duration_seconds", Help: "Handler duration", Buckets: prometheus.DefBuckets},
	)
)

// RegisterMetrics registers the agent metrics with reg.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(requestsTotal, requestsStarted, inflight, requestSeconds)
}

func recordStart() { requestsStarted.Inc() }

func recordEnd(outcome string, d time.Duration) {
	requestsTotal.WithLabelValues(outcome).Inc()
	requestSeconds.Observe(d.Seconds())
}

func setInflight(n int) { inflight.Set(float64(n)) }

// StartMetricsServer exposes /metrics backed by g, or by the default
// gatherer when g is nil. It returns the resolved listen address.
func StartMetricsServer(ctx context.Context, addr string, g prometheus.Gatherer) (string, error) {
	mux := http.NewServeMux()
	if g == nil {
		mux.Handle("/metrics", promhttp.Handler())
	} else {
		mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	}
	return serveUntil(ctx, addr, mux)
}
