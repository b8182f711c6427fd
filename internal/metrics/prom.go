package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name:        "nfrx_coord_build_info",
			Help:        "Build information",
			ConstLabels: prometheus.Labels{"component": "server"},
		},
		[]string{"date", "sha", "version"},
	)

	serverDraining = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nfrx_coord_server_draining",
			Help: "1 while the server is draining",
		},
	)

	apiRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nfrx_coord_api_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	callDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nfrx_coord_api_call_duration_seconds",
			Help:    "Relayed request duration by outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)
)

// Register registers the server metrics with r.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, serverDraining, apiRequests, callDuration)
}

// SetServerBuildInfo sets the build info metric for the server.
func SetServerBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

func SetDraining(draining bool) {
	if draining {
		serverDraining.Set(1)
		return
	}
	serverDraining.Set(0)
}

// RecordAPIRequest counts one API response.
func RecordAPIRequest(route string, code int) {
	if route == "" {
		route = "unmatched"
	}
	apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// ObserveCall records the duration of a relayed request.
func ObserveCall(outcome string, dur time.Duration) {
	callDuration.WithLabelValues(outcome).Observe(dur.Seconds())
}
