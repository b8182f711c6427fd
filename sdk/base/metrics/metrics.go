package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	workersConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Name: "nfrx_coord_workers", Help: "Registered workers by status"},
		[]string{"status"},
	)
	registrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nfrx_coord_registrations_total", Help: "Worker registration attempts by outcome"},
		[]string{"outcome"},
	)
	disconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nfrx_coord_disconnects_total", Help: "Worker removals by reason"},
		[]string{"reason"},
	)
	heartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "nfrx_coord_heartbeats_total", Help: "Heartbeats received from workers"},
	)
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nfrx_coord_dispatch_total", Help: "Dispatch attempts by outcome"},
		[]string{"outcome"},
	)
	requestInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "nfrx_coord_request_inflight", Help: "Requests dispatched and not yet completed"},
	)
	requestCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "nfrx_coord_request_completed_total", Help: "Requests released by outcome"},
		[]string{"outcome"},
	)
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "nfrx_coord_request_duration_seconds", Help: "Time from dispatch to completion", Buckets: prometheus.DefBuckets},
	)
)

// Register registers the coordination metrics with the provided registerer.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(workersConnected, registrationsTotal, disconnectsTotal, heartbeatsTotal, dispatchTotal, requestInflight, requestCompletedTotal, requestDuration)
}

// SetWorkers publishes the number of workers in each status.
func SetWorkers(byStatus map[string]int) {
	workersConnected.Reset()
	for status, n := range byStatus {
		workersConnected.WithLabelValues(status).Set(float64(n))
	}
}

func RecordRegistration(outcome string) { registrationsTotal.WithLabelValues(outcome).Inc() }

func RecordDisconnect(reason string) { disconnectsTotal.WithLabelValues(reason).Inc() }

func RecordHeartbeat() { heartbeatsTotal.Inc() }

func RecordDispatch(outcome string) {
	dispatchTotal.WithLabelValues(outcome).Inc()
	if outcome == "assigned" {
		requestInflight.Inc()
	}
}

// RecordComplete releases one in-flight request. outcome is one of
// "success", "error", "cancelled", "abandoned".
func RecordComplete(outcome string, dur time.Duration) {
	requestInflight.Dec()
	requestCompletedTotal.WithLabelValues(outcome).Inc()
	if dur > 0 {
		requestDuration.Observe(dur.Seconds())
	}
}
