// Package metrics exposes the Prometheus instrumentation for the delivery
// pipeline and session lifecycle.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopwa_jobs_enqueued_total",
			Help: "Delivery jobs enqueued by category",
		},
		[]string{"category"},
	)

	jobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shopwa_jobs_processed_total",
			Help: "Delivery job attempts by outcome (sent, retried, failed)",
		},
		[]string{"outcome"},
	)

	sendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shopwa_send_duration_seconds",
			Help:    "Time spent sending one message, session wait included",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30, 60},
		},
	)

	sessionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shopwa_sessions_connected",
			Help: "Tenant sessions currently connected",
		},
	)

	claimThrottled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shopwa_claims_throttled_total",
			Help: "Queue claim attempts deferred by the rate limiter",
		},
	)
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordEnqueued(category string) {
	jobsEnqueued.WithLabelValues(category).Inc()
}

func RecordProcessed(outcome string) {
	jobsProcessed.WithLabelValues(outcome).Inc()
}

func ObserveSendDuration(d time.Duration) {
	sendDuration.Observe(d.Seconds())
}

func SessionConnected() {
	sessionsConnected.Inc()
}

func SessionDisconnected() {
	sessionsConnected.Dec()
}

func RecordClaimThrottled() {
	claimThrottled.Inc()
}
