package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_enqueued_total", Help: "Report jobs created by the enqueuer"})
	EnqueueReused    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_enqueue_reused_total", Help: "Enqueue requests answered with an existing job"})
	RetryCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_retried_total", Help: "Failed jobs reset to pending by an explicit retry"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_rate_limit_rejects_total", Help: "Enqueue requests rejected by the rate limiter"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_claimed_total", Help: "Jobs claimed by dispatchers"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_succeeded_total", Help: "Jobs finalized as succeeded"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_failed_total", Help: "Jobs finalized as failed"})
	StaleRequeued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_jobs_stale_requeued_total", Help: "Running jobs returned to pending by the stale sweep"})
	PublishFailures  = prometheus.NewCounter(prometheus.CounterOpts{Name: "reports_realtime_publish_failures_total", Help: "Realtime notifications that could not be published"})
	RealtimeClients  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "reports_realtime_connections", Help: "Open realtime websocket connections"})
	JobsByStatus     = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "reports_jobs", Help: "Jobs by status"}, []string{"status"})
	DispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "reports_dispatch_duration_seconds",
		Help:    "Wall time of one dispatch call",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			EnqueueReused,
			RetryCounter,
			RateLimitRejects,
			JobsClaimed,
			JobsSucceeded,
			JobsFailed,
			StaleRequeued,
			PublishFailures,
			RealtimeClients,
			JobsByStatus,
			DispatchDuration,
		)
	})
	return promhttp.Handler()
}
