// Package metrics exposes Prometheus collectors for download jobs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts finished jobs by media kind, the strategy that produced
	// the file and the result.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubefetch_jobs_total",
		Help: "Total number of download jobs by kind, strategy and result",
	}, []string{"kind", "strategy", "result"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubefetch_job_duration_seconds",
		Help:    "Wall time of download jobs from start to publish",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300, 600},
	}, []string{"kind", "result"})

	// FallbackAttempts counts launches of each yt-dlp candidate by outcome
	// (ok, not_found, failed).
	FallbackAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubefetch_fallback_attempts_total",
		Help: "Fallback tool candidate launches by candidate and outcome",
	}, []string{"candidate", "outcome"})

	UploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tubefetch_uploads_total",
		Help: "Remote uploads by backend and result",
	}, []string{"backend", "result"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubefetch_active_jobs",
		Help: "Number of jobs that have not reached a terminal state",
	})

	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tubefetch_websocket_clients",
		Help: "Number of connected websocket clients",
	})

	// HTTPRequestDuration is labeled by chi route pattern, not raw path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tubefetch_http_request_duration_seconds",
		Help:    "HTTP request latencies in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

// ObserveJob records one finished job.
func ObserveJob(kind, strategy string, ok bool, d time.Duration) {
	result := resultLabel(ok)
	JobsTotal.WithLabelValues(kind, strategy, result).Inc()
	JobDuration.WithLabelValues(kind, result).Observe(d.Seconds())
}

func RecordFallbackAttempt(candidate, outcome string) {
	FallbackAttempts.WithLabelValues(candidate, outcome).Inc()
}

func RecordUpload(backend string, ok bool) {
	UploadsTotal.WithLabelValues(backend, resultLabel(ok)).Inc()
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
