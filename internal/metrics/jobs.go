package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() { register(jobsTotal, jobDuration, queueDepth, ingressRejectedTotal) }

var (
	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrelay_jobs_total",
			Help: "Finished jobs by kind, ingress and outcome.",
		},
		[]string{"kind", "ingress", "outcome"}, // outcome: ok, failed, timeout, dropped
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webrelay_job_duration_seconds",
			Help:    "Job execution time from worker pickup to result.",
			Buckets: []float64{1, 5, 10, 20, 40, 60, 90, 120, 180, 300},
		},
		[]string{"kind"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webrelay_queue_depth",
			Help: "Jobs waiting for the worker.",
		},
	)

	ingressRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webrelay_ingress_rejected_total",
			Help: "Jobs rejected before enqueue, by ingress and reason.",
		},
		[]string{"ingress", "reason"}, // reason: invalid, duplicate, queue_full, closed
	)
)

func ObserveJob(kind, ingress, outcome string, d time.Duration) {
	jobsTotal.WithLabelValues(norm(kind), norm(ingress), norm(outcome)).Inc()
	jobDuration.WithLabelValues(norm(kind)).Observe(d.Seconds())
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

func IncRejected(ingress, reason string) {
	ingressRejectedTotal.WithLabelValues(norm(ingress), norm(reason)).Inc()
}
