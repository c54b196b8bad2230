// Package metrics exposes the Prometheus collectors served on /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "snapq"

var (
	startTime = time.Now()

	UptimeSeconds = promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "uptime_seconds",
		Help:      "Time since the process started in seconds",
	}, func() float64 { return time.Since(startTime).Seconds() })

	// Queue
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "tasks_enqueued_total",
		Help:      "Tasks accepted into a queue",
	}, []string{"queue"})

	DuplicatesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "duplicates_total",
		Help:      "Enqueues resolved to an existing task by content hash",
	}, []string{"queue"})

	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Pending plus retry tasks per queue",
	}, []string{"queue"})

	LeasesReaped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "leases_reaped_total",
		Help:      "Expired leases returned to the queue or dead-lettered",
	}, []string{"queue"})

	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_total",
		Help:      "Operations deferred or rejected by a rate limiter (scope=queue/upload)",
	}, []string{"scope"})

	// Tasks
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "outcomes_total",
		Help:      "Task attempt outcomes (status=SUCCESS/RETRY/FAILURE)",
	}, []string{"queue", "status"})

	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "task",
		Name:      "duration_seconds",
		Help:      "Processor run time per attempt",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	}, []string{"queue", "kind"})

	// Pool
	Workers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Workers by lifecycle state",
	}, []string{"state"})

	ScaleDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "scale_decisions_total",
		Help:      "Autoscaler decisions by action and rule",
	}, []string{"action", "rule"})

	CPUPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "cpu_percent",
		Help:      "Last sampled host CPU utilisation",
	})

	MemoryPercent = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "pool",
		Name:      "memory_percent",
		Help:      "Last sampled host memory utilisation",
	})

	// Scheduler
	IsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "leader",
		Help:      "1 while this process holds the scheduler lease",
	})

	ScheduleFires = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scheduler",
		Name:      "fires_total",
		Help:      "Scheduled tasks enqueued per entry",
	}, []string{"entry"})

	// Ingress
	Sessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ingress",
		Name:      "sessions",
		Help:      "Open websocket sessions",
	})

	UploadBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingress",
		Name:      "upload_bytes_total",
		Help:      "Decoded bytes received over websocket uploads",
	})

	SessionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ingress",
		Name:      "errors_total",
		Help:      "Error replies sent to clients by fault kind",
	}, []string{"kind"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
