package scraper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts finished task attempts by type and outcome.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scraper_tasks_processed_total",
		Help: "Task attempts that reached an outcome, labeled by task type and outcome.",
	}, []string{"task_type", "outcome"})

	// EthicalViolations counts tasks rejected by robots.txt.
	EthicalViolations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_ethical_violations_total",
		Help: "Tasks failed permanently because robots.txt disallows the target path.",
	})

	// ThrottleDelay observes the delay imposed per domain before a request.
	ThrottleDelay = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scraper_throttle_delay_seconds",
		Help:    "Time spent waiting on the per-domain compliance throttle.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
	})

	// PoolActive tracks handles currently checked out of the pool.
	PoolActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_pool_active_handles",
		Help: "Browser handles currently checked out, including overflow handles.",
	})

	// PoolIdle tracks handles parked in the pool.
	PoolIdle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scraper_pool_idle_handles",
		Help: "Browser handles idle in the pool.",
	})

	// OverflowHandles counts transient handles created beyond pool capacity.
	OverflowHandles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "scraper_pool_overflow_handles_total",
		Help: "Handles created beyond configured capacity to satisfy a waiting acquire.",
	})
)
