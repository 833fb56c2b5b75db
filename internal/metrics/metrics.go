// Package metrics defines the Prometheus metrics emitted by every component
// of the core (pool, buffer, executor, scheduler, queue, coordinator).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks sessions currently checked out of a pool entry.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reportcore_pool_sessions_active",
		Help: "Number of active database sessions per connection key",
	}, []string{"connection_key"})

	// PoolEntries tracks live pool entries.
	PoolEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reportcore_pool_entries",
		Help: "Number of pool entries currently held by the manager",
	})

	// PoolOperations counts acquire/release/evict operations.
	PoolOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_pool_operations_total",
		Help: "Total pool manager operations",
	}, []string{"operation", "status"})

	// ConnectionErrors counts connection errors by kind.
	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_connection_errors_total",
		Help: "Total connection errors",
	}, []string{"connection_key", "error_type"})

	// SemaphoreQueueLength tracks waiters on the process-global connector semaphore.
	SemaphoreQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reportcore_semaphore_queue_length",
		Help: "Number of callers waiting for a connector semaphore slot",
	}, []string{"connector"})

	// SemaphoreWaitDuration tracks time spent waiting for a semaphore slot.
	SemaphoreWaitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reportcore_semaphore_wait_seconds",
		Help:    "Time spent waiting for a connector semaphore slot",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"connector"})

	// JobsTotal counts job run terminations by final status.
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_jobs_total",
		Help: "Total job runs by terminal status",
	}, []string{"job_id", "status"})

	// JobDuration tracks job run wall-clock duration.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reportcore_job_duration_seconds",
		Help:    "Job run duration",
		Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 600},
	}, []string{"job_id"})

	// QueryDuration tracks individual query execution time.
	QueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reportcore_query_duration_seconds",
		Help:    "Query execution duration",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	}, []string{"job_id"})

	// BufferDepth tracks the live row count of each sub-buffer.
	BufferDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reportcore_buffer_depth_rows",
		Help: "Rows currently held in a sub-buffer",
	}, []string{"job_id", "destination_type"})

	// BufferFlushes counts flush attempts by outcome.
	BufferFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_buffer_flushes_total",
		Help: "Total buffer flush attempts",
	}, []string{"job_id", "destination_type", "outcome"})

	// QueueDepth tracks pending units in the job queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reportcore_queue_depth",
		Help: "Pending units in the job queue",
	})

	// QueueRunning tracks units currently executing.
	QueueRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "reportcore_queue_running",
		Help: "Units currently executing in the job queue",
	})

	// QueueUnitsTotal counts queue unit terminations by outcome.
	QueueUnitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_queue_units_total",
		Help: "Total queue units by terminal outcome",
	}, []string{"job_id", "outcome"})

	// SchedulerFirings counts scheduler timer firings by outcome
	// (fired, skipped_overlap, dropped_no_connections).
	SchedulerFirings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_scheduler_firings_total",
		Help: "Total scheduler timer firings",
	}, []string{"job_id", "outcome"})

	// AdapterDispatches counts destination adapter sends by outcome.
	AdapterDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_adapter_dispatches_total",
		Help: "Total destination adapter dispatches",
	}, []string{"destination_type", "outcome"})

	// RedisOperations counts coordinator Redis operations.
	RedisOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportcore_redis_operations_total",
		Help: "Total Redis coordinator operations",
	}, []string{"operation", "status"})
)
