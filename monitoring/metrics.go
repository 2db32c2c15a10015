// Package monitoring provides Prometheus metrics for the merge engine.
package monitoring

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MergeTasksCompleted tracks the total number of merge tasks completed,
	// by population, strategy ("squeeze" or "inplace"), and outcome.
	MergeTasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_merge_tasks_total",
		Help: "Total number of merge tasks completed",
	}, []string{"population", "strategy", "status"})

	// MergeDuration tracks merge task wall-clock duration.
	MergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronoseg_compactor_merge_duration_seconds",
		Help:    "Merge task duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 15), // 10ms to ~160s
	}, []string{"population", "strategy"})

	// MergedBytes tracks the size of segments produced by a merge.
	MergedBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "chronoseg_compactor_merged_segment_bytes",
		Help:    "Size of segments produced by a merge, in bytes",
		Buckets: prometheus.ExponentialBuckets(1<<10, 2, 20), // 1KiB to 512MiB
	})

	// ChunksMerged tracks chunks copied vs. actually re-encoded by
	// ChunkMerger, by decision ("copy", "decode", "merge").
	ChunksMerged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_chunks_processed_total",
		Help: "Total number of chunks processed by the chunk merger",
	}, []string{"decision"})

	// JournalRecoveries tracks the total number of leftover merge journals
	// rolled forward or backward on startup, by outcome.
	JournalRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_journal_recoveries_total",
		Help: "Total number of merge journal recovery attempts",
	}, []string{"status"})

	// SelectionCandidates tracks how many files FileSelector considered vs.
	// actually chose for a collapse-unseq selection pass.
	SelectionCandidates = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronoseg_compactor_selection_candidates",
		Help:    "Number of files considered per selection pass",
		Buckets: prometheus.LinearBuckets(1, 5, 10),
	}, []string{"population"})

	// LevelFileCount tracks how many files currently sit in a partition's
	// level, by population and level index.
	LevelFileCount = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_level_file_count",
		Help: "Current number of files held at a level",
	}, []string{"partition", "population", "level"})

	// ArchiveOperations tracks cold-storage archive attempts.
	ArchiveOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_archive_operations_total",
		Help: "Total number of archive backend operations",
	}, []string{"backend", "status"})

	// ArchiveLatency tracks archive backend operation latency.
	ArchiveLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chronoseg_compactor_archive_latency_seconds",
		Help:    "Archive backend operation latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"backend"})

	// RetryAttempts tracks the total number of retry attempts against an
	// external collaborator (archive backend I/O).
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_retry_attempts_total",
		Help: "Total number of retry attempts",
	}, []string{"operation", "status"})

	// CircuitBreakerState tracks circuit breaker state (0=closed, 1=open,
	// 2=half-open) per named breaker.
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"breaker"})

	// CircuitBreakerTrips tracks the total number of circuit breaker trips.
	CircuitBreakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chronoseg_compactor_circuit_breaker_trips_total",
		Help: "Total number of circuit breaker trips",
	}, []string{"breaker"})

	// ActivePartitions tracks the number of partitions the engine knows
	// about.
	ActivePartitions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_active_partitions",
		Help: "Number of partitions currently tracked by the engine",
	})

	// ErrorRate tracks the current merge error rate by pipeline stage.
	ErrorRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_error_rate",
		Help: "Current merge error rate by pipeline stage",
	}, []string{"stage"})

	// MergeThroughput tracks current merge throughput in completed tasks per
	// second.
	MergeThroughput = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_merge_throughput_tasks_per_second",
		Help: "Current merge throughput in tasks per second",
	})

	// ReclaimedBytes tracks the total bytes retired (deleted) from
	// consumed unsequence and input files.
	ReclaimedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chronoseg_compactor_reclaimed_bytes_total",
		Help: "Total bytes reclaimed from retired input segments",
	})

	// MemoryUsage tracks the current process memory usage in bytes.
	MemoryUsage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chronoseg_compactor_memory_usage_bytes",
		Help: "Current memory usage in bytes",
	})
)

// RecordMergeTask records a completed merge task's outcome and duration.
func RecordMergeTask(population, strategy string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	MergeTasksCompleted.WithLabelValues(population, strategy, status).Inc()
	MergeDuration.WithLabelValues(population, strategy).Observe(duration.Seconds())
}

// RecordMergedSegmentSize records the size of a freshly produced segment.
func RecordMergedSegmentSize(bytes int64) {
	MergedBytes.Observe(float64(bytes))
}

// RecordChunkDecision records one chunk's merge-case disposition.
func RecordChunkDecision(decision string) {
	ChunksMerged.WithLabelValues(decision).Inc()
}

// RecordJournalRecovery records a journal recovery attempt's outcome.
func RecordJournalRecovery(success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	JournalRecoveries.WithLabelValues(status).Inc()
}

// RecordSelection records how many candidates a selection pass considered.
func RecordSelection(population string, candidates int) {
	SelectionCandidates.WithLabelValues(population).Observe(float64(candidates))
}

// UpdateLevelFileCount updates the gauge for one partition/population/level.
func UpdateLevelFileCount(partition, population string, levelIndex, count int) {
	LevelFileCount.WithLabelValues(partition, population, strconv.Itoa(levelIndex)).Set(float64(count))
}

// RecordArchiveOperation records an archive backend write attempt.
func RecordArchiveOperation(backend string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	ArchiveOperations.WithLabelValues(backend, status).Inc()
	ArchiveLatency.WithLabelValues(backend).Observe(duration.Seconds())
}

// RecordRetry records a retry attempt against an external collaborator.
func RecordRetry(operation string, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}
	RetryAttempts.WithLabelValues(operation, status).Inc()
}

// UpdateCircuitBreakerState updates a named circuit breaker's state gauge.
func UpdateCircuitBreakerState(breaker string, state int) {
	CircuitBreakerState.WithLabelValues(breaker).Set(float64(state))
}

// RecordCircuitBreakerTrip records a circuit breaker trip.
func RecordCircuitBreakerTrip(breaker string) {
	CircuitBreakerTrips.WithLabelValues(breaker).Inc()
}

// UpdateActivePartitions updates the active partition count.
func UpdateActivePartitions(count int) {
	ActivePartitions.Set(float64(count))
}

// UpdateErrorRate updates the error rate for one pipeline stage.
func UpdateErrorRate(stage string, rate float64) {
	ErrorRate.WithLabelValues(stage).Set(rate)
}

// UpdateMergeThroughput updates the merge throughput gauge.
func UpdateMergeThroughput(tasksPerSecond float64) {
	MergeThroughput.Set(tasksPerSecond)
}

// RecordReclaimedBytes adds to the reclaimed-bytes counter.
func RecordReclaimedBytes(bytes int64) {
	ReclaimedBytes.Add(float64(bytes))
}

// UpdateMemoryUsage updates the memory usage gauge.
func UpdateMemoryUsage(bytes int64) {
	MemoryUsage.Set(float64(bytes))
}
