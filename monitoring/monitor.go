package monitoring

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Config represents monitoring configuration.
type Config struct {
	UpdateInterval time.Duration
	EnableProfiler bool
	WindowSize     int
}

// DefaultConfig returns default monitoring configuration.
func DefaultConfig() *Config {
	return &Config{
		UpdateInterval: 10 * time.Second,
		EnableProfiler: false,
		WindowSize:     60,
	}
}

// NewMonitor creates a new monitor from config.
func NewMonitor(cfg *Config) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	m := &Monitor{
		updateInterval: cfg.UpdateInterval,
		enableProfiler: cfg.EnableProfiler,
		windowSize:     cfg.WindowSize,
		taskWindow:     make([]int64, cfg.WindowSize),
	}

	return m
}

// Monitor tracks merge-engine throughput and health across every partition,
// feeding the Prometheus gauges in metrics.go on a periodic tick instead of
// on every call, so a busy engine doesn't pay a Prometheus write per chunk.
type Monitor struct {
	mu              sync.RWMutex
	started         atomic.Bool
	taskCount       int64
	errorCount      int64
	lastTaskTime    time.Time
	startTime       time.Time
	ctx             context.Context
	cancel          context.CancelFunc

	// Sliding window for throughput calculation.
	taskWindow  []int64
	windowSize  int
	windowIndex int

	updateInterval time.Duration
	enableProfiler bool
}

// Option configures the monitor.
type Option func(*Monitor)

// WithUpdateInterval sets the metrics update interval.
func WithUpdateInterval(interval time.Duration) Option {
	return func(m *Monitor) {
		m.updateInterval = interval
	}
}

// WithProfiler enables memory profiling.
func WithProfiler(enabled bool) Option {
	return func(m *Monitor) {
		m.enableProfiler = enabled
	}
}

// New creates a new monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		updateInterval: 10 * time.Second,
		windowSize:     60,
		taskWindow:     make([]int64, 60),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start starts the monitor's background metrics updater.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	m.mu.Lock()
	m.startTime = time.Now()
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.mu.Unlock()

	go m.runMetricsUpdater()
}

// Stop stops the monitor.
func (m *Monitor) Stop() {
	if !m.started.CompareAndSwap(true, false) {
		return
	}

	if m.cancel != nil {
		m.cancel()
	}
}

// IncrementTaskCount increments the completed-task counter.
func (m *Monitor) IncrementTaskCount() {
	atomic.AddInt64(&m.taskCount, 1)
	m.mu.Lock()
	m.lastTaskTime = time.Now()
	m.mu.Unlock()
}

// IncrementErrorCount increments the error counter.
func (m *Monitor) IncrementErrorCount() {
	atomic.AddInt64(&m.errorCount, 1)
}

// RecordTask records one completed merge task, successful or not.
func (m *Monitor) RecordTask(population, strategy string, duration time.Duration, success bool) {
	m.IncrementTaskCount()
	if !success {
		m.IncrementErrorCount()
	}
	RecordMergeTask(population, strategy, duration, success)
}

// RecordArchive records one archive backend write attempt.
func (m *Monitor) RecordArchive(backend string, duration time.Duration, success bool) {
	if !success {
		m.IncrementErrorCount()
	}
	RecordArchiveOperation(backend, duration, success)
}

// GetStats returns current statistics.
func (m *Monitor) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	uptime := time.Since(m.startTime)
	tasks := atomic.LoadInt64(&m.taskCount)
	errors := atomic.LoadInt64(&m.errorCount)

	errorRate := float64(0)
	if tasks > 0 {
		errorRate = float64(errors) / float64(tasks)
	}

	throughput := m.calculateThroughput()

	return Stats{
		Uptime:        uptime,
		TasksComplete: tasks,
		ErrorCount:    errors,
		ErrorRate:     errorRate,
		Throughput:    throughput,
		LastTaskTime:  m.lastTaskTime,
	}
}

// calculateThroughput calculates current throughput over the sliding window.
func (m *Monitor) calculateThroughput() float64 {
	total := int64(0)
	count := 0

	for _, v := range m.taskWindow {
		if v > 0 {
			total += v
			count++
		}
	}

	if count == 0 {
		return 0
	}

	avgPerInterval := float64(total) / float64(count)
	intervalsPerSecond := 1.0 / m.updateInterval.Seconds()
	return avgPerInterval * intervalsPerSecond
}

// runMetricsUpdater updates metrics periodically.
func (m *Monitor) runMetricsUpdater() {
	ticker := time.NewTicker(m.updateInterval)
	defer ticker.Stop()

	lastTaskCount := int64(0)

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.updateMetrics(&lastTaskCount)
		}
	}
}

// updateMetrics updates all periodic gauges.
func (m *Monitor) updateMetrics(lastTaskCount *int64) {
	currentCount := atomic.LoadInt64(&m.taskCount)
	intervalTasks := currentCount - *lastTaskCount
	*lastTaskCount = currentCount

	m.mu.Lock()
	m.taskWindow[m.windowIndex] = intervalTasks
	m.windowIndex = (m.windowIndex + 1) % m.windowSize
	throughput := m.calculateThroughput()
	m.mu.Unlock()

	UpdateMergeThroughput(throughput)

	errors := atomic.LoadInt64(&m.errorCount)
	errorRate := float64(0)
	if currentCount > 0 {
		errorRate = float64(errors) / float64(currentCount)
	}
	UpdateErrorRate("merge", errorRate)

	if m.enableProfiler {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		UpdateMemoryUsage(int64(memStats.Alloc))
	}
}

// Stats contains monitor statistics.
type Stats struct {
	Uptime        time.Duration
	TasksComplete int64
	ErrorCount    int64
	ErrorRate     float64
	Throughput    float64 // merge tasks per second
	LastTaskTime  time.Time
}

// HealthCheck performs a health check against recent merge activity.
func (m *Monitor) HealthCheck() Health {
	stats := m.GetStats()

	status := HealthStatusHealthy
	var issues []string

	if stats.ErrorRate > 0.05 {
		status = HealthStatusDegraded
		issues = append(issues, "high merge error rate")
	}

	if stats.ErrorRate > 0.5 {
		status = HealthStatusUnhealthy
	}

	if stats.TasksComplete > 0 && time.Since(stats.LastTaskTime) > 30*time.Minute {
		if status == HealthStatusHealthy {
			status = HealthStatusDegraded
		}
		issues = append(issues, "no recent merge activity")
	}

	return Health{
		Status:    status,
		Timestamp: time.Now(),
		Uptime:    stats.Uptime,
		Issues:    issues,
		Stats:     stats,
	}
}

// Health represents health status.
type Health struct {
	Status    HealthStatus
	Timestamp time.Time
	Uptime    time.Duration
	Issues    []string
	Stats     Stats
}

// HealthStatus represents health status.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)
