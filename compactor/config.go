package compactor

import (
	"fmt"
	"math"
	"time"

	"github.com/chronoseg/compactor/chunkmerge"
	"github.com/chronoseg/compactor/internal/logger"
	"github.com/chronoseg/compactor/level"
	"github.com/chronoseg/compactor/schedule"
	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
	"github.com/chronoseg/compactor/selector"
)

// Option configures the Engine.
type Option func(*Config) error

// Config holds every tunable the engine's components need. Most fields
// mirror one component's own Config type directly; Engine is what wires
// them together.
type Config struct {
	// RootDir holds one subdirectory per partition (storage group), each
	// containing that partition's sequence and unsequence segment files.
	RootDir string

	// Catalogue resolves a series name to its scalar data type.
	Catalogue segstore.Catalogue

	// RetentionHorizon excludes segments whose every device's maxTime falls
	// at or before it from ever entering a working set.
	RetentionHorizon int64

	ChunkMerge chunkmerge.Config
	Level      level.Config
	Schedule   schedule.Config

	SelectorStrategy selector.Strategy
	SizeEstimator    selector.SizeEstimator
	MemoryBudget     int64
	SelectionBudget  time.Duration

	// Backends archive a squeeze/inplace commit's output after it durably
	// lands; failures here are logged, never fatal to the merge itself.
	Backends []ArchiveBackend

	// MetricsEnabled toggles the Prometheus counters/histograms in
	// monitoring; metrics are cheap enough to leave on by default.
	MetricsEnabled bool

	// ErrorHandler, if set, is invoked for every merge task that fails
	// instead of propagating the failure to the scheduler's shared errgroup
	// context: one partition's merge failing must never cooperatively
	// cancel an unrelated partition's concurrent merge. The default handler
	// logs at error level and does nothing else.
	ErrorHandler func(partition string, stage Stage, err error)
}

// ArchiveBackend pushes a committed segment's bytes to cold storage, keyed
// by its final path. The concrete fs/s3/azure/gcs backends in the backends
// package each satisfy this directly.
type ArchiveBackend interface {
	Name() string
	Archive(path string) error
	Close() error
}

// WithRootDir sets the directory the engine scans for partitions and
// segments. Required.
func WithRootDir(path string) Option {
	return func(c *Config) error {
		c.RootDir = path
		return nil
	}
}

// WithCatalogue supplies the series-to-datatype lookup. Required.
func WithCatalogue(cat segstore.Catalogue) Option {
	return func(c *Config) error {
		c.Catalogue = cat
		return nil
	}
}

// WithRetentionHorizon excludes segments entirely older than t from every
// future working set.
func WithRetentionHorizon(t int64) Option {
	return func(c *Config) error {
		c.RetentionHorizon = t
		return nil
	}
}

// WithChunkMergeConfig overrides ChunkMerger's tunables.
func WithChunkMergeConfig(cfg chunkmerge.Config) Option {
	return func(c *Config) error {
		c.ChunkMerge = cfg
		return nil
	}
}

// WithLevelConfig overrides LeveledCompactor's tunables.
func WithLevelConfig(cfg level.Config) Option {
	return func(c *Config) error {
		c.Level = cfg
		return nil
	}
}

// WithScheduleConfig overrides MergeScheduler's tunables.
func WithScheduleConfig(cfg schedule.Config) Option {
	return func(c *Config) error {
		c.Schedule = cfg
		return nil
	}
}

// WithSelectorStrategy chooses between files-merged and series-covered
// selection.
func WithSelectorStrategy(strategy selector.Strategy) Option {
	return func(c *Config) error {
		c.SelectorStrategy = strategy
		return nil
	}
}

// WithSizeEstimator overrides the per-segment cost function FileSelector
// uses against the memory budget.
func WithSizeEstimator(fn selector.SizeEstimator) Option {
	return func(c *Config) error {
		c.SizeEstimator = fn
		return nil
	}
}

// WithMemoryBudget sets FileSelector's byte budget for one selection pass.
func WithMemoryBudget(bytes int64) Option {
	return func(c *Config) error {
		if bytes <= 0 {
			return fmt.Errorf("compactor: memory budget must be positive")
		}
		c.MemoryBudget = bytes
		return nil
	}
}

// WithSelectionBudget sets FileSelector's wall-clock cap.
func WithSelectionBudget(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return fmt.Errorf("compactor: selection budget must be positive")
		}
		c.SelectionBudget = d
		return nil
	}
}

// WithArchiveBackend registers a cold-storage backend that receives every
// committed segment's final path.
func WithArchiveBackend(b ArchiveBackend) Option {
	return func(c *Config) error {
		c.Backends = append(c.Backends, b)
		return nil
	}
}

// WithMetrics toggles Prometheus instrumentation.
func WithMetrics(enabled bool) Option {
	return func(c *Config) error {
		c.MetricsEnabled = enabled
		return nil
	}
}

// WithErrorHandler overrides how a failed merge task is reported. Only one
// handler is active at a time; the last call wins.
func WithErrorHandler(fn func(partition string, stage Stage, err error)) Option {
	return func(c *Config) error {
		c.ErrorHandler = fn
		return nil
	}
}

func defaultConfig() *Config {
	return &Config{
		RootDir:          "/var/lib/chronoseg/segments",
		RetentionHorizon: math.MinInt64,
		ChunkMerge: chunkmerge.Config{
			SubWorkers:       4,
			MinChunkPointNum: 100,
		},
		Level: level.Config{
			FilesPerLevel:      []int{10, 10, 10},
			UnseqFilesPerLevel: []int{10, 10},
			UnseqLevels:        1,
			CheckInterval:      time.Minute,
		},
		Schedule: schedule.Config{
			MergeThreadNum:         4,
			MergeChunkSubThreadNum: 8,
		},
		SelectorStrategy: selector.MaxFiles,
		SizeEstimator:    defaultSizeEstimator,
		MemoryBudget:     256 << 20,
		SelectionBudget:  30 * time.Second,
		MetricsEnabled:   true,
		ErrorHandler:     defaultErrorHandler,
	}
}

func defaultErrorHandler(partition string, stage Stage, err error) {
	logger.ForPartition("compactor", partition).Error().Str("stage", string(stage)).Err(err).Msg("merge task failed")
}

func defaultSizeEstimator(s *segment.Segment) int64 {
	if s.SizeBytes > 0 {
		return s.SizeBytes
	}
	return 1 << 20 // 1MiB: a conservative stand-in when size wasn't recorded
}

func (c *Config) validate() error {
	if c.RootDir == "" {
		return fmt.Errorf("compactor: root directory is required")
	}
	if c.Catalogue == nil {
		return fmt.Errorf("compactor: catalogue is required")
	}
	if c.SizeEstimator == nil {
		c.SizeEstimator = defaultSizeEstimator
	}
	if c.ErrorHandler == nil {
		c.ErrorHandler = defaultErrorHandler
	}
	return nil
}
