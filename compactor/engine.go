package compactor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronoseg/compactor/chunkmerge"
	"github.com/chronoseg/compactor/commit"
	"github.com/chronoseg/compactor/internal/logger"
	"github.com/chronoseg/compactor/journal"
	"github.com/chronoseg/compactor/level"
	"github.com/chronoseg/compactor/monitoring"
	"github.com/chronoseg/compactor/resilience"
	"github.com/chronoseg/compactor/resource"
	"github.com/chronoseg/compactor/schedule"
	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
	"github.com/chronoseg/compactor/selector"
)

// Engine is the runnable compaction engine: it owns one LeveledCompactor and
// MergeScheduler, and drives MergeResource/UnseqPointReader/FileSelector/
// ChunkMerger/FileCommitter/SqueezeMerger/MergeJournal for every task the
// level index submits.
type Engine struct {
	cfg       Config
	log       zerolog.Logger
	level      *level.Compactor
	scheduler  *schedule.Scheduler
	selector   *selector.Selector
	monitor    *monitoring.Monitor
	resilience *resilience.Manager

	mu         sync.Mutex
	partitions map[string]bool
	closed     bool
}

// New builds and starts an Engine: it replays any journal left behind by a
// prior crash, scans RootDir for existing partitions and segments, and
// starts the level index's background promotion loop.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("compactor: invalid option: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("compactor: configuration validation failed: %w", err)
	}

	e := &Engine{
		cfg:        *cfg,
		log:        logger.For("compactor"),
		scheduler:  schedule.New(context.Background(), cfg.Schedule),
		selector:   selector.New(cfg.SelectorStrategy, cfg.SizeEstimator, nil),
		partitions: make(map[string]bool),
	}
	e.level = level.New(cfg.Level, &schedulerAdapter{e: e})
	if cfg.MetricsEnabled {
		e.monitor = monitoring.New()
		e.monitor.Start()
	}

	var resilienceOpts []resilience.Option
	for _, b := range cfg.Backends {
		resilienceOpts = append(resilienceOpts, resilience.WithCircuitBreaker(b.Name(), resilience.CircuitBreakerConfig{
			MaxFailures:  5,
			ResetTimeout: 60 * time.Second,
		}))
	}
	e.resilience = resilience.New(resilienceOpts...)

	if err := e.recoverJournals(); err != nil {
		return nil, fmt.Errorf("compactor: startup recovery failed: %w", err)
	}
	if err := e.scanExisting(); err != nil {
		return nil, fmt.Errorf("compactor: scanning %s failed: %w", cfg.RootDir, err)
	}

	if err := e.level.Start(); err != nil {
		return nil, fmt.Errorf("compactor: starting level index: %w", err)
	}
	return e, nil
}

// recoverJournals rolls forward or backward every leftover merge journal
// found in a RootDir/<partition>/<population> directory (where merge tasks
// write them) before any new segment is registered, per §4.7.
func (e *Engine) recoverJournals() error {
	matches, err := filepath.Glob(filepath.Join(e.cfg.RootDir, "*", "*", "*.merge.journal"))
	if err != nil {
		return err
	}
	for _, path := range matches {
		if err := journal.Recover(path, journal.OSFileOps); err != nil {
			monitoring.RecordJournalRecovery(false)
			return fmt.Errorf("recover %s: %w", path, err)
		}
		monitoring.RecordJournalRecovery(true)
		e.log.Info().Str("journal", path).Msg("recovered leftover merge journal")
	}
	return nil
}

// scanExisting walks RootDir/<partition>/{sequence,unsequence}/* and
// registers every sealed segment it finds with the level index.
func (e *Engine) scanExisting() error {
	entries, err := os.ReadDir(e.cfg.RootDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		partition := entry.Name()
		if err := e.scanPopulation(partition, "sequence", e.AddSequenceSegment); err != nil {
			return err
		}
		if err := e.scanPopulation(partition, "unsequence", e.AddUnsequenceSegment); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) scanPopulation(partition, sub string, add func(partition, path string) error) error {
	dir := filepath.Join(e.cfg.RootDir, partition, sub)
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, f := range files {
		name := f.Name()
		if f.IsDir() || isSidecarOrTemp(name) {
			continue
		}
		if err := add(partition, filepath.Join(dir, name)); err != nil {
			return fmt.Errorf("register %s: %w", name, err)
		}
	}
	return nil
}

func isSidecarOrTemp(name string) bool {
	return strings.HasSuffix(name, ".resource") ||
		strings.HasSuffix(name, ".mods") ||
		strings.Contains(name, ".merge.")
}

// Close stops the level index's background loop and cancels every running
// merge task, then closes any registered archive backends.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	if err := e.level.Stop(); err != nil {
		e.log.Warn().Err(err).Msg("stopping level index")
	}
	e.scheduler.Cancel()
	_ = e.scheduler.Wait()

	if e.monitor != nil {
		e.monitor.Stop()
	}

	for _, b := range e.cfg.Backends {
		if err := b.Close(); err != nil {
			e.log.Warn().Str("backend", b.Name()).Err(err).Msg("closing archive backend")
		}
	}
	return nil
}

// TriggerMerge forces an immediate promotion check for one partition instead
// of waiting for the level index's periodic sweep.
func (e *Engine) TriggerMerge(partition string) error {
	e.mu.Lock()
	known := e.partitions[partition]
	closed := e.closed
	e.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if !known {
		return ErrUnknownPartition
	}
	e.level.CheckPartition(partition)
	return nil
}

// Stats returns a snapshot of the engine's merge-task throughput and health,
// or the zero Stats if metrics are disabled.
func (e *Engine) Stats() monitoring.Stats {
	if e.monitor == nil {
		return monitoring.Stats{}
	}
	return e.monitor.GetStats()
}

// HealthCheck reports the engine's current health, or a healthy zero-value
// report if metrics are disabled.
func (e *Engine) HealthCheck() monitoring.Health {
	if e.monitor == nil {
		return monitoring.Health{Status: monitoring.HealthStatusHealthy}
	}
	return e.monitor.HealthCheck()
}

// Partitions returns the names of every partition the engine currently
// tracks.
func (e *Engine) Partitions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.partitions))
	for p := range e.partitions {
		out = append(out, p)
	}
	return out
}

// LevelCounts reports how many files currently sit at each sequence and
// unsequence level for a partition.
func (e *Engine) LevelCounts(partition string) (sequence []int, unsequence []int) {
	return e.level.LevelCounts(partition)
}

// AddSequenceSegment registers a newly sealed sequence file with the level
// index, opening it just long enough to read its resource descriptor.
func (e *Engine) AddSequenceSegment(partition, path string) error {
	seg, err := e.openSealedSegment(path)
	if err != nil {
		return err
	}
	e.markPartitionKnown(partition)
	e.level.AddSequenceSegment(partition, seg)
	return nil
}

// AddUnsequenceSegment registers a newly sealed unsequence file.
func (e *Engine) AddUnsequenceSegment(partition, path string) error {
	seg, err := e.openSealedSegment(path)
	if err != nil {
		return err
	}
	e.markPartitionKnown(partition)
	e.level.AddUnsequenceSegment(partition, seg)
	return nil
}

func (e *Engine) markPartitionKnown(partition string) {
	e.mu.Lock()
	e.partitions[partition] = true
	count := len(e.partitions)
	e.mu.Unlock()
	monitoring.UpdateActivePartitions(count)
	e.reportLevelCounts(partition)
}

func (e *Engine) openSealedSegment(path string) (*segment.Segment, error) {
	id, level, _, err := segment.ParseFilename(filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("parse filename %s: %w", path, err)
	}

	rd, err := segstore.OpenFileSegmentReader(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer rd.Close()

	seg := segment.New(id, path)
	seg.Sealed = true
	seg.Devices = rd.Devices()
	if level >= 0 {
		seg.Level = level
	}
	if info, err := os.Stat(path); err == nil {
		seg.SizeBytes = info.Size()
	}
	return seg, nil
}

// schedulerAdapter satisfies level.Scheduler by forwarding to the engine's
// schedule.Scheduler. Submit returns the scheduler's own error (such as
// schedule.ErrPoolSaturated), but the task it submits always returns nil to
// the errgroup regardless of the merge's outcome: one partition's merge
// failing must never trip the shared errgroup and cooperatively cancel every
// other partition's merge in flight. Failures are instead reported through Config.ErrorHandler and the
// task's files are released back to the level index for a future retry.
type schedulerAdapter struct {
	e *Engine
}

func (a *schedulerAdapter) Submit(task level.Task) error {
	return a.e.scheduler.Submit(func(ctx context.Context, subPool *schedule.SubPool) error {
		start := time.Now()
		err := a.e.runLevelTask(ctx, subPool, task)
		if err != nil {
			a.e.cfg.ErrorHandler(task.Partition, stageOf(err), err)
			a.e.level.Release(task)
		}
		if a.e.monitor != nil {
			a.e.monitor.RecordTask(populationLabel(task.Population), strategyLabel(task), time.Since(start), err == nil)
		}
		a.e.reportLevelCounts(task.Partition)
		return nil
	})
}

// reportLevelCounts refreshes the per-level file-count gauges for a
// partition after a merge task changes its level contents.
func (e *Engine) reportLevelCounts(partition string) {
	seq, unseq := e.level.LevelCounts(partition)
	for i, count := range seq {
		monitoring.UpdateLevelFileCount(partition, "sequence", i, count)
	}
	for i, count := range unseq {
		monitoring.UpdateLevelFileCount(partition, "unsequence", i, count)
	}
}

func populationLabel(pop level.Population) string {
	if pop == level.Sequence {
		return "sequence"
	}
	return "unsequence"
}

func strategyLabel(task level.Task) string {
	if task.CollapseUnseq {
		return "inplace"
	}
	return "squeeze"
}

func stageOf(err error) Stage {
	var merr *MergeError
	if ok := asMergeError(err, &merr); ok {
		return merr.Stage
	}
	return StageMerge
}

func asMergeError(err error, target **MergeError) bool {
	for err != nil {
		if me, ok := err.(*MergeError); ok {
			*target = me
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func (e *Engine) runLevelTask(ctx context.Context, subPool *schedule.SubPool, task level.Task) error {
	if task.CollapseUnseq {
		return e.runCollapseUnseq(ctx, subPool, task)
	}
	return e.runSqueezePromotion(ctx, subPool, task)
}

// localOpener/localWriterFactory bind resource.Resource to the local
// filesystem binding; Engine never imports segstore's concrete types beyond
// what resource.Opener/WriterFactory need.
func localOpener(path string) (segstore.SegmentReader, error) { return segstore.OpenFileSegmentReader(path) }
func localWriterFactory(path string) (segstore.SegmentWriter, error) { return segstore.CreateFileSegmentWriter(path) }

// runSqueezePromotion implements the plain (non-collapse) promotion path:
// N files of one population merged into exactly one output file at
// LevelIndex+1, committed through SqueezeMerger.
func (e *Engine) runSqueezePromotion(ctx context.Context, subPool *schedule.SubPool, task level.Task) error {
	log := logger.ForPartition("compactor", task.Partition)

	journalPath := filepath.Join(filepath.Dir(task.Files[0].Path), fmt.Sprintf("%s-%d.merge.journal", task.Partition, time.Now().UnixNano()))
	jrnl, err := journal.Open(journalPath)
	if err != nil {
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}
	adapter := &mergeJournalAdapter{Journal: jrnl}
	defer adapter.Close()

	seqPaths, unseqPaths := splitByPopulation(task.Population, task.Files)
	if err := adapter.Files(seqPaths, unseqPaths); err != nil {
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}
	if err := adapter.MergeStart(); err != nil {
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}

	rctx := resource.Context{Partition: task.Partition, TimeLowerBound: e.cfg.RetentionHorizon}
	var res *resource.Resource
	if task.Population == level.Sequence {
		res = resource.New(rctx, resource.ModeSqueeze, localOpener, localWriterFactory, task.Files, nil)
	} else {
		res = resource.New(rctx, resource.ModeSqueeze, localOpener, localWriterFactory, nil, task.Files)
	}
	defer res.Release()

	series, err := res.DiscoverSeries(task.Files)
	if err != nil {
		e.rollback(adapter, journalPath)
		return &MergeError{Partition: task.Partition, Stage: StageSelect, Err: err}
	}

	dir := filepath.Dir(task.Files[0].Path)
	_, _, ext, err := segment.ParseFilename(filepath.Base(task.Files[0].Path))
	if err != nil {
		e.rollback(adapter, journalPath)
		return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
	}
	now := uint64(time.Now().UnixNano())
	minVer := minVersion(task.Files)
	maxMerge := maxMergeGen(task.Files)

	buildPath := filepath.Join(dir, commit.SqueezeFilename(now, minVer, maxMerge, ext))
	finalName := strings.TrimSuffix(filepath.Base(buildPath), ".merge.squeeze")
	finalPath := filepath.Join(dir, finalName)

	writer, err := localWriterFactory(buildPath)
	if err != nil {
		e.rollback(adapter, journalPath)
		return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
	}

	merger := chunkmerge.New(e.cfg.ChunkMerge, chunkmerge.NewProvider(), adapter)
	chunkTask := chunkmerge.NewTask(e.cfg.ChunkMerge, chunkmerge.NewContext(), nil)

	for i, f := range task.Files {
		reader, err := res.Reader(f)
		if err != nil {
			_ = writer.Close()
			e.rollback(adapter, journalPath)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}
		inputs, err := buildSeriesInputs(res, e.cfg.Catalogue, series, f)
		if err != nil {
			_ = writer.Close()
			e.rollback(adapter, journalPath)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}
		err = subPool.Run(func() error {
			return chunkTask.MergeSegment(merger, f.Path, reader, writer, inputs, i == len(task.Files)-1)
		})
		if err != nil {
			_ = writer.Close()
			e.rollback(adapter, journalPath)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}
	}

	devices := unionDevices(task.Files)
	ancestors := unionAncestors(task.Files)

	if err := writer.Seal(devices, ancestors); err != nil {
		e.rollback(adapter, journalPath)
		return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
	}

	mutator := &segmentMutator{res: res}
	in := commit.SqueezeInput{BuildPath: buildPath, FinalPath: finalPath, RetiredPaths: pathsOf(task.Files)}
	if err := commit.Squeeze(adapter, mutator, in); err != nil {
		e.rollback(adapter, journalPath)
		return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
	}

	if err := adapter.MergeEnd(); err != nil {
		log.Warn().Err(err).Msg("journal MergeEnd failed after successful commit")
	}
	_ = adapter.Remove()

	produced := segment.New(segment.ID{Generation: now, Version: minVer, MergeGen: maxMerge + 1}, finalPath)
	produced.Sealed = true
	produced.Devices = devices
	produced.Ancestors = ancestors
	if info, err := os.Stat(finalPath); err == nil {
		produced.SizeBytes = info.Size()
	}

	e.level.Promote(task, produced)
	e.level.CheckPartition(task.Partition)
	e.archive(finalPath)

	log.Info().Str("output", finalPath).Int("inputs", len(task.Files)).Msg("squeeze promotion committed")
	return nil
}

// runCollapseUnseq implements the unseqLevels==1 collapse path (§4.8): fold
// every reserved unsequence level-0 file into the sequence level-0 files it
// overlaps, one FileCommitter inplace decision per sequence file. Sequence
// level 0 itself never changes level; only the chosen files' content does.
func (e *Engine) runCollapseUnseq(ctx context.Context, subPool *schedule.SubPool, task level.Task) error {
	log := logger.ForPartition("compactor", task.Partition)
	unseqAll := task.Files
	seqAll := e.level.ReserveSequenceLevel0(task.Partition)

	budget := selector.Budget{Memory: e.cfg.MemoryBudget, TimeWall: e.cfg.SelectionBudget}
	result := e.selector.Select(seqAll, unseqAll, budget)
	monitoring.RecordSelection("unsequence", len(unseqAll))

	leftoverSeq := diffSegments(seqAll, result.Sequence)
	leftoverUnseq := diffSegments(unseqAll, result.Unsequence)
	e.level.ReinsertSequenceLevel0(task.Partition, leftoverSeq)

	if len(result.Sequence) == 0 {
		// No sequence file overlaps any reserved unseq file yet (e.g. a
		// brand-new series with no sequence data at all): defer every
		// unseq file to the next check instead of losing the reservation.
		e.level.Release(task)
		log.Debug().Msg("collapse-unseq: no overlapping sequence files, deferred")
		return nil
	}
	if len(leftoverUnseq) > 0 {
		e.level.Release(level.Task{Partition: task.Partition, LevelIndex: 0, Population: level.Unsequence, Files: leftoverUnseq})
	}
	chosenSeq, chosenUnseq := result.Sequence, result.Unsequence

	collapseTask := level.Task{Partition: task.Partition, LevelIndex: task.LevelIndex, Population: level.Unsequence, Files: chosenUnseq, CollapseUnseq: true}

	journalPath := filepath.Join(filepath.Dir(chosenSeq[0].Path), fmt.Sprintf("%s-%d.merge.journal", task.Partition, time.Now().UnixNano()))
	jrnl, err := journal.Open(journalPath)
	if err != nil {
		e.level.ReinsertSequenceLevel0(task.Partition, chosenSeq)
		e.level.Release(collapseTask)
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}
	adapter := &mergeJournalAdapter{Journal: jrnl}
	defer adapter.Close()

	if err := adapter.Files(pathsOf(chosenSeq), pathsOf(chosenUnseq)); err != nil {
		e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}
	if err := adapter.MergeStart(); err != nil {
		e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
		return &MergeError{Partition: task.Partition, Stage: StageJournal, Err: err}
	}

	rctx := resource.Context{Partition: task.Partition, TimeLowerBound: e.cfg.RetentionHorizon}
	res := resource.New(rctx, resource.ModeInplace, localOpener, localWriterFactory, chosenSeq, chosenUnseq)
	defer res.Release()

	series, err := res.DiscoverSeries(chosenSeq)
	if err != nil {
		e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
		return &MergeError{Partition: task.Partition, Stage: StageSelect, Err: err}
	}

	unseqReaders, err := res.UnseqReaders(ctx, segstore.NewFilesystemUnseqFactory(openedUnseqReaders(res, chosenUnseq)), series)
	if err != nil {
		e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
		return &MergeError{Partition: task.Partition, Stage: StageSelect, Err: err}
	}

	mergeCtx := chunkmerge.NewContext()
	chunkTask := chunkmerge.NewTask(e.cfg.ChunkMerge, mergeCtx, unseqReaders)
	provider := chunkmerge.NewProvider()
	merger := chunkmerge.New(e.cfg.ChunkMerge, provider, adapter)
	committer := commit.New(adapter, &segmentMutator{res: res})

	unseqAncestors := unionAncestors(chosenUnseq)

	var produced []*segment.Segment
	for i, f := range chosenSeq {
		reader, err := res.Reader(f)
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}
		tempWriter, err := res.TempWriter(f)
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}
		inputs, err := buildSeriesInputs(res, e.cfg.Catalogue, series, f)
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}

		isLast := i == len(chosenSeq)-1
		err = subPool.Run(func() error {
			return chunkTask.MergeSegment(merger, f.Path, reader, tempWriter, inputs, isLast)
		})
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageMerge, Err: err}
		}

		merged, unmerged := commit.CountsFromContext(mergeCtx, f.Path)
		if merged == 0 {
			// Nothing in this file overlapped; it stays exactly as it was.
			produced = append(produced, f)
			continue
		}

		if err := tempWriter.Flush(); err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
		}

		unmergedChunks, err := gatherUnmergedChunks(provider, reader, f.Path, mergeCtx.UnmergedChunkStartTimes[f.Path], inputs)
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
		}

		devices := unionDevices(append([]*segment.Segment{f}, overlapping(f, chosenUnseq)...))
		successor, err := committer.Commit(commit.Input{
			Segment:            f,
			TempWriterPath:     tempWriter.Path(),
			TempWriter:         tempWriter,
			PreMergeAppendPos:  mergeCtx.FirstMergedOffset[f.Path],
			MergedChunkCount:   merged,
			UnmergedChunkCount: unmerged,
			UnmergedChunks:     unmergedChunks,
			Devices:            devices,
			UnseqAncestors:     unseqAncestors,
		})
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
		}

		newSeg, err := e.reopenCommitted(successor, f, devices, unseqAncestors)
		if err != nil {
			e.rollbackCollapse(adapter, journalPath, task.Partition, chosenSeq, collapseTask)
			return &MergeError{Partition: task.Partition, Stage: StageCommit, Err: err}
		}
		produced = append(produced, newSeg)
		e.archive(newSeg.Path)
	}

	if err := adapter.MergeEnd(); err != nil {
		log.Warn().Err(err).Msg("journal MergeEnd failed after successful commit")
	}
	_ = adapter.Remove()

	e.level.ReinsertSequenceLevel0(task.Partition, produced)
	retireSegments(chosenUnseq, e.log)

	log.Info().Int("sequenceFiles", len(chosenSeq)).Int("unseqFiles", len(chosenUnseq)).Msg("collapse-unseq committed")
	return nil
}

// retireSegments deletes a committed-away unsequence file and its sidecars.
// Called only once every sequence file it overlapped has durably absorbed
// its points, so the data has no remaining reader.
func retireSegments(segs []*segment.Segment, log zerolog.Logger) {
	for _, s := range segs {
		if err := os.Remove(s.Path); err != nil && !os.IsNotExist(err) {
			log.Warn().Str("path", s.Path).Err(err).Msg("retiring collapsed unsequence file")
		} else {
			monitoring.RecordReclaimedBytes(s.SizeBytes)
		}
		_ = os.Remove(segment.ResourceSidecarPath(s.Path))
		_ = os.Remove(segment.ModsSidecarPath(s.Path))
	}
}

// reopenCommitted rebuilds the *segment.Segment for a file FileCommitter
// just finished committing: its filename may have changed (moveUnmergedToNew)
// or stayed the same (moveMergedToOld), but its resource sidecar is always
// current on disk immediately after Commit returns.
func (e *Engine) reopenCommitted(path string, original *segment.Segment, devices map[string]segment.TimeRange, unseqAncestors map[uint64]struct{}) (*segment.Segment, error) {
	id, lvl, _, err := segment.ParseFilename(filepath.Base(path))
	if err != nil {
		return nil, err
	}
	seg := segment.New(id, path)
	seg.Sealed = true
	seg.Level = original.Level
	if lvl >= 0 {
		seg.Level = lvl
	}
	seg.Devices = devices
	seg.Ancestors = mergedAncestorSet(original.Ancestors, unseqAncestors)
	if info, err := os.Stat(path); err == nil {
		seg.SizeBytes = info.Size()
	}
	return seg, nil
}

func (e *Engine) rollback(adapter *mergeJournalAdapter, journalPath string) {
	_ = adapter.Cancel()
	_ = adapter.Close()
	if err := journal.Recover(journalPath, journal.OSFileOps); err != nil {
		e.log.Error().Err(err).Str("journal", journalPath).Msg("self-recovery after merge failure")
	}
}

func (e *Engine) rollbackCollapse(adapter *mergeJournalAdapter, journalPath, partition string, chosenSeq []*segment.Segment, collapseTask level.Task) {
	e.rollback(adapter, journalPath)
	e.level.ReinsertSequenceLevel0(partition, chosenSeq)
	e.level.Release(collapseTask)
}

// archive pushes a committed segment to every registered backend, each call
// guarded by that backend's own circuit breaker and retry policy: a cold
// backend having an outage must not block or fail the merge that already
// landed locally, nor hammer a backend that is already down.
func (e *Engine) archive(path string) {
	for _, b := range e.cfg.Backends {
		start := time.Now()
		err := e.resilience.ExecuteWithBreaker(b.Name(), func() error {
			return b.Archive(path)
		})
		if err != nil {
			e.log.Warn().Str("backend", b.Name()).Str("path", path).Err(err).Msg("archiving committed segment")
		}
		monitoring.UpdateCircuitBreakerState(b.Name(), breakerStateValue(e.resilience, b.Name()))
		if e.monitor != nil {
			e.monitor.RecordArchive(b.Name(), time.Since(start), err == nil)
		}
	}
}

func breakerStateValue(m *resilience.Manager, name string) int {
	stats, ok := m.GetCircuitBreakerStats()[name]
	if !ok {
		return 0
	}
	return int(stats.State)
}

// mergeJournalAdapter widens *journal.Journal with the UnmergedChunkStart
// marker chunkmerge.Journal requires. The journal's wire format already
// records every file's truncate-position boundary at FileMergeStart, which
// gives recovery everything it needs; recording every individual unmerged
// chunk's start time as well would duplicate that without adding recovery
// power, so this is a no-op instead of a new entry kind.
type mergeJournalAdapter struct {
	*journal.Journal
}

func (a *mergeJournalAdapter) UnmergedChunkStart(segmentPath, series string, startTime int64) error {
	return nil
}

func buildSeriesInputs(res *resource.Resource, cat segstore.Catalogue, series []string, file *segment.Segment) ([]chunkmerge.SeriesInput, error) {
	var out []chunkmerge.SeriesInput
	for _, s := range series {
		metas, err := res.ChunkMetadata(s, file)
		if err != nil {
			return nil, fmt.Errorf("chunk metadata for %s in %s: %w", s, file.Path, err)
		}
		if len(metas) == 0 {
			continue
		}
		dt, ok := cat.DataType(s)
		if !ok {
			dt = metas[0].DataType
		}
		out = append(out, chunkmerge.SeriesInput{Series: s, DataType: dt, ChunkMetas: metas})
	}
	return out, nil
}

// gatherUnmergedChunks reads back the bytes of every chunk chunkmerge's Skip
// case left out of the temp writer, identified by the start times it
// recorded in starts (series -> start times). The committer's
// moveUnmergedToNew branch needs these bytes to append the chunks to the
// temp writer itself, since chunkmerge never rewrote them.
func gatherUnmergedChunks(provider *chunkmerge.Provider, reader segstore.SegmentReader, segmentPath string, starts map[string][]int64, inputs []chunkmerge.SeriesInput) ([]commit.UnmergedChunk, error) {
	if len(starts) == 0 {
		return nil, nil
	}
	bySeries := make(map[string][]segment.ChunkMeta, len(inputs))
	for _, in := range inputs {
		bySeries[in.Series] = in.ChunkMetas
	}

	var out []commit.UnmergedChunk
	for series, times := range starts {
		metas := bySeries[series]
		for _, start := range times {
			meta, ok := findChunkMeta(metas, start)
			if !ok {
				return nil, fmt.Errorf("unmerged chunk for series %s at %d not found in %s", series, start, segmentPath)
			}
			data, err := provider.Fetch(segmentPath, reader, meta)
			if err != nil {
				return nil, fmt.Errorf("fetch unmerged chunk for series %s at %d: %w", series, start, err)
			}
			out = append(out, commit.UnmergedChunk{Meta: meta, Data: data})
		}
	}
	return out, nil
}

func findChunkMeta(metas []segment.ChunkMeta, start int64) (segment.ChunkMeta, bool) {
	for _, m := range metas {
		if m.Start == start {
			return m, true
		}
	}
	return segment.ChunkMeta{}, false
}

// openedUnseqReaders opens a fresh concrete reader per chosen unsequence
// file for the factory; these are separate from res's own reader cache
// since FilesystemUnseqFactory needs *segstore.FileSegmentReader directly,
// not the SegmentReader interface res hands back.
func openedUnseqReaders(res *resource.Resource, files []*segment.Segment) []*segstore.FileSegmentReader {
	var out []*segstore.FileSegmentReader
	for _, f := range files {
		rd, err := segstore.OpenFileSegmentReader(f.Path)
		if err != nil {
			continue
		}
		out = append(out, rd)
	}
	return out
}

func pathsOf(segs []*segment.Segment) []string {
	paths := make([]string, len(segs))
	for i, s := range segs {
		paths[i] = s.Path
	}
	return paths
}

// splitByPopulation returns task.Files as (sequencePaths, unsequencePaths)
// depending on which population a plain (non-collapse) promotion consumed;
// the other slice is always empty since such a task only ever draws from
// one population.
func splitByPopulation(pop level.Population, segs []*segment.Segment) (sequence, unsequence []string) {
	if pop == level.Sequence {
		return pathsOf(segs), nil
	}
	return nil, pathsOf(segs)
}

func unionDevices(segs []*segment.Segment) map[string]segment.TimeRange {
	out := make(map[string]segment.TimeRange)
	for _, s := range segs {
		for device, r := range s.Devices {
			cur, ok := out[device]
			if !ok {
				out[device] = r
				continue
			}
			if r.Min < cur.Min {
				cur.Min = r.Min
			}
			if r.Max > cur.Max {
				cur.Max = r.Max
			}
			out[device] = cur
		}
	}
	return out
}

func unionAncestors(segs []*segment.Segment) map[uint64]struct{} {
	out := make(map[uint64]struct{})
	for _, s := range segs {
		for g := range s.Ancestors {
			out[g] = struct{}{}
		}
	}
	return out
}

func mergedAncestorSet(own, extra map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(own)+len(extra))
	for g := range own {
		out[g] = struct{}{}
	}
	for g := range extra {
		out[g] = struct{}{}
	}
	return out
}

func diffSegments(all, chosen []*segment.Segment) []*segment.Segment {
	chosenSet := make(map[*segment.Segment]bool, len(chosen))
	for _, s := range chosen {
		chosenSet[s] = true
	}
	var out []*segment.Segment
	for _, s := range all {
		if !chosenSet[s] {
			out = append(out, s)
		}
	}
	return out
}

func overlapping(seq *segment.Segment, unseq []*segment.Segment) []*segment.Segment {
	var out []*segment.Segment
	for device, seqRange := range seq.Devices {
		for _, u := range unseq {
			if uRange, ok := u.Devices[device]; ok && seqRange.Overlaps(uRange) {
				out = append(out, u)
			}
		}
	}
	return out
}

func minVersion(segs []*segment.Segment) uint64 {
	min := segs[0].ID.Version
	for _, s := range segs[1:] {
		if s.ID.Version < min {
			min = s.ID.Version
		}
	}
	return min
}

func maxMergeGen(segs []*segment.Segment) uint64 {
	max := segs[0].ID.MergeGen
	for _, s := range segs[1:] {
		if s.ID.MergeGen > max {
			max = s.ID.MergeGen
		}
	}
	return max
}
