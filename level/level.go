// Package level implements LeveledCompactor (component C8): per-partition
// level bookkeeping that decides when enough newly sealed files have
// accumulated to submit a merge task.
package level

import (
	"fmt"
	"sync"
	"time"

	"github.com/chronoseg/compactor/segment"
)

// Population distinguishes which per-partition level arrays a task reads
// from: sequence levels are sorted sets, unsequence levels are
// insertion-ordered lists.
type Population int

const (
	Sequence Population = iota
	Unsequence
)

// Task is a merge task LeveledCompactor hands to a Scheduler. Files is the
// reserved working set consumed from LevelIndex; a successful merge
// produces one file at LevelIndex+1. CollapseUnseq marks the special
// unsequence-into-sequence task scheduled when UnseqLevels==1.
type Task struct {
	Partition     string
	LevelIndex    int
	Population    Population
	Files         []*segment.Segment
	CollapseUnseq bool
}

// Scheduler accepts a merge task for asynchronous execution (component C9).
type Scheduler interface {
	Submit(Task) error
}

// Config is LeveledCompactor's tunables, one set shared by every partition.
type Config struct {
	// FilesPerLevel[i] is the trigger count for sequence level i: once a
	// level holds more files than this, the oldest FilesPerLevel[i] are
	// consumed into a merge task producing one file at level i+1.
	FilesPerLevel []int
	// UnseqFilesPerLevel is the same trigger, for unsequence levels.
	UnseqFilesPerLevel []int
	// UnseqLevels, when 1, collapses all unsequence level-0 files into
	// sequence on every promotion check instead of leveling them
	// independently.
	UnseqLevels int
	// CheckInterval is how often the background loop re-evaluates every
	// partition for promotions (mirrors a sealed-file arriving also
	// triggering an immediate check).
	CheckInterval time.Duration
}

type partitionState struct {
	mu               sync.Mutex
	sequenceLevels   [][]*segment.Segment
	unsequenceLevels [][]*segment.Segment
}

func newPartitionState(cfg Config) *partitionState {
	return &partitionState{
		sequenceLevels:   make([][]*segment.Segment, len(cfg.FilesPerLevel)+1),
		unsequenceLevels: make([][]*segment.Segment, len(cfg.UnseqFilesPerLevel)+1),
	}
}

// Compactor tracks every partition's level state and submits merge tasks
// when a level overflows its trigger count.
type Compactor struct {
	mu         sync.RWMutex
	cfg        Config
	scheduler  Scheduler
	partitions map[string]*partitionState

	running bool
	stopCh  chan struct{}
}

// New builds a Compactor. Nothing runs in the background until Start.
func New(cfg Config, scheduler Scheduler) *Compactor {
	return &Compactor{
		cfg:        cfg,
		scheduler:  scheduler,
		partitions: make(map[string]*partitionState),
	}
}

// Start begins the periodic re-check loop; promotions also fire
// synchronously from AddSequenceSegment/AddUnsequenceSegment.
func (c *Compactor) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return fmt.Errorf("level: compactor already running")
	}
	if c.cfg.CheckInterval <= 0 {
		c.cfg.CheckInterval = time.Minute
	}
	c.running = true
	c.stopCh = make(chan struct{})
	go c.runLoop(c.stopCh)
	return nil
}

// Stop halts the background loop. Safe to call even if Start was never
// called.
func (c *Compactor) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	close(c.stopCh)
	c.running = false
	return nil
}

func (c *Compactor) runLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(c.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			c.CheckAllPartitions()
		}
	}
}

// CheckAllPartitions re-evaluates every known partition for promotions;
// used by the background loop and available for an explicit sweep.
func (c *Compactor) CheckAllPartitions() {
	c.mu.RLock()
	names := make([]string, 0, len(c.partitions))
	for name := range c.partitions {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		c.checkPromotions(name)
	}
}

// CheckPartition re-evaluates one partition for promotions immediately,
// without waiting for the background loop's next tick. Exported for a
// caller that wants to force a sweep right after registering new segments
// in bulk (e.g. on startup recovery).
func (c *Compactor) CheckPartition(partition string) {
	c.checkPromotions(partition)
}

// LevelCounts reports how many files currently sit at each level for a
// partition, sequence levels first then unsequence levels. Used by metrics
// reporting and CLI inspection; it does not reflect files reserved for an
// in-flight merge task.
func (c *Compactor) LevelCounts(partition string) (sequence []int, unsequence []int) {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	sequence = make([]int, len(ps.sequenceLevels))
	for i, files := range ps.sequenceLevels {
		sequence[i] = len(files)
	}
	unsequence = make([]int, len(ps.unsequenceLevels))
	for i, files := range ps.unsequenceLevels {
		unsequence[i] = len(files)
	}
	return sequence, unsequence
}

func (c *Compactor) stateFor(partition string) *partitionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps, ok := c.partitions[partition]
	if !ok {
		ps = newPartitionState(c.cfg)
		c.partitions[partition] = ps
	}
	return ps
}

// AddSequenceSegment registers a newly sealed level-0 sequence file for a
// partition and immediately checks whether its level now overflows.
func (c *Compactor) AddSequenceSegment(partition string, seg *segment.Segment) {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	ps.sequenceLevels[seg.Level] = append(ps.sequenceLevels[seg.Level], seg)
	segment.SortByFilename(ps.sequenceLevels[seg.Level])
	ps.mu.Unlock()

	c.checkPromotions(partition)
}

// AddUnsequenceSegment registers a newly sealed level-0 unsequence file.
// Unsequence levels are insertion-ordered, not sorted (§4.8).
func (c *Compactor) AddUnsequenceSegment(partition string, seg *segment.Segment) {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	ps.unsequenceLevels[seg.Level] = append(ps.unsequenceLevels[seg.Level], seg)
	ps.mu.Unlock()

	c.checkPromotions(partition)
}

// checkPromotions submits, oldest-first, one task per trigger-count batch
// for as long as a level holds more files than its trigger count,
// reserving (Merging=true) and removing the consumed files from their
// level so they cannot be double-selected by a concurrent check. A level
// stops at its first failed submission.
func (c *Compactor) checkPromotions(partition string) {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for i, trigger := range c.cfg.FilesPerLevel {
		for len(ps.sequenceLevels[i]) > trigger {
			consumed := reserve(ps.sequenceLevels[i][:trigger])
			ps.sequenceLevels[i] = ps.sequenceLevels[i][trigger:]
			if !c.submit(ps, Task{Partition: partition, LevelIndex: i, Population: Sequence, Files: consumed}) {
				break
			}
		}
	}

	if c.cfg.UnseqLevels == 1 {
		if len(ps.unsequenceLevels[0]) > 0 {
			consumed := reserve(ps.unsequenceLevels[0])
			ps.unsequenceLevels[0] = nil
			c.submit(ps, Task{Partition: partition, LevelIndex: 0, Population: Unsequence, Files: consumed, CollapseUnseq: true})
		}
		return
	}

	for i, trigger := range c.cfg.UnseqFilesPerLevel {
		for len(ps.unsequenceLevels[i]) > trigger {
			consumed := reserve(ps.unsequenceLevels[i][:trigger])
			ps.unsequenceLevels[i] = ps.unsequenceLevels[i][trigger:]
			if !c.submit(ps, Task{Partition: partition, LevelIndex: i, Population: Unsequence, Files: consumed}) {
				break
			}
		}
	}
}

func reserve(segs []*segment.Segment) []*segment.Segment {
	out := make([]*segment.Segment, len(segs))
	copy(out, segs)
	for _, s := range out {
		s.Merging = true
	}
	return out
}

func (c *Compactor) submit(ps *partitionState, task Task) bool {
	if err := c.scheduler.Submit(task); err != nil {
		// Submission failure (pool saturated, shutting down): release the
		// reservation so a later check can retry. The caller holds ps.mu.
		releaseLocked(ps, task)
		return false
	}
	return true
}

// Release returns a task's files to their originating level, clearing
// their reservation, after a merge task failed, was cancelled, or could
// never be submitted.
func (c *Compactor) Release(task Task) {
	ps := c.stateFor(task.Partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()
	releaseLocked(ps, task)
}

// releaseLocked is Release for a caller that already holds ps.mu.
func releaseLocked(ps *partitionState, task Task) {
	for _, s := range task.Files {
		s.Merging = false
	}

	switch task.Population {
	case Sequence:
		ps.sequenceLevels[task.LevelIndex] = append(ps.sequenceLevels[task.LevelIndex], task.Files...)
		segment.SortByFilename(ps.sequenceLevels[task.LevelIndex])
	case Unsequence:
		ps.unsequenceLevels[task.LevelIndex] = append(task.Files, ps.unsequenceLevels[task.LevelIndex]...)
	}
}

// ReserveSequenceLevel0 atomically removes and reserves every file
// currently in a partition's sequence level 0. Used by the unsequence-into-
// sequence collapse task (§4.8's unseqLevels==1 path), which back-patches
// the overlapping level-0 sequence files in place rather than promoting a
// level, so it cannot go through the ordinary Task/Release/Promote flow.
func (c *Compactor) ReserveSequenceLevel0(partition string) []*segment.Segment {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	consumed := reserve(ps.sequenceLevels[0])
	ps.sequenceLevels[0] = nil
	return consumed
}

// ReinsertSequenceLevel0 clears the reservation on and returns segs to
// sequence level 0, re-sorted. Used to roll back ReserveSequenceLevel0 on
// failure, or to reinsert the (possibly renamed) successors once an inplace
// collapse task finishes.
func (c *Compactor) ReinsertSequenceLevel0(partition string, segs []*segment.Segment) {
	ps := c.stateFor(partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	for _, s := range segs {
		s.Merging = false
	}
	ps.sequenceLevels[0] = append(ps.sequenceLevels[0], segs...)
	segment.SortByFilename(ps.sequenceLevels[0])
}

// Promote registers a completed task's output at LevelIndex+1, embedding
// the level in the segment as the source of truth per §4.8.
func (c *Compactor) Promote(task Task, produced *segment.Segment) {
	produced.Level = task.LevelIndex + 1

	ps := c.stateFor(task.Partition)
	ps.mu.Lock()
	defer ps.mu.Unlock()

	switch task.Population {
	case Sequence:
		c.growSequenceLevels(ps, produced.Level)
		ps.sequenceLevels[produced.Level] = append(ps.sequenceLevels[produced.Level], produced)
		segment.SortByFilename(ps.sequenceLevels[produced.Level])
	case Unsequence:
		c.growUnsequenceLevels(ps, produced.Level)
		ps.unsequenceLevels[produced.Level] = append(ps.unsequenceLevels[produced.Level], produced)
	}
}

func (c *Compactor) growSequenceLevels(ps *partitionState, level int) {
	for len(ps.sequenceLevels) <= level {
		ps.sequenceLevels = append(ps.sequenceLevels, nil)
	}
}

func (c *Compactor) growUnsequenceLevels(ps *partitionState, level int) {
	for len(ps.unsequenceLevels) <= level {
		ps.unsequenceLevels = append(ps.unsequenceLevels, nil)
	}
}
