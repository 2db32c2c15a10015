// Package chunkmerge implements ChunkMerger (component C4): the inner merge
// kernel that walks each sequence segment's chunk metadata, overlays
// unsequence points, and emits merged or copied chunks.
package chunkmerge

import (
	"container/heap"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// Config mirrors the spec's chunk-merge tunables.
type Config struct {
	SubWorkers       int
	MinChunkPointNum int64 // -1 disables the "big enough to copy" check
	ForceFullMerge   bool  // disables the Skip case entirely
}

// Journal receives the progress markers ChunkMerger must record.
type Journal interface {
	TSStart(series []string) error
	TSEnd() error
	UnmergedChunkStart(segmentPath, series string, startTime int64) error
}

// Context is the per-run mutable aggregate from the data model: counts and
// unmerged-chunk bookkeeping, owned by one merge task and discarded at end.
type Context struct {
	mu sync.Mutex

	UnmergedChunkStartTimes map[string]map[string][]int64 // segmentPath -> series -> start times
	MergedChunkCount        map[string]int                // segmentPath -> count
	UnmergedChunkCount      map[string]int                // segmentPath -> count
	// FirstMergedOffset is the lowest file offset among a segment's merged
	// (copied/decoded/rewritten) chunks, absent if none were merged. A
	// FileCommitter truncate-and-append commit keeps everything before this
	// offset untouched in the original file.
	FirstMergedOffset map[string]int64
	PointsWritten     int64
	ChunksWritten     int64
}

// NewContext builds an empty merge context.
func NewContext() *Context {
	return &Context{
		UnmergedChunkStartTimes: make(map[string]map[string][]int64),
		MergedChunkCount:        make(map[string]int),
		UnmergedChunkCount:      make(map[string]int),
		FirstMergedOffset:       make(map[string]int64),
	}
}

func (c *Context) recordUnmerged(segmentPath, series string, start int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.UnmergedChunkStartTimes[segmentPath] == nil {
		c.UnmergedChunkStartTimes[segmentPath] = make(map[string][]int64)
	}
	c.UnmergedChunkStartTimes[segmentPath][series] = append(c.UnmergedChunkStartTimes[segmentPath][series], start)
	c.UnmergedChunkCount[segmentPath]++
}

func (c *Context) recordMerged(segmentPath string, offset, points int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MergedChunkCount[segmentPath]++
	c.PointsWritten += points
	if cur, ok := c.FirstMergedOffset[segmentPath]; !ok || offset < cur {
		c.FirstMergedOffset[segmentPath] = offset
	}
}

func (c *Context) recordFlush(points int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ChunksWritten++
	c.PointsWritten += points
}

// SeriesInput is one series' chunk metadata for one sequence segment
// (already tombstone-annotated by resource.ChunkMetadata). The series'
// unsequence stream is supplied once per task, not per segment, since its
// cursor position must persist across every segment in the working set.
type SeriesInput struct {
	Series     string
	DataType   segment.DataType
	ChunkMetas []segment.ChunkMeta
}

// OutputWriter is the single destination all sub-workers serialize writes
// to for one sequence segment; segstore.SegmentWriter already guards writes
// with an internal lock, satisfying the per-output-writer lock ordering
// rule.
type OutputWriter = segstore.SegmentWriter

// Merger runs the chunk-merge kernel for one batch of series against one
// sequence segment.
type Merger struct {
	cfg      Config
	provider *Provider
	journal  Journal
}

// New builds a Merger sharing one Provider and Journal across the whole
// merge task (callers construct one Merger per task, calling MergeSegment
// once per sequence segment in the working set).
func New(cfg Config, provider *Provider, journal Journal) *Merger {
	if cfg.SubWorkers <= 0 {
		cfg.SubWorkers = 1
	}
	return &Merger{cfg: cfg, provider: provider, journal: journal}
}

// buffers holds each series' not-yet-flushed decoded points, carried across
// calls to MergeSegment for the lifetime of one merge task.
type buffers struct {
	mu   sync.Mutex
	data map[string][]segment.TimeValuePair
}

func newBuffers() *buffers { return &buffers{data: make(map[string][]segment.TimeValuePair)} }

func (b *buffers) append(series string, points []segment.TimeValuePair) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[series] = append(b.data[series], points...)
}

func (b *buffers) len(series string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data[series])
}

func (b *buffers) drain(series string) []segment.TimeValuePair {
	b.mu.Lock()
	defer b.mu.Unlock()
	pts := b.data[series]
	delete(b.data, series)
	return pts
}

// Task carries the state shared across every sequence segment in a working
// set for one batch of series: peekable unseq streams and flush buffers.
type Task struct {
	cfg     Config
	unseq   map[string]*peekStream
	buffers *buffers
	ctx     *Context
}

// NewTask begins a merge task over a batch of series, wrapping each
// series's raw unsequence point stream in a one-ahead peek buffer used to
// decide chunk overlap and to interleave.
func NewTask(cfg Config, mergeCtx *Context, unseqStreams map[string]segstore.PointStream) *Task {
	wrapped := make(map[string]*peekStream, len(unseqStreams))
	for series, s := range unseqStreams {
		wrapped[series] = &peekStream{inner: s}
	}
	return &Task{cfg: cfg, unseq: wrapped, buffers: newBuffers(), ctx: mergeCtx}
}

// MergeSegment processes one sequence segment for the whole series batch:
// fans the batch out across sub-workers, each walking its own min-heap of
// (startTime, series) across its assigned series.
func (t *Task) MergeSegment(m *Merger, segmentPath string, reader segstore.SegmentReader, writer OutputWriter, inputs []SeriesInput, isLastSegment bool) error {
	series := make([]string, len(inputs))
	for i, in := range inputs {
		series[i] = in.Series
	}
	if m.journal != nil {
		if err := m.journal.TSStart(series); err != nil {
			return fmt.Errorf("chunkmerge: journal TSStart: %w", err)
		}
	}

	groups := partitionRoundRobin(inputs, t.cfg.SubWorkers)

	g := new(errgroup.Group)
	for _, group := range groups {
		group := group
		g.Go(func() error {
			return t.runSubWorker(m, segmentPath, reader, writer, group)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if isLastSegment {
		for _, in := range inputs {
			if err := t.drainRemaining(in.Series, in.DataType, writer); err != nil {
				return err
			}
		}
	}

	if m.journal != nil {
		if err := m.journal.TSEnd(); err != nil {
			return fmt.Errorf("chunkmerge: journal TSEnd: %w", err)
		}
	}
	return nil
}

// runSubWorker owns a min-heap of (currentChunk.startTime, series) across
// its assigned series, popping the earliest chunk each round (per §4.4
// step 2-3).
func (t *Task) runSubWorker(m *Merger, segmentPath string, reader segstore.SegmentReader, writer OutputWriter, inputs []SeriesInput) error {
	cursors := make(map[string]*seriesCursor, len(inputs))
	h := &chunkHeap{}
	heap.Init(h)

	for _, in := range inputs {
		c := &seriesCursor{series: in.Series, dataType: in.DataType, metas: in.ChunkMetas}
		cursors[in.Series] = c
		if len(c.metas) > 0 {
			heap.Push(h, chunkHeapItem{startTime: c.metas[0].Start, series: in.Series})
		}
	}

	for h.Len() > 0 {
		item := heap.Pop(h).(chunkHeapItem)
		c := cursors[item.series]
		meta := c.metas[c.idx]
		c.idx++

		if err := t.processChunk(m, segmentPath, reader, writer, c, meta); err != nil {
			return fmt.Errorf("chunkmerge: series %s: %w", item.series, err)
		}

		if c.idx < len(c.metas) {
			heap.Push(h, chunkHeapItem{startTime: c.metas[c.idx].Start, series: item.series})
		}
	}
	return nil
}

type seriesCursor struct {
	series   string
	dataType segment.DataType
	metas    []segment.ChunkMeta
	idx      int
}

func (t *Task) processChunk(m *Merger, segmentPath string, reader segstore.SegmentReader, writer OutputWriter, c *seriesCursor, meta segment.ChunkMeta) error {
	stream := t.unseq[c.series]
	overlaps, err := streamOverlaps(stream, meta)
	if err != nil {
		return err
	}

	tombstoned := meta.Tombstoned()
	chunkBigEnough := t.cfg.MinChunkPointNum < 0 || meta.PointCount >= t.cfg.MinChunkPointNum
	hasUnclosedBuffer := t.buffers.len(c.series) > 0

	switch {
	case !overlaps && !t.cfg.ForceFullMerge && !hasUnclosedBuffer && chunkBigEnough && !tombstoned:
		// Skip: journal the unmerged chunk, no rewrite.
		t.ctx.recordUnmerged(segmentPath, c.series, meta.Start)
		if m.journal != nil {
			if err := m.journal.UnmergedChunkStart(segmentPath, c.series, meta.Start); err != nil {
				return fmt.Errorf("journal unmergedChunkStart: %w", err)
			}
		}

	case !overlaps && t.cfg.ForceFullMerge && !hasUnclosedBuffer && chunkBigEnough && !tombstoned:
		// Copy: write the raw chunk bytes verbatim, no decode.
		data, err := m.provider.Fetch(segmentPath, reader, meta)
		if err != nil {
			return fmt.Errorf("fetch chunk: %w", err)
		}
		if err := writer.WriteChunk(meta, data); err != nil {
			return fmt.Errorf("write copied chunk: %w", err)
		}
		t.ctx.recordMerged(segmentPath, meta.Offset, meta.PointCount)

	case !overlaps && (tombstoned || !chunkBigEnough || hasUnclosedBuffer):
		// Decode-only: decode into the buffer, tombstoned points elided.
		points, err := m.decode(segmentPath, reader, meta)
		if err != nil {
			return err
		}
		points = dropTombstoned(points, meta.DeletedAt)
		t.buffers.append(c.series, points)
		t.ctx.recordMerged(segmentPath, meta.Offset, int64(len(points)))

	default:
		// Merge: overlaps unsequence. Decode and interleave page-by-page;
		// here the whole chunk stands in for one page.
		points, err := m.decode(segmentPath, reader, meta)
		if err != nil {
			return err
		}
		merged, err := interleave(points, stream, meta.DeletedAt)
		if err != nil {
			return fmt.Errorf("interleave: %w", err)
		}
		t.buffers.append(c.series, merged)
		t.ctx.recordMerged(segmentPath, meta.Offset, int64(len(merged)))
	}

	return t.maybeFlush(c.series, c.dataType, writer)
}

func (m *Merger) decode(segmentPath string, reader segstore.SegmentReader, meta segment.ChunkMeta) ([]segment.TimeValuePair, error) {
	raw, err := m.provider.Fetch(segmentPath, reader, meta)
	if err != nil {
		return nil, fmt.Errorf("fetch chunk: %w", err)
	}
	points, err := segment.DecodeChunk(raw, meta.DataType)
	if err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	return points, nil
}

// maybeFlush serializes the series's in-memory buffer to the output writer
// once it exceeds MinChunkPointNum (the Flush case).
func (t *Task) maybeFlush(series string, dt segment.DataType, writer OutputWriter) error {
	threshold := t.cfg.MinChunkPointNum
	if threshold < 0 {
		threshold = 0
	}
	if int64(t.buffers.len(series)) <= threshold {
		return nil
	}
	return t.flush(series, dt, writer)
}

func (t *Task) flush(series string, dt segment.DataType, writer OutputWriter) error {
	points := t.buffers.drain(series)
	if len(points) == 0 {
		return nil
	}
	device, measurement := splitSeries(series)
	meta := segment.ChunkMeta{
		Device:      device,
		Measurement: measurement,
		Start:       points[0].Timestamp,
		End:         points[len(points)-1].Timestamp,
		PointCount:  int64(len(points)),
		DataType:    dt,
	}
	data := segment.EncodeChunk(points, dt)
	if err := writer.WriteChunk(meta, data); err != nil {
		return fmt.Errorf("flush chunk: %w", err)
	}
	t.ctx.recordFlush(int64(len(points)))
	return nil
}

// drainRemaining empties whatever is left of a series's unsequence stream
// into its buffer and flushes, once the last sequence segment in the
// working set has been processed (§4.4 step 4).
func (t *Task) drainRemaining(series string, dt segment.DataType, writer OutputWriter) error {
	if stream, ok := t.unseq[series]; ok {
		for {
			pt, has, err := stream.Pop()
			if err != nil {
				return fmt.Errorf("drain remaining unseq for %s: %w", series, err)
			}
			if !has {
				break
			}
			t.buffers.append(series, []segment.TimeValuePair{pt})
		}
	}
	// Flush unconditionally: a pure-sequence merge task (no unseq streams at
	// all) can still end this segment with a partially filled buffer that
	// never crossed maybeFlush's threshold.
	return t.flush(series, dt, writer)
}

func splitSeries(series string) (device, measurement string) {
	for i := len(series) - 1; i >= 0; i-- {
		if series[i] == '.' {
			return series[:i], series[i+1:]
		}
	}
	return series, ""
}

func dropTombstoned(points []segment.TimeValuePair, deletedAt int64) []segment.TimeValuePair {
	if deletedAt < 0 {
		return points
	}
	out := points[:0:0]
	for _, p := range points {
		if p.Timestamp > deletedAt {
			out = append(out, p)
		}
	}
	return out
}

func partitionRoundRobin(inputs []SeriesInput, workers int) [][]SeriesInput {
	groups := make([][]SeriesInput, workers)
	for i, in := range inputs {
		w := i % workers
		groups[w] = append(groups[w], in)
	}
	var nonEmpty [][]SeriesInput
	for _, g := range groups {
		if len(g) > 0 {
			nonEmpty = append(nonEmpty, g)
		}
	}
	return nonEmpty
}

type chunkHeapItem struct {
	startTime int64
	series    string
}

type chunkHeap []chunkHeapItem

func (h chunkHeap) Len() int            { return len(h) }
func (h chunkHeap) Less(i, j int) bool  { return h[i].startTime < h[j].startTime }
func (h chunkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *chunkHeap) Push(x interface{}) { *h = append(*h, x.(chunkHeapItem)) }
func (h *chunkHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
