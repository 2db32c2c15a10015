// Package resource implements MergeResource (component C1): the
// working-set-scoped cache of open readers, temp writers, and per-series
// tombstones that back one merge task, plus the value-passed Context that
// replaces the ambient-singleton wiring the design notes warn against.
package resource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// Opener constructs a SegmentReader for a segment path; supplied by the
// caller so Context never imports a concrete adapter package directly.
type Opener func(path string) (segstore.SegmentReader, error)

// WriterFactory constructs a SegmentWriter for a temp output path.
type WriterFactory func(path string) (segstore.SegmentWriter, error)

// Mode selects the temp-file suffix a MergeResource uses for its writers.
type Mode int

const (
	ModeInplace Mode = iota
	ModeSqueeze
)

func (m Mode) suffix() string {
	if m == ModeSqueeze {
		return ".merge.squeeze"
	}
	return ".merge.inplace"
}

// Context is the single value-passed environment threaded through a merge
// task in place of the original's cyclic cross-referencing registries
// (design note: "Cyclic registries" / "Global mutable state").
type Context struct {
	Partition       string
	TimeLowerBound  int64 // retention horizon; segments entirely before this are excluded
	RetentionCutoff int64
}

// tombstoneKey identifies a (segment, series) pair for the destructive
// modifications cache.
type tombstoneKey struct {
	segmentPath string
	series      string
}

// Resource owns the input segment lists and every cache scoped to one merge
// task: opened readers (closed on release), temp writers (one per input
// segment, created lazily and idempotently), and the tombstone cache.
type Resource struct {
	mu sync.Mutex

	ctx    Context
	mode   Mode
	opener Opener
	newW   WriterFactory

	Sequence   []*segment.Segment
	Unsequence []*segment.Segment

	readers map[string]segstore.SegmentReader
	writers map[string]segstore.SegmentWriter

	// tombstones is populated once per segment on first access and then
	// drained destructively per series: modifications(segment, series)
	// removes the entry it returns.
	tombstones map[string][]segment.Tombstone
	visited    map[tombstoneKey]bool

	closed bool
}

// New builds a Resource over a filtered working set: only segments that are
// sealed, not deleted, and whose MaxEndTime exceeds the retention horizon
// participate (per spec.md 4.1's filtering rule).
func New(ctx Context, mode Mode, opener Opener, newW WriterFactory, sequence, unsequence []*segment.Segment) *Resource {
	r := &Resource{
		ctx:        ctx,
		mode:       mode,
		opener:     opener,
		newW:       newW,
		readers:    make(map[string]segstore.SegmentReader),
		writers:    make(map[string]segstore.SegmentWriter),
		tombstones: make(map[string][]segment.Tombstone),
		visited:    make(map[tombstoneKey]bool),
	}
	for _, s := range sequence {
		if r.eligible(s) {
			r.Sequence = append(r.Sequence, s)
		}
	}
	for _, s := range unsequence {
		if r.eligible(s) {
			r.Unsequence = append(r.Unsequence, s)
		}
	}
	return r
}

func (r *Resource) eligible(s *segment.Segment) bool {
	return s.Sealed && !s.Deleted && s.MaxEndTime() > r.ctx.TimeLowerBound
}

// Reader opens (or returns the cached) SegmentReader for a segment.
func (r *Resource) Reader(s *segment.Segment) (segstore.SegmentReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rd, ok := r.readers[s.Path]; ok {
		return rd, nil
	}
	rd, err := r.opener(s.Path)
	if err != nil {
		return nil, fmt.Errorf("resource: open reader for %s: %w", s.Path, err)
	}
	r.readers[s.Path] = rd
	return rd, nil
}

// TempWriter returns the idempotent temp-file writer for a segment, creating
// it (path = segment.path + suffix) on first call.
func (r *Resource) TempWriter(s *segment.Segment) (segstore.SegmentWriter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if w, ok := r.writers[s.Path]; ok {
		return w, nil
	}
	path := s.Path + r.mode.suffix()
	w, err := r.newW(path)
	if err != nil {
		return nil, fmt.Errorf("resource: create temp writer for %s: %w", path, err)
	}
	r.writers[s.Path] = w
	return w, nil
}

// ChunkMetadata fetches a series's chunk list from a segment, applying the
// segment's tombstones to set each chunk's DeletedAt. Not cached: volume is
// large and the cost is amortized by one pass per series per segment.
func (r *Resource) ChunkMetadata(series string, s *segment.Segment) ([]segment.ChunkMeta, error) {
	rd, err := r.Reader(s)
	if err != nil {
		return nil, err
	}
	metas, err := rd.ChunkMetadata(series)
	if err != nil {
		return nil, fmt.Errorf("resource: chunk metadata for %s in %s: %w", series, s.Path, err)
	}

	tombstones := r.loadTombstones(s)
	for i := range metas {
		deletedAt := int64(-1)
		for _, t := range tombstones {
			if t.SeriesPath == series && t.EndTime > deletedAt {
				deletedAt = t.EndTime
			}
		}
		metas[i].DeletedAt = deletedAt
	}
	return metas, nil
}

func (r *Resource) loadTombstones(s *segment.Segment) []segment.Tombstone {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ts, ok := r.tombstones[s.Path]; ok {
		return ts
	}
	ts, err := segment.ReadTombstones(segment.ModsSidecarPath(s.Path))
	if err != nil {
		ts = nil
	}
	r.tombstones[s.Path] = ts
	return ts
}

// Modifications returns the tombstones applicable to (segment, series),
// destructively removing them from the in-memory cache on return. A series
// is visited at most once per merge; a second call for the same pair
// returns empty, matching the contract in spec.md 4.1.
func (r *Resource) Modifications(s *segment.Segment, series string) []segment.Tombstone {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := tombstoneKey{segmentPath: s.Path, series: series}
	if r.visited[key] {
		return nil
	}
	r.visited[key] = true

	all, ok := r.tombstones[s.Path]
	if !ok {
		all, _ = segment.ReadTombstones(segment.ModsSidecarPath(s.Path))
	}
	var matched []segment.Tombstone
	var remaining []segment.Tombstone
	for _, t := range all {
		if t.SeriesPath == series {
			matched = append(matched, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	r.tombstones[s.Path] = remaining
	return matched
}

// UnseqReaders constructs one PointStream per series in the batch, fed from
// every unsequence segment in the working set.
func (r *Resource) UnseqReaders(ctx context.Context, factory segstore.UnseqPointReaderFactory, seriesBatch []string) (map[string]segstore.PointStream, error) {
	out := make(map[string]segstore.PointStream, len(seriesBatch))
	for _, series := range seriesBatch {
		var tombstones []segment.Tombstone
		for _, u := range r.Unsequence {
			tombstones = append(tombstones, r.Modifications(u, series)...)
		}
		stream, err := factory.Open(ctx, series, tombstones)
		if err != nil {
			return nil, fmt.Errorf("resource: open unseq reader for %s: %w", series, err)
		}
		out[series] = stream
	}
	return out, nil
}

// DiscoverSeries unions every series named by at least one of segs' chunk
// indexes, sorted for deterministic batching downstream.
func (r *Resource) DiscoverSeries(segs []*segment.Segment) ([]string, error) {
	set := make(map[string]struct{})
	for _, s := range segs {
		rd, err := r.Reader(s)
		if err != nil {
			return nil, err
		}
		for _, series := range rd.Series() {
			set[series] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for series := range set {
		out = append(out, series)
	}
	sort.Strings(out)
	return out, nil
}

// ForgetReader evicts and closes the cached reader for path, if any, so a
// subsequent Reader call reopens the file instead of returning a handle left
// stale by a rename or in-place truncate. No-op if path was never opened.
func (r *Resource) ForgetReader(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rd, ok := r.readers[path]
	if !ok {
		return nil
	}
	delete(r.readers, path)
	return rd.Close()
}

// Release closes every cached reader and writer. Idempotent; errors closing
// individual resources are collected and returned rather than stopping the
// loop, so cleanup always completes.
func (r *Resource) Release() []error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for path, rd := range r.readers {
		if err := rd.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resource: close reader %s: %w", path, err))
		}
	}
	for path, w := range r.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, fmt.Errorf("resource: close writer %s: %w", path, err))
		}
	}
	return errs
}
