// Package unseq implements the ordered point stream over the unsequence
// segment population for one series (component C2, UnseqPointReader).
package unseq

import (
	"container/heap"

	"github.com/chronoseg/compactor/segment"
)

// ChunkSource is the minimal contract unseq needs from an unsequence
// segment: its chunk metadata for a series, and the decoded points of one
// chunk. Concrete adapters (segstore) supply this without unseq needing to
// know anything about file formats.
type ChunkSource interface {
	ChunkMetadata(series string) ([]segment.ChunkMeta, error)
	DecodeChunk(meta segment.ChunkMeta) ([]segment.TimeValuePair, error)
	InsertionOrder() uint64 // monotonically increasing per segment, used for the insertion-order tie-break
}

// heapItem is one not-yet-emitted point plus enough provenance to resolve
// timestamp ties: higher version wins; if versions tie, the later-inserted
// chunk wins.
type heapItem struct {
	point          segment.TimeValuePair
	insertionOrder uint64
	srcIdx         int
	chunkIdx       int
	pointIdx       int
}

type pointHeap []heapItem

func (h pointHeap) Len() int { return len(h) }
func (h pointHeap) Less(i, j int) bool {
	if h[i].point.Timestamp != h[j].point.Timestamp {
		return h[i].point.Timestamp < h[j].point.Timestamp
	}
	if h[i].point.Version != h[j].point.Version {
		return h[i].point.Version > h[j].point.Version
	}
	return h[i].insertionOrder > h[j].insertionOrder
}
func (h pointHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pointHeap) Push(x any)        { *h = append(*h, x.(heapItem)) }
func (h *pointHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// chunkCursor holds one source's decoded points for the current chunk and
// the cursor's position within it.
type chunkCursor struct {
	src     ChunkSource
	series  string
	metas   []segment.ChunkMeta
	metaIdx int
	points  []segment.TimeValuePair
}

// Reader presents the union of unsequence chunks touching one series as an
// ordered-by-timestamp point stream. It is finite and not restartable.
type Reader struct {
	series     string
	tombstones []segment.Tombstone
	cursors    []*chunkCursor
	h          pointHeap
	started    bool
}

// New builds an UnseqPointReader over the given sources for one series.
func New(series string, sources []ChunkSource, tombstones []segment.Tombstone) (*Reader, error) {
	r := &Reader{series: series, tombstones: tombstones}

	for _, src := range sources {
		metas, err := src.ChunkMetadata(series)
		if err != nil {
			return nil, err
		}
		if len(metas) == 0 {
			continue
		}
		r.cursors = append(r.cursors, &chunkCursor{src: src, series: series, metas: metas})
	}
	return r, nil
}

func (r *Reader) fillHeap() error {
	heap.Init(&r.h)
	for idx, c := range r.cursors {
		if err := r.advanceCursorToNextPoint(idx, c); err != nil {
			return err
		}
	}
	return nil
}

// advanceCursorToNextPoint loads the next chunk's points into the cursor
// if its current chunk is exhausted, then pushes its next point onto the
// heap, skipping chunks whose points are entirely consumed.
func (r *Reader) advanceCursorToNextPoint(idx int, c *chunkCursor) error {
	for {
		if len(c.points) == 0 {
			if c.metaIdx >= len(c.metas) {
				return nil // this source is exhausted
			}
			meta := c.metas[c.metaIdx]
			c.metaIdx++
			points, err := c.src.DecodeChunk(meta)
			if err != nil {
				return err
			}
			c.points = points
			continue
		}

		next := c.points[0]
		c.points = c.points[1:]
		heap.Push(&r.h, heapItem{
			point:          next,
			insertionOrder: c.src.InsertionOrder(),
			srcIdx:         idx,
		})
		return nil
	}
}

func (r *Reader) tombstoned(ts int64) bool {
	for _, t := range r.tombstones {
		if t.Applies(ts) {
			return true
		}
	}
	return false
}

// Next returns the next surviving point in timestamp order, or ok=false
// once every source is exhausted.
func (r *Reader) Next() (segment.TimeValuePair, bool, error) {
	if !r.started {
		if err := r.fillHeap(); err != nil {
			return segment.TimeValuePair{}, false, err
		}
		r.started = true
	}

	for r.h.Len() > 0 {
		item := heap.Pop(&r.h).(heapItem)
		winner := item.point
		ts := winner.Timestamp

		// Drain and drop every other point sharing this timestamp; the
		// heap ordering already placed the tie-break winner first.
		for r.h.Len() > 0 && r.h[0].point.Timestamp == ts {
			dup := heap.Pop(&r.h).(heapItem)
			if err := r.advanceCursorToNextPoint(dup.srcIdx, r.cursors[dup.srcIdx]); err != nil {
				return segment.TimeValuePair{}, false, err
			}
		}
		if err := r.advanceCursorToNextPoint(item.srcIdx, r.cursors[item.srcIdx]); err != nil {
			return segment.TimeValuePair{}, false, err
		}

		if r.tombstoned(ts) {
			continue
		}
		return winner, true, nil
	}
	return segment.TimeValuePair{}, false, nil
}

// Close releases the reader; UnseqPointReader holds no resources of its
// own beyond the sources it was given, which outlive it.
func (r *Reader) Close() error { return nil }
