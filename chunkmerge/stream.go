package chunkmerge

import (
	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// peekStream wraps a segstore.PointStream with one point of lookahead, which
// both overlap detection and interleaving need.
type peekStream struct {
	inner    segstore.PointStream
	buffered *segment.TimeValuePair
	eof      bool
}

// Peek returns the next point without consuming it.
func (p *peekStream) Peek() (segment.TimeValuePair, bool, error) {
	if p.buffered == nil && !p.eof {
		pt, ok, err := p.inner.Next()
		if err != nil {
			return segment.TimeValuePair{}, false, err
		}
		if !ok {
			p.eof = true
		} else {
			p.buffered = &pt
		}
	}
	if p.buffered != nil {
		return *p.buffered, true, nil
	}
	return segment.TimeValuePair{}, false, nil
}

// Pop consumes and returns the next point.
func (p *peekStream) Pop() (segment.TimeValuePair, bool, error) {
	pt, ok, err := p.Peek()
	if err != nil || !ok {
		return pt, ok, err
	}
	p.buffered = nil
	return pt, true, nil
}

// streamOverlaps reports whether the unsequence stream has an unconsumed
// point at or before meta.End. Points before meta.Start are assumed already
// drained by an earlier chunk's processing, since series are walked in
// strictly increasing chunk-start order.
func streamOverlaps(stream *peekStream, meta segment.ChunkMeta) (bool, error) {
	if stream == nil {
		return false, nil
	}
	pt, ok, err := stream.Peek()
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return pt.Timestamp <= meta.End, nil
}

// interleave merges a decoded sequence chunk's points with the unsequence
// stream in ascending timestamp order. On a timestamp collision the
// unsequence point wins and the sequence point is dropped, matching the
// overwrite-by-version semantics already resolved by unseq.Reader.
func interleave(seqPoints []segment.TimeValuePair, stream *peekStream, deletedAt int64) ([]segment.TimeValuePair, error) {
	out := make([]segment.TimeValuePair, 0, len(seqPoints))
	i := 0
	for i < len(seqPoints) {
		seqPt := seqPoints[i]

		uPt, ok, err := stream.Peek()
		if err != nil {
			return nil, err
		}
		if ok && uPt.Timestamp <= seqPt.Timestamp {
			if _, _, err := stream.Pop(); err != nil {
				return nil, err
			}
			if !tombstonedAt(uPt.Timestamp, deletedAt) {
				out = append(out, uPt)
			}
			if uPt.Timestamp == seqPt.Timestamp {
				i++
			}
			continue
		}

		if !tombstonedAt(seqPt.Timestamp, deletedAt) {
			out = append(out, seqPt)
		}
		i++
	}
	return out, nil
}

func tombstonedAt(timestamp, deletedAt int64) bool {
	return deletedAt >= 0 && timestamp <= deletedAt
}
