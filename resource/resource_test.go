package resource

import (
	"testing"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
	"github.com/stretchr/testify/require"
)

type fakeReader struct {
	closed bool
	metas  map[string][]segment.ChunkMeta
}

func (f *fakeReader) ChunkMetadata(series string) ([]segment.ChunkMeta, error) { return f.metas[series], nil }
func (f *fakeReader) ReadChunk(meta segment.ChunkMeta) ([]byte, error)         { return nil, nil }
func (f *fakeReader) Series() []string                                        { return nil }
func (f *fakeReader) Devices() map[string]segment.TimeRange                   { return nil }
func (f *fakeReader) Close() error                                            { f.closed = true; return nil }

type fakeWriter struct{ closed bool }

func (f *fakeWriter) WriteChunk(segment.ChunkMeta, []byte) error { return nil }
func (f *fakeWriter) Position() (int64, error)                  { return 0, nil }
func (f *fakeWriter) Flush() error                               { return nil }
func (f *fakeWriter) Seal(map[string]segment.TimeRange, map[uint64]struct{}) error { return nil }
func (f *fakeWriter) Close() error                              { f.closed = true; return nil }
func (f *fakeWriter) Path() string                              { return "temp" }

func newTestResource(seq, unseq []*segment.Segment) (*Resource, *fakeReader) {
	fr := &fakeReader{metas: map[string][]segment.ChunkMeta{
		"d1.temp": {{Device: "d1", Measurement: "temp", Start: 0, End: 10}},
	}}
	opener := func(path string) (segstore.SegmentReader, error) { return fr, nil }
	newW := func(path string) (segstore.SegmentWriter, error) { return &fakeWriter{}, nil }
	return New(Context{TimeLowerBound: -1}, ModeInplace, opener, newW, seq, unseq), fr
}

func mkSegment(gen uint64, sealed bool, maxEnd int64) *segment.Segment {
	s := segment.New(segment.ID{Generation: gen}, "seg.tsfile")
	s.Sealed = sealed
	s.Devices["d1"] = segment.TimeRange{Min: 0, Max: maxEnd}
	return s
}

func TestResourceFiltersIneligibleSegments(t *testing.T) {
	sealed := mkSegment(1, true, 100)
	unsealed := mkSegment(2, false, 100)
	deleted := mkSegment(3, true, 100)
	deleted.Deleted = true

	r, _ := newTestResource([]*segment.Segment{sealed, unsealed, deleted}, nil)
	require.Len(t, r.Sequence, 1)
	require.Equal(t, sealed, r.Sequence[0])
}

func TestReaderIsCachedAndReleased(t *testing.T) {
	s := mkSegment(1, true, 100)
	r, fr := newTestResource([]*segment.Segment{s}, nil)

	rd1, err := r.Reader(s)
	require.NoError(t, err)
	rd2, err := r.Reader(s)
	require.NoError(t, err)
	require.Same(t, rd1, rd2)

	errs := r.Release()
	require.Empty(t, errs)
	require.True(t, fr.closed)

	// Idempotent.
	require.Empty(t, r.Release())
}

func TestModificationsDestructiveSingleVisit(t *testing.T) {
	s := mkSegment(1, true, 100)
	r, _ := newTestResource([]*segment.Segment{s}, nil)
	r.tombstones[s.Path] = []segment.Tombstone{{SeriesPath: "d1.temp", EndTime: 49}}

	first := r.Modifications(s, "d1.temp")
	require.Len(t, first, 1)

	second := r.Modifications(s, "d1.temp")
	require.Empty(t, second)
}

func TestTempWriterIdempotentPerSegment(t *testing.T) {
	s := mkSegment(1, true, 100)
	r, _ := newTestResource([]*segment.Segment{s}, nil)

	w1, err := r.TempWriter(s)
	require.NoError(t, err)
	w2, err := r.TempWriter(s)
	require.NoError(t, err)
	require.Same(t, w1, w2)
}
