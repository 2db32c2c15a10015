package chunkmerge

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

type fakeReader struct {
	chunks map[int64][]byte
}

func (f *fakeReader) ChunkMetadata(string) ([]segment.ChunkMeta, error) { return nil, nil }
func (f *fakeReader) ReadChunk(meta segment.ChunkMeta) ([]byte, error)  { return f.chunks[meta.Offset], nil }
func (f *fakeReader) Series() []string                                 { return nil }
func (f *fakeReader) Devices() map[string]segment.TimeRange            { return nil }
func (f *fakeReader) Close() error                                     { return nil }

type fakeWriter struct {
	writes []segment.ChunkMeta
}

func (f *fakeWriter) WriteChunk(meta segment.ChunkMeta, data []byte) error {
	f.writes = append(f.writes, meta)
	return nil
}
func (f *fakeWriter) Position() (int64, error) { return 0, nil }
func (f *fakeWriter) Flush() error              { return nil }
func (f *fakeWriter) Seal(map[string]segment.TimeRange, map[uint64]struct{}) error { return nil }
func (f *fakeWriter) Close() error { return nil }
func (f *fakeWriter) Path() string { return "out.tmp" }

type fakeStream struct {
	points []segment.TimeValuePair
	idx    int
}

func (f *fakeStream) Next() (segment.TimeValuePair, bool, error) {
	if f.idx >= len(f.points) {
		return segment.TimeValuePair{}, false, nil
	}
	pt := f.points[f.idx]
	f.idx++
	return pt, true, nil
}
func (f *fakeStream) Close() error { return nil }

type fakeJournal struct {
	tsStarts  [][]string
	tsEnds    int
	unmerged  []string
}

func (f *fakeJournal) TSStart(series []string) error { f.tsStarts = append(f.tsStarts, series); return nil }
func (f *fakeJournal) TSEnd() error                  { f.tsEnds++; return nil }
func (f *fakeJournal) UnmergedChunkStart(segmentPath, series string, startTime int64) error {
	f.unmerged = append(f.unmerged, series)
	return nil
}

func chunkBytes(points []segment.TimeValuePair, dt segment.DataType) []byte {
	return segment.EncodeChunk(points, dt)
}

func TestMergeSegmentSkipsCleanChunkWithNoOverlap(t *testing.T) {
	meta := segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 0, End: 10, PointCount: 5, Offset: 0, DataType: segment.Int64, DeletedAt: -1}
	reader := &fakeReader{chunks: map[int64][]byte{0: chunkBytes([]segment.TimeValuePair{{Timestamp: 0, Value: segment.Value{Kind: segment.Int64, I64: 1}, Present: true}}, segment.Int64)}}
	writer := &fakeWriter{}
	journal := &fakeJournal{}

	ctx := NewContext()
	task := NewTask(Config{SubWorkers: 1, MinChunkPointNum: -1}, ctx, map[string]segstore.PointStream{
		"d1.temp": &fakeStream{},
	})

	m := New(Config{SubWorkers: 1, MinChunkPointNum: -1}, NewProvider(), journal)
	err := task.MergeSegment(m, "seg1.tsfile", reader, writer, []SeriesInput{
		{Series: "d1.temp", DataType: segment.Int64, ChunkMetas: []segment.ChunkMeta{meta}},
	}, true)
	require.NoError(t, err)

	require.Empty(t, writer.writes, "a clean, big-enough, non-overlapping chunk is skipped, not rewritten")
	require.Len(t, journal.unmerged, 1)
	require.Equal(t, 1, journal.tsEnds)
	require.Equal(t, []int64{0}, ctx.UnmergedChunkStartTimes["seg1.tsfile"]["d1.temp"],
		"the skip'd chunk's start time must be recorded so the committer can fetch it back by start time later")
}

func TestMergeSegmentCopiesWhenForcingFullMerge(t *testing.T) {
	meta := segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 0, End: 10, PointCount: 5, Offset: 0, DataType: segment.Int64, DeletedAt: -1}
	reader := &fakeReader{chunks: map[int64][]byte{0: chunkBytes([]segment.TimeValuePair{{Timestamp: 0, Value: segment.Value{Kind: segment.Int64, I64: 1}, Present: true}}, segment.Int64)}}
	writer := &fakeWriter{}

	task := NewTask(Config{SubWorkers: 1, MinChunkPointNum: -1, ForceFullMerge: true}, NewContext(), map[string]segstore.PointStream{
		"d1.temp": &fakeStream{},
	})
	m := New(Config{SubWorkers: 1, MinChunkPointNum: -1, ForceFullMerge: true}, NewProvider(), nil)

	err := task.MergeSegment(m, "seg1.tsfile", reader, writer, []SeriesInput{
		{Series: "d1.temp", DataType: segment.Int64, ChunkMetas: []segment.ChunkMeta{meta}},
	}, false)
	require.NoError(t, err)
	require.Len(t, writer.writes, 1, "ForceFullMerge copies even clean non-overlapping chunks")
}

func TestMergeSegmentMergesOverlappingUnsequencePoints(t *testing.T) {
	meta := segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 0, End: 10, PointCount: 1, Offset: 0, DataType: segment.Int64, DeletedAt: -1}
	seqPoints := []segment.TimeValuePair{{Timestamp: 5, Value: segment.Value{Kind: segment.Int64, I64: 100}, Present: true}}
	reader := &fakeReader{chunks: map[int64][]byte{0: chunkBytes(seqPoints, segment.Int64)}}
	writer := &fakeWriter{}

	unseqStream := &fakeStream{points: []segment.TimeValuePair{{Timestamp: 3, Value: segment.Value{Kind: segment.Int64, I64: 200}, Present: true}}}

	task := NewTask(Config{SubWorkers: 1, MinChunkPointNum: 0}, NewContext(), map[string]segstore.PointStream{
		"d1.temp": unseqStream,
	})
	m := New(Config{SubWorkers: 1, MinChunkPointNum: 0}, NewProvider(), nil)

	err := task.MergeSegment(m, "seg1.tsfile", reader, writer, []SeriesInput{
		{Series: "d1.temp", DataType: segment.Int64, ChunkMetas: []segment.ChunkMeta{meta}},
	}, true)
	require.NoError(t, err)
	require.NotEmpty(t, writer.writes, "an overlapping chunk must be rewritten through the Merge case and flushed")
}
