package segstore

import (
	"path/filepath"
	"testing"

	"github.com/chronoseg/compactor/segment"
	"github.com/stretchr/testify/require"
)

func TestWriteSealReadChunkRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-0-0.tsfile")

	w, err := CreateFileSegmentWriter(path)
	require.NoError(t, err)

	points := []segment.TimeValuePair{
		{Timestamp: 1, Version: 1, Present: true, Value: segment.Value{Kind: segment.Float64, F64: 1.0}},
		{Timestamp: 2, Version: 1, Present: true, Value: segment.Value{Kind: segment.Float64, F64: 2.0}},
	}
	payload := segment.EncodeChunk(points, segment.Float64)
	meta := segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 1, End: 2, PointCount: 2, DataType: segment.Float64, Version: 1}
	require.NoError(t, w.WriteChunk(meta, payload))

	devices := map[string]segment.TimeRange{"d1": {Min: 1, Max: 2}}
	require.NoError(t, w.Seal(devices, map[uint64]struct{}{1: {}}))

	r, err := OpenFileSegmentReader(path)
	require.NoError(t, err)
	defer r.Close()

	metas, err := r.ChunkMetadata(segment.SeriesPath("d1", "temp"))
	require.NoError(t, err)
	require.Len(t, metas, 1)

	decoded, err := r.DecodeChunk(metas[0])
	require.NoError(t, err)
	require.Equal(t, points, decoded)

	require.Equal(t, devices, r.Devices())
}

func TestOpenFileSegmentWriterForAppendTruncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-0-0.tsfile")

	w, err := CreateFileSegmentWriter(path)
	require.NoError(t, err)
	meta := segment.ChunkMeta{Device: "d1", Measurement: "temp", DataType: segment.Int64}
	require.NoError(t, w.WriteChunk(meta, segment.EncodeChunk(nil, segment.Int64)))
	pos, err := w.Position()
	require.NoError(t, err)
	require.NoError(t, w.Seal(nil, nil))

	w2, err := OpenFileSegmentWriterForAppend(path, pos)
	require.NoError(t, err)
	p2, err := w2.Position()
	require.NoError(t, err)
	require.Equal(t, pos, p2)
	require.NoError(t, w2.Close())
}
