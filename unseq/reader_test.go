package unseq

import (
	"testing"

	"github.com/chronoseg/compactor/segment"
	"github.com/stretchr/testify/require"
)

// fakeSource is an in-memory ChunkSource for tests.
type fakeSource struct {
	order  uint64
	metas  []segment.ChunkMeta
	points map[int64][]segment.TimeValuePair // keyed by chunk Start
}

func (f *fakeSource) ChunkMetadata(series string) ([]segment.ChunkMeta, error) { return f.metas, nil }
func (f *fakeSource) DecodeChunk(meta segment.ChunkMeta) ([]segment.TimeValuePair, error) {
	return f.points[meta.Start], nil
}
func (f *fakeSource) InsertionOrder() uint64 { return f.order }

func pt(ts int64, ver uint64, v float64) segment.TimeValuePair {
	return segment.TimeValuePair{Timestamp: ts, Version: ver, Present: true, Value: segment.Value{Kind: segment.Float64, F64: v}}
}

func TestReaderOrdersAcrossSources(t *testing.T) {
	a := &fakeSource{
		order: 1,
		metas: []segment.ChunkMeta{{Start: 1, End: 10}},
		points: map[int64][]segment.TimeValuePair{
			1: {pt(1, 1, 100), pt(10, 1, 110)},
		},
	}
	b := &fakeSource{
		order: 2,
		metas: []segment.ChunkMeta{{Start: 15, End: 15}},
		points: map[int64][]segment.TimeValuePair{
			15: {pt(15, 1, 150)},
		},
	}

	r, err := New("d1.temp", []ChunkSource{a, b}, nil)
	require.NoError(t, err)

	var got []segment.TimeValuePair
	for {
		p, ok, err := r.Next()
		require.NoError(t, err)
		if !ok {
			break
		}
		got = append(got, p)
	}

	require.Len(t, got, 3)
	require.Equal(t, []int64{1, 10, 15}, []int64{got[0].Timestamp, got[1].Timestamp, got[2].Timestamp})
}

func TestReaderHigherVersionWinsTies(t *testing.T) {
	a := &fakeSource{
		order: 1,
		metas: []segment.ChunkMeta{{Start: 5, End: 5}},
		points: map[int64][]segment.TimeValuePair{
			5: {pt(5, 1, 1)},
		},
	}
	b := &fakeSource{
		order: 2,
		metas: []segment.ChunkMeta{{Start: 5, End: 5}},
		points: map[int64][]segment.TimeValuePair{
			5: {pt(5, 2, 2)},
		},
	}

	r, err := New("d1.temp", []ChunkSource{a, b}, nil)
	require.NoError(t, err)

	p, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2.0, p.Value.F64)

	_, ok, err = r.Next()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReaderTombstoneDropsPoint(t *testing.T) {
	a := &fakeSource{
		order: 1,
		metas: []segment.ChunkMeta{{Start: 1, End: 10}},
		points: map[int64][]segment.TimeValuePair{
			1: {pt(1, 1, 1), pt(10, 1, 10)},
		},
	}

	r, err := New("d1.temp", []ChunkSource{a}, []segment.Tombstone{{SeriesPath: "d1.temp", EndTime: 5}})
	require.NoError(t, err)

	p, ok, err := r.Next()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(10), p.Timestamp)

	_, ok, _ = r.Next()
	require.False(t, ok)
}
