package segment

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIDOrderingAndSuccessor(t *testing.T) {
	a := ID{Generation: 1, Version: 0, MergeGen: 0}
	b := ID{Generation: 1, Version: 0, MergeGen: 1}
	require.True(t, a.Less(b))
	require.Equal(t, ID{Generation: 1, Version: 0, MergeGen: 1}, a.Next())
}

func TestParseAndFormatFilename(t *testing.T) {
	id, level, ext, err := ParseFilename("7-2-0.tsfile")
	require.NoError(t, err)
	require.Equal(t, ID{Generation: 7, Version: 2, MergeGen: 0}, id)
	require.Equal(t, -1, level)
	require.Equal(t, ".tsfile", ext)

	require.Equal(t, "7-2-1.tsfile", FormatFilename(id.Next(), -1, ".tsfile"))
}

func TestParseFilenameMalformed(t *testing.T) {
	_, _, _, err := ParseFilename("not-a-segment")
	require.Error(t, err)
}

func TestNonOverlapping(t *testing.T) {
	s1 := New(ID{Generation: 1}, "1-0-0.tsfile")
	s1.Devices["d1"] = TimeRange{Min: 0, Max: 9}
	s2 := New(ID{Generation: 2}, "2-0-0.tsfile")
	s2.Devices["d1"] = TimeRange{Min: 10, Max: 19}

	require.True(t, NonOverlapping([]*Segment{s1, s2}, "d1"))

	s2.Devices["d1"] = TimeRange{Min: 5, Max: 19}
	require.False(t, NonOverlapping([]*Segment{s1, s2}, "d1"))
}

func TestResourceSidecarRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-0-0.tsfile.resource")

	devices := map[string]TimeRange{"d1": {Min: 0, Max: 100}, "d2": {Min: 5, Max: 50}}
	ancestors := map[uint64]struct{}{1: {}, 2: {}}

	require.NoError(t, WriteResourceSidecar(path, devices, ancestors))

	gotDevices, gotAncestors, err := ReadResourceSidecar(path)
	require.NoError(t, err)
	require.Equal(t, devices, gotDevices)
	require.Equal(t, ancestors, gotAncestors)
}

func TestTombstoneSidecarAppendAndRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-0-0.tsfile.mods")

	require.NoError(t, AppendTombstone(path, Tombstone{SeriesPath: "d1.temp", EndTime: 49, Version: 3}))
	require.NoError(t, AppendTombstone(path, Tombstone{SeriesPath: "d1.temp", EndTime: 99, Version: 4}))

	got, err := ReadTombstones(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, int64(49), got[0].EndTime)
	require.Equal(t, uint64(4), got[1].Version)
}

func TestReadTombstonesMissingFileIsNotAnError(t *testing.T) {
	got, err := ReadTombstones(filepath.Join(t.TempDir(), "absent.mods"))
	require.NoError(t, err)
	require.Nil(t, got)
}
