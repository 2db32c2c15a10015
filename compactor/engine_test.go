package compactor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/level"
	"github.com/chronoseg/compactor/segment"
)

type fakeCatalogue struct{ dt segment.DataType }

func (f fakeCatalogue) DataType(string) (segment.DataType, bool) { return f.dt, true }

func mkSeg(gen, ver, merge uint64, path string, devices map[string]segment.TimeRange, ancestors ...uint64) *segment.Segment {
	s := segment.New(segment.ID{Generation: gen, Version: ver, MergeGen: merge}, path)
	s.Sealed = true
	for d, r := range devices {
		s.Devices[d] = r
	}
	for _, a := range ancestors {
		s.Ancestors[a] = struct{}{}
	}
	return s
}

func TestNewRequiresRootDirAndCatalogue(t *testing.T) {
	_, err := New()
	require.Error(t, err)

	_, err = New(WithRootDir(t.TempDir()))
	require.Error(t, err, "catalogue is required")
}

func TestNewStartsAndClosesCleanly(t *testing.T) {
	dir := t.TempDir()
	e, err := New(WithRootDir(dir), WithCatalogue(fakeCatalogue{dt: segment.Int64}))
	require.NoError(t, err)
	require.NoError(t, e.Close())
	// Close is idempotent.
	require.NoError(t, e.Close())
}

func TestTriggerMergeUnknownPartitionAndClosed(t *testing.T) {
	dir := t.TempDir()
	e, err := New(WithRootDir(dir), WithCatalogue(fakeCatalogue{dt: segment.Int64}))
	require.NoError(t, err)
	defer e.Close()

	require.ErrorIs(t, e.TriggerMerge("does-not-exist"), ErrUnknownPartition)

	require.NoError(t, e.Close())
	require.ErrorIs(t, e.TriggerMerge("anything"), ErrClosed)
}

func TestIsSidecarOrTemp(t *testing.T) {
	require.True(t, isSidecarOrTemp("1-1-0.tsfile.resource"))
	require.True(t, isSidecarOrTemp("1-1-0.tsfile.mods"))
	require.True(t, isSidecarOrTemp("1-1-0.tsfile.merge.squeeze"))
	require.True(t, isSidecarOrTemp("1-1-0.tsfile.merge.journal"))
	require.False(t, isSidecarOrTemp("1-1-0.tsfile"))
}

func TestSplitByPopulation(t *testing.T) {
	segs := []*segment.Segment{mkSeg(1, 1, 0, "a", nil), mkSeg(2, 1, 0, "b", nil)}

	seq, unseq := splitByPopulation(level.Sequence, segs)
	require.Equal(t, []string{"a", "b"}, seq)
	require.Nil(t, unseq)

	seq, unseq = splitByPopulation(level.Unsequence, segs)
	require.Nil(t, seq)
	require.Equal(t, []string{"a", "b"}, unseq)
}

func TestUnionDevicesMergesRanges(t *testing.T) {
	a := mkSeg(1, 1, 0, "a", map[string]segment.TimeRange{"d1": {Min: 0, Max: 10}})
	b := mkSeg(2, 1, 0, "b", map[string]segment.TimeRange{"d1": {Min: 5, Max: 20}, "d2": {Min: 1, Max: 2}})

	devices := unionDevices([]*segment.Segment{a, b})
	require.Equal(t, segment.TimeRange{Min: 0, Max: 20}, devices["d1"])
	require.Equal(t, segment.TimeRange{Min: 1, Max: 2}, devices["d2"])
}

func TestUnionAncestorsUnionsSets(t *testing.T) {
	a := mkSeg(1, 1, 0, "a", nil, 10)
	b := mkSeg(2, 1, 0, "b", nil, 20)

	out := unionAncestors([]*segment.Segment{a, b})
	require.Contains(t, out, uint64(1))
	require.Contains(t, out, uint64(2))
	require.Contains(t, out, uint64(10))
	require.Contains(t, out, uint64(20))
}

func TestMergedAncestorSetUnionsWithoutMutatingInputs(t *testing.T) {
	own := map[uint64]struct{}{1: {}}
	extra := map[uint64]struct{}{2: {}}

	out := mergedAncestorSet(own, extra)
	require.Len(t, out, 2)
	require.Len(t, own, 1, "own must not be mutated")
}

func TestDiffSegmentsReturnsUnchosen(t *testing.T) {
	a := mkSeg(1, 1, 0, "a", nil)
	b := mkSeg(2, 1, 0, "b", nil)
	c := mkSeg(3, 1, 0, "c", nil)

	out := diffSegments([]*segment.Segment{a, b, c}, []*segment.Segment{b})
	require.Equal(t, []*segment.Segment{a, c}, out)
}

func TestOverlappingFindsUnseqFilesSharingADeviceRange(t *testing.T) {
	seq := mkSeg(1, 1, 0, "seq", map[string]segment.TimeRange{"d1": {Min: 0, Max: 10}})
	overlapsU := mkSeg(2, 1, 0, "u1", map[string]segment.TimeRange{"d1": {Min: 5, Max: 15}})
	disjointU := mkSeg(3, 1, 0, "u2", map[string]segment.TimeRange{"d1": {Min: 20, Max: 30}})

	out := overlapping(seq, []*segment.Segment{overlapsU, disjointU})
	require.Equal(t, []*segment.Segment{overlapsU}, out)
}

func TestMinVersionAndMaxMergeGen(t *testing.T) {
	segs := []*segment.Segment{
		mkSeg(1, 5, 2, "a", nil),
		mkSeg(2, 3, 7, "b", nil),
		mkSeg(3, 9, 1, "c", nil),
	}
	require.Equal(t, uint64(3), minVersion(segs))
	require.Equal(t, uint64(7), maxMergeGen(segs))
}

func TestRetireSegmentsRemovesFileAndSidecars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1-1-0.tsfile")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o644))
	require.NoError(t, os.WriteFile(segment.ResourceSidecarPath(path), []byte("r"), 0o644))
	require.NoError(t, os.WriteFile(segment.ModsSidecarPath(path), []byte("m"), 0o644))

	seg := mkSeg(1, 1, 0, path, nil)
	retireSegments([]*segment.Segment{seg}, zerolog.Nop())

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(segment.ResourceSidecarPath(path))
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(segment.ModsSidecarPath(path))
	require.True(t, os.IsNotExist(err))
}

func TestMarkPartitionKnownRegistersPartition(t *testing.T) {
	dir := t.TempDir()
	e, err := New(WithRootDir(dir), WithCatalogue(fakeCatalogue{dt: segment.Int64}))
	require.NoError(t, err)
	defer e.Close()

	e.markPartitionKnown("p1")
	require.NoError(t, e.TriggerMerge("p1"))
}
