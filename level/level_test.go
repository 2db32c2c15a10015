package level

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/segment"
)

type fakeScheduler struct {
	submitted []Task
	fail      bool
}

func (f *fakeScheduler) Submit(task Task) error {
	if f.fail {
		return errSubmit
	}
	f.submitted = append(f.submitted, task)
	return nil
}

var errSubmit = &submitError{}

type submitError struct{}

func (*submitError) Error() string { return "submit failed" }

func seg(gen uint64) *segment.Segment {
	return segment.New(segment.ID{Generation: gen}, "s.tsfile")
}

func TestAddSequenceSegmentPromotesOnOverflow(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(Config{FilesPerLevel: []int{2}}, sched)

	c.AddSequenceSegment("p1", seg(1))
	c.AddSequenceSegment("p1", seg(2))
	require.Empty(t, sched.submitted, "level 0 holding exactly the trigger count must not promote yet")

	c.AddSequenceSegment("p1", seg(3))
	require.Len(t, sched.submitted, 1)
	require.Equal(t, Sequence, sched.submitted[0].Population)
	require.Len(t, sched.submitted[0].Files, 2, "only the trigger count of oldest files is consumed")
	require.True(t, sched.submitted[0].Files[0].Merging)
}

func TestUnseqLevelsOneCollapsesImmediately(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(Config{FilesPerLevel: []int{10}, UnseqLevels: 1}, sched)

	c.AddUnsequenceSegment("p1", seg(1))
	require.Len(t, sched.submitted, 1)
	require.True(t, sched.submitted[0].CollapseUnseq)
	require.Equal(t, Unsequence, sched.submitted[0].Population)
}

func TestReleasePutsFilesBackAndClearsReservation(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(Config{FilesPerLevel: []int{2}}, sched)

	c.AddSequenceSegment("p1", seg(1))
	c.AddSequenceSegment("p1", seg(2))
	c.AddSequenceSegment("p1", seg(3))
	require.Len(t, sched.submitted, 1)

	task := sched.submitted[0]
	c.Release(task)
	for _, s := range task.Files {
		require.False(t, s.Merging)
	}

	// The returned files plus the lone remaining file now overflow level 0
	// again, on the very next add.
	c.AddSequenceSegment("p1", seg(4))
	require.Len(t, sched.submitted, 2)
}

func TestPromoteRegistersOutputAtNextLevel(t *testing.T) {
	sched := &fakeScheduler{}
	c := New(Config{FilesPerLevel: []int{1, 10}}, sched)

	c.AddSequenceSegment("p1", seg(1))
	c.AddSequenceSegment("p1", seg(2))
	require.Len(t, sched.submitted, 1)

	produced := seg(100)
	c.Promote(sched.submitted[0], produced)
	require.Equal(t, 1, produced.Level)

	ps := c.stateFor("p1")
	require.Contains(t, ps.sequenceLevels[1], produced)
}

func TestSubmitFailureReleasesReservation(t *testing.T) {
	sched := &fakeScheduler{fail: true}
	c := New(Config{FilesPerLevel: []int{1}}, sched)

	c.AddSequenceSegment("p1", seg(1))
	c.AddSequenceSegment("p1", seg(2))

	ps := c.stateFor("p1")
	require.Len(t, ps.sequenceLevels[0], 2, "a failed submission must return its files to level 0")
	for _, s := range ps.sequenceLevels[0] {
		require.False(t, s.Merging)
	}
}
