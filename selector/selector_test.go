package selector

import (
	"testing"
	"time"

	"github.com/chronoseg/compactor/segment"
	"github.com/stretchr/testify/require"
)

func seg(gen uint64, device string, min, max int64) *segment.Segment {
	s := segment.New(segment.ID{Generation: gen}, "seg.tsfile")
	s.Devices[device] = segment.TimeRange{Min: min, Max: max}
	return s
}

func segDevices(gen uint64, devices ...string) *segment.Segment {
	s := segment.New(segment.ID{Generation: gen}, "seg.tsfile")
	for _, d := range devices {
		s.Devices[d] = segment.TimeRange{Min: 0, Max: 9}
	}
	return s
}

func fixedCost(cost int64) SizeEstimator {
	return func(*segment.Segment) int64 { return cost }
}

func TestSelectAdmitsUntilBudgetExceeded(t *testing.T) {
	segs := []*segment.Segment{seg(1, "d1", 0, 9), seg(2, "d1", 10, 19), seg(3, "d1", 20, 29)}
	sel := New(MaxFiles, fixedCost(40), nil)

	result := sel.Select(segs, nil, Budget{Memory: 100})
	require.Len(t, result.Sequence, 2)
}

func TestSelectAlwaysAdmitsFirstEvenIfOverBudget(t *testing.T) {
	segs := []*segment.Segment{seg(1, "d1", 0, 9)}
	sel := New(MaxFiles, fixedCost(1000), nil)

	result := sel.Select(segs, nil, Budget{Memory: 100})
	require.Len(t, result.Sequence, 1, "a selection must be non-empty if at least one segment fits alone")
}

func TestSelectAdmitsOverlappingUnsequence(t *testing.T) {
	sequence := []*segment.Segment{seg(1, "d1", 0, 10)}
	unseq := []*segment.Segment{seg(2, "d1", 5, 15), seg(3, "d1", 100, 110)}
	sel := New(MaxFiles, fixedCost(10), nil)

	result := sel.Select(sequence, unseq, Budget{Memory: 1000})
	require.Len(t, result.Unsequence, 1)
	require.Equal(t, unseq[0], result.Unsequence[0])
}

func TestSelectMaxSeriesExcludesSegmentWhoseDeviceBlowsBudget(t *testing.T) {
	// "shared" appears in every segment alongside one unique device each;
	// as more distinct devices enter the working set, each series' share of
	// the budget shrinks, so "shared"'s accumulating cost eventually blows
	// its own share even though the raw file cost still fits the budget.
	segs := []*segment.Segment{
		segDevices(1, "shared", "d1"),
		segDevices(2, "shared", "d2"),
		segDevices(3, "shared", "d3"),
		segDevices(4, "shared", "d4"),
		segDevices(5, "shared", "d5"),
	}

	filesSel := New(MaxFiles, fixedCost(100), nil)
	filesResult := filesSel.Select(segs, nil, Budget{Memory: 600})
	require.Len(t, filesResult.Sequence, 5, "MaxFiles admits everything that fits the overall budget")

	seriesSel := New(MaxSeries, fixedCost(100), nil)
	seriesResult := seriesSel.Select(segs, nil, Budget{Memory: 600})
	require.Len(t, seriesResult.Sequence, 3,
		"MaxSeries stops once \"shared\"'s own combined working set would exceed its shrinking budget share")
}

func TestSelectMaxSeriesAlwaysAdmitsFirstSegment(t *testing.T) {
	segs := []*segment.Segment{seg(1, "d1", 0, 9)}
	sel := New(MaxSeries, fixedCost(1000), nil)

	result := sel.Select(segs, nil, Budget{Memory: 100})
	require.Len(t, result.Sequence, 1, "a selection must be non-empty if at least one segment fits alone")
}

func TestSelectRespectsTimeBudget(t *testing.T) {
	segs := []*segment.Segment{seg(1, "d1", 0, 9), seg(2, "d1", 10, 19)}
	t0 := time.Unix(0, 0)
	calls := 0
	clock := func() time.Time {
		calls++
		if calls > 1 {
			return t0.Add(time.Hour)
		}
		return t0
	}
	sel := New(MaxFiles, fixedCost(1), clock)

	result := sel.Select(segs, nil, Budget{Memory: 1000, TimeWall: time.Minute})
	require.True(t, result.TimedOut)
}
