// Package selector implements FileSelector (component C3): memory- and
// time-budgeted greedy selection of a merge working set.
package selector

import (
	"time"

	"github.com/chronoseg/compactor/segment"
)

// Strategy chooses between optimizing for files merged vs. series covered.
type Strategy int

const (
	MaxFiles Strategy = iota
	MaxSeries
)

// SizeEstimator returns the cost (bytes, loose or tight) of considering a
// segment for the working set. Swappable so callers can choose loose
// (metadata size) or tight (actual per-series chunk index size) bounds.
type SizeEstimator func(s *segment.Segment) int64

// Budget bounds a selection pass.
type Budget struct {
	Memory   int64
	TimeWall time.Duration
}

// Selector picks candidate segments for one merge task.
type Selector struct {
	strategy  Strategy
	estimator SizeEstimator
	now       func() time.Time
}

// New builds a Selector. now defaults to time.Now if nil (tests can inject
// a fake clock).
func New(strategy Strategy, estimator SizeEstimator, now func() time.Time) *Selector {
	if now == nil {
		now = time.Now
	}
	return &Selector{strategy: strategy, estimator: estimator, now: now}
}

// Result is a non-empty selection, or an explicit empty-budget signal.
type Result struct {
	Sequence    []*segment.Segment
	Unsequence  []*segment.Segment
	TotalCost   int64
	TimedOut    bool
}

// Select walks sequence segments in filename order, greedily admitting each
// one (plus every overlapping unsequence segment) while the running cost
// stays under budget.Memory and the wall clock stays under budget.TimeWall.
// Ties are already broken by filename order since callers must pass
// pre-sorted candidates (segment.SortByFilename).
func (s *Selector) Select(sequence, unsequence []*segment.Segment, budget Budget) Result {
	deadline := s.now().Add(budget.TimeWall)

	var result Result
	var totalCost int64
	admittedSeq := make(map[*segment.Segment]bool)
	seriesCost := make(map[string]int64) // device -> cumulative apportioned cost, tracked only for MaxSeries
	devicesSeen := make(map[string]struct{})

	for _, seq := range sequence {
		if budget.TimeWall > 0 && s.now().After(deadline) {
			result.TimedOut = true
			break
		}

		addedCost := s.estimator(seq)
		overlapping := overlappingUnseq(seq, unsequence)
		for _, u := range overlapping {
			addedCost += s.estimator(u)
		}

		if totalCost+addedCost >= budget.Memory && budget.Memory > 0 && len(result.Sequence) > 0 {
			break
		}

		if s.strategy == MaxSeries && len(result.Sequence) > 0 && !fitsSeries(seriesCost, devicesSeen, seq, addedCost, budget) {
			// Series-budget strategy: the budget is shared out evenly across
			// every distinct series seen so far, and a device whose own
			// combined working set would exceed its share is excluded, even
			// though the file-level cost still fits the overall budget.
			break
		}

		result.Sequence = append(result.Sequence, seq)
		admittedSeq[seq] = true
		totalCost += addedCost
		if s.strategy == MaxSeries {
			creditSeries(seriesCost, devicesSeen, seq, addedCost)
		}

		for _, u := range overlapping {
			if !containsSegment(result.Unsequence, u) {
				result.Unsequence = append(result.Unsequence, u)
			}
		}
	}

	result.TotalCost = totalCost
	return result
}

// fitsSeries reports whether admitting seq, whose own cost plus every
// overlapping unsequence segment's cost is addedCost, would keep every
// series (device) it touches within that series' own share of the memory
// budget. Spec.md's "max series" variant restricts the admitted set to
// series whose combined working set fits the budget; each series' share
// shrinks as more distinct series enter the working set, so a device whose
// accumulated cost would cross its share is excluded instead of dragging
// its segment's file cost in anyway.
func fitsSeries(seriesCost map[string]int64, devicesSeen map[string]struct{}, seq *segment.Segment, addedCost int64, budget Budget) bool {
	if budget.Memory <= 0 || len(seq.Devices) == 0 {
		return true
	}
	total := len(devicesSeen)
	for device := range seq.Devices {
		if _, ok := devicesSeen[device]; !ok {
			total++
		}
	}
	perSeriesBudget := budget.Memory / int64(total)
	share := addedCost / int64(len(seq.Devices))
	for device := range seq.Devices {
		if seriesCost[device]+share > perSeriesBudget {
			return false
		}
	}
	return true
}

// creditSeries apportions addedCost evenly across seq's devices once the
// segment has actually been admitted, and records any devices seen for the
// first time so later calls to fitsSeries divide the budget accordingly.
func creditSeries(seriesCost map[string]int64, devicesSeen map[string]struct{}, seq *segment.Segment, addedCost int64) {
	if len(seq.Devices) == 0 {
		return
	}
	share := addedCost / int64(len(seq.Devices))
	for device := range seq.Devices {
		seriesCost[device] += share
		devicesSeen[device] = struct{}{}
	}
}

func overlappingUnseq(seq *segment.Segment, unsequence []*segment.Segment) []*segment.Segment {
	var out []*segment.Segment
	for device, seqRange := range seq.Devices {
		for _, u := range unsequence {
			if uRange, ok := u.Devices[device]; ok && seqRange.Overlaps(uRange) {
				out = append(out, u)
			}
		}
	}
	return out
}

func containsSegment(segs []*segment.Segment, target *segment.Segment) bool {
	for _, s := range segs {
		if s == target {
			return true
		}
	}
	return false
}
