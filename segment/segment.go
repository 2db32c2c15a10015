// Package segment defines the immutable column-file identity, chunk
// metadata, and point/value types shared by every stage of a merge.
package segment

import (
	"fmt"
	"sort"
)

// ID is a segment's identity: (generation, version, mergeGeneration),
// embedded verbatim in its filename.
type ID struct {
	Generation uint64
	Version    uint64
	MergeGen   uint64
}

// Less orders IDs by (generation asc, version asc, mergeGeneration asc),
// the sort precedence the filename grammar guarantees.
func (id ID) Less(other ID) bool {
	if id.Generation != other.Generation {
		return id.Generation < other.Generation
	}
	if id.Version != other.Version {
		return id.Version < other.Version
	}
	return id.MergeGen < other.MergeGen
}

func (id ID) String() string {
	return fmt.Sprintf("%d-%d-%d", id.Generation, id.Version, id.MergeGen)
}

// Next returns the ID of the file produced when this segment is rewritten:
// same generation and version, merge generation incremented.
func (id ID) Next() ID {
	return ID{Generation: id.Generation, Version: id.Version, MergeGen: id.MergeGen + 1}
}

// TimeRange is an inclusive [Min, Max] timestamp interval.
type TimeRange struct {
	Min, Max int64
}

// Overlaps reports whether two ranges share at least one timestamp.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return r.Min <= o.Max && o.Min <= r.Max
}

// Segment is a sealed, immutable column file plus the metadata needed to
// decide whether it participates in a merge.
type Segment struct {
	ID        ID
	Path      string
	Level     int
	Sealed    bool
	Deleted   bool
	Merging   bool // exclusive reservation flag, guarded by the owning level index's lock
	SizeBytes int64

	// Devices is the resource descriptor: per-device time range covered by
	// this file.
	Devices map[string]TimeRange

	// Ancestors is the set of merge-generation ancestors this file's data
	// derives from; it only ever grows.
	Ancestors map[uint64]struct{}
}

// New constructs an unsealed, level-0 segment whose ancestor set holds only
// its own generation.
func New(id ID, path string) *Segment {
	return &Segment{
		ID:        id,
		Path:      path,
		Level:     0,
		Devices:   make(map[string]TimeRange),
		Ancestors: map[uint64]struct{}{id.Generation: {}},
	}
}

// MaxEndTime returns the latest device end time recorded in the resource
// descriptor, used by resource filtering against the retention horizon.
func (s *Segment) MaxEndTime() int64 {
	var max int64
	first := true
	for _, r := range s.Devices {
		if first || r.Max > max {
			max = r.Max
			first = false
		}
	}
	return max
}

// AddAncestors merges another file's ancestor set into this one. Ancestor
// sets only ever grow (testable property: ancestor monotonicity).
func (s *Segment) AddAncestors(other map[uint64]struct{}) {
	for gen := range other {
		s.Ancestors[gen] = struct{}{}
	}
}

// SuccessorID returns the ID this segment takes when it is rewritten,
// following the filename grammar: the same generation/version with
// MergeGen+1.
func (s *Segment) SuccessorID() ID {
	return s.ID.Next()
}

// SortByFilename orders segments deterministically: (generation, version,
// mergeGeneration), the tie-break the selector and level index both rely on.
func SortByFilename(segs []*Segment) {
	sort.Slice(segs, func(i, j int) bool {
		return segs[i].ID.Less(segs[j].ID)
	})
}

// NonOverlapping reports whether, for one device, a sequence of segments'
// time ranges are pairwise disjoint when sorted by filename order — the
// sequence-population invariant from the data model.
func NonOverlapping(segs []*Segment, device string) bool {
	var ranges []TimeRange
	for _, s := range segs {
		if r, ok := s.Devices[device]; ok {
			ranges = append(ranges, r)
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].Min < ranges[j].Min })
	for i := 1; i < len(ranges); i++ {
		if ranges[i-1].Max >= ranges[i].Min {
			return false
		}
	}
	return true
}
