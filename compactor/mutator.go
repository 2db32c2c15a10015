package compactor

import (
	"os"

	"github.com/chronoseg/compactor/resource"
	"github.com/chronoseg/compactor/segment"
)

// segmentMutator adapts a task-scoped resource.Resource into
// commit.SegmentMutator: reader eviction delegates to the Resource's own
// cache instead of a separate global registry.
type segmentMutator struct {
	res *resource.Resource
}

func (m *segmentMutator) CloseReaders(path string) {
	_ = m.res.ForgetReader(path)
}

func (m *segmentMutator) Truncate(path string, size int64) error {
	return os.Truncate(path, size)
}

func (m *segmentMutator) Reseal(path string, devices map[string]segment.TimeRange, ancestors map[uint64]struct{}) error {
	return segment.WriteResourceSidecar(segment.ResourceSidecarPath(path), devices, ancestors)
}
