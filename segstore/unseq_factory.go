package segstore

import (
	"context"
	"fmt"

	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/unseq"
)

// FilesystemUnseqFactory builds an UnseqPointReaderFactory over a fixed set
// of open unsequence segment readers.
type FilesystemUnseqFactory struct {
	sources []*FileSegmentReader
}

// NewFilesystemUnseqFactory wraps already-open unsequence segment readers.
func NewFilesystemUnseqFactory(sources []*FileSegmentReader) *FilesystemUnseqFactory {
	return &FilesystemUnseqFactory{sources: sources}
}

// Open constructs an unseq.Reader (satisfying PointStream) for one series.
func (f *FilesystemUnseqFactory) Open(_ context.Context, series string, tombstones []segment.Tombstone) (PointStream, error) {
	sources := make([]unseq.ChunkSource, len(f.sources))
	for i, s := range f.sources {
		sources[i] = s
	}
	r, err := unseq.New(series, sources, tombstones)
	if err != nil {
		return nil, fmt.Errorf("segstore: open unseq reader for %s: %w", series, err)
	}
	return r, nil
}
