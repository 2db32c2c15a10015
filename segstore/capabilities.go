// Package segstore provides the concrete, swappable bindings for the merge
// engine's external collaborators: the segment reader/writer capability,
// the schema catalogue, and the unsequence point-reader factory. The merge
// core (resource, selector, chunkmerge, commit, journal, level, schedule)
// depends only on the interfaces in this file; segment file parsing itself
// stays out of scope per the engine's contract.
package segstore

import (
	"context"

	"github.com/chronoseg/compactor/segment"
)

// SegmentReader opens a sealed segment for read. Implementations are
// shared-read: concurrent readers of the same segment are safe.
type SegmentReader interface {
	// ChunkMetadata returns every chunk in the segment for the given
	// series, ordered by start timestamp.
	ChunkMetadata(series string) ([]segment.ChunkMeta, error)
	// ReadChunk returns the raw bytes of one chunk.
	ReadChunk(meta segment.ChunkMeta) ([]byte, error)
	// Series lists every device.measurement series this segment holds at
	// least one chunk for.
	Series() []string
	// Devices returns the resource descriptor loaded at open time.
	Devices() map[string]segment.TimeRange
	// Close releases any open file handles.
	Close() error
}

// SegmentWriter is an exclusive-write, append-only sink for merge output:
// a temp file during a merge, sealed into a segment at commit.
type SegmentWriter interface {
	// WriteChunk appends one chunk's bytes verbatim (the Copy case) or a
	// freshly encoded chunk (the Decode/Merge cases).
	WriteChunk(meta segment.ChunkMeta, data []byte) error
	// Position returns the writer's current append offset.
	Position() (int64, error)
	// Flush forces buffered writes to the underlying file without sealing
	// it, so a caller that hasn't yet decided between sealing the writer
	// and discarding it (FileCommitter's branch decision) can still
	// guarantee every write so far is visible to a plain os-level read.
	Flush() error
	// Seal finalizes the output: flushes, writes the resource descriptor
	// sidecar, and fsyncs.
	Seal(devices map[string]segment.TimeRange, ancestors map[uint64]struct{}) error
	// Close releases resources without sealing (used on abort).
	Close() error
	// Path returns the writer's current (possibly temporary) file path.
	Path() string
}

// Catalogue maps series names to schema. The merge core only needs to know
// a series's data type; schema evolution itself is out of scope.
type Catalogue interface {
	DataType(series string) (segment.DataType, bool)
}

// UnseqPointReaderFactory constructs the ordered point stream for one
// series over the unsequence population (component C2's collaborator).
type UnseqPointReaderFactory interface {
	Open(ctx context.Context, series string, tombstones []segment.Tombstone) (PointStream, error)
}

// PointStream is the minimal iterator contract consumed by chunkmerge's
// merge case: Next returns io.EOF via ok=false when exhausted.
type PointStream interface {
	Next() (segment.TimeValuePair, bool, error)
	Close() error
}
