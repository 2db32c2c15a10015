package segment

// ChunkMeta describes one chunk: a contiguous range of one measurement of
// one device inside a segment, ordered within the segment by start
// timestamp per (device, measurement).
type ChunkMeta struct {
	Device      string
	Measurement string
	Start       int64
	End         int64
	PointCount  int64
	Offset      int64
	DataType    DataType
	Version     uint64

	// DeletedAt is the maximum endTime of any tombstone applicable to this
	// chunk at the time it was fetched; -1 means no tombstone applies.
	DeletedAt int64
}

// Tombstoned reports whether any point in the chunk could be affected by
// the recorded tombstone.
func (c ChunkMeta) Tombstoned() bool { return c.DeletedAt >= c.Start }

// FullyTombstoned reports whether the tombstone covers the chunk's entire
// timestamp range.
func (c ChunkMeta) FullyTombstoned() bool { return c.DeletedAt >= c.End }

// SeriesPath is the "device.measurement" key used to key tombstones, chunk
// metadata lists, and per-device-per-measurement output chunk writers.
func SeriesPath(device, measurement string) string { return device + "." + measurement }

// Tombstone is a (series, endTime, version) triple: "points at or before
// endTime were deleted at this version".
type Tombstone struct {
	SeriesPath string
	EndTime    int64
	Version    uint64
}

// Applies reports whether the tombstone covers the given timestamp.
func (t Tombstone) Applies(timestamp int64) bool { return t.EndTime >= timestamp }
