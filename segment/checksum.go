package segment

import (
	"hash/crc32"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// crcPool reuses CRC32 hash state across sidecar encode/decode calls, the
// same pooling idiom the teacher applies to its own record checksums.
var crcPool = sync.Pool{
	New: func() interface{} { return crc32.New(crc32.IEEETable) },
}

// CRC32 returns the IEEE CRC32 of data, used to protect resource-descriptor
// and tombstone sidecar records.
func CRC32(data []byte) uint32 {
	hasher := crcPool.Get().(hash32)
	hasher.Reset()
	_, _ = hasher.Write(data)
	sum := hasher.Sum32()
	crcPool.Put(hasher)
	return sum
}

type hash32 interface {
	Reset()
	Write(p []byte) (int, error)
	Sum32() uint32
}

// ChunkDedupKey returns a fast, non-cryptographic fingerprint of a chunk's
// (segment path, offset) identity, used by the shared chunk provider in
// chunkmerge to detect in-flight duplicate fetches across sub-workers.
func ChunkDedupKey(segmentPath string, offset int64) uint64 {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(offset >> (8 * i))
	}
	d := xxhash.New()
	_, _ = d.WriteString(segmentPath)
	_, _ = d.Write(buf[:])
	return d.Sum64()
}
