package segstore

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/chronoseg/compactor/segment"
)

// recordMagic marks the start of a chunk record in a local segment file,
// the same length-prefixed-plus-CRC idiom the teacher's WAL uses for its
// own records.
const recordMagic uint32 = 0x43485A31 // "CHZ1"

// FileSegmentReader is the local-filesystem binding for SegmentReader. At
// open it loads the segment's resource sidecar and builds the chunk index
// (series -> ChunkMeta) with one scan over the file's records, since
// chunk-level metadata in this concrete binding is embedded
// record-by-record in the file itself.
type FileSegmentReader struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	devices map[string]segment.TimeRange
	index   map[string][]segment.ChunkMeta // series -> chunk metas, in file order
}

// OpenFileSegmentReader opens a sealed segment file and its sidecars.
func OpenFileSegmentReader(path string) (*FileSegmentReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("segstore: open segment %s: %w", path, err)
	}

	devices, _, err := segment.ReadResourceSidecar(segment.ResourceSidecarPath(path))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segstore: read resource sidecar for %s: %w", path, err)
	}

	r := &FileSegmentReader{path: path, file: f, devices: devices}
	if err := r.scanIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return r, nil
}

// chunkRecordHeader mirrors the layout WriteChunk produces:
// magic u32, measurement u32-len, measurement bytes, device u32-len, device bytes,
// dataType u8, start i64, end i64, pointCount i64, version u64, payloadLen u32,
// payload, crc32 u32.
func (r *FileSegmentReader) scanIndex() error {
	r.index = make(map[string][]segment.ChunkMeta)

	rd := bufio.NewReader(r.file)
	var offset int64
	for {
		start := offset
		var magic uint32
		if err := binary.Read(rd, binary.LittleEndian, &magic); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("segstore: scan index: %w", err)
		}
		if magic != recordMagic {
			return fmt.Errorf("segstore: corrupt segment %s at offset %d: bad magic", r.path, start)
		}
		offset += 4

		meta, payloadLen, err := readChunkHeader(rd, &offset)
		if err != nil {
			return fmt.Errorf("segstore: scan index: %w", err)
		}
		meta.Offset = start

		if _, err := io.CopyN(io.Discard, rd, int64(payloadLen)); err != nil {
			return fmt.Errorf("segstore: scan index: skip payload: %w", err)
		}
		offset += int64(payloadLen)

		var crc uint32
		if err := binary.Read(rd, binary.LittleEndian, &crc); err != nil {
			return fmt.Errorf("segstore: scan index: read crc: %w", err)
		}
		offset += 4

		series := segment.SeriesPath(meta.Device, meta.Measurement)
		r.index[series] = append(r.index[series], meta)
	}
	return nil
}

func readChunkHeader(rd io.Reader, offset *int64) (segment.ChunkMeta, uint32, error) {
	measurement, err := readLenPrefixedString(rd, offset)
	if err != nil {
		return segment.ChunkMeta{}, 0, err
	}
	device, err := readLenPrefixedString(rd, offset)
	if err != nil {
		return segment.ChunkMeta{}, 0, err
	}

	var fixed [1 + 8 + 8 + 8 + 8]byte
	if _, err := io.ReadFull(rd, fixed[:]); err != nil {
		return segment.ChunkMeta{}, 0, err
	}
	*offset += int64(len(fixed))

	dt := segment.DataType(fixed[0])
	start := int64(binary.LittleEndian.Uint64(fixed[1:9]))
	end := int64(binary.LittleEndian.Uint64(fixed[9:17]))
	count := int64(binary.LittleEndian.Uint64(fixed[17:25]))
	version := binary.LittleEndian.Uint64(fixed[25:33])

	var payloadLenBuf [4]byte
	if _, err := io.ReadFull(rd, payloadLenBuf[:]); err != nil {
		return segment.ChunkMeta{}, 0, err
	}
	*offset += 4
	payloadLen := binary.LittleEndian.Uint32(payloadLenBuf[:])

	return segment.ChunkMeta{
		Measurement: measurement,
		Device:      device,
		Start:       start,
		End:         end,
		PointCount:  count,
		DataType:    dt,
		Version:     version,
		DeletedAt:   -1,
	}, payloadLen, nil
}

func readLenPrefixedString(rd io.Reader, offset *int64) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return "", err
	}
	*offset += 4
	n := binary.LittleEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(rd, buf); err != nil {
		return "", err
	}
	*offset += int64(n)
	return string(buf), nil
}

// ChunkMetadata returns the chunk metadata list for a series in file order
// (already start-timestamp ordered because chunks are appended in order).
func (r *FileSegmentReader) ChunkMetadata(series string) ([]segment.ChunkMeta, error) {
	return r.index[series], nil
}

// Series lists every series this segment holds at least one chunk for, in
// no particular order.
func (r *FileSegmentReader) Series() []string {
	out := make([]string, 0, len(r.index))
	for series := range r.index {
		out = append(out, series)
	}
	return out
}

// ReadChunk fetches and checksum-verifies the raw (still-encoded) chunk
// payload at meta.Offset.
func (r *FileSegmentReader) ReadChunk(meta segment.ChunkMeta) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.file.Seek(meta.Offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("segstore: seek chunk: %w", err)
	}
	rd := bufio.NewReader(r.file)

	var magic uint32
	if err := binary.Read(rd, binary.LittleEndian, &magic); err != nil || magic != recordMagic {
		return nil, fmt.Errorf("segstore: read chunk: bad record at offset %d", meta.Offset)
	}

	var offset int64
	_, payloadLen, err := readChunkHeader(rd, &offset)
	if err != nil {
		return nil, fmt.Errorf("segstore: read chunk header: %w", err)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(rd, payload); err != nil {
		return nil, fmt.Errorf("segstore: read chunk payload: %w", err)
	}
	var crc uint32
	if err := binary.Read(rd, binary.LittleEndian, &crc); err != nil {
		return nil, fmt.Errorf("segstore: read chunk crc: %w", err)
	}
	if segment.CRC32(payload) != crc {
		return nil, fmt.Errorf("segstore: chunk at offset %d failed checksum", meta.Offset)
	}
	return payload, nil
}

// Devices returns the resource descriptor loaded at open.
func (r *FileSegmentReader) Devices() map[string]segment.TimeRange { return r.devices }

// Close closes the underlying file handle.
func (r *FileSegmentReader) Close() error { return r.file.Close() }

// --- unseq.ChunkSource adapter ---

// DecodeChunk fetches and decodes one chunk's points, for use by unseq and
// chunkmerge's decode cases.
func (r *FileSegmentReader) DecodeChunk(meta segment.ChunkMeta) ([]segment.TimeValuePair, error) {
	raw, err := r.ReadChunk(meta)
	if err != nil {
		return nil, err
	}
	return segment.DecodeChunk(raw, meta.DataType)
}

// InsertionOrder uses the segment's generation as the tie-break order: a
// segment from an earlier generation was inserted first.
func (r *FileSegmentReader) InsertionOrder() uint64 {
	id, _, _, err := segment.ParseFilename(filepath.Base(r.path))
	if err != nil {
		return 0
	}
	return id.Generation
}

// FileSegmentWriter is the local-filesystem binding for SegmentWriter.
type FileSegmentWriter struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	pos  int64
}

// CreateFileSegmentWriter creates (or truncates) a file at path for
// append-only chunk writes.
func CreateFileSegmentWriter(path string) (*FileSegmentWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segstore: create writer %s: %w", path, err)
	}
	return &FileSegmentWriter{path: path, file: f, w: bufio.NewWriter(f)}, nil
}

// OpenFileSegmentWriterForAppend opens an existing segment for append,
// used by the committer's moveMergedToOld branch after truncation.
func OpenFileSegmentWriterForAppend(path string, truncateTo int64) (*FileSegmentWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("segstore: open writer for append %s: %w", path, err)
	}
	if err := f.Truncate(truncateTo); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("segstore: truncate %s to %d: %w", path, truncateTo, err)
	}
	if _, err := f.Seek(truncateTo, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileSegmentWriter{path: path, file: f, w: bufio.NewWriter(f), pos: truncateTo}, nil
}

// WriteChunk appends one chunk record: magic, measurement, device, fixed
// header, payload, CRC32.
func (w *FileSegmentWriter) WriteChunk(meta segment.ChunkMeta, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := binary.Write(w.w, binary.LittleEndian, recordMagic); err != nil {
		return err
	}
	if err := writeLenPrefixedString(w.w, meta.Measurement); err != nil {
		return err
	}
	if err := writeLenPrefixedString(w.w, meta.Device); err != nil {
		return err
	}

	var fixed [1 + 8 + 8 + 8 + 8]byte
	fixed[0] = byte(meta.DataType)
	binary.LittleEndian.PutUint64(fixed[1:9], uint64(meta.Start))
	binary.LittleEndian.PutUint64(fixed[9:17], uint64(meta.End))
	binary.LittleEndian.PutUint64(fixed[17:25], uint64(meta.PointCount))
	binary.LittleEndian.PutUint64(fixed[25:33], meta.Version)
	if _, err := w.w.Write(fixed[:]); err != nil {
		return err
	}

	if err := binary.Write(w.w, binary.LittleEndian, uint32(len(data))); err != nil {
		return err
	}
	if _, err := w.w.Write(data); err != nil {
		return err
	}
	if err := binary.Write(w.w, binary.LittleEndian, segment.CRC32(data)); err != nil {
		return err
	}

	recordLen := int64(4 + 4 + len(meta.Measurement) + 4 + len(meta.Device) + len(fixed) + 4 + len(data) + 4)
	w.pos += recordLen
	return nil
}

func writeLenPrefixedString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// Position returns the writer's current append offset.
func (w *FileSegmentWriter) Position() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pos, nil
}

// Path returns the writer's file path.
func (w *FileSegmentWriter) Path() string { return w.path }

// Flush pushes buffered writes to the os file without fsyncing or closing
// it, so FileCommitter can safely read the file's bytes back (e.g. via
// appendFile) before it has decided whether to seal or discard this writer.
func (w *FileSegmentWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.w.Flush()
}

// Seal flushes buffered writes, fsyncs, and writes the resource descriptor
// sidecar alongside the data file.
func (w *FileSegmentWriter) Seal(devices map[string]segment.TimeRange, ancestors map[uint64]struct{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.w.Flush(); err != nil {
		return fmt.Errorf("segstore: flush on seal: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("segstore: fsync on seal: %w", err)
	}
	if err := segment.WriteResourceSidecar(segment.ResourceSidecarPath(w.path), devices, ancestors); err != nil {
		return fmt.Errorf("segstore: write resource sidecar on seal: %w", err)
	}
	return w.file.Close()
}

// Close releases the file handle without sealing, used when a merge task
// aborts and the temp file must simply be discarded.
func (w *FileSegmentWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.w.Flush()
	return w.file.Close()
}

// DirCatalogue is a directory-scan-backed Catalogue: a static series ->
// data type map populated once at process start, standing in for the
// out-of-scope metadata catalogue.
type DirCatalogue struct {
	schema map[string]segment.DataType
}

// NewDirCatalogue builds a catalogue from an explicit schema map; a real
// deployment would instead scan an existing directory's segments once at
// startup and cache the result here.
func NewDirCatalogue(schema map[string]segment.DataType) *DirCatalogue {
	return &DirCatalogue{schema: schema}
}

// DataType looks up a series's scalar type.
func (c *DirCatalogue) DataType(series string) (segment.DataType, bool) {
	dt, ok := c.schema[series]
	return dt, ok
}
