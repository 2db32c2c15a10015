package segment

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// WriteResourceSidecar writes the "<file>.resource" sidecar: a
// little-endian length-prefixed device->(minTime,maxTime) table followed by
// the ancestor-generation set, each record CRC-protected.
func WriteResourceSidecar(path string, devices map[string]TimeRange, ancestors map[uint64]struct{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("segment: create resource sidecar: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if err := binary.Write(w, binary.LittleEndian, uint32(len(devices))); err != nil {
		return err
	}
	for device, r := range devices {
		if err := writeResourceEntry(w, device, r); err != nil {
			return err
		}
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(len(ancestors))); err != nil {
		return err
	}
	for gen := range ancestors {
		if err := binary.Write(w, binary.LittleEndian, gen); err != nil {
			return err
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func writeResourceEntry(w io.Writer, device string, r TimeRange) error {
	buf := make([]byte, 0, 4+len(device)+8+8)
	nameLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(nameLen, uint32(len(device)))
	buf = append(buf, nameLen...)
	buf = append(buf, device...)

	times := make([]byte, 16)
	binary.LittleEndian.PutUint64(times[0:8], uint64(r.Min))
	binary.LittleEndian.PutUint64(times[8:16], uint64(r.Max))
	buf = append(buf, times...)

	crc := make([]byte, 4)
	binary.LittleEndian.PutUint32(crc, CRC32(buf))
	buf = append(buf, crc...)

	_, err := w.Write(buf)
	return err
}

// ReadResourceSidecar parses a "<file>.resource" sidecar back into the
// device range table and ancestor set.
func ReadResourceSidecar(path string) (devices map[string]TimeRange, ancestors map[uint64]struct{}, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("segment: open resource sidecar: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	var deviceCount uint32
	if err := binary.Read(r, binary.LittleEndian, &deviceCount); err != nil {
		return nil, nil, fmt.Errorf("segment: read device count: %w", err)
	}
	devices = make(map[string]TimeRange, deviceCount)
	for i := uint32(0); i < deviceCount; i++ {
		device, tr, err := readResourceEntry(r)
		if err != nil {
			return nil, nil, fmt.Errorf("segment: read resource entry %d: %w", i, err)
		}
		devices[device] = tr
	}

	var ancestorCount uint32
	if err := binary.Read(r, binary.LittleEndian, &ancestorCount); err != nil {
		return nil, nil, fmt.Errorf("segment: read ancestor count: %w", err)
	}
	ancestors = make(map[uint64]struct{}, ancestorCount)
	for i := uint32(0); i < ancestorCount; i++ {
		var gen uint64
		if err := binary.Read(r, binary.LittleEndian, &gen); err != nil {
			return nil, nil, fmt.Errorf("segment: read ancestor %d: %w", i, err)
		}
		ancestors[gen] = struct{}{}
	}

	return devices, ancestors, nil
}

func readResourceEntry(r io.Reader) (string, TimeRange, error) {
	var nameLen uint32
	if err := binary.Read(r, binary.LittleEndian, &nameLen); err != nil {
		return "", TimeRange{}, err
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return "", TimeRange{}, err
	}

	times := make([]byte, 16)
	if _, err := io.ReadFull(r, times); err != nil {
		return "", TimeRange{}, err
	}
	tr := TimeRange{
		Min: int64(binary.LittleEndian.Uint64(times[0:8])),
		Max: int64(binary.LittleEndian.Uint64(times[8:16])),
	}

	crcBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, crcBuf); err != nil {
		return "", TimeRange{}, err
	}
	expected := binary.LittleEndian.Uint32(crcBuf)

	check := append(append([]byte{}, nameLen4(nameLen)...), name...)
	check = append(check, times...)
	if CRC32(check) != expected {
		return "", TimeRange{}, fmt.Errorf("segment: resource entry checksum mismatch for %q", name)
	}

	return string(name), tr, nil
}

func nameLen4(n uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, n)
	return b
}

// AppendTombstone appends one record to the "<file>.mods" sidecar:
// {pathLen, pathBytes, endTime_i64, version_i64}.
func AppendTombstone(path string, t Tombstone) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("segment: open mods sidecar: %w", err)
	}
	defer f.Close()

	buf := make([]byte, 0, 4+len(t.SeriesPath)+16)
	buf = append(buf, nameLen4(uint32(len(t.SeriesPath)))...)
	buf = append(buf, t.SeriesPath...)
	end := make([]byte, 16)
	binary.LittleEndian.PutUint64(end[0:8], uint64(t.EndTime))
	binary.LittleEndian.PutUint64(end[8:16], t.Version)
	buf = append(buf, end...)

	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

// ReadTombstones reads every tombstone record from a "<file>.mods" sidecar.
// A missing sidecar is not an error: it means no deletions were recorded.
func ReadTombstones(path string) ([]Tombstone, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: open mods sidecar: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var out []Tombstone
	for {
		var pathLen uint32
		if err := binary.Read(r, binary.LittleEndian, &pathLen); err != nil {
			if err == io.EOF {
				break
			}
			return out, fmt.Errorf("segment: read tombstone path length: %w", err)
		}
		seriesPath := make([]byte, pathLen)
		if _, err := io.ReadFull(r, seriesPath); err != nil {
			return out, fmt.Errorf("segment: read tombstone path: %w", err)
		}
		var end [16]byte
		if _, err := io.ReadFull(r, end[:]); err != nil {
			return out, fmt.Errorf("segment: read tombstone body: %w", err)
		}
		out = append(out, Tombstone{
			SeriesPath: string(seriesPath),
			EndTime:    int64(binary.LittleEndian.Uint64(end[0:8])),
			Version:    binary.LittleEndian.Uint64(end[8:16]),
		})
	}
	return out, nil
}
