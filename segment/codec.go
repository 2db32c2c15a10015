package segment

import (
	"encoding/binary"
	"fmt"
	"math"
)

// EncodeChunk serializes a time-ordered point slice into the on-disk chunk
// payload: a point count, then per point {timestamp i64, version u64,
// present u8, typed value}. This is the concrete wire format for the local
// filesystem segment adapter; a different SegmentReader/Writer binding
// (out of the merge core's scope) could choose a different one.
func EncodeChunk(points []TimeValuePair, dt DataType) []byte {
	buf := make([]byte, 4, 4+len(points)*24)
	binary.LittleEndian.PutUint32(buf, uint32(len(points)))

	for _, p := range points {
		var rec [17]byte
		binary.LittleEndian.PutUint64(rec[0:8], uint64(p.Timestamp))
		binary.LittleEndian.PutUint64(rec[8:16], p.Version)
		if p.Present {
			rec[16] = 1
		}
		buf = append(buf, rec[:]...)
		buf = append(buf, encodeValue(p.Value, dt)...)
	}
	return buf
}

// DecodeChunk parses a chunk payload encoded with EncodeChunk.
func DecodeChunk(data []byte, dt DataType) ([]TimeValuePair, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("segment: chunk payload too short")
	}
	count := binary.LittleEndian.Uint32(data)
	data = data[4:]

	points := make([]TimeValuePair, 0, count)
	for i := uint32(0); i < count; i++ {
		if len(data) < 17 {
			return nil, fmt.Errorf("segment: truncated chunk record %d", i)
		}
		ts := int64(binary.LittleEndian.Uint64(data[0:8]))
		ver := binary.LittleEndian.Uint64(data[8:16])
		present := data[16] == 1
		data = data[17:]

		val, rest, err := decodeValue(data, dt)
		if err != nil {
			return nil, fmt.Errorf("segment: decode value %d: %w", i, err)
		}
		data = rest

		points = append(points, TimeValuePair{Timestamp: ts, Version: ver, Present: present, Value: val})
	}
	return points, nil
}

func encodeValue(v Value, dt DataType) []byte {
	switch dt {
	case Int32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(v.I32))
		return b
	case Int64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(v.I64))
		return b
	case Float32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(v.F32))
		return b
	case Float64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(v.F64))
		return b
	case Bool:
		if v.B {
			return []byte{1}
		}
		return []byte{0}
	case Text:
		b := make([]byte, 4+len(v.S))
		binary.LittleEndian.PutUint32(b, uint32(len(v.S)))
		copy(b[4:], v.S)
		return b
	default:
		return nil
	}
}

func decodeValue(data []byte, dt DataType) (Value, []byte, error) {
	switch dt {
	case Int32:
		if len(data) < 4 {
			return Value{}, nil, fmt.Errorf("short int32")
		}
		return Value{Kind: Int32, I32: int32(binary.LittleEndian.Uint32(data))}, data[4:], nil
	case Int64:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("short int64")
		}
		return Value{Kind: Int64, I64: int64(binary.LittleEndian.Uint64(data))}, data[8:], nil
	case Float32:
		if len(data) < 4 {
			return Value{}, nil, fmt.Errorf("short float32")
		}
		return Value{Kind: Float32, F32: math.Float32frombits(binary.LittleEndian.Uint32(data))}, data[4:], nil
	case Float64:
		if len(data) < 8 {
			return Value{}, nil, fmt.Errorf("short float64")
		}
		return Value{Kind: Float64, F64: math.Float64frombits(binary.LittleEndian.Uint64(data))}, data[8:], nil
	case Bool:
		if len(data) < 1 {
			return Value{}, nil, fmt.Errorf("short bool")
		}
		return Value{Kind: Bool, B: data[0] == 1}, data[1:], nil
	case Text:
		if len(data) < 4 {
			return Value{}, nil, fmt.Errorf("short text length")
		}
		n := binary.LittleEndian.Uint32(data)
		data = data[4:]
		if uint32(len(data)) < n {
			return Value{}, nil, fmt.Errorf("short text body")
		}
		return Value{Kind: Text, S: string(data[:n])}, data[n:], nil
	default:
		return Value{}, nil, fmt.Errorf("unknown data type %d", dt)
	}
}
