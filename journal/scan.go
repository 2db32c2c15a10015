package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/chronoseg/compactor/commit"
)

// Scan reads every well-formed entry from the journal at path in order,
// stopping at the first corrupt or truncated entry (per §4.7 step 2: "Scan
// entries until first corruption or EOF"). A missing file returns a nil
// slice and nil error.
func Scan(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("journal: read %s: %w", path, err)
	}

	var entries []Entry
	var lastSum [32]byte
	offset := 0

	for offset < len(data) {
		entry, consumed, sum, ok := decodeOne(data[offset:], lastSum)
		if !ok {
			break
		}
		entries = append(entries, entry)
		lastSum = sum
		offset += consumed
	}
	return entries, nil
}

// decodeOne parses one entry from the head of buf, verifying its hash-chain
// predecessor and CRC. ok is false on any malformed or truncated entry.
func decodeOne(buf []byte, expectedPrev [32]byte) (entry Entry, consumed int, sum [32]byte, ok bool) {
	const fixedHeader = 1 + 32 + 4 // kind + prevHash + payloadLen
	if len(buf) < fixedHeader {
		return Entry{}, 0, sum, false
	}

	kind := Kind(buf[0])
	var prevHash [32]byte
	copy(prevHash[:], buf[1:33])
	payloadLen := binary.LittleEndian.Uint32(buf[33:37])

	total := fixedHeader + int(payloadLen) + 4 // + CRC
	if len(buf) < total {
		return Entry{}, 0, sum, false
	}

	recBytes := buf[:fixedHeader+int(payloadLen)]
	gotCRC := binary.LittleEndian.Uint32(buf[fixedHeader+int(payloadLen) : total])
	if crc32.ChecksumIEEE(recBytes) != gotCRC {
		return Entry{}, 0, sum, false
	}
	if prevHash != expectedPrev {
		return Entry{}, 0, sum, false
	}

	payload := buf[fixedHeader : fixedHeader+int(payloadLen)]
	e, err := decodePayload(kind, payload)
	if err != nil {
		return Entry{}, 0, sum, false
	}

	// The hash chain covers the whole written record, CRC included, matching
	// how Journal.append computes lastSum after appending the CRC bytes.
	return e, total, blake2b.Sum256(buf[:total]), true
}

func decodePayload(kind Kind, payload []byte) (Entry, error) {
	e := Entry{Kind: kind}
	r := bytes.NewReader(payload)
	switch kind {
	case KindFiles:
		seq, err := readStrings(r)
		if err != nil {
			return e, err
		}
		unseq, err := readStrings(r)
		if err != nil {
			return e, err
		}
		e.Sequence, e.Unsequence = seq, unseq
	case KindTSStart:
		seq, err := readStrings(r)
		if err != nil {
			return e, err
		}
		e.Sequence = seq
	case KindFilePosition:
		file, err := readString(r)
		if err != nil {
			return e, err
		}
		offset, err := readInt64(r)
		if err != nil {
			return e, err
		}
		e.File, e.Offset = file, offset
	case KindFileMergeStart:
		file, err := readString(r)
		if err != nil {
			return e, err
		}
		trunc, err := readInt64(r)
		if err != nil {
			return e, err
		}
		var modeByte [1]byte
		if _, err := io.ReadFull(r, modeByte[:]); err != nil {
			return e, err
		}
		e.File, e.TruncatePosition, e.Mode = file, trunc, commit.Mode(modeByte[0])
	case KindFileMergeEnd:
		file, err := readString(r)
		if err != nil {
			return e, err
		}
		e.File = file
	case KindNewFile:
		path, err := readString(r)
		if err != nil {
			return e, err
		}
		e.NewFilePath = path
	case KindMergeStart, KindTSEnd, KindMergeEnd, KindCancel:
		// no payload
	default:
		return e, fmt.Errorf("journal: unknown entry kind %d", kind)
	}
	return e, nil
}

func readString(r *bytes.Reader) (string, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

func readStrings(r *bytes.Reader) ([]string, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(countBuf[:])
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := readString(r)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}
