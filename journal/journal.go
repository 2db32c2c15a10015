// Package journal implements MergeJournal (component C7): the append-only,
// crash-recoverable record of one merge task's progress.
package journal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"golang.org/x/crypto/blake2b"

	"github.com/chronoseg/compactor/commit"
)

// Kind tags an entry's payload shape.
type Kind uint8

const (
	KindFiles Kind = iota
	KindMergeStart
	KindTSStart
	KindTSEnd
	KindFilePosition
	KindFileMergeStart
	KindFileMergeEnd
	KindNewFile
	KindMergeEnd
	KindCancel
)

// Entry is one journal record, already decoded.
type Entry struct {
	Kind Kind

	Sequence []string // Files: seq paths; TSStart: series batch
	Unsequence []string // Files: unseq paths

	File             string // FilePosition/FileMergeStart/FileMergeEnd
	Offset           int64  // FilePosition
	TruncatePosition int64  // FileMergeStart
	Mode             commit.Mode // FileMergeStart

	NewFilePath string // NewFile
}

// Journal appends CRC-protected, hash-chained entries to one file and
// supports the startup recovery scan.
type Journal struct {
	path    string
	file    *os.File
	lastSum [32]byte
}

// Open creates or appends to the journal file at path. A fresh journal
// starts its hash chain from the zero value; an existing one continues the
// chain from its last well-formed entry.
func Open(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j := &Journal{path: path, file: f}
	if data, err := os.ReadFile(path); err == nil {
		for off := 0; off < len(data); {
			_, n, sum, ok := decodeOne(data[off:], j.lastSum)
			if !ok {
				break
			}
			j.lastSum, off = sum, off+n
		}
	}
	return j, nil
}

// Close closes the underlying file without removing it.
func (j *Journal) Close() error { return j.file.Close() }

// Remove deletes the journal file, called once a merge task's outcome
// (commit or rollback) is fully durable.
func (j *Journal) Remove() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	return os.Remove(j.path)
}

// Files journals the working-set file lists at task start.
func (j *Journal) Files(sequence, unsequence []string) error {
	return j.append(Entry{Kind: KindFiles, Sequence: sequence, Unsequence: unsequence})
}

// MergeStart journals the start of a merge task.
func (j *Journal) MergeStart() error { return j.append(Entry{Kind: KindMergeStart}) }

// MergeEnd journals successful completion of a merge task.
func (j *Journal) MergeEnd() error { return j.append(Entry{Kind: KindMergeEnd}) }

// Cancel journals cooperative cancellation of a merge task.
func (j *Journal) Cancel() error { return j.append(Entry{Kind: KindCancel}) }

// TSStart journals the series batch about to be processed by chunkmerge.
func (j *Journal) TSStart(series []string) error {
	return j.append(Entry{Kind: KindTSStart, Sequence: series})
}

// TSEnd journals that the current series batch finished.
func (j *Journal) TSEnd() error { return j.append(Entry{Kind: KindTSEnd}) }

// FilePosition records the append offset of a sequence file before a merge
// rewrites it, so recovery can truncate back to it.
func (j *Journal) FilePosition(file string, offset int64) error {
	return j.append(Entry{Kind: KindFilePosition, File: file, Offset: offset})
}

// FileMergeStart journals the chosen inplace-commit branch before any file
// mutation.
func (j *Journal) FileMergeStart(file string, truncatePosition int64, mode commit.Mode) error {
	return j.append(Entry{Kind: KindFileMergeStart, File: file, TruncatePosition: truncatePosition, Mode: mode})
}

// FileMergeEnd journals that one file's inplace commit finished.
func (j *Journal) FileMergeEnd(file string) error {
	return j.append(Entry{Kind: KindFileMergeEnd, File: file})
}

// NewFile journals a squeeze commit's output path, durable before its
// inputs are retired.
func (j *Journal) NewFile(path string) error {
	return j.append(Entry{Kind: KindNewFile, NewFilePath: path})
}

func (j *Journal) append(e Entry) error {
	payload := encodePayload(e)

	var rec bytes.Buffer
	rec.WriteByte(byte(e.Kind))
	rec.Write(j.lastSum[:])
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	rec.Write(lenBuf[:])
	rec.Write(payload)

	crc := crc32.ChecksumIEEE(rec.Bytes())
	var crcBuf [4]byte
	binary.LittleEndian.PutUint32(crcBuf[:], crc)
	rec.Write(crcBuf[:])

	if _, err := j.file.Write(rec.Bytes()); err != nil {
		return fmt.Errorf("journal: write entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("journal: sync: %w", err)
	}

	j.lastSum = blake2b.Sum256(rec.Bytes())
	return nil
}

func encodePayload(e Entry) []byte {
	var buf bytes.Buffer
	switch e.Kind {
	case KindFiles:
		writeStrings(&buf, e.Sequence)
		writeStrings(&buf, e.Unsequence)
	case KindTSStart:
		writeStrings(&buf, e.Sequence)
	case KindFilePosition:
		writeString(&buf, e.File)
		writeInt64(&buf, e.Offset)
	case KindFileMergeStart:
		writeString(&buf, e.File)
		writeInt64(&buf, e.TruncatePosition)
		buf.WriteByte(byte(e.Mode))
	case KindFileMergeEnd:
		writeString(&buf, e.File)
	case KindNewFile:
		writeString(&buf, e.NewFilePath)
	}
	return buf.Bytes()
}

func writeString(buf *bytes.Buffer, s string) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func writeStrings(buf *bytes.Buffer, strs []string) {
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(len(strs)))
	buf.Write(countBuf[:])
	for _, s := range strs {
		writeString(buf, s)
	}
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
