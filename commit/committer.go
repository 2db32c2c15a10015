// Package commit implements FileCommitter and SqueezeMerger (components C5
// and C6): the two strategies for making chunkmerge's output durable and
// visible to readers.
package commit

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/chronoseg/compactor/chunkmerge"
	"github.com/chronoseg/compactor/segment"
	"github.com/chronoseg/compactor/segstore"
)

// Mode is the branch FileCommitter chose for one sequence segment.
type Mode int

const (
	// ModeMoveUnmergedToNew appends the unmerged chunks to the temp writer,
	// seals it, and renames it over the original segment.
	ModeMoveUnmergedToNew Mode = iota
	// ModeMoveMergedToOld truncates the original segment back to its
	// pre-merge length and appends the merged chunks in place.
	ModeMoveMergedToOld
)

// Journal receives the FileCommitter progress markers.
type Journal interface {
	FileMergeStart(file string, truncatePosition int64, mode Mode) error
	FileMergeEnd(file string) error
	NewFile(path string) error
}

// SegmentMutator closes cached readers for a segment and truncates or
// reseals the underlying file; segstore's local-filesystem adapter
// implements this directly against *os.File.
type SegmentMutator interface {
	// CloseReaders evicts and closes every cached reader for path so no
	// stale handle observes a mid-rename file.
	CloseReaders(path string)
	// Truncate shrinks the sealed file at path back to size, in place.
	Truncate(path string, size int64) error
	// Reseal rewrites the resource sidecar for path after its content
	// changed (truncate+append or temp promotion).
	Reseal(path string, devices map[string]segment.TimeRange, ancestors map[uint64]struct{}) error
}

// Committer runs FileCommitter's inplace decision for one merge task.
type Committer struct {
	journal Journal
	mutator SegmentMutator
}

// New builds a Committer.
func New(journal Journal, mutator SegmentMutator) *Committer {
	return &Committer{journal: journal, mutator: mutator}
}

// UnmergedChunk is one chunk chunkmerge's Skip case left untouched: its
// metadata plus the raw bytes read from the original segment, needed to
// append it to the temp writer before the writer can be promoted over the
// original.
type UnmergedChunk struct {
	Meta segment.ChunkMeta
	Data []byte
}

// Input is everything Commit needs about one sequence segment after
// chunkmerge has run against it.
type Input struct {
	Segment            *segment.Segment
	TempWriterPath     string
	TempWriter         segstore.SegmentWriter
	PreMergeAppendPos  int64 // byte offset before the merge started
	MergedChunkCount   int
	UnmergedChunkCount int
	UnmergedChunks     []UnmergedChunk // chunkmerge's Skip'd chunks, for ModeMoveUnmergedToNew
	Devices            map[string]segment.TimeRange
	UnseqAncestors     map[uint64]struct{} // every ancestor of every unsequence input, folded in regardless of branch
}

// Commit decides and executes the inplace branch for one segment: move
// unmerged chunks into the temp file and promote it, or move merged chunks
// back into the original and discard the temp file.
//
// Callers are responsible for having already appended the merged chunks to
// in.TempWriter before calling Commit; moveUnmergedToNew appends the
// unmerged chunks (in.UnmergedChunks) itself once the branch is chosen.
func (c *Committer) Commit(in Input) (successorPath string, err error) {
	// Pick whichever side is cheaper to move: when at least as many chunks
	// merged as stayed untouched, the unmerged set is the smaller side to
	// copy, so append it to the temp writer and promote that file. Otherwise
	// it's cheaper to truncate the original back to its unmerged prefix and
	// append the already-written merged suffix in place.
	mode := ModeMoveMergedToOld
	if in.MergedChunkCount >= in.UnmergedChunkCount {
		mode = ModeMoveUnmergedToNew
	}

	if err := c.journal.FileMergeStart(in.Segment.Path, in.PreMergeAppendPos, mode); err != nil {
		return "", fmt.Errorf("commit: journal FileMergeStart: %w", err)
	}

	ancestors := mergeAncestors(in.Segment.Ancestors, in.UnseqAncestors)

	switch mode {
	case ModeMoveUnmergedToNew:
		successorPath, err = c.moveUnmergedToNew(in, ancestors)
	default:
		successorPath, err = c.moveMergedToOld(in, ancestors)
	}
	if err != nil {
		return "", err
	}

	if err := c.journal.FileMergeEnd(in.Segment.Path); err != nil {
		return "", fmt.Errorf("commit: journal FileMergeEnd: %w", err)
	}
	return successorPath, nil
}

// moveUnmergedToNew appends the segment's unmerged chunks (chunkmerge's
// Skip case, left out of the temp writer because it never rewrote them)
// to the temp writer, which already holds the merged chunks, then seals it
// and renames it over the original, advancing the filename's mergeN.
func (c *Committer) moveUnmergedToNew(in Input, ancestors map[uint64]struct{}) (string, error) {
	for _, uc := range in.UnmergedChunks {
		if err := in.TempWriter.WriteChunk(uc.Meta, uc.Data); err != nil {
			return "", fmt.Errorf("commit: write unmerged chunk: %w", err)
		}
	}

	if err := in.TempWriter.Seal(in.Devices, ancestors); err != nil {
		return "", fmt.Errorf("commit: seal temp writer: %w", err)
	}

	c.mutator.CloseReaders(in.Segment.Path)

	successor, err := successorFilename(in.Segment.Path)
	if err != nil {
		return "", err
	}

	if err := os.Rename(in.TempWriterPath, successor); err != nil {
		return "", fmt.Errorf("commit: rename temp to successor: %w", err)
	}
	if err := renameSidecars(in.TempWriterPath, successor); err != nil {
		return "", err
	}
	return successor, nil
}

// moveMergedToOld truncates the original segment back to its pre-merge
// append position, then appends the merged chunks already written to the
// temp file and re-seals. The temp file is discarded.
func (c *Committer) moveMergedToOld(in Input, ancestors map[uint64]struct{}) (string, error) {
	c.mutator.CloseReaders(in.Segment.Path)

	if err := c.mutator.Truncate(in.Segment.Path, in.PreMergeAppendPos); err != nil {
		return "", fmt.Errorf("commit: truncate original: %w", err)
	}

	if err := appendFile(in.TempWriterPath, in.Segment.Path); err != nil {
		return "", fmt.Errorf("commit: append merged chunks: %w", err)
	}

	if err := c.mutator.Reseal(in.Segment.Path, in.Devices, ancestors); err != nil {
		return "", fmt.Errorf("commit: reseal original: %w", err)
	}

	if err := os.Remove(in.TempWriterPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("commit: remove temp file: %w", err)
	}
	return in.Segment.Path, nil
}

func mergeAncestors(own, extra map[uint64]struct{}) map[uint64]struct{} {
	out := make(map[uint64]struct{}, len(own)+len(extra))
	for g := range own {
		out[g] = struct{}{}
	}
	for g := range extra {
		out[g] = struct{}{}
	}
	return out
}

// successorFilename bumps the mergeN component of an inplace segment's
// filename: {gen}-{ver}-{mergeN}.ext -> {gen}-{ver}-{mergeN+1}.ext.
func successorFilename(path string) (string, error) {
	id, level, ext, err := segment.ParseFilename(filenameOf(path))
	if err != nil {
		return "", fmt.Errorf("commit: parse successor name: %w", err)
	}
	successor := id.Next()
	return dirOf(path) + segment.FormatFilename(successor, level, ext), nil
}

func renameSidecars(oldPath, newPath string) error {
	if err := renameIfExists(segment.ResourceSidecarPath(oldPath), segment.ResourceSidecarPath(newPath)); err != nil {
		return err
	}
	return renameIfExists(segment.ModsSidecarPath(oldPath), segment.ModsSidecarPath(newPath))
}

func renameIfExists(oldPath, newPath string) error {
	if _, err := os.Stat(oldPath); os.IsNotExist(err) {
		return nil
	}
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("commit: rename sidecar: %w", err)
	}
	return nil
}

func appendFile(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(dstPath, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	buf := make([]byte, 64*1024)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			return rerr
		}
	}
	return dst.Sync()
}

func filenameOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i+1]
		}
	}
	return ""
}

// CountsFromContext reads the merged/unmerged chunk counts chunkmerge
// recorded for one segment, for populating Input.MergedChunkCount and
// Input.UnmergedChunkCount.
func CountsFromContext(ctx *chunkmerge.Context, segmentPath string) (merged, unmerged int) {
	return ctx.MergedChunkCount[segmentPath], ctx.UnmergedChunkCount[segmentPath]
}
