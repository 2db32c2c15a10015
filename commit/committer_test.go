package commit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/segment"
)

type fakeJournal struct {
	starts []Mode
	ends   []string
	newFiles []string
}

func (f *fakeJournal) FileMergeStart(file string, truncatePosition int64, mode Mode) error {
	f.starts = append(f.starts, mode)
	return nil
}
func (f *fakeJournal) FileMergeEnd(file string) error { f.ends = append(f.ends, file); return nil }
func (f *fakeJournal) NewFile(path string) error      { f.newFiles = append(f.newFiles, path); return nil }

type fakeMutator struct {
	closedFor []string
	resealed  []string
}

func (m *fakeMutator) CloseReaders(path string) { m.closedFor = append(m.closedFor, path) }
func (m *fakeMutator) Truncate(path string, size int64) error {
	return os.Truncate(path, size)
}
func (m *fakeMutator) Reseal(path string, devices map[string]segment.TimeRange, ancestors map[uint64]struct{}) error {
	m.resealed = append(m.resealed, path)
	return nil
}

type fakeSegmentWriter struct {
	sealed  bool
	written []segment.ChunkMeta
}

func (w *fakeSegmentWriter) WriteChunk(meta segment.ChunkMeta, _ []byte) error {
	w.written = append(w.written, meta)
	return nil
}
func (w *fakeSegmentWriter) Position() (int64, error) { return 0, nil }
func (w *fakeSegmentWriter) Flush() error                               { return nil }
func (w *fakeSegmentWriter) Seal(map[string]segment.TimeRange, map[uint64]struct{}) error {
	w.sealed = true
	return nil
}
func (w *fakeSegmentWriter) Close() error { return nil }
func (w *fakeSegmentWriter) Path() string { return "" }

func TestCommitMoveUnmergedToNewRenamesTempToSuccessor(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "1-1-0.tsfile")
	temp := original + ".merge.inplace"
	require.NoError(t, os.WriteFile(original, []byte("original"), 0o644))
	require.NoError(t, os.WriteFile(temp, []byte("rewritten"), 0o644))

	journal := &fakeJournal{}
	mutator := &fakeMutator{}
	writer := &fakeSegmentWriter{}
	c := New(journal, mutator)

	seg := segment.New(segment.ID{Generation: 1, Version: 1, MergeGen: 0}, original)
	unmerged := []UnmergedChunk{
		{Meta: segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 0}},
		{Meta: segment.ChunkMeta{Device: "d1", Measurement: "temp", Start: 10}},
	}

	successor, err := c.Commit(Input{
		Segment:            seg,
		TempWriterPath:     temp,
		TempWriter:         writer,
		MergedChunkCount:   5,
		UnmergedChunkCount: 1,
		UnmergedChunks:     unmerged,
	})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "1-1-1.tsfile"), successor)
	require.True(t, writer.sealed)
	require.Equal(t, []segment.ChunkMeta{unmerged[0].Meta, unmerged[1].Meta}, writer.written,
		"unmerged chunks must be appended to the temp writer before sealing")

	_, err = os.Stat(temp)
	require.True(t, os.IsNotExist(err), "temp file must be renamed away, not left behind")

	content, err := os.ReadFile(successor)
	require.NoError(t, err)
	require.Equal(t, "rewritten", string(content))

	require.Equal(t, []Mode{ModeMoveUnmergedToNew}, journal.starts)
	require.Len(t, journal.ends, 1)
}

func TestCommitMoveMergedToOldTruncatesAndAppends(t *testing.T) {
	dir := t.TempDir()
	original := filepath.Join(dir, "2-1-0.tsfile")
	temp := original + ".merge.inplace"
	require.NoError(t, os.WriteFile(original, []byte("ABCDEFGH"), 0o644))
	require.NoError(t, os.WriteFile(temp, []byte("XYZ"), 0o644))

	journal := &fakeJournal{}
	mutator := &fakeMutator{}
	writer := &fakeSegmentWriter{}
	c := New(journal, mutator)

	seg := segment.New(segment.ID{Generation: 2, Version: 1, MergeGen: 0}, original)

	successor, err := c.Commit(Input{
		Segment:            seg,
		TempWriterPath:     temp,
		TempWriter:         writer,
		PreMergeAppendPos:  4,
		MergedChunkCount:   1,
		UnmergedChunkCount: 5,
	})
	require.NoError(t, err)
	require.Equal(t, original, successor, "moveMergedToOld keeps the original filename")

	content, err := os.ReadFile(original)
	require.NoError(t, err)
	require.Equal(t, "ABCDXYZ", string(content))

	_, err = os.Stat(temp)
	require.True(t, os.IsNotExist(err), "temp file must be removed after merging back")

	require.Equal(t, []Mode{ModeMoveMergedToOld}, journal.starts)
	require.Equal(t, []string{original}, mutator.resealed)
}

func TestSqueezeRenamesAndRetiresInputs(t *testing.T) {
	dir := t.TempDir()
	build := filepath.Join(dir, "100-1-2.tsfile.merge.squeeze")
	final := filepath.Join(dir, "100-1-2.tsfile")
	input1 := filepath.Join(dir, "1-1-0.tsfile")
	input2 := filepath.Join(dir, "2-1-0.tsfile")
	require.NoError(t, os.WriteFile(build, []byte("squeezed"), 0o644))
	require.NoError(t, os.WriteFile(input1, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(input2, []byte("b"), 0o644))

	journal := &fakeJournal{}
	mutator := &fakeMutator{}

	err := Squeeze(journal, mutator, SqueezeInput{
		BuildPath:    build,
		FinalPath:    final,
		RetiredPaths: []string{input1, input2},
	})
	require.NoError(t, err)

	_, err = os.Stat(final)
	require.NoError(t, err)
	_, err = os.Stat(input1)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(input2)
	require.True(t, os.IsNotExist(err))

	require.Equal(t, []string{final}, journal.newFiles)
}
