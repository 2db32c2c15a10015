package journal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chronoseg/compactor/commit"
)

func TestAppendAndScanRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)

	require.NoError(t, j.Files([]string{"1-1-0.tsfile"}, []string{"2-1-0.tsfile"}))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.TSStart([]string{"d1.temp"}))
	require.NoError(t, j.TSEnd())
	require.NoError(t, j.FileMergeStart("1-1-0.tsfile", 128, commit.ModeMoveMergedToOld))
	require.NoError(t, j.FileMergeEnd("1-1-0.tsfile"))
	require.NoError(t, j.MergeEnd())
	require.NoError(t, j.Close())

	entries, err := Scan(path)
	require.NoError(t, err)
	require.Len(t, entries, 7)

	require.Equal(t, KindFiles, entries[0].Kind)
	require.Equal(t, []string{"1-1-0.tsfile"}, entries[0].Sequence)
	require.Equal(t, []string{"2-1-0.tsfile"}, entries[0].Unsequence)

	require.Equal(t, KindFileMergeStart, entries[4].Kind)
	require.Equal(t, int64(128), entries[4].TruncatePosition)
	require.Equal(t, commit.ModeMoveMergedToOld, entries[4].Mode)

	require.Equal(t, KindMergeEnd, entries[6].Kind)
}

func TestScanStopsAtCorruptTrailingEntry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.TSStart([]string{"d1.temp"}))
	require.NoError(t, j.Close())

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	entries, err := Scan(path)
	require.NoError(t, err)
	require.Len(t, entries, 2, "the trailing garbage must not be returned as an entry")
}

func TestScanMissingJournalReturnsNil(t *testing.T) {
	entries, err := Scan(filepath.Join(t.TempDir(), "absent.journal"))
	require.NoError(t, err)
	require.Nil(t, entries)
}

type fakeOps struct {
	truncated map[string]int64
	removed   []string
	renamed   map[string]string
	existing  map[string]bool
}

func newFakeOps() *fakeOps {
	return &fakeOps{truncated: make(map[string]int64), renamed: make(map[string]string), existing: make(map[string]bool)}
}

func (f *fakeOps) Truncate(path string, size int64) error {
	f.truncated[path] = size
	return nil
}
func (f *fakeOps) Remove(path string) error {
	f.removed = append(f.removed, path)
	return nil
}
func (f *fakeOps) Rename(oldPath, newPath string) error {
	f.renamed[oldPath] = newPath
	f.existing[newPath] = true
	delete(f.existing, oldPath)
	return nil
}
func (f *fakeOps) Exists(path string) bool { return f.existing[path] }

func TestRecoverMidMoveMergedToOldTruncatesAndDeletesTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile"}, nil))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.FileMergeStart("1-1-0.tsfile", 64, commit.ModeMoveMergedToOld))
	require.NoError(t, j.Close())

	ops := newFakeOps()
	require.NoError(t, Recover(path, ops))

	require.Equal(t, int64(64), ops.truncated["1-1-0.tsfile"])
	require.Contains(t, ops.removed, "1-1-0.tsfile.merge.inplace")
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "recovery must delete the journal when done")
}

func TestRecoverMidMoveUnmergedToNewOnlyDeletesTemp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile"}, nil))
	require.NoError(t, j.FileMergeStart("1-1-0.tsfile", 0, commit.ModeMoveUnmergedToNew))
	require.NoError(t, j.Close())

	ops := newFakeOps()
	require.NoError(t, Recover(path, ops))

	require.Empty(t, ops.truncated)
	require.Contains(t, ops.removed, "1-1-0.tsfile.merge.inplace")
}

func TestRecoverUnstartedMergeDeletesAllTempFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile", "2-1-0.tsfile"}, nil))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.TSStart([]string{"d1.temp"}))
	require.NoError(t, j.Close())

	ops := newFakeOps()
	require.NoError(t, Recover(path, ops))

	require.ElementsMatch(t, []string{"1-1-0.tsfile.merge.inplace", "2-1-0.tsfile.merge.inplace"}, ops.removed)
}

func TestRecoverCompletedMergeCleansUpAndDeletesJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile"}, nil))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.FileMergeStart("1-1-0.tsfile", 64, commit.ModeMoveMergedToOld))
	require.NoError(t, j.FileMergeEnd("1-1-0.tsfile"))
	require.NoError(t, j.MergeEnd())
	require.NoError(t, j.Close())

	ops := newFakeOps()
	require.NoError(t, Recover(path, ops))

	require.Empty(t, ops.truncated, "a completed merge must not re-truncate anything")
	require.Contains(t, ops.removed, "1-1-0.tsfile.merge.inplace")
}

func TestRecoverMidSqueezeCommitRetriesRenameWhenFinalMissing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile", "2-1-0.tsfile"}, nil))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.NewFile("100-1-1.tsfile"))
	require.NoError(t, j.Close())

	ops := newFakeOps()
	ops.existing["100-1-1.tsfile.merge.squeeze"] = true
	ops.existing["100-1-1.tsfile.merge.squeeze.resource"] = true

	require.NoError(t, Recover(path, ops))

	require.Equal(t, "100-1-1.tsfile", ops.renamed["100-1-1.tsfile.merge.squeeze"])
	require.Equal(t, "100-1-1.tsfile.resource", ops.renamed["100-1-1.tsfile.merge.squeeze.resource"])
	require.True(t, ops.existing["100-1-1.tsfile"])
}

func TestRecoverMidSqueezeCommitNoOpWhenRenameAlreadyDurable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "merge.journal")
	j, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, j.Files([]string{"1-1-0.tsfile"}, nil))
	require.NoError(t, j.MergeStart())
	require.NoError(t, j.NewFile("100-1-1.tsfile"))
	require.NoError(t, j.Close())

	ops := newFakeOps()
	ops.existing["100-1-1.tsfile"] = true

	require.NoError(t, Recover(path, ops))

	require.Empty(t, ops.renamed, "the rename already completed before the crash, nothing to retry")
}

func TestRecoverAbsentJournalIsNoOp(t *testing.T) {
	ops := newFakeOps()
	require.NoError(t, Recover(filepath.Join(t.TempDir(), "absent.journal"), ops))
	require.Empty(t, ops.removed)
}
