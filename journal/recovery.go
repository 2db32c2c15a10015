package journal

import (
	"fmt"
	"os"

	"github.com/chronoseg/compactor/commit"
)

// FileOps is the minimal filesystem surface recovery applies to segment and
// temp files, backed by OSFileOps in production and faked in tests. The
// journal file itself is removed directly through the os package.
type FileOps interface {
	Truncate(path string, size int64) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Exists(path string) bool
}

type osFileOps struct{}

func (osFileOps) Truncate(path string, size int64) error { return os.Truncate(path, size) }
func (osFileOps) Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
func (osFileOps) Rename(oldPath, newPath string) error { return os.Rename(oldPath, newPath) }
func (osFileOps) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// OSFileOps is the default FileOps backed directly by the os package.
var OSFileOps FileOps = osFileOps{}

const inplaceSuffix = ".merge.inplace"
const squeezeSuffix = ".merge.squeeze"

// Recover runs the startup recovery procedure (§4.7) against the journal at
// path: locates it, scans to the first corruption or EOF, and rolls forward
// or backward depending on the last markers seen. Once the chosen branch
// succeeds it deletes the journal file ("delete the journal" is the terminal
// step of every branch); if the branch fails, the journal is left in place.
func Recover(path string, ops FileOps) error {
	entries, err := Scan(path)
	if err != nil {
		return fmt.Errorf("journal: recover: %w", err)
	}
	if entries == nil {
		return nil // step 1: journal absent, nothing to do
	}

	var (
		filesEntry     *Entry
		mergeEndSeen   bool
		lastMergeStart *Entry
		mergeEndedFor  = map[string]bool{}
		newFiles       []*Entry
	)

	for i := range entries {
		e := &entries[i]
		switch e.Kind {
		case KindFiles:
			filesEntry = e
		case KindMergeEnd:
			mergeEndSeen = true
		case KindFileMergeStart:
			lastMergeStart = e
		case KindFileMergeEnd:
			mergeEndedFor[e.File] = true
		case KindNewFile:
			newFiles = append(newFiles, e)
		}
	}

	switch {
	case mergeEndSeen:
		if err := recoverCompletedMerge(filesEntry, ops); err != nil {
			return err
		}
	case lastMergeStart != nil && !mergeEndedFor[lastMergeStart.File]:
		if err := recoverMidFileMerge(*lastMergeStart, ops); err != nil {
			return err
		}
	case len(newFiles) > 0:
		if err := recoverMidSqueezeCommit(newFiles, ops); err != nil {
			return err
		}
	default:
		if err := recoverUnstartedMerge(filesEntry, ops); err != nil {
			return err
		}
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("journal: recover: remove %s: %w", path, err)
	}
	return nil
}

// recoverCompletedMerge handles step 3: the task committed, but may have
// crashed before every stale temp file was cleaned up. Any leftover temp
// file for a listed sequence input is removed defensively.
func recoverCompletedMerge(filesEntry *Entry, ops FileOps) error {
	if filesEntry == nil {
		return nil
	}
	for _, f := range filesEntry.Sequence {
		if err := ops.Remove(f + inplaceSuffix); err != nil {
			return fmt.Errorf("journal: recover cleanup %s: %w", f, err)
		}
	}
	return nil
}

// recoverMidFileMerge handles steps 4-5: a FileMergeStart was journaled but
// its FileMergeEnd never followed, so the commit for that one file is
// incomplete and must be rolled back.
func recoverMidFileMerge(start Entry, ops FileOps) error {
	temp := start.File + inplaceSuffix
	switch start.Mode {
	case commit.ModeMoveMergedToOld:
		if err := ops.Truncate(start.File, start.TruncatePosition); err != nil {
			return fmt.Errorf("journal: recover truncate %s: %w", start.File, err)
		}
		return ops.Remove(temp)
	case commit.ModeMoveUnmergedToNew:
		// The original file was never touched; only the (unpromoted) temp
		// file needs to go.
		return ops.Remove(temp)
	default:
		return fmt.Errorf("journal: recover: unknown mode %d for %s", start.Mode, start.File)
	}
}

// recoverMidSqueezeCommit handles a squeeze commit that journaled NewFile
// durably but crashed before MergeEnd: the rename from the build file
// ({finalPath}.merge.squeeze) to finalPath may or may not have completed.
// If finalPath is already on disk, the rename had already gone through and
// nothing more needs to happen; otherwise the build file is still there
// under its deterministic name and the rename (plus sidecars) is retried.
func recoverMidSqueezeCommit(entries []*Entry, ops FileOps) error {
	for _, e := range entries {
		final := e.NewFilePath
		if ops.Exists(final) {
			continue
		}
		build := final + squeezeSuffix
		if !ops.Exists(build) {
			return fmt.Errorf("journal: recover squeeze: neither %s nor %s exists", final, build)
		}
		if err := ops.Rename(build, final); err != nil {
			return fmt.Errorf("journal: recover squeeze rename %s: %w", build, err)
		}
		if err := renameIfExists(ops, build+".resource", final+".resource"); err != nil {
			return err
		}
		if err := renameIfExists(ops, build+".mods", final+".mods"); err != nil {
			return err
		}
	}
	return nil
}

func renameIfExists(ops FileOps, oldPath, newPath string) error {
	if !ops.Exists(oldPath) {
		return nil
	}
	if err := ops.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("journal: recover rename %s: %w", oldPath, err)
	}
	return nil
}

// recoverUnstartedMerge handles step 6: only MergeStart/TSStart were seen,
// so no file mutation began. Every temp file for the listed sequence inputs
// is deleted.
func recoverUnstartedMerge(filesEntry *Entry, ops FileOps) error {
	if filesEntry == nil {
		return nil
	}
	for _, f := range filesEntry.Sequence {
		if err := ops.Remove(f + inplaceSuffix); err != nil {
			return fmt.Errorf("journal: recover cleanup %s: %w", f, err)
		}
	}
	return nil
}
