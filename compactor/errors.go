// Package compactor wires MergeResource, UnseqPointReader, FileSelector,
// ChunkMerger, FileCommitter, SqueezeMerger, MergeJournal, LeveledCompactor,
// and MergeScheduler into one runnable engine over a local segment
// directory.
package compactor

import "errors"

var (
	// ErrClosed is returned by TriggerMerge once Close has been called.
	ErrClosed = errors.New("compactor: engine is closed")

	// ErrUnknownPartition is returned by TriggerMerge for a partition the
	// engine has never seen a segment for.
	ErrUnknownPartition = errors.New("compactor: unknown partition")

	// ErrSelectionEmpty indicates FileSelector's budget rejected every
	// candidate; the merge task is abandoned without touching any file.
	ErrSelectionEmpty = errors.New("compactor: selection produced no candidates within budget")
)

// Stage names a point in the merge pipeline, for MergeError.
type Stage string

const (
	StageSelect  Stage = "select"
	StageMerge   Stage = "merge"
	StageCommit  Stage = "commit"
	StageJournal Stage = "journal"
	StageRecover Stage = "recover"
)

// MergeError wraps a pipeline failure with the partition and stage it
// occurred in, so callers (and the CLI) can report a useful summary
// without parsing error strings.
type MergeError struct {
	Partition string
	Stage     Stage
	Err       error
}

func (e *MergeError) Error() string {
	return "compactor: " + string(e.Stage) + " failed for partition " + e.Partition + ": " + e.Err.Error()
}

func (e *MergeError) Unwrap() error { return e.Err }
