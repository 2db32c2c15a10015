package commit

import (
	"fmt"
	"os"
)

// SqueezeJournal receives the single-output commit's progress marker.
type SqueezeJournal interface {
	NewFile(path string) error
}

// SqueezeInput describes the single new output file SqueezeMerger commits,
// and the inputs it retires once the commit is durable.
type SqueezeInput struct {
	BuildPath     string   // the temp "...ext.merge.squeeze" path chunkmerge wrote to
	FinalPath     string   // the {now}-{minVersion}-{maxMergeN+1}.ext name to rename to
	RetiredPaths  []string // every sequence+unsequence input to delete after commit
}

// Squeeze commits SqueezeMerger's single-output-file strategy: the journal
// durably records NewFile before the build file is renamed into place, so a
// crash between the two leaves recovery able to tell the commit was decided
// and finish the rename itself. Inputs are retired only once the rename (and
// so NewFile) are both durable. The chunk-merge kernel that built BuildPath
// is unchanged from the inplace path; only the committer branch differs.
func Squeeze(journal SqueezeJournal, mutator SegmentMutator, in SqueezeInput) error {
	if err := journal.NewFile(in.FinalPath); err != nil {
		return fmt.Errorf("commit: journal NewFile: %w", err)
	}

	if err := os.Rename(in.BuildPath, in.FinalPath); err != nil {
		return fmt.Errorf("commit: rename squeeze output: %w", err)
	}
	if err := renameSidecars(in.BuildPath, in.FinalPath); err != nil {
		return err
	}

	for _, path := range in.RetiredPaths {
		mutator.CloseReaders(path)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("commit: retire input %s: %w", path, err)
		}
		if err := removeSidecars(path); err != nil {
			return err
		}
	}
	return nil
}

func removeSidecars(path string) error {
	if err := removeIfExists(path + ".resource"); err != nil {
		return err
	}
	return removeIfExists(path + ".mods")
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("commit: remove sidecar %s: %w", path, err)
	}
	return nil
}

// SqueezeFilename renders the build-time name for a squeeze output:
// "{now}-{minInputVersion}-{maxInputMergeN+1}.ext.merge.squeeze".
func SqueezeFilename(now, minInputVersion, maxInputMergeN uint64, ext string) string {
	return fmt.Sprintf("%d-%d-%d%s.merge.squeeze", now, minInputVersion, maxInputMergeN+1, ext)
}
