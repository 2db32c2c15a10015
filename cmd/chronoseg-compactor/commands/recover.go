package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronoseg/compactor/internal/logger"
)

// recoverCmd creates the recover command. Journal recovery and the existing
// segment scan both happen as part of opening the engine, so this command's
// only job is to drive that startup path and report what it found.
func recoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Replay leftover merge journals and scan for existing segments",
		Long: `Open the engine against --config's root directory, forcing any leftover
merge journal from a prior crash to be rolled forward or backward, then scan
every partition for already-sealed segments.

This is the same startup path every engine run takes; invoke it standalone
after an unclean shutdown to confirm recovery succeeds before starting the
engine for real.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logger.For("cli")

			engine, err := newEngine(configPath)
			if err != nil {
				return fmt.Errorf("recover: %w", err)
			}
			defer engine.Close()

			partitions := engine.Partitions()
			log.Info().Int("partitions", len(partitions)).Msg("recovery complete")
			for _, p := range partitions {
				seq, unseq := engine.LevelCounts(p)
				log.Info().Str("partition", p).Ints("sequence_levels", seq).Ints("unsequence_levels", unseq).Msg("partition recovered")
			}
			return nil
		},
	}
}
