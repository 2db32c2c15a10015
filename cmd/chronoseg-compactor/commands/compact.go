package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chronoseg/compactor/internal/logger"
)

// compactCmd creates the compact command.
func compactCmd() *cobra.Command {
	var (
		partition string
		all       bool
	)

	cmd := &cobra.Command{
		Use:   "compact",
		Short: "Force an immediate level-promotion check",
		Long: `Re-evaluate one partition (or every known partition) against its level
trigger counts right now, instead of waiting for the background loop's next
tick.

Examples:
  # Check a single partition
  chronoseg-compactor compact --partition root.sg1

  # Check every partition the engine currently tracks
  chronoseg-compactor compact --all`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && partition == "" {
				return fmt.Errorf("compact: one of --partition or --all is required")
			}

			engine, err := newEngine(configPath)
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			defer engine.Close()

			log := logger.For("cli")

			if all {
				partitions := engine.Partitions()
				log.Info().Int("count", len(partitions)).Msg("triggering merge check for every partition")
				for _, p := range partitions {
					if err := engine.TriggerMerge(p); err != nil {
						return fmt.Errorf("compact: partition %s: %w", p, err)
					}
				}
				return nil
			}

			log.Info().Str("partition", partition).Msg("triggering merge check")
			if err := engine.TriggerMerge(partition); err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "partition to check")
	cmd.Flags().BoolVar(&all, "all", false, "check every known partition")

	return cmd
}
