package commands

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// levelsCmd creates the levels command.
func levelsCmd() *cobra.Command {
	var partition string

	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Print per-level file counts for one or every partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := newEngine(configPath)
			if err != nil {
				return fmt.Errorf("levels: %w", err)
			}
			defer engine.Close()

			partitions := []string{partition}
			if partition == "" {
				partitions = engine.Partitions()
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PARTITION\tSEQUENCE LEVELS\tUNSEQUENCE LEVELS")
			for _, p := range partitions {
				seq, unseq := engine.LevelCounts(p)
				fmt.Fprintf(w, "%s\t%v\t%v\n", p, seq, unseq)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&partition, "partition", "", "partition to inspect (default: every known partition)")

	return cmd
}
