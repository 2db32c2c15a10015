// Package commands implements CLI commands for chronoseg-compactor.
package commands

import (
	"github.com/spf13/cobra"
)

var (
	version    string
	configPath string

	rootCmd = &cobra.Command{
		Use:   "chronoseg-compactor",
		Short: "Background compaction engine for chronoseg segment stores",
		Long: `chronoseg-compactor drives sequence and unsequence file merging for a
chronoseg time-series segment store: it levels newly sealed files, merges
their chunks, commits the result durably, and archives it to cold storage.`,
	}
)

// Execute runs the CLI.
func Execute(v string) error {
	version = v

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "chronoseg-compactor.yaml", "path to the engine config file")

	rootCmd.AddCommand(
		versionCmd(),
		compactCmd(),
		levelsCmd(),
		statsCmd(),
		recoverCmd(),
	)

	return rootCmd.Execute()
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("chronoseg-compactor version %s\n", version)
		},
	}
}
