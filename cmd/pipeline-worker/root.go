package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "pipeline-worker",
		Short:         "Runs the class-creation pipeline jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(newWorkerCommand())
	rootCmd.AddCommand(newBeatCommand())
	rootCmd.AddCommand(newSweepCommand())
	rootCmd.AddCommand(newLanesCommand())

	return rootCmd
}
