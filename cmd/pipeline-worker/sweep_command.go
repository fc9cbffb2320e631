package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Fail sessions stuck in a working status once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			swept, err := rt.sweeper().Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Swept %d stale session(s) older than %s\n", swept, rt.cfg.Pipeline.StaleTimeout)
			return nil
		},
	}
}
