package main

import (
	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-class-pipeline/internal/service"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

func newBeatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "beat",
		Short: "Enqueue periodic jobs (stale session sweep)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := openApp(ctx, false)
			if err != nil {
				return err
			}
			defer rt.Close()

			rt.logger.Sugar().Infow("beat started", "sweep_interval", rt.cfg.Pipeline.SweepInterval)
			return rt.beat().Run(ctx)
		},
	}
}

func (rt *app) beat() *jobs.Beat {
	return jobs.NewBeat(rt.broker, rt.logger, jobs.BeatEntry{
		Name:     service.JobStaleSweep,
		Interval: rt.cfg.Pipeline.SweepInterval,
		Build:    service.NewSweepJob,
	})
}
