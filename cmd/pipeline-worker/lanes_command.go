package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

type laneStatser interface {
	Stats(ctx context.Context, lane string) (jobs.LaneStats, error)
}

func newLanesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "lanes",
		Short: "Show queue depth per lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openApp(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := collectLaneStats(cmd.Context(), rt.broker, jobs.LanePipeline, jobs.LaneDefault)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderLaneTable(stats))
			return nil
		},
	}
}

func collectLaneStats(ctx context.Context, broker laneStatser, lanes ...string) ([]jobs.LaneStats, error) {
	out := make([]jobs.LaneStats, 0, len(lanes))
	for _, lane := range lanes {
		stats, err := broker.Stats(ctx, lane)
		if err != nil {
			return nil, fmt.Errorf("lane %s: %w", lane, err)
		}
		out = append(out, stats)
	}
	return out, nil
}
