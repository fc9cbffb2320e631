package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-class-pipeline/internal/service"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

func newWorkerCommand() *cobra.Command {
	var (
		lanes       []string
		withBeat    bool
		metricsAddr string
	)
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume pipeline and default lane jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			rt, err := openApp(ctx, true)
			if err != nil {
				return err
			}
			defer rt.Close()

			worker, err := rt.pipelineWorker(ctx)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(ctx)
			for _, lane := range lanes {
				queue, err := rt.queue(lane, worker)
				if err != nil {
					return err
				}
				g.Go(func() error { return queue.Run(ctx) })
			}
			if withBeat {
				beat := rt.beat()
				g.Go(func() error { return beat.Run(ctx) })
			}
			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: rt.metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				g.Go(func() error {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(shutdownCtx)
				})
			}

			rt.logger.Sugar().Infow("worker started", "lanes", lanes, "beat", withBeat)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			rt.logger.Sugar().Infow("worker stopped")
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&lanes, "lanes", []string{jobs.LanePipeline, jobs.LaneDefault}, "Lanes to consume")
	cmd.Flags().BoolVar(&withBeat, "beat", false, "Also run the periodic scheduler in this process")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090", "Address serving Prometheus metrics (empty disables)")
	return cmd
}

// queue builds the consumer of lane. SMS batches keep their own retry schedule.
func (rt *app) queue(lane string, worker *service.PipelineWorker) (*jobs.Queue, error) {
	cfg := rt.cfg.Queue
	qc := jobs.QueueConfig{
		MaxAttempts:  cfg.MaxAttempts,
		RetryDelay:   jobs.Fixed(cfg.RetryDelay),
		Visibility:   cfg.VisibilityTimeout,
		PollInterval: cfg.PollInterval,
		Observer:     worker.Observe,
		Logger:       rt.logger,
	}
	switch lane {
	case jobs.LanePipeline:
		qc.Workers = cfg.PipelineWorkers
	case jobs.LaneDefault:
		qc.Workers = cfg.DefaultWorkers
		qc.TypeBackoff = map[string]jobs.Backoff{service.JobSMSBatch: service.SMSBatchBackoff}
	default:
		return nil, errors.New("unknown lane " + lane)
	}
	return jobs.NewQueue(lane, rt.broker, worker.Mux().Process, qc), nil
}
