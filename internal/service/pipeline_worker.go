package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

type pipelineDriver interface {
	Drive(ctx context.Context, sessionID int64, lastDelivery bool) (PipelineResult, error)
}

type smsFanout interface {
	Plan(ctx context.Context, sessionID int64) (int, error)
	SendBatch(ctx context.Context, payload SMSBatchPayload) error
}

type staleSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// PipelineWorker adapts the pipeline components to queue job handlers.
type PipelineWorker struct {
	driver  pipelineDriver
	stages  stageRunner
	fanout  smsFanout
	sweeper staleSweeper
	metrics *MetricsService
	logger  *zap.Logger
}

// NewPipelineWorker constructs a PipelineWorker.
func NewPipelineWorker(driver pipelineDriver, stages stageRunner, fanout smsFanout, sweeper staleSweeper, metrics *MetricsService, logger *zap.Logger) *PipelineWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineWorker{driver: driver, stages: stages, fanout: fanout, sweeper: sweeper, metrics: metrics, logger: logger}
}

// Mux returns a router with every job type registered.
func (w *PipelineWorker) Mux() *jobs.Mux {
	mux := jobs.NewMux()
	mux.Handle(JobPipelineRun, w.HandlePipeline)
	mux.Handle(JobStageRun, w.HandleStage)
	mux.Handle(JobSMSFanout, w.HandleFanout)
	mux.Handle(JobSMSBatch, w.HandleSMSBatch)
	mux.Handle(JobStaleSweep, w.HandleSweep)
	return mux
}

// Observe reports job outcomes to metrics; it matches jobs.Observer.
func (w *PipelineWorker) Observe(job jobs.Job, outcome string, elapsed time.Duration) {
	w.metrics.ObserveJob(job.Lane, job.Type, outcome)
}

// HandlePipeline drives a whole pipeline. Stage failures are final for the job; only an
// interrupted drive is returned as an error so the queue delivers it again.
func (w *PipelineWorker) HandlePipeline(ctx context.Context, job jobs.Job) error {
	var payload PipelinePayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(err)
	}
	result, err := w.driver.Drive(ctx, payload.SessionID, job.LastAttempt())
	if err != nil {
		return err
	}
	w.logger.Sugar().Infow("pipeline finished", "session_id", payload.SessionID, "job_id", job.ID,
		"outcome", result.Outcome, "status", result.Status, "stopped_at", result.StoppedAt)
	return nil
}

// HandleStage runs one stage with the queue's attempt counter as its retry budget.
func (w *PipelineWorker) HandleStage(ctx context.Context, job jobs.Job) error {
	var payload StagePayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(err)
	}
	result := w.stages.Run(ctx, payload.SessionID, payload.Stage, RetryBudget{Attempt: job.Attempt, Max: job.MaxAttempts, LastDelivery: job.LastAttempt()})
	if result.Outcome == StageFailed && result.Retryable {
		return fmt.Errorf("stage %s: %w", payload.Stage, result.Err)
	}
	return nil
}

// HandleFanout plans the invitation SMS batches of a published session.
func (w *PipelineWorker) HandleFanout(ctx context.Context, job jobs.Job) error {
	var payload FanoutPayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(err)
	}
	_, err := w.fanout.Plan(ctx, payload.SessionID)
	return err
}

// HandleSMSBatch sends one batch.
func (w *PipelineWorker) HandleSMSBatch(ctx context.Context, job jobs.Job) error {
	var payload SMSBatchPayload
	if err := job.Decode(&payload); err != nil {
		return jobs.Permanent(err)
	}
	return w.fanout.SendBatch(ctx, payload)
}

// HandleSweep runs the stale sweeper.
func (w *PipelineWorker) HandleSweep(ctx context.Context, _ jobs.Job) error {
	_, err := w.sweeper.Sweep(ctx)
	return err
}
