package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/pkg/config"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

// PipelineOutcome is the tag of a PipelineResult.
type PipelineOutcome string

const (
	PipelineCompleted PipelineOutcome = "completed"
	PipelineSkipped   PipelineOutcome = "skipped"
	PipelineFailed    PipelineOutcome = "failed"
)

// PipelineResult reports how a drive ended. StoppedAt names the stage that failed,
// or the last completed stage when the session was already failed on entry to the next one.
type PipelineResult struct {
	Outcome   PipelineOutcome
	Status    models.SessionStatus
	StoppedAt models.StageName
	Reason    string
}

type stageRunner interface {
	Run(ctx context.Context, sessionID int64, name models.StageName, budget RetryBudget) StageResult
}

type driverSessionStore interface {
	FindByID(ctx context.Context, id int64) (*models.Session, error)
	CompareAndSetStatus(ctx context.Context, id int64, from, to models.SessionStatus) (bool, error)
}

// PipelineDriver walks a session through every remaining stage of its pipeline.
type PipelineDriver struct {
	sessions driverSessionStore
	stages   stageRunner
	attempts int
	backoff  jobs.Backoff
	poll     time.Duration
	sleeper  func(context.Context, time.Duration) error
	logger   *zap.Logger
}

// DriverOption customises a PipelineDriver.
type DriverOption func(*PipelineDriver)

// WithDriverSleeper replaces the inter-attempt sleep.
func WithDriverSleeper(sleeper func(context.Context, time.Duration) error) DriverOption {
	return func(d *PipelineDriver) {
		if sleeper != nil {
			d.sleeper = sleeper
		}
	}
}

// WithDriverPollInterval sets how often the driver re-reads a stage another job is running.
func WithDriverPollInterval(interval time.Duration) DriverOption {
	return func(d *PipelineDriver) {
		if interval > 0 {
			d.poll = interval
		}
	}
}

// NewPipelineDriver constructs a PipelineDriver.
func NewPipelineDriver(sessions driverSessionStore, stages stageRunner, cfg config.PipelineConfig, logger *zap.Logger, opts ...DriverOption) *PipelineDriver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.InlineAttempts <= 0 {
		cfg.InlineAttempts = 4
	}
	if cfg.InlineBackoff <= 0 {
		cfg.InlineBackoff = 30 * time.Second
	}
	if cfg.InlineMaxDelay <= 0 {
		cfg.InlineMaxDelay = 5 * time.Minute
	}
	d := &PipelineDriver{
		sessions: sessions,
		stages:   stages,
		attempts: cfg.InlineAttempts,
		backoff:  jobs.Exponential(cfg.InlineBackoff, cfg.InlineMaxDelay),
		poll:     15 * time.Second,
		sleeper:  sleepContext,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Drive runs one transition per iteration until the session reaches a terminal status,
// disappears, or a stage gives up. An error means the drive was interrupted (shutdown or
// store failure) and the job should be delivered again.
//
// The driver only executes a working status it holds: the one the session had when the job
// was delivered, or one it moved to itself. A stage claimed by a step job is waited for.
// lastDelivery marks a job that will not be delivered again: an interrupted stage then fails
// the session instead of leaving it for a redelivery.
func (d *PipelineDriver) Drive(ctx context.Context, sessionID int64, lastDelivery bool) (PipelineResult, error) {
	log := d.logger.Sugar().With("session_id", sessionID)
	var previous models.StageName

	// A stage costs at most three iterations: a lost claim, the wait, and the next read.
	for guard := 0; guard < 3*len(models.Stages(models.KindClass))+2; guard++ {
		session, found, err := d.refresh(ctx, sessionID)
		if err != nil {
			return PipelineResult{}, err
		}
		if !found {
			log.Infow("session disappeared, stopping pipeline")
			return PipelineResult{Outcome: PipelineSkipped, Reason: SkipNotFound, StoppedAt: previous}, nil
		}
		if session.Status == models.StatusFailed {
			return PipelineResult{Outcome: PipelineFailed, Status: session.Status, StoppedAt: previous}, nil
		}
		if session.Status == models.TerminalSuccess(session.Kind) {
			log.Infow("pipeline completed", "status", session.Status)
			return PipelineResult{Outcome: PipelineCompleted, Status: session.Status, StoppedAt: previous}, nil
		}

		stage, ok := models.NextStage(session.Kind, session.Status)
		if !ok {
			return PipelineResult{Outcome: PipelineSkipped, Status: session.Status, Reason: fmt.Sprintf("%s=%s", SkipStatus, session.Status)}, nil
		}
		owned := guard == 0
		if session.Status == stage.Input && stage.Input != stage.Working {
			moved, err := d.sessions.CompareAndSetStatus(ctx, sessionID, stage.Input, stage.Working)
			if err != nil {
				return PipelineResult{}, fmt.Errorf("advance to %s: %w", stage.Working, err)
			}
			if !moved {
				continue
			}
			owned = true
		}
		if !owned {
			log.Infow("stage claimed by another job, waiting", "stage", stage.Name)
			if err := d.await(ctx, sessionID, stage); err != nil {
				return PipelineResult{}, err
			}
			continue
		}

		result, err := d.runInline(ctx, sessionID, stage, lastDelivery)
		if err != nil {
			return PipelineResult{}, err
		}
		switch result.Outcome {
		case StageSuccess:
			previous = stage.Name
		case StageSkipped:
			if result.Reason == SkipNotFound {
				log.Infow("session disappeared, stopping pipeline", "stage", stage.Name)
				return PipelineResult{Outcome: PipelineSkipped, Reason: SkipNotFound, StoppedAt: stage.Name}, nil
			}
		case StageFailed:
			log.Warnw("pipeline stopped", "stage", stage.Name, "kind", result.Kind)
			return PipelineResult{Outcome: PipelineFailed, Status: models.StatusFailed, StoppedAt: stage.Name}, nil
		}
	}
	return PipelineResult{}, errors.New("pipeline made no progress")
}

// await polls until the session leaves the working status of stage. The stale sweeper bounds the wait.
func (d *PipelineDriver) await(ctx context.Context, sessionID int64, stage models.Stage) error {
	for {
		if err := d.sleeper(ctx, d.poll); err != nil {
			return err
		}
		session, found, err := d.refresh(ctx, sessionID)
		if err != nil {
			return err
		}
		if !found || session.Status != stage.Working {
			return nil
		}
	}
}

// runInline retries one stage with exponential backoff, re-checking the session before every retry.
func (d *PipelineDriver) runInline(ctx context.Context, sessionID int64, stage models.Stage, lastDelivery bool) (StageResult, error) {
	var result StageResult
	for attempt := 0; attempt < d.attempts; attempt++ {
		if attempt > 0 {
			delay := d.backoff(attempt)
			d.logger.Sugar().Warnw("retrying stage", "session_id", sessionID, "stage", stage.Name, "attempt", attempt+1, "delay", delay, "error", result.Err)
			if err := d.sleeper(ctx, delay); err != nil {
				return StageResult{}, err
			}
			session, found, err := d.refresh(ctx, sessionID)
			if err != nil {
				return StageResult{}, err
			}
			if !found {
				return StageResult{Outcome: StageSkipped, Stage: stage.Name, Reason: SkipNotFound}, nil
			}
			if session.Status != stage.Working {
				return StageResult{Outcome: StageSkipped, Stage: stage.Name, Status: session.Status, Reason: SkipStatusChanged}, nil
			}
		}
		result = d.stages.Run(ctx, sessionID, stage.Name, RetryBudget{Attempt: attempt, Max: d.attempts, LastDelivery: lastDelivery})
		if result.Outcome != StageFailed || !result.Retryable {
			return result, nil
		}
		if ctx.Err() != nil {
			return StageResult{}, ctx.Err()
		}
	}
	return result, nil
}

// refresh loads the session, reporting a concurrent delete as found=false instead of an error.
func (d *PipelineDriver) refresh(ctx context.Context, sessionID int64) (*models.Session, bool, error) {
	session, err := d.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("refresh session %d: %w", sessionID, err)
	}
	return session, true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
