package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handler processes a job.
type Handler func(context.Context, Job) error

// Outcome of one job run as reported to an Observer.
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeDead    = "dead"
)

// Observer receives the outcome of every job run.
type Observer func(job Job, outcome string, elapsed time.Duration)

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers          int
	MaxAttempts      int
	RetryDelay       Backoff
	TypeBackoff      map[string]Backoff
	Visibility       time.Duration
	PollInterval     time.Duration
	MaintainInterval time.Duration
	Observer         Observer
	Logger           *zap.Logger
}

// Queue consumes one lane of a Broker with a pool of goroutines. Each worker
// holds at most one job at a time.
type Queue struct {
	lane    string
	broker  Broker
	handler Handler

	workers          int
	maxAttempts      int
	retryDelay       Backoff
	typeBackoff      map[string]Backoff
	visibility       time.Duration
	pollInterval     time.Duration
	maintainInterval time.Duration
	observer         Observer
	logger           *zap.Logger

	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
	started bool
}

// NewQueue builds a consumer for lane with the provided handler.
func NewQueue(lane string, broker Broker, handler Handler, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay == nil {
		cfg.RetryDelay = Fixed(time.Minute)
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = 5 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaintainInterval <= 0 {
		cfg.MaintainInterval = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		lane:             lane,
		broker:           broker,
		handler:          handler,
		workers:          cfg.Workers,
		maxAttempts:      cfg.MaxAttempts,
		retryDelay:       cfg.RetryDelay,
		typeBackoff:      cfg.TypeBackoff,
		visibility:       cfg.Visibility,
		pollInterval:     cfg.PollInterval,
		maintainInterval: cfg.MaintainInterval,
		observer:         cfg.Observer,
		logger:           cfg.Logger,
	}
}

// Lane returns the lane this queue consumes.
func (q *Queue) Lane() string { return q.lane }

// Run consumes the lane until ctx is cancelled.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < q.workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			q.worker(ctx, workerID)
		}(i + 1)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.maintain(ctx)
	}()
	q.logger.Sugar().Infow("queue started", "lane", q.lane, "workers", q.workers)
	wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "lane", q.lane)
	return nil
}

// Start begins worker consumption in the background. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	go func() {
		defer close(q.done)
		_ = q.Run(runCtx)
	}()
	q.started = true
}

// Stop cancels workers and waits for them to exit.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	q.cancel()
	done := q.done
	q.started = false
	q.mu.Unlock()
	<-done
}

func (q *Queue) worker(ctx context.Context, workerID int) {
	for ctx.Err() == nil {
		job, err := q.broker.Dequeue(ctx, q.lane, q.visibility)
		if err != nil {
			if !errors.Is(err, ErrEmpty) && ctx.Err() == nil {
				q.logger.Sugar().Warnw("dequeue failed", "lane", q.lane, "worker", workerID, "error", err)
			}
			sleep(ctx, q.pollInterval)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) process(ctx context.Context, job Job) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	started := time.Now()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	go q.heartbeat(hbCtx, job)
	err := q.run(ctx, job)
	stopHeartbeat()

	// Bookkeeping must land even when shutdown cancelled the run.
	bookCtx := context.WithoutCancel(ctx)
	outcome := OutcomeSuccess
	switch {
	case err == nil:
		if ackErr := q.broker.Ack(bookCtx, job); ackErr != nil {
			q.logger.Sugar().Errorw("failed to ack job", "lane", q.lane, "job_id", job.ID, "error", ackErr)
		}
	case IsPermanent(err) || job.LastAttempt():
		outcome = OutcomeDead
		job.LastError = err.Error()
		q.logger.Sugar().Errorw("job exhausted", "lane", q.lane, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt+1, "error", err)
		if deadErr := q.broker.Dead(bookCtx, job); deadErr != nil {
			q.logger.Sugar().Errorw("failed to dead-letter job", "lane", q.lane, "job_id", job.ID, "error", deadErr)
		}
	default:
		outcome = OutcomeRetry
		job.Attempt++
		job.LastError = err.Error()
		delay := q.backoffFor(job.Type)(job.Attempt)
		q.logger.Sugar().Warnw("job failed, retrying", "lane", q.lane, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "delay", delay, "error", err)
		if retryErr := q.broker.Retry(bookCtx, job, delay); retryErr != nil {
			q.logger.Sugar().Errorw("failed to requeue job", "lane", q.lane, "job_id", job.ID, "error", retryErr)
		}
	}
	if q.observer != nil {
		q.observer(job, outcome, time.Since(started))
	}
}

func (q *Queue) run(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(ctx, job)
}

func (q *Queue) backoffFor(jobType string) Backoff {
	if b, ok := q.typeBackoff[jobType]; ok && b != nil {
		return b
	}
	return q.retryDelay
}

func (q *Queue) heartbeat(ctx context.Context, job Job) {
	ticker := time.NewTicker(q.visibility / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.broker.Extend(ctx, job, q.visibility); err != nil && ctx.Err() == nil {
				q.logger.Sugar().Warnw("lease extension failed", "lane", q.lane, "job_id", job.ID, "error", err)
			}
		}
	}
}

func (q *Queue) maintain(ctx context.Context) {
	ticker := time.NewTicker(q.maintainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			moved, err := q.broker.Maintain(ctx, q.lane, now, q.maxAttempts)
			if err != nil {
				if ctx.Err() == nil {
					q.logger.Sugar().Warnw("lane maintenance failed", "lane", q.lane, "error", err)
				}
				continue
			}
			if moved > 0 {
				q.logger.Sugar().Debugw("lane maintenance moved jobs", "lane", q.lane, "moved", moved)
			}
		}
	}
}

// Mux routes jobs to handlers by type.
type Mux struct {
	handlers map[string]Handler
}

// NewMux builds an empty router.
func NewMux() *Mux {
	return &Mux{handlers: make(map[string]Handler)}
}

// Handle registers h for jobType.
func (m *Mux) Handle(jobType string, h Handler) {
	m.handlers[jobType] = h
}

// Process dispatches job; unknown types are dead-lettered.
func (m *Mux) Process(ctx context.Context, job Job) error {
	h, ok := m.handlers[job.Type]
	if !ok {
		return Permanent(fmt.Errorf("no handler for job type %q", job.Type))
	}
	return h(ctx, job)
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
