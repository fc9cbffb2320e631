package jobs

import (
	"context"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// BeatEntry describes one periodic job.
type BeatEntry struct {
	Name     string
	Interval time.Duration
	Build    func() (Job, error)
}

// Beat enqueues periodic jobs. Every slot of an entry is claimed through the
// broker first, so several beat processes enqueue each slot once.
type Beat struct {
	broker  Broker
	entries []BeatEntry
	tick    time.Duration
	logger  *zap.Logger
}

// NewBeat builds a scheduler over broker.
func NewBeat(broker Broker, logger *zap.Logger, entries ...BeatEntry) *Beat {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Beat{broker: broker, entries: entries, tick: 15 * time.Second, logger: logger}
}

// Run ticks until ctx is cancelled.
func (b *Beat) Run(ctx context.Context) error {
	b.Tick(ctx, time.Now())
	ticker := time.NewTicker(b.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			b.Tick(ctx, now)
		}
	}
}

// Tick enqueues every entry whose current slot has not been claimed yet and
// returns how many jobs were enqueued.
func (b *Beat) Tick(ctx context.Context, now time.Time) int {
	enqueued := 0
	for _, entry := range b.entries {
		if entry.Interval <= 0 {
			continue
		}
		slot := now.UTC().Truncate(entry.Interval).Unix()
		won, err := b.broker.Claim(ctx, "beat:"+entry.Name+":"+strconv.FormatInt(slot, 10), entry.Interval)
		if err != nil {
			b.logger.Sugar().Warnw("beat claim failed", "entry", entry.Name, "error", err)
			continue
		}
		if !won {
			continue
		}
		job, err := entry.Build()
		if err != nil {
			b.logger.Sugar().Errorw("beat job build failed", "entry", entry.Name, "error", err)
			continue
		}
		if err := b.broker.Enqueue(ctx, job, 0); err != nil {
			b.logger.Sugar().Errorw("beat enqueue failed", "entry", entry.Name, "error", err)
			continue
		}
		enqueued++
		b.logger.Sugar().Infow("beat enqueued job", "entry", entry.Name, "job_id", job.ID, "type", job.Type)
	}
	return enqueued
}
