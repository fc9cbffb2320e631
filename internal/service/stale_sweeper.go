package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

type staleSessionStore interface {
	MarkStale(ctx context.Context, cutoff time.Time, statuses []models.SessionStatus, detail string) ([]int64, error)
}

// StaleSweeper fails sessions that have sat in a working status for longer than the timeout.
type StaleSweeper struct {
	sessions staleSessionStore
	timeout  time.Duration
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
}

// NewStaleSweeper constructs a StaleSweeper.
func NewStaleSweeper(sessions staleSessionStore, timeout time.Duration, metrics *MetricsService, logger *zap.Logger) *StaleSweeper {
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StaleSweeper{sessions: sessions, timeout: timeout, metrics: metrics, logger: logger, now: time.Now}
}

// Sweep marks every stale session failed and returns how many it moved. Re-running is harmless.
func (s *StaleSweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.timeout)
	detail := fmt.Sprintf("stale: no progress for more than %s; the session was stuck and has been stopped", s.timeout)
	ids, err := s.sessions.MarkStale(ctx, cutoff, models.TransitionalStatuses(), detail)
	if err != nil {
		return 0, err
	}
	s.metrics.ObserveStaleSweep(len(ids))
	if len(ids) > 0 {
		s.logger.Sugar().Warnw("stale sessions failed", "count", len(ids), "session_ids", ids, "cutoff", cutoff)
	}
	return len(ids), nil
}
