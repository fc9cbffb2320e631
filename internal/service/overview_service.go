package service

import (
	"context"
	"time"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/repository"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

type statusCounter interface {
	CountByStatus(ctx context.Context) ([]models.StatusCount, error)
}

type usageSummariser interface {
	Summarise(ctx context.Context, since time.Time) ([]repository.UsageSummary, error)
}

type laneStatser interface {
	Stats(ctx context.Context, lane string) (jobs.LaneStats, error)
}

// Overview is the operator view of the pipeline.
type Overview struct {
	Sessions []models.StatusCount      `json:"sessions"`
	Usage    []repository.UsageSummary `json:"llm_usage"`
	Lanes    []jobs.LaneStats          `json:"lanes"`
	Metrics  MetricsSnapshot           `json:"metrics"`
}

// OverviewService assembles the admin overview.
type OverviewService struct {
	sessions statusCounter
	usage    usageSummariser
	lanes    laneStatser
	metrics  *MetricsService
	now      func() time.Time
}

// NewOverviewService constructs an OverviewService.
func NewOverviewService(sessions statusCounter, usage usageSummariser, lanes laneStatser, metrics *MetricsService) *OverviewService {
	return &OverviewService{sessions: sessions, usage: usage, lanes: lanes, metrics: metrics, now: time.Now}
}

// Get returns session counts, LLM usage over window and queue depth.
func (s *OverviewService) Get(ctx context.Context, window time.Duration) (*Overview, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	counts, err := s.sessions.CountByStatus(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	usage, err := s.usage.Summarise(ctx, s.now().UTC().Add(-window))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	overview := &Overview{Sessions: counts, Usage: usage, Metrics: s.metrics.Snapshot()}
	if s.lanes != nil {
		for _, lane := range []string{jobs.LanePipeline, jobs.LaneDefault} {
			stats, err := s.lanes.Stats(ctx, lane)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
			}
			overview.Lanes = append(overview.Lanes, stats)
		}
	}
	return overview, nil
}
