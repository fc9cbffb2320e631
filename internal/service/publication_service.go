package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

type publicationStore interface {
	FindOwned(ctx context.Context, id int64, owner string) (*models.Session, error)
	Publish(ctx context.Context, id int64, ready []models.SessionStatus) (bool, error)
}

// PublishResult reports the published session and whether this call published it.
type PublishResult struct {
	Session   *models.Session
	FirstTime bool
}

// PublicationService publishes finished sessions and schedules the invitation fanout once.
type PublicationService struct {
	sessions publicationStore
	queue    enqueuer
	logger   *zap.Logger
}

// NewPublicationService constructs a PublicationService.
func NewPublicationService(sessions publicationStore, queue enqueuer, logger *zap.Logger) *PublicationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PublicationService{sessions: sessions, queue: queue, logger: logger}
}

// Publish marks the session published. Only the call that flips the flag enqueues the SMS fanout.
func (s *PublicationService) Publish(ctx context.Context, owner string, id int64) (*PublishResult, error) {
	session, err := s.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if session.Status != models.TerminalSuccess(session.Kind) || strings.TrimSpace(session.PrimaryArtefact()) == "" {
		s.logger.Sugar().Warnw("publish refused", "session_id", id, "status", session.Status)
		return nil, appErrors.Clone(appErrors.ErrValidation, "the session is not ready to publish")
	}

	first, err := s.sessions.Publish(ctx, id, []models.SessionStatus{models.TerminalSuccess(session.Kind)})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if first {
		job, err := jobs.NewJob(JobSMSFanout, jobs.LaneDefault, FanoutPayload{SessionID: id})
		if err == nil {
			err = s.queue.Enqueue(ctx, job, 0)
		}
		if err != nil {
			// The flag is already set, so a later publish will not retry the fanout.
			s.logger.Sugar().Errorw("failed to enqueue invitation fanout", "session_id", id, "error", err)
		} else {
			s.logger.Sugar().Infow("session published", "session_id", id, "job_id", job.ID)
		}
	}

	session, err = s.load(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	if !session.IsPublished {
		s.logger.Sugar().Warnw("publish lost to a status change", "session_id", id, "status", session.Status)
		return nil, appErrors.Clone(appErrors.ErrValidation, "the session is not ready to publish")
	}
	return &PublishResult{Session: session, FirstTime: first}, nil
}

func (s *PublicationService) load(ctx context.Context, owner string, id int64) (*models.Session, error) {
	session, err := s.sessions.FindOwned(ctx, id, owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	return session, nil
}
