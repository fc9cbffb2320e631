package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/sms"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

type fanoutSessionReader interface {
	FindByID(ctx context.Context, id int64) (*models.Session, error)
}

type invitationLister interface {
	ListBySession(ctx context.Context, sessionID int64) ([]models.Invitation, error)
}

// SMSFanoutWorker turns a publish into vendor-sized SMS batches and sends them.
type SMSFanoutWorker struct {
	sessions    fanoutSessionReader
	invitations invitationLister
	client      sms.Client
	queue       enqueuer
	metrics     *MetricsService
	logger      *zap.Logger
	batchSize   int
}

// NewSMSFanoutWorker constructs an SMSFanoutWorker.
func NewSMSFanoutWorker(sessions fanoutSessionReader, invitations invitationLister, client sms.Client, queue enqueuer, metrics *MetricsService, logger *zap.Logger) *SMSFanoutWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMSFanoutWorker{
		sessions:    sessions,
		invitations: invitations,
		client:      client,
		queue:       queue,
		metrics:     metrics,
		logger:      logger,
		batchSize:   sms.MaxBatch,
	}
}

// smsNamespace scopes the name-based UUIDs used as vendor RefIds and batch job ids.
var smsNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("sma-class-pipeline/sms"))

// SMSRefID is the vendor reference of the invitation message for one invitee. It is stable across
// re-plans so the vendor can drop a resubmitted message.
func SMSRefID(sessionID int64, inv models.Invitation) string {
	return uuid.NewSHA1(smsNamespace, []byte(fmt.Sprintf("session/%d/invitation/%d/%s", sessionID, inv.ID, inv.InviteCode))).String()
}

func smsBatchJobID(sessionID int64, offset int) string {
	return uuid.NewSHA1(smsNamespace, []byte(fmt.Sprintf("session/%d/batch/%d", sessionID, offset))).String()
}

// InvitationText is the personalised message sent to one invitee.
func InvitationText(title, code string) string {
	return fmt.Sprintf("You are invited to the class \"%s\". Your invite code: %s\nبه کلاس «%s» دعوت شده‌اید. کد دعوت شما: %s",
		title, code, title, code)
}

// Plan enqueues one sms.batch job per vendor-sized chunk of the session's invitations and returns
// how many were enqueued. Once any batch is queued the plan is not failed. A redelivered plan
// produces the same job ids and RefIds, so resubmitted messages can be recognised downstream.
func (w *SMSFanoutWorker) Plan(ctx context.Context, sessionID int64) (int, error) {
	log := w.logger.Sugar().With("session_id", sessionID)
	session, err := w.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		log.Infow("session gone before fanout")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load session: %w", err)
	}
	if !session.IsPublished {
		log.Warnw("fanout requested for unpublished session")
		return 0, nil
	}
	invitations, err := w.invitations.ListBySession(ctx, sessionID)
	if err != nil {
		return 0, fmt.Errorf("list invitations: %w", err)
	}
	if len(invitations) == 0 {
		log.Infow("no invitations to notify")
		return 0, nil
	}

	enqueued := 0
	var firstErr error
	for start := 0; start < len(invitations); start += w.batchSize {
		end := start + w.batchSize
		if end > len(invitations) {
			end = len(invitations)
		}
		payload := SMSBatchPayload{SessionID: sessionID, Messages: make([]smsEnvelope, 0, end-start)}
		for _, inv := range invitations[start:end] {
			payload.Messages = append(payload.Messages, smsEnvelope{
				RefID: SMSRefID(sessionID, inv),
				Text:  InvitationText(session.Title, inv.InviteCode),
				Phone: inv.Phone,
			})
		}
		job, err := jobs.NewJob(JobSMSBatch, jobs.LaneDefault, payload)
		if err == nil {
			job.ID = smsBatchJobID(sessionID, start)
			job.MaxAttempts = smsBatchMaxAttempts
			err = w.queue.Enqueue(ctx, job, 0)
		}
		if err != nil {
			log.Errorw("failed to enqueue sms batch", "offset", start, "size", end-start, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		enqueued++
	}
	if enqueued == 0 && firstErr != nil {
		return 0, firstErr
	}
	log.Infow("invitation fanout planned", "batches", enqueued, "invitations", len(invitations))
	return enqueued, nil
}

// SendBatch delivers one batch. Vendor 4xx errors arrive wrapped as permanent and are not retried;
// per-message rejections inside an accepted batch are only logged.
func (w *SMSFanoutWorker) SendBatch(ctx context.Context, payload SMSBatchPayload) error {
	messages := make([]sms.Message, 0, len(payload.Messages))
	for _, env := range payload.Messages {
		messages = append(messages, sms.Message{RefID: env.RefID, Text: env.Text, Recipients: []string{env.Phone}})
	}
	result, err := w.client.Send(ctx, messages)
	if err != nil {
		return err
	}
	for _, failure := range result.Failures {
		w.logger.Sugar().Warnw("sms rejected by vendor", "session_id", payload.SessionID, "ref_id", failure.RefID, "reason", failure.Reason)
	}
	w.metrics.ObserveSMS(result.Accepted, len(result.Failures))
	w.logger.Sugar().Infow("sms batch sent", "session_id", payload.SessionID, "accepted", result.Accepted, "failed", len(result.Failures))
	return nil
}
