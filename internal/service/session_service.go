package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/repository"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
	"github.com/noah-isme/sma-class-pipeline/pkg/storage"
)

type sessionStore interface {
	Create(ctx context.Context, session *models.Session, admission repository.Admission) (*models.Session, bool, error)
	FindOwned(ctx context.Context, id int64, owner string) (*models.Session, error)
	FindByOwnerRequest(ctx context.Context, owner, requestID string) (*models.Session, error)
	CompareAndSetStatus(ctx context.Context, id int64, from, to models.SessionStatus) (bool, error)
	MarkFailed(ctx context.Context, id int64, detail string, expected ...models.SessionStatus) (bool, error)
	Patch(ctx context.Context, id int64, owner string, patch models.SessionPatch, locked []models.SessionStatus) (bool, error)
	Delete(ctx context.Context, id int64, owner string) (bool, error)
}

type sessionStructureStore interface {
	ReplaceOutline(ctx context.Context, sessionID int64, outline models.Outline) error
	ListSections(ctx context.Context, sessionID int64) ([]models.Section, error)
	ListUnits(ctx context.Context, sessionID int64) ([]models.Unit, error)
}

type prerequisiteLister interface {
	List(ctx context.Context, sessionID int64) ([]models.Prerequisite, error)
}

// MediaUpload is the lecture file attached to a create request.
type MediaUpload struct {
	Filename string
	MIME     string
	Size     int64
	Body     io.Reader
}

// CreateSessionRequest represents payload for creating class and exam-prep sessions.
type CreateSessionRequest struct {
	Title           string `validate:"required,max=255"`
	Description     string `validate:"max=5000"`
	Level           string `validate:"max=100"`
	Duration        string `validate:"max=100"`
	ClientRequestID string `validate:"omitempty,uuid"`
	RunFullPipeline bool
	Media           MediaUpload
}

// PatchSessionRequest represents the teacher-editable fields. Nil fields are left unchanged.
type PatchSessionRequest struct {
	Title         *string `validate:"omitempty,min=1,max=255"`
	Description   *string `validate:"omitempty,max=5000"`
	Level         *string `validate:"omitempty,max=100"`
	Duration      *string `validate:"omitempty,max=100"`
	StructureJSON *string
}

// CreateSessionResult reports the stored session and whether it already existed for the request id.
type CreateSessionResult struct {
	Session  *models.Session
	Existing bool
}

// StepResult reports the session after a step request. Accepted is false when the step had already run.
type StepResult struct {
	Session  *models.Session
	Accepted bool
}

// SessionDetail is a session with its normalised children.
type SessionDetail struct {
	Session       *models.Session
	Sections      []models.Section
	Units         []models.Unit
	Prerequisites []models.Prerequisite
}

// SessionServiceConfig bounds uploads and concurrent work per teacher.
type SessionServiceConfig struct {
	MaxUploadBytes int64
	MaxActive      int
}

// SessionService handles creation, step requests and teacher edits of sessions.
type SessionService struct {
	sessions  sessionStore
	structure sessionStructureStore
	prereqs   prerequisiteLister
	blobs     storage.BlobStore
	queue     enqueuer
	validator *validator.Validate
	logger    *zap.Logger
	cfg       SessionServiceConfig
}

// NewSessionService constructs a SessionService.
func NewSessionService(sessions sessionStore, structure sessionStructureStore, prereqs prerequisiteLister, blobs storage.BlobStore, queue enqueuer, validate *validator.Validate, logger *zap.Logger, cfg SessionServiceConfig) *SessionService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 500 * 1024 * 1024
	}
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = 5
	}
	return &SessionService{
		sessions:  sessions,
		structure: structure,
		prereqs:   prereqs,
		blobs:     blobs,
		queue:     queue,
		validator: validate,
		logger:    logger,
		cfg:       cfg,
	}
}

// Create stores the upload and a new session, then schedules its first stage, or the whole
// pipeline when RunFullPipeline is set. A repeated client request id returns the original session.
func (s *SessionService) Create(ctx context.Context, owner string, kind models.PipelineKind, req CreateSessionRequest) (*CreateSessionResult, error) {
	if !kind.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown session kind")
	}
	req.Title = strings.TrimSpace(req.Title)
	req.ClientRequestID = strings.TrimSpace(req.ClientRequestID)
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	mimeType, err := s.validateMedia(req.Media)
	if err != nil {
		return nil, err
	}

	if req.ClientRequestID != "" {
		existing, err := s.sessions.FindByOwnerRequest(ctx, owner, req.ClientRequestID)
		if err == nil {
			return &CreateSessionResult{Session: existing, Existing: true}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
		}
	}

	key := storage.MediaKey(owner, req.Media.Filename)
	if err := s.blobs.Put(ctx, key, req.Media.Body, mimeType); err != nil {
		s.logger.Sugar().Errorw("failed to store upload", "owner_id", owner, "error", err)
		return nil, appErrors.WrapAs(appErrors.ErrStorageMisconfigured, err, "")
	}

	session := &models.Session{
		OwnerID:       owner,
		Title:         req.Title,
		Description:   strings.TrimSpace(req.Description),
		Level:         strings.TrimSpace(req.Level),
		Duration:      strings.TrimSpace(req.Duration),
		Kind:          kind,
		Status:        models.InitialStatus(kind),
		MediaKey:      &key,
		MediaMIME:     &mimeType,
		MediaFilename: optionalString(req.Media.Filename),
	}
	if req.ClientRequestID != "" {
		session.ClientRequestID = &req.ClientRequestID
	}

	stored, existing, err := s.sessions.Create(ctx, session, repository.Admission{
		MaxActive: s.cfg.MaxActive,
		Active:    models.TransitionalStatusesFor(kind),
	})
	switch {
	case errors.Is(err, repository.ErrAdmissionRefused):
		s.discardBlob(ctx, key)
		s.logger.Sugar().Warnw("session admission refused", "owner_id", owner, "kind", kind, "max_active", s.cfg.MaxActive)
		return nil, appErrors.Clone(appErrors.ErrThrottled, fmt.Sprintf("you already have %d sessions in progress; wait for one to finish", s.cfg.MaxActive))
	case errors.Is(err, repository.ErrDuplicateRequest):
		s.discardBlob(ctx, key)
		found, findErr := s.sessions.FindByOwnerRequest(ctx, owner, req.ClientRequestID)
		if findErr != nil {
			return nil, appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
		}
		return &CreateSessionResult{Session: found, Existing: true}, nil
	case err != nil:
		s.discardBlob(ctx, key)
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if existing {
		s.discardBlob(ctx, key)
		return &CreateSessionResult{Session: stored, Existing: true}, nil
	}

	var job jobs.Job
	if req.RunFullPipeline {
		job, err = NewPipelineJob(stored.ID)
	} else {
		job, err = NewStageJob(stored.ID, models.Stages(kind)[0].Name)
	}
	if err == nil {
		err = s.queue.Enqueue(ctx, job, 0)
	}
	if err != nil {
		s.logger.Sugar().Errorw("failed to enqueue session", "session_id", stored.ID, "error", err)
		if _, markErr := s.sessions.MarkFailed(ctx, stored.ID, "could not schedule processing: "+err.Error(), stored.Status); markErr != nil {
			s.logger.Sugar().Errorw("failed to mark unscheduled session failed", "session_id", stored.ID, "error", markErr)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}

	s.logger.Sugar().Infow("session created", "session_id", stored.ID, "owner_id", owner, "kind", kind, "full_pipeline", req.RunFullPipeline)
	return &CreateSessionResult{Session: stored}, nil
}

func (s *SessionService) validateMedia(upload MediaUpload) (string, error) {
	if upload.Body == nil || upload.Size <= 0 {
		return "", appErrors.Clone(appErrors.ErrValidation, "a media file is required")
	}
	mimeType := strings.ToLower(strings.TrimSpace(upload.MIME))
	if parsed, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = parsed
	}
	if !strings.HasPrefix(mimeType, "audio/") && !strings.HasPrefix(mimeType, "video/") {
		return "", appErrors.Clone(appErrors.ErrValidation, "only audio or video files are accepted")
	}
	if upload.Size > s.cfg.MaxUploadBytes {
		return "", appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("the file is too large (%s, limit %s)",
			humanize.IBytes(uint64(upload.Size)), humanize.IBytes(uint64(s.cfg.MaxUploadBytes))))
	}
	return mimeType, nil
}

func (s *SessionService) discardBlob(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Sugar().Warnw("failed to delete unused upload", "key", key, "error", err)
	}
}

// Get returns an owned session with its outline and prerequisites.
func (s *SessionService) Get(ctx context.Context, owner string, id int64) (*SessionDetail, error) {
	session, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	detail := &SessionDetail{Session: session}
	if detail.Sections, err = s.structure.ListSections(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if detail.Units, err = s.structure.ListUnits(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if detail.Prerequisites, err = s.prereqs.List(ctx, id); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	return detail, nil
}

// RunStep schedules numbered step N (2..5 for classes, 2 for exam prep). A step whose output
// already exists is reported with Accepted=false and schedules nothing.
func (s *SessionService) RunStep(ctx context.Context, owner string, id int64, step int) (*StepResult, error) {
	session, err := s.owned(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	stage, ok := models.StageForStep(session.Kind, step)
	if !ok || step < 2 {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("step %d does not exist for this session", step))
	}

	if session.Status == models.StatusFailed {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the session has failed")
	}
	if models.Rank(session.Kind, session.Status) >= models.Rank(session.Kind, stage.Done) {
		return &StepResult{Session: session}, nil
	}
	if session.Status != stage.Input {
		return nil, appErrors.Clone(appErrors.ErrConflict, fmt.Sprintf("step %d needs status %s, session is %s", step, stage.Input, session.Status))
	}
	if stage.Requires != models.ArtefactNone && strings.TrimSpace(session.ArtefactFor(stage.Requires)) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "the previous step produced no output")
	}

	moved, err := s.sessions.CompareAndSetStatus(ctx, id, stage.Input, stage.Working)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if !moved {
		return nil, appErrors.Clone(appErrors.ErrConflict, "the session changed while scheduling the step")
	}

	job, err := NewStageJob(id, stage.Name)
	if err == nil {
		err = s.queue.Enqueue(ctx, job, 0)
	}
	if err != nil {
		s.logger.Sugar().Errorw("failed to enqueue step", "session_id", id, "stage", stage.Name, "error", err)
		if _, markErr := s.sessions.MarkFailed(ctx, id, "could not schedule "+string(stage.Name)+": "+err.Error(), stage.Working); markErr != nil {
			s.logger.Sugar().Errorw("failed to mark unscheduled session failed", "session_id", id, "error", markErr)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}

	session.Status = stage.Working
	return &StepResult{Session: session, Accepted: true}, nil
}

// Patch applies teacher edits. A new structure_json replaces the section/unit projection and is
// refused while the session is still processing.
func (s *SessionService) Patch(ctx context.Context, owner string, id int64, req PatchSessionRequest) (*models.Session, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid session payload")
	}
	if req.Title != nil && strings.TrimSpace(*req.Title) == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "title cannot be empty")
	}
	patch := models.SessionPatch{
		Title:       trimmed(req.Title),
		Description: req.Description,
		Level:       req.Level,
		Duration:    req.Duration,
	}
	var outline *models.Outline
	if req.StructureJSON != nil {
		parsed, err := models.ParseOutline(*req.StructureJSON)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "structure_json must be an object with at least one section")
		}
		raw, err := json.Marshal(parsed)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
		}
		normalised := string(raw)
		patch.StructureJSON = &normalised
		outline = &parsed
	}
	if patch.Empty() {
		return s.owned(ctx, owner, id)
	}

	applied, err := s.sessions.Patch(ctx, id, owner, patch, models.TransitionalStatuses())
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if !applied {
		if _, err := s.owned(ctx, owner, id); err != nil {
			return nil, err
		}
		return nil, appErrors.Clone(appErrors.ErrConflict, "the structure cannot be edited while the session is processing")
	}
	if outline != nil {
		if err := s.structure.ReplaceOutline(ctx, id, *outline); err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
		}
	}
	return s.owned(ctx, owner, id)
}

// Delete removes an owned session in any status. In-flight jobs observe the deletion and stop.
func (s *SessionService) Delete(ctx context.Context, owner string, id int64) error {
	session, err := s.owned(ctx, owner, id)
	if err != nil {
		return err
	}
	deleted, err := s.sessions.Delete(ctx, id, owner)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	if !deleted {
		return appErrors.ErrNotFound
	}
	if session.MediaKey != nil && *session.MediaKey != "" {
		s.discardBlob(ctx, *session.MediaKey)
	}
	s.logger.Sugar().Infow("session deleted", "session_id", id, "status", session.Status)
	return nil
}

func (s *SessionService) owned(ctx context.Context, owner string, id int64) (*models.Session, error) {
	session, err := s.sessions.FindOwned(ctx, id, owner)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	return session, nil
}

// ParseClientRequestID accepts an empty value or a UUID and returns it in canonical form.
func ParseClientRequestID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrValidation, "client_request_id must be a UUID")
	}
	return id.String(), nil
}

func optionalString(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}
