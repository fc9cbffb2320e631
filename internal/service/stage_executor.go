package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/llm"
	"github.com/noah-isme/sma-class-pipeline/internal/media"
	"github.com/noah-isme/sma-class-pipeline/internal/models"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/storage"
	"github.com/noah-isme/sma-class-pipeline/pkg/tracing"
)

// StageOutcome is the tag of a StageResult.
type StageOutcome string

const (
	StageSuccess StageOutcome = "success"
	StageSkipped StageOutcome = "skipped"
	StageFailed  StageOutcome = "failed"
)

// Skip reasons.
const (
	SkipNotFound      = "not_found"
	SkipStatus        = "status"
	SkipStatusChanged = "status_changed"
)

// FailureKind classifies a failed stage.
type FailureKind string

const (
	FailureUser     FailureKind = "user"
	FailureUpstream FailureKind = "upstream"
	FailureInternal FailureKind = "internal"
)

// Neutral texts stored when a stage cannot start.
const (
	msgMissingTranscript = "The lecture has no transcript yet, so this step cannot run."
	msgMissingStructure  = "The lesson has no structure yet, so the recap cannot be written."
	msgMissingMedia      = "The uploaded recording is no longer available. Please upload it again."
)

// StageResult is the tagged outcome of one stage run.
type StageResult struct {
	Outcome   StageOutcome
	Stage     models.StageName
	Status    models.SessionStatus
	Reason    string
	Kind      FailureKind
	Detail    string
	Retryable bool
	Err       error
}

// RetryBudget tells a stage whether the caller will run it again after a retryable failure.
// LastDelivery is set when the job carrying the run will not be delivered again.
type RetryBudget struct {
	Attempt      int
	Max          int
	LastDelivery bool
}

// Exhausted reports whether the current attempt is the last one.
func (b RetryBudget) Exhausted() bool {
	return b.Max <= 0 || b.Attempt+1 >= b.Max
}

type stageSessionStore interface {
	FindByID(ctx context.Context, id int64) (*models.Session, error)
	UpdateArtefact(ctx context.Context, id int64, column models.ArtefactColumn, value string, from, to models.SessionStatus, provider, model string) (bool, error)
	MarkFailed(ctx context.Context, id int64, detail string, expected ...models.SessionStatus) (bool, error)
	ClearMedia(ctx context.Context, id int64) error
}

type outlineWriter interface {
	CommitOutline(ctx context.Context, sessionID int64, outline models.Outline, structureJSON string, from, to models.SessionStatus, provider, model string) (bool, error)
}

type prerequisiteStore interface {
	Replace(ctx context.Context, sessionID int64, names []string) error
	List(ctx context.Context, sessionID int64) ([]models.Prerequisite, error)
	SetTeachingText(ctx context.Context, id int64, text string) error
}

type textGenerator interface {
	Generate(ctx context.Context, audit llm.Audit, req llm.Request) (llm.Response, error)
	GenerateJSON(ctx context.Context, audit llm.Audit, req llm.Request) (map[string]interface{}, llm.Response, error)
}

type mediaPreparer interface {
	Prepare(ctx context.Context, path, mimeType string) ([]media.Part, error)
}

// stageOutput is what a stage body hands back for persistence.
type stageOutput struct {
	artefact string
	outline  *models.Outline
	provider string
	model    string
}

func (o *stageOutput) used(resp llm.Response) {
	if resp.Provider != "" {
		o.provider, o.model = resp.Provider, resp.Model
	}
}

// StageExecutor runs exactly one stage of a session.
type StageExecutor struct {
	sessions stageSessionStore
	outlines outlineWriter
	prereqs  prerequisiteStore
	llm      textGenerator
	preparer mediaPreparer
	blobs    storage.BlobStore
	metrics  *MetricsService
	logger   *zap.Logger
	now      func() time.Time
	tempDir  string
}

// NewStageExecutor constructs a StageExecutor.
func NewStageExecutor(sessions stageSessionStore, outlines outlineWriter, prereqs prerequisiteStore, generator textGenerator, preparer mediaPreparer, blobs storage.BlobStore, metrics *MetricsService, logger *zap.Logger) *StageExecutor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StageExecutor{
		sessions: sessions,
		outlines: outlines,
		prereqs:  prereqs,
		llm:      generator,
		preparer: preparer,
		blobs:    blobs,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// Run executes stage name for the session. A retryable failure with budget left is returned
// without touching the session so the caller can run the stage again; otherwise the session
// is marked failed.
func (e *StageExecutor) Run(ctx context.Context, sessionID int64, name models.StageName, budget RetryBudget) StageResult {
	stage, ok := models.StageByName(name)
	if !ok {
		return StageResult{Outcome: StageFailed, Stage: name, Kind: FailureInternal, Detail: fmt.Sprintf("unknown stage %q", name)}
	}

	ctx, span := tracing.Start(ctx, "stage."+string(name),
		attribute.Int64("session_id", sessionID),
		attribute.Int("attempt", budget.Attempt+1))
	started := e.now()
	result := e.run(ctx, stage, sessionID, budget)
	tracing.End(span, result.Err)
	e.metrics.ObserveStage(string(name), string(result.Outcome), e.now().Sub(started))

	log := e.logger.Sugar().With("session_id", sessionID, "stage", name, "attempt", budget.Attempt+1)
	switch {
	case result.Outcome == StageSuccess:
		log.Infow("stage completed", "status", result.Status)
	case result.Outcome == StageSkipped:
		log.Infow("stage skipped", "reason", result.Reason)
	case result.Retryable:
		log.Warnw("stage failed, will retry", "error", result.Err)
	case result.Kind == FailureUser:
		log.Warnw("stage refused input", "detail", result.Detail)
	default:
		log.Errorw("stage failed", "kind", result.Kind, "error", result.Err)
	}
	return result
}

func (e *StageExecutor) run(ctx context.Context, stage models.Stage, sessionID int64, budget RetryBudget) StageResult {
	session, err := e.sessions.FindByID(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return StageResult{Outcome: StageSkipped, Stage: stage.Name, Reason: SkipNotFound}
	}
	if err != nil {
		return e.failure(ctx, stage, sessionID, fmt.Errorf("load session: %w", err), budget)
	}
	if session.Status != stage.Working {
		return StageResult{Outcome: StageSkipped, Stage: stage.Name, Status: session.Status, Reason: fmt.Sprintf("%s=%s", SkipStatus, session.Status)}
	}
	if stage.Requires != models.ArtefactNone && strings.TrimSpace(session.ArtefactFor(stage.Requires)) == "" {
		msg := msgMissingTranscript
		if stage.Requires == models.ArtefactStructure {
			msg = msgMissingStructure
		}
		return e.refuse(ctx, stage, session.ID, msg, nil)
	}

	var out stageOutput
	switch stage.Name {
	case models.StageTranscribe, models.StageExamTranscribe:
		out, err = e.transcribe(ctx, session)
	case models.StageStructure:
		out, err = e.structure(ctx, session)
	case models.StagePrereqExtract:
		out, err = e.extractPrerequisites(ctx, session)
	case models.StagePrereqTeach:
		out, err = e.teachPrerequisites(ctx, session)
	case models.StageRecap:
		out, err = e.recap(ctx, session)
	case models.StageExamStructure:
		out, err = e.examStructure(ctx, session)
	default:
		err = fmt.Errorf("stage %s has no implementation", stage.Name)
	}
	if err != nil {
		return e.failure(ctx, stage, session.ID, err, budget)
	}

	advanced, err := e.persist(ctx, stage, session.ID, out)
	if err != nil {
		return e.failure(ctx, stage, session.ID, fmt.Errorf("persist artefact: %w", err), budget)
	}
	if !advanced {
		return StageResult{Outcome: StageSkipped, Stage: stage.Name, Reason: SkipStatusChanged}
	}
	if stage.Artefact == models.ArtefactTranscript {
		e.releaseMedia(ctx, session)
	}
	return StageResult{Outcome: StageSuccess, Stage: stage.Name, Status: stage.Done}
}

// persist writes the artefact and advances status under the working-status guard. The structure
// stage commits its outline rows in the same transaction.
func (e *StageExecutor) persist(ctx context.Context, stage models.Stage, sessionID int64, out stageOutput) (bool, error) {
	if out.outline != nil {
		return e.outlines.CommitOutline(ctx, sessionID, *out.outline, out.artefact, stage.Working, stage.Done, out.provider, out.model)
	}
	return e.sessions.UpdateArtefact(ctx, sessionID, stage.Artefact, out.artefact, stage.Working, stage.Done, out.provider, out.model)
}

// failure decides between handing the error back for another attempt and failing the session.
func (e *StageExecutor) failure(ctx context.Context, stage models.Stage, sessionID int64, err error, budget RetryBudget) StageResult {
	if rejection, ok := media.AsRejection(err); ok {
		return e.refuse(ctx, stage, sessionID, rejection.Message(), err)
	}

	if ctx.Err() != nil {
		if !budget.LastDelivery {
			// Shutdown: leave the session as it is for the redelivered job.
			return StageResult{Outcome: StageFailed, Stage: stage.Name, Kind: FailureInternal, Retryable: true, Err: err}
		}
		detail := models.BoundErrorDetail(fmt.Sprintf("%s interrupted on its last attempt: %v", stage.Name, err))
		e.markFailed(ctx, stage, sessionID, detail)
		return StageResult{Outcome: StageFailed, Stage: stage.Name, Status: models.StatusFailed, Kind: FailureInternal, Detail: detail, Err: err}
	}

	kind := FailureInternal
	retryable := true
	switch {
	case errors.Is(err, appErrors.ErrNoCredentials), errors.Is(err, appErrors.ErrUpstreamFatal):
		kind, retryable = FailureUpstream, false
	case errors.Is(err, appErrors.ErrUpstreamTransient):
		kind = FailureUpstream
	}

	result := StageResult{Outcome: StageFailed, Stage: stage.Name, Kind: kind, Detail: failureDetail(stage, err), Err: err}
	if retryable && !budget.Exhausted() {
		result.Retryable = true
		return result
	}
	e.markFailed(ctx, stage, sessionID, result.Detail)
	result.Status = models.StatusFailed
	return result
}

// refuse fails the session with a message meant for the teacher. It is never retried.
func (e *StageExecutor) refuse(ctx context.Context, stage models.Stage, sessionID int64, message string, cause error) StageResult {
	e.markFailed(ctx, stage, sessionID, message)
	return StageResult{Outcome: StageFailed, Stage: stage.Name, Status: models.StatusFailed, Kind: FailureUser, Detail: message, Err: cause}
}

func (e *StageExecutor) markFailed(ctx context.Context, stage models.Stage, sessionID int64, detail string) {
	if _, err := e.sessions.MarkFailed(context.WithoutCancel(ctx), sessionID, detail, stage.Working); err != nil {
		e.logger.Sugar().Errorw("failed to mark session failed", "session_id", sessionID, "stage", stage.Name, "error", err)
	}
}

func failureDetail(stage models.Stage, err error) string {
	detail := fmt.Sprintf("%s failed: %v", stage.Name, err)
	var perr *media.ProcessError
	if errors.As(err, &perr) && perr.Stderr != "" && !strings.Contains(detail, perr.Stderr) {
		detail += "\n" + perr.Stderr
	}
	return models.BoundErrorDetail(detail)
}

func (e *StageExecutor) audit(session *models.Session) llm.Audit {
	return llm.AuditFor(session.OwnerID, session.ID)
}

func (e *StageExecutor) transcribe(ctx context.Context, session *models.Session) (stageOutput, error) {
	if session.MediaKey == nil || *session.MediaKey == "" {
		return stageOutput{}, missingMedia()
	}
	mimeType := ""
	if session.MediaMIME != nil {
		mimeType = *session.MediaMIME
	}

	path, cleanup, err := e.download(ctx, *session.MediaKey)
	if err != nil {
		return stageOutput{}, err
	}
	defer cleanup()

	parts, err := e.preparer.Prepare(ctx, path, mimeType)
	if err != nil {
		return stageOutput{}, err
	}

	var (
		out        stageOutput
		transcript strings.Builder
	)
	for i, part := range parts {
		resp, err := e.llm.Generate(ctx, e.audit(session), llm.Request{
			Feature: llm.FeatureTranscription,
			System:  llm.TranscriptionSystemPrompt,
			Prompt:  llm.TranscriptionPrompt(i+1, len(parts)),
			Parts:   []llm.Part{{Data: part.Data, MIME: part.MIME}},
		})
		if err != nil {
			return stageOutput{}, fmt.Errorf("transcribe part %d/%d: %w", i+1, len(parts), err)
		}
		out.used(resp)
		if len(parts) > 1 {
			if i > 0 {
				transcript.WriteString("\n\n")
			}
			fmt.Fprintf(&transcript, "## Part %d\n\n", i+1)
		}
		transcript.WriteString(strings.TrimSpace(resp.Text))
	}
	out.artefact = transcript.String()
	if strings.TrimSpace(out.artefact) == "" {
		return stageOutput{}, errors.New("transcription produced no text")
	}
	return out, nil
}

func missingMedia() *media.Rejection {
	return &media.Rejection{
		Reason:  "missing_media",
		English: msgMissingMedia,
		Persian: "فایل بارگذاری‌شده دیگر در دسترس نیست. لطفاً دوباره بارگذاری کنید.",
	}
}

func (e *StageExecutor) download(ctx context.Context, key string) (string, func(), error) {
	src, err := e.blobs.Open(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return "", nil, missingMedia()
		}
		return "", nil, fmt.Errorf("open media: %w", err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(e.tempDir, "session-media-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create media temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(dst.Name()) }
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		cleanup()
		return "", nil, fmt.Errorf("download media: %w", err)
	}
	if err := dst.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("close media temp file: %w", err)
	}
	return dst.Name(), cleanup, nil
}

// releaseMedia deletes the consumed upload. Failures only leave an orphaned blob behind.
func (e *StageExecutor) releaseMedia(ctx context.Context, session *models.Session) {
	if session.MediaKey == nil || *session.MediaKey == "" {
		return
	}
	ctx = context.WithoutCancel(ctx)
	if err := e.blobs.Delete(ctx, *session.MediaKey); err != nil {
		e.logger.Sugar().Warnw("failed to delete consumed media", "session_id", session.ID, "error", err)
	}
	if err := e.sessions.ClearMedia(ctx, session.ID); err != nil {
		e.logger.Sugar().Warnw("failed to clear media reference", "session_id", session.ID, "error", err)
	}
}

func (e *StageExecutor) structure(ctx context.Context, session *models.Session) (stageOutput, error) {
	obj, resp, err := e.llm.GenerateJSON(ctx, e.audit(session), llm.Request{
		Feature:    llm.FeatureStructure,
		System:     llm.StructureSystemPrompt,
		Prompt:     llm.StructurePrompt(session.Title, session.TranscriptMarkdown),
		SchemaHint: llm.StructureSchemaHint,
	})
	if err != nil {
		return stageOutput{}, err
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		return stageOutput{}, fmt.Errorf("encode structure: %w", err)
	}
	outline, err := models.ParseOutline(string(raw))
	if err != nil {
		return stageOutput{}, err
	}
	if strings.TrimSpace(outline.Title) == "" {
		outline.Title = session.Title
	}
	normalised, err := json.Marshal(outline)
	if err != nil {
		return stageOutput{}, fmt.Errorf("encode structure: %w", err)
	}
	out := stageOutput{artefact: string(normalised), outline: &outline}
	out.used(resp)
	return out, nil
}

func (e *StageExecutor) extractPrerequisites(ctx context.Context, session *models.Session) (stageOutput, error) {
	obj, resp, err := e.llm.GenerateJSON(ctx, e.audit(session), llm.Request{
		Feature:    llm.FeaturePrereqExtract,
		System:     llm.PrerequisiteSystemPrompt,
		Prompt:     llm.PrerequisitePrompt(session.Title, session.TranscriptMarkdown),
		SchemaHint: llm.PrerequisiteSchemaHint,
	})
	if err != nil {
		return stageOutput{}, err
	}
	if len(obj) == 0 {
		return stageOutput{}, errors.New("prerequisite list could not be parsed")
	}
	names := prerequisiteNames(obj)
	if len(names) == 0 {
		return stageOutput{}, errors.New("prerequisite list is empty")
	}
	if err := e.prereqs.Replace(ctx, session.ID, names); err != nil {
		return stageOutput{}, err
	}
	var out stageOutput
	out.used(resp)
	return out, nil
}

func (e *StageExecutor) teachPrerequisites(ctx context.Context, session *models.Session) (stageOutput, error) {
	items, err := e.prereqs.List(ctx, session.ID)
	if err != nil {
		return stageOutput{}, err
	}
	var out stageOutput
	for _, item := range items {
		// Rows taught by an earlier interrupted attempt are kept.
		if strings.TrimSpace(item.TeachingText) != "" {
			continue
		}
		resp, err := e.llm.Generate(ctx, e.audit(session), llm.Request{
			Feature: llm.FeaturePrereqTeach,
			System:  llm.PrerequisiteTeachingSystemPrompt,
			Prompt:  llm.PrerequisiteTeachingPrompt(session.Title, item.Name),
		})
		if err != nil {
			return stageOutput{}, fmt.Errorf("teach %q: %w", item.Name, err)
		}
		if err := e.prereqs.SetTeachingText(ctx, item.ID, strings.TrimSpace(resp.Text)); err != nil {
			return stageOutput{}, err
		}
		out.used(resp)
	}
	return out, nil
}

func (e *StageExecutor) recap(ctx context.Context, session *models.Session) (stageOutput, error) {
	obj, resp, err := e.llm.GenerateJSON(ctx, e.audit(session), llm.Request{
		Feature:    llm.FeatureRecap,
		System:     llm.RecapSystemPrompt,
		Prompt:     llm.RecapPrompt(session.Title, session.StructureJSON),
		SchemaHint: llm.RecapSchemaHint,
	})
	if err != nil {
		return stageOutput{}, err
	}
	markdown := RenderRecap(obj, session.Title)
	if markdown == "" {
		return stageOutput{}, errors.New("recap could not be parsed")
	}
	out := stageOutput{artefact: markdown}
	out.used(resp)
	return out, nil
}

func (e *StageExecutor) examStructure(ctx context.Context, session *models.Session) (stageOutput, error) {
	obj, resp, err := e.llm.GenerateJSON(ctx, e.audit(session), llm.Request{
		Feature:    llm.FeatureExamPrepStructure,
		System:     llm.ExamPrepSystemPrompt,
		Prompt:     llm.ExamPrepPrompt(session.Title, session.TranscriptMarkdown),
		SchemaHint: llm.ExamPrepSchemaHint,
	})
	if err != nil {
		return stageOutput{}, err
	}
	if len(obj) == 0 {
		return stageOutput{}, errors.New("exam prep payload could not be parsed")
	}
	NormalizeQuestionIDs(obj)
	raw, err := json.Marshal(obj)
	if err != nil {
		return stageOutput{}, fmt.Errorf("encode exam prep: %w", err)
	}
	out := stageOutput{artefact: string(raw)}
	out.used(resp)
	return out, nil
}
