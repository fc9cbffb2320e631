package dto

import (
	"time"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// FailedSessionMessage is the only failure text a client ever sees for a session.
const FailedSessionMessage = "Processing this session failed. Please upload the lecture again."

// SessionResponse is the client view of a session.
type SessionResponse struct {
	ID                 int64                `json:"id"`
	Kind               models.PipelineKind  `json:"kind"`
	Status             models.SessionStatus `json:"status"`
	Title              string               `json:"title"`
	Description        string               `json:"description"`
	Level              string               `json:"level"`
	Duration           string               `json:"duration"`
	ClientRequestID    *string              `json:"clientRequestId,omitempty"`
	MediaFilename      *string              `json:"mediaFilename,omitempty"`
	TranscriptMarkdown string               `json:"transcriptMarkdown,omitempty"`
	StructureJSON      string               `json:"structureJson,omitempty"`
	RecapMarkdown      string               `json:"recapMarkdown,omitempty"`
	ExamPrepJSON       string               `json:"examPrepJson,omitempty"`
	LLMProvider        string               `json:"llmProvider,omitempty"`
	LLMModel           string               `json:"llmModel,omitempty"`
	Message            string               `json:"message,omitempty"`
	IsPublished        bool                 `json:"isPublished"`
	PublishedAt        *time.Time           `json:"publishedAt,omitempty"`
	CreatedAt          time.Time            `json:"createdAt"`
	UpdatedAt          time.Time            `json:"updatedAt"`
}

// SessionDetailResponse adds the normalised outline and prerequisites.
type SessionDetailResponse struct {
	SessionResponse
	Sections      []models.Section      `json:"sections"`
	Units         []models.Unit         `json:"units"`
	Prerequisites []models.Prerequisite `json:"prerequisites"`
}

// CreateSessionResponse reports the created session and whether the request id was already used.
type CreateSessionResponse struct {
	SessionID    int64                `json:"sessionId"`
	Status       models.SessionStatus `json:"status"`
	Idempotent   bool                 `json:"idempotent"`
	FullPipeline bool                 `json:"fullPipeline"`
}

// StepResponse reports a step request.
type StepResponse struct {
	SessionID int64                `json:"sessionId"`
	Status    models.SessionStatus `json:"status"`
	Accepted  bool                 `json:"accepted"`
}

// PublishResponse reports a publish request.
type PublishResponse struct {
	Session   SessionResponse `json:"session"`
	FirstTime bool            `json:"firstTime"`
}

// PatchSessionRequest is the JSON body of a session edit.
type PatchSessionRequest struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Level         *string `json:"level"`
	Duration      *string `json:"duration"`
	StructureJSON *string `json:"structureJson"`
}

// NewSessionResponse maps a stored session to its client view. Failure detail stays server side.
func NewSessionResponse(session *models.Session) SessionResponse {
	resp := SessionResponse{
		ID:                 session.ID,
		Kind:               session.Kind,
		Status:             session.Status,
		Title:              session.Title,
		Description:        session.Description,
		Level:              session.Level,
		Duration:           session.Duration,
		ClientRequestID:    session.ClientRequestID,
		MediaFilename:      session.MediaFilename,
		TranscriptMarkdown: session.TranscriptMarkdown,
		StructureJSON:      session.StructureJSON,
		RecapMarkdown:      session.RecapMarkdown,
		ExamPrepJSON:       session.ExamPrepJSON,
		LLMProvider:        session.LLMProvider,
		LLMModel:           session.LLMModel,
		IsPublished:        session.IsPublished,
		PublishedAt:        session.PublishedAt,
		CreatedAt:          session.CreatedAt,
		UpdatedAt:          session.UpdatedAt,
	}
	if session.Status == models.StatusFailed {
		resp.Message = FailedSessionMessage
	}
	return resp
}

// NewSessionDetailResponse maps a session with its children. Nil children become empty lists.
func NewSessionDetailResponse(session *models.Session, sections []models.Section, units []models.Unit, prereqs []models.Prerequisite) SessionDetailResponse {
	if sections == nil {
		sections = []models.Section{}
	}
	if units == nil {
		units = []models.Unit{}
	}
	if prereqs == nil {
		prereqs = []models.Prerequisite{}
	}
	return SessionDetailResponse{
		SessionResponse: NewSessionResponse(session),
		Sections:        sections,
		Units:           units,
		Prerequisites:   prereqs,
	}
}
