package handler

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-class-pipeline/internal/dto"
	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/service"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/response"
)

type sessionService interface {
	Create(ctx context.Context, owner string, kind models.PipelineKind, req service.CreateSessionRequest) (*service.CreateSessionResult, error)
	Get(ctx context.Context, owner string, id int64) (*service.SessionDetail, error)
	RunStep(ctx context.Context, owner string, id int64, step int) (*service.StepResult, error)
	Patch(ctx context.Context, owner string, id int64, req service.PatchSessionRequest) (*models.Session, error)
	Delete(ctx context.Context, owner string, id int64) error
}

type publicationService interface {
	Publish(ctx context.Context, owner string, id int64) (*service.PublishResult, error)
}

// uploadSlack leaves room for the form fields and multipart framing around the file.
const uploadSlack = 1 << 20

// SessionHandler exposes class and exam-prep session endpoints.
type SessionHandler struct {
	sessions    sessionService
	publication publicationService
	maxUpload   int64
}

// NewSessionHandler builds a new handler. Request bodies larger than maxUploadBytes plus the
// form overhead are cut off while reading; zero disables the limit.
func NewSessionHandler(sessions sessionService, publication publicationService, maxUploadBytes int64) *SessionHandler {
	return &SessionHandler{sessions: sessions, publication: publication, maxUpload: maxUploadBytes}
}

// CreateClass godoc
// @Summary Upload a lecture and create a class session
// @Tags Sessions
// @Accept multipart/form-data
// @Produce json
// @Param title formData string true "Title"
// @Param description formData string false "Description"
// @Param level formData string false "Level"
// @Param duration formData string false "Duration"
// @Param client_request_id formData string false "Idempotency key (UUID)"
// @Param run_full_pipeline formData bool false "Run every stage without further step calls"
// @Param file formData file true "Lecture audio or video"
// @Success 202 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /sessions/class [post]
func (h *SessionHandler) CreateClass(c *gin.Context) {
	h.create(c, models.KindClass)
}

// CreateExamPrep godoc
// @Summary Upload a lecture and create an exam-prep session
// @Tags Sessions
// @Accept multipart/form-data
// @Produce json
// @Param title formData string true "Title"
// @Param client_request_id formData string false "Idempotency key (UUID)"
// @Param run_full_pipeline formData bool false "Run every stage without further step calls"
// @Param file formData file true "Lecture audio or video"
// @Success 202 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /sessions/exam-prep [post]
func (h *SessionHandler) CreateExamPrep(c *gin.Context) {
	h.create(c, models.KindExamPrep)
}

func (h *SessionHandler) create(c *gin.Context, kind models.PipelineKind) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	if !h.limitUpload(c) {
		return
	}
	requestID, err := service.ParseClientRequestID(c.PostForm("client_request_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	fullPipeline := false
	if raw := strings.TrimSpace(c.PostForm("run_full_pipeline")); raw != "" {
		if fullPipeline, err = strconv.ParseBool(raw); err != nil {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, "run_full_pipeline must be a boolean"))
			return
		}
	}

	req := service.CreateSessionRequest{
		Title:           c.PostForm("title"),
		Description:     c.PostForm("description"),
		Level:           c.PostForm("level"),
		Duration:        c.PostForm("duration"),
		ClientRequestID: requestID,
		RunFullPipeline: fullPipeline,
	}
	if header, err := c.FormFile("file"); err == nil {
		file, err := header.Open()
		if err != nil {
			response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid upload"))
			return
		}
		defer file.Close()
		req.Media = mediaUpload(header, file)
	}

	result, err := h.sessions.Create(c.Request.Context(), owner, kind, req)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.CreateSessionResponse{
		SessionID:    result.Session.ID,
		Status:       result.Session.Status,
		Idempotent:   result.Existing,
		FullPipeline: fullPipeline,
	}
	if result.Existing {
		response.JSON(c, http.StatusOK, payload, nil)
		return
	}
	response.Accepted(c, payload)
}

// limitUpload parses the form behind a size-capped body and answers 400 when the cap is hit.
func (h *SessionHandler) limitUpload(c *gin.Context) bool {
	if h.maxUpload <= 0 {
		return true
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUpload+uploadSlack)
	if _, err := c.MultipartForm(); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			response.Error(c, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("the file is too large (limit %s)", humanize.IBytes(uint64(h.maxUpload)))))
			return false
		}
	}
	return true
}

func mediaUpload(header *multipart.FileHeader, file multipart.File) service.MediaUpload {
	return service.MediaUpload{
		Filename: header.Filename,
		MIME:     header.Header.Get("Content-Type"),
		Size:     header.Size,
		Body:     file,
	}
}

// RunStep godoc
// @Summary Schedule the next numbered step of a session
// @Tags Sessions
// @Produce json
// @Param id path int true "Session ID"
// @Param step path int true "Step number (2-5)"
// @Success 202 {object} response.Envelope
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/steps/{step} [post]
func (h *SessionHandler) RunStep(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	step, err := strconv.Atoi(c.Param("step"))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "step must be a number"))
		return
	}
	result, err := h.sessions.RunStep(c.Request.Context(), owner, id, step)
	if err != nil {
		response.Error(c, err)
		return
	}
	payload := dto.StepResponse{SessionID: result.Session.ID, Status: result.Session.Status, Accepted: result.Accepted}
	if result.Accepted {
		response.Accepted(c, payload)
		return
	}
	response.JSON(c, http.StatusOK, payload, nil)
}

// Get godoc
// @Summary Get a session with its outline and prerequisites
// @Tags Sessions
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [get]
func (h *SessionHandler) Get(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	detail, err := h.sessions.Get(c.Request.Context(), owner, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionDetailResponse(detail.Session, detail.Sections, detail.Units, detail.Prerequisites), nil)
}

// Patch godoc
// @Summary Edit session metadata or structure
// @Tags Sessions
// @Accept json
// @Produce json
// @Param id path int true "Session ID"
// @Param payload body dto.PatchSessionRequest true "Fields to change"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id} [patch]
func (h *SessionHandler) Patch(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req dto.PatchSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid session payload"))
		return
	}
	session, err := h.sessions.Patch(c.Request.Context(), owner, id, service.PatchSessionRequest{
		Title:         req.Title,
		Description:   req.Description,
		Level:         req.Level,
		Duration:      req.Duration,
		StructureJSON: req.StructureJSON,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewSessionResponse(session), nil)
}

// Delete godoc
// @Summary Delete a session
// @Tags Sessions
// @Param id path int true "Session ID"
// @Success 204 {string} string "No Content"
// @Router /sessions/{id} [delete]
func (h *SessionHandler) Delete(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	if err := h.sessions.Delete(c.Request.Context(), owner, id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Publish godoc
// @Summary Publish a finished session and notify invited students
// @Tags Sessions
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/publish [post]
func (h *SessionHandler) Publish(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	result, err := h.publication.Publish(c.Request.Context(), owner, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.PublishResponse{Session: dto.NewSessionResponse(result.Session), FirstTime: result.FirstTime}, nil)
}
