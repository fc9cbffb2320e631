package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/sma-class-pipeline/internal/dto"
	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/service"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/response"
)

type invitationService interface {
	Create(ctx context.Context, owner string, sessionID int64, req service.CreateInvitationsRequest) ([]models.Invitation, error)
	List(ctx context.Context, owner string, sessionID int64) ([]models.Invitation, error)
}

// InvitationHandler exposes phone invitation endpoints of a session.
type InvitationHandler struct {
	service invitationService
}

// NewInvitationHandler builds a new handler.
func NewInvitationHandler(service invitationService) *InvitationHandler {
	return &InvitationHandler{service: service}
}

// Create godoc
// @Summary Invite phone numbers to a session
// @Tags Invitations
// @Accept json
// @Produce json
// @Param id path int true "Session ID"
// @Param payload body dto.CreateInvitationsRequest true "Phones"
// @Success 201 {object} response.Envelope
// @Router /sessions/{id}/invitations [post]
func (h *InvitationHandler) Create(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	var req dto.CreateInvitationsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid invitation payload"))
		return
	}
	items, err := h.service.Create(c.Request.Context(), owner, id, service.CreateInvitationsRequest{Phones: req.Phones})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, dto.NewInvitationItems(items))
}

// List godoc
// @Summary List invitations of a session
// @Tags Invitations
// @Produce json
// @Param id path int true "Session ID"
// @Success 200 {object} response.Envelope
// @Router /sessions/{id}/invitations [get]
func (h *InvitationHandler) List(c *gin.Context) {
	owner, ok := ownerFromContext(c)
	if !ok {
		return
	}
	id, ok := sessionIDParam(c)
	if !ok {
		return
	}
	items, err := h.service.List(c.Request.Context(), owner, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewInvitationItems(items), map[string]interface{}{"total": len(items)})
}
