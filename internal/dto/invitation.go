package dto

import (
	"time"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// CreateInvitationsRequest defines payload for inviting phones to a session.
type CreateInvitationsRequest struct {
	Phones []string `json:"phones"`
}

// InvitationItem is one issued invitation.
type InvitationItem struct {
	Phone      string    `json:"phone"`
	InviteCode string    `json:"inviteCode"`
	CreatedAt  time.Time `json:"createdAt"`
}

// NewInvitationItems maps stored invitations to their client view.
func NewInvitationItems(items []models.Invitation) []InvitationItem {
	out := make([]InvitationItem, 0, len(items))
	for _, item := range items {
		out = append(out, InvitationItem{Phone: item.Phone, InviteCode: item.InviteCode, CreatedAt: item.CreatedAt})
	}
	return out
}
