package service

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/text/width"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
)

const (
	inviteCodeSpace  = 1000000
	inviteCodeRounds = 5
)

type invitationStore interface {
	InsertMany(ctx context.Context, sessionID int64, phones, codes []string) ([]models.Invitation, error)
	ListBySession(ctx context.Context, sessionID int64) ([]models.Invitation, error)
}

type invitationSessionReader interface {
	FindOwned(ctx context.Context, id int64, owner string) (*models.Session, error)
}

// CreateInvitationsRequest represents payload for inviting phones to a session.
type CreateInvitationsRequest struct {
	Phones []string `json:"phones" validate:"required,min=1,max=5000,dive,required,max=32"`
}

// InvitationService issues phone invitations with per-session unique codes.
type InvitationService struct {
	sessions  invitationSessionReader
	store     invitationStore
	validator *validator.Validate
	logger    *zap.Logger
	newCode   func() (string, error)
}

// NewInvitationService constructs an InvitationService.
func NewInvitationService(sessions invitationSessionReader, store invitationStore, validate *validator.Validate, logger *zap.Logger) *InvitationService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InvitationService{sessions: sessions, store: store, validator: validate, logger: logger, newCode: randomInviteCode}
}

// Create invites every phone once. Phones already invited keep their code; the result lists the
// invitation of every requested phone in request order.
func (s *InvitationService) Create(ctx context.Context, owner string, sessionID int64, req CreateInvitationsRequest) ([]models.Invitation, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid invitation payload")
	}
	if _, err := s.sessions.FindOwned(ctx, sessionID, owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}

	phones := make([]string, 0, len(req.Phones))
	requested := make(map[string]struct{}, len(req.Phones))
	for _, raw := range req.Phones {
		phone, ok := NormalizePhone(raw)
		if !ok {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("invalid phone number %q", strings.TrimSpace(raw)))
		}
		if _, dup := requested[phone]; dup {
			continue
		}
		requested[phone] = struct{}{}
		phones = append(phones, phone)
	}

	byPhone, used, err := s.snapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	pending := missingPhones(phones, byPhone)
	for round := 0; round < inviteCodeRounds && len(pending) > 0; round++ {
		codes := make([]string, len(pending))
		for i := range pending {
			code, err := s.uniqueCode(used)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
			}
			codes[i] = code
		}
		inserted, err := s.store.InsertMany(ctx, sessionID, pending, codes)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
		}
		for _, inv := range inserted {
			byPhone[inv.Phone] = inv
		}
		if len(inserted) == len(pending) {
			pending = nil
			break
		}
		// Rows were coalesced: either the phone was invited concurrently or the code was taken.
		if byPhone, used, err = s.snapshot(ctx, sessionID); err != nil {
			return nil, err
		}
		pending = missingPhones(phones, byPhone)
		s.logger.Sugar().Debugw("regenerating invite codes", "session_id", sessionID, "remaining", len(pending), "round", round+1)
	}
	if len(pending) > 0 {
		s.logger.Sugar().Errorw("could not allocate invite codes", "session_id", sessionID, "remaining", len(pending))
		return nil, appErrors.Clone(appErrors.ErrInternal, "could not allocate invite codes, please retry")
	}

	out := make([]models.Invitation, 0, len(phones))
	for _, phone := range phones {
		out = append(out, byPhone[phone])
	}
	s.logger.Sugar().Infow("invitations created", "session_id", sessionID, "count", len(out))
	return out, nil
}

// List returns the invitations of an owned session.
func (s *InvitationService) List(ctx context.Context, owner string, sessionID int64) ([]models.Invitation, error) {
	if _, err := s.sessions.FindOwned(ctx, sessionID, owner); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	items, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	return items, nil
}

func (s *InvitationService) snapshot(ctx context.Context, sessionID int64) (map[string]models.Invitation, map[string]struct{}, error) {
	existing, err := s.store.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, appErrors.ErrInternal.Message)
	}
	byPhone := make(map[string]models.Invitation, len(existing))
	used := make(map[string]struct{}, len(existing))
	for _, inv := range existing {
		byPhone[inv.Phone] = inv
		used[inv.InviteCode] = struct{}{}
	}
	return byPhone, used, nil
}

func (s *InvitationService) uniqueCode(used map[string]struct{}) (string, error) {
	if len(used) >= inviteCodeSpace {
		return "", errors.New("invite code space exhausted")
	}
	for {
		code, err := s.newCode()
		if err != nil {
			return "", err
		}
		if _, taken := used[code]; !taken {
			used[code] = struct{}{}
			return code, nil
		}
	}
}

func missingPhones(phones []string, byPhone map[string]models.Invitation) []string {
	var out []string
	for _, phone := range phones {
		if _, ok := byPhone[phone]; !ok {
			out = append(out, phone)
		}
	}
	return out
}

func randomInviteCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(inviteCodeSpace))
	if err != nil {
		return "", fmt.Errorf("generate invite code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// NormalizePhone folds full-width, Persian and Arabic-Indic digits to ASCII, drops separators,
// and rewrites Iranian international prefixes (+98, 0098, 98) to the local 0 form.
func NormalizePhone(raw string) (string, bool) {
	narrow := width.Narrow.String(strings.TrimSpace(raw))
	var b strings.Builder
	for _, r := range narrow {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= '۰' && r <= '۹':
			b.WriteRune('0' + (r - '۰'))
		case r >= '٠' && r <= '٩':
			b.WriteRune('0' + (r - '٠'))
		case r == '+' && b.Len() == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return "", false
		}
	}
	phone := b.String()
	switch {
	case strings.HasPrefix(phone, "+98"):
		phone = "0" + phone[3:]
	case strings.HasPrefix(phone, "0098"):
		phone = "0" + phone[4:]
	case strings.HasPrefix(phone, "98") && len(phone) == 12:
		phone = "0" + phone[2:]
	case strings.HasPrefix(phone, "9") && len(phone) == 10:
		phone = "0" + phone
	}
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 8 || len(digits) > 15 {
		return "", false
	}
	return phone, true
}
