package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// InvitationRepository persists phone invitations and their cross-session mirror.
type InvitationRepository struct {
	db *sqlx.DB
}

// NewInvitationRepository constructs an InvitationRepository.
func NewInvitationRepository(db *sqlx.DB) *InvitationRepository {
	return &InvitationRepository{db: db}
}

// InsertMany inserts (phone, code) pairs, silently skipping pairs that collide on phone or code,
// and returns the rows actually inserted. Inserted pairs are mirrored into phone_invite_codes.
func (r *InvitationRepository) InsertMany(ctx context.Context, sessionID int64, phones, codes []string) ([]models.Invitation, error) {
	if len(phones) != len(codes) {
		return nil, fmt.Errorf("insert invitations: %d phones for %d codes", len(phones), len(codes))
	}
	if len(phones) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin invitations tx: %w", err)
	}

	const insert = `INSERT INTO session_invitations (session_id, phone, invite_code)
SELECT $1, p, c FROM unnest($2::text[], $3::text[]) AS t(p, c)
ON CONFLICT DO NOTHING
RETURNING id, session_id, phone, invite_code, created_at`
	var inserted []models.Invitation
	if err := tx.SelectContext(ctx, &inserted, insert, sessionID, pq.Array(phones), pq.Array(codes)); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("insert invitations: %w", err)
	}

	if len(inserted) > 0 {
		mirrorPhones := make([]string, len(inserted))
		mirrorCodes := make([]string, len(inserted))
		for i, inv := range inserted {
			mirrorPhones[i], mirrorCodes[i] = inv.Phone, inv.InviteCode
		}
		const mirror = `INSERT INTO phone_invite_codes (phone, invite_code, session_id)
SELECT p, c, $1 FROM unnest($2::text[], $3::text[]) AS t(p, c)
ON CONFLICT DO NOTHING`
		if _, err := tx.ExecContext(ctx, mirror, sessionID, pq.Array(mirrorPhones), pq.Array(mirrorCodes)); err != nil {
			_ = tx.Rollback()
			return nil, fmt.Errorf("mirror invite codes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit invitations tx: %w", err)
	}
	return inserted, nil
}

// ListBySession returns every invitation of a session.
func (r *InvitationRepository) ListBySession(ctx context.Context, sessionID int64) ([]models.Invitation, error) {
	const query = `SELECT id, session_id, phone, invite_code, created_at FROM session_invitations WHERE session_id = $1 ORDER BY id`
	var items []models.Invitation
	if err := r.db.SelectContext(ctx, &items, query, sessionID); err != nil {
		return nil, fmt.Errorf("list invitations: %w", err)
	}
	return items, nil
}
