package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// PrerequisiteRepository stores the ordered prerequisite list of a session.
type PrerequisiteRepository struct {
	db *sqlx.DB
}

// NewPrerequisiteRepository constructs a PrerequisiteRepository.
func NewPrerequisiteRepository(db *sqlx.DB) *PrerequisiteRepository {
	return &PrerequisiteRepository{db: db}
}

// Replace swaps the session's prerequisites for names, numbered from 1. Names must already be distinct.
func (r *PrerequisiteRepository) Replace(ctx context.Context, sessionID int64, names []string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prerequisites tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_prerequisites WHERE session_id = $1`, sessionID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clear prerequisites: %w", err)
	}
	const insert = `INSERT INTO session_prerequisites (session_id, ord, name, teaching_text) VALUES ($1, $2, $3, '')`
	for i, name := range names {
		if _, err := tx.ExecContext(ctx, insert, sessionID, i+1, name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert prerequisite %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prerequisites tx: %w", err)
	}
	return nil
}

// List returns prerequisites in order.
func (r *PrerequisiteRepository) List(ctx context.Context, sessionID int64) ([]models.Prerequisite, error) {
	const query = `SELECT id, session_id, ord, name, teaching_text FROM session_prerequisites WHERE session_id = $1 ORDER BY ord`
	var items []models.Prerequisite
	if err := r.db.SelectContext(ctx, &items, query, sessionID); err != nil {
		return nil, fmt.Errorf("list prerequisites: %w", err)
	}
	return items, nil
}

// SetTeachingText stores the generated lesson for one prerequisite.
func (r *PrerequisiteRepository) SetTeachingText(ctx context.Context, id int64, text string) error {
	const query = `UPDATE session_prerequisites SET teaching_text = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, text); err != nil {
		return fmt.Errorf("set teaching text: %w", err)
	}
	return nil
}
