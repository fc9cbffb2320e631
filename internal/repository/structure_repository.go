package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// StructureRepository keeps the Section/Unit projection of a session's structure JSON.
type StructureRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewStructureRepository constructs a StructureRepository.
func NewStructureRepository(db *sqlx.DB) *StructureRepository {
	return &StructureRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// ReplaceOutline upserts sections and units by external id and deletes rows whose external id
// is no longer in outline, all in one transaction.
func (r *StructureRepository) ReplaceOutline(ctx context.Context, sessionID int64, outline models.Outline) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outline tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = writeOutline(ctx, tx, sessionID, outline); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit outline tx: %w", err)
	}
	return nil
}

// CommitOutline stores structureJSON, advances status from -> to and rewrites the outline rows
// in one transaction. Nothing is written and false is returned when the session left from.
func (r *StructureRepository) CommitOutline(ctx context.Context, sessionID int64, outline models.Outline, structureJSON string, from, to models.SessionStatus, provider, model string) (advanced bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin outline tx: %w", err)
	}
	defer func() {
		if err != nil || !advanced {
			_ = tx.Rollback()
		}
	}()

	const update = `UPDATE class_sessions SET structure_json = $3, status = $4, updated_at = $5,
llm_provider = COALESCE(NULLIF($6, ''), llm_provider), llm_model = COALESCE(NULLIF($7, ''), llm_model)
WHERE id = $1 AND status = $2`
	res, err := tx.ExecContext(ctx, update, sessionID, from, structureJSON, to, r.now(), provider, model)
	if err != nil {
		return false, fmt.Errorf("update structure: %w", err)
	}
	if advanced, err = affectedOne(res); err != nil || !advanced {
		return false, err
	}
	if err = writeOutline(ctx, tx, sessionID, outline); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit outline tx: %w", err)
	}
	return true, nil
}

func writeOutline(ctx context.Context, tx *sqlx.Tx, sessionID int64, outline models.Outline) error {
	const upsertSection = `INSERT INTO session_sections (session_id, external_id, ord, title)
VALUES ($1, $2, $3, $4)
ON CONFLICT (session_id, external_id) DO UPDATE SET ord = EXCLUDED.ord, title = EXCLUDED.title
RETURNING id`
	const upsertUnit = `INSERT INTO session_units (session_id, section_id, external_id, ord, title, merrill_type, source_markdown, content_markdown, image_ideas)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (session_id, external_id) DO UPDATE SET section_id = EXCLUDED.section_id, ord = EXCLUDED.ord,
title = EXCLUDED.title, merrill_type = EXCLUDED.merrill_type, source_markdown = EXCLUDED.source_markdown,
content_markdown = EXCLUDED.content_markdown, image_ideas = EXCLUDED.image_ideas`

	sectionIDs := make([]string, 0, len(outline.Sections))
	unitIDs := []string{}
	for i, section := range outline.Sections {
		var rowID int64
		if err := tx.GetContext(ctx, &rowID, upsertSection, sessionID, section.ID, i+1, section.Title); err != nil {
			return fmt.Errorf("upsert section %s: %w", section.ID, err)
		}
		sectionIDs = append(sectionIDs, section.ID)
		for j, unit := range section.Units {
			if _, err := tx.ExecContext(ctx, upsertUnit, sessionID, rowID, unit.ID, j+1, unit.Title, unit.MerrillType,
				unit.SourceMarkdown, unit.ContentMarkdown, models.StringList(unit.ImageIdeas)); err != nil {
				return fmt.Errorf("upsert unit %s: %w", unit.ID, err)
			}
			unitIDs = append(unitIDs, unit.ID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_units WHERE session_id = $1 AND NOT (external_id = ANY($2))`, sessionID, pq.Array(unitIDs)); err != nil {
		return fmt.Errorf("delete stale units: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_sections WHERE session_id = $1 AND NOT (external_id = ANY($2))`, sessionID, pq.Array(sectionIDs)); err != nil {
		return fmt.Errorf("delete stale sections: %w", err)
	}
	return nil
}

// ListSections returns a session's sections in order.
func (r *StructureRepository) ListSections(ctx context.Context, sessionID int64) ([]models.Section, error) {
	const query = `SELECT id, session_id, external_id, ord, title FROM session_sections WHERE session_id = $1 ORDER BY ord`
	var sections []models.Section
	if err := r.db.SelectContext(ctx, &sections, query, sessionID); err != nil {
		return nil, fmt.Errorf("list sections: %w", err)
	}
	return sections, nil
}

// ListUnits returns a session's units in section then unit order.
func (r *StructureRepository) ListUnits(ctx context.Context, sessionID int64) ([]models.Unit, error) {
	const query = `SELECT u.id, u.session_id, u.section_id, u.external_id, u.ord, u.title, u.merrill_type,
u.source_markdown, u.content_markdown, u.image_ideas
FROM session_units u JOIN session_sections s ON s.id = u.section_id
WHERE u.session_id = $1 ORDER BY s.ord, u.ord`
	var units []models.Unit
	if err := r.db.SelectContext(ctx, &units, query, sessionID); err != nil {
		return nil, fmt.Errorf("list units: %w", err)
	}
	return units, nil
}
