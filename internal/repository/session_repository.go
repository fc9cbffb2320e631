package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

var (
	// ErrAdmissionRefused is returned when the owner already has the maximum number of sessions in progress.
	ErrAdmissionRefused = errors.New("admission refused: too many sessions in progress")
	// ErrDuplicateRequest is returned when (owner, client_request_id) already exists.
	ErrDuplicateRequest = errors.New("duplicate client request id")
)

const uniqueViolation = "23505"

const sessionColumns = `id, owner_id, title, description, level, duration, kind, status, client_request_id,
media_key, media_mime, media_filename, transcript_markdown, structure_json, recap_markdown, exam_prep_json,
llm_provider, llm_model, error_detail, is_published, published_at, created_at, updated_at`

// Admission bounds the sessions an owner may have in progress for one pipeline kind.
type Admission struct {
	MaxActive int
	Active    []models.SessionStatus
}

// SessionRepository persists class-creation sessions.
type SessionRepository struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewSessionRepository constructs a SessionRepository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// Create inserts session under a per-owner advisory lock. When the session carries a client request id
// that already exists, the stored row is returned with existing=true and admission is not checked.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session, admission Admission) (stored *models.Session, existing bool, err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin create session tx: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, session.OwnerID); err != nil {
		return nil, false, fmt.Errorf("lock owner: %w", err)
	}

	if session.ClientRequestID != nil {
		var found models.Session
		query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE owner_id = $1 AND client_request_id = $2`
		switch lookupErr := tx.GetContext(ctx, &found, query, session.OwnerID, *session.ClientRequestID); {
		case lookupErr == nil:
			if err = tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("commit create session tx: %w", err)
			}
			return &found, true, nil
		case !errors.Is(lookupErr, sql.ErrNoRows):
			err = lookupErr
			return nil, false, fmt.Errorf("find session by request id: %w", err)
		}
	}

	if admission.MaxActive > 0 {
		var active int
		const countQuery = `SELECT COUNT(*) FROM class_sessions WHERE owner_id = $1 AND kind = $2 AND status = ANY($3)`
		if err = tx.GetContext(ctx, &active, countQuery, session.OwnerID, session.Kind, pq.Array(statusStrings(admission.Active))); err != nil {
			return nil, false, fmt.Errorf("count active sessions: %w", err)
		}
		if active >= admission.MaxActive {
			err = ErrAdmissionRefused
			return nil, false, err
		}
	}

	now := r.now()
	session.CreatedAt = now
	session.UpdatedAt = now
	const insert = `INSERT INTO class_sessions (owner_id, title, description, level, duration, kind, status, client_request_id,
media_key, media_mime, media_filename, created_at, updated_at)
VALUES (:owner_id, :title, :description, :level, :duration, :kind, :status, :client_request_id,
:media_key, :media_mime, :media_filename, :created_at, :updated_at) RETURNING id`
	rows, err := sqlx.NamedQueryContext(ctx, tx, insert, session)
	if err != nil {
		if isUniqueViolation(err) {
			err = ErrDuplicateRequest
			return nil, false, err
		}
		return nil, false, fmt.Errorf("insert session: %w", err)
	}
	if rows.Next() {
		if err = rows.Scan(&session.ID); err != nil {
			rows.Close()
			return nil, false, fmt.Errorf("scan session id: %w", err)
		}
	}
	rows.Close()

	if err = tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit create session tx: %w", err)
	}
	return session, false, nil
}

// FindByID loads a session regardless of owner.
func (r *SessionRepository) FindByID(ctx context.Context, id int64) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindOwned loads a session only when it belongs to owner.
func (r *SessionRepository) FindOwned(ctx context.Context, id int64, owner string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1 AND owner_id = $2`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id, owner); err != nil {
		return nil, err
	}
	return &session, nil
}

// FindByOwnerRequest loads the session created for (owner, requestID).
func (r *SessionRepository) FindByOwnerRequest(ctx context.Context, owner, requestID string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE owner_id = $1 AND client_request_id = $2`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, owner, requestID); err != nil {
		return nil, err
	}
	return &session, nil
}

// CompareAndSetStatus moves the session from one status to another. It reports false when the
// row is gone or no longer in from.
func (r *SessionRepository) CompareAndSetStatus(ctx context.Context, id int64, from, to models.SessionStatus) (bool, error) {
	const query = `UPDATE class_sessions SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`
	res, err := r.db.ExecContext(ctx, query, id, from, to, r.now())
	if err != nil {
		return false, fmt.Errorf("compare and set status: %w", err)
	}
	return affectedOne(res)
}

// UpdateArtefact writes a stage artefact and advances status in one conditional update.
// ArtefactNone advances status only. Empty provider or model leave the stored values.
func (r *SessionRepository) UpdateArtefact(ctx context.Context, id int64, column models.ArtefactColumn, value string, from, to models.SessionStatus, provider, model string) (bool, error) {
	set := []string{"status = $3", "updated_at = $4",
		"llm_provider = COALESCE(NULLIF($5, ''), llm_provider)",
		"llm_model = COALESCE(NULLIF($6, ''), llm_model)"}
	args := []interface{}{id, from, to, r.now(), provider, model}
	if column != models.ArtefactNone {
		if !column.Valid() {
			return false, fmt.Errorf("update artefact: unknown column %q", column)
		}
		set = append(set, fmt.Sprintf("%s = $7", column))
		args = append(args, value)
	}
	query := fmt.Sprintf("UPDATE class_sessions SET %s WHERE id = $1 AND status = $2", strings.Join(set, ", "))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update artefact: %w", err)
	}
	return affectedOne(res)
}

// MarkFailed sets status failed with a bounded detail. When expected statuses are given the update
// only applies while the session is in one of them. A missing row reports false.
func (r *SessionRepository) MarkFailed(ctx context.Context, id int64, detail string, expected ...models.SessionStatus) (bool, error) {
	query := `UPDATE class_sessions SET status = $2, error_detail = $3, updated_at = $4 WHERE id = $1 AND status <> $2`
	args := []interface{}{id, models.StatusFailed, models.BoundErrorDetail(detail), r.now()}
	if len(expected) > 0 {
		query += ` AND status = ANY($5)`
		args = append(args, pq.Array(statusStrings(expected)))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("mark session failed: %w", err)
	}
	return affectedOne(res)
}

// ClearMedia drops the media reference once the blob has been consumed.
func (r *SessionRepository) ClearMedia(ctx context.Context, id int64) error {
	const query = `UPDATE class_sessions SET media_key = NULL, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, r.now()); err != nil {
		return fmt.Errorf("clear session media: %w", err)
	}
	return nil
}

// Publish flips is_published false -> true while the session sits in one of the ready statuses.
// It reports whether this call made the transition.
func (r *SessionRepository) Publish(ctx context.Context, id int64, ready []models.SessionStatus) (bool, error) {
	now := r.now()
	const query = `UPDATE class_sessions SET is_published = TRUE, published_at = $2, updated_at = $2 WHERE id = $1 AND is_published = FALSE AND status = ANY($3)`
	res, err := r.db.ExecContext(ctx, query, id, now, pq.Array(statusStrings(ready)))
	if err != nil {
		return false, fmt.Errorf("publish session: %w", err)
	}
	return affectedOne(res)
}

// Patch applies metadata edits. A structure_json edit is refused (false) while the session is in
// one of the locked statuses.
func (r *SessionRepository) Patch(ctx context.Context, id int64, owner string, patch models.SessionPatch, locked []models.SessionStatus) (bool, error) {
	var set []string
	args := []interface{}{id, owner}
	add := func(column string, value interface{}) {
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if patch.Title != nil {
		add("title", *patch.Title)
	}
	if patch.Description != nil {
		add("description", *patch.Description)
	}
	if patch.Level != nil {
		add("level", *patch.Level)
	}
	if patch.Duration != nil {
		add("duration", *patch.Duration)
	}
	if patch.StructureJSON != nil {
		add("structure_json", *patch.StructureJSON)
	}
	if len(set) == 0 {
		return true, nil
	}
	add("updated_at", r.now())

	query := fmt.Sprintf("UPDATE class_sessions SET %s WHERE id = $1 AND owner_id = $2", strings.Join(set, ", "))
	if patch.StructureJSON != nil && len(locked) > 0 {
		args = append(args, pq.Array(statusStrings(locked)))
		query += fmt.Sprintf(" AND NOT (status = ANY($%d))", len(args))
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("patch session: %w", err)
	}
	return affectedOne(res)
}

// Delete removes an owned session; child rows cascade.
func (r *SessionRepository) Delete(ctx context.Context, id int64, owner string) (bool, error) {
	const query = `DELETE FROM class_sessions WHERE id = $1 AND owner_id = $2`
	res, err := r.db.ExecContext(ctx, query, id, owner)
	if err != nil {
		return false, fmt.Errorf("delete session: %w", err)
	}
	return affectedOne(res)
}

// MarkStale fails every session stuck in one of statuses since before cutoff and returns their ids.
func (r *SessionRepository) MarkStale(ctx context.Context, cutoff time.Time, statuses []models.SessionStatus, detail string) ([]int64, error) {
	const query = `UPDATE class_sessions SET status = $1, error_detail = $2, updated_at = $3
WHERE updated_at < $4 AND status = ANY($5) RETURNING id`
	var ids []int64
	if err := r.db.SelectContext(ctx, &ids, query, models.StatusFailed, models.BoundErrorDetail(detail), r.now(), cutoff, pq.Array(statusStrings(statuses))); err != nil {
		return nil, fmt.Errorf("mark stale sessions: %w", err)
	}
	return ids, nil
}

// CountByStatus groups sessions by kind and status.
func (r *SessionRepository) CountByStatus(ctx context.Context) ([]models.StatusCount, error) {
	const query = `SELECT kind, status, COUNT(*) AS total FROM class_sessions GROUP BY kind, status ORDER BY kind, status`
	var counts []models.StatusCount
	if err := r.db.SelectContext(ctx, &counts, query); err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	return counts, nil
}

func affectedOne(res sql.Result) (bool, error) {
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

func statusStrings(statuses []models.SessionStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}
