package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var sessionRowColumns = []string{"id", "owner_id", "title", "description", "level", "duration", "kind", "status", "client_request_id",
	"media_key", "media_mime", "media_filename", "transcript_markdown", "structure_json", "recap_markdown", "exam_prep_json",
	"llm_provider", "llm_model", "error_detail", "is_published", "published_at", "created_at", "updated_at"}

func sessionRows(id int64, owner string, status models.SessionStatus, requestID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(sessionRowColumns).AddRow(id, owner, "Algebra", "", "", "", "class", string(status), requestID,
		"sessions/t1/a.mp4", "video/mp4", "a.mp4", "", "", "", "", "", "", "", false, nil, now, now)
}

func fixedRepo(db *sqlx.DB) *SessionRepository {
	repo := NewSessionRepository(db)
	repo.now = func() time.Time { return time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC) }
	return repo
}

func newSession(requestID *string) *models.Session {
	return &models.Session{OwnerID: "teacher-1", Title: "Algebra", Kind: models.KindClass, Status: models.StatusTranscribing, ClientRequestID: requestID}
}

func TestSessionRepositoryCreateInsertsUnderLock(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)
	requestID := "0b8f6f2e-1c8b-4f55-9a53-3c2cfd3b6a11"

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("SELECT pg_advisory_xact_lock(hashtext($1))")).WithArgs("teacher-1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM class_sessions WHERE owner_id = \\$1 AND client_request_id = \\$2").
		WithArgs("teacher-1", requestID).WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM class_sessions WHERE owner_id = $1 AND kind = $2 AND status = ANY($3)")).
		WithArgs("teacher-1", "class", sqlmock.AnyArg()).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))
	mock.ExpectQuery("INSERT INTO class_sessions").WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(77))
	mock.ExpectCommit()

	stored, existing, err := repo.Create(context.Background(), newSession(&requestID), Admission{MaxActive: 5, Active: models.TransitionalStatusesFor(models.KindClass)})
	require.NoError(t, err)
	assert.False(t, existing)
	assert.Equal(t, int64(77), stored.ID)
	assert.Equal(t, repo.now(), stored.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateReturnsExistingRequest(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)
	requestID := "req-1"

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM class_sessions WHERE owner_id = \\$1 AND client_request_id = \\$2").
		WithArgs("teacher-1", requestID).WillReturnRows(sessionRows(12, "teacher-1", models.StatusStructuring, requestID))
	mock.ExpectCommit()

	stored, existing, err := repo.Create(context.Background(), newSession(&requestID), Admission{MaxActive: 5})
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, int64(12), stored.ID)
	assert.Equal(t, models.StatusStructuring, stored.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateRefusesOverCap(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT COUNT").WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectRollback()

	_, _, err := repo.Create(context.Background(), newSession(nil), Admission{MaxActive: 5, Active: models.TransitionalStatuses()})
	assert.ErrorIs(t, err, ErrAdmissionRefused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCreateMapsUniqueViolation(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("INSERT INTO class_sessions").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, _, err := repo.Create(context.Background(), newSession(nil), Admission{})
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryFindOwned(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectQuery("FROM class_sessions WHERE id = \\$1 AND owner_id = \\$2").
		WithArgs(int64(9), "teacher-2").WillReturnError(sql.ErrNoRows)

	_, err := repo.FindOwned(context.Background(), 9, "teacher-2")
	assert.True(t, errors.Is(err, sql.ErrNoRows))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryUpdateArtefactIsConditional(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET status = $3, updated_at = $4, llm_provider = COALESCE(NULLIF($5, ''), llm_provider), llm_model = COALESCE(NULLIF($6, ''), llm_model), transcript_markdown = $7 WHERE id = $1 AND status = $2")).
		WithArgs(int64(1), "transcribing", "transcribed", repo.now(), "gemini", "gemini-2.5-flash", "## transcript").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET status = $3, updated_at = $4, llm_provider = COALESCE(NULLIF($5, ''), llm_provider), llm_model = COALESCE(NULLIF($6, ''), llm_model) WHERE id = $1 AND status = $2")).
		WithArgs(int64(1), "prereq_teaching", "prereq_taught", repo.now(), "", "").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.UpdateArtefact(context.Background(), 1, models.ArtefactTranscript, "## transcript", models.StatusTranscribing, models.StatusTranscribed, "gemini", "gemini-2.5-flash")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateArtefact(context.Background(), 1, models.ArtefactNone, "", models.StatusPrereqTeaching, models.StatusPrereqTaught, "", "")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = repo.UpdateArtefact(context.Background(), 1, models.ArtefactColumn("owner_id"), "x", models.StatusTranscribing, models.StatusTranscribed, "", "")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryMarkFailedBoundsDetail(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	long := make([]rune, models.MaxErrorDetailRunes+50)
	for i := range long {
		long[i] = 'x'
	}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET status = $2, error_detail = $3, updated_at = $4 WHERE id = $1 AND status <> $2 AND status = ANY($5)")).
		WithArgs(int64(3), "failed", string(long[:models.MaxErrorDetailRunes]), repo.now(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status <> $2")).
		WithArgs(int64(4), "failed", "boom", repo.now()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := repo.MarkFailed(context.Background(), 3, string(long), models.StatusStructuring)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkFailed(context.Background(), 4, "boom")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryPublishReportsTransition(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	query := regexp.QuoteMeta("UPDATE class_sessions SET is_published = TRUE, published_at = $2, updated_at = $2 WHERE id = $1 AND is_published = FALSE AND status = ANY($3)")
	ready := []models.SessionStatus{models.StatusRecapped}
	mock.ExpectExec(query).WithArgs(int64(5), repo.now(), pq.Array([]string{"recapped"})).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(query).WithArgs(int64(5), repo.now(), pq.Array([]string{"recapped"})).WillReturnResult(sqlmock.NewResult(0, 0))

	first, err := repo.Publish(context.Background(), 5, ready)
	require.NoError(t, err)
	second, err := repo.Publish(context.Background(), 5, ready)
	require.NoError(t, err)
	assert.True(t, first)
	assert.False(t, second)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryPatchGuardsStructureWhileRunning(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)
	title := "New title"
	structure := `{"sections":[{"id":"s1"}]}`

	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET title = $3, structure_json = $4, updated_at = $5 WHERE id = $1 AND owner_id = $2 AND NOT (status = ANY($6))")).
		WithArgs(int64(8), "teacher-1", title, structure, repo.now(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET title = $3, updated_at = $4 WHERE id = $1 AND owner_id = $2")).
		WithArgs(int64(8), "teacher-1", title, repo.now()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := repo.Patch(context.Background(), 8, "teacher-1", models.SessionPatch{Title: &title, StructureJSON: &structure}, models.TransitionalStatuses())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.Patch(context.Background(), 8, "teacher-1", models.SessionPatch{Title: &title}, models.TransitionalStatuses())
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Patch(context.Background(), 8, "teacher-1", models.SessionPatch{}, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryMarkStaleReturnsIDs(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)
	cutoff := repo.now().Add(-2 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE updated_at < $4 AND status = ANY($5) RETURNING id")).
		WithArgs("failed", "stuck", repo.now(), cutoff, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)).AddRow(int64(2)))

	ids, err := repo.MarkStale(context.Background(), cutoff, models.TransitionalStatuses(), "stuck")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryDeleteAndClearMedia(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE class_sessions SET media_key = NULL, updated_at = $2 WHERE id = $1")).
		WithArgs(int64(6), repo.now()).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM class_sessions WHERE id = $1 AND owner_id = $2")).
		WithArgs(int64(6), "teacher-1").WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.ClearMedia(context.Background(), 6))
	deleted, err := repo.Delete(context.Background(), 6, "teacher-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSessionRepositoryCountByStatus(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := fixedRepo(db)

	mock.ExpectQuery("GROUP BY kind, status").
		WillReturnRows(sqlmock.NewRows([]string{"kind", "status", "total"}).AddRow("class", "recapped", 3).AddRow("class", "failed", 1))

	counts, err := repo.CountByStatus(context.Background())
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, models.StatusRecapped, counts[0].Status)
	assert.Equal(t, 3, counts[0].Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}
