package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
)

// LLMUsageRepository appends model call audit rows.
type LLMUsageRepository struct {
	db *sqlx.DB
}

// NewLLMUsageRepository constructs an LLMUsageRepository.
func NewLLMUsageRepository(db *sqlx.DB) *LLMUsageRepository {
	return &LLMUsageRepository{db: db}
}

// Record inserts one usage row. Rows are never updated.
func (r *LLMUsageRepository) Record(ctx context.Context, entry *models.LLMUsageLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO llm_usage_logs (user_id, feature, provider, model, input_tokens, output_tokens, total_tokens,
audio_input_tokens, cached_tokens, thinking_tokens, estimated_cost, session_id, duration_ms, success, error_text, created_at)
VALUES (:user_id, :feature, :provider, :model, :input_tokens, :output_tokens, :total_tokens,
:audio_input_tokens, :cached_tokens, :thinking_tokens, :estimated_cost, :session_id, :duration_ms, :success, :error_text, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("record llm usage: %w", err)
	}
	return nil
}

// UsageSummary aggregates calls per feature since a point in time.
type UsageSummary struct {
	Feature  string  `db:"feature" json:"feature"`
	Calls    int     `db:"calls" json:"calls"`
	Failures int     `db:"failures" json:"failures"`
	Tokens   int64   `db:"tokens" json:"tokens"`
	Cost     float64 `db:"cost" json:"cost"`
}

// Summarise returns per-feature totals of calls recorded since since.
func (r *LLMUsageRepository) Summarise(ctx context.Context, since time.Time) ([]UsageSummary, error) {
	const query = `SELECT feature, COUNT(*) AS calls,
COUNT(*) FILTER (WHERE NOT success) AS failures,
COALESCE(SUM(total_tokens), 0) AS tokens,
COALESCE(SUM(estimated_cost), 0)::float8 AS cost
FROM llm_usage_logs WHERE created_at >= $1 GROUP BY feature ORDER BY feature`
	var rows []UsageSummary
	if err := r.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, fmt.Errorf("summarise llm usage: %w", err)
	}
	return rows, nil
}
