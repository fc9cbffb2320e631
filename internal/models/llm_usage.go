package models

import "time"

// LLMUsageLog is an append-only audit row written for every model call attempt.
type LLMUsageLog struct {
	ID               int64     `db:"id" json:"id"`
	UserID           *string   `db:"user_id" json:"user_id,omitempty"`
	Feature          string    `db:"feature" json:"feature"`
	Provider         string    `db:"provider" json:"provider"`
	Model            string    `db:"model" json:"model"`
	InputTokens      *int      `db:"input_tokens" json:"input_tokens,omitempty"`
	OutputTokens     *int      `db:"output_tokens" json:"output_tokens,omitempty"`
	TotalTokens      *int      `db:"total_tokens" json:"total_tokens,omitempty"`
	AudioInputTokens *int      `db:"audio_input_tokens" json:"audio_input_tokens,omitempty"`
	CachedTokens     *int      `db:"cached_tokens" json:"cached_tokens,omitempty"`
	ThinkingTokens   *int      `db:"thinking_tokens" json:"thinking_tokens,omitempty"`
	EstimatedCost    *float64  `db:"estimated_cost" json:"estimated_cost,omitempty"`
	SessionID        *int64    `db:"session_id" json:"session_id,omitempty"`
	DurationMS       int64     `db:"duration_ms" json:"duration_ms"`
	Success          bool      `db:"success" json:"success"`
	ErrorText        *string   `db:"error_text" json:"error_text,omitempty"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
}
