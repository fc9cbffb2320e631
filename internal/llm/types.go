// Package llm wraps the language-model providers behind one retrying, failing-over gateway.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Part is one element of a multimodal prompt: text or an inline media blob.
type Part struct {
	Text string
	Data []byte
	MIME string
}

// IsMedia reports whether the part carries a blob.
func (p Part) IsMedia() bool { return len(p.Data) > 0 }

// Request is a single generation request.
type Request struct {
	Feature Feature
	// Provider overrides the configured primary for this call.
	Provider   string
	Model      string
	System     string
	Prompt     string
	Parts      []Part
	JSON       bool
	SchemaHint string
}

// Usage holds token counts reported by a provider. Absent counts stay nil.
type Usage struct {
	InputTokens      *int
	OutputTokens     *int
	TotalTokens      *int
	AudioInputTokens *int
	CachedTokens     *int
	ThinkingTokens   *int
}

// Response is the strict form every provider adapter produces.
type Response struct {
	Text       string
	Usage      *Usage
	Candidates []string
	Provider   string
	Model      string
}

// Provider is one vendor adapter.
type Provider interface {
	Name() string
	DefaultModel() string
	Generate(ctx context.Context, model string, req Request) (Response, error)
}

// Audit identifies who a call is made for. It is passed explicitly with every call.
type Audit struct {
	UserID    *string
	SessionID *int64
}

// AuditFor builds an audit context for a session owned by userID.
func AuditFor(userID string, sessionID int64) Audit {
	audit := Audit{SessionID: &sessionID}
	if userID != "" {
		audit.UserID = &userID
	}
	return audit
}

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm: empty response")

// ProviderError is a vendor failure. Fatal errors are never retried on the same provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Fatal      bool
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: http %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a provider refusal that retrying cannot fix.
func IsFatal(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Fatal
}

// statusIsFatal treats client errors as refusals, except timeouts and rate limits.
func statusIsFatal(status int) bool {
	if status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
		return false
	}
	return status >= 400 && status < 500
}

func intPtr(v int) *int { return &v }

func truncate(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
