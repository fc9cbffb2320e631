package sms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/pkg/config"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

const (
	defaultBaseURL = "https://api.sms-gateway.example/v1"
	sendPath       = "/send"
	// MaxBatch is the largest number of requests the vendor accepts in one call.
	MaxBatch = 1000
	// TypePersonalised marks a batch where every recipient gets their own text.
	TypePersonalised = "PeerToPeer"
)

// ErrNotConfigured is returned when no vendor key is set.
var ErrNotConfigured = errors.New("sms: vendor api key not configured")

// Message is one personalised text.
type Message struct {
	RefID      string
	Text       string
	Recipients []string
}

// Failure is a per-message rejection inside an otherwise accepted batch.
type Failure struct {
	RefID  string
	Reason string
}

// Result summarises one vendor call.
type Result struct {
	Accepted int
	Failures []Failure
}

// VendorError carries a non-2xx vendor status.
type VendorError struct {
	StatusCode int
	Body       string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("sms vendor returned %d: %s", e.StatusCode, e.Body)
}

// Client sends batches to the SMS vendor.
type Client interface {
	Send(ctx context.Context, messages []Message) (Result, error)
}

type sendRequest struct {
	Type       string     `json:"Type"`
	LineNumber string     `json:"LineNumber,omitempty"`
	Requests   []sendItem `json:"Requests"`
}

type sendItem struct {
	RefID       string   `json:"RefId"`
	TextMessage string   `json:"TextMessage"`
	Recipients  []string `json:"Recipients"`
}

type sendResponse struct {
	Status  int    `json:"Status"`
	Message string `json:"Message"`
	Data    []struct {
		RefID  string `json:"RefId"`
		Status int    `json:"Status"`
		Error  string `json:"Error"`
	} `json:"Data"`
}

type httpClient struct {
	apiKey     string
	baseURL    string
	lineNumber string
	http       *http.Client
	logger     *zap.Logger
}

// NewClient builds the HTTP vendor client. A nil httpc gets a 30 second timeout.
func NewClient(cfg config.SMSConfig, httpc *http.Client, logger *zap.Logger) Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpc == nil {
		httpc = &http.Client{Timeout: 30 * time.Second}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &httpClient{
		apiKey:     strings.TrimSpace(cfg.APIKey),
		baseURL:    base,
		lineNumber: strings.TrimSpace(cfg.LineNumber),
		http:       httpc,
		logger:     logger.With(zap.String("client", "sms")),
	}
}

// Send posts one batch. 4xx responses are wrapped with jobs.Permanent so the queue does not retry them.
func (c *httpClient) Send(ctx context.Context, messages []Message) (Result, error) {
	if c.apiKey == "" {
		return Result{}, jobs.Permanent(ErrNotConfigured)
	}
	if len(messages) == 0 {
		return Result{}, nil
	}
	if len(messages) > MaxBatch {
		return Result{}, jobs.Permanent(fmt.Errorf("sms: batch of %d exceeds %d", len(messages), MaxBatch))
	}

	payload := sendRequest{Type: TypePersonalised, LineNumber: c.lineNumber, Requests: make([]sendItem, 0, len(messages))}
	for _, m := range messages {
		payload.Requests = append(payload.Requests, sendItem{RefID: m.RefID, TextMessage: m.Text, Recipients: m.Recipients})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, jobs.Permanent(fmt.Errorf("sms: encode payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+sendPath, bytes.NewReader(body))
	if err != nil {
		return Result{}, jobs.Permanent(fmt.Errorf("sms: new request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-API-KEY", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sms: send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode >= 400 {
		vendorErr := &VendorError{StatusCode: resp.StatusCode, Body: truncate(strings.TrimSpace(string(raw)), 500)}
		if resp.StatusCode < 500 {
			return Result{}, jobs.Permanent(vendorErr)
		}
		return Result{}, vendorErr
	}

	var decoded sendResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			c.logger.Sugar().Warnw("unreadable sms vendor response", "error", err)
			return Result{Accepted: len(messages)}, nil
		}
	}
	result := Result{}
	failed := map[string]bool{}
	for _, item := range decoded.Data {
		if item.Status != 0 && item.Status != http.StatusOK {
			result.Failures = append(result.Failures, Failure{RefID: item.RefID, Reason: item.Error})
			failed[item.RefID] = true
		}
	}
	result.Accepted = len(messages) - len(failed)
	return result, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
