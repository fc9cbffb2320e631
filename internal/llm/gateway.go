package llm

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	appErrors "github.com/noah-isme/sma-class-pipeline/pkg/errors"
	"github.com/noah-isme/sma-class-pipeline/pkg/jsonsalvage"
	"github.com/noah-isme/sma-class-pipeline/pkg/tracing"
)

const (
	defaultAttempts  = 3
	defaultBaseDelay = time.Second
	defaultMaxDelay  = 10 * time.Second
	auditTimeout     = 5 * time.Second
)

// Call outcomes reported to a CallObserver.
const (
	OutcomeSuccess = "success"
	OutcomeEmpty   = "empty"
	OutcomeError   = "error"
)

// UsageRecorder persists one usage log row per attempt.
type UsageRecorder interface {
	Record(ctx context.Context, entry *models.LLMUsageLog) error
}

// CallObserver receives every attempt outcome (used for metrics).
type CallObserver func(provider string, feature Feature, outcome string, elapsed time.Duration)

// GatewayConfig tunes provider selection and the retry policy.
type GatewayConfig struct {
	Primary      string
	Models       ModelTable
	Timeouts     Timeouts
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	RepairPasses int
}

// Gateway issues generation requests with per-provider retries and failover.
type Gateway struct {
	providers []Provider
	cfg       GatewayConfig
	recorder  UsageRecorder
	observer  CallObserver
	sleeper   func(context.Context, time.Duration) error
	now       func() time.Time
	logger    *zap.Logger
}

// Option customises a Gateway.
type Option func(*Gateway)

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(context.Context, time.Duration) error) Option {
	return func(g *Gateway) {
		if sleeper != nil {
			g.sleeper = sleeper
		}
	}
}

// WithObserver registers a per-attempt observer.
func WithObserver(observer CallObserver) Option {
	return func(g *Gateway) { g.observer = observer }
}

// NewGateway builds a gateway over the configured providers. Nil providers are skipped.
func NewGateway(providers []Provider, recorder UsageRecorder, logger *zap.Logger, cfg GatewayConfig, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.RepairPasses <= 0 {
		cfg.RepairPasses = jsonsalvage.DefaultRepairPasses
	}
	active := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p != nil {
			active = append(active, p)
		}
	}
	g := &Gateway{
		providers: active,
		cfg:       cfg,
		recorder:  recorder,
		sleeper:   sleepContext,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns the text answer for req. Errors are appErrors sentinels:
// ErrNoCredentials, ErrUpstreamFatal or ErrUpstreamTransient wrapping the last failure.
func (g *Gateway) Generate(ctx context.Context, audit Audit, req Request) (Response, error) {
	req.Feature = req.Feature.Normalize()
	chain := g.chain(req.Provider)
	if len(chain) == 0 {
		return Response{}, appErrors.ErrNoCredentials
	}

	var lastErr error
	for i, provider := range chain {
		model := g.modelFor(req, provider)
		resp, err := g.tryProvider(ctx, audit, provider, model, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if i+1 < len(chain) {
			g.logger.Sugar().Warnw("llm provider exhausted, failing over",
				"provider", provider.Name(), "next", chain[i+1].Name(), "feature", req.Feature, "error", err)
		}
	}
	if IsFatal(lastErr) {
		return Response{}, appErrors.WrapAs(appErrors.ErrUpstreamFatal, lastErr, "")
	}
	return Response{}, appErrors.WrapAs(appErrors.ErrUpstreamTransient, lastErr, "")
}

// GenerateJSON asks for a JSON answer and salvages it. Transport failures are returned;
// an unrecoverable payload yields an empty object and no error.
func (g *Gateway) GenerateJSON(ctx context.Context, audit Audit, req Request) (map[string]interface{}, Response, error) {
	req.JSON = true
	resp, err := g.Generate(ctx, audit, req)
	if err != nil {
		return nil, resp, err
	}
	salvager := jsonsalvage.New(func(ctx context.Context, prompt string) (string, error) {
		repaired, err := g.Generate(ctx, audit, Request{Feature: FeatureJSONRepair, Provider: req.Provider, Prompt: prompt, JSON: true})
		return repaired.Text, err
	}, jsonsalvage.WithRepairPasses(g.cfg.RepairPasses), jsonsalvage.WithLogger(g.logger))

	obj := salvager.Object(ctx, resp.Text, req.SchemaHint)
	if len(obj) == 0 {
		g.logger.Sugar().Warnw("llm json could not be salvaged", "feature", req.Feature, "provider", resp.Provider, "model", resp.Model)
	}
	return obj, resp, nil
}

// Configured reports whether at least one provider is available.
func (g *Gateway) Configured() bool {
	return len(g.providers) > 0
}

func (g *Gateway) chain(preferred string) []Provider {
	primary := strings.ToLower(strings.TrimSpace(preferred))
	if primary == "" {
		primary = strings.ToLower(g.cfg.Primary)
	}
	ordered := make([]Provider, 0, len(g.providers))
	for _, p := range g.providers {
		if p.Name() == primary {
			ordered = append(ordered, p)
		}
	}
	for _, p := range g.providers {
		if p.Name() != primary {
			ordered = append(ordered, p)
		}
	}
	return ordered
}

// modelFor resolves the model for provider; a model from another vendor family falls back
// to the provider default so failover never sends a foreign model name.
func (g *Gateway) modelFor(req Request, provider Provider) string {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = g.cfg.Models.Resolve(req.Feature, "")
	}
	if model == "" || modelFamily(model) != modelFamily(provider.Name()) {
		return provider.DefaultModel()
	}
	return model
}

func modelFamily(name string) string {
	if strings.HasPrefix(strings.TrimPrefix(strings.ToLower(name), "models/"), "gemini") {
		return "gemini"
	}
	return "openai"
}

func (g *Gateway) tryProvider(ctx context.Context, audit Audit, provider Provider, model string, req Request) (Response, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		resp, err := g.attempt(ctx, audit, provider, model, req, attempt)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if IsFatal(err) || ctx.Err() != nil {
			return Response{}, err
		}
		if isConnectionError(err) {
			g.logger.Sugar().Warnw("llm connection error", "provider", provider.Name(), "model", model, "feature", req.Feature, "attempt", attempt, "error", err)
		}
		if attempt == g.cfg.MaxAttempts {
			break
		}
		delay := g.backoff(attempt)
		g.logger.Sugar().Warnw("llm call failed, retrying", "provider", provider.Name(), "model", model, "feature", req.Feature, "attempt", attempt, "delay", delay, "error", err)
		if err := g.sleeper(ctx, delay); err != nil {
			return Response{}, err
		}
	}
	return Response{}, lastErr
}

func (g *Gateway) attempt(ctx context.Context, audit Audit, provider Provider, model string, req Request, attempt int) (Response, error) {
	callCtx := ctx
	if timeout := g.cfg.Timeouts.forFeature(req.Feature); timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	callCtx, span := tracing.Start(callCtx, "llm "+string(req.Feature),
		attribute.String("llm.provider", provider.Name()),
		attribute.String("llm.model", model),
		attribute.Int("llm.attempt", attempt),
	)

	started := g.now()
	resp, err := provider.Generate(callCtx, model, req)
	elapsed := g.now().Sub(started)

	outcome := OutcomeSuccess
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = &ProviderError{Provider: provider.Name(), Err: ErrEmptyResponse}
		outcome = OutcomeEmpty
	} else if err != nil {
		outcome = OutcomeError
	}
	tracing.End(span, err)

	resp.Provider = provider.Name()
	resp.Model = model
	g.record(ctx, audit, req.Feature, resp, elapsed, err)
	if g.observer != nil {
		g.observer(provider.Name(), req.Feature, outcome, elapsed)
	}
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

func (g *Gateway) record(ctx context.Context, audit Audit, feature Feature, resp Response, elapsed time.Duration, callErr error) {
	if g.recorder == nil {
		return
	}
	entry := &models.LLMUsageLog{
		UserID:     audit.UserID,
		Feature:    string(feature),
		Provider:   resp.Provider,
		Model:      resp.Model,
		SessionID:  audit.SessionID,
		DurationMS: elapsed.Milliseconds(),
		Success:    callErr == nil,
	}
	if usage := resp.Usage; usage != nil {
		entry.InputTokens = usage.InputTokens
		entry.OutputTokens = usage.OutputTokens
		entry.TotalTokens = usage.TotalTokens
		entry.AudioInputTokens = usage.AudioInputTokens
		entry.CachedTokens = usage.CachedTokens
		entry.ThinkingTokens = usage.ThinkingTokens
		entry.EstimatedCost = EstimateCost(resp.Model, usage)
	}
	if callErr != nil {
		text := models.BoundErrorDetail(callErr.Error())
		entry.ErrorText = &text
	}

	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := g.recorder.Record(auditCtx, entry); err != nil {
		g.logger.Sugar().Errorw("failed to write llm usage log", "feature", feature, "provider", resp.Provider, "error", err)
	}
}

func (g *Gateway) backoff(attempt int) time.Duration {
	delay := g.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= g.cfg.MaxDelay {
			return g.cfg.MaxDelay
		}
	}
	return delay
}

func isConnectionError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
