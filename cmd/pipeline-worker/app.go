package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-class-pipeline/internal/llm"
	"github.com/noah-isme/sma-class-pipeline/internal/media"
	"github.com/noah-isme/sma-class-pipeline/internal/repository"
	"github.com/noah-isme/sma-class-pipeline/internal/service"
	"github.com/noah-isme/sma-class-pipeline/internal/sms"
	"github.com/noah-isme/sma-class-pipeline/pkg/cache"
	"github.com/noah-isme/sma-class-pipeline/pkg/config"
	"github.com/noah-isme/sma-class-pipeline/pkg/database"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
	"github.com/noah-isme/sma-class-pipeline/pkg/logger"
	"github.com/noah-isme/sma-class-pipeline/pkg/storage"
	"github.com/noah-isme/sma-class-pipeline/pkg/tracing"
)

// app holds the shared connections of one command run.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	redis   *redis.Client
	broker  *jobs.RedisBroker
	metrics *service.MetricsService
	db      *sqlx.DB
	closers []func() error
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openApp loads configuration and connects to Redis. Postgres is opened only when withDB is set.
func openApp(ctx context.Context, withDB bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	rt := &app{cfg: cfg, logger: logr, metrics: service.NewMetricsService()}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.Env, logr)
	if err != nil {
		logr.Sugar().Warnw("tracing disabled", "error", err)
	}
	rt.closers = append(rt.closers, func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(shutdownCtx)
	})

	rt.redis, err = cache.NewRedis(cfg.Redis)
	if err != nil {
		rt.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	rt.closers = append(rt.closers, rt.redis.Close)
	rt.broker = jobs.NewRedisBroker(rt.redis, cfg.Queue.Prefix)

	if withDB {
		rt.db, err = database.NewPostgres(cfg.Database)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect database: %w", err)
		}
		rt.closers = append(rt.closers, rt.db.Close)
	}
	return rt, nil
}

// Close releases connections in reverse order of opening.
func (rt *app) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil {
			rt.logger.Sugar().Warnw("shutdown step failed", "error", err)
		}
	}
	_ = rt.logger.Sync()
}

func (rt *app) sweeper() *service.StaleSweeper {
	return service.NewStaleSweeper(repository.NewSessionRepository(rt.db), rt.cfg.Pipeline.StaleTimeout, rt.metrics, rt.logger)
}

// providers returns the configured LLM providers; ones without credentials are left out.
func (rt *app) providers(ctx context.Context) ([]llm.Provider, error) {
	var providers []llm.Provider
	gemini, err := llm.NewGeminiProvider(ctx, rt.cfg.LLM.GeminiAPIKey, rt.cfg.LLM.GeminiBaseURL, rt.cfg.LLM.ModelName)
	if err != nil {
		return nil, err
	}
	if gemini != nil {
		providers = append(providers, gemini)
		rt.closers = append(rt.closers, gemini.Close)
	}
	if openai := llm.NewOpenAIProvider(rt.cfg.LLM.OpenAIAPIKey, rt.cfg.LLM.OpenAIBaseURL, rt.cfg.LLM.ModelName, nil); openai != nil {
		providers = append(providers, openai)
	}
	return providers, nil
}

// pipelineWorker wires every job handler against Postgres, object storage, the LLM gateway and the SMS vendor.
func (rt *app) pipelineWorker(ctx context.Context) (*service.PipelineWorker, error) {
	cfg := rt.cfg
	blobs, err := storage.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init object storage: %w", err)
	}
	providers, err := rt.providers(ctx)
	if err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		rt.logger.Sugar().Warnw("no LLM provider configured; stages will fail until a key is set")
	}

	sessions := repository.NewSessionRepository(rt.db)
	structure := repository.NewStructureRepository(rt.db)
	prereqs := repository.NewPrerequisiteRepository(rt.db)
	invitations := repository.NewInvitationRepository(rt.db)
	usage := repository.NewLLMUsageRepository(rt.db)

	gateway := llm.NewGateway(providers, usage, rt.logger, llm.GatewayConfig{
		Primary:  cfg.LLM.Provider,
		Models:   llm.NewModelTable(cfg.LLM),
		Timeouts: llm.Timeouts{Call: cfg.LLM.CallTimeout, Transcription: cfg.LLM.TranscriptionTimeout},
	}, llm.WithObserver(func(provider string, feature llm.Feature, outcome string, _ time.Duration) {
		rt.metrics.ObserveLLMCall(provider, string(feature), outcome)
	}))

	preparer := media.NewPreparer(media.NewExecToolchain(cfg.Media, rt.logger), cfg.Media, rt.logger)
	executor := service.NewStageExecutor(sessions, structure, prereqs, gateway, preparer, blobs, rt.metrics, rt.logger)
	driver := service.NewPipelineDriver(sessions, executor, cfg.Pipeline, rt.logger)
	fanout := service.NewSMSFanoutWorker(sessions, invitations, sms.NewClient(cfg.SMS, nil, rt.logger), rt.broker, rt.metrics, rt.logger)

	return service.NewPipelineWorker(driver, executor, fanout, rt.sweeper(), rt.metrics, rt.logger), nil
}
