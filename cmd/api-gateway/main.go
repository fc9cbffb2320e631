package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/noah-isme/sma-class-pipeline/api/swagger"
	"github.com/noah-isme/sma-class-pipeline/internal/handler"
	"github.com/noah-isme/sma-class-pipeline/internal/middleware"
	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/repository"
	"github.com/noah-isme/sma-class-pipeline/internal/service"
	"github.com/noah-isme/sma-class-pipeline/pkg/cache"
	"github.com/noah-isme/sma-class-pipeline/pkg/config"
	"github.com/noah-isme/sma-class-pipeline/pkg/database"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
	"github.com/noah-isme/sma-class-pipeline/pkg/logger"
	corsmiddleware "github.com/noah-isme/sma-class-pipeline/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/sma-class-pipeline/pkg/middleware/requestid"
	"github.com/noah-isme/sma-class-pipeline/pkg/storage"
	"github.com/noah-isme/sma-class-pipeline/pkg/tracing"
)

// @title Class Pipeline API
// @version 1.0.0
// @description Turns uploaded lectures into structured classes and exam-prep material
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, cfg.Env, logr)
	if err != nil {
		logr.Sugar().Warnw("tracing disabled", "error", err)
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect database", "error", err)
	}
	defer db.Close()

	rdb, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect redis", "error", err)
	}
	defer rdb.Close()

	blobs, err := storage.New(cfg.Storage)
	if err != nil {
		logr.Sugar().Fatalw("failed to init object storage", "driver", cfg.Storage.Driver, "error", err)
	}

	broker := jobs.NewRedisBroker(rdb, cfg.Queue.Prefix)
	metrics := service.NewMetricsService()
	validate := validator.New()

	sessionRepo := repository.NewSessionRepository(db)
	structureRepo := repository.NewStructureRepository(db)
	prereqRepo := repository.NewPrerequisiteRepository(db)
	invitationRepo := repository.NewInvitationRepository(db)
	usageRepo := repository.NewLLMUsageRepository(db)

	sessionSvc := service.NewSessionService(sessionRepo, structureRepo, prereqRepo, blobs, broker, validate, logr, service.SessionServiceConfig{
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
		MaxActive:      cfg.Admission.MaxActive,
	})
	publicationSvc := service.NewPublicationService(sessionRepo, broker, logr)
	invitationSvc := service.NewInvitationService(sessionRepo, invitationRepo, validate, logr)
	overviewSvc := service.NewOverviewService(sessionRepo, usageRepo, broker, metrics)
	tokens := service.NewTokenService(cfg.JWT.Secret)

	sessionHandler := handler.NewSessionHandler(sessionSvc, publicationSvc, cfg.Media.MaxUploadBytes)
	invitationHandler := handler.NewInvitationHandler(invitationSvc)
	metricsHandler := handler.NewMetricsHandler(metrics, overviewSvc, map[string]handler.ReadinessCheck{
		"postgres": db.PingContext,
		"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	})

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.MaxMultipartMemory = 32 << 20
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS))
	r.Use(middleware.Metrics(metrics))

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.Use(middleware.JWT(tokens))

	sessions := api.Group("/sessions")
	sessions.Use(middleware.RequireRoles(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin))
	sessions.POST("/class", sessionHandler.CreateClass)
	sessions.POST("/exam-prep", sessionHandler.CreateExamPrep)
	sessions.GET("/:id", sessionHandler.Get)
	sessions.PATCH("/:id", sessionHandler.Patch)
	sessions.DELETE("/:id", sessionHandler.Delete)
	sessions.POST("/:id/steps/:step", sessionHandler.RunStep)
	sessions.POST("/:id/publish", sessionHandler.Publish)
	sessions.GET("/:id/invitations", invitationHandler.List)
	sessions.POST("/:id/invitations", invitationHandler.Create)

	admin := api.Group("/admin")
	admin.Use(middleware.RequireRoles(models.RoleAdmin, models.RoleSuperAdmin))
	admin.GET("/overview", metricsHandler.Overview)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Sugar().Errorw("server shutdown failed", "error", err)
	}
	logr.Sugar().Infow("server stopped")
}
