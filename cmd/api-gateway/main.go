package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/madrasah-billing-api/api/swagger"
	"github.com/noah-isme/madrasah-billing-api/internal/handler"
	internalmiddleware "github.com/noah-isme/madrasah-billing-api/internal/middleware"
	"github.com/noah-isme/madrasah-billing-api/internal/repository"
	"github.com/noah-isme/madrasah-billing-api/internal/service"
	"github.com/noah-isme/madrasah-billing-api/pkg/cache"
	"github.com/noah-isme/madrasah-billing-api/pkg/config"
	"github.com/noah-isme/madrasah-billing-api/pkg/database"
	"github.com/noah-isme/madrasah-billing-api/pkg/jobs"
	"github.com/noah-isme/madrasah-billing-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/madrasah-billing-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/madrasah-billing-api/pkg/middleware/requestid"
	"github.com/noah-isme/madrasah-billing-api/pkg/payment"
)

// @title Madrasah Billing API
// @version 1.0.0
// @description Enrollment withdrawal and family billing reconciliation service
// @BasePath /api/v1
// @schemes http

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database)
	if err != nil {
		logr.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer db.Close()

	metricsSvc := service.NewMetricsService()

	var cacheRepo *repository.CacheRepository
	if cfg.Preview.CacheEnabled {
		redisClient, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, preview cache disabled", zap.Error(err))
		} else {
			cacheRepo = repository.NewCacheRepository(redisClient, logr)
			defer cacheRepo.Close() //nolint:errcheck
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Preview.CacheTTL, logr, cacheRepo != nil)

	provider := payment.NewStripeClient(cfg.Stripe, cfg.Billing.Currency)
	if !provider.Configured() {
		logr.Warn("STRIPE_SECRET_KEY not set, billing changes will be rejected")
	}

	students := repository.NewStudentRepository(db)
	enrollments := repository.NewEnrollmentRepository(db)
	roster := repository.NewRosterRepository(db)
	billing := repository.NewBillingRepository(db)
	divergences := repository.NewDivergenceRepository(db)
	txManager := database.NewTxManager(db, logr)
	validate := validator.New()

	divergenceSvc := service.NewDivergenceService(divergences, billing, provider, metricsSvc, validate, logr)

	var verifier *jobs.Queue
	if cfg.Divergence.VerifierEnabled {
		verifier = jobs.NewQueue("divergence-verifier", jobs.QueueConfig{
			Workers:    cfg.Divergence.Workers,
			MaxRetries: cfg.Divergence.Retries,
			RetryDelay: cfg.Divergence.RetryDelay,
			Logger:     logr,
		})
		verifier.Register(service.JobTypeVerifyDivergence, divergenceSvc.HandleVerifyJob)
		verifier.Start(ctx)
		defer verifier.Stop()
	}

	family := service.NewFamilyResolver(students, billing)
	billingSync := service.NewBillingSync(divergences, verifier, metricsSvc, logr)
	reconciler := service.NewReconciliationService(txManager, billing, family, provider, billingSync, logr)
	withdrawalSvc := service.NewWithdrawalService(txManager, students, enrollments, roster, billing, family, reconciler, cacheSvc, metricsSvc, cfg.Billing.Program, validate, logr)
	previewSvc := service.NewPreviewService(students, family, cacheSvc, cfg.Preview.CacheTTL, cfg.Billing.Program, logr)
	controlSvc := service.NewBillingControlService(family, reconciler, cacheSvc, logr)

	withdrawalHandler := handler.NewWithdrawalHandler(withdrawalSvc, previewSvc)
	billingHandler := handler.NewBillingHandler(controlSvc, divergenceSvc)
	checks := map[string]handler.ReadinessCheck{"postgres": db.PingContext}
	if cacheRepo != nil {
		checks["redis"] = cacheRepo.Ping
	}
	metricsHandler := handler.NewMetricsHandler(metricsSvc, checks)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))
	r.Use(internalmiddleware.WithResponseMeta())

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	studentsGroup := api.Group("/students/:id")
	studentsGroup.POST("/withdraw", withdrawalHandler.WithdrawChild)
	studentsGroup.POST("/withdraw-siblings", withdrawalHandler.WithdrawAllChildren)
	studentsGroup.POST("/re-enroll", withdrawalHandler.ReEnrollChild)
	studentsGroup.GET("/withdraw-preview", withdrawalHandler.WithdrawPreview)

	familiesGroup := api.Group("/families/:id")
	familiesGroup.POST("/withdraw", withdrawalHandler.WithdrawFamily)
	familiesGroup.GET("/withdraw-preview", withdrawalHandler.FamilyWithdrawPreview)
	familiesGroup.POST("/billing/pause", billingHandler.Pause)
	familiesGroup.POST("/billing/resume", billingHandler.Resume)

	divergenceGroup := api.Group("/billing/divergences")
	divergenceGroup.GET("", billingHandler.ListDivergences)
	divergenceGroup.GET("/export", billingHandler.ExportDivergences)
	divergenceGroup.POST("/:id/verify", billingHandler.VerifyDivergence)
	divergenceGroup.POST("/:id/resolve", billingHandler.ResolveDivergence)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env, "program", cfg.Billing.Program)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
