package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appgoal "github.com/crm/backend/internal/application/goal"
	"github.com/crm/backend/internal/domain/goal"
	"github.com/crm/backend/internal/domain/shared"
	"github.com/crm/backend/internal/infrastructure/cache"
	"github.com/crm/backend/internal/infrastructure/config"
	"github.com/crm/backend/internal/infrastructure/event"
	"github.com/crm/backend/internal/infrastructure/logger"
	"github.com/crm/backend/internal/infrastructure/persistence"
	"github.com/crm/backend/internal/infrastructure/scheduler"
	"github.com/crm/backend/internal/infrastructure/telemetry"
	"github.com/crm/backend/internal/interfaces/http/handler"
	"github.com/crm/backend/internal/interfaces/http/middleware"
	"github.com/crm/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		Service:    cfg.App.Name,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Setup(ctx, telemetry.Settings{
		ServiceName:           cfg.Telemetry.ServiceName,
		ServiceVersion:        version,
		CollectorEndpoint:     cfg.Telemetry.CollectorEndpoint,
		Insecure:              cfg.Telemetry.Insecure,
		TracesEnabled:         cfg.Telemetry.Enabled,
		SamplingRatio:         cfg.Telemetry.SamplingRatio,
		MetricsEnabled:        cfg.Telemetry.MetricsEnabled,
		MetricsExportInterval: cfg.Telemetry.MetricsExportInterval,
		PrometheusEnabled:     cfg.Telemetry.PrometheusEnabled,
		LogsEnabled:           cfg.Telemetry.LogsEnabled,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize telemetry", zap.Error(err))
	}
	log = otelProviders.Bridge(log, zapcore.InfoLevel)

	log.Info("Starting CRM goal engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	goalMetrics, err := telemetry.NewGoalMetrics(otelProviders.Meter("crm.goals"))
	if err != nil {
		log.Fatal("Failed to create goal metrics", zap.Error(err))
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level),
		logger.WithSlowThreshold(cfg.Telemetry.DBSlowQueryThresh))
	db, err := persistence.Open(ctx, &cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBSystem:        "postgresql",
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}
	log.Info("Database connected successfully")

	// Leases and the job lock share one Redis connection when Redis is configured
	leaseFactory := cache.NewLeaseFactory(cfg.Redis, shared.LeaseConfig{
		TTL:  cfg.Goal.LeaseTTL,
		Wait: cfg.Goal.LeaseWait,
	}, cache.WithLogger(log), cache.WithInMemoryFallback(!cfg.Redis.RequireRedis))
	leases, jobLock, err := leaseFactory.Create()
	if err != nil {
		log.Fatal("Failed to create goal leases", zap.Error(err))
	}

	// Repositories
	goalRepo := persistence.NewGormGoalRepository(db.DB)
	auditRepo := persistence.NewGormAuditRepository(db.DB)
	snapshotRepo := persistence.NewGormSnapshotRepository(db.DB)
	teams := cache.NewCachedTeamLookup(persistence.NewGormTeamDirectory(db.DB), cfg.Goal.TeamCacheSize, cfg.Goal.TeamCacheTTL, log)
	locator := persistence.NewGormEntityLocator(db.DB, teams)

	// Event bus
	bus := event.NewInMemoryEventBus(log, event.WithAsyncWorkers(4, 1024))

	// Application services
	recorder := appgoal.NewSnapshotRecorder(snapshotRepo, goalRepo, log, appgoal.SnapshotRecorderConfig{
		Threshold: decimal.NewFromFloat(cfg.Goal.SignificanceThreshold),
	})
	hierarchyService := appgoal.NewHierarchyService(goalRepo, auditRepo, recorder, leases, bus, log, appgoal.HierarchyConfig{
		LeaseWait: cfg.Goal.LeaseWait,
	})
	hierarchyService.SetMetrics(goalMetrics)
	calculator := appgoal.NewProgressCalculator(
		goalRepo,
		auditRepo,
		persistence.NewGormDealReader(db.DB),
		persistence.NewGormActivityReader(db.DB),
		persistence.NewGormTaskReader(db.DB),
		locator,
		log,
		appgoal.CalculatorConfig{SourceTimeout: cfg.Goal.SourceTimeout},
	)
	coordinator := appgoal.NewRecalculationCoordinator(goalRepo, calculator, recorder, hierarchyService, leases, bus, log, appgoal.CoordinatorConfig{
		LeaseWait: cfg.Goal.LeaseWait,
		Workers:   cfg.Scheduler.SweepWorkers,
	})
	coordinator.SetMetrics(goalMetrics)

	// CRM change events, deduplicated across instances by event id
	changeHandler := appgoal.NewEntityChangeHandler(coordinator, log).WithMetrics(goalMetrics)
	bus.Subscribe(event.NewIdempotentHandler(changeHandler, jobLock, cfg.Events.DedupTTL, log), changeHandler.EventTypes()...)
	if err := bus.Start(ctx); err != nil {
		log.Fatal("Failed to start event bus", zap.Error(err))
	}

	var changeFeed *event.RedisChangeFeed
	if cfg.Events.ChangeFeedEnabled {
		changeFeed = startChangeFeed(ctx, cfg, bus, log)
	}

	jobs := scheduler.New(scheduler.Config{
		SweepCron:    cfg.Scheduler.SweepCron,
		SnapshotCron: cfg.Scheduler.SnapshotCron,
		JobTimeout:   cfg.Scheduler.JobTimeout,
		JobLockTTL:   cfg.Scheduler.JobLockTTL,
	}, jobLock, coordinator, recorder, log,
		scheduler.WithJobRecorder(scheduler.NewJobRunRepository(db.DB)),
		scheduler.WithMetrics(goalMetrics),
	)
	if cfg.Scheduler.Enabled {
		if err := jobs.Start(ctx); err != nil {
			log.Fatal("Failed to start scheduler", zap.Error(err))
		}
		log.Info("Goal scheduler started",
			zap.String("sweep", cfg.Scheduler.SweepCron),
			zap.String("snapshot", cfg.Scheduler.SnapshotCron))
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		log.Fatal("Invalid trusted proxies", zap.Error(err))
	}
	engine.Use(
		logger.Recovery(log),
		middleware.Tracing(middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     otelProviders.TracingEnabled(),
		}),
		logger.GinMiddleware(log),
		middleware.SpanEnricher(),
		middleware.HTTPMetrics(otelProviders),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
	)

	systemHandler := handler.NewSystemHandler(cfg.App.Name, version, db)
	goalHandler := handler.NewGoalHierarchyHandler(hierarchyService, coordinator)
	jobHandler := handler.NewJobHandler(jobs)

	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Ops("/health", systemHandler.Health)
	if h := otelProviders.MetricsHandler(); h != nil {
		r.Ops("/metrics", gin.WrapH(h))
	}

	r.Register(
		goalHandler.Routes(),
		jobHandler.Routes(),
		router.NewDomainGroup("system", "/system").GET("/info", systemHandler.GetSystemInfo),
	)
	r.Setup()

	for _, route := range r.Routes() {
		log.Debug("Route registered",
			zap.String("group", route.Group),
			zap.String("method", route.Method),
			zap.String("path", route.Path))
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if err := jobs.Stop(shutdownCtx); err != nil {
		log.Error("Scheduler did not stop in time", zap.Error(err))
	}
	if changeFeed != nil {
		if err := changeFeed.Close(); err != nil {
			log.Error("Error closing change feed", zap.Error(err))
		}
	}
	if err := bus.Stop(shutdownCtx); err != nil {
		log.Error("Event bus did not drain in time", zap.Error(err))
	}
	if err := leases.Close(); err != nil {
		log.Error("Error closing lease table", zap.Error(err))
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		log.Error("Telemetry shutdown failed", zap.Error(err))
	}

	log.Info("Server exited")
}

// startChangeFeed subscribes to CRM record changes published by other services
// and forwards them onto the bus. The feed owns its own Redis connection.
func startChangeFeed(ctx context.Context, cfg *config.Config, bus shared.EventPublisher, log *zap.Logger) *event.RedisChangeFeed {
	client, err := cache.NewRedisClient(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Fatal("Change feed requires Redis", zap.Error(err))
	}

	feed := event.NewRedisChangeFeed(client, cfg.Events.ChangeFeedChannel, bus, log)
	go func() {
		if err := feed.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("CRM change feed stopped", zap.Error(err))
		}
	}()
	log.Info("CRM change feed enabled",
		zap.String("channel", cfg.Events.ChangeFeedChannel),
		zap.Strings("entity_types", []string{
			string(goal.EntityTypeDeal), string(goal.EntityTypeActivity), string(goal.EntityTypeTask),
		}))
	return feed
}
