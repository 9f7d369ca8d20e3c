package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalith-99/chatrelay/internal/api"
	"github.com/lalith-99/chatrelay/internal/auth"
	"github.com/lalith-99/chatrelay/internal/bus"
	"github.com/lalith-99/chatrelay/internal/config"
	"github.com/lalith-99/chatrelay/internal/db"
	"github.com/lalith-99/chatrelay/internal/events"
	"github.com/lalith-99/chatrelay/internal/middleware"
	"github.com/lalith-99/chatrelay/internal/models"
	"github.com/lalith-99/chatrelay/internal/observ"
	"github.com/lalith-99/chatrelay/internal/relay"
	"github.com/lalith-99/chatrelay/internal/report"
	"github.com/lalith-99/chatrelay/internal/repository/postgres"
	"github.com/lalith-99/chatrelay/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer database.Close()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unreachable, sync cache runs in-process only", zap.Error(err))
		rdb = nil
	}

	pool := database.Pool()
	tenantRepo := postgres.NewTenantStore(pool)
	userRepo := postgres.NewUserStore(pool)
	conversationRepo := postgres.NewConversationStore(pool)
	messageRepo := postgres.NewMessageStore(pool)

	eventBus := bus.New(logger)
	clk := clock.New()

	verifier := auth.NewService(tenantRepo, cfg.JWTSecret, logger)
	registry := relay.NewRegistry(verifier, messageRepo, conversationRepo, eventBus, clk, logger, relay.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SendBuffer:        cfg.SendBufferSize,
	})
	registry.StartSweeper(ctx)

	cache := syncer.New(tenantRepo, rdb, eventBus, logger)
	defer cache.Close()

	// Telemetry: every relayed message counts toward the usage
	// collectors, keyed by sender type.
	tracker := report.NewTracker(clk)
	eventBus.Subscribe(events.MessageNew, func(payload any) {
		if msg, ok := payload.(*models.Message); ok {
			tracker.Hit("message:" + string(msg.SenderType))
		}
	})

	usageReporter := report.NewReporter(tracker, report.NewHTTPSender(cfg.UsageReportEndpoint, 10*time.Second), clk, logger, report.Options{
		Enabled:         cfg.UsageReportEndpoint != "",
		Endpoint:        cfg.UsageReportEndpoint,
		Mode:            report.ModeHot,
		BatchInterval:   cfg.ReportInterval,
		IncludeLastUsed: true,
	})
	defer usageReporter.Stop()

	missingReporter := report.NewReporter(tracker.MissingSource(), report.NewHTTPSender(cfg.MissingReportEndpoint, 10*time.Second), clk, logger, report.Options{
		Enabled:       cfg.MissingReportEndpoint != "",
		Endpoint:      cfg.MissingReportEndpoint,
		Mode:          report.ModeHot,
		BatchInterval: cfg.ReportInterval,
	})
	defer missingReporter.Stop()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	srv := gin.New()
	srv.Use(gin.Recovery())

	srv.GET("/v1/health", func(c *gin.Context) {
		if err := database.Health(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// The duplex channel authenticates frame-level, not at upgrade.
	relayHandler := relay.NewHandler(registry, logger)
	srv.GET("/ws", relayHandler.Connect)

	messageHandler := api.NewMessageHandler(messageRepo, conversationRepo, logger)
	statsHandler := api.NewStatsHandler(cache, logger)
	userHandler := api.NewUserHandler(userRepo, logger)

	v1 := srv.Group("/v1")
	v1.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	v1.GET("/conversations/mine", messageHandler.Resolve)
	v1.GET("/conversations/:id/messages", messageHandler.List)

	staff := v1.Group("")
	staff.Use(middleware.RequireRole(models.RoleStaff))
	staff.GET("/users/:id", userHandler.Get)
	staff.GET("/tenants/stats", statsHandler.TenantStats)
	staff.GET("/cache/stats", statsHandler.CacheStats)
	staff.POST("/cache/refresh", statsHandler.Refresh)
	staff.POST("/cache/clear", statsHandler.Clear)

	httpServer := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: srv,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting chatrelay",
			zap.String("port", cfg.Port),
			zap.String("env", cfg.Env),
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
