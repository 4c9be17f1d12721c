package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chat-engine/internal/config"
	"chat-engine/internal/connection"
	"chat-engine/internal/engine"
	"chat-engine/internal/handlers"
	"chat-engine/internal/identity"
	"chat-engine/internal/logger"
	"chat-engine/internal/observability"
	"chat-engine/internal/presence"
	"chat-engine/internal/rabbitmq"
	"chat-engine/internal/snapshot"
	"chat-engine/internal/store"
	"chat-engine/internal/telemetry"
	"chat-engine/internal/upload"
)

func main() {
	cfg, err := config.Load(os.Getenv("ENGINE_CONFIG"))
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg, err := logger.New(logger.Config{Development: cfg.Development})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Telemetry.OTLPEndpoint, "chat-engine", cfg.Telemetry.Environment)
	if err != nil {
		logg.Fatalw("failed to init tracing", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	eventPublisher, err := observability.NewAMQPPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		logg.Warnw("event publishing disabled", "error", err)
	} else {
		observability.SetPublisher(eventPublisher)
		defer eventPublisher.Close()
	}

	auditPublisher := rabbitmq.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange, logg)
	defer auditPublisher.Close()
	logg.Infow("audit publisher ready", "mode", rabbitmq.PublisherMode(auditPublisher))
	audit := telemetry.NewAuditEmitter(auditPublisher, "engine_events.audit", "chat-engine", cfg.Telemetry.Environment, logg)

	snapshots, err := snapshot.Open(cfg.Snapshot.DSN, logg)
	if err != nil {
		logg.Fatalw("failed to open snapshot cache", "error", err)
	}
	defer snapshots.Close()

	tokens := identity.NewHTTPProvider(cfg.Identity.Endpoint, cfg.Identity.RefreshToken, logg)
	uploader := upload.NewHTTPUploader(cfg.Upload.Endpoint, logg)

	conn := connection.NewManager(connection.Options{
		URL:               cfg.Chat.ServerURL,
		DialTimeout:       cfg.DialTimeout,
		HeartbeatInterval: cfg.Heartbeat,
		BaseDelay:         cfg.BaseDelay,
		Growth:            cfg.Connection.Growth,
		MaxAttempts:       cfg.Connection.MaxAttempts,
	}, tokens, logg)

	convStore := store.NewStore(cfg.Chat.UserID, conn, snapshots, logg)
	tracker := presence.NewTracker(presence.Options{
		LocalUserID:     cfg.Chat.UserID,
		IdleThreshold:   cfg.IdleThreshold,
		MinInterval:     cfg.PresenceMin,
		RefreshInterval: cfg.PresenceRefresh,
		HealthInterval:  cfg.PresenceHealth,
	}, conn, conn, logg)

	eng := engine.New(cfg.Chat.UserID, conn, convStore, tracker, uploader, audit, logg)
	if err := eng.Initialize(ctx); err != nil {
		logg.Fatalw("engine initialization failed", "error", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Cleanup(cleanupCtx)
	}()

	if !cfg.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-engine"))
	router.Use(observability.HTTPMetricsMiddleware())

	diag := handlers.NewDiagHandler(conn, convStore, tracker)
	diag.RegisterRoutes(router)
	handlers.RegisterDebugRoutes(router, audit, eng.SessionID(), cfg.Diag.Debug)

	server := &http.Server{
		Addr:    ":" + cfg.Diag.Port,
		Handler: router,
	}
	go func() {
		logg.Infow("diagnostics server listening", "port", cfg.Diag.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logg.Errorw("diagnostics server error", "error", err)
		}
	}()

	<-ctx.Done()
	logg.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
}
