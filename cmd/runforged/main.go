package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/runforge/runforge/internal/common/config"
	"github.com/runforge/runforge/internal/common/logger"
	"github.com/runforge/runforge/internal/events"
	"github.com/runforge/runforge/internal/orchestrator"
	"github.com/runforge/runforge/internal/orchestrator/api"
	"github.com/runforge/runforge/internal/orchestrator/streaming"
	"github.com/runforge/runforge/internal/pipeline"
	"github.com/runforge/runforge/internal/run"
	"github.com/runforge/runforge/internal/run/store"
	toolregistry "github.com/runforge/runforge/internal/tool/registry"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Runforge daemon...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Connect to the event bus (NATS or in-memory)
	eventBus, busCleanup, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer busCleanup()
	log.Info("Event bus ready", zap.Bool("nats", cfg.NATS.URL != ""))

	// 5. Open the run record store
	recordStore, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatal("Failed to open record store", zap.Error(err))
	}
	defer recordStore.Close()
	log.Info("Record store ready", zap.String("driver", cfg.Database.Driver))

	// 6. Initialize the tool registry
	tools := toolregistry.NewRegistry(log)
	tools.LoadDefaults()
	log.Info("Loaded tool registry", zap.Int("tools", len(tools.List())))

	// 7. Initialize the run registry and permission broker
	registry := run.NewRegistry(cfg.Runs, eventBus, log)
	registry.Start(ctx)
	broker := run.NewBroker(registry, cfg.Permissions.Timeout(), eventBus, log)

	// 8. Initialize the tool execution pipeline
	p := pipeline.New(cfg.Pipeline, tools, nil, eventBus, log)

	// 9. Initialize the orchestrator service
	service := orchestrator.NewService(registry, broker, p, recordStore, eventBus, log)

	// 10. Start the WebSocket hub and feed it from the event bus
	hub := streaming.NewHub(log)
	go hub.Run(ctx)
	hubSub, err := hub.AttachBus(eventBus)
	if err != nil {
		log.Fatal("Failed to attach hub to event bus", zap.Error(err))
	}
	defer hubSub.Unsubscribe()

	// 11. Setup HTTP server with Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(api.RequestLogger(log))
	router.Use(api.Recovery(log))
	router.Use(api.CORS())
	router.Use(api.ErrorHandler(log))

	// 12. Register API and streaming routes
	v1 := router.Group("/api/v1")
	api.SetupRoutes(v1, service, log)

	wsHandler := streaming.NewWSHandler(hub, service, log)
	sseHandler := streaming.NewSSEHandler(service, eventBus, cfg.Streaming.HeartbeatInterval(), log)
	streaming.SetupStreamingRoutes(v1, wsHandler, sseHandler)

	// Health check endpoint at root level
	handler := api.NewHandler(service, log)
	router.GET("/health", handler.Health)

	// 13. Create HTTP server. No global write timeout: the SSE and
	// WebSocket routes hold their connections open past any fixed budget
	// (a permission handshake alone can wait minutes).
	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeoutDuration(),
		ReadHeaderTimeout: cfg.Server.ReadTimeoutDuration(),
	}

	// 14. Start server in goroutine
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	// 15. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down Runforge daemon...")

	// 16. Graceful shutdown: stop accepting requests, then cancel runs
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()
	registry.Stop()

	log.Info("Runforge daemon stopped")
}
