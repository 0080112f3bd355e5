package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/RichardWithnell/chat-service/internal/v1/auth"
	"github.com/RichardWithnell/chat-service/internal/v1/config"
	"github.com/RichardWithnell/chat-service/internal/v1/health"
	"github.com/RichardWithnell/chat-service/internal/v1/logging"
	"github.com/RichardWithnell/chat-service/internal/v1/middleware"
	"github.com/RichardWithnell/chat-service/internal/v1/ratelimit"
	"github.com/RichardWithnell/chat-service/internal/v1/service"
	"github.com/RichardWithnell/chat-service/internal/v1/tracing"
	"github.com/RichardWithnell/chat-service/internal/v1/transport"
)

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.GoEnv != "production"); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	// --- Auth ---
	var onConnect service.ConnectHook
	if cfg.SkipAuth {
		slog.Warn("⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
	} else {
		onConnect = auth.ConnectHook(auth.NewHMACValidator(cfg.JWTSecret))
		slog.Info("✅ JWT validator initialized")
	}

	// --- Rate limiting ---
	// The limiter shares counters through Redis when the state backend does.
	var limiterRedis *redis.Client
	if cfg.StateBackend == "redis" {
		limiterRedis = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		WsConnectRate: cfg.RateLimitWsIP,
		HTTPRate:      cfg.RateLimitHTTP,
		Redis:         limiterRedis,
	})
	if err != nil {
		slog.Error("Failed to create rate limiter", "error", err)
		os.Exit(1)
	}

	// --- Tracing (optional) ---
	if collectorAddr := os.Getenv("OTEL_COLLECTOR_ADDR"); collectorAddr != "" {
		tp, err := tracing.InitTracer(context.Background(), "chat-service", collectorAddr)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
		slog.Info("✅ OpenTelemetry tracing initialized", "collector", collectorAddr)
	}

	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})

	// --- Chat engine ---
	svc, err := service.NewService(service.Options{
		State:                    cfg.StateBackend,
		RedisAddr:                cfg.RedisAddr,
		RedisPassword:            cfg.RedisPassword,
		CloseTimeout:             cfg.CloseTimeout,
		BusAckTimeout:            cfg.BusAckTimeout,
		LockTTL:                  cfg.LockTTL,
		EnableAccessListsUpdates: cfg.EnableAccessListsUpdates,
		EnableDirectMessages:     cfg.EnableDirectMessages,
		EnableRoomsManagement:    cfg.EnableRoomsManagement,
		EnableUserlistUpdates:    cfg.EnableUserlistUpdates,
		UseRawErrorObjects:       cfg.UseRawErrorObjects,
		HistoryMaxGetMessages:    cfg.HistoryMaxGetMessages,
		HistoryMaxMessages:       cfg.HistoryMaxMessages,
		AllowedOrigins:           allowedOrigins,
		RateLimiter:              limiter,
		OnConnect:                onConnect,
	})
	if err != nil {
		slog.Error("Failed to construct chat service", "error", err)
		os.Exit(1)
	}

	startCtx, cancelStart := context.WithTimeout(context.Background(), 10*time.Second)
	if err := svc.Start(startCtx); err != nil {
		cancelStart()
		slog.Error("Failed to start chat service", "error", err)
		os.Exit(1)
	}
	cancelStart()

	hub, ok := svc.Transport().(*transport.Hub)
	if !ok {
		slog.Error("Transport does not serve websocket upgrades")
		os.Exit(1)
	}

	// --- Set up Server ---
	router := gin.Default()
	// Cors
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = allowedOrigins
	router.Use(cors.New(corsConfig))

	// Error handling, tracing and request correlation
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("chat-service"))
	router.Use(middleware.CorrelationID())
	router.Use(limiter.HTTPMiddleware())

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/chat", hub.ServeWs)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(svc)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		slog.Info("Chat server starting", "port", cfg.Port, "instance", svc.InstanceID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Failed to run server", "error", err)
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Disconnect all sockets and release the engine state
	if err := svc.Close(ctx); err != nil {
		slog.Error("Error during service shutdown:", "error", err)
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}

	if limiterRedis != nil {
		if err := limiterRedis.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		}
	}

	slog.Info("Server exiting")
}
