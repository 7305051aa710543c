package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/mymeet/signaling/internal/v1/auth"
	"github.com/mymeet/signaling/internal/v1/config"
	"github.com/mymeet/signaling/internal/v1/health"
	"github.com/mymeet/signaling/internal/v1/logging"
	"github.com/mymeet/signaling/internal/v1/middleware"
	"github.com/mymeet/signaling/internal/v1/ratelimit"
	"github.com/mymeet/signaling/internal/v1/session"
	"github.com/mymeet/signaling/internal/v1/store"
	"github.com/mymeet/signaling/internal/v1/tracing"
)

const serviceName = "signaling-hub"

func main() {
	// Load .env for local development. Paths cover running from the repo
	// root and from this directory.
	envPaths := []string{".env", "../../../.env", "../../.env"}
	envLoaded := false
	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			envLoaded = true
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		// Logging is not up yet.
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}

	logging.Initialize(cfg.GoEnv != "production")
	defer logging.Sync()

	ctx := context.Background()
	if !envLoaded {
		logging.Warn(ctx, "No .env file found, relying on environment variables")
	}
	logging.Info(ctx, "Configuration validated",
		zap.String("port", cfg.Port),
		zap.String("goEnv", cfg.GoEnv),
		zap.Bool("devMode", cfg.DevelopmentMode),
		zap.Bool("redisEnabled", cfg.RedisEnabled),
		zap.Bool("tracingEnabled", cfg.TracingEnabled),
		zap.String("auth0Domain", cfg.Auth0Domain),
		zap.String("redisPassword", config.RedactSecret(cfg.RedisPassword)),
	)

	// --- Tracing (optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing", zap.Error(err))
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(shutdownCtx); err != nil {
				logging.Error(ctx, "Failed to shut down tracer provider", zap.Error(err))
			}
		}()
		logging.Info(ctx, "Tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
	}

	// --- Token validation ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "Development mode without Auth0 credentials, disabling auth")
		skipAuth = true
	}

	var validator session.TokenValidator
	if skipAuth {
		logging.Warn(ctx, "Authentication DISABLED, do not use in production")
		validator = &auth.MockValidator{}
	} else {
		authValidator, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Error(ctx, "Failed to create auth validator", zap.Error(err))
			os.Exit(1)
		}
		validator = authValidator
		logging.Info(ctx, "Auth0 validator initialized", zap.String("domain", cfg.Auth0Domain))
	}

	// --- Meeting store (optional) ---
	var redisStore *store.RedisStore
	if cfg.RedisEnabled {
		redisStore, err = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running without meeting store", zap.Error(err))
			redisStore = nil
		} else {
			logging.Info(ctx, "Meeting store connected", zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Meeting store disabled, hub state is in-memory only")
	}

	var meetingStore session.MeetingStore
	var pinger health.Pinger
	if redisStore != nil {
		meetingStore = redisStore
		pinger = redisStore
	}

	// --- Rate limiting ---
	rateLimiter, err := ratelimit.NewRateLimiter(cfg, redisStore.Client())
	if err != nil {
		logging.Error(ctx, "Failed to create rate limiter", zap.Error(err))
		os.Exit(1)
	}

	// --- Hub ---
	hub := session.NewHub(validator, meetingStore, rateLimiter, cfg.DevelopmentMode)

	// --- HTTP surface ---
	if cfg.GoEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.ParseAllowedOrigins(cfg.AllowedOrigins, []string{"http://localhost:3000"})
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.CorrelationID())

	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/v1/session/:roomId", hub.ServeWs)
	}

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	healthHandler := health.NewHandler(pinger, hub)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logging.Info(ctx, "Signaling hub listening", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// --- Graceful shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Rooms first so members receive meeting-ended before sockets close.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Error during hub shutdown", zap.Error(err))
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(shutdownCtx, "Server forced to shut down", zap.Error(err))
	}

	if err := redisStore.Close(); err != nil {
		logging.Error(shutdownCtx, "Failed to close meeting store", zap.Error(err))
	}

	logging.Info(ctx, "Server exiting")
}
