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
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/auth"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/broadcast"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/bus"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/config"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/db"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/dispatch"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/economy"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/health"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/hub"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/logging"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/middleware"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/module"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/outbox"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/ratelimit"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/registry"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/scheduler"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/session"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/store"
	"github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/tracing"

	// Game modules register themselves at init.
	_ "github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/games/race"
	_ "github.com/tablehall/Tabletop-Arena/backend/go/internal/v1/games/reveal"
)

const serviceName = "arena-server"

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

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		provider, err := tracing.InitTracer(ctx, serviceName, cfg.OTLPEndpoint)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracer, continuing without tracing", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
			logging.Info(ctx, "✅ OTLP tracing initialized", zap.String("endpoint", cfg.OTLPEndpoint))
		}
	}

	// --- Auth ---
	skipAuth := cfg.SkipAuth
	if !skipAuth && cfg.DevelopmentMode && (cfg.Auth0Domain == "" || cfg.Auth0Audience == "") {
		logging.Warn(ctx, "⚠️  Development Mode: Auth0 credentials missing. Auto-enabling SKIP_AUTH.")
		skipAuth = true
	}

	var validator hub.TokenValidator
	if skipAuth {
		logging.Warn(ctx, "⚠️ Authentication DISABLED for development - DO NOT USE IN PRODUCTION")
		validator = &auth.MockValidator{}
	} else {
		if cfg.Auth0Domain == "" || cfg.Auth0Audience == "" {
			logging.Fatal(ctx, "AUTH0_DOMAIN and AUTH0_AUDIENCE must be set when SKIP_AUTH=false")
		}
		v, err := auth.NewValidator(ctx, cfg.Auth0Domain, cfg.Auth0Audience)
		if err != nil {
			logging.Fatal(ctx, "Failed to create auth validator", zap.Error(err))
		}
		logging.Info(ctx, "✅ Auth0 validator initialized",
			zap.String("domain", cfg.Auth0Domain), zap.String("audience", cfg.Auth0Audience))
		validator = v
	}

	// --- Redis ---
	busService, err := bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to Redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	logging.Info(ctx, "✅ Redis connected", zap.String("addr", cfg.RedisAddr))

	rdb := busService.Client()
	workerID := uuid.NewString()
	reg := registry.New(rdb)
	st := store.New(rdb, reg, workerID)

	// --- Postgres ---
	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        int32(cfg.DBMaxPoolSize),
		MinConns:        int32(cfg.DBMinPoolSize),
		MaxConnIdleTime: cfg.DBConnectionIdleLifetime,
		ConnTimeout:     cfg.DBCommandTimeout,
	})
	if err != nil {
		logging.Fatal(ctx, "Failed to connect to Postgres", zap.Error(err))
	}
	if err := db.Migrate(ctx, cfg.DatabaseURL); err != nil {
		logging.Fatal(ctx, "Database migration failed", zap.Error(err))
	}
	logging.Info(ctx, "✅ Postgres connected and migrated")

	ledger := economy.NewService(pool)

	// --- Game modules ---
	module.Instantiate(module.Deps{Store: st, Registry: reg, Economy: ledger})
	logging.Info(ctx, "game modules registered",
		zap.Int("count", len(module.GameTypes())),
		zap.Any("types", module.GameTypes()))

	// --- Runtime services ---
	workersCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	settlement := outbox.NewWorker(pool, ledger)
	go settlement.Run(workersCtx)

	bcast := broadcast.New(busService, workerID)
	dispatcher := dispatch.New(0, 0)

	sessions := session.NewManager(reg, bcast, cfg.ReconnectionGracePeriod)
	go sessions.RunCleanup(workersCtx)

	sched := scheduler.New(rdb, st, reg, bcast, settlement, workerID, scheduler.Options{
		Tick:            cfg.TickInterval,
		MaxRoomsPerTick: int64(cfg.MaxRoomsPerTick),
	})
	go sched.Run(workersCtx)

	rateLimiter, err := ratelimit.NewRateLimiter(cfg, rdb)
	if err != nil {
		logging.Fatal(ctx, "Failed to create rate limiter", zap.Error(err))
	}

	gameHub := hub.NewHub(validator, rateLimiter, sessions, reg, st, dispatcher, bcast, settlement, ledger, hub.Options{
		InitialCoins:     cfg.InitialCoins,
		RateLimitPermits: int64(cfg.RateLimitPermitLimit),
		DevMode:          cfg.DevelopmentMode,
	})

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	// Routing
	router.GET("/ws/arena", gameHub.ServeWs)

	api := router.Group("/api/v1", rateLimiter.GlobalMiddleware())
	{
		api.GET("/rooms/:gameType", rateLimiter.MiddlewareForEndpoint("rooms"), gameHub.ListRooms)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(busService, pool)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// New connections first, then in-flight commands, then background workers.
	if err := gameHub.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during dispatcher shutdown", zap.Error(err))
	}
	stopWorkers()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	if err := busService.Close(); err != nil {
		logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
	}
	pool.Close()

	logging.Info(ctx, "Server exiting")
}
