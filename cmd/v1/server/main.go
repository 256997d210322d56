package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"k8s.io/utils/clock"

	"github.com/boardtop/tokenboard/internal/v1/config"
	"github.com/boardtop/tokenboard/internal/v1/health"
	"github.com/boardtop/tokenboard/internal/v1/logging"
	"github.com/boardtop/tokenboard/internal/v1/middleware"
	"github.com/boardtop/tokenboard/internal/v1/ratelimit"
	"github.com/boardtop/tokenboard/internal/v1/roomstore"
	"github.com/boardtop/tokenboard/internal/v1/server"
	"github.com/boardtop/tokenboard/internal/v1/tracing"
	"github.com/boardtop/tokenboard/internal/v1/transport"
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

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}

	if cfg.DevelopmentMode {
		slog.Info("Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.OTLPEndpoint != "" {
		tp, err := tracing.InitTracer(context.Background(), "tokenboard", cfg.OTLPEndpoint)
		if err != nil {
			slog.Error("Failed to initialize tracing", "error", err)
			os.Exit(1)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(ctx)
		}()
		slog.Info("✅ Tracing initialized", "endpoint", cfg.OTLPEndpoint)
	}

	limits := ratelimit.Limits{
		MaxConnectionsPerIP:      cfg.MaxConnectionsPerIP,
		MaxUsersPerRoom:          cfg.MaxUsersPerRoom,
		MaxRoomsPerDay:           cfg.MaxRoomsPerDay,
		ServerLivenessExpiration: cfg.ServerLivenessExpiration,
	}

	// --- Storage Backend ---
	// Redis for multi-node deployments, in-memory for single-instance mode.
	var (
		store       roomstore.RoomStore
		limiter     ratelimit.Limiter
		redisClient *redis.Client
	)
	if cfg.RedisEnabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			slog.Error("Failed to connect to Redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		store = roomstore.NewRedisRoomStoreWithClock(redisClient, clock.RealClock{}, cfg.LockExpiration)
		limiter, err = ratelimit.NewRedisLimiter(redisClient, limits)
		if err != nil {
			slog.Error("Failed to create rate limiter", "error", err)
			os.Exit(1)
		}
		slog.Info("✅ Redis room store initialized", "addr", cfg.RedisAddr)
	} else {
		store = roomstore.NewMemoryRoomStore(roomstore.NewMemoryStorage())
		limiter = ratelimit.NewMemoryLimiter(limits)
		slog.Info("Running in single-instance mode (Redis disabled)")
	}

	game := server.NewGameStateServer(store, limiter)
	hub := transport.NewHub(game, limiter, cfg.AllowedOrigins, cfg.ServerLivenessExpiration)
	hub.Start()

	// --- Set up Server ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Cors
	corsConfig := cors.DefaultConfig()
	if cfg.AllowedOrigins != "" {
		corsConfig.AllowOrigins = splitOrigins(cfg.AllowedOrigins)
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// Error handling
	router.Use(gin.Recovery())

	// Correlation IDs tie websocket sessions back to their upgrade requests
	router.Use(middleware.CorrelationID())

	// Routing: the connection path is the room id
	router.GET("/:roomId", hub.ServeWs)

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Health check endpoints
	healthHandler := health.NewHandler(redisClient)
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
		slog.Info("API server starting", "port", cfg.Port)
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

	// Stop accepting connections, then drain live ones and room actors
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown:", "error", err)
	}
	hub.Shutdown()
	game.Shutdown()

	// Close Redis connection if it was initialized
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			slog.Error("Failed to close Redis connection:", "error", err)
		} else {
			slog.Info("Redis connection closed")
		}
	}

	slog.Info("Server exiting")
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			origins = append(origins, part)
		}
	}
	return origins
}
