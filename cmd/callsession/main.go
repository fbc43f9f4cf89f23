package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/handlers"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/middleware"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/reconnect"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
)

const (
	busTokenTTL     = 12 * time.Hour
	shutdownTimeout = 10 * time.Second
)

func main() {
	// Load configuration
	cfg := config.Load()

	logger, err := newLogger(cfg.Environment)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	selfID, err := models.ParseParticipantID(cfg.SelfID)
	if err != nil {
		logger.Fatal("SELF_ID must name the local participant", zap.Error(err))
	}

	// Connect to Redis
	rdb, err := redis.Connect(cfg.Redis)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer rdb.Close()
	logger.Info("Redis connection established")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus, err := openBus(ctx, cfg, selfID, rdb, logger)
	if err != nil {
		logger.Fatal("Failed to open signaling bus", zap.String("backend", cfg.Signaling.Backend), zap.Error(err))
	}
	defer bus.Close()

	stack, err := media.NewStack(logger)
	if err != nil {
		logger.Fatal("Failed to initialise media stack", zap.Error(err))
	}

	registry := redis.NewCallRegistry(rdb)
	manager, err := call.NewManager(call.Config{
		SelfID:        selfID,
		ICEServers:    cfg.ICE.Servers(),
		OfferTimeout:  cfg.Call.OfferTimeout,
		StatsInterval: cfg.Call.StatsInterval,
		Policy: reconnect.Policy{
			MaxAttempts:     cfg.Call.ReconnectMaxAttempts,
			InitialInterval: cfg.Call.ReconnectInitialInterval,
			Multiplier:      cfg.Call.ReconnectMultiplier,
		},
	}, call.ManagerDeps{
		Bus:      bus,
		Stack:    stack,
		Logger:   logger,
		Registry: registry,
	})
	if err != nil {
		logger.Fatal("Failed to start call manager", zap.Error(err))
	}
	defer manager.Close()

	manager.OnIncoming(func(in *call.IncomingCall) {
		logger.Info("Incoming call",
			zap.String("room", in.RoomID),
			zap.Stringer("from", in.From),
			zap.Bool("audio_only", in.AudioOnly))
	})

	// Setup Gin router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	// Global CORS middleware (runs before routing)
	router.Use(handlers.OriginFilter(cfg.AllowedOrigins))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"bus":    bus.ConnectionState().String(),
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Call command API (authenticated as the local participant)
	apiGroup := router.Group("/api", middleware.JWTAuth(cfg.JWTSecret, cfg.SelfID))
	handlers.NewCallHandler(manager, registry, logger).Register(apiGroup)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting call session service", zap.String("port", cfg.Port), zap.Stringer("self", selfID))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func openBus(ctx context.Context, cfg *config.Config, self models.ParticipantID, rdb *goredis.Client, logger *zap.Logger) (signaling.Bus, error) {
	switch cfg.Signaling.Backend {
	case "redis":
		bus, err := signaling.NewRedisBus(ctx, rdb, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	default:
		token, err := middleware.NewToken(cfg.JWTSecret, self.String(), busTokenTTL)
		if err != nil {
			return nil, err
		}
		bus, err := signaling.DialWebSocket(ctx, signaling.WebSocketConfig{
			URL:               cfg.Signaling.URL,
			Token:             token,
			ReconnectInterval: cfg.Signaling.ReconnectInterval,
			MaxReconnects:     cfg.Signaling.MaxReconnects,
		}, logger)
		if err != nil {
			return nil, err
		}
		return bus, nil
	}
}
