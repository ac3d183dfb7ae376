// Package main runs the live stream relay: HTTP API, WebSocket chat and presence, with
// graceful shutdown.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aura-live/backend/config"
	"github.com/aura-live/backend/internal/analytics"
	"github.com/aura-live/backend/internal/auth"
	"github.com/aura-live/backend/internal/chat"
	"github.com/aura-live/backend/internal/middleware"
	"github.com/aura-live/backend/internal/presence"
	"github.com/aura-live/backend/internal/realtime"
	"github.com/aura-live/backend/internal/streams"
	"github.com/aura-live/backend/internal/telemetry"
	"github.com/aura-live/backend/internal/worker"
	"github.com/aura-live/backend/pkg/database"
	applog "github.com/aura-live/backend/pkg/logger"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/redis"
	"github.com/aura-live/backend/pkg/response"
	"github.com/aura-live/backend/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := applog.New(applog.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	})
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	telemetry.Init()
	shutdownTracing, err := telemetry.InitTracing(cfg.Telemetry.ServiceName, cfg.Telemetry.OTLPEndpoint, logger)
	if err != nil {
		logger.Warn("tracing disabled", zap.Error(err))
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, redis.Options{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		OpTimeout: cfg.Relay.StoreTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)

	// Chat relay, fanned out across instances over Redis pub/sub
	pubsub := realtime.NewRedisPubSub(rdb.Client, logger)
	relay := chat.NewRelay(
		chat.NewRedisHistory(rdb.Client, cfg.Relay.HistoryCap, logger),
		pubsub, pubsub,
		chat.Config{
			BackfillLimit: cfg.Relay.BackfillLimit,
			MaxMessageLen: cfg.Relay.MaxMessageLen,
			StoreTimeout:  cfg.Relay.StoreTimeout,
		},
		logger,
	)
	defer relay.Close()

	// Presence and analytics
	tracker := presence.NewTracker(
		presence.NewPgTransactor(pool),
		presence.NewRedisSessions(rdb.Client),
		analytics.NewAggregator(logger),
		presence.Config{
			StoreTimeout: cfg.Relay.StoreTimeout,
			IdleTimeout:  cfg.Relay.PresenceIdleTimeout,
			QueueSize:    cfg.Relay.PresenceQueueSize,
		},
		logger,
	)

	hub := realtime.NewHub(relay, tracker, realtime.Config{
		AllowGuests: cfg.Relay.AllowGuests,
		GeoHeader:   cfg.Relay.GeoHeader,
		OpTimeout:   2 * cfg.Relay.StoreTimeout,
	}, logger)
	tracker.SetViewerChangeHandler(hub.NotifyViewers)

	// Streams and recordings
	streamRepo := streams.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	streamHandler := streams.NewHandler(streamRepo, tracker, hub, jobQueue, logger)
	analyticsHandler := analytics.NewHandler(analytics.NewRepository(pool), logger)
	chatHandler := chat.NewHandler(relay, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		hctx, cancel := context.WithTimeout(c.Request.Context(), cfg.Relay.StoreTimeout)
		defer cancel()
		if err := pool.Ping(hctx); err != nil {
			response.ServiceUnavailable(c, "database disconnected")
			return
		}
		if err := rdb.Ping(hctx).Err(); err != nil {
			response.ServiceUnavailable(c, "redis disconnected")
			return
		}
		response.OK(c, gin.H{"status": "ok", "database": "connected", "redis": "connected"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	requireAuth := middleware.JWT(jwtService)
	s := router.Group("/streams")
	{
		s.POST("", requireAuth, streamHandler.Create)
		s.GET("/active", streamHandler.ListActive)
		s.GET("/user/:userId", requireAuth, streamHandler.ListByUser)
		s.GET("/:id", streamHandler.GetByID)
		s.GET("/:id/viewers", streamHandler.Viewers)
		s.GET("/:id/chat", chatHandler.GetHistory)
		s.GET("/:id/analytics", requireAuth, analyticsHandler.GetByStream)

		// Ingest server hooks (nginx-rtmp on_publish / on_done)
		s.POST("/auth", streamHandler.OnPublish)
		s.POST("/complete", streamHandler.OnDone)
	}

	router.GET("/ws", hub.ServeWs(jwtService.UserID))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Recording.InProcessWorker && cfg.AWS.Region != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:           cfg.AWS.Region,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			RecordingsBucket: cfg.AWS.RecordingsBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 disabled; recording worker not started", zap.Error(err))
		} else {
			processor := worker.NewRecordingProcessor(streamRepo, s3Client, jobQueue, cfg.Recording.Dir, logger)
			go processor.Run(workerCtx)
			logger.Info("recording worker started")
		}
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	// Hijacked websockets outlive srv.Shutdown; their leaves must land before the tracker stops.
	if err := hub.Shutdown(shutdownCtx); err != nil {
		logger.Error("websocket shutdown", zap.Error(err))
	}
	tracker.Close()
	logger.Info("server stopped")
}
