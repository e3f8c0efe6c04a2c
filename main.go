package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"marketplace-chat/internal/config"
	"marketplace-chat/internal/db"
	"marketplace-chat/internal/grpcserver"
	"marketplace-chat/internal/handlers"
	"marketplace-chat/internal/logging"
	"marketplace-chat/internal/middleware"
	"marketplace-chat/internal/observability"
	"marketplace-chat/internal/presence"
	"marketplace-chat/internal/rabbitmq"
	"marketplace-chat/internal/repositories"
	"marketplace-chat/internal/storage"
	"marketplace-chat/internal/telemetry"
	"marketplace-chat/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		logger.Warn().Err(err).Msg("tracing disabled")
		shutdownTracing = func(context.Context) error { return nil }
	}

	database, err := db.Connect(cfg.DatabaseDSN, logging.Component(logger, "db"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to db")
	}
	defer database.Close()

	publisher := rabbitmq.NewPublisher(rabbitmq.Config{URL: cfg.AMQPURL, Exchange: cfg.AMQPExchange}, logging.Component(logger, "rabbitmq"))
	defer publisher.Close()
	observability.SetSink(publisher)
	logger.Info().Str("mode", publisher.Mode()).Msg("event publisher ready")

	audit := telemetry.NewAuditor(publisher, "audit.logs", cfg.ServiceName, cfg.Env, logging.Component(logger, "audit"))

	registry, closeRegistry := buildPresence(ctx, cfg, logger)
	defer closeRegistry()

	store, closeStore := buildStore(ctx, cfg, logger)
	defer closeStore()

	chatRepo := repositories.NewChatRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)

	validator := middleware.NewJWTValidator(cfg.JWTSecret)
	wsLogger := logging.Component(logger, "ws")
	hub := ws.NewHub(wsLogger)
	dispatcher := ws.NewDispatcher(hub, chatRepo, messageRepo, userRepo, registry, audit, wsLogger)
	socketHandler := ws.NewSocketHandler(hub, dispatcher, validator, registry, wsLogger)

	signer := storage.NewSigner(cfg.UploadSigningKey, cfg.PublicBaseURL, cfg.UploadURLTTL)
	fileHandler := handlers.NewFileHandler(store, signer, cfg.MaxUploadBytes, logging.Component(logger, "files"))

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.RequestLogger(logging.Component(logger, "http")))
	router.Use(observability.HTTPMetricsMiddleware())

	authMiddleware := middleware.AuthMiddleware(validator)

	router.GET("/healthz", handlers.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", socketHandler.Handle)
	router.POST("/files/generate-presigned-url", authMiddleware, fileHandler.Presign)
	router.PUT("/uploads/:key", fileHandler.Upload)
	router.GET("/files/:key", fileHandler.Download)
	handlers.RegisterDebugRoutes(router.Group("/", authMiddleware), handlers.Debug{Hub: hub, Presence: registry, Audit: audit}, cfg.IsDevelopment())

	grpcSrv := grpcserver.New(cfg.ServiceName, logging.Component(logger, "grpc"))
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen for grpc")
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Error().Err(err).Msg("grpc server stopped")
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	grpcSrv.SetServing(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	grpcSrv.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("tracing shutdown")
	}
}

func buildPresence(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (presence.Registry, func()) {
	if cfg.RedisURL == "" {
		return presence.NewMemoryRegistry(), func() {}
	}
	registry, err := presence.NewRedisRegistry(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn().Err(err).Msg("redis presence unavailable, using in-memory registry")
		return presence.NewMemoryRegistry(), func() {}
	}
	return registry, func() { _ = registry.Close() }
}

func buildStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (storage.Store, func()) {
	if cfg.MongoURI != "" {
		store, err := storage.NewGridFSStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err == nil {
			logger.Info().Str("backend", "gridfs").Msg("blob store ready")
			return store, func() { _ = store.Close(context.Background()) }
		}
		logger.Warn().Err(err).Msg("gridfs unavailable, falling back to local blobs")
	}
	store, err := storage.NewFSStore(cfg.BlobDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open blob dir")
	}
	logger.Info().Str("backend", "fs").Str("dir", cfg.BlobDir).Msg("blob store ready")
	return store, func() {}
}
