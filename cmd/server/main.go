// Claim intake conversation server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"

	"github.com/ashureev/claim-intake/internal/api"
	"github.com/ashureev/claim-intake/internal/config"
	"github.com/ashureev/claim-intake/internal/conversation"
	"github.com/ashureev/claim-intake/internal/dialogue"
	"github.com/ashureev/claim-intake/internal/files"
	"github.com/ashureev/claim-intake/internal/middleware"
	"github.com/ashureev/claim-intake/internal/nlp"
	"github.com/ashureev/claim-intake/internal/realtime"
	"github.com/ashureev/claim-intake/internal/store"
	"github.com/ashureev/claim-intake/internal/transcript"
)

const limiterIdleTTL = 10 * time.Minute

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "nlp_enabled", cfg.NLPEnabled())

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	storage, err := files.NewLocalStorage(cfg.UploadDir, logger)
	if err != nil {
		slog.Error("Failed to initialize file storage", "error", err)
		os.Exit(1)
	}

	script, err := dialogue.LoadScript(cfg.ScriptPath)
	if err != nil {
		slog.Error("Failed to load dialogue script", "error", err, "path", cfg.ScriptPath)
		os.Exit(1)
	}

	// The NLP service is optional; without it the greeting and disclaimer
	// still work and later turns report it as unavailable.
	var processor nlp.Processor = nlp.Disabled{}
	if cfg.NLPEnabled() {
		clientCfg := nlp.DefaultGrpcClientConfig()
		clientCfg.Address = cfg.NLP.Addr
		clientCfg.RequestTimeout = cfg.NLP.RequestTimeout

		slog.Info("Connecting to NLP service via gRPC", "address", cfg.NLP.Addr)
		client, err := nlp.NewGrpcClient(clientCfg, logger)
		if err != nil {
			slog.Warn("Failed to connect to NLP service, NLP features will be disabled", "error", err)
		} else {
			processor = client
		}
	} else {
		slog.Info("NLP features disabled (NLP_SERVICE_ADDR not set)")
	}
	defer processor.Close()

	transcripts, err := transcript.New(transcript.Config{
		Enabled:   cfg.TranscriptLog.Enabled,
		Dir:       cfg.TranscriptLog.Dir,
		QueueSize: cfg.TranscriptLog.QueueSize,
	}, logger)
	if err != nil {
		slog.Error("Failed to initialize transcript logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := transcripts.Close(); closeErr != nil {
			slog.Error("Failed to close transcript logger", "error", closeErr)
		}
	}()

	svc, err := conversation.NewService(conversation.Deps{
		Repo:       repo,
		Machine:    dialogue.NewMachine(script, processor),
		Formats:    files.DefaultFormats(),
		Storage:    storage,
		Predictor:  processor,
		Statistics: nlp.NewCachedStatistics(processor, cfg.NLP.StatisticsCacheTTL),
		Transcript: transcripts,
		Logger:     logger,
	})
	if err != nil {
		slog.Error("Failed to initialize conversation service", "error", err)
		os.Exit(1)
	}

	// Initialize handlers.
	limiter := api.NewRateLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst, limiterIdleTTL)
	sm := realtime.NewSessionManager()
	handler := api.NewHandler(svc, repo, api.Options{
		MaxUploadBytes: cfg.MaxUploadBytes,
		Limiter:        limiter,
		Sockets:        sm,
		Logger:         logger,
	})
	wsHandler := realtime.NewWebSocketHandler(svc, sm, limiter, cfg.AllowedOrigins, logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	handler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/conversation/{id}", wsHandler.ServeHTTP)

	// Uploads stream through the handler, so no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown.
	sm.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		return
	}

	slog.Info("Server stopped successfully")
}
