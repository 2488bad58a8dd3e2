package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/wabot-server-go/internal/config"
	"github.com/openclaw/wabot-server-go/internal/credstore"
	"github.com/openclaw/wabot-server-go/internal/database"
	"github.com/openclaw/wabot-server-go/internal/dispatch"
	"github.com/openclaw/wabot-server-go/internal/events"
	"github.com/openclaw/wabot-server-go/internal/handler"
	"github.com/openclaw/wabot-server-go/internal/jobs"
	"github.com/openclaw/wabot-server-go/internal/middleware"
	"github.com/openclaw/wabot-server-go/internal/redis"
	"github.com/openclaw/wabot-server-go/internal/registry"
	"github.com/openclaw/wabot-server-go/internal/repository"
	"github.com/openclaw/wabot-server-go/internal/session"
	"github.com/openclaw/wabot-server-go/internal/wa"
	"github.com/openclaw/wabot-server-go/internal/wa/bridge"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	sessionRepo := repository.NewSessionRepository(db.DB)
	msgRepo := repository.NewMessageLogRepository(db.DB)

	broker := events.NewBroker(redisClient)
	defer broker.Close()

	store := credstore.New(cfg.SessionsDir, sessionRepo)
	reg := registry.New()
	dialer := bridge.NewDialer(cfg.BridgeSocket)

	manager := session.NewManager(session.Options{
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		ReconnectDelay:       cfg.ReconnectDelay(),
		RestoreBatchSize:     cfg.RestoreBatchSize,
		RestoreBatchDelay:    cfg.RestoreBatchDelay(),
		PairingRequestDelay:  cfg.PairingRequestDelay(),
		RetryExhaustedPolicy: cfg.RetryExhaustedPolicy,
	}, store, dialer, reg, broker)

	dispatcher := dispatch.New(msgRepo, broker, func(userID string) wa.Socket {
		if entry, ok := reg.Get(userID); ok {
			return entry.Socket
		}
		return nil
	})
	dispatch.RegisterBuiltins(dispatcher, msgRepo)

	handlers := session.Handlers{
		OnMessage: dispatcher.HandleMessages,
		OnCall:    dispatcher.HandleCalls,
	}

	apiKeyMiddleware := middleware.NewAPIKeyMiddleware(cfg.APIKey)
	rateLimitMiddleware := middleware.NewRedisRateLimitMiddleware(redisClient.Client, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)

	sessionHandler := handler.NewSessionHandler(manager, handlers, msgRepo)
	eventsHandler := handler.NewEventsHandler(broker)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":    "ok",
			"sessions":  reg.Count(),
			"timestamp": time.Now().UnixMilli(),
		})
	})

	r.Route("/v1", func(r chi.Router) {
		r.Use(apiKeyMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)
		r.Mount("/sessions", sessionHandler.Routes())
		r.Get("/events", eventsHandler.ServeHTTP)
	})

	cleanupJob := jobs.NewCleanupJob(manager, sessionRepo, msgRepo, cfg.PairingTTL(), config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

	// Bring every previously linked session back up before serving traffic
	// is not required; restore runs in the background so the API is
	// reachable immediately.
	go func() {
		report := manager.RestoreAll(context.Background(), handlers)
		log.Info().
			Int("restored", report.Restored).
			Int("failed", report.Failed).
			Int("total", report.Total).
			Msg("boot-time session restore complete")
	}()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	for _, info := range manager.Sessions() {
		manager.Stop(info.UserID)
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
