package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/llmops/metered-gateway/internal/billing"
	"github.com/llmops/metered-gateway/internal/gateway/cache"
	"github.com/llmops/metered-gateway/internal/gateway/handlers"
	"github.com/llmops/metered-gateway/internal/gateway/ratelimit"
	"github.com/llmops/metered-gateway/internal/gateway/stream"
	"github.com/llmops/metered-gateway/internal/gateway/upstream"
	"github.com/llmops/metered-gateway/internal/gateway/wallet"
	"github.com/llmops/metered-gateway/internal/shared/config"
	"github.com/llmops/metered-gateway/internal/shared/database"
	"github.com/llmops/metered-gateway/internal/shared/redis"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting metered gateway",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Identity + ledger store
	db, err := database.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	// Shared counter/cache store
	redisClient, err := redis.New(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Gateway components
	wallets := wallet.New(redisClient, db, cfg.WalletTTL, logger)
	limiter := ratelimit.New(redisClient, cfg.RateLimitWindow, cfg.RateLimitMax, logger)
	responseCache := cache.New(redisClient, cfg.CacheTTL, logger)
	up := upstream.New(cfg.UpstreamEndpoint, cfg.UpstreamAPIKey, cfg.UpstreamAPIVersion,
		cfg.ModelDeployments, cfg.UpstreamTimeout, logger)
	meter := billing.NewMeter(db, wallets, billing.DefaultPricer, logger)
	reemitter := stream.New(logger)

	chatHandler := handlers.NewChatHandler(up, responseCache, meter, reemitter, cfg.DefaultModel, logger)
	mw := handlers.NewMiddleware(wallets, limiter, logger)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(cfg.UpstreamTimeout + 30*time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", handlers.APIKeyHeader},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(mw.Auth)
		r.Use(mw.RateLimit)
		r.Post("/chat", chatHandler.HandleChat)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: cfg.UpstreamTimeout + 60*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "development" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}
