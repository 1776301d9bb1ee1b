// Command presenced serves the presence API: heartbeat ingestion, the live
// presence stream and operational endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/devmesh-labs/devmesh/internal/auth"
	"github.com/devmesh-labs/devmesh/internal/config"
	"github.com/devmesh-labs/devmesh/internal/database"
	"github.com/devmesh-labs/devmesh/internal/httpx"
	"github.com/devmesh-labs/devmesh/internal/logging"
	"github.com/devmesh-labs/devmesh/internal/metrics"
	"github.com/devmesh-labs/devmesh/internal/presence"
	"github.com/devmesh-labs/devmesh/internal/repositories"
)

var version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidatePresence(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	logger, err := logging.New("presenced", cfg.Environment, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		return fmt.Errorf("failed to create redis client: %w", err)
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	presenceMetrics := metrics.NewPresenceMetrics(registry)

	repo := repositories.NewRedisPresenceRepository(redisClient)
	store := presence.NewStore(repo, presenceMetrics, logger.Named("store"))
	defer store.Close()

	tokens := auth.NewService(cfg.JWTSecret)
	handler := presence.NewHandler(store, tokens, presenceMetrics, cfg.IsProduction(), logger.Named("handler"))

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(httpx.RequestLogger(logger))
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		MaxAge:         300,
	}))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.Mount("/v1/presence", handler.Routes())

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("presenced ready",
			zap.String("version", version),
			zap.String("port", cfg.ServerPort),
			zap.Bool("production", cfg.IsProduction()),
		)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down presenced")

		// Closing the store ends every live stream, so open SSE requests
		// drain instead of pinning Shutdown to its deadline.
		store.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("presenced failed: %w", err)
	}
	logger.Info("presenced stopped")
	return nil
}
