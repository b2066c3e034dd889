package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/freewebtopdf/history-sanitizer/internal/api"
	"github.com/freewebtopdf/history-sanitizer/internal/cache"
	"github.com/freewebtopdf/history-sanitizer/internal/config"
	"github.com/freewebtopdf/history-sanitizer/internal/domain"
	"github.com/freewebtopdf/history-sanitizer/internal/health"
	"github.com/freewebtopdf/history-sanitizer/internal/history"
	"github.com/freewebtopdf/history-sanitizer/internal/sanitizer"
	"github.com/freewebtopdf/history-sanitizer/internal/storage"
)

func main() {
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	flag.Parse()

	if *healthCheck {
		performHealthCheck()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	setupLogger(cfg.Logging.Level, cfg.Logging.Format)

	log.Info().Msg("History sanitizer starting...")

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatal().Err(err).Msg("Failed to create required directories")
	}

	logStartupConfig(cfg)

	application, err := buildApplication(context.Background(), cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize service")
	}

	setupGracefulShutdown(application)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Info().
		Int("port", cfg.Server.Port).
		Str("addr", serverAddr).
		Msg("Starting HTTP server")

	if err := application.app.Listen(serverAddr); err != nil {
		log.Fatal().Err(err).Msg("Failed to start HTTP server")
	}
}

// application holds every long-lived component so shutdown can release
// them in dependency order
type application struct {
	app       *fiber.App
	cleanup   func()
	sanitizer *sanitizer.Service
	store     domain.StateStore
	history   domain.HistoryDeleter
}

func buildApplication(ctx context.Context, cfg *config.Config) (*application, error) {
	store, err := storage.Open(ctx, cfg.StoreOptions())
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Storage.Backend, err)
	}

	deleter, err := openHistory(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var verdicts domain.VerdictCache
	if cfg.Cache.MaxSize > 0 {
		verdicts = cache.NewLRUCache(cfg.Cache.MaxSize)
	}

	svc := sanitizer.New(store, deleter, verdicts, sanitizer.Options{
		CommitDelay: cfg.History.CommitDelay,
	})
	if err := svc.Start(ctx); err != nil {
		closeHistory(deleter)
		_ = store.Close()
		return nil, fmt.Errorf("start sanitizer: %w", err)
	}

	healthChecker := health.NewSystemHealthChecker(store, deleter, svc, verdicts)

	router := api.SetupRouter(
		api.RouterDependencies{
			Sanitizer:     svc,
			Store:         store,
			HealthChecker: healthChecker,
		},
		api.RouterConfig{
			CORSOrigins:    cfg.Security.CORSOrigins,
			BodyLimit:      cfg.Server.BodyLimit,
			ReadTimeout:    cfg.Server.ReadTimeout,
			WriteTimeout:   cfg.Server.WriteTimeout,
			RateLimitRPS:   cfg.Security.RateLimitRPS,
			RateLimitBurst: cfg.Security.RateLimitBurst,
		},
	)

	return &application{
		app:       router.App,
		cleanup:   router.Cleanup,
		sanitizer: svc,
		store:     store,
		history:   deleter,
	}, nil
}

func openHistory(cfg *config.Config) (domain.HistoryDeleter, error) {
	switch cfg.History.Backend {
	case config.HistorySQLite:
		h, err := history.NewSQLiteHistory(cfg.History.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open history database: %w", err)
		}
		return h, nil
	default:
		log.Warn().Msg("History backend is dryrun, matching URLs will only be logged")
		return history.NewDryRunHistory(), nil
	}
}

func closeHistory(h domain.HistoryDeleter) {
	if closer, ok := h.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("Error closing history database")
		}
	}
}

// shutdown stops accepting requests, drains pending commit checks and
// closes the backends
func (a *application) shutdown(ctx context.Context) {
	log.Info().Msg("Stopping HTTP server...")
	if err := a.app.ShutdownWithContext(ctx); err != nil {
		log.Error().Err(err).Msg("Error during HTTP server shutdown")
	}
	a.cleanup()

	log.Info().Msg("Waiting for pending navigation checks...")
	if err := a.sanitizer.Close(); err != nil {
		log.Error().Err(err).Msg("Error stopping sanitizer")
	}

	closeHistory(a.history)
	if err := a.store.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing state store")
	}
}

// setupLogger applies the validated logging settings, which may come from .env
func setupLogger(level, format string) {
	zerolog.TimeFieldFormat = time.RFC3339

	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	if format == "text" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func logStartupConfig(cfg *config.Config) {
	log.Info().
		Int("server_port", cfg.Server.Port).
		Dur("server_read_timeout", cfg.Server.ReadTimeout).
		Dur("server_write_timeout", cfg.Server.WriteTimeout).
		Int("server_body_limit", cfg.Server.BodyLimit).
		Int("cache_max_size", cfg.Cache.MaxSize).
		Str("storage_backend", cfg.Storage.Backend).
		Str("storage_data_dir", cfg.Storage.DataDir).
		Dur("storage_watch_interval", cfg.Storage.WatchInterval).
		Str("history_backend", cfg.History.Backend).
		Dur("history_commit_delay", cfg.History.CommitDelay).
		Strs("security_cors_origins", cfg.Security.CORSOrigins).
		Int("security_rate_limit_rps", cfg.Security.RateLimitRPS).
		Str("logging_level", cfg.Logging.Level).
		Str("logging_format", cfg.Logging.Format).
		Msg("Configuration loaded successfully")
}

func setupGracefulShutdown(a *application) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-ctx.Done()
		stop()

		log.Info().Msg("Received shutdown signal, initiating graceful shutdown")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		a.shutdown(shutdownCtx)

		log.Info().Msg("Graceful shutdown completed")
		os.Exit(0)
	}()
}

func performHealthCheck() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	client := &http.Client{
		Timeout: 3 * time.Second,
	}

	resp, err := client.Get(fmt.Sprintf("http://localhost:%s/health", port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: HTTP %d\n", resp.StatusCode)
		os.Exit(1)
	}

	fmt.Println("Health check passed")
	os.Exit(0)
}
