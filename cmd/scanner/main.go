package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yesmonga/voiture-radar/internal/config"
	"github.com/yesmonga/voiture-radar/internal/domain"
	"github.com/yesmonga/voiture-radar/internal/handler"
	"github.com/yesmonga/voiture-radar/internal/keywords"
	"github.com/yesmonga/voiture-radar/internal/middleware"
	"github.com/yesmonga/voiture-radar/internal/notifier"
	"github.com/yesmonga/voiture-radar/internal/pipeline"
	"github.com/yesmonga/voiture-radar/internal/ratelimit"
	"github.com/yesmonga/voiture-radar/internal/realtime"
	"github.com/yesmonga/voiture-radar/internal/repository"
	"github.com/yesmonga/voiture-radar/internal/runner"
	"github.com/yesmonga/voiture-radar/internal/scoring"
	"github.com/yesmonga/voiture-radar/internal/scraper"
	"github.com/yesmonga/voiture-radar/internal/sites"
	"github.com/yesmonga/voiture-radar/internal/tracing"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Sentry
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Environment:      cfg.Environment,
			TracesSampleRate: 0.1,
		}); err != nil {
			logger.Error("failed to init sentry", slog.String("error", err.Error()))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Tracing
	ctx := context.Background()
	tracingShutdown, err := tracing.Init(ctx, "voiture-radar", cfg.OTLPEndpoint, cfg.Environment)
	if err != nil {
		logger.Warn("failed to init tracing", slog.String("error", err.Error()))
	} else {
		defer tracingShutdown(ctx)
	}

	// Database
	dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to parse database config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	dbConfig.MaxConns = int32(cfg.DBMaxConns)
	dbConfig.MinConns = int32(cfg.DBMinConns)
	dbConfig.MaxConnLifetime = cfg.DBMaxConnLife

	db, err := pgxpool.NewWithConfig(ctx, dbConfig)
	if err != nil {
		logger.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer db.Close()

	if err := db.Ping(ctx); err != nil {
		logger.Error("failed to ping database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := repository.RunMigrations(ctx, db); err != nil {
		logger.Error("failed to run migrations", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("database_connected")

	// Domain configuration
	vehicles, weights, departments, err := config.LoadVehicles(cfg.Path(cfg.VehiclesFile))
	if err != nil {
		logger.Error("failed to load vehicles config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	keywordEntries, err := config.LoadKeywords(cfg.Path(cfg.KeywordsFile))
	if err != nil {
		logger.Error("failed to load keywords config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	searches, err := config.LoadSearches(cfg.Path(cfg.SearchesFile))
	if err != nil {
		logger.Error("failed to load searches config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	matcher, err := keywords.NewMatcher(keywordEntries)
	if err != nil {
		logger.Error("failed to compile keywords", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Core components
	repo := repository.New(db, logger)
	scorer := scoring.New(vehicles, weights, departments, matcher)
	limiter := ratelimit.New(logger)
	httpClient := scraper.NewClient(limiter, logger, cfg.UserAgent)
	registry := scraper.NewRegistry()
	discord := notifier.NewDiscord(cfg.DiscordWebhookURL, logger)

	broker := realtime.NewBroker(logger)
	broker.Start()
	defer broker.Stop()

	orchestrator := pipeline.New(repo, scorer, registry, discord, logger,
		pipeline.WithDetailConcurrency(cfg.DetailConcurrency),
		pipeline.WithCallTimeout(cfg.CallTimeout),
		pipeline.WithDryRun(cfg.DryRun),
	)
	orchestrator.OnScored = broker.AnnonceScored
	orchestrator.PreloadCache(ctx, cfg.CachePreload)

	factory := func(search config.Search, source domain.Source) (scraper.IndexScraper, scraper.DetailScraper, error) {
		return sites.Build(search, source, httpClient, logger)
	}

	alerts := discord
	if cfg.AlertWebhookURL != "" {
		alerts = notifier.NewDiscord(cfg.AlertWebhookURL, logger)
	}

	run := runner.New(searches, orchestrator, registry, limiter, factory, alerts, logger)

	// Operator API
	healthHandler := handler.NewHealthHandler(db)
	annonceHandler := handler.NewAnnonceHandler(repo, logger)
	statsHandler := handler.NewStatsHandler(repo, logger)
	sseHandler := handler.NewSSEHandler(broker, logger)
	debugHandler := handler.NewDebugHandler(run, limiter, broker)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Tracing)
	r.Use(middleware.Logging(logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)
	r.Get("/live", healthHandler.Live)
	r.Handle(cfg.MetricsPath, promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/annonces", annonceHandler.ListAnnonces)
		r.Get("/annonces/{id}", annonceHandler.GetAnnonce)
		r.Put("/annonces/{id}/status", annonceHandler.UpdateStatus)
		r.Get("/stats", statsHandler.GetStats)
		r.Get("/stats/sources", statsHandler.GetStatsBySource)
		r.Get("/scans", statsHandler.GetScans)
		r.Get("/feed", sseHandler.StreamFeed)
	})

	if cfg.IsDevelopment() {
		r.Route("/debug", func(r chi.Router) {
			r.Get("/runner", debugHandler.RunnerStats)
			r.Get("/breakers", debugHandler.BreakerStatus)
			r.Get("/stats", debugHandler.AllStats)
		})
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE connections stay open
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server_starting",
			slog.Int("port", cfg.Port),
			slog.String("environment", cfg.Environment),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server_error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	// Runner loop, cancelled by SIGINT/SIGTERM. The current pipeline run
	// finishes before we exit.
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run.Run(runCtx)

	logger.Info("server_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server_shutdown_error", slog.String("error", err.Error()))
	}
	logger.Info("server_stopped")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
