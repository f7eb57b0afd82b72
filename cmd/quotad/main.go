package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/tutorstack/quotaledger/internal/api"
	"github.com/tutorstack/quotaledger/internal/config"
	"github.com/tutorstack/quotaledger/internal/database"
	"github.com/tutorstack/quotaledger/internal/events"
	"github.com/tutorstack/quotaledger/internal/ledger"
	"github.com/tutorstack/quotaledger/internal/quota"
	"github.com/tutorstack/quotaledger/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("validating config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.Log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// PostgreSQL
	pool, err := database.NewPostgresPool(ctx, cfg.DB)
	if err != nil {
		slog.Error("connecting to postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := database.RunMigrations(cfg.DB.DSN(), "migrations"); err != nil {
		slog.Error("running migrations", "error", err)
		os.Exit(1)
	}

	// NATS (optional)
	var eventsClient *events.Client
	var publisher *events.Publisher
	if cfg.NATS.Enabled {
		eventsClient, err = events.NewClient(ctx, cfg.NATS)
		if err != nil {
			slog.Error("connecting to NATS", "error", err)
			os.Exit(1)
		}
		defer eventsClient.Close()
		publisher = events.NewPublisher(eventsClient.JetStream())
	}

	// Quota engine
	records := quota.NewRepository(pool)
	entries := ledger.NewRepository(pool)
	engine := quota.NewEngine(pool, records, entries, publisher, cfg.Quota)
	sweeper := quota.NewSweeper(engine, records, publisher, cfg.Sweep)
	handler := quota.NewHandler(engine, entries, sweeper)

	go sweeper.Start(ctx)

	// Router
	router := api.NewRouter(pool, eventsClient, api.RouterConfig{
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	}, api.HandlerSet{
		GetQuotaStatus: handler.GetStatus,
		ListLedger:     handler.ListLedger,
		AdjustLimit:    handler.AdjustLimit,
		TriggerSweep:   handler.TriggerSweep,
	})

	srv := server.New(cfg.Server, router)
	if err := srv.Start(ctx); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func setupLogger(cfg config.LogConfig) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "info":
		opts.Level = slog.LevelInfo
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	default:
		opts.Level = slog.LevelInfo
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
}
