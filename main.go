package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberworks/geomint/geomint"
	"github.com/emberworks/geomint/geomint/database"
	"github.com/emberworks/geomint/geomint/logger"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	customHandler := logger.NewHandler()
	slog.SetDefault(slog.New(customHandler))

	slog.Info("Starting GeoMint reward service",
		slog.String("version", version),
		slog.String("commit", commit))

	path := flag.String("config", "config.toml", "path to config")
	skipSchema := flag.Bool("skip-schema", false, "skip relational schema initialization")
	flag.Parse()

	cfg, err := geomint.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Configuration loaded", slog.String("environment", cfg.Environment))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	svc := geomint.New(*cfg, version, commit)

	if cfg.DB.Host != "" {
		dbStartTime := time.Now()
		db, err := database.New(ctx, cfg.DB)
		if err != nil {
			slog.Error("Database connection failed",
				slog.String("error", err.Error()),
				slog.Duration("attempted_for", time.Since(dbStartTime)))
			os.Exit(-1)
		}
		if !*skipSchema {
			if err := db.InitializeSchema(ctx); err != nil {
				slog.Error("Failed to initialize database schema", slog.Any("error", err))
				os.Exit(-1)
			}
		}
		svc.DB = db
		slog.Info("Database connected",
			slog.String("database", cfg.DB.Database),
			slog.Duration("took", time.Since(dbStartTime)))
	}

	// A broken signer or unreachable store must stop the process here, never
	// fail request by request.
	if err := svc.Setup(ctx); err != nil {
		slog.Error("Service setup failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer svc.Close(context.Background())

	slog.Info("GeoMint is running. Press CTRL-C to exit.",
		slog.String("signer_mode", cfg.Signer.Mode),
		slog.String("queue_stream", cfg.Queue.Stream))

	s := make(chan os.Signal, 1)
	signal.Notify(s, syscall.SIGINT, syscall.SIGTERM)
	<-s
	slog.Info("Shutting down...")
}
