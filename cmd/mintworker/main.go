package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/emberworks/geomint/geomint"
	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/chain"
	"github.com/emberworks/geomint/geomint/database"
	"github.com/emberworks/geomint/geomint/ledger"
	"github.com/emberworks/geomint/geomint/logger"
	"github.com/emberworks/geomint/geomint/mint"
	"github.com/emberworks/geomint/geomint/mintqueue"
	"github.com/emberworks/geomint/geomint/services"
)

func main() {
	slog.SetDefault(slog.New(logger.NewHandler()))

	path := flag.String("config", "config.toml", "path to config")
	consumer := flag.String("consumer", "", "unique consumer name, defaults to hostname+pid")
	flag.Parse()

	cfg, err := geomint.LoadConfig(*path)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(-1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	// Workers have no degraded mode: every store they touch is load-bearing.
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Mint queue unreachable", slog.Any("error", err))
		os.Exit(-1)
	}
	stream, err := mintqueue.NewRedisStream(ctx, client, cfg.Queue.Stream, cfg.Queue.Group)
	if err != nil {
		slog.Error("Failed to join consumer group", slog.Any("error", err))
		os.Exit(-1)
	}

	db, err := database.New(ctx, cfg.DB)
	if err != nil {
		slog.Error("Database connection failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer db.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Mongo.URI))
	if err != nil {
		slog.Error("Audit store connection failed", slog.Any("error", err))
		os.Exit(-1)
	}
	defer mongoClient.Disconnect(context.Background())

	dbName := cfg.Mongo.Database
	if dbName == "" {
		dbName = "geomint"
	}
	trail, err := audit.NewMongoTrail(ctx, mongoClient.Database(dbName).Collection("audit_trail"), cfg.Mongo.RetentionDays)
	if err != nil {
		slog.Error("Audit trail setup failed", slog.Any("error", err))
		os.Exit(-1)
	}

	settlement, err := chain.NewClient(cfg.Chain)
	if err != nil {
		slog.Error("Settlement client setup failed", slog.Any("error", err))
		os.Exit(-1)
	}

	var archive mintqueue.Archiver
	var archiveSvc *services.ArchiveService
	if cfg.Archive.Bucket != "" {
		archiveSvc, err = services.NewArchiveService(cfg.Archive)
		if err != nil {
			slog.Error("Archive service setup failed", slog.Any("error", err))
			os.Exit(-1)
		}
		archive = archiveSvc
		slog.Info("Archive export enabled",
			slog.String("bucket", archiveSvc.GetBucket()),
			slog.String("region", archiveSvc.GetRegion()))
	}

	name := *consumer
	if name == "" {
		name = cfg.Queue.Consumer
	}
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	process := mint.NewProcessor(settlement, ledger.NewPGLedger(db.BunDB()), trail)
	worker := mintqueue.NewWorker(stream, process, trail, archive, mintqueue.WorkerConfig{
		Consumer:        name,
		Concurrency:     cfg.Queue.Concurrency,
		MaxDeliveries:   cfg.Queue.MaxDeliveries,
		ReclaimInterval: time.Duration(cfg.Queue.ReclaimSecs) * time.Second,
		ReclaimMinIdle:  time.Duration(cfg.Queue.ReclaimIdleSecs) * time.Second,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ship daily audit exports to object storage before the trail's retention
	// TTL ages the entries out.
	if archiveSvc != nil {
		if snap, ok := trail.(audit.Snapshotter); ok {
			go audit.RunSnapshotLoop(runCtx, snap, archiveSvc, 24*time.Hour)
		}
	}

	slog.Info("Mint worker running. Press CTRL-C to exit.",
		slog.String("consumer", name),
		slog.String("stream", cfg.Queue.Stream),
		slog.String("group", cfg.Queue.Group))

	if err := worker.Run(runCtx); err != nil {
		slog.Error("Mint worker stopped", slog.Any("error", err))
		os.Exit(-1)
	}
	slog.Info("Shutting down...")
}
