package mintqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/emberworks/geomint/geomint/audit"
)

// ProcessFunc materializes one job: submit the mint, credit the reward, merge
// the audit record. It must tolerate being run twice for the same job — a
// worker can finish the side effects and crash before acknowledging.
type ProcessFunc func(ctx context.Context, job Job) error

// Archiver exports dead-lettered jobs for operator inspection.
type Archiver interface {
	UploadDeadLetter(ctx context.Context, job Job, reason string) error
}

type WorkerConfig struct {
	Consumer        string // unique per worker process
	Concurrency     int
	MaxDeliveries   int64 // processing attempts before dead-letter
	BlockTimeout    time.Duration
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

func (c *WorkerConfig) fill() {
	if c.Concurrency <= 0 {
		c.Concurrency = 4
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 3
	}
	if c.BlockTimeout <= 0 {
		c.BlockTimeout = 5 * time.Second
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = 15 * time.Second
	}
	if c.ReclaimMinIdle <= 0 {
		c.ReclaimMinIdle = 30 * time.Second
	}
}

// Worker consumes the mint stream as one member of the consumer group.
type Worker struct {
	stream  Stream
	process ProcessFunc
	trail   audit.Trail
	archive Archiver // optional
	cfg     WorkerConfig
}

func NewWorker(stream Stream, process ProcessFunc, trail audit.Trail, archive Archiver, cfg WorkerConfig) *Worker {
	cfg.fill()
	if cfg.Consumer == "" {
		cfg.Consumer = fmt.Sprintf("worker-%d", time.Now().UnixNano())
	}
	return &Worker{
		stream:  stream,
		process: process,
		trail:   trail,
		archive: archive,
		cfg:     cfg,
	}
}

// Run blocks until ctx is cancelled, running the consume loops and the
// periodic reclaim of deliveries abandoned by dead consumers.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("Mint worker starting",
		slog.String("consumer", w.cfg.Consumer),
		slog.Int("concurrency", w.cfg.Concurrency),
		slog.Int64("max_deliveries", w.cfg.MaxDeliveries))

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.cfg.Concurrency; i++ {
		g.Go(func() error { return w.consumeLoop(ctx) })
	}
	g.Go(func() error { return w.reclaimLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consumeLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		deliveries, err := w.stream.Read(ctx, w.cfg.Consumer, 1, w.cfg.BlockTimeout)
		if errors.Is(err, ErrNoJobs) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("Mint stream read failed", slog.Any("error", err))
			// Brief pause so a down store is not hammered.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, d := range deliveries {
			w.handle(ctx, d)
		}
	}
}

func (w *Worker) reclaimLoop(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			deliveries, err := w.stream.Reclaim(ctx, w.cfg.Consumer, w.cfg.ReclaimMinIdle, 16)
			if err != nil {
				slog.Error("Mint stream reclaim failed", slog.Any("error", err))
				continue
			}
			for _, d := range deliveries {
				slog.Warn("Reclaimed abandoned mint delivery",
					slog.String("job_id", d.Job.ID),
					slog.Int64("delivery_count", d.DeliveryCount))
				w.handle(ctx, d)
			}
		}
	}
}

// handle runs one delivery. A job is processed at most MaxDeliveries times
// across all consumers; the budget is tracked by the stream's per-entry
// delivery counter, not by worker-local state.
func (w *Worker) handle(ctx context.Context, d Delivery) {
	if d.DeliveryCount > w.cfg.MaxDeliveries {
		w.deadLetter(ctx, d, "delivery budget exhausted")
		return
	}

	if err := w.process(ctx, d.Job); err != nil {
		slog.Error("Mint job processing failed",
			slog.String("job_id", d.Job.ID),
			slog.Int64("attempt", d.DeliveryCount),
			slog.Any("error", err))
		w.mergeAudit(ctx, d.Job, audit.Fields{
			"mint_status":   string(StatusFailed),
			"mint_attempts": d.DeliveryCount,
			"mint_error":    err.Error(),
		})
		if d.DeliveryCount >= w.cfg.MaxDeliveries {
			w.deadLetter(ctx, d, err.Error())
		}
		// Otherwise the entry stays pending and is retried via reclaim.
		return
	}

	w.mergeAudit(ctx, d.Job, audit.Fields{
		"mint_status":       string(StatusCompleted),
		"mint_completed_at": time.Now().UTC(),
	})
	if err := w.stream.Ack(ctx, d.StreamID); err != nil {
		// The side effects are idempotent, so redelivery here is harmless.
		slog.Error("Mint job ack failed", slog.String("job_id", d.Job.ID), slog.Any("error", err))
	}
}

func (w *Worker) deadLetter(ctx context.Context, d Delivery, reason string) {
	slog.Error("Dead-lettering mint job",
		slog.String("job_id", d.Job.ID),
		slog.Int64("delivery_count", d.DeliveryCount),
		slog.String("reason", reason))

	if err := w.stream.DeadLetter(ctx, d, reason); err != nil {
		slog.Error("Dead-letter write failed", slog.String("job_id", d.Job.ID), slog.Any("error", err))
		return
	}
	w.mergeAudit(ctx, d.Job, audit.Fields{
		"mint_status":        string(StatusDeadLettered),
		"mint_dead_reason":   reason,
		"mint_dead_lettered": time.Now().UTC(),
	})
	if w.archive != nil {
		if err := w.archive.UploadDeadLetter(ctx, d.Job, reason); err != nil {
			slog.Error("Dead-letter archive upload failed",
				slog.String("job_id", d.Job.ID),
				slog.Any("error", err))
		}
	}
}

func (w *Worker) mergeAudit(ctx context.Context, job Job, fields audit.Fields) {
	if w.trail == nil {
		return
	}
	if err := w.trail.Merge(ctx, job.AuditRef, fields); err != nil {
		slog.Error("Audit merge failed", slog.String("ref", job.AuditRef), slog.Any("error", err))
	}
}
