package mintqueue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emberworks/geomint/geomint/audit"
)

func testJob() Job {
	return Job{
		ID:              "job-1",
		RewardRecipient: "player-9",
		RewardID:        "42",
		Amount:          42,
		AuditRef:        "claim:1001",
		EnqueuedAt:      time.Now().UTC(),
	}
}

func TestMemoryStreamExclusiveDelivery(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream()
	if _, err := s.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	a, err := s.Read(ctx, "consumer-a", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if len(a) != 1 || a[0].DeliveryCount != 1 {
		t.Fatalf("Read() = %+v, want one first delivery", a)
	}

	// Pending entries are invisible to other consumers until reclaimed.
	if _, err := s.Read(ctx, "consumer-b", 1, 10*time.Millisecond); !errors.Is(err, ErrNoJobs) {
		t.Errorf("Read() by second consumer error = %v, want %v", err, ErrNoJobs)
	}
}

func TestMemoryStreamReclaimTransfersAbandonedWork(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	if _, err := s.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if _, err := s.Read(ctx, "crashed-consumer", 1, 10*time.Millisecond); err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	// Not idle long enough yet.
	got, err := s.Reclaim(ctx, "survivor", 30*time.Second, 16)
	if err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Reclaim() = %+v, want nothing before min idle", got)
	}

	now = now.Add(31 * time.Second)
	got, err = s.Reclaim(ctx, "survivor", 30*time.Second, 16)
	if err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	if len(got) != 1 || got[0].DeliveryCount != 2 {
		t.Fatalf("Reclaim() = %+v, want one second delivery", got)
	}
}

func TestMemoryStreamAckRemovesEntry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream()
	now := time.Now()
	s.SetClock(func() time.Time { return now })

	if _, err := s.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	got, err := s.Read(ctx, "consumer-a", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if err := s.Ack(ctx, got[0].StreamID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}

	now = now.Add(time.Hour)
	reclaimed, err := s.Reclaim(ctx, "consumer-b", time.Second, 16)
	if err != nil {
		t.Fatalf("Reclaim() error = %v", err)
	}
	if len(reclaimed) != 0 {
		t.Errorf("Reclaim() = %+v, want nothing after ack", reclaimed)
	}
}

func TestWorkerDeadLettersAfterExactRetryBudget(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	trail := audit.NewMemoryTrail()

	var attempts atomic.Int64
	alwaysFails := func(context.Context, Job) error {
		attempts.Add(1)
		return errors.New("rpc node rejected transaction")
	}

	const maxDeliveries = 3
	w := NewWorker(s, alwaysFails, trail, nil, WorkerConfig{
		Consumer:       "w1",
		MaxDeliveries:  maxDeliveries,
		ReclaimMinIdle: 30 * time.Second,
	})

	if _, err := s.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	// First delivery plus reclaim-driven retries until the budget runs out,
	// then extra reclaim rounds that must not process again.
	deliveries, err := s.Read(ctx, "w1", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	w.handle(ctx, deliveries[0])

	for round := 0; round < 5; round++ {
		now = now.Add(time.Minute)
		reclaimed, err := s.Reclaim(ctx, "w1", 30*time.Second, 16)
		if err != nil {
			t.Fatalf("Reclaim() error = %v", err)
		}
		for _, d := range reclaimed {
			w.handle(ctx, d)
		}
	}

	if got := attempts.Load(); got != maxDeliveries {
		t.Errorf("processing ran %d times, want exactly %d", got, maxDeliveries)
	}
	dead := s.DeadLettered()
	if len(dead) != 1 || dead[0].ID != "job-1" {
		t.Errorf("DeadLettered() = %+v, want job-1", dead)
	}

	entry, err := trail.Get(ctx, "claim:1001")
	if err != nil {
		t.Fatalf("trail.Get() error = %v", err)
	}
	if entry["mint_status"] != string(StatusDeadLettered) {
		t.Errorf("audit mint_status = %v, want %v", entry["mint_status"], StatusDeadLettered)
	}
}

func TestWorkerCompletionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStream()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	trail := audit.NewMemoryTrail()

	credited := make(map[string]int64)
	process := func(_ context.Context, job Job) error {
		// Deterministic merge, never an increment.
		credited[job.ID] = job.Amount
		return nil
	}
	w := NewWorker(s, process, trail, nil, WorkerConfig{Consumer: "w1", MaxDeliveries: 3})

	if _, err := s.Enqueue(ctx, testJob()); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	deliveries, err := s.Read(ctx, "w1", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	// Run the same delivery twice, as a crash between side effect and ack
	// would cause.
	w.handle(ctx, deliveries[0])
	w.handle(ctx, deliveries[0])

	if credited["job-1"] != 42 {
		t.Errorf("credited = %d, want 42 after duplicate completion", credited["job-1"])
	}
	entry, err := trail.Get(ctx, "claim:1001")
	if err != nil {
		t.Fatalf("trail.Get() error = %v", err)
	}
	if entry["mint_status"] != string(StatusCompleted) {
		t.Errorf("audit mint_status = %v, want %v", entry["mint_status"], StatusCompleted)
	}
}

func TestWorkerRunDrainsQueue(t *testing.T) {
	s := NewMemoryStream()
	trail := audit.NewMemoryTrail()

	var processed atomic.Int64
	done := make(chan struct{})
	process := func(_ context.Context, _ Job) error {
		if processed.Add(1) == 3 {
			close(done)
		}
		return nil
	}
	w := NewWorker(s, process, trail, nil, WorkerConfig{
		Consumer:     "w1",
		Concurrency:  2,
		BlockTimeout: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		job := testJob()
		job.ID = string(rune('a' + i))
		if _, err := s.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not drain the queue in time")
	}
	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run() error = %v", err)
	}
}
