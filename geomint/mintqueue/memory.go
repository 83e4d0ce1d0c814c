package mintqueue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStream mirrors the Redis delivery semantics in process memory:
// consumer-exclusive pending entries, explicit acks, idle-based reclaim and a
// dead-letter park. Used by tests and the degraded development mode.
type MemoryStream struct {
	mu      sync.Mutex
	seq     int64
	entries []*memEntry
	dead    map[string]Job
	notify  chan struct{}
	now     func() time.Time
}

type memEntry struct {
	id            string
	job           Job
	pending       bool
	consumer      string
	deliveredAt   time.Time
	deliveryCount int64
	acked         bool
}

func NewMemoryStream() *MemoryStream {
	return &MemoryStream{
		dead:   make(map[string]Job),
		notify: make(chan struct{}, 1),
		now:    time.Now,
	}
}

// SetClock overrides the idle clock, used by reclaim tests.
func (s *MemoryStream) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStream) Enqueue(_ context.Context, job Job) (string, error) {
	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%d-0", s.seq)
	s.entries = append(s.entries, &memEntry{id: id, job: job})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return id, nil
}

func (s *MemoryStream) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		if deliveries := s.takeNew(consumer, count); len(deliveries) > 0 {
			return deliveries, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, ErrNoJobs
		case <-s.notify:
		}
	}
}

func (s *MemoryStream) takeNew(consumer string, count int64) []Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deliveries []Delivery
	for _, e := range s.entries {
		if e.acked || e.pending {
			continue
		}
		e.pending = true
		e.consumer = consumer
		e.deliveredAt = s.now()
		e.deliveryCount++
		deliveries = append(deliveries, Delivery{StreamID: e.id, Job: e.job, DeliveryCount: e.deliveryCount})
		if int64(len(deliveries)) >= count {
			break
		}
	}
	return deliveries
}

func (s *MemoryStream) Ack(_ context.Context, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.id == streamID {
			e.acked = true
			e.pending = false
			return nil
		}
	}
	return nil
}

func (s *MemoryStream) Reclaim(_ context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deliveries []Delivery
	for _, e := range s.entries {
		if e.acked || !e.pending {
			continue
		}
		if s.now().Sub(e.deliveredAt) < minIdle {
			continue
		}
		e.consumer = consumer
		e.deliveredAt = s.now()
		e.deliveryCount++
		deliveries = append(deliveries, Delivery{StreamID: e.id, Job: e.job, DeliveryCount: e.deliveryCount})
		if int64(len(deliveries)) >= count {
			break
		}
	}
	return deliveries, nil
}

func (s *MemoryStream) DeadLetter(ctx context.Context, d Delivery, _ string) error {
	s.mu.Lock()
	s.dead[d.Job.ID] = d.Job
	s.mu.Unlock()
	return s.Ack(ctx, d.StreamID)
}

// DeadLettered lists parked jobs.
func (s *MemoryStream) DeadLettered() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]Job, 0, len(s.dead))
	for _, j := range s.dead {
		jobs = append(jobs, j)
	}
	return jobs
}
