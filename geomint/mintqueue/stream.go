package mintqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream is the durable job log. Implementations: Redis Streams with a
// consumer group, and an in-memory double mirroring the same delivery
// semantics for tests and development.
type Stream interface {
	// Enqueue appends a job and returns its stream position.
	Enqueue(ctx context.Context, job Job) (string, error)
	// Read blocks up to block for the next deliveries to this consumer.
	// Returns ErrNoJobs when the wait times out empty.
	Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error)
	// Ack acknowledges a delivery, removing it from the pending set.
	Ack(ctx context.Context, streamID string) error
	// Reclaim transfers deliveries pending longer than minIdle to this
	// consumer. DeliveryCount on the result includes the new delivery.
	Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error)
	// DeadLetter terminally parks a delivery for operator inspection.
	DeadLetter(ctx context.Context, d Delivery, reason string) error
}

const jobField = "job"

// RedisStream backs the queue with one Redis stream and one consumer group
// shared by every worker process.
type RedisStream struct {
	client  *redis.Client
	stream  string
	group   string
	deadKey string
}

func NewRedisStream(ctx context.Context, client *redis.Client, stream, group string) (*RedisStream, error) {
	// MKSTREAM so the group exists before the first producer append.
	err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return nil, fmt.Errorf("%w: failed to create consumer group: %v", ErrQueueUnavailable, err)
	}
	return &RedisStream{
		client:  client,
		stream:  stream,
		group:   group,
		deadKey: stream + ":dead",
	}, nil
}

func isBusyGroup(err error) bool {
	return err != nil && redis.HasErrorPrefix(err, "BUSYGROUP")
}

func (s *RedisStream) Enqueue(ctx context.Context, job Job) (string, error) {
	payload, err := job.marshal()
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{jobField: payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return id, nil
}

func (s *RedisStream) Read(ctx context.Context, consumer string, count int64, block time.Duration) ([]Delivery, error) {
	streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  []string{s.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	var deliveries []Delivery
	for _, str := range streams {
		for _, msg := range str.Messages {
			d, err := s.toDelivery(msg, 1)
			if err != nil {
				// Unparseable entry: ack it out so it cannot wedge the group.
				_ = s.Ack(ctx, msg.ID)
				continue
			}
			deliveries = append(deliveries, d)
		}
	}
	if len(deliveries) == 0 {
		return nil, ErrNoJobs
	}
	return deliveries, nil
}

func (s *RedisStream) Ack(ctx context.Context, streamID string) error {
	if err := s.client.XAck(ctx, s.stream, s.group, streamID).Err(); err != nil {
		return fmt.Errorf("%w: ack %s: %v", ErrQueueUnavailable, streamID, err)
	}
	// The entry is done; trim it from the log.
	if err := s.client.XDel(ctx, s.stream, streamID).Err(); err != nil {
		return fmt.Errorf("%w: del %s: %v", ErrQueueUnavailable, streamID, err)
	}
	return nil
}

func (s *RedisStream) Reclaim(ctx context.Context, consumer string, minIdle time.Duration, count int64) ([]Delivery, error) {
	pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: s.stream,
		Group:  s.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: pending scan: %v", ErrQueueUnavailable, err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	retries := make(map[string]int64, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
		retries[p.ID] = p.RetryCount
	}

	claimed, err := s.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: claim: %v", ErrQueueUnavailable, err)
	}

	var deliveries []Delivery
	for _, msg := range claimed {
		// XCLAIM bumps the delivery counter past the RetryCount we read.
		d, err := s.toDelivery(msg, retries[msg.ID]+1)
		if err != nil {
			_ = s.Ack(ctx, msg.ID)
			continue
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (s *RedisStream) DeadLetter(ctx context.Context, d Delivery, reason string) error {
	record := d.Job
	payload, err := record.marshal()
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, s.deadKey, d.Job.ID, payload).Err(); err != nil {
		return fmt.Errorf("%w: dead-letter %s: %v", ErrQueueUnavailable, d.Job.ID, err)
	}
	return s.Ack(ctx, d.StreamID)
}

// DeadLettered lists parked jobs for operator inspection.
func (s *RedisStream) DeadLettered(ctx context.Context) ([]Job, error) {
	entries, err := s.client.HGetAll(ctx, s.deadKey).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	jobs := make([]Job, 0, len(entries))
	for _, raw := range entries {
		job, err := unmarshalJob(raw)
		if err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *RedisStream) toDelivery(msg redis.XMessage, deliveryCount int64) (Delivery, error) {
	raw, ok := msg.Values[jobField].(string)
	if !ok {
		return Delivery{}, fmt.Errorf("mintqueue: entry %s has no job field", msg.ID)
	}
	job, err := unmarshalJob(raw)
	if err != nil {
		return Delivery{}, fmt.Errorf("mintqueue: entry %s is malformed: %w", msg.ID, err)
	}
	return Delivery{StreamID: msg.ID, Job: job, DeliveryCount: deliveryCount}, nil
}
