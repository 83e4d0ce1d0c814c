// Package mintqueue is the durable, at-least-once job log that carries reward
// materialization out of the request path. Producers append; competing worker
// processes in one consumer group read, process idempotently and acknowledge.
// Abandoned deliveries are reclaimed after a liveness timeout, and a job that
// keeps failing is dead-lettered after a bounded number of deliveries.
package mintqueue

import (
	"encoding/json"
	"errors"
	"time"
)

type JobStatus string

const (
	StatusQueued       JobStatus = "queued"
	StatusClaimed      JobStatus = "claimed"
	StatusCompleted    JobStatus = "completed"
	StatusFailed       JobStatus = "failed"
	StatusDeadLettered JobStatus = "dead-lettered"
)

var (
	ErrQueueUnavailable = errors.New("mintqueue: queue unavailable")
	ErrNoJobs           = errors.New("mintqueue: no jobs ready")
)

// Job is one reward materialization unit. Completion must be idempotent: a
// worker can finish the side effects, crash before acknowledging, and the job
// will be delivered again.
type Job struct {
	ID              string    `json:"id"`
	RewardRecipient string    `json:"reward_recipient"`
	RewardID        string    `json:"reward_id"`
	Amount          int64     `json:"amount"`
	AuditRef        string    `json:"audit_ref"`
	EnqueuedAt      time.Time `json:"enqueued_at"`
}

func (j Job) marshal() (string, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func unmarshalJob(data string) (Job, error) {
	var j Job
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Delivery is a job handed to one consumer, pending until acknowledged.
// DeliveryCount includes the current delivery.
type Delivery struct {
	StreamID      string
	Job           Job
	DeliveryCount int64
}
