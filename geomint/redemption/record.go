// Package redemption enforces exactly-once redemption of signed claim
// tickets. The only coordination between request-handling processes is the
// durable store's atomic conditional create; there is no in-process lock
// providing real exclusion.
package redemption

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Phase separates "the lock is taken" from "the reward was granted", so a
// crash between the two is visible instead of silently assumed complete.
type Phase string

const (
	PhaseClaimed  Phase = "claimed"
	PhaseRewarded Phase = "rewarded"
)

var ErrStoreUnavailable = errors.New("redemption: store unavailable")

// Record is created at most once per claim. The conditional create of this
// record is the system's core correctness guarantee.
type Record struct {
	ClaimID    uint64    `json:"claim_id"`
	RedeemedBy string    `json:"redeemed_by"`
	RedeemedAt time.Time `json:"redeemed_at"`
	Phase      Phase     `json:"phase"`
	RewardID   string    `json:"reward_id"`
	Amount     int64     `json:"amount,omitempty"`
	MintJobID  string    `json:"mint_job_id,omitempty"`
}

// Store is the durable redemption record store. TryCreate is atomic
// create-if-absent; everything else is informational or post-commit.
type Store interface {
	// TryCreate creates the record only if absent, with the given expiry.
	// Returns created=false and the winning record (nil if it expired in
	// between) when the claim was already redeemed.
	TryCreate(ctx context.Context, rec Record, ttl time.Duration) (created bool, existing *Record, err error)
	// Update replaces the record, keeping its remaining expiry. Used to merge
	// the outcome after the reward is granted; not load-bearing for the
	// exactly-once guarantee.
	Update(ctx context.Context, rec Record) error
	// Get returns the record or nil if absent.
	Get(ctx context.Context, claimID uint64) (*Record, error)
}

const redisKeyPrefix = "geomint:redemption:"

// RedisStore implements the conditional create with SET NX EX.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisKey(claimID uint64) string {
	return fmt.Sprintf("%s%d", redisKeyPrefix, claimID)
}

func (s *RedisStore) TryCreate(ctx context.Context, rec Record, ttl time.Duration) (bool, *Record, error) {
	payload, err := json.Marshal(rec)
	if err != nil {
		return false, nil, err
	}
	created, err := s.client.SetNX(ctx, redisKey(rec.ClaimID), payload, ttl).Result()
	if err != nil {
		return false, nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if created {
		return true, nil, nil
	}
	existing, err := s.Get(ctx, rec.ClaimID)
	if err != nil {
		// The create already lost; the winner's details are transparency
		// only, so a failed read does not change the outcome.
		return false, nil, nil
	}
	return false, existing, nil
}

func (s *RedisStore) Update(ctx context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, redisKey(rec.ClaimID), payload, redis.SetArgs{KeepTTL: true}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, claimID uint64) (*Record, error) {
	raw, err := s.client.Get(ctx, redisKey(claimID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// MemoryStore is the in-memory store double. Development and test use only;
// it must never stand in silently for the durable store in production.
type MemoryStore struct {
	mu      sync.Mutex
	records map[uint64]memoryRecord
	now     func() time.Time
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]memoryRecord),
		now:     time.Now,
	}
}

// SetClock overrides the expiry clock, used by tests.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) TryCreate(_ context.Context, rec Record, ttl time.Duration) (bool, *Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.ClaimID]; ok && s.now().Before(existing.expiresAt) {
		copied := existing.rec
		return false, &copied, nil
	}
	s.records[rec.ClaimID] = memoryRecord{rec: rec, expiresAt: s.now().Add(ttl)}
	return true, nil, nil
}

func (s *MemoryStore) Update(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[rec.ClaimID]
	if !ok {
		return fmt.Errorf("redemption: no record for claim %d", rec.ClaimID)
	}
	existing.rec = rec
	s.records[rec.ClaimID] = existing
	return nil
}

func (s *MemoryStore) Get(_ context.Context, claimID uint64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records[claimID]
	if !ok || !s.now().Before(existing.expiresAt) {
		return nil, nil
	}
	copied := existing.rec
	return &copied, nil
}
