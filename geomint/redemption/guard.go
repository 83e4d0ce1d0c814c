package redemption

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/codec"
	"github.com/emberworks/geomint/geomint/ledger"
	"github.com/emberworks/geomint/geomint/mintqueue"
)

// Code is the caller-visible outcome taxonomy. Codes are human-readable
// reason codes, never raw store errors.
type Code string

const (
	CodeOK               Code = "ok"
	CodeValidation       Code = "validation_error"
	CodeUnknownKey       Code = "unknown_key"
	CodeBadSignature     Code = "bad_signature"
	CodeExpired          Code = "expired"
	CodeConflict         Code = "conflict"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeProcessing       Code = "processing_failure"
)

// Result reports one redemption attempt. Prior carries the winning record's
// redeemedBy/redeemedAt on Conflict, for transparency only.
type Result struct {
	Code       Code
	Reason     string
	NewBalance int64
	MintJobID  string
	Prior      *Record
}

// KeyResolver resolves verification keys; satisfied by keyring.Registry.
type KeyResolver interface {
	ResolveVerificationKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

// Enqueuer appends mint jobs; satisfied by both mintqueue stream
// implementations.
type Enqueuer interface {
	Enqueue(ctx context.Context, job mintqueue.Job) (string, error)
}

// Archiver persists finished redemption records for query and dispute
// handling. Write-behind: never load-bearing for correctness.
type Archiver interface {
	SaveRedemption(ctx context.Context, rec Record) error
}

const defaultLockGrace = 60 * time.Second

// Guard runs the redemption pipeline: verify, check freshness, win the
// conditional create, grant the reward.
type Guard struct {
	keys      KeyResolver
	store     Store
	rewards   ledger.Ledger
	mint      Enqueuer
	trail     audit.Trail
	archive   Archiver // optional
	now       func() time.Time
	lockGrace time.Duration
	amountFor func(rewardID string) (int64, error)
}

type GuardOption func(*Guard)

// WithClock overrides the server clock, used by tests. Freshness is always
// evaluated against this clock, never client-supplied time.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) { g.now = now }
}

// WithLockGrace overrides how far past the ticket's own expiry the
// redemption lock lives.
func WithLockGrace(grace time.Duration) GuardOption {
	return func(g *Guard) { g.lockGrace = grace }
}

// WithRewardAmount overrides how a reward id maps to a credited amount.
func WithRewardAmount(fn func(rewardID string) (int64, error)) GuardOption {
	return func(g *Guard) { g.amountFor = fn }
}

// WithArchiver installs the post-commit record archive.
func WithArchiver(a Archiver) GuardOption {
	return func(g *Guard) { g.archive = a }
}

func NewGuard(keys KeyResolver, store Store, rewards ledger.Ledger, mint Enqueuer, trail audit.Trail, opts ...GuardOption) *Guard {
	g := &Guard{
		keys:      keys,
		store:     store,
		rewards:   rewards,
		mint:      mint,
		trail:     trail,
		now:       time.Now,
		lockGrace: defaultLockGrace,
		amountFor: func(rewardID string) (int64, error) {
			return strconv.ParseInt(rewardID, 10, 64)
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Redeem runs one redemption attempt for redeemedBy. Exactly one of N
// simultaneous attempts for the same claim wins the conditional create; the
// rest see Conflict. The returned error is non-nil only for infrastructure
// faults, mirrored by the result code.
func (g *Guard) Redeem(ctx context.Context, ticket *codec.Ticket, redeemedBy string) (*Result, error) {
	// 1. Structural validation. Caller fault, no state created.
	if redeemedBy == "" {
		return &Result{Code: CodeValidation, Reason: "caller identity is required"}, nil
	}
	if err := ticket.Validate(); err != nil {
		return &Result{Code: CodeValidation, Reason: err.Error()}, nil
	}
	if len(ticket.Signature) != codec.SignatureSize {
		return &Result{Code: CodeValidation, Reason: "signature must be 64 bytes"}, nil
	}

	// 2. Key resolution. Revoked, unknown and expired-for-verification keys
	// all reject here.
	pub, err := g.keys.ResolveVerificationKey(ctx, ticket.KeyID)
	if err != nil {
		return &Result{Code: CodeUnknownKey, Reason: fmt.Sprintf("key %s is not available for verification", ticket.KeyID)}, nil
	}

	// 3. Recompute canonical bytes and verify. Stateless, safely retryable.
	msg, err := codec.SigningBytes(ticket)
	if err != nil {
		return &Result{Code: CodeValidation, Reason: err.Error()}, nil
	}
	if !ed25519.Verify(pub, msg, ticket.Signature) {
		return &Result{Code: CodeBadSignature, Reason: "signature does not verify"}, nil
	}

	// 4. Freshness against the server's own clock.
	now := g.now()
	expiresAt := time.Unix(ticket.IssuedAt+int64(ticket.TTLSeconds), 0)
	if expiresAt.Unix() < now.Unix() {
		return &Result{Code: CodeExpired, Reason: "ticket has expired"}, nil
	}

	// 5. Single-use enforcement: atomic create-if-absent, expiring slightly
	// after the ticket itself so the lock does not outlive its usefulness.
	lockTTL := expiresAt.Sub(now) + g.lockGrace
	if lockTTL < g.lockGrace {
		lockTTL = g.lockGrace
	}
	rec := Record{
		ClaimID:    ticket.ClaimID,
		RedeemedBy: redeemedBy,
		RedeemedAt: now.UTC(),
		Phase:      PhaseClaimed,
		RewardID:   ticket.RewardID,
	}
	created, existing, err := g.store.TryCreate(ctx, rec, lockTTL)
	if err != nil {
		return &Result{Code: CodeStoreUnavailable, Reason: "redemption store unreachable"}, err
	}
	if !created {
		res := &Result{Code: CodeConflict, Reason: "claim already redeemed", Prior: existing}
		return res, nil
	}

	// 6. Won the create: grant the reward. From here the redemption is
	// committed; the credit is idempotent against the claim ref, so a retry
	// after a partial failure cannot double count.
	return g.grant(ctx, ticket, rec)
}

func (g *Guard) grant(ctx context.Context, ticket *codec.Ticket, rec Record) (*Result, error) {
	claimRef := auditRef(ticket.ClaimID)

	amount, err := g.amountFor(ticket.RewardID)
	if err != nil {
		g.mergeAudit(ctx, claimRef, audit.Fields{
			"stage":       string(PhaseClaimed),
			"redeemed_by": rec.RedeemedBy,
			"grant_error": fmt.Sprintf("unresolvable reward %s", ticket.RewardID),
		})
		return &Result{Code: CodeProcessing, Reason: "reward could not be resolved"}, err
	}

	balance, err := g.rewards.CreditReward(ctx, rec.RedeemedBy, amount, claimRef)
	if err != nil {
		// The lock is held but the reward is not granted: the record stays
		// in the claimed phase, visible in the audit trail for resolution.
		g.mergeAudit(ctx, claimRef, audit.Fields{
			"stage":       string(PhaseClaimed),
			"redeemed_by": rec.RedeemedBy,
			"grant_error": "reward crediting failed",
		})
		return &Result{Code: CodeProcessing, Reason: "reward crediting failed"}, err
	}

	job := mintqueue.Job{
		ID:              fmt.Sprintf("mint-%d", ticket.ClaimID),
		RewardRecipient: rec.RedeemedBy,
		RewardID:        ticket.RewardID,
		Amount:          amount,
		AuditRef:        claimRef,
		EnqueuedAt:      g.now().UTC(),
	}
	jobID, err := g.mint.Enqueue(ctx, job)
	if err != nil {
		g.mergeAudit(ctx, claimRef, audit.Fields{
			"stage":       string(PhaseClaimed),
			"redeemed_by": rec.RedeemedBy,
			"grant_error": "mint enqueue failed",
		})
		return &Result{Code: CodeProcessing, Reason: "mint job could not be enqueued"}, err
	}

	rec.Phase = PhaseRewarded
	rec.Amount = amount
	rec.MintJobID = job.ID
	if err := g.store.Update(ctx, rec); err != nil {
		// The reward is granted and the credit is idempotent; a stale
		// claimed-phase record is an audit concern, not a correctness one.
		slog.Error("Failed to merge redemption outcome",
			slog.Uint64("claim_id", ticket.ClaimID),
			slog.Any("error", err))
	}
	g.mergeAudit(ctx, claimRef, audit.Fields{
		"stage":       string(PhaseRewarded),
		"redeemed_by": rec.RedeemedBy,
		"redeemed_at": rec.RedeemedAt,
		"reward_id":   ticket.RewardID,
		"amount":      amount,
		"mint_job_id": job.ID,
		"stream_id":   jobID,
	})
	if g.archive != nil {
		if err := g.archive.SaveRedemption(ctx, rec); err != nil {
			slog.Error("Redemption archive write failed",
				slog.Uint64("claim_id", ticket.ClaimID),
				slog.Any("error", err))
		}
	}

	return &Result{
		Code:       CodeOK,
		NewBalance: balance,
		MintJobID:  job.ID,
	}, nil
}

func (g *Guard) mergeAudit(ctx context.Context, ref string, fields audit.Fields) {
	if g.trail == nil {
		return
	}
	if err := g.trail.Merge(ctx, ref, fields); err != nil {
		slog.Error("Audit merge failed", slog.String("ref", ref), slog.Any("error", err))
	}
}

func auditRef(claimID uint64) string {
	return fmt.Sprintf("claim:%d", claimID)
}
