// Package tickets issues signed claim tickets: the server assigns the claim
// id, timestamps and signing key, canonically encodes the ticket and has the
// configured signer produce the signature.
package tickets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/codec"
	"github.com/emberworks/geomint/geomint/signer"
)

var ErrIssuanceFailed = errors.New("tickets: issuance failed")

// IssueRequest is the unsigned claim request. Everything else on the ticket
// is server-assigned.
type IssueRequest struct {
	RewardID     string
	Latitude     float64
	Longitude    float64
	LocationHint string
	Recipient    string
}

type Issuer struct {
	signer     signer.Signer
	trail      audit.Trail
	ttlSeconds uint32
	now        func() time.Time
}

type IssuerOption func(*Issuer)

// WithClock overrides the issuance clock, used by tests.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(s signer.Signer, trail audit.Trail, ttlSeconds uint32, opts ...IssuerOption) *Issuer {
	if ttlSeconds == 0 {
		ttlSeconds = 3600
	}
	i := &Issuer{
		signer:     s,
		trail:      trail,
		ttlSeconds: ttlSeconds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue builds, signs and records a claim ticket. A signing failure fails
// the request outright.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (*SignedTicket, error) {
	now := i.now()
	tk := &codec.Ticket{
		ClaimID:      newClaimID(now),
		KeyID:        i.signer.KeyID(),
		RewardID:     req.RewardID,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		IssuedAt:     now.Unix(),
		TTLSeconds:   i.ttlSeconds,
		LocationHint: req.LocationHint,
	}

	msg, err := codec.SigningBytes(tk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}
	sig, err := i.signer.Sign(ctx, msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIssuanceFailed, err)
	}
	tk.Signature = sig

	if i.trail != nil {
		err := i.trail.Merge(ctx, fmt.Sprintf("claim:%d", tk.ClaimID), audit.Fields{
			"stage":     "issued",
			"reward_id": tk.RewardID,
			"key_id":    tk.KeyID,
			"issued_at": time.Unix(tk.IssuedAt, 0).UTC(),
			"ttl_secs":  int64(tk.TTLSeconds),
			"recipient": req.Recipient,
		})
		if err != nil {
			slog.Error("Audit merge failed for issuance",
				slog.Uint64("claim_id", tk.ClaimID),
				slog.Any("error", err))
		}
	}

	slog.Info("Issued claim ticket",
		slog.Uint64("claim_id", tk.ClaimID),
		slog.String("reward_id", tk.RewardID),
		slog.String("key_id", tk.KeyID))
	return TransportForm(tk), nil
}

// claimSeq fills the low 22 snowflake bits. Seeded randomly per process and
// incremented per ticket, so ids stay unique within a millisecond and across
// restarts.
var claimSeq atomic.Uint64

func init() {
	claimSeq.Store(uint64(rand.Int63()))
}

// newClaimID builds a time-ordered snowflake id.
func newClaimID(now time.Time) uint64 {
	return uint64(snowflake.New(now)) | (claimSeq.Add(1) & (1<<22 - 1))
}
