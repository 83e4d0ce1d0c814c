package redemption

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

// RedemptionArchive is the Postgres copy of a finished redemption, kept for
// query and dispute handling long after the Redis lock has expired.
type RedemptionArchive struct {
	bun.BaseModel `bun:"table:redemption_archive,alias:ra"`

	ClaimID    uint64    `bun:"claim_id,pk"`
	RedeemedBy string    `bun:"redeemed_by,notnull"`
	RedeemedAt time.Time `bun:"redeemed_at,notnull"`
	Phase      string    `bun:"phase,notnull"`
	RewardID   string    `bun:"reward_id,notnull"`
	Amount     int64     `bun:"amount,notnull"`
	MintJobID  string    `bun:"mint_job_id"`
	ArchivedAt time.Time `bun:"archived_at,notnull"`
}

type pgArchive struct {
	db *bun.DB
}

// NewPGArchive returns the Postgres-backed redemption archive.
func NewPGArchive(db *bun.DB) Archiver {
	return &pgArchive{db: db}
}

func (a *pgArchive) SaveRedemption(ctx context.Context, rec Record) error {
	row := &RedemptionArchive{
		ClaimID:    rec.ClaimID,
		RedeemedBy: rec.RedeemedBy,
		RedeemedAt: rec.RedeemedAt,
		Phase:      string(rec.Phase),
		RewardID:   rec.RewardID,
		Amount:     rec.Amount,
		MintJobID:  rec.MintJobID,
		ArchivedAt: time.Now(),
	}
	// Re-archiving the same claim merges the newer phase/outcome.
	_, err := a.db.NewInsert().
		Model(row).
		On("CONFLICT (claim_id) DO UPDATE").
		Set("phase = EXCLUDED.phase").
		Set("amount = EXCLUDED.amount").
		Set("mint_job_id = EXCLUDED.mint_job_id").
		Set("archived_at = EXCLUDED.archived_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to archive redemption %d: %w", rec.ClaimID, err)
	}
	return nil
}
