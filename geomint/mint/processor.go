// Package mint builds the worker-side processing of a mint job: submit the
// on-chain mint, credit the reward and merge the audit record. The whole
// sequence is idempotent per job, because a worker can complete it and crash
// before acknowledging the delivery.
package mint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/chain"
	"github.com/emberworks/geomint/geomint/ledger"
	"github.com/emberworks/geomint/geomint/mintqueue"
)

// NewProcessor wires the settlement and ledger collaborators into the queue's
// processing function.
func NewProcessor(settlement chain.Settlement, rewards ledger.Ledger, trail audit.Trail) mintqueue.ProcessFunc {
	return func(ctx context.Context, job mintqueue.Job) error {
		txRef, err := settlement.SubmitMint(ctx, chain.MintPayload{
			JobID:     job.ID,
			Recipient: job.RewardRecipient,
			RewardID:  job.RewardID,
			Amount:    job.Amount,
		})
		if err != nil {
			return fmt.Errorf("submit mint %s: %w", job.ID, err)
		}

		// Credit keyed by the claim ref the redemption already used. The
		// redemption-time credit and this one are the same ledger entry, so
		// neither a duplicate delivery nor the earlier grant can double count.
		if _, err := rewards.CreditReward(ctx, job.RewardRecipient, job.Amount, job.AuditRef); err != nil {
			return fmt.Errorf("credit reward for %s: %w", job.ID, err)
		}

		// Deterministic merge, never an increment.
		err = trail.Merge(ctx, job.AuditRef, audit.Fields{
			"mint_tx_ref":    txRef,
			"mint_amount":    job.Amount,
			"mint_recipient": job.RewardRecipient,
			"minted_at":      time.Now().UTC(),
		})
		if err != nil {
			return fmt.Errorf("audit merge for %s: %w", job.ID, err)
		}

		slog.Info("Mint job completed",
			slog.String("job_id", job.ID),
			slog.String("tx_ref", txRef),
			slog.String("recipient", job.RewardRecipient))
		return nil
	}
}
