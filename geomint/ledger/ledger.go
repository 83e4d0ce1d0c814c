// Package ledger credits redeemed rewards to player balances. Credits are
// keyed by the claim or job reference that caused them, so replaying a credit
// for the same reference is harmless.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/uptrace/bun"
)

var ErrCreditFailed = errors.New("ledger: credit failed")

// Ledger is the reward balance collaborator. Ref is the idempotency key: a
// second credit with the same ref is a no-op returning the current balance.
type Ledger interface {
	CreditReward(ctx context.Context, recipient string, amount int64, ref string) (newBalance int64, err error)
	Balance(ctx context.Context, recipient string) (int64, error)
}

type RewardBalance struct {
	bun.BaseModel `bun:"table:reward_balances,alias:rb"`

	Recipient string    `bun:"recipient,pk"`
	Balance   int64     `bun:"balance,notnull"`
	UpdatedAt time.Time `bun:"updated_at,notnull"`
}

type RewardCredit struct {
	bun.BaseModel `bun:"table:reward_credits,alias:rc"`

	Ref       string    `bun:"ref,pk"`
	Recipient string    `bun:"recipient,notnull"`
	Amount    int64     `bun:"amount,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

type pgLedger struct {
	db *bun.DB
}

func NewPGLedger(db *bun.DB) Ledger {
	return &pgLedger{db: db}
}

func (l *pgLedger) CreditReward(ctx context.Context, recipient string, amount int64, ref string) (int64, error) {
	var balance int64
	err := l.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		credit := &RewardCredit{
			Ref:       ref,
			Recipient: recipient,
			Amount:    amount,
			CreatedAt: time.Now(),
		}
		result, err := tx.NewInsert().
			Model(credit).
			On("CONFLICT (ref) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return err
		}

		// Already credited under this ref; report the standing balance.
		if rows == 0 {
			return tx.NewSelect().
				Model((*RewardBalance)(nil)).
				Column("balance").
				Where("recipient = ?", recipient).
				Scan(ctx, &balance)
		}

		bal := &RewardBalance{
			Recipient: recipient,
			Balance:   amount,
			UpdatedAt: time.Now(),
		}
		err = tx.NewInsert().
			Model(bal).
			On("CONFLICT (recipient) DO UPDATE").
			Set("balance = rb.balance + EXCLUDED.balance").
			Set("updated_at = EXCLUDED.updated_at").
			Returning("balance").
			Scan(ctx, &balance)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("%w for %s ref %s: %v", ErrCreditFailed, recipient, ref, err)
	}
	return balance, nil
}

func (l *pgLedger) Balance(ctx context.Context, recipient string) (int64, error) {
	var balance int64
	err := l.db.NewSelect().
		Model((*RewardBalance)(nil)).
		Column("balance").
		Where("recipient = ?", recipient).
		Scan(ctx, &balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load balance for %s: %w", recipient, err)
	}
	return balance, nil
}

// MemoryLedger is the in-memory ledger double for tests and development.
type MemoryLedger struct {
	mu       sync.Mutex
	balances map[string]int64
	credits  map[string]int64 // ref -> amount
	failNext error
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		balances: make(map[string]int64),
		credits:  make(map[string]int64),
	}
}

// FailNext makes the next credit fail, used to exercise retry paths.
func (l *MemoryLedger) FailNext(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = err
}

func (l *MemoryLedger) CreditReward(_ context.Context, recipient string, amount int64, ref string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext != nil {
		err := l.failNext
		l.failNext = nil
		return 0, err
	}
	if _, done := l.credits[ref]; !done {
		l.credits[ref] = amount
		l.balances[recipient] += amount
	}
	return l.balances[recipient], nil
}

func (l *MemoryLedger) Balance(_ context.Context, recipient string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[recipient], nil
}
