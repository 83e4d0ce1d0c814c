package mint

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/chain"
	"github.com/emberworks/geomint/geomint/chain/mock"
	"github.com/emberworks/geomint/geomint/codec"
	"github.com/emberworks/geomint/geomint/keyring"
	"github.com/emberworks/geomint/geomint/ledger"
	"github.com/emberworks/geomint/geomint/mintqueue"
	"github.com/emberworks/geomint/geomint/redemption"
)

type fakeSettlement struct {
	calls atomic.Int64
	err   error
}

func (f *fakeSettlement) SubmitMint(context.Context, chain.MintPayload) (string, error) {
	f.calls.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "0xdeadbeef", nil
}

func testJob() mintqueue.Job {
	return mintqueue.Job{
		ID:              "mint-1001",
		RewardRecipient: "player-9",
		RewardID:        "42",
		Amount:          42,
		AuditRef:        "claim:1001",
		EnqueuedAt:      time.Now().UTC(),
	}
}

func TestProcessorCreditsAndMergesAudit(t *testing.T) {
	ctx := context.Background()
	settlement := &fakeSettlement{}
	rewards := ledger.NewMemoryLedger()
	trail := audit.NewMemoryTrail()
	process := NewProcessor(settlement, rewards, trail)

	if err := process(ctx, testJob()); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	balance, err := rewards.Balance(ctx, "player-9")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 42 {
		t.Errorf("balance = %d, want 42", balance)
	}

	entry, err := trail.Get(ctx, "claim:1001")
	if err != nil {
		t.Fatalf("trail.Get() error = %v", err)
	}
	if entry["mint_tx_ref"] != "0xdeadbeef" {
		t.Errorf("mint_tx_ref = %v, want 0xdeadbeef", entry["mint_tx_ref"])
	}
}

func TestProcessorDuplicateRunIsHarmless(t *testing.T) {
	ctx := context.Background()
	settlement := &fakeSettlement{}
	rewards := ledger.NewMemoryLedger()
	trail := audit.NewMemoryTrail()
	process := NewProcessor(settlement, rewards, trail)

	job := testJob()
	if err := process(ctx, job); err != nil {
		t.Fatalf("process() error = %v", err)
	}
	if err := process(ctx, job); err != nil {
		t.Fatalf("duplicate process() error = %v", err)
	}

	balance, err := rewards.Balance(ctx, "player-9")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 42 {
		t.Errorf("balance = %d after duplicate run, want 42", balance)
	}
}

// The redemption-time credit and the worker-time credit share one ledger ref,
// so a redeemed-and-minted claim grants its reward exactly once.
func TestRedeemThenMintCreditsOnce(t *testing.T) {
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	keys := keyring.NewRegistry(keyring.NewMemoryStore())
	if err := keys.Register(ctx, "key-1", pub, keyring.StatusActive, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	rewards := ledger.NewMemoryLedger()
	stream := mintqueue.NewMemoryStream()
	trail := audit.NewMemoryTrail()
	guard := redemption.NewGuard(keys, redemption.NewMemoryStore(), rewards, stream, trail)

	tk := &codec.Ticket{
		ClaimID:    1001,
		KeyID:      "key-1",
		RewardID:   "42",
		Latitude:   36.1699,
		Longitude:  -115.1398,
		IssuedAt:   time.Now().Unix(),
		TTLSeconds: 3600,
	}
	msg, err := codec.SigningBytes(tk)
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	tk.Signature = ed25519.Sign(priv, msg)

	res, err := guard.Redeem(ctx, tk, "player-9")
	if err != nil {
		t.Fatalf("Redeem() error = %v", err)
	}
	if res.Code != redemption.CodeOK || res.NewBalance != 42 {
		t.Fatalf("Redeem() = %s balance %d, want ok with 42", res.Code, res.NewBalance)
	}

	deliveries, err := stream.Read(ctx, "w1", 1, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("stream.Read() error = %v", err)
	}
	process := NewProcessor(&fakeSettlement{}, rewards, trail)
	if err := process(ctx, deliveries[0].Job); err != nil {
		t.Fatalf("process() error = %v", err)
	}

	balance, err := rewards.Balance(ctx, "player-9")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 42 {
		t.Errorf("balance after redemption and mint = %d, want 42", balance)
	}
}

func TestProcessorSubmitsJobAsMintPayload(t *testing.T) {
	ctx := context.Background()
	settlement := mock.NewMockSettlement(gomock.NewController(t))
	settlement.EXPECT().
		SubmitMint(gomock.Any(), chain.MintPayload{
			JobID:     "mint-1001",
			Recipient: "player-9",
			RewardID:  "42",
			Amount:    42,
		}).
		Return("0xfeed", nil)

	process := NewProcessor(settlement, ledger.NewMemoryLedger(), audit.NewMemoryTrail())
	if err := process(ctx, testJob()); err != nil {
		t.Fatalf("process() error = %v", err)
	}
}

func TestProcessorPropagatesSettlementFailure(t *testing.T) {
	ctx := context.Background()
	settlement := &fakeSettlement{err: errors.New("rpc node down")}
	rewards := ledger.NewMemoryLedger()
	process := NewProcessor(settlement, rewards, audit.NewMemoryTrail())

	if err := process(ctx, testJob()); err == nil {
		t.Fatal("process() error = nil, want settlement failure")
	}
	balance, err := rewards.Balance(ctx, "player-9")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 0 {
		t.Errorf("balance = %d after failed settlement, want 0", balance)
	}
}
