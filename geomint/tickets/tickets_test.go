package tickets

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"testing"
	"time"

	"github.com/mr-tron/base58"

	"github.com/emberworks/geomint/geomint/audit"
	"github.com/emberworks/geomint/geomint/codec"
	"github.com/emberworks/geomint/geomint/signer"
)

func newTestIssuer(t *testing.T) (*Issuer, *signer.LocalSigner, *audit.MemoryTrail) {
	t.Helper()
	s, err := signer.NewLocalSigner("key-1", signer.LocalConfig{})
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}
	trail := audit.NewMemoryTrail()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	return NewIssuer(s, trail, 3600, WithClock(func() time.Time { return now })), s, trail
}

func TestIssuerProducesVerifiableTicket(t *testing.T) {
	issuer, s, trail := newTestIssuer(t)

	st, err := issuer.Issue(context.Background(), IssueRequest{
		RewardID:     "42",
		Latitude:     36.1699,
		Longitude:    -115.1398,
		LocationHint: "welcome sign",
		Recipient:    "player-9",
	})
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if st.KeyID != "key-1" || st.TTLSeconds != 3600 {
		t.Errorf("SignedTicket = %+v", st)
	}
	if _, err := strconv.ParseUint(st.ClaimID, 10, 64); err != nil {
		t.Errorf("ClaimID %q is not a numeric string", st.ClaimID)
	}

	tk, err := st.Ticket()
	if err != nil {
		t.Fatalf("Ticket() error = %v", err)
	}
	msg, err := codec.SigningBytes(tk)
	if err != nil {
		t.Fatalf("SigningBytes() error = %v", err)
	}
	if !ed25519.Verify(s.PublicKey(), msg, tk.Signature) {
		t.Error("issued ticket does not verify")
	}

	entry, err := trail.Get(context.Background(), "claim:"+st.ClaimID)
	if err != nil {
		t.Fatalf("trail.Get() error = %v", err)
	}
	if entry["stage"] != "issued" {
		t.Errorf("audit stage = %v, want issued", entry["stage"])
	}
}

func TestIssuerAssignsUniqueClaimIDs(t *testing.T) {
	issuer, _, _ := newTestIssuer(t)
	seen := make(map[string]bool)
	req := IssueRequest{RewardID: "7", Latitude: 1, Longitude: 2, Recipient: "p"}
	for i := 0; i < 200; i++ {
		st, err := issuer.Issue(context.Background(), req)
		if err != nil {
			t.Fatalf("Issue() error = %v", err)
		}
		if seen[st.ClaimID] {
			t.Fatalf("duplicate claim id %s", st.ClaimID)
		}
		seen[st.ClaimID] = true
	}
}

func TestParseSignature(t *testing.T) {
	raw := make([]byte, codec.SignatureSize)
	for i := range raw {
		raw[i] = byte(i * 3)
	}
	arr := make([]any, len(raw))
	for i, b := range raw {
		arr[i] = float64(b)
	}

	tests := []struct {
		name    string
		input   any
		wantErr bool
	}{
		{name: "raw bytes", input: raw},
		{name: "base58 string", input: base58.Encode(raw)},
		{name: "base64 string", input: base64.StdEncoding.EncodeToString(raw)},
		{name: "numeric array", input: arr},
		{name: "short bytes", input: raw[:10], wantErr: true},
		{name: "garbage string", input: "!!not-an-encoding!!", wantErr: true},
		{name: "array with overflow", input: []any{float64(300)}, wantErr: true},
		{name: "unsupported type", input: 42, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSignature(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != codec.SignatureSize {
				t.Errorf("ParseSignature() len = %d, want %d", len(got), codec.SignatureSize)
			}
		})
	}
}

func TestTransportFormRoundTrip(t *testing.T) {
	sig := make([]byte, codec.SignatureSize)
	for i := range sig {
		sig[i] = byte(255 - i)
	}
	tk := &codec.Ticket{
		ClaimID:      18446744073709551615, // max uint64 survives the string form
		KeyID:        "key-1",
		RewardID:     "42",
		Latitude:     36.1699,
		Longitude:    -115.1398,
		IssuedAt:     1714000000,
		TTLSeconds:   3600,
		LocationHint: "welcome sign",
		Signature:    sig,
	}

	got, err := TransportForm(tk).Ticket()
	if err != nil {
		t.Fatalf("Ticket() error = %v", err)
	}
	a, err := codec.Encode(tk)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	b, err := codec.Encode(got)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if string(a) != string(b) {
		t.Error("transport round trip changed the canonical encoding")
	}
}
