package signer

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mr-tron/base58"
)

func TestLocalSignerSignsVerifiably(t *testing.T) {
	s, err := NewLocalSigner("k1", LocalConfig{})
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}

	msg := []byte("canonical ticket bytes")
	sig, err := s.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if len(sig) != SignatureSize {
		t.Fatalf("Sign() len = %d, want %d", len(sig), SignatureSize)
	}
	if !ed25519.Verify(s.PublicKey(), msg, sig) {
		t.Error("signature does not verify against the signer's public key")
	}
}

func TestLocalSignerFromSeed(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	cfg := LocalConfig{PrivateKey: base58.Encode(seed)}

	a, err := NewLocalSigner("k1", cfg)
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}
	b, err := NewLocalSigner("k1", cfg)
	if err != nil {
		t.Fatalf("NewLocalSigner() error = %v", err)
	}
	if !a.PublicKey().Equal(b.PublicKey()) {
		t.Error("same seed produced different keypairs")
	}
}

func TestNewRejectsMisconfiguration(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing key id", cfg: Config{Mode: "local"}},
		{name: "unknown mode", cfg: Config{Mode: "vault", KeyID: "k1"}},
		{name: "custodial without url", cfg: Config{Mode: "custodial", KeyID: "k1"}},
		{name: "bad local key", cfg: Config{Mode: "local", KeyID: "k1", Local: LocalConfig{PrivateKey: "!!!"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("New() accepted bad configuration")
			}
		})
	}
}

func TestCustodialSignerRetriesThenSucceeds(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)
	var calls atomic.Int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req signRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		msg, _ := base58.Decode(req.Message)
		json.NewEncoder(w).Encode(signResponse{
			Signature: base58.Encode(ed25519.Sign(priv, msg)),
		})
	}))
	defer srv.Close()

	s, err := NewCustodialSigner("k1", CustodialConfig{URL: srv.URL, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewCustodialSigner() error = %v", err)
	}
	s.backoff = 0

	msg := []byte("payload")
	sig, err := s.Sign(context.Background(), msg)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !ed25519.Verify(priv.Public().(ed25519.PublicKey), msg, sig) {
		t.Error("custodial signature does not verify")
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("custody service called %d times, want 3", got)
	}
}

func TestCustodialSignerExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s, err := NewCustodialSigner("k1", CustodialConfig{URL: srv.URL, MaxAttempts: 3})
	if err != nil {
		t.Fatalf("NewCustodialSigner() error = %v", err)
	}
	s.backoff = 0

	if _, err := s.Sign(context.Background(), []byte("payload")); !errors.Is(err, ErrSigningFailed) {
		t.Errorf("Sign() error = %v, want %v", err, ErrSigningFailed)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("custody service called %d times, want exactly 3", got)
	}
}
