package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/mr-tron/base58"
)

// LocalConfig configures the in-process keypair backend. An empty PrivateKey
// generates an ephemeral keypair, which is only useful in tests.
type LocalConfig struct {
	PrivateKey string `toml:"private_key"` // base58 ed25519 seed or full private key
}

// LocalSigner holds an ed25519 private key in process memory. Development
// and test use only.
type LocalSigner struct {
	keyID string
	priv  ed25519.PrivateKey
}

func NewLocalSigner(keyID string, cfg LocalConfig) (*LocalSigner, error) {
	if cfg.PrivateKey == "" {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate keypair: %w", err)
		}
		return &LocalSigner{keyID: keyID, priv: priv}, nil
	}

	raw, err := base58.Decode(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: private key is not base58: %v", ErrMisconfigured, err)
	}
	switch len(raw) {
	case ed25519.SeedSize:
		return &LocalSigner{keyID: keyID, priv: ed25519.NewKeyFromSeed(raw)}, nil
	case ed25519.PrivateKeySize:
		return &LocalSigner{keyID: keyID, priv: ed25519.PrivateKey(raw)}, nil
	default:
		return nil, fmt.Errorf("%w: private key must be %d or %d bytes, got %d",
			ErrMisconfigured, ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
	}
}

func (s *LocalSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, message), nil
}

func (s *LocalSigner) KeyID() string { return s.keyID }

// PublicKey exposes the verification half so it can be registered in the
// keyring at startup.
func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return s.priv.Public().(ed25519.PublicKey)
}
