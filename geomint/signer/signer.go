// Package signer produces the 64-byte ed25519 signature over a ticket's
// canonical bytes. Two interchangeable implementations exist: an in-process
// keypair for development and tests, and a custodial service that never
// exposes the private key to this process. The implementation is chosen once
// at startup; a misconfigured signer must prevent the issuance path from
// serving at all.
package signer

import (
	"context"
	"errors"
	"fmt"
)

const SignatureSize = 64

var (
	ErrSigningFailed  = errors.New("signer: signing failed")
	ErrMisconfigured  = errors.New("signer: misconfigured")
	ErrUnknownBackend = errors.New("signer: unknown mode")
)

// Signer signs canonical ticket bytes. KeyID reports which registered key
// the signature verifies against.
type Signer interface {
	Sign(ctx context.Context, message []byte) ([]byte, error)
	KeyID() string
}

// Config selects and parameterizes the signing backend. Mode is "local" or
// "custodial"; selection happens exactly once at process start.
type Config struct {
	Mode   string          `toml:"mode"`
	KeyID  string          `toml:"key_id"`
	Local  LocalConfig     `toml:"local"`
	Remote CustodialConfig `toml:"custodial"`
}

// New builds the configured signer. Custodial failure never falls back to a
// local key; a bad configuration is returned as an error so startup aborts.
func New(cfg Config) (Signer, error) {
	if cfg.KeyID == "" {
		return nil, fmt.Errorf("%w: key_id is required", ErrMisconfigured)
	}
	switch cfg.Mode {
	case "local":
		return NewLocalSigner(cfg.KeyID, cfg.Local)
	case "custodial":
		return NewCustodialSigner(cfg.KeyID, cfg.Remote)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Mode)
	}
}
