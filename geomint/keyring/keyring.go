// Package keyring tracks the signing keys used to issue and verify claim
// tickets. Status records are replaced, never deleted: a retired key must
// stay resolvable until every ticket signed with it has expired.
package keyring

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
)

type KeyStatus string

const (
	StatusActive  KeyStatus = "active"
	StatusRetired KeyStatus = "retired"
	StatusRevoked KeyStatus = "revoked"
)

var (
	ErrKeyNotFound    = errors.New("keyring: key not found")
	ErrKeyUnavailable = errors.New("keyring: key unavailable")
	ErrBadPublicKey   = errors.New("keyring: public key must be 32 bytes")
	ErrBadStatus      = errors.New("keyring: unknown status")
)

type SigningKey struct {
	bun.BaseModel `bun:"table:signing_keys,alias:sk"`

	KeyID     string     `bun:"key_id,pk"`
	PublicKey []byte     `bun:"public_key,notnull"`
	Status    KeyStatus  `bun:"status,notnull"`
	CreatedAt time.Time  `bun:"created_at,notnull"`
	ExpiresAt *time.Time `bun:"expires_at"`
}

func (k *SigningKey) expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// Store is the durable key record store. Implementations: Postgres via bun,
// and an in-memory double for tests and development.
type Store interface {
	Insert(ctx context.Context, key *SigningKey) error
	Get(ctx context.Context, keyID string) (*SigningKey, error)
	UpdateStatus(ctx context.Context, keyID string, status KeyStatus) error
}

func validStatus(s KeyStatus) bool {
	switch s {
	case StatusActive, StatusRetired, StatusRevoked:
		return true
	}
	return false
}

// Registry fronts a Store with a short-TTL read-through cache. Key status
// changes are rare administrative events; a briefly stale "active" read after
// a revocation is an accepted, bounded risk (at most the cache TTL).
type Registry struct {
	store Store
	cache *keyCache
	now   func() time.Time
}

type Option func(*Registry)

// WithClock overrides the registry clock, used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithCacheTTL overrides the default 30s cache window.
func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Registry) { r.cache.ttl = ttl }
}

func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{
		store: store,
		cache: newKeyCache(256, 30*time.Second),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register records a new signing key. The public key must be a raw ed25519
// public key.
func (r *Registry) Register(ctx context.Context, keyID string, publicKey []byte, status KeyStatus, expiresAt *time.Time) error {
	if keyID == "" {
		return fmt.Errorf("keyring: key id is required")
	}
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrBadPublicKey
	}
	if !validStatus(status) {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}

	key := &SigningKey{
		KeyID:     keyID,
		PublicKey: append([]byte(nil), publicKey...),
		Status:    status,
		CreatedAt: r.now().UTC(),
		ExpiresAt: expiresAt,
	}
	if err := r.store.Insert(ctx, key); err != nil {
		return fmt.Errorf("failed to register key %s: %w", keyID, err)
	}
	r.cache.invalidate(keyID)
	return nil
}

// SetStatus transitions a key's status. Fails with ErrKeyNotFound for
// unknown keys; records are never deleted, only replaced.
func (r *Registry) SetStatus(ctx context.Context, keyID string, status KeyStatus) error {
	if !validStatus(status) {
		return fmt.Errorf("%w: %q", ErrBadStatus, status)
	}
	if err := r.store.UpdateStatus(ctx, keyID, status); err != nil {
		return err
	}
	r.cache.invalidate(keyID)
	return nil
}

// ResolveActiveKey returns the public key for new issuance. Only active,
// unexpired keys qualify.
func (r *Registry) ResolveActiveKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	key, err := r.resolve(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status != StatusActive || key.expired(r.now()) {
		return nil, fmt.Errorf("%w: %s is not active", ErrKeyUnavailable, keyID)
	}
	return ed25519.PublicKey(key.PublicKey), nil
}

// ResolveVerificationKey returns the public key for verifying an
// already-issued ticket. Retired keys still verify; revoked keys never do.
func (r *Registry) ResolveVerificationKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	key, err := r.resolve(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == StatusRevoked {
		return nil, fmt.Errorf("%w: %s is revoked", ErrKeyUnavailable, keyID)
	}
	return ed25519.PublicKey(key.PublicKey), nil
}

func (r *Registry) resolve(ctx context.Context, keyID string) (*SigningKey, error) {
	if key, ok := r.cache.get(keyID, r.now()); ok {
		return key, nil
	}
	key, err := r.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	r.cache.put(keyID, key, r.now())
	return key, nil
}
