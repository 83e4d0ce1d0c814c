package keyring

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/uptrace/bun"
)

type pgStore struct {
	db *bun.DB
}

// NewPGStore returns the Postgres-backed key store.
func NewPGStore(db *bun.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Insert(ctx context.Context, key *SigningKey) error {
	_, err := s.db.NewInsert().Model(key).Exec(ctx)
	return err
}

func (s *pgStore) Get(ctx context.Context, keyID string) (*SigningKey, error) {
	key := new(SigningKey)
	err := s.db.NewSelect().
		Model(key).
		Where("key_id = ?", keyID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load key %s: %w", keyID, err)
	}
	return key, nil
}

func (s *pgStore) UpdateStatus(ctx context.Context, keyID string, status KeyStatus) error {
	result, err := s.db.NewUpdate().
		Model((*SigningKey)(nil)).
		Set("status = ?", status).
		Where("key_id = ?", keyID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("failed to update key %s: %w", keyID, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return nil
}

// MemoryStore is the in-memory key store used in tests and local development.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]SigningKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[string]SigningKey)}
}

func (s *MemoryStore) Insert(_ context.Context, key *SigningKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.keys[key.KeyID]; exists {
		return fmt.Errorf("keyring: key %s already registered", key.KeyID)
	}
	s.keys[key.KeyID] = *key
	return nil
}

func (s *MemoryStore) Get(_ context.Context, keyID string) (*SigningKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	copied := key
	return &copied, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, keyID string, status KeyStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.keys[keyID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	key.Status = status
	s.keys[keyID] = key
	return nil
}
