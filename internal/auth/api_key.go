// Package auth resolves callers to accounts (API keys) and admins (JWTs).
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"credit_ledger/internal/models"
	"credit_ledger/internal/storage"
	"credit_ledger/internal/utils"
)

// APIKeyPrefix starts every issued key so leaked keys are easy to recognize
const APIKeyPrefix = "cl_"

var (
	// ErrKeyNotFound is returned for unknown keys
	ErrKeyNotFound = errors.New("API key not found")

	// ErrKeyRevoked is returned for disabled or expired keys
	ErrKeyRevoked = errors.New("API key revoked or expired")
)

// APIKeyRecord is the view of an API key needed at request time.
type APIKeyRecord struct {
	ID        string
	AccountID string
	Name      string
	Revoked   bool
	ExpiresAt *time.Time
}

// Usable reports whether the key may authenticate a request at now
func (k *APIKeyRecord) Usable(now time.Time) bool {
	if k.Revoked {
		return false
	}
	return k.ExpiresAt == nil || now.Before(*k.ExpiresAt)
}

// APIKeyStore resolves plaintext API keys into stored records.
type APIKeyStore interface {
	Lookup(ctx context.Context, plaintextKey string) (*APIKeyRecord, error)
}

// APIKeyIssuer creates and revokes keys for accounts.
type APIKeyIssuer interface {
	Issue(ctx context.Context, accountID, name string, expiresAt *time.Time) (string, *APIKeyRecord, error)
	RevokeAccount(ctx context.Context, accountID string) (int64, error)
}

// GenerateAPIKey returns a new random plaintext key
func GenerateAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return APIKeyPrefix + hex.EncodeToString(buf), nil
}

// InMemoryAPIKeyStore keeps keys in process memory. Used for local runs and tests.
type InMemoryAPIKeyStore struct {
	mu sync.RWMutex
	// map of hash(API key) -> record
	keys map[string]*APIKeyRecord
}

func NewInMemoryAPIKeyStore() *InMemoryAPIKeyStore {
	return &InMemoryAPIKeyStore{keys: make(map[string]*APIKeyRecord)}
}

// Add registers a known plaintext key
func (s *InMemoryAPIKeyStore) Add(plaintextKey string, rec *APIKeyRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[utils.HashAPIKey(plaintextKey)] = rec
}

func (s *InMemoryAPIKeyStore) Lookup(ctx context.Context, plaintextKey string) (*APIKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.keys[utils.HashAPIKey(plaintextKey)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *InMemoryAPIKeyStore) Issue(ctx context.Context, accountID, name string, expiresAt *time.Time) (string, *APIKeyRecord, error) {
	key, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}
	rec := &APIKeyRecord{
		ID:        uuid.NewString(),
		AccountID: accountID,
		Name:      name,
		ExpiresAt: expiresAt,
	}
	s.Add(key, rec)
	cp := *rec
	return key, &cp, nil
}

func (s *InMemoryAPIKeyStore) RevokeAccount(ctx context.Context, accountID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, rec := range s.keys {
		if rec.AccountID == accountID && !rec.Revoked {
			rec.Revoked = true
			n++
		}
	}
	return n, nil
}

// DBAPIKeyStore resolves keys through the api_keys table
type DBAPIKeyStore struct {
	repo *storage.APIKeyRepository
}

func NewDBAPIKeyStore(repo *storage.APIKeyRepository) *DBAPIKeyStore {
	return &DBAPIKeyStore{repo: repo}
}

func (s *DBAPIKeyStore) Lookup(ctx context.Context, plaintextKey string) (*APIKeyRecord, error) {
	key, err := s.repo.GetByHash(ctx, utils.HashAPIKey(plaintextKey))
	if err != nil {
		if errors.Is(err, storage.ErrAPIKeyNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return recordFromModel(key), nil
}

func (s *DBAPIKeyStore) Issue(ctx context.Context, accountID, name string, expiresAt *time.Time) (string, *APIKeyRecord, error) {
	plaintext, err := GenerateAPIKey()
	if err != nil {
		return "", nil, err
	}
	key, err := s.repo.Create(ctx, accountID, name, utils.HashAPIKey(plaintext), expiresAt)
	if err != nil {
		return "", nil, err
	}
	return plaintext, recordFromModel(key), nil
}

func (s *DBAPIKeyStore) RevokeAccount(ctx context.Context, accountID string) (int64, error) {
	return s.repo.Revoke(ctx, accountID)
}

func recordFromModel(k *models.APIKey) *APIKeyRecord {
	return &APIKeyRecord{
		ID:        k.ID.String(),
		AccountID: k.AccountID,
		Name:      k.Name,
		Revoked:   !k.Enabled,
		ExpiresAt: k.ExpiresAt,
	}
}
