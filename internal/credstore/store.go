// Package credstore owns bot credentials: encrypted-at-rest API keys and
// single-use onboarding tokens. Redemption of a one-time token is a
// compare-and-clear in one critical section, so two concurrent attempts
// can never both succeed.
package credstore

import (
	"errors"
	"sync"
	"time"
)

// Credentials is one stored row. APIKeyCipher is AES-GCM ciphertext; the
// one-time token is kept only as a SHA-256 hash and nulled on redemption.
type Credentials struct {
	BotID         string
	APIKeyCipher  []byte
	OneTimeHash   string // empty once redeemed
	CreatedAt     time.Time
	LastUsed      time.Time
}

// ErrNotFound is returned when a bot has no stored credentials.
var ErrNotFound = errors.New("credstore: bot not found")

// Store is the repository interface. Implementations must make
// RedeemToken atomic: the hash comparison and the clear happen as one
// operation.
type Store interface {
	// Upsert creates or replaces the row for cred.BotID.
	Upsert(cred *Credentials) error
	// Get returns the stored credentials or ErrNotFound.
	Get(botID string) (*Credentials, error)
	// SetAPIKey stores a fresh API key ciphertext for the bot.
	SetAPIKey(botID string, cipher []byte, at time.Time) error
	// RedeemToken clears the one-time hash iff it matches. Returns true
	// exactly once per issued token.
	RedeemToken(botID, tokenHash string) (bool, error)
	// TouchLastUsed records a successful credential use.
	TouchLastUsed(botID string, at time.Time) error
	// Close releases any backing resources.
	Close() error
}

// MemoryStore is the in-memory reference Store, used in tests and for
// ephemeral deployments.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Credentials
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Credentials)}
}

func (s *MemoryStore) Upsert(cred *Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *cred
	s.rows[cred.BotID] = &cp
	return nil
}

func (s *MemoryStore) Get(botID string) (*Credentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[botID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) SetAPIKey(botID string, cipher []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[botID]
	if !ok {
		return ErrNotFound
	}
	row.APIKeyCipher = cipher
	row.LastUsed = at
	return nil
}

func (s *MemoryStore) RedeemToken(botID, tokenHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[botID]
	if !ok {
		return false, nil
	}
	if row.OneTimeHash == "" || row.OneTimeHash != tokenHash {
		return false, nil
	}
	row.OneTimeHash = ""
	return true, nil
}

func (s *MemoryStore) TouchLastUsed(botID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[botID]
	if !ok {
		return ErrNotFound
	}
	row.LastUsed = at
	return nil
}

func (s *MemoryStore) Close() error { return nil }
