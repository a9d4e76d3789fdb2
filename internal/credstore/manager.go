package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/relaymesh/relaymesh/internal/keyring"
)

const (
	tokenPrefix  = "tok_"
	apiKeyPrefix = "rmk_"
)

// Manager wraps a Store with the at-rest cryptography: API keys are
// AES-256-GCM encrypted under a key derived from the hub master secret,
// one-time tokens are stored only as SHA-256 hashes.
type Manager struct {
	store Store
	aead  cipher.AEAD
	now   func() time.Time
}

// NewManager derives the at-rest key from the master secret.
func NewManager(store Store, masterSecret []byte) (*Manager, error) {
	key, err := keyring.Derive(masterSecret, keyring.PurposeCredentials)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("credstore: init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credstore: init gcm: %w", err)
	}
	return &Manager{store: store, aead: aead, now: time.Now}, nil
}

// IssueOneTimeToken mints an onboarding token for the bot and stores its
// hash, replacing any prior credentials. The plaintext is returned once
// and never stored.
func (m *Manager) IssueOneTimeToken(botID string) (string, error) {
	raw := make([]byte, 18)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("credstore: mint token: %w", err)
	}
	token := tokenPrefix + hex.EncodeToString(raw)

	now := m.now().UTC()
	err := m.store.Upsert(&Credentials{
		BotID:       botID,
		OneTimeHash: hashToken(token),
		CreatedAt:   now,
		LastUsed:    now,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

// Redeem exchanges a one-time token for a fresh API key. The token is
// destroyed in the same store operation that validates it; a second
// redemption of the same token always fails.
func (m *Manager) Redeem(botID, token string) (string, error) {
	ok, err := m.store.RedeemToken(botID, hashToken(token))
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("credstore: invalid or already redeemed token for %s", botID)
	}

	raw := make([]byte, 24)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("credstore: mint api key: %w", err)
	}
	apiKey := apiKeyPrefix + hex.EncodeToString(raw)

	ct, err := m.seal([]byte(apiKey))
	if err != nil {
		return "", err
	}
	if err := m.store.SetAPIKey(botID, ct, m.now().UTC()); err != nil {
		return "", err
	}
	return apiKey, nil
}

// VerifyAPIKey decrypts the stored key and compares in constant time.
// A match updates last_used.
func (m *Manager) VerifyAPIKey(botID, presented string) (bool, error) {
	cred, err := m.store.Get(botID)
	if err != nil {
		if err == ErrNotFound {
			return false, nil
		}
		return false, err
	}
	if len(cred.APIKeyCipher) == 0 {
		return false, nil
	}

	stored, err := m.open(cred.APIKeyCipher)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare(stored, []byte(presented)) != 1 {
		return false, nil
	}

	if err := m.store.TouchLastUsed(botID, m.now().UTC()); err != nil {
		return false, err
	}
	return true, nil
}

// HasCredentials reports whether the bot is known to the store at all.
func (m *Manager) HasCredentials(botID string) bool {
	_, err := m.store.Get(botID)
	return err == nil
}

func (m *Manager) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, m.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("credstore: seal: %w", err)
	}
	return m.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (m *Manager) open(blob []byte) ([]byte, error) {
	ns := m.aead.NonceSize()
	if len(blob) < ns {
		return nil, fmt.Errorf("credstore: ciphertext too short")
	}
	plaintext, err := m.aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("credstore: open: %w", err)
	}
	return plaintext, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
