// Package keyring derives the hub's purpose-bound symmetric keys from a
// single master secret, so only one secret needs provisioning.
package keyring

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Purpose labels for derived keys. Changing a label rotates that key.
const (
	PurposeCredentials  = "credentials-at-rest"
	PurposeSessionToken = "session-token-hmac"
	PurposeAuditLedger  = "audit-ledger-hmac"
)

// Derive expands the master secret into a 32-byte key bound to purpose
// via HKDF-SHA256.
func Derive(master []byte, purpose string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("keyring: empty master secret")
	}
	h := hkdf.New(sha256.New, master, nil, []byte(purpose))
	out := make([]byte, 32)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, fmt.Errorf("keyring: derive %s: %w", purpose, err)
	}
	return out, nil
}

// LoadMaster reads the hex-encoded master secret from a file, creating a
// fresh one on first run.
func LoadMaster(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		master, decErr := hex.DecodeString(strings.TrimSpace(string(data)))
		if decErr != nil {
			return nil, fmt.Errorf("keyring: decode master secret: %w", decErr)
		}
		if len(master) < 32 {
			return nil, fmt.Errorf("keyring: master secret too short (%d bytes)", len(master))
		}
		return master, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("keyring: read master secret: %w", err)
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("keyring: generate master secret: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(master)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("keyring: write master secret: %w", err)
	}
	return master, nil
}
