package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaymesh/relaymesh/internal/keyring"
)

// LedgerStore is the append-only persistence behind a Ledger.
type LedgerStore interface {
	Append(entry Entry) error
	// All returns every entry in append order.
	All() ([]Entry, error)
	// Last returns the most recent entry, or nil for an empty store.
	Last() (*Entry, error)
	Close() error
}

// Ledger is the tamper-evident security event log. Append-only; writers
// serialize on the ledger mutex, readers never need it.
type Ledger struct {
	mu       sync.Mutex
	store    LedgerStore
	key      []byte
	prevHMAC string
	now      func() time.Time
}

// NewLedger derives the ledger HMAC key from the master secret and
// recovers the chain tail from the store.
func NewLedger(store LedgerStore, masterSecret []byte) (*Ledger, error) {
	key, err := keyring.Derive(masterSecret, keyring.PurposeAuditLedger)
	if err != nil {
		return nil, err
	}

	prev := GenesisHMAC
	last, err := store.Last()
	if err != nil {
		return nil, fmt.Errorf("audit: recover chain tail: %w", err)
	}
	if last != nil {
		prev = last.HMAC
	}

	return &Ledger{store: store, key: key, prevHMAC: prev, now: time.Now}, nil
}

// LogSecurityEvent appends a signed entry and returns its event ID.
func (l *Ledger) LogSecurityEvent(eventType, userID, ip string, details map[string]any, success bool) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		EventID:   uuid.NewString(),
		Timestamp: l.now().UTC().Format(TimestampFormat),
		EventType: eventType,
		UserID:    userID,
		IPAddress: ip,
		Details:   details,
		Success:   success,
		PrevHMAC:  l.prevHMAC,
	}

	mac, err := l.computeHMAC(entry)
	if err != nil {
		return "", err
	}
	entry.HMAC = mac

	if err := l.store.Append(entry); err != nil {
		return "", fmt.Errorf("audit: append: %w", err)
	}
	l.prevHMAC = entry.HMAC
	return entry.EventID, nil
}

// Verify recomputes an entry's HMAC and compares.
func (l *Ledger) Verify(entry Entry) bool {
	mac, err := l.computeHMAC(entry)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(mac), []byte(entry.HMAC))
}

// VerifyResult reports the outcome of a full-ledger verification.
type VerifyResult struct {
	Valid   bool   `json:"valid"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
	ErrorAt int    `json:"error_at,omitempty"` // 1-based entry index
}

// VerifyAll walks the store checking every entry's HMAC and the
// prev_hmac chain, reporting the first broken link.
func (l *Ledger) VerifyAll() VerifyResult {
	entries, err := l.store.All()
	if err != nil {
		return VerifyResult{Error: fmt.Sprintf("read store: %v", err)}
	}

	prev := GenesisHMAC
	for i, entry := range entries {
		if entry.PrevHMAC != prev {
			return VerifyResult{
				Entries: len(entries),
				Error:   fmt.Sprintf("chain break: prev_hmac %q, expected %q", entry.PrevHMAC, prev),
				ErrorAt: i + 1,
			}
		}
		if !l.Verify(entry) {
			return VerifyResult{
				Entries: len(entries),
				Error:   "hmac mismatch",
				ErrorAt: i + 1,
			}
		}
		prev = entry.HMAC
	}

	return VerifyResult{Valid: true, Entries: len(entries)}
}

// computeHMAC signs the canonical JSON of the entry with HMAC field
// cleared.
func (l *Ledger) computeHMAC(entry Entry) (string, error) {
	entry.HMAC = ""
	canonical, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize entry: %w", err)
	}
	mac := hmac.New(sha256.New, l.key)
	mac.Write(canonical)
	return "hmac:" + hex.EncodeToString(mac.Sum(nil)), nil
}
