package zerotrust

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// ChallengeTTL is how long an issued challenge stays redeemable.
const ChallengeTTL = 300 * time.Second

// storedChallenge keeps only the hash of the issued challenge, never the
// plaintext.
type storedChallenge struct {
	hash     string
	issuedAt time.Time
}

// ChallengeTable issues and verifies single-use challenges. In-memory
// only; challenges do not survive a restart.
type ChallengeTable struct {
	mu     sync.Mutex
	active map[string]storedChallenge
	now    func() time.Time
}

// NewChallengeTable creates an empty table.
func NewChallengeTable() *ChallengeTable {
	return &ChallengeTable{
		active: make(map[string]storedChallenge),
		now:    time.Now,
	}
}

// Generate issues a fresh challenge for the bot and returns the
// plaintext to send. Only the SHA-256 hash is stored. A previous
// outstanding challenge for the same bot is replaced.
func (c *ChallengeTable) Generate(botID string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("zerotrust: generate challenge: %w", err)
	}
	plaintext := hex.EncodeToString(raw)

	sum := sha256.Sum256([]byte(plaintext))
	c.mu.Lock()
	c.active[botID] = storedChallenge{
		hash:     hex.EncodeToString(sum[:]),
		issuedAt: c.now(),
	}
	c.mu.Unlock()

	return plaintext, nil
}

// Verify hashes the response and compares in constant time. The stored
// challenge is deleted before the comparison result is returned, so a
// challenge is consumed by its first verification attempt regardless of
// outcome.
func (c *ChallengeTable) Verify(botID, response string) bool {
	c.mu.Lock()
	ch, ok := c.active[botID]
	delete(c.active, botID)
	c.mu.Unlock()

	if !ok {
		return false
	}
	if c.now().Sub(ch.issuedAt) > ChallengeTTL {
		return false
	}

	sum := sha256.Sum256([]byte(response))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(ch.hash)) == 1
}

// Outstanding reports whether a bot has an unconsumed challenge.
func (c *ChallengeTable) Outstanding(botID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.active[botID]
	return ok
}
