package zerotrust

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"sync"
	"time"

	"github.com/relaymesh/relaymesh/internal/model"
)

// Weights holds the tunable scoring parameters. The shipped defaults
// reproduce the historical 30/20/30/30 split with a threshold of 70,
// but nothing in the engine depends on that exact arithmetic.
type Weights struct {
	Certificate  int `yaml:"certificate"`
	Device       int `yaml:"device"`
	BehaviorUnit int `yaml:"behavior_unit"` // per check, three checks
	ContextUnit  int `yaml:"context_unit"`  // per check, three checks
	Threshold    int `yaml:"threshold"`

	// AllowedHourStart/End bound the daily window for the time-of-day
	// context check, in UTC hours. Start==End means always allowed.
	AllowedHourStart int `yaml:"allowed_hour_start"`
	AllowedHourEnd   int `yaml:"allowed_hour_end"`
}

// DefaultWeights returns the standard scoring configuration.
func DefaultWeights() Weights {
	return Weights{
		Certificate:  30,
		Device:       20,
		BehaviorUnit: 10,
		ContextUnit:  10,
		Threshold:    70,
	}
}

// TrustContext is the scored identity evidence for one handshake.
// Recomputed on every handshake, never persisted beyond the response.
type TrustContext struct {
	CertAuth      bool `json:"cert_auth"`
	DeviceAuth    bool `json:"device_auth"`
	BehaviorScore int  `json:"behavior_score"`
	ContextScore  int  `json:"context_score"`
	TrustScore    int  `json:"trust_score"`
}

// ToMap renders the context for the handshake response.
func (tc TrustContext) ToMap() map[string]any {
	return map[string]any{
		"cert_auth":      tc.CertAuth,
		"device_auth":    tc.DeviceAuth,
		"behavior_score": tc.BehaviorScore,
		"context_score":  tc.ContextScore,
		"trust_score":    tc.TrustScore,
	}
}

// Engine scores handshakes, pins device fingerprints on first sight, and
// issues/verifies signed session tokens. Safe for concurrent use.
type Engine struct {
	mu           sync.Mutex
	weights      Weights
	signingKey   []byte
	trustedCerts map[string]bool   // sha256 hex fingerprints of trusted certs
	pinned       map[string]string // bot_id -> device fingerprint (trust on first use)
	liveScore    map[string]int    // bot_id -> most recent trust score
	now          func() time.Time
}

// NewEngine creates an Engine. signingKey signs session tokens;
// trustedCertFingerprints seeds the trusted certificate store.
func NewEngine(weights Weights, signingKey []byte, trustedCertFingerprints []string) *Engine {
	trusted := make(map[string]bool, len(trustedCertFingerprints))
	for _, fp := range trustedCertFingerprints {
		trusted[fp] = true
	}
	return &Engine{
		weights:      weights,
		signingKey:   signingKey,
		trustedCerts: trusted,
		pinned:       make(map[string]string),
		liveScore:    make(map[string]int),
		now:          time.Now,
	}
}

// VerifyIdentity scores one handshake. Identical inputs always yield the
// same trust score. The live score for the bot is updated as a side
// effect so later token verification can detect trust degradation.
func (e *Engine) VerifyIdentity(botID string, req *model.HandshakeRequest) (bool, TrustContext) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var tc TrustContext

	if e.certificateTrusted(req.CertificatePEM) {
		tc.CertAuth = true
		tc.TrustScore += e.weights.Certificate
	}

	if e.deviceMatches(botID, req.DeviceFingerprint) {
		tc.DeviceAuth = true
		tc.TrustScore += e.weights.Device
	}

	tc.BehaviorScore = e.scoreBehavior(req.Behavior)
	tc.ContextScore = e.scoreContext(req.NetworkContext, req.LocationContext)
	tc.TrustScore += tc.BehaviorScore + tc.ContextScore

	e.liveScore[botID] = tc.TrustScore
	return tc.TrustScore >= e.weights.Threshold, tc
}

// LiveScore returns the most recent trust score for a bot, or 0 if it
// has never handshaken.
func (e *Engine) LiveScore(botID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.liveScore[botID]
}

// certificateTrusted parses the PEM, requires an unexpired cert whose
// SHA-256 fingerprint is in the trusted store.
func (e *Engine) certificateTrusted(certPEM string) bool {
	if certPEM == "" {
		return false
	}
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	now := e.now()
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return false
	}
	sum := sha256.Sum256(block.Bytes)
	return e.trustedCerts[hex.EncodeToString(sum[:])]
}

// deviceMatches applies trust-on-first-use: an unseen bot pins the
// presented fingerprint; a returning bot must present the pinned one.
func (e *Engine) deviceMatches(botID, fingerprint string) bool {
	if fingerprint == "" {
		return false
	}
	pinned, seen := e.pinned[botID]
	if !seen {
		e.pinned[botID] = fingerprint
		return true
	}
	return pinned == fingerprint
}

// scoreBehavior runs three independent plausibility checks, each worth
// BehaviorUnit points.
func (e *Engine) scoreBehavior(b *model.BehaviorSample) int {
	if b == nil {
		return 0
	}
	score := 0

	// Command sequence plausibility: present and bounded.
	if n := len(b.CommandSequence); n > 0 && n <= 100 {
		score += e.weights.BehaviorUnit
	}

	// Inter-command timing plausibility: no machine-gun cadence.
	if len(b.IntervalsMS) > 0 {
		plausible := true
		for _, iv := range b.IntervalsMS {
			if iv < 50 {
				plausible = false
				break
			}
		}
		if plausible {
			score += e.weights.BehaviorUnit
		}
	}

	// Resource usage plausibility.
	if b.CPUPercent >= 0 && b.CPUPercent < 90 && b.MemoryPercent >= 0 && b.MemoryPercent < 90 {
		score += e.weights.BehaviorUnit
	}

	return score
}

// scoreContext runs three independent checks, each worth ContextUnit
// points: network fields, time-of-day window, location fields.
func (e *Engine) scoreContext(network, location map[string]any) int {
	score := 0

	if hasStringFields(network, "source_ip", "protocol") {
		score += e.weights.ContextUnit
	}

	if e.withinAllowedWindow(e.now()) {
		score += e.weights.ContextUnit
	}

	if hasStringFields(location, "region", "timezone") {
		score += e.weights.ContextUnit
	}

	return score
}

func (e *Engine) withinAllowedWindow(t time.Time) bool {
	start, end := e.weights.AllowedHourStart, e.weights.AllowedHourEnd
	if start == end {
		return true
	}
	hour := t.UTC().Hour()
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps midnight.
	return hour >= start || hour < end
}

func hasStringFields(m map[string]any, fields ...string) bool {
	if m == nil {
		return false
	}
	for _, f := range fields {
		s, ok := m[f].(string)
		if !ok || s == "" {
			return false
		}
	}
	return true
}

// ComputeContextHash derives the connection-context hash a session token
// is bound to. Any component change invalidates the token.
func ComputeContextHash(botID, deviceFingerprint, remoteIP string) string {
	h := sha256.New()
	h.Write([]byte(botID))
	h.Write([]byte{0})
	h.Write([]byte(deviceFingerprint))
	h.Write([]byte{0})
	h.Write([]byte(remoteIP))
	return hex.EncodeToString(h.Sum(nil))
}
