// Package session owns the per-connection lifecycle: onboarding,
// zero-trust handshake, and the authenticated message loop.
package session

import (
	"crypto/rsa"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/credstore"
	"github.com/relaymesh/relaymesh/internal/ratelimit"
	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/threat"
	"github.com/relaymesh/relaymesh/internal/zerotrust"
)

// DefaultHeartbeatSec is sent to bots in the onboarding response.
const DefaultHeartbeatSec = 30

// Hub bundles the long-lived collaborators every connection shares.
type Hub struct {
	Creds      *credstore.Manager
	Trust      *zerotrust.Engine
	Challenges *zerotrust.ChallengeTable
	Limiter    *ratelimit.Limiter
	Threats    *threat.Detector
	Ledger     *audit.Ledger
	Router     *router.Router
	Compliance audit.Rules

	// PrivateKey unwraps session keys sent by bots during handshake.
	PrivateKey *rsa.PrivateKey

	HeartbeatSec int
	Log          *zap.Logger
}

// Normalize fills defaults so a partially built Hub is still usable in
// tests and the demo path.
func (h *Hub) Normalize() {
	if h.HeartbeatSec <= 0 {
		h.HeartbeatSec = DefaultHeartbeatSec
	}
	if h.Log == nil {
		h.Log = zap.NewNop()
	}
	if h.Limiter == nil {
		h.Limiter = ratelimit.New(ratelimit.DefaultClasses())
	}
	if h.Threats == nil {
		h.Threats = threat.NewDetector(nil)
	}
	if h.Challenges == nil {
		h.Challenges = zerotrust.NewChallengeTable()
	}
}

func (h *Hub) audit(eventType, userID, ip string, details map[string]any, success bool) {
	if h.Ledger == nil {
		return
	}
	if _, err := h.Ledger.LogSecurityEvent(eventType, userID, ip, audit.Sanitize(details), success); err != nil {
		h.Log.Error("audit write failed", zap.Error(err))
	}
}
