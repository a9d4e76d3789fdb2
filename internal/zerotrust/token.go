package zerotrust

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"
)

// TokenTTL is the lifetime of a session token.
const TokenTTL = time.Hour

// trustDecayFloor: a token becomes invalid once the live trust score
// drops below this fraction of the score at issuance.
const trustDecayFloor = 0.8

// VerifyReason explains a session-token verification outcome.
type VerifyReason string

const (
	ReasonOK               VerifyReason = "ok"
	ReasonExpired          VerifyReason = "expired"
	ReasonContextMismatch  VerifyReason = "context_mismatch"
	ReasonTrustDegraded    VerifyReason = "trust_degraded"
	ReasonInvalidSignature VerifyReason = "invalid_signature"
)

// TokenClaims is the signed payload of a session token.
type TokenClaims struct {
	BotID       string `json:"bot_id"`
	TrustScore  int    `json:"trust_score"`
	ContextHash string `json:"context_hash"`
	ExpiresAt   int64  `json:"expires_at"`
}

// GenerateSessionToken issues a signed token bound to the context hash
// at issuance time. Format: base64url(claims JSON) "." base64url(hmac).
func (e *Engine) GenerateSessionToken(botID string, trustScore int, contextHash string) (string, error) {
	claims := TokenClaims{
		BotID:       botID,
		TrustScore:  trustScore,
		ContextHash: contextHash,
		ExpiresAt:   e.now().Add(TokenTTL).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	return body + "." + e.sign(body), nil
}

// VerifySessionToken re-derives the context hash from the live
// connection and re-reads the live trust score. Signature is checked
// first: an unauthenticated payload gets no further interpretation.
func (e *Engine) VerifySessionToken(token, liveContextHash string) (*TokenClaims, VerifyReason) {
	body, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ReasonInvalidSignature
	}
	if !hmac.Equal([]byte(e.sign(body)), []byte(sig)) {
		return nil, ReasonInvalidSignature
	}

	payload, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, ReasonInvalidSignature
	}
	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ReasonInvalidSignature
	}

	if e.now().Unix() >= claims.ExpiresAt {
		return nil, ReasonExpired
	}

	if claims.ContextHash != liveContextHash {
		return nil, ReasonContextMismatch
	}

	live := e.LiveScore(claims.BotID)
	if float64(live) < trustDecayFloor*float64(claims.TrustScore) {
		return nil, ReasonTrustDegraded
	}

	return &claims, ReasonOK
}

func (e *Engine) sign(body string) string {
	mac := hmac.New(sha256.New, e.signingKey)
	mac.Write([]byte(body))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
