package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/securechannel"
	"github.com/relaymesh/relaymesh/internal/threat"
	"github.com/relaymesh/relaymesh/internal/zerotrust"
)

// State of one connection.
type State string

const (
	StateUnauthenticated   State = "UNAUTHENTICATED"
	StateOnboarding        State = "ONBOARDING"
	StateAwaitingChallenge State = "AWAITING_CHALLENGE"
	StateAuthenticated     State = "AUTHENTICATED"
	StateClosed            State = "CLOSED"
)

// Conn is the state machine for one connected bot. Not safe for
// concurrent use: the transport layer feeds it frames in receipt order
// from a single goroutine.
type Conn struct {
	hub      *Hub
	state    State
	botID    string
	remoteIP string
	headers  map[string]string

	identity    model.BotIdentity
	contextHash string
	sessionKey  []byte
	region      string
	risk        threat.RiskLevel

	closeReason string
}

// NewConn starts a connection in UNAUTHENTICATED.
func NewConn(hub *Hub, remoteIP string, headers map[string]string) *Conn {
	hub.Normalize()
	return &Conn{
		hub:      hub,
		state:    StateUnauthenticated,
		remoteIP: remoteIP,
		headers:  headers,
		risk:     threat.RiskLow,
	}
}

// State returns the current connection state.
func (c *Conn) State() State { return c.state }

// Identity returns the bot identity pinned by the last successful
// handshake; zero-valued before one completes.
func (c *Conn) Identity() model.BotIdentity { return c.identity }

// CloseReason explains a CLOSED state; empty while the connection lives.
func (c *Conn) CloseReason() string { return c.closeReason }

// Closed reports whether the connection has terminated.
func (c *Conn) Closed() bool { return c.state == StateClosed }

// close transitions to CLOSED, recording the reason for the close code.
func (c *Conn) close(reason string) {
	c.state = StateClosed
	c.closeReason = reason
	c.sessionKey = nil
}

// gate runs the rate limiter and threat detector ahead of any
// verification work. A non-nil Reject means the frame must be refused;
// rate-limit and threat hits have already been audited and, for
// threats, have closed the connection.
func (c *Conn) gate(identifier, class, payload string) *model.Reject {
	if res := c.hub.Limiter.Check(identifier, class); res.Limited {
		c.hub.audit("rate_limit_exceeded", c.botID, c.remoteIP, map[string]any{
			"class":  class,
			"reason": res.Reason,
		}, false)
		reject := model.NewReject(model.RateLimited, "%s", res.Reason)
		reject.RetryAfter = res.RetryAfter
		c.close("rate limited")
		return reject
	}

	verdict := c.hub.Threats.AnalyzeRequest(c.remoteIP, payload, c.headers)
	if verdict.Blocked {
		c.hub.audit("threat_blocked", c.botID, c.remoteIP, map[string]any{
			"reason":     verdict.Reason,
			"risk_level": string(verdict.RiskLevel),
		}, false)
		c.close("threat detected")
		return model.NewReject(model.ThreatBlocked, "%s", verdict.Reason)
	}
	if verdict.RiskLevel == threat.RiskMedium && c.risk != threat.RiskHigh {
		c.risk = threat.RiskMedium
	}
	return nil
}

// HandleOnboard exchanges a one-time token for a fresh API key. The
// connection stays open so the bot can handshake immediately after.
func (c *Conn) HandleOnboard(req *model.OnboardRequest) *model.OnboardResponse {
	if c.state != StateUnauthenticated {
		return &model.OnboardResponse{Status: model.StatusError, ErrorMessage: "onboarding not allowed in state " + string(c.state)}
	}
	c.state = StateOnboarding
	c.botID = req.BotID

	if reject := c.gate(req.BotID, "connection", req.AuthToken); reject != nil {
		return &model.OnboardResponse{Status: rejectStatus(reject), ErrorMessage: reject.Reason}
	}

	apiKey, err := c.hub.Creds.Redeem(req.BotID, req.AuthToken)
	if err != nil {
		c.hub.audit("onboarding_failed", req.BotID, c.remoteIP, map[string]any{
			"auth_token": req.AuthToken,
		}, false)
		c.close("onboarding failed")
		return &model.OnboardResponse{Status: model.StatusAuthFailed, ErrorMessage: "invalid or already used token"}
	}

	c.hub.audit("onboarding_success", req.BotID, c.remoteIP, nil, true)
	c.state = StateUnauthenticated
	return &model.OnboardResponse{
		Status:            model.StatusSuccess,
		APIKey:            apiKey,
		HeartbeatInterval: c.hub.HeartbeatSec,
	}
}

// HandleHandshake authenticates a returning bot: API key, outstanding
// challenge if one exists, then zero-trust scoring. Success issues the
// session token and the challenge for the next reconnection together.
func (c *Conn) HandleHandshake(req *model.HandshakeRequest) *model.HandshakeResponse {
	if c.state != StateUnauthenticated {
		return &model.HandshakeResponse{Status: model.StatusError, ErrorMessage: "handshake not allowed in state " + string(c.state)}
	}
	c.botID = req.BotID

	if reject := c.gate(req.BotID, "connection", handshakePayload(req)); reject != nil {
		return &model.HandshakeResponse{Status: rejectStatus(reject), ErrorMessage: reject.Reason}
	}

	c.state = StateAwaitingChallenge

	ok, err := c.hub.Creds.VerifyAPIKey(req.BotID, req.APIKey)
	if err != nil || !ok {
		return c.handshakeFailed(req, "invalid api key")
	}

	// An outstanding challenge must be answered; it is consumed by this
	// attempt whatever the outcome.
	if c.hub.Challenges.Outstanding(req.BotID) {
		if !c.hub.Challenges.Verify(req.BotID, req.ChallengeResponse) {
			return c.handshakeFailed(req, "challenge verification failed")
		}
	}

	verified, tc := c.hub.Trust.VerifyIdentity(req.BotID, req)
	if !verified {
		return c.handshakeFailed(req, fmt.Sprintf("trust score %d below threshold", tc.TrustScore))
	}

	c.identity = model.BotIdentity{
		BotID:             req.BotID,
		CertificatePEM:    req.CertificatePEM,
		DeviceFingerprint: req.DeviceFingerprint,
	}
	c.contextHash = zerotrust.ComputeContextHash(req.BotID, req.DeviceFingerprint, c.remoteIP)
	if region, ok := req.LocationContext["region"].(string); ok {
		c.region = region
	}

	token, err := c.hub.Trust.GenerateSessionToken(req.BotID, tc.TrustScore, c.contextHash)
	if err != nil {
		c.close("internal error")
		return &model.HandshakeResponse{Status: model.StatusError, ErrorMessage: "token generation failed"}
	}
	nextChallenge, err := c.hub.Challenges.Generate(req.BotID)
	if err != nil {
		c.close("internal error")
		return &model.HandshakeResponse{Status: model.StatusError, ErrorMessage: "challenge generation failed"}
	}

	if req.SessionKeyWrapped != "" {
		if err := c.unwrapSessionKey(req.SessionKeyWrapped); err != nil {
			return c.handshakeFailed(req, "session key unwrap failed")
		}
	}

	c.state = StateAuthenticated
	c.hub.audit("handshake_success", req.BotID, c.remoteIP, map[string]any{
		"trust_score": tc.TrustScore,
	}, true)

	return &model.HandshakeResponse{
		Status:        model.StatusSuccess,
		SessionToken:  token,
		NextChallenge: nextChallenge,
		TrustContext:  tc.ToMap(),
	}
}

// handshakeFailed returns the connection to UNAUTHENTICATED; the bot may
// retry under the rate limiter.
func (c *Conn) handshakeFailed(req *model.HandshakeRequest, reason string) *model.HandshakeResponse {
	c.hub.audit("handshake_failed", req.BotID, c.remoteIP, map[string]any{
		"reason": reason,
	}, false)
	c.state = StateUnauthenticated
	return &model.HandshakeResponse{Status: model.StatusAuthFailed, ErrorMessage: reason}
}

// HandleMessage processes one authenticated message-loop frame. A
// failed token verification closes the connection; re-entry requires a
// fresh handshake.
func (c *Conn) HandleMessage(ctx context.Context, req *model.SessionMessage) *model.SessionResponse {
	if c.state != StateAuthenticated {
		return &model.SessionResponse{Status: model.StatusError, ErrorMessage: "no authenticated session"}
	}

	payload := req.EncryptedData
	if req.Data != nil {
		payload = req.Data.Content
	}
	if reject := c.gate(c.botID, "message", payload); reject != nil {
		return &model.SessionResponse{Status: rejectStatus(reject), ErrorMessage: reject.Reason}
	}

	liveHash := zerotrust.ComputeContextHash(c.botID, c.identity.DeviceFingerprint, c.remoteIP)
	claims, reason := c.hub.Trust.VerifySessionToken(req.SessionToken, liveHash)
	if reason != zerotrust.ReasonOK {
		c.hub.audit("session_token_rejected", c.botID, c.remoteIP, map[string]any{
			"reason": string(reason),
		}, false)
		c.close(string(reason))
		return &model.SessionResponse{Status: model.StatusAuthFailed, ErrorMessage: string(reason)}
	}

	msg, err := c.decodeMessage(req)
	if err != nil {
		c.hub.audit("message_rejected", claims.BotID, c.remoteIP, map[string]any{
			"reason": err.Error(),
		}, false)
		return &model.SessionResponse{Status: model.StatusError, ErrorMessage: err.Error()}
	}
	if err := msg.Validate(); err != nil {
		return &model.SessionResponse{Status: model.StatusError, ErrorMessage: err.Error()}
	}

	if violations := c.checkCompliance(msg); len(violations) > 0 {
		c.hub.audit("compliance_violation", claims.BotID, c.remoteIP, map[string]any{
			"violations": violations,
		}, false)
		return &model.SessionResponse{Status: model.StatusError, ErrorMessage: violations[0]}
	}

	rctx := &model.RoutingContext{
		TenantID:       msg.TenantID,
		UserID:         msg.UserID,
		TargetPlatform: msg.TargetPlatform,
		SourcePlatform: msg.SourcePlatform,
		RemoteIP:       c.remoteIP,
	}
	result := c.hub.Router.Route(ctx, msg, rctx)
	if !result.Delivered {
		return &model.SessionResponse{Status: model.StatusError, ErrorMessage: result.Reject.Reason}
	}

	return c.successResponse(msg, result.Result)
}

// decodeMessage extracts the routable message, decrypting the payload
// when the bot sent it over the secure channel.
func (c *Conn) decodeMessage(req *model.SessionMessage) (*model.Message, error) {
	if req.Data != nil {
		return req.Data, nil
	}
	if req.EncryptedData == "" {
		return nil, fmt.Errorf("session: frame carries neither data nor encrypted_data")
	}
	if c.sessionKey == nil {
		return nil, fmt.Errorf("session: encrypted frame without a negotiated session key")
	}
	plaintext, err := securechannel.DecryptMessage(req.EncryptedData, c.sessionKey)
	if err != nil {
		return nil, fmt.Errorf("session: decrypt payload: %w", err)
	}
	var msg model.Message
	if err := json.Unmarshal(plaintext, &msg); err != nil {
		return nil, fmt.Errorf("session: decode payload: %w", err)
	}
	return &msg, nil
}

// successResponse encrypts the delivery result when a session key is
// available and either the connection has been elevated to medium risk
// or the message itself was classified confidential or higher.
func (c *Conn) successResponse(msg *model.Message, result *model.DeliveryResult) *model.SessionResponse {
	resp := &model.SessionResponse{Status: model.StatusSuccess}

	if c.mustEncrypt(msg) && c.sessionKey != nil {
		body, err := json.Marshal(result)
		if err == nil {
			_, iv, ivErr := securechannel.GenerateSessionKey()
			if ivErr == nil {
				if ct, encErr := securechannel.EncryptMessage(body, c.sessionKey, iv); encErr == nil {
					resp.EncryptedData = ct
				}
			}
		}
	}
	return resp
}

func (c *Conn) mustEncrypt(msg *model.Message) bool {
	if c.risk == threat.RiskMedium {
		return true
	}
	return model.ClassRank[msg.Classification] >= model.ClassRank[model.ClassConfidential]
}

func (c *Conn) checkCompliance(msg *model.Message) []string {
	rec := audit.Record{
		Classification: msg.Classification,
		Region:         c.region,
	}
	return audit.ValidateCompliance(rec, c.hub.Compliance)
}

func (c *Conn) unwrapSessionKey(wrapped string) error {
	if c.hub.PrivateKey == nil {
		return fmt.Errorf("session: hub has no private key")
	}
	ct, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return fmt.Errorf("session: decode wrapped key: %w", err)
	}
	key, err := securechannel.DecryptSessionKey(ct, c.hub.PrivateKey)
	if err != nil {
		return err
	}
	c.sessionKey = key
	return nil
}

// handshakePayload serializes the scannable parts of a handshake for
// the threat detector.
func handshakePayload(req *model.HandshakeRequest) string {
	parts, err := json.Marshal(map[string]any{
		"bot_id":   req.BotID,
		"network":  req.NetworkContext,
		"location": req.LocationContext,
	})
	if err != nil {
		return req.BotID
	}
	return string(parts)
}

func rejectStatus(reject *model.Reject) string {
	switch reject.Kind {
	case model.RateLimited:
		return model.StatusRateLimited
	case model.ThreatBlocked:
		return model.StatusBlocked
	default:
		return model.StatusError
	}
}

// LogClose emits the terminal log line for a finished connection.
func (c *Conn) LogClose() {
	c.hub.Log.Info("connection closed",
		zap.String("bot_id", c.botID),
		zap.String("remote_ip", c.remoteIP),
		zap.String("reason", c.closeReason))
}
