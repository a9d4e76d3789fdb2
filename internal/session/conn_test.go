package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/relaymesh/relaymesh/internal/adapter"
	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/breaker"
	"github.com/relaymesh/relaymesh/internal/credstore"
	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/policy"
	"github.com/relaymesh/relaymesh/internal/ratelimit"
	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/securechannel"
	"github.com/relaymesh/relaymesh/internal/threat"
	"github.com/relaymesh/relaymesh/internal/zerotrust"
)

type testHub struct {
	hub      *Hub
	loopback *adapter.Loopback
	store    *audit.MemoryStore
	creds    *credstore.Manager
}

func newTestHub(t *testing.T) *testHub {
	t.Helper()
	master := bytes.Repeat([]byte{0x55}, 32)

	creds, err := credstore.NewManager(credstore.NewMemoryStore(), master)
	if err != nil {
		t.Fatal(err)
	}
	store := audit.NewMemoryStore()
	ledger, err := audit.NewLedger(store, master)
	if err != nil {
		t.Fatal(err)
	}

	lb := adapter.NewLoopback("email", "send_text")
	reg := adapter.NewRegistry()
	reg.Register(lb)

	rt := router.New(router.Config{MaxRetries: 1}, reg,
		policy.NewEngine(&policy.RoutingPolicy{AllowPlatforms: []string{"email"}}),
		breaker.NewRegistry(breaker.DefaultConfig()), ledger, nil)

	priv, err := securechannel.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	hub := &Hub{
		Creds:      creds,
		Trust:      zerotrust.NewEngine(zerotrust.DefaultWeights(), master, nil),
		Challenges: zerotrust.NewChallengeTable(),
		Limiter:    ratelimit.New(nil),
		Threats:    threat.NewDetector(nil),
		Ledger:     ledger,
		Router:     rt,
		PrivateKey: priv,
	}
	hub.Normalize()
	return &testHub{hub: hub, loopback: lb, store: store, creds: creds}
}

func strongHandshake(botID, apiKey string) *model.HandshakeRequest {
	return &model.HandshakeRequest{
		BotID:             botID,
		APIKey:            apiKey,
		DeviceFingerprint: "fp-alpha",
		NetworkContext:    map[string]any{"source_ip": "10.0.0.9", "protocol": "wss"},
		LocationContext:   map[string]any{"region": "eu", "timezone": "Europe/Berlin"},
		Behavior: &model.BehaviorSample{
			CommandSequence: []string{"status", "sync"},
			IntervalsMS:     []float64{120, 340},
			CPUPercent:      12,
			MemoryPercent:   30,
		},
	}
}

func onboardAndHandshake(t *testing.T, th *testHub) (*Conn, string) {
	t.Helper()
	token, err := th.creds.IssueOneTimeToken("bot-001")
	if err != nil {
		t.Fatal(err)
	}

	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: token})
	if ob.Status != model.StatusSuccess {
		t.Fatalf("onboarding failed: %+v", ob)
	}

	hs := conn.HandleHandshake(strongHandshake("bot-001", ob.APIKey))
	if hs.Status != model.StatusSuccess {
		t.Fatalf("handshake failed: %+v", hs)
	}
	return conn, hs.SessionToken
}

func TestOnboardHandshakeMessageFlow(t *testing.T) {
	th := newTestHub(t)
	conn, token := onboardAndHandshake(t, th)

	if conn.State() != StateAuthenticated {
		t.Fatalf("expected AUTHENTICATED, got %s", conn.State())
	}

	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: token,
		Data: &model.Message{
			Kind:           model.KindUserMessage,
			Content:        "deploy finished",
			TenantID:       "t1",
			UserID:         "u1",
			TargetPlatform: "email",
		},
	})
	if resp.Status != model.StatusSuccess {
		t.Fatalf("message loop failed: %+v", resp)
	}
	if len(th.loopback.Delivered()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(th.loopback.Delivered()))
	}

	if res := th.hub.Ledger.VerifyAll(); !res.Valid {
		t.Fatalf("audit trail must verify: %+v", res)
	}
}

func TestOnboardWrongTokenCloses(t *testing.T) {
	th := newTestHub(t)
	th.creds.IssueOneTimeToken("bot-001")

	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: "tok_forged"})
	if ob.Status != model.StatusAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %+v", ob)
	}
	if !conn.Closed() {
		t.Fatal("failed onboarding must close the connection")
	}
}

func TestHandshakeUnknownBot(t *testing.T) {
	th := newTestHub(t)
	conn := NewConn(th.hub, "10.0.0.9", nil)

	hs := conn.HandleHandshake(strongHandshake("bot-unknown", "rmk_none"))
	if hs.Status != model.StatusAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %+v", hs)
	}
	if conn.Closed() {
		t.Fatal("failed handshake keeps the connection open for retry")
	}
	if conn.State() != StateUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED after failed handshake, got %s", conn.State())
	}
}

func TestReconnectRequiresChallengeResponse(t *testing.T) {
	th := newTestHub(t)
	token, _ := th.creds.IssueOneTimeToken("bot-001")
	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: token})
	hs := conn.HandleHandshake(strongHandshake("bot-001", ob.APIKey))
	if hs.NextChallenge == "" {
		t.Fatal("handshake must issue the next challenge")
	}

	// Reconnect without answering the outstanding challenge.
	conn2 := NewConn(th.hub, "10.0.0.9", nil)
	if resp := conn2.HandleHandshake(strongHandshake("bot-001", ob.APIKey)); resp.Status != model.StatusAuthFailed {
		t.Fatalf("reconnect without challenge answer must fail: %+v", resp)
	}

	// The challenge was consumed by the failed attempt; a later
	// reconnect with the stale plaintext must also fail to redeem it.
	req := strongHandshake("bot-001", ob.APIKey)
	req.ChallengeResponse = hs.NextChallenge
	conn3 := NewConn(th.hub, "10.0.0.9", nil)
	resp := conn3.HandleHandshake(req)
	if resp.Status != model.StatusSuccess {
		// No challenge outstanding anymore, so the handshake proceeds on
		// the remaining factors.
		t.Fatalf("post-consumption handshake should pass on score alone: %+v", resp)
	}
}

func TestReconnectWithCorrectChallenge(t *testing.T) {
	th := newTestHub(t)
	token, _ := th.creds.IssueOneTimeToken("bot-001")
	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: token})
	hs := conn.HandleHandshake(strongHandshake("bot-001", ob.APIKey))

	req := strongHandshake("bot-001", ob.APIKey)
	req.ChallengeResponse = hs.NextChallenge
	conn2 := NewConn(th.hub, "10.0.0.9", nil)
	resp := conn2.HandleHandshake(req)
	if resp.Status != model.StatusSuccess {
		t.Fatalf("reconnect with correct challenge must succeed: %+v", resp)
	}
	if resp.NextChallenge == "" || resp.NextChallenge == hs.NextChallenge {
		t.Fatal("each handshake must issue a fresh challenge")
	}
}

func TestTamperedTokenClosesConnection(t *testing.T) {
	th := newTestHub(t)
	conn, token := onboardAndHandshake(t, th)

	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: token + "x",
		Data: &model.Message{
			Kind: model.KindUserMessage, Content: "hi", UserID: "u1", TargetPlatform: "email",
		},
	})
	if resp.Status != model.StatusAuthFailed {
		t.Fatalf("expected AUTH_FAILED, got %+v", resp)
	}
	if !conn.Closed() {
		t.Fatal("token failure must close the connection")
	}
	if conn.CloseReason() != string(zerotrust.ReasonInvalidSignature) {
		t.Fatalf("close reason = %q", conn.CloseReason())
	}

	// No further frames are processed.
	resp = conn.HandleMessage(context.Background(), &model.SessionMessage{SessionToken: token})
	if resp.Status != model.StatusError {
		t.Fatalf("closed connection must refuse frames: %+v", resp)
	}
}

func TestConnectionRateLimit(t *testing.T) {
	th := newTestHub(t)

	// The connection class allows 5 attempts per window.
	for i := 0; i < 5; i++ {
		conn := NewConn(th.hub, "10.0.0.9", nil)
		conn.HandleHandshake(strongHandshake("bot-hammer", "rmk_bad"))
	}
	conn := NewConn(th.hub, "10.0.0.9", nil)
	resp := conn.HandleHandshake(strongHandshake("bot-hammer", "rmk_bad"))
	if resp.Status != model.StatusRateLimited {
		t.Fatalf("expected RATE_LIMITED, got %+v", resp)
	}
	if !conn.Closed() {
		t.Fatal("rate-limited connection must close")
	}
}

func TestThreatPayloadBlocksAndCloses(t *testing.T) {
	th := newTestHub(t)
	conn, token := onboardAndHandshake(t, th)

	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: token,
		Data: &model.Message{
			Kind:           model.KindUserMessage,
			Content:        "union select password from users",
			UserID:         "u1",
			TargetPlatform: "email",
		},
	})
	if resp.Status != model.StatusBlocked {
		t.Fatalf("expected BLOCKED, got %+v", resp)
	}
	if !conn.Closed() {
		t.Fatal("threat must close the connection")
	}
	if len(th.loopback.Delivered()) != 0 {
		t.Fatal("blocked message must never route")
	}
}

func TestEncryptedMessageRoundTrip(t *testing.T) {
	th := newTestHub(t)
	token, _ := th.creds.IssueOneTimeToken("bot-001")
	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: token})

	// Bot generates a session key and wraps it with the hub public key.
	key, iv, err := securechannel.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	pubPEM, err := securechannel.MarshalPublicKey(th.hub.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := securechannel.EncryptSessionKey(key, pubPEM)
	if err != nil {
		t.Fatal(err)
	}

	req := strongHandshake("bot-001", ob.APIKey)
	req.SessionKeyWrapped = base64.StdEncoding.EncodeToString(wrapped)
	hs := conn.HandleHandshake(req)
	if hs.Status != model.StatusSuccess {
		t.Fatalf("handshake failed: %+v", hs)
	}

	plaintext, err := json.Marshal(model.Message{
		Kind:           model.KindUserMessage,
		Content:        "secret payload",
		UserID:         "u1",
		TargetPlatform: "email",
	})
	if err != nil {
		t.Fatal(err)
	}
	encrypted, err := securechannel.EncryptMessage(plaintext, key, iv)
	if err != nil {
		t.Fatal(err)
	}

	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken:  hs.SessionToken,
		EncryptedData: encrypted,
	})
	if resp.Status != model.StatusSuccess {
		t.Fatalf("encrypted message loop failed: %+v", resp)
	}
	delivered := th.loopback.Delivered()
	if len(delivered) != 1 || delivered[0].Message.Content != "secret payload" {
		t.Fatalf("decrypted payload not routed: %+v", delivered)
	}
}

func TestComplianceViolationRejected(t *testing.T) {
	th := newTestHub(t)
	th.hub.Compliance = audit.Rules{RequiredClassification: "confidential"}
	conn, token := onboardAndHandshake(t, th)

	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: token,
		Data: &model.Message{
			Kind:           model.KindUserMessage,
			Content:        "quarterly numbers",
			UserID:         "u1",
			TargetPlatform: "email",
			Classification: model.ClassPublic,
		},
	})
	if resp.Status != model.StatusError {
		t.Fatalf("expected compliance rejection, got %+v", resp)
	}
	if conn.Closed() {
		t.Fatal("compliance violation rejects the message, not the connection")
	}

	resp = conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: token,
		Data: &model.Message{
			Kind:           model.KindUserMessage,
			Content:        "quarterly numbers",
			UserID:         "u1",
			TargetPlatform: "email",
			Classification: model.ClassRestricted,
		},
	})
	if resp.Status != model.StatusSuccess {
		t.Fatalf("compliant message must route: %+v", resp)
	}
}

func TestConfidentialResponseEncrypted(t *testing.T) {
	th := newTestHub(t)
	token, _ := th.creds.IssueOneTimeToken("bot-001")
	conn := NewConn(th.hub, "10.0.0.9", nil)
	ob := conn.HandleOnboard(&model.OnboardRequest{BotID: "bot-001", AuthToken: token})

	key, _, err := securechannel.GenerateSessionKey()
	if err != nil {
		t.Fatal(err)
	}
	pubPEM, err := securechannel.MarshalPublicKey(th.hub.PrivateKey)
	if err != nil {
		t.Fatal(err)
	}
	wrapped, err := securechannel.EncryptSessionKey(key, pubPEM)
	if err != nil {
		t.Fatal(err)
	}
	req := strongHandshake("bot-001", ob.APIKey)
	req.SessionKeyWrapped = base64.StdEncoding.EncodeToString(wrapped)
	hs := conn.HandleHandshake(req)
	if hs.Status != model.StatusSuccess {
		t.Fatalf("handshake failed: %+v", hs)
	}

	// A public message on a low-risk connection stays plaintext.
	resp := conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: hs.SessionToken,
		Data: &model.Message{
			Kind: model.KindUserMessage, Content: "weather update",
			UserID: "u1", TargetPlatform: "email",
			Classification: model.ClassPublic,
		},
	})
	if resp.Status != model.StatusSuccess {
		t.Fatalf("public message failed: %+v", resp)
	}
	if resp.EncryptedData != "" {
		t.Fatal("public low-risk response must not be encrypted")
	}

	// A confidential message must come back over the secure channel even
	// though the connection risk was never elevated.
	resp = conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: hs.SessionToken,
		Data: &model.Message{
			Kind: model.KindUserMessage, Content: "payroll export ready",
			UserID: "u1", TargetPlatform: "email",
			Classification: model.ClassConfidential,
		},
	})
	if resp.Status != model.StatusSuccess {
		t.Fatalf("confidential message failed: %+v", resp)
	}
	if resp.EncryptedData == "" {
		t.Fatal("confidential response must be encrypted")
	}

	plaintext, err := securechannel.DecryptMessage(resp.EncryptedData, key)
	if err != nil {
		t.Fatalf("decrypt response: %v", err)
	}
	var result model.DeliveryResult
	if err := json.Unmarshal(plaintext, &result); err != nil {
		t.Fatal(err)
	}
	if !result.Success {
		t.Fatalf("decrypted result = %+v", result)
	}

	// Restricted ranks above confidential and is encrypted too.
	resp = conn.HandleMessage(context.Background(), &model.SessionMessage{
		SessionToken: hs.SessionToken,
		Data: &model.Message{
			Kind: model.KindUserMessage, Content: "board minutes",
			UserID: "u1", TargetPlatform: "email",
			Classification: model.ClassRestricted,
		},
	})
	if resp.Status != model.StatusSuccess || resp.EncryptedData == "" {
		t.Fatalf("restricted response must be encrypted: %+v", resp)
	}
}

func TestHandshakePinsIdentity(t *testing.T) {
	th := newTestHub(t)
	conn, _ := onboardAndHandshake(t, th)

	id := conn.Identity()
	if id.BotID != "bot-001" {
		t.Fatalf("identity bot_id = %q", id.BotID)
	}
	if id.DeviceFingerprint != "fp-alpha" {
		t.Fatalf("identity fingerprint = %q", id.DeviceFingerprint)
	}
}
