package relaymesh

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/securechannel"
)

// Client is a hub connection for one bot. Safe for concurrent Send
// calls; frames are serialized on the client mutex.
type Client struct {
	url   string
	botID string
	cfg   clientConfig

	mu            sync.Mutex
	ws            *websocket.Conn
	apiKey        string
	sessionToken  string
	nextChallenge string
	sessionKey    []byte
}

// New creates a Client. No I/O happens until Connect.
func New(url, botID string, opts ...Option) *Client {
	var cfg clientConfig
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{url: url, botID: botID, cfg: cfg, apiKey: cfg.apiKey}
}

// Connect dials the hub session endpoint.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws != nil {
		return nil
	}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("relaymesh: dial %s: %w", c.url, err)
	}
	c.ws = ws
	return nil
}

// Close tears down the connection. The session token and next
// challenge survive so a reconnect can handshake immediately.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return nil
	}
	err := c.ws.Close()
	c.ws = nil
	c.sessionKey = nil
	return err
}

// Onboard exchanges a one-time token for an API key, which is retained
// for subsequent handshakes and returned for the caller to persist.
func (c *Client) Onboard(ctx context.Context, oneTimeToken string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var resp model.OnboardResponse
	err := c.roundTrip(model.Frame{Type: model.FrameOnboard, Onboard: &model.OnboardRequest{
		BotID:     c.botID,
		AuthToken: oneTimeToken,
	}}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Status != model.StatusSuccess {
		return "", fmt.Errorf("relaymesh: onboarding rejected: %s", resp.ErrorMessage)
	}
	c.apiKey = resp.APIKey
	return resp.APIKey, nil
}

// Handshake authenticates this connection. The stored challenge from
// the previous handshake is answered automatically, and the one issued
// now is stored for the next.
func (c *Client) Handshake(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.apiKey == "" {
		return fmt.Errorf("relaymesh: no api key; onboard first or use WithAPIKey")
	}

	req := &model.HandshakeRequest{
		BotID:             c.botID,
		APIKey:            c.apiKey,
		ChallengeResponse: c.nextChallenge,
		CertificatePEM:    c.cfg.certificatePEM,
		DeviceFingerprint: c.cfg.deviceFingerprint,
		NetworkContext:    c.cfg.network,
		LocationContext:   c.cfg.location,
		Behavior:          c.cfg.behavior,
	}

	var sessionKey []byte
	if c.cfg.hubPublicKeyPEM != nil {
		key, _, err := securechannel.GenerateSessionKey()
		if err != nil {
			return err
		}
		wrapped, err := securechannel.EncryptSessionKey(key, c.cfg.hubPublicKeyPEM)
		if err != nil {
			return err
		}
		req.SessionKeyWrapped = base64.StdEncoding.EncodeToString(wrapped)
		sessionKey = key
	}

	var resp model.HandshakeResponse
	if err := c.roundTrip(model.Frame{Type: model.FrameHandshake, Handshake: req}, &resp); err != nil {
		return err
	}
	if resp.Status != model.StatusSuccess {
		return fmt.Errorf("relaymesh: handshake rejected: %s", resp.ErrorMessage)
	}

	c.sessionToken = resp.SessionToken
	c.nextChallenge = resp.NextChallenge
	c.sessionKey = sessionKey
	return nil
}

// Send routes one message through the hub. With a secure channel
// negotiated the payload travels encrypted.
func (c *Client) Send(ctx context.Context, msg model.Message) (*model.SessionResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionToken == "" {
		return nil, fmt.Errorf("relaymesh: no session; handshake first")
	}

	frame := &model.SessionMessage{SessionToken: c.sessionToken}
	if c.sessionKey != nil {
		plaintext, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("relaymesh: encode message: %w", err)
		}
		_, iv, err := securechannel.GenerateSessionKey()
		if err != nil {
			return nil, err
		}
		frame.EncryptedData, err = securechannel.EncryptMessage(plaintext, c.sessionKey, iv)
		if err != nil {
			return nil, err
		}
	} else {
		frame.Data = &msg
	}

	var resp model.SessionResponse
	if err := c.roundTrip(model.Frame{Type: model.FrameMessage, Message: frame}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TrustContext of the hub is not exposed; bots only learn their own
// session state. SessionActive reports whether a token is held.
func (c *Client) SessionActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionToken != ""
}

// roundTrip writes one frame and decodes the reply. Caller holds the
// mutex.
func (c *Client) roundTrip(frame model.Frame, out any) error {
	if c.ws == nil {
		return fmt.Errorf("relaymesh: not connected")
	}
	if err := c.ws.WriteJSON(frame); err != nil {
		return fmt.Errorf("relaymesh: write frame: %w", err)
	}
	if err := c.ws.ReadJSON(out); err != nil {
		return fmt.Errorf("relaymesh: read response: %w", err)
	}
	return nil
}
