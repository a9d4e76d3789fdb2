package model

// Wire envelopes for the bot-facing session protocol. Every frame is one
// JSON object over the websocket; Type selects which payload is set.

// Frame statuses.
const (
	StatusSuccess     = "SUCCESS"
	StatusAuthFailed  = "AUTH_FAILED"
	StatusRateLimited = "RATE_LIMITED"
	StatusBlocked     = "BLOCKED"
	StatusError       = "ERROR"
)

// Frame types.
const (
	FrameOnboard   = "onboard"
	FrameHandshake = "handshake"
	FrameMessage   = "message"
)

// Frame is one inbound client frame.
type Frame struct {
	Type      string            `json:"type"`
	Onboard   *OnboardRequest   `json:"onboard,omitempty"`
	Handshake *HandshakeRequest `json:"handshake,omitempty"`
	Message   *SessionMessage   `json:"message,omitempty"`
}

// OnboardRequest exchanges a one-time token for an API key.
type OnboardRequest struct {
	BotID     string `json:"bot_id"`
	AuthToken string `json:"auth_token"`
}

// OnboardResponse carries the freshly minted API key on success.
type OnboardResponse struct {
	Status            string `json:"status"`
	APIKey            string `json:"api_key,omitempty"`
	HeartbeatInterval int    `json:"heartbeat_interval_sec,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// HandshakeRequest authenticates a returning bot.
type HandshakeRequest struct {
	BotID             string          `json:"bot_id"`
	APIKey            string          `json:"api_key"`
	ChallengeResponse string          `json:"challenge_response,omitempty"`
	CertificatePEM    string          `json:"certificate,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint,omitempty"`
	NetworkContext    map[string]any  `json:"network_context,omitempty"`
	LocationContext   map[string]any  `json:"location_context,omitempty"`
	Behavior          *BehaviorSample `json:"behavior,omitempty"`
	SessionKeyWrapped string          `json:"session_key,omitempty"`
}

// BehaviorSample is the bot-reported behavioral evidence scored during
// zero-trust verification.
type BehaviorSample struct {
	CommandSequence []string  `json:"command_sequence,omitempty"`
	IntervalsMS     []float64 `json:"intervals_ms,omitempty"`
	CPUPercent      float64   `json:"cpu_percent"`
	MemoryPercent   float64   `json:"memory_percent"`
}

// HandshakeResponse carries the session token and the challenge for the
// next reconnection.
type HandshakeResponse struct {
	Status        string         `json:"status"`
	SessionToken  string         `json:"session_token,omitempty"`
	NextChallenge string         `json:"next_challenge,omitempty"`
	TrustContext  map[string]any `json:"trust_context,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
}

// SessionMessage is one message-loop frame from an authenticated bot.
// Exactly one of Data or EncryptedData is set.
type SessionMessage struct {
	SessionToken  string   `json:"session_token"`
	Data          *Message `json:"data,omitempty"`
	EncryptedData string   `json:"encrypted_data,omitempty"`
}

// SessionResponse answers one message-loop frame.
type SessionResponse struct {
	Status        string `json:"status"`
	EncryptedData string `json:"encrypted_data,omitempty"`
	NextChallenge string `json:"next_challenge,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
}
