package relaymesh

import "github.com/relaymesh/relaymesh/internal/model"

// Option configures a Client at creation time.
type Option func(*clientConfig)

type clientConfig struct {
	apiKey            string
	deviceFingerprint string
	certificatePEM    string
	hubPublicKeyPEM   []byte
	network           map[string]any
	location          map[string]any
	behavior          *model.BehaviorSample
}

// WithAPIKey sets a previously issued API key, skipping onboarding.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithDeviceFingerprint sets the fingerprint pinned by the hub on first
// sight.
func WithDeviceFingerprint(fp string) Option {
	return func(c *clientConfig) { c.deviceFingerprint = fp }
}

// WithCertificate presents a PEM client certificate during handshakes.
func WithCertificate(pem string) Option {
	return func(c *clientConfig) { c.certificatePEM = pem }
}

// WithHubPublicKey enables the secure channel: a fresh session key is
// wrapped with this key on every handshake and payloads are encrypted.
func WithHubPublicKey(pem []byte) Option {
	return func(c *clientConfig) { c.hubPublicKeyPEM = pem }
}

// WithNetworkContext sets the network evidence sent with handshakes.
func WithNetworkContext(network map[string]any) Option {
	return func(c *clientConfig) { c.network = network }
}

// WithLocationContext sets the location evidence sent with handshakes.
func WithLocationContext(location map[string]any) Option {
	return func(c *clientConfig) { c.location = location }
}

// WithBehavior sets the behavioral sample scored by the hub.
func WithBehavior(b *model.BehaviorSample) Option {
	return func(c *clientConfig) { c.behavior = b }
}
