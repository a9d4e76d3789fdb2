package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RoutingPolicy is declarative configuration evaluated per message.
// Loaded, never mutated by the router.
type RoutingPolicy struct {
	AllowPlatforms      []string `yaml:"allow_platforms"`
	DenyUsers           []string `yaml:"deny_users"`
	MaxContentLength    int      `yaml:"max_content_length"`
	RequireCapabilities []string `yaml:"require_capabilities"`
}

// DefaultPolicy allows everything: no platform allowlist, no denied
// users, no length cap, no capability requirements.
func DefaultPolicy() *RoutingPolicy {
	return &RoutingPolicy{}
}

// Load reads a RoutingPolicy from a YAML file. Empty path or missing
// file returns the default policy.
func Load(path string) (*RoutingPolicy, error) {
	p, _, err := LoadWithHash(path)
	return p, err
}

// LoadWithHash loads a RoutingPolicy and returns the SHA-256 of the raw
// YAML bytes, for stamping audit entries with the active policy version.
func LoadWithHash(path string) (*RoutingPolicy, string, error) {
	if path == "" {
		h := sha256.Sum256(nil)
		return DefaultPolicy(), "sha256:" + hex.EncodeToString(h[:]), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			h := sha256.Sum256(nil)
			return DefaultPolicy(), "sha256:" + hex.EncodeToString(h[:]), nil
		}
		return nil, "", fmt.Errorf("policy: read config: %w", err)
	}

	cfg := DefaultPolicy()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("policy: parse config: %w", err)
	}

	h := sha256.Sum256(data)
	return cfg, "sha256:" + hex.EncodeToString(h[:]), nil
}
