// Package config loads the hub configuration: defaults first, YAML
// overlay on top.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/internal/adapter"
	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/breaker"
	"github.com/relaymesh/relaymesh/internal/ratelimit"
	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/zerotrust"
)

// Config is the full hub configuration.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	MasterSecretPath string `yaml:"master_secret_path"`
	PrivateKeyPath   string `yaml:"private_key_path"`
	CredentialDB     string `yaml:"credential_db"`
	AuditDB          string `yaml:"audit_db"`
	PolicyPath       string `yaml:"policy_path"`
	HeartbeatSec     int    `yaml:"heartbeat_sec"`

	TrustedCertFingerprints []string `yaml:"trusted_cert_fingerprints"`
	ThreatBlacklist         []string `yaml:"threat_blacklist"`

	Trust      zerotrust.Weights               `yaml:"trust"`
	RateLimits map[string]ratelimit.ClassLimit `yaml:"rate_limits"`
	Breaker    breaker.Config                  `yaml:"breaker"`
	Router     router.Config                   `yaml:"router"`
	Compliance audit.Rules                     `yaml:"compliance"`
	Webhooks   []adapter.WebhookConfig         `yaml:"webhooks"`
	Logging    Logging                         `yaml:"logging"`
}

// Logging selects the zap output profile.
type Logging struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Default returns the shipped configuration.
func Default() *Config {
	return &Config{
		ListenAddr:       ":8443",
		MasterSecretPath: "state/master.key",
		PrivateKeyPath:   "state/hub.pem",
		CredentialDB:     "state/credentials.db",
		AuditDB:          "state/audit.db",
		HeartbeatSec:     30,
		Trust:            zerotrust.DefaultWeights(),
		RateLimits:       ratelimit.DefaultClasses(),
		Breaker:          breaker.DefaultConfig(),
		Router:           router.DefaultConfig(),
		Logging:          Logging{Level: "info", Format: "json"},
	}
}

// Load reads a Config from a YAML file, overlaying the defaults. Empty
// path or missing file returns the defaults. The returned hash stamps
// the active configuration for the startup log.
func Load(path string) (*Config, string, error) {
	cfg := Default()
	if path == "" {
		return cfg, hashOf(nil), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, hashOf(nil), nil
		}
		return nil, "", fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, "", fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, hashOf(data), nil
}

// Build constructs the zap logger described by the Logging section.
func (l Logging) Build() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("config: parse log level %q: %w", l.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	if l.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("config: build logger: %w", err)
	}
	return log, nil
}

func hashOf(data []byte) string {
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
