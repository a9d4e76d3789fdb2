package cli

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaymesh/relaymesh/internal/adapter"
	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/breaker"
	"github.com/relaymesh/relaymesh/internal/config"
	"github.com/relaymesh/relaymesh/internal/credstore"
	"github.com/relaymesh/relaymesh/internal/keyring"
	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/policy"
	"github.com/relaymesh/relaymesh/internal/ratelimit"
	"github.com/relaymesh/relaymesh/internal/router"
	"github.com/relaymesh/relaymesh/internal/securechannel"
	"github.com/relaymesh/relaymesh/internal/server"
	"github.com/relaymesh/relaymesh/internal/session"
	"github.com/relaymesh/relaymesh/internal/systemd"
	"github.com/relaymesh/relaymesh/internal/threat"
	"github.com/relaymesh/relaymesh/internal/zerotrust"
)

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the hub",
	Long:  "Runs the bot-facing websocket endpoint plus /healthz and /metrics.\nSupports hot-reload of the routing policy file.",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, cfgHash, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.ListenAddr = serveListen
	}

	log, err := cfg.Logging.Build()
	if err != nil {
		return err
	}
	defer log.Sync()

	hub, policies, policyHash, closeStores, err := buildHub(cfg, log)
	if err != nil {
		return err
	}
	defer closeStores()

	srv := server.New(server.Config{
		ListenAddr: cfg.ListenAddr,
		PolicyPath: cfg.PolicyPath,
	}, hub, policies, policyHash, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reloader, err := server.NewReloader(srv, []string{cfg.PolicyPath}, log)
	if err != nil {
		log.Warn("hot-reload disabled", zap.Error(err))
	} else {
		go reloader.Run(ctx)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 10*time.Second)
		defer done()
		srv.Shutdown(shutdownCtx)
	}()

	if msg := systemd.CheckUnitFileIntegrity(); msg != "" {
		log.Warn("unit file integrity", zap.String("warning", msg))
	}

	log.Info("hub starting", zap.String("config_hash", cfgHash))
	return srv.Serve()
}

// buildHub wires the full dependency graph from configuration.
func buildHub(cfg *config.Config, log *zap.Logger) (*session.Hub, *policy.Engine, string, func(), error) {
	if err := ensureStateDirs(cfg); err != nil {
		return nil, nil, "", nil, err
	}

	master, err := keyring.LoadMaster(cfg.MasterSecretPath)
	if err != nil {
		return nil, nil, "", nil, err
	}
	priv, err := loadOrCreateKeyPair(cfg.PrivateKeyPath)
	if err != nil {
		return nil, nil, "", nil, err
	}

	credStore, err := credstore.OpenSQLite(cfg.CredentialDB)
	if err != nil {
		return nil, nil, "", nil, err
	}
	creds, err := credstore.NewManager(credStore, master)
	if err != nil {
		credStore.Close()
		return nil, nil, "", nil, err
	}

	auditStore, err := audit.OpenSQLite(cfg.AuditDB)
	if err != nil {
		credStore.Close()
		return nil, nil, "", nil, err
	}
	ledger, err := audit.NewLedger(auditStore, master)
	if err != nil {
		credStore.Close()
		auditStore.Close()
		return nil, nil, "", nil, err
	}

	signingKey, err := keyring.Derive(master, keyring.PurposeSessionToken)
	if err != nil {
		credStore.Close()
		auditStore.Close()
		return nil, nil, "", nil, err
	}

	pol, policyHash, err := policy.LoadWithHash(cfg.PolicyPath)
	if err != nil {
		credStore.Close()
		auditStore.Close()
		return nil, nil, "", nil, err
	}
	policies := policy.NewEngine(nil)
	policies.SetPolicyWithHash(pol, policyHash)

	adapters := adapter.NewRegistry()
	for _, wc := range cfg.Webhooks {
		adapters.Register(adapter.NewWebhook(wc))
		log.Info("webhook adapter registered", zap.String("platform", wc.Platform))
	}
	if len(cfg.Webhooks) == 0 {
		adapters.Register(adapter.NewLoopback("loopback", "send_text"))
		log.Info("no webhooks configured, loopback adapter registered")
	}

	rt := router.New(cfg.Router, adapters, policies,
		breaker.NewRegistry(cfg.Breaker), ledger, log)

	// Adapters that receive platform events feed them back through the
	// router like any outbound message.
	for _, p := range adapters.Platforms() {
		a, err := adapters.Resolve(p)
		if err != nil {
			continue
		}
		src, ok := a.(adapter.EventSource)
		if !ok {
			continue
		}
		source := p
		src.OnInboundEvent(func(msg model.Message) {
			rt.Route(context.Background(), &msg, &model.RoutingContext{
				TenantID:       msg.TenantID,
				UserID:         msg.UserID,
				TargetPlatform: msg.TargetPlatform,
				SourcePlatform: source,
			})
		})
	}

	hub := &session.Hub{
		Creds:        creds,
		Trust:        zerotrust.NewEngine(cfg.Trust, signingKey, cfg.TrustedCertFingerprints),
		Challenges:   zerotrust.NewChallengeTable(),
		Limiter:      ratelimit.New(cfg.RateLimits),
		Threats:      threat.NewDetector(cfg.ThreatBlacklist),
		Ledger:       ledger,
		Router:       rt,
		Compliance:   cfg.Compliance,
		PrivateKey:   priv,
		HeartbeatSec: cfg.HeartbeatSec,
		Log:          log,
	}

	closeStores := func() {
		credStore.Close()
		auditStore.Close()
	}
	return hub, policies, policyHash, closeStores, nil
}

func ensureStateDirs(cfg *config.Config) error {
	for _, p := range []string{cfg.MasterSecretPath, cfg.PrivateKeyPath, cfg.CredentialDB, cfg.AuditDB} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0750); err != nil {
			return fmt.Errorf("create state dir for %s: %w", p, err)
		}
	}
	return nil
}

// loadOrCreateKeyPair reads the hub RSA key, generating one on first
// run.
func loadOrCreateKeyPair(path string) (*rsa.PrivateKey, error) {
	if _, err := os.Stat(path); err == nil {
		return securechannel.LoadPrivateKey(path)
	}
	priv, err := securechannel.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	pemBytes, err := securechannel.MarshalPrivateKey(priv)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pemBytes, 0600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return priv, nil
}
