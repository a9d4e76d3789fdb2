// Package router orchestrates outbound message dispatch: policy
// evaluation, circuit breaking, adapter delivery with bounded retries,
// and an audit record for every outcome.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/relaymesh/relaymesh/internal/adapter"
	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/breaker"
	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/policy"
)

// Config holds router tuning.
type Config struct {
	MaxRetries        int           `yaml:"max_retries"`
	BaseBackoff       time.Duration `yaml:"base_backoff"`
	DeliverTimeout    time.Duration `yaml:"deliver_timeout"`
	PerTenantBreakers bool          `yaml:"per_tenant_breakers"`
}

// UnmarshalYAML accepts durations as strings ("200ms", "10s").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var aux struct {
		MaxRetries        int    `yaml:"max_retries"`
		BaseBackoff       string `yaml:"base_backoff"`
		DeliverTimeout    string `yaml:"deliver_timeout"`
		PerTenantBreakers bool   `yaml:"per_tenant_breakers"`
	}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	c.MaxRetries = aux.MaxRetries
	c.PerTenantBreakers = aux.PerTenantBreakers
	for _, f := range []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{aux.BaseBackoff, &c.BaseBackoff, "base_backoff"},
		{aux.DeliverTimeout, &c.DeliverTimeout, "deliver_timeout"},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("router: parse %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// DefaultConfig returns the dispatch defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		BaseBackoff:    200 * time.Millisecond,
		DeliverTimeout: 10 * time.Second,
	}
}

// RouteResult is the terminal outcome of one route() call.
type RouteResult struct {
	Delivered bool
	Attempts  int
	Result    *model.DeliveryResult
	Reject    *model.Reject
}

// Router is the top-level dispatch orchestrator. Safe for concurrent
// use; per-target serialization happens only inside the breakers.
type Router struct {
	cfg      Config
	adapters *adapter.Registry
	policies *policy.Engine
	breakers *breaker.Registry
	ledger   *audit.Ledger
	log      *zap.Logger
	sleep    func(context.Context, time.Duration) error
}

// New wires the router to its collaborators.
func New(cfg Config, adapters *adapter.Registry, policies *policy.Engine, breakers *breaker.Registry, ledger *audit.Ledger, log *zap.Logger) *Router {
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = def.BaseBackoff
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = def.DeliverTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Router{
		cfg:      cfg,
		adapters: adapters,
		policies: policies,
		breakers: breakers,
		ledger:   ledger,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Route dispatches one message. Policy denial returns before any
// breaker or adapter is touched; an open breaker fails fast before the
// adapter; otherwise delivery is retried with exponential backoff up to
// MaxRetries attempts.
func (r *Router) Route(ctx context.Context, msg *model.Message, rctx *model.RoutingContext) RouteResult {
	if msg.IdempotencyKey == "" {
		msg.IdempotencyKey = uuid.NewString()
	}

	target, err := r.adapters.Resolve(rctx.TargetPlatform)
	if err != nil {
		reject := model.NewReject(model.PolicyDenied, "platform %s not allowed", rctx.TargetPlatform)
		r.record(rctx, msg, "policy_denied", false, reject.Reason)
		routedTotal.WithLabelValues(rctx.TargetPlatform, "policy_denied").Inc()
		return RouteResult{Reject: reject}
	}

	decision := r.policies.Evaluate(msg, rctx, target.Capabilities())
	if !decision.Allowed {
		reject := model.NewReject(model.PolicyDenied, "%s", joinReasons(decision.Reasons))
		r.record(rctx, msg, "policy_denied", false, reject.Reason)
		routedTotal.WithLabelValues(rctx.TargetPlatform, "policy_denied").Inc()
		r.log.Info("route denied by policy",
			zap.String("platform", rctx.TargetPlatform),
			zap.Strings("reasons", decision.Reasons))
		return RouteResult{Reject: reject}
	}

	key := r.routeKey(rctx)
	brk := r.breakers.For(key)
	if !brk.Allow() {
		reject := model.NewReject(model.CircuitOpen, "circuit open for %s", key)
		r.record(rctx, msg, "circuit_open", false, reject.Reason)
		routedTotal.WithLabelValues(rctx.TargetPlatform, "circuit_open").Inc()
		breakerRejections.WithLabelValues(key).Inc()
		return RouteResult{Reject: reject}
	}

	result, attempts, err := r.deliverWithRetry(ctx, target, rctx, msg)
	if err != nil || !result.Success {
		brk.RecordFailure()
		reason := errReason(result, err)
		reject := model.NewReject(model.DeliveryFailure,
			"delivery to %s failed after %d attempts: %s", rctx.TargetPlatform, attempts, reason)
		r.record(rctx, msg, "delivery_failed", false, reason)
		routedTotal.WithLabelValues(rctx.TargetPlatform, "delivery_failed").Inc()
		r.log.Warn("delivery failed",
			zap.String("platform", rctx.TargetPlatform),
			zap.Int("attempts", attempts),
			zap.String("reason", reason))
		return RouteResult{Attempts: attempts, Result: result, Reject: reject}
	}

	brk.RecordSuccess()
	r.record(rctx, msg, "message_routed", true, result.PlatformMessageID)
	routedTotal.WithLabelValues(rctx.TargetPlatform, "success").Inc()
	return RouteResult{Delivered: true, Attempts: attempts, Result: result}
}

// deliverWithRetry runs up to MaxRetries attempts with exponential
// backoff, each attempt under its own timeout. A DeliveryResult with
// Success=false is a terminal platform rejection and is not retried.
func (r *Router) deliverWithRetry(ctx context.Context, target adapter.Deliverable, rctx *model.RoutingContext, msg *model.Message) (*model.DeliveryResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			backoff := r.cfg.BaseBackoff * time.Duration(1<<(attempt-2))
			deliveryRetries.WithLabelValues(rctx.TargetPlatform).Inc()
			if err := r.sleep(ctx, backoff); err != nil {
				return nil, attempt - 1, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.DeliverTimeout)
		start := time.Now()
		result, err := target.Deliver(callCtx, rctx.TargetPlatform, msg)
		cancel()

		if err != nil {
			lastErr = err
			continue
		}
		if result.Success {
			deliveryLatency.WithLabelValues(rctx.TargetPlatform).Observe(time.Since(start).Seconds())
		}
		return result, attempt, nil
	}
	return nil, r.cfg.MaxRetries, lastErr
}

func (r *Router) routeKey(rctx *model.RoutingContext) string {
	if r.cfg.PerTenantBreakers && rctx.TenantID != "" {
		return rctx.TargetPlatform + "|" + rctx.TenantID
	}
	return rctx.TargetPlatform
}

func (r *Router) record(rctx *model.RoutingContext, msg *model.Message, eventType string, success bool, detail string) {
	if r.ledger == nil {
		return
	}
	details := audit.Sanitize(map[string]any{
		"platform":        rctx.TargetPlatform,
		"tenant_id":       rctx.TenantID,
		"kind":            string(msg.Kind),
		"idempotency_key": msg.IdempotencyKey,
		"policy_hash":     r.policies.Hash(),
		"detail":          detail,
	})
	if _, err := r.ledger.LogSecurityEvent(eventType, rctx.UserID, rctx.RemoteIP, details, success); err != nil {
		r.log.Error("audit write failed", zap.Error(err))
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, reason := range reasons {
		if i > 0 {
			out += "; "
		}
		out += reason
	}
	return out
}

func errReason(result *model.DeliveryResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if result != nil && result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return "delivery unsuccessful"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("router: backoff interrupted: %w", ctx.Err())
	}
}
