package policy

import (
	"fmt"
	"strings"
	"sync"

	"github.com/relaymesh/relaymesh/internal/model"
)

// Decision is the outcome of evaluating one candidate route.
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Engine evaluates a RoutingPolicy against candidate routes. The policy
// can be swapped at runtime by the hot reloader; evaluation always sees
// one consistent policy.
type Engine struct {
	mu     sync.RWMutex
	policy *RoutingPolicy
	hash   string
}

// NewEngine wraps a loaded policy. Nil falls back to the default policy.
func NewEngine(p *RoutingPolicy) *Engine {
	if p == nil {
		p = DefaultPolicy()
	}
	return &Engine{policy: p}
}

// SetPolicy replaces the active policy. Nil resets to the default.
func (e *Engine) SetPolicy(p *RoutingPolicy) {
	e.SetPolicyWithHash(p, "")
}

// SetPolicyWithHash replaces the active policy and records the hash of
// the file it was loaded from, for stamping audit entries.
func (e *Engine) SetPolicyWithHash(p *RoutingPolicy, hash string) {
	if p == nil {
		p = DefaultPolicy()
	}
	e.mu.Lock()
	e.policy = p
	e.hash = hash
	e.mu.Unlock()
}

// Hash returns the hash of the active policy file, or empty if the
// policy was not loaded from a file.
func (e *Engine) Hash() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hash
}

// Policy returns the active policy.
func (e *Engine) Policy() *RoutingPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.policy
}

// Evaluate checks a message against the policy.
//
// Evaluation order (must not be changed):
//  1. Target platform allowlist (short-circuits)
//  2. User denylist (short-circuits)
//  3. Content length cap (short-circuits)
//  4. Required capabilities (all misses accumulate)
func (e *Engine) Evaluate(msg *model.Message, ctx *model.RoutingContext, adapterCapabilities map[string]bool) Decision {
	p := e.Policy()

	if len(p.AllowPlatforms) > 0 && !containsFold(p.AllowPlatforms, ctx.TargetPlatform) {
		return Decision{Reasons: []string{
			fmt.Sprintf("platform %s not allowed", ctx.TargetPlatform),
		}}
	}

	for _, denied := range p.DenyUsers {
		if denied == ctx.UserID {
			return Decision{Reasons: []string{
				fmt.Sprintf("user %s denied", ctx.UserID),
			}}
		}
	}

	if p.MaxContentLength > 0 && len(msg.Content) > p.MaxContentLength {
		return Decision{Reasons: []string{"content length exceeded"}}
	}

	var missing []string
	for _, cap := range p.RequireCapabilities {
		if !adapterCapabilities[cap] {
			missing = append(missing, fmt.Sprintf("missing capability %s", cap))
		}
	}
	if len(missing) > 0 {
		return Decision{Reasons: missing}
	}

	return Decision{Allowed: true}
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
