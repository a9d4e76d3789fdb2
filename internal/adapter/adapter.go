// Package adapter defines the capability interfaces between the hub
// core and platform channel adapters, plus the built-in adapters.
package adapter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/relaymesh/relaymesh/internal/model"
)

// Deliverable is the outbound face of a channel adapter.
type Deliverable interface {
	// Platform is the routing key this adapter serves ("slack", "email").
	Platform() string
	// Capabilities reports what the adapter can do; the policy engine
	// checks require_capabilities against this map.
	Capabilities() map[string]bool
	// Deliver sends one message to a target on the platform. A returned
	// error means the attempt failed and may be retried; a DeliveryResult
	// with Success=false is a terminal platform-side rejection.
	Deliver(ctx context.Context, target string, msg *model.Message) (*model.DeliveryResult, error)
}

// EventSource is the inbound face: adapters that receive platform
// events push them to the registered handler as normalized Messages.
type EventSource interface {
	OnInboundEvent(handler func(model.Message))
}

// Registry holds the adapters known to the router, keyed by platform.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Deliverable
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Deliverable)}
}

// Register adds an adapter, replacing any prior adapter for the same
// platform.
func (r *Registry) Register(a Deliverable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Platform()] = a
}

// Resolve returns the adapter for a platform.
func (r *Registry) Resolve(platform string) (Deliverable, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	if !ok {
		return nil, fmt.Errorf("adapter: no adapter registered for platform %q", platform)
	}
	return a, nil
}

// Platforms lists registered platforms in sorted order.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for p := range r.adapters {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
