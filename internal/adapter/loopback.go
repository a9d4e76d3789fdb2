package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaymesh/relaymesh/internal/model"
)

// Loopback is an in-process adapter. It records deliveries for
// inspection and can be scripted to fail, which makes it the test
// double for the router and the demo path for a hub with no real
// platforms wired.
type Loopback struct {
	mu        sync.Mutex
	platform  string
	caps      map[string]bool
	delivered []DeliveredMessage
	failNext  int
	handler   func(model.Message)
}

// DeliveredMessage is one recorded delivery.
type DeliveredMessage struct {
	Target  string
	Message model.Message
}

func NewLoopback(platform string, capabilities ...string) *Loopback {
	caps := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		caps[c] = true
	}
	return &Loopback{platform: platform, caps: caps}
}

func (l *Loopback) Platform() string { return l.platform }

func (l *Loopback) Capabilities() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]bool, len(l.caps))
	for k, v := range l.caps {
		out[k] = v
	}
	return out
}

func (l *Loopback) Deliver(ctx context.Context, target string, msg *model.Message) (*model.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.failNext > 0 {
		l.failNext--
		return nil, fmt.Errorf("adapter: loopback %s: injected failure", l.platform)
	}
	l.delivered = append(l.delivered, DeliveredMessage{Target: target, Message: *msg})
	return &model.DeliveryResult{
		Success:           true,
		PlatformMessageID: fmt.Sprintf("loop-%s-%d", l.platform, len(l.delivered)),
	}, nil
}

func (l *Loopback) OnInboundEvent(handler func(model.Message)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = handler
}

// Inject pushes an event through the registered inbound handler, as a
// platform would.
func (l *Loopback) Inject(msg model.Message) {
	l.mu.Lock()
	handler := l.handler
	l.mu.Unlock()
	if handler != nil {
		handler(msg)
	}
}

// FailNext makes the next n deliveries return an error.
func (l *Loopback) FailNext(n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failNext = n
}

// Delivered returns a copy of the recorded deliveries.
func (l *Loopback) Delivered() []DeliveredMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]DeliveredMessage, len(l.delivered))
	copy(out, l.delivered)
	return out
}
