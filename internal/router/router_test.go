package router

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/relaymesh/relaymesh/internal/adapter"
	"github.com/relaymesh/relaymesh/internal/audit"
	"github.com/relaymesh/relaymesh/internal/breaker"
	"github.com/relaymesh/relaymesh/internal/model"
	"github.com/relaymesh/relaymesh/internal/policy"
)

type fixture struct {
	router   *Router
	loopback *adapter.Loopback
	store    *audit.MemoryStore
	ledger   *audit.Ledger
}

func newFixture(t *testing.T, cfg Config, pol *policy.RoutingPolicy) *fixture {
	t.Helper()

	store := audit.NewMemoryStore()
	ledger, err := audit.NewLedger(store, bytes.Repeat([]byte{0x33}, 32))
	if err != nil {
		t.Fatal(err)
	}

	lb := adapter.NewLoopback("slack", "send_text")
	reg := adapter.NewRegistry()
	reg.Register(lb)

	r := New(cfg, reg, policy.NewEngine(pol), breaker.NewRegistry(breaker.Config{FailureThreshold: 3}), ledger, nil)
	r.sleep = func(context.Context, time.Duration) error { return nil }

	return &fixture{router: r, loopback: lb, store: store, ledger: ledger}
}

func sampleMessage() (*model.Message, *model.RoutingContext) {
	msg := &model.Message{
		Kind:           model.KindUserMessage,
		Content:        "hello",
		TenantID:       "t1",
		UserID:         "u1",
		TargetPlatform: "slack",
	}
	rctx := &model.RoutingContext{
		TenantID:       "t1",
		UserID:         "u1",
		TargetPlatform: "slack",
		RemoteIP:       "10.0.0.9",
	}
	return msg, rctx
}

func eventTypes(t *testing.T, store *audit.MemoryStore) []string {
	t.Helper()
	entries, err := store.All()
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range entries {
		types = append(types, e.EventType)
	}
	return types
}

func TestRouteDelivers(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	msg, rctx := sampleMessage()

	res := f.router.Route(context.Background(), msg, rctx)
	if !res.Delivered || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v reject=%v", res, res.Reject)
	}
	if msg.IdempotencyKey == "" {
		t.Fatal("router must tag messages with an idempotency key")
	}
	if len(f.loopback.Delivered()) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(f.loopback.Delivered()))
	}
	if types := eventTypes(t, f.store); len(types) != 1 || types[0] != "message_routed" {
		t.Fatalf("unexpected audit trail: %v", types)
	}
}

func TestRoutePolicyDenialSkipsAdapter(t *testing.T) {
	f := newFixture(t, Config{}, &policy.RoutingPolicy{AllowPlatforms: []string{"email"}})
	msg, rctx := sampleMessage()

	res := f.router.Route(context.Background(), msg, rctx)
	if res.Delivered || res.Reject == nil {
		t.Fatalf("expected denial, got %+v", res)
	}
	if res.Reject.Kind != model.PolicyDenied {
		t.Fatalf("expected policy_denied, got %s", res.Reject.Kind)
	}
	if len(f.loopback.Delivered()) != 0 {
		t.Fatal("denied message must never reach the adapter")
	}
	if types := eventTypes(t, f.store); len(types) != 1 || types[0] != "policy_denied" {
		t.Fatalf("unexpected audit trail: %v", types)
	}
}

func TestRouteUnknownPlatformDenied(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	msg, rctx := sampleMessage()
	rctx.TargetPlatform = "teams"

	res := f.router.Route(context.Background(), msg, rctx)
	if res.Reject == nil || res.Reject.Kind != model.PolicyDenied {
		t.Fatalf("expected policy_denied for unknown platform, got %+v", res)
	}
}

func TestRouteRetriesTransientFailures(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 3}, nil)
	f.loopback.FailNext(2)
	msg, rctx := sampleMessage()

	res := f.router.Route(context.Background(), msg, rctx)
	if !res.Delivered {
		t.Fatalf("expected delivery on third attempt: %+v", res.Reject)
	}
	if res.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestRouteExhaustedRetriesOpenBreaker(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 2}, nil)
	msg, rctx := sampleMessage()

	// Breaker threshold is 3 route-level failures.
	for i := 0; i < 3; i++ {
		f.loopback.FailNext(2)
		res := f.router.Route(context.Background(), msg, rctx)
		if res.Delivered {
			t.Fatal("delivery should fail")
		}
		if res.Reject.Kind != model.DeliveryFailure {
			t.Fatalf("expected delivery_failure, got %s", res.Reject.Kind)
		}
	}

	// Breaker is now open: fail fast without touching the adapter.
	before := len(f.loopback.Delivered())
	res := f.router.Route(context.Background(), msg, rctx)
	if res.Reject == nil || res.Reject.Kind != model.CircuitOpen {
		t.Fatalf("expected circuit_open, got %+v", res)
	}
	if len(f.loopback.Delivered()) != before {
		t.Fatal("open breaker must prevent adapter calls")
	}
	if !res.Reject.Recoverable() {
		t.Fatal("circuit_open must be recoverable")
	}
}

func TestRouteAuditTrailVerifies(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1}, &policy.RoutingPolicy{DenyUsers: []string{"mallory"}})
	msg, rctx := sampleMessage()

	f.router.Route(context.Background(), msg, rctx)
	rctx.UserID = "mallory"
	f.router.Route(context.Background(), msg, rctx)

	if res := f.ledger.VerifyAll(); !res.Valid || res.Entries != 2 {
		t.Fatalf("router audit trail must verify: %+v", res)
	}
}

func TestPerTenantBreakers(t *testing.T) {
	f := newFixture(t, Config{MaxRetries: 1, PerTenantBreakers: true}, nil)
	msg, rctx := sampleMessage()

	// Trip the breaker for tenant t1.
	for i := 0; i < 3; i++ {
		f.loopback.FailNext(1)
		f.router.Route(context.Background(), msg, rctx)
	}
	if res := f.router.Route(context.Background(), msg, rctx); res.Reject == nil || res.Reject.Kind != model.CircuitOpen {
		t.Fatalf("tenant t1 breaker should be open: %+v", res)
	}

	// Another tenant on the same platform is unaffected.
	rctx2 := *rctx
	rctx2.TenantID = "t2"
	if res := f.router.Route(context.Background(), msg, &rctx2); !res.Delivered {
		t.Fatalf("tenant t2 must not share t1's breaker: %+v", res.Reject)
	}
}
