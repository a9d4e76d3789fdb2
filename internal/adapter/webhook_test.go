package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/relaymesh/relaymesh/internal/model"
)

func testMessage() *model.Message {
	return &model.Message{
		Kind:           model.KindUserMessage,
		Content:        "hello",
		TenantID:       "t1",
		UserID:         "u1",
		TargetPlatform: "slack",
	}
}

func TestWebhookDeliverSuccess(t *testing.T) {
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q", ct)
		}
		if auth := r.Header.Get("X-Hub-Token"); auth != "s3cret" {
			t.Errorf("missing configured header, got %q", auth)
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(model.DeliveryResult{Success: true, PlatformMessageID: "m-42"})
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{
		Platform: "slack",
		URL:      srv.URL,
		Headers:  map[string]string{"X-Hub-Token": "s3cret"},
	})

	res, err := w.Deliver(context.Background(), "channel-9", testMessage())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.PlatformMessageID != "m-42" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if got.Target != "channel-9" || got.Message.Content != "hello" {
		t.Fatalf("unexpected payload: %+v", got)
	}
}

func TestWebhookRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{Platform: "slack", URL: srv.URL})
	res, err := w.Deliver(context.Background(), "c", testMessage())
	if err != nil {
		t.Fatalf("should succeed on third attempt: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if n := calls.Load(); n != 3 {
		t.Fatalf("expected 3 attempts, got %d", n)
	}
}

func TestWebhookClientErrorIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{Platform: "slack", URL: srv.URL})
	res, err := w.Deliver(context.Background(), "c", testMessage())
	if err != nil {
		t.Fatalf("4xx is a result, not a transport error: %v", err)
	}
	if res.Success {
		t.Fatal("4xx must not be success")
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("4xx must not be retried, got %d attempts", n)
	}
}

func TestWebhookCapabilities(t *testing.T) {
	w := NewWebhook(WebhookConfig{Platform: "email", Capabilities: []string{"send_text", "send_html"}})
	caps := w.Capabilities()
	if !caps["send_text"] || !caps["send_html"] {
		t.Fatalf("capabilities missing: %v", caps)
	}
}

func TestRegistryResolve(t *testing.T) {
	reg := NewRegistry()
	reg.Register(NewLoopback("slack", "send_text"))
	reg.Register(NewLoopback("email"))

	if _, err := reg.Resolve("slack"); err != nil {
		t.Fatal(err)
	}
	if _, err := reg.Resolve("teams"); err == nil {
		t.Fatal("unregistered platform must not resolve")
	}
	platforms := reg.Platforms()
	if len(platforms) != 2 || platforms[0] != "email" || platforms[1] != "slack" {
		t.Fatalf("unexpected platforms: %v", platforms)
	}
}

func TestLoopbackFailureInjection(t *testing.T) {
	lb := NewLoopback("slack")
	lb.FailNext(1)

	if _, err := lb.Deliver(context.Background(), "c", testMessage()); err == nil {
		t.Fatal("injected failure expected")
	}
	res, err := lb.Deliver(context.Background(), "c", testMessage())
	if err != nil || !res.Success {
		t.Fatalf("second delivery should succeed: res=%+v err=%v", res, err)
	}
	if len(lb.Delivered()) != 1 {
		t.Fatalf("expected 1 recorded delivery, got %d", len(lb.Delivered()))
	}
}

func TestLoopbackInboundEvents(t *testing.T) {
	lb := NewLoopback("slack")
	var received []model.Message
	lb.OnInboundEvent(func(m model.Message) { received = append(received, m) })

	lb.Inject(model.Message{Kind: model.KindPlatformEvent, SourcePlatform: "slack", TenantID: "t1", UserID: "u1", Content: "ping"})
	if len(received) != 1 || received[0].Content != "ping" {
		t.Fatalf("inbound event not delivered: %v", received)
	}
}
