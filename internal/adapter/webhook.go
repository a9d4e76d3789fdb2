package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/relaymesh/relaymesh/internal/model"
)

const (
	webhookTimeout    = 5 * time.Second
	webhookMaxRetries = 3
)

// WebhookConfig wires a platform to an HTTP endpoint.
type WebhookConfig struct {
	Platform     string            `yaml:"platform"`
	URL          string            `yaml:"url"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	Capabilities []string          `yaml:"capabilities,omitempty"`
}

// Webhook delivers messages by POSTing them as JSON to a configured
// endpoint. 5xx responses are retried with a linear pause; 4xx is a
// terminal rejection reported in the DeliveryResult.
type Webhook struct {
	cfg    WebhookConfig
	caps   map[string]bool
	client *http.Client
}

func NewWebhook(cfg WebhookConfig) *Webhook {
	caps := make(map[string]bool, len(cfg.Capabilities))
	for _, c := range cfg.Capabilities {
		caps[c] = true
	}
	return &Webhook{
		cfg:    cfg,
		caps:   caps,
		client: &http.Client{Timeout: webhookTimeout},
	}
}

func (w *Webhook) Platform() string { return w.cfg.Platform }

func (w *Webhook) Capabilities() map[string]bool { return w.caps }

type webhookPayload struct {
	Target  string         `json:"target"`
	Message *model.Message `json:"message"`
}

func (w *Webhook) Deliver(ctx context.Context, target string, msg *model.Message) (*model.DeliveryResult, error) {
	body, err := json.Marshal(webhookPayload{Target: target, Message: msg})
	if err != nil {
		return nil, fmt.Errorf("adapter: marshal payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < webhookMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("adapter: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range w.cfg.Headers {
			req.Header.Set(k, v)
		}

		resp, err := w.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			result := decodeResult(resp)
			resp.Body.Close()
			return result, nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			resp.Body.Close()
			return &model.DeliveryResult{
				Success:      false,
				ErrorMessage: fmt.Sprintf("endpoint rejected: HTTP %d", resp.StatusCode),
			}, nil
		default:
			resp.Body.Close()
			lastErr = fmt.Errorf("endpoint server error: HTTP %d", resp.StatusCode)
		}
	}

	return nil, fmt.Errorf("adapter: webhook %s failed after %d attempts: %w",
		w.cfg.Platform, webhookMaxRetries, lastErr)
}

// decodeResult accepts an optional DeliveryResult body; an endpoint
// that replies 2xx with no parseable body counts as a plain success.
func decodeResult(resp *http.Response) *model.DeliveryResult {
	var result model.DeliveryResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return &model.DeliveryResult{Success: true}
	}
	if !result.Success && result.ErrorMessage == "" {
		result.Success = true
	}
	return &result
}
