package model

import (
	"errors"
	"fmt"
)

// Kind identifies the message variant. Each variant has its own
// required-field set, validated at the adapter boundary before the
// message enters the router.
type Kind string

const (
	KindUserMessage   Kind = "user_message"
	KindPlatformEvent Kind = "platform_event"
	KindReset         Kind = "reset"
	KindCommand       Kind = "command"
)

// Classification orders data sensitivity for compliance checks.
type Classification string

const (
	ClassPublic       Classification = "public"
	ClassInternal     Classification = "internal"
	ClassConfidential Classification = "confidential"
	ClassRestricted   Classification = "restricted"
)

// ClassRank maps classification levels to a comparable integer.
var ClassRank = map[Classification]int{
	ClassPublic:       0,
	ClassInternal:     1,
	ClassConfidential: 2,
	ClassRestricted:   3,
}

// Message is one routable unit of traffic. Transient: created per
// inbound/outbound event, never persisted by the core.
type Message struct {
	Kind           Kind           `json:"kind"`
	Content        string         `json:"content"`
	TenantID       string         `json:"tenant_id"`
	UserID         string         `json:"user_id"`
	TargetPlatform string         `json:"target_platform"`
	SourcePlatform string         `json:"source_platform"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	Classification Classification `json:"classification,omitempty"`
}

var errEmptyKind = errors.New("model: message kind is empty")

// Validate checks the per-variant required fields.
// Called at the adapter boundary; the router assumes valid input.
func (m *Message) Validate() error {
	switch m.Kind {
	case KindUserMessage:
		if m.Content == "" {
			return fmt.Errorf("model: user_message requires content")
		}
		if m.UserID == "" {
			return fmt.Errorf("model: user_message requires user_id")
		}
		if m.TargetPlatform == "" {
			return fmt.Errorf("model: user_message requires target_platform")
		}
	case KindPlatformEvent:
		if m.SourcePlatform == "" {
			return fmt.Errorf("model: platform_event requires source_platform")
		}
	case KindReset:
		if m.TenantID == "" {
			return fmt.Errorf("model: reset requires tenant_id")
		}
	case KindCommand:
		if m.Content == "" {
			return fmt.Errorf("model: command requires content")
		}
		if m.TargetPlatform == "" {
			return fmt.Errorf("model: command requires target_platform")
		}
	case "":
		return errEmptyKind
	default:
		return fmt.Errorf("model: unknown message kind %q", m.Kind)
	}
	return nil
}

// RoutingContext carries the per-message routing metadata alongside the
// message itself.
type RoutingContext struct {
	TenantID       string `json:"tenant_id"`
	UserID         string `json:"user_id"`
	TargetPlatform string `json:"target_platform"`
	SourcePlatform string `json:"source_platform"`
	RemoteIP       string `json:"remote_ip,omitempty"`
}

// DeliveryResult is what a channel adapter reports back after deliver().
type DeliveryResult struct {
	Success           bool   `json:"success"`
	PlatformMessageID string `json:"platform_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
}

// BotIdentity is the pinned identity of a connected bot.
// The device fingerprint is trust-on-first-use: pinned on first sight,
// compared exactly thereafter.
type BotIdentity struct {
	BotID             string          `json:"bot_id"`
	CertificatePEM    string          `json:"certificate,omitempty"`
	DeviceFingerprint string          `json:"device_fingerprint"`
	Capabilities      map[string]bool `json:"capabilities,omitempty"`
}
