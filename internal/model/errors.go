package model

import (
	"fmt"
	"time"
)

// ErrorKind classifies every rejection the hub can produce. Callers are
// forced to handle these as first-class outcomes; none of them is raised
// as a panic or hidden inside an opaque error string.
type ErrorKind string

const (
	// AuthFailure: bad token, credential, or challenge. Recoverable by
	// a fresh handshake.
	AuthFailure ErrorKind = "auth_failure"
	// RateLimited: too many attempts in the window. Recoverable after
	// RetryAfter.
	RateLimited ErrorKind = "rate_limited"
	// ThreatBlocked: terminal for the connection; the source IP moves
	// toward the blacklist.
	ThreatBlocked ErrorKind = "threat_blocked"
	// CircuitOpen: the target's breaker is open. Recoverable once the
	// breaker half-opens.
	CircuitOpen ErrorKind = "circuit_open"
	// PolicyDenied: terminal for that message, not for the connection.
	PolicyDenied ErrorKind = "policy_denied"
	// ComplianceViolation: message rejected; the sender is told which
	// rule failed.
	ComplianceViolation ErrorKind = "compliance_violation"
	// DeliveryFailure: adapter delivery failed after bounded retries.
	DeliveryFailure ErrorKind = "delivery_failure"
)

// Reject is the typed rejection returned on every refusal path.
type Reject struct {
	Kind       ErrorKind
	Reason     string
	RetryAfter time.Duration
}

func (r *Reject) Error() string {
	if r.RetryAfter > 0 {
		return fmt.Sprintf("%s: %s (retry after %s)", r.Kind, r.Reason, r.RetryAfter)
	}
	return fmt.Sprintf("%s: %s", r.Kind, r.Reason)
}

// Recoverable reports whether the caller can expect the same request to
// succeed later without operator intervention.
func (r *Reject) Recoverable() bool {
	switch r.Kind {
	case AuthFailure, RateLimited, CircuitOpen, DeliveryFailure:
		return true
	default:
		return false
	}
}

// NewReject builds a Reject with the given kind and reason.
func NewReject(kind ErrorKind, format string, args ...any) *Reject {
	return &Reject{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

