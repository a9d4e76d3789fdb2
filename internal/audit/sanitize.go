package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// sensitiveFields are matched case-insensitively as substrings of the
// key name, so "user_password" and "ApiKeyCipher" both redact.
var sensitiveFields = []string{
	"password",
	"api_key",
	"apikey",
	"token",
	"secret",
	"session_key",
	"private_key",
	"credential",
	"authorization",
}

// Sanitize returns a deep copy of details with every sensitive value
// replaced by a redaction marker. The marker carries a truncated hash of
// the original value so two events about the same secret remain
// correlatable without exposing it.
func Sanitize(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for key, value := range details {
		out[key] = sanitizeValue(key, value)
	}
	return out
}

func sanitizeValue(key string, value any) any {
	if isSensitiveKey(key) {
		return redact(value)
	}
	switch v := value.(type) {
	case map[string]any:
		return Sanitize(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = sanitizeValue("", item)
		}
		return out
	default:
		return value
	}
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, field := range sensitiveFields {
		if strings.Contains(lower, field) {
			return true
		}
	}
	return false
}

func redact(value any) string {
	s, ok := value.(string)
	if !ok || s == "" {
		return "REDACTED"
	}
	sum := sha256.Sum256([]byte(s))
	return "REDACTED-" + hex.EncodeToString(sum[:])[:12]
}
