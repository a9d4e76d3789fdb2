package audit

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/relaymesh/relaymesh/internal/model"
)

var testMaster = bytes.Repeat([]byte{0x17}, 32)

func newTestLedger(t *testing.T) (*Ledger, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	ledger, err := NewLedger(store, testMaster)
	if err != nil {
		t.Fatal(err)
	}
	return ledger, store
}

func logEvent(t *testing.T, l *Ledger, eventType string) string {
	t.Helper()
	id, err := l.LogSecurityEvent(eventType, "bot-001", "10.0.0.9",
		map[string]any{"platform": "slack"}, true)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestUntouchedEntryVerifies(t *testing.T) {
	ledger, store := newTestLedger(t)
	logEvent(t, ledger, "handshake_success")

	entries, _ := store.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if !ledger.Verify(entries[0]) {
		t.Fatal("untouched entry must verify")
	}
	if entries[0].PrevHMAC != GenesisHMAC {
		t.Fatalf("first entry must chain from genesis, got %q", entries[0].PrevHMAC)
	}
}

func TestMutatingAnyFieldBreaksVerification(t *testing.T) {
	ledger, store := newTestLedger(t)
	logEvent(t, ledger, "handshake_success")
	entries, _ := store.All()
	base := entries[0]

	mutations := map[string]func(*Entry){
		"event_id":   func(e *Entry) { e.EventID = "forged" },
		"timestamp":  func(e *Entry) { e.Timestamp = "2031-01-01T00:00:00.000Z" },
		"event_type": func(e *Entry) { e.EventType = "handshake_failed" },
		"user_id":    func(e *Entry) { e.UserID = "bot-666" },
		"ip_address": func(e *Entry) { e.IPAddress = "203.0.113.5" },
		"details":    func(e *Entry) { e.Details = map[string]any{"platform": "email"} },
		"success":    func(e *Entry) { e.Success = false },
		"prev_hmac":  func(e *Entry) { e.PrevHMAC = GenesisHMAC[:10] + "f" + GenesisHMAC[11:] },
	}
	for field, mutate := range mutations {
		entry := base
		mutate(&entry)
		if ledger.Verify(entry) {
			t.Errorf("mutated %s must not verify", field)
		}
	}
}

func TestVerifyAllDetectsChainBreak(t *testing.T) {
	ledger, store := newTestLedger(t)
	for i := 0; i < 4; i++ {
		logEvent(t, ledger, "message_routed")
	}

	if res := ledger.VerifyAll(); !res.Valid || res.Entries != 4 {
		t.Fatalf("clean ledger must verify: %+v", res)
	}

	store.Tamper(1, func(e *Entry) { e.Success = false })
	res := ledger.VerifyAll()
	if res.Valid {
		t.Fatal("tampered ledger must not verify")
	}
	if res.ErrorAt != 2 {
		t.Fatalf("expected failure at entry 2, got %d (%s)", res.ErrorAt, res.Error)
	}
}

func TestVerifyAllDetectsDroppedEntry(t *testing.T) {
	ledger, store := newTestLedger(t)
	for i := 0; i < 3; i++ {
		logEvent(t, ledger, "message_routed")
	}

	// Splice out the middle entry; the chain must report the gap.
	store.mu.Lock()
	store.entries = append(store.entries[:1], store.entries[2:]...)
	store.mu.Unlock()

	res := ledger.VerifyAll()
	if res.Valid {
		t.Fatal("ledger with a dropped entry must not verify")
	}
	if !strings.Contains(res.Error, "chain break") {
		t.Fatalf("expected chain break, got %q", res.Error)
	}
}

func TestLedgerRecoversChainTailOnReopen(t *testing.T) {
	store := NewMemoryStore()
	ledger1, err := NewLedger(store, testMaster)
	if err != nil {
		t.Fatal(err)
	}
	logEvent(t, ledger1, "hub_start")

	// A second ledger over the same store continues the chain.
	ledger2, err := NewLedger(store, testMaster)
	if err != nil {
		t.Fatal(err)
	}
	logEvent(t, ledger2, "hub_start")

	if res := ledger2.VerifyAll(); !res.Valid || res.Entries != 2 {
		t.Fatalf("chain must survive ledger reopen: %+v", res)
	}
}

func TestSQLiteLedgerRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}

	ledger, err := NewLedger(store, testMaster)
	if err != nil {
		t.Fatal(err)
	}
	logEvent(t, ledger, "handshake_success")
	logEvent(t, ledger, "message_routed")
	store.Close()

	store2, err := OpenSQLite(path)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	ledger2, err := NewLedger(store2, testMaster)
	if err != nil {
		t.Fatal(err)
	}
	logEvent(t, ledger2, "hub_start")

	if res := ledger2.VerifyAll(); !res.Valid || res.Entries != 3 {
		t.Fatalf("sqlite ledger must verify after restart: %+v", res)
	}
}

func TestSanitizeRedactsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"platform": "slack",
		"api_key":  "rmk_deadbeef",
		"nested": map[string]any{
			"session_token": "tok.abc",
			"count":         3,
		},
		"items": []any{
			map[string]any{"password": "hunter2"},
		},
	}

	out := Sanitize(in)

	if out["platform"] != "slack" {
		t.Fatalf("benign value changed: %v", out["platform"])
	}
	redacted, _ := out["api_key"].(string)
	if !strings.HasPrefix(redacted, "REDACTED-") {
		t.Fatalf("api_key not redacted: %v", out["api_key"])
	}
	nested := out["nested"].(map[string]any)
	if tok, _ := nested["session_token"].(string); !strings.HasPrefix(tok, "REDACTED-") {
		t.Fatalf("nested token not redacted: %v", nested["session_token"])
	}
	if nested["count"] != 3 {
		t.Fatalf("benign nested value changed: %v", nested["count"])
	}
	item := out["items"].([]any)[0].(map[string]any)
	if pw, _ := item["password"].(string); !strings.HasPrefix(pw, "REDACTED-") {
		t.Fatalf("password inside slice not redacted: %v", item["password"])
	}

	// Input untouched.
	if in["api_key"] != "rmk_deadbeef" {
		t.Fatal("sanitize must not mutate its input")
	}
}

func TestSanitizeCorrelatable(t *testing.T) {
	a := Sanitize(map[string]any{"token": "same-secret"})
	b := Sanitize(map[string]any{"token": "same-secret"})
	c := Sanitize(map[string]any{"token": "other-secret"})
	if a["token"] != b["token"] {
		t.Fatal("same secret must redact to the same marker")
	}
	if a["token"] == c["token"] {
		t.Fatal("different secrets must redact to different markers")
	}
}

func TestValidateCompliance(t *testing.T) {
	rules := Rules{
		RetentionDays:          30,
		RequiredClassification: "confidential",
		AllowedRegions:         []string{"EU", "US"},
	}

	clean := Record{AgeDays: 10, Classification: model.ClassRestricted, Region: "eu"}
	if v := ValidateCompliance(clean, rules); len(v) != 0 {
		t.Fatalf("clean record must pass: %v", v)
	}

	bad := Record{AgeDays: 45, Classification: model.ClassInternal, Region: "APAC"}
	v := ValidateCompliance(bad, rules)
	if len(v) != 3 {
		t.Fatalf("expected 3 violations, got %d: %v", len(v), v)
	}

	// Zero-valued rules enforce nothing.
	if v := ValidateCompliance(bad, Rules{}); len(v) != 0 {
		t.Fatalf("empty rules must pass everything: %v", v)
	}
}
