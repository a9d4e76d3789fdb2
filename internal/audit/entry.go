package audit

// Entry is one tamper-evident record in the security ledger. The HMAC is
// computed over the canonical JSON of every other field (PrevHMAC
// included, chaining each entry to its predecessor). Mutating any field
// invalidates the HMAC.
//
// Details is map-shaped but marshals deterministically: encoding/json
// sorts map keys, so the canonical serialization is reproducible.
type Entry struct {
	EventID   string         `json:"event_id"`
	Timestamp string         `json:"ts"`
	EventType string         `json:"event_type"`
	UserID    string         `json:"user_id"`
	IPAddress string         `json:"ip_address"`
	Details   map[string]any `json:"details"`
	Success   bool           `json:"success"`
	PrevHMAC  string         `json:"prev_hmac"`
	HMAC      string         `json:"hmac"`
}

// GenesisHMAC is the prev_hmac of the first entry in a new ledger.
const GenesisHMAC = "hmac:0000000000000000000000000000000000000000000000000000000000000000"

// TimestampFormat is the ledger's wall-clock format (UTC, millisecond).
const TimestampFormat = "2006-01-02T15:04:05.000Z"
