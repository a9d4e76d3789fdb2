package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_log (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id   TEXT NOT NULL UNIQUE,
	ts         TEXT NOT NULL,
	event_type TEXT NOT NULL,
	user_id    TEXT,
	ip_address TEXT,
	details    TEXT,
	success    INTEGER NOT NULL,
	prev_hmac  TEXT NOT NULL,
	hmac       TEXT NOT NULL
);`

// SQLiteStore persists the ledger across restarts. Rows are append-only;
// nothing in the hub ever issues UPDATE or DELETE against audit_log.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the ledger database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit: exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Append(entry Entry) error {
	details, err := json.Marshal(entry.Details)
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO audit_log (event_id, ts, event_type, user_id, ip_address, details, success, prev_hmac, hmac)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.EventID, entry.Timestamp, entry.EventType, entry.UserID,
		entry.IPAddress, string(details), boolInt(entry.Success),
		entry.PrevHMAC, entry.HMAC)
	if err != nil {
		return fmt.Errorf("audit: insert %s: %w", entry.EventID, err)
	}
	return nil
}

func (s *SQLiteStore) All() ([]Entry, error) {
	rows, err := s.db.Query(`
		SELECT event_id, ts, event_type, user_id, ip_address, details, success, prev_hmac, hmac
		FROM audit_log ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("audit: query log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLiteStore) Last() (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT event_id, ts, event_type, user_id, ip_address, details, success, prev_hmac, hmac
		FROM audit_log ORDER BY seq DESC LIMIT 1`)

	entry, err := scanEntry(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func scanEntry(scan func(...any) error) (Entry, error) {
	var entry Entry
	var details string
	var success int
	err := scan(&entry.EventID, &entry.Timestamp, &entry.EventType,
		&entry.UserID, &entry.IPAddress, &details, &success,
		&entry.PrevHMAC, &entry.HMAC)
	if err == sql.ErrNoRows {
		return entry, err
	}
	if err != nil {
		return entry, fmt.Errorf("audit: scan entry: %w", err)
	}
	if details != "" && details != "null" {
		if err := json.Unmarshal([]byte(details), &entry.Details); err != nil {
			return entry, fmt.Errorf("audit: unmarshal details for %s: %w", entry.EventID, err)
		}
	}
	entry.Success = success != 0
	return entry, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
