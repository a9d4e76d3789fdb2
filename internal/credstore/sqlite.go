package credstore

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS credentials (
	bot_id        TEXT PRIMARY KEY,
	api_key_ct    BLOB,
	one_time_hash TEXT,
	created_at    INTEGER NOT NULL,
	last_used     INTEGER
);`

// SQLiteStore persists credentials across restarts.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the credential database.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("credstore: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("credstore: exec pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("credstore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(cred *Credentials) error {
	_, err := s.db.Exec(`
		INSERT INTO credentials (bot_id, api_key_ct, one_time_hash, created_at, last_used)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(bot_id) DO UPDATE SET
			api_key_ct = excluded.api_key_ct,
			one_time_hash = excluded.one_time_hash,
			created_at = excluded.created_at,
			last_used = excluded.last_used`,
		cred.BotID, cred.APIKeyCipher, nullable(cred.OneTimeHash),
		cred.CreatedAt.Unix(), cred.LastUsed.Unix())
	if err != nil {
		return fmt.Errorf("credstore: upsert %s: %w", cred.BotID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(botID string) (*Credentials, error) {
	row := s.db.QueryRow(
		"SELECT bot_id, api_key_ct, one_time_hash, created_at, last_used FROM credentials WHERE bot_id = ?",
		botID)

	var cred Credentials
	var hash sql.NullString
	var createdAt, lastUsed int64
	err := row.Scan(&cred.BotID, &cred.APIKeyCipher, &hash, &createdAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("credstore: get %s: %w", botID, err)
	}
	cred.OneTimeHash = hash.String
	cred.CreatedAt = time.Unix(createdAt, 0).UTC()
	cred.LastUsed = time.Unix(lastUsed, 0).UTC()
	return &cred, nil
}

func (s *SQLiteStore) SetAPIKey(botID string, cipher []byte, at time.Time) error {
	res, err := s.db.Exec(
		"UPDATE credentials SET api_key_ct = ?, last_used = ? WHERE bot_id = ?",
		cipher, at.Unix(), botID)
	if err != nil {
		return fmt.Errorf("credstore: set api key for %s: %w", botID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RedeemToken is an atomic compare-and-clear: the UPDATE only matches a
// row still holding the presented hash, so concurrent redemptions race
// on the database and exactly one wins.
func (s *SQLiteStore) RedeemToken(botID, tokenHash string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE credentials SET one_time_hash = NULL WHERE bot_id = ? AND one_time_hash = ?",
		botID, tokenHash)
	if err != nil {
		return false, fmt.Errorf("credstore: redeem token for %s: %w", botID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("credstore: redeem token for %s: %w", botID, err)
	}
	return n == 1, nil
}

func (s *SQLiteStore) TouchLastUsed(botID string, at time.Time) error {
	_, err := s.db.Exec("UPDATE credentials SET last_used = ? WHERE bot_id = ?", at.Unix(), botID)
	if err != nil {
		return fmt.Errorf("credstore: touch %s: %w", botID, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
