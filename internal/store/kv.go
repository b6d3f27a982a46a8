package store

import (
	"database/sql"
	"fmt"
)

// PutKV sets a key/value pair in the generic kv table, used for settings
// that don't warrant their own column (mirrors the teacher's admin-settings KV usage).
func (s *Store) PutKV(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("store: put kv: %w", err)
	}
	return nil
}

// GetKV returns the value for key, or ("", false) if not set.
func (s *Store) GetKV(key string) (string, bool, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get kv: %w", err)
	}
	return v, true, nil
}
