package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
)

// AccountRow is the persisted row shape for the accounts table.
type AccountRow struct {
	PubKey          string
	EncryptedSecret string
	DisplayName     string
	SettingsJSON    string
	OnboardingJSON  string
	LastUsedAt      int64
	IsActive        bool
}

// UpsertAccount inserts or updates an account row inside a write transaction,
// per §5 ("All mutable persistent state is written under per-table write
// transactions").
func (s *Store) UpsertAccount(a AccountRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin upsert account: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (pubkey, encrypted_secret, display_name, settings_json, onboarding_json, last_used_at, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(pubkey) DO UPDATE SET
			encrypted_secret=excluded.encrypted_secret,
			display_name=excluded.display_name,
			settings_json=excluded.settings_json,
			onboarding_json=excluded.onboarding_json,
			last_used_at=excluded.last_used_at,
			is_active=excluded.is_active
	`, a.PubKey, a.EncryptedSecret, a.DisplayName, a.SettingsJSON, a.OnboardingJSON, a.LastUsedAt, boolToInt(a.IsActive))
	if err != nil {
		return fmt.Errorf("store: upsert account: %w", err)
	}
	return tx.Commit()
}

// SetActiveAccount atomically clears every account's active flag and sets it
// for pubkey, enforcing the "at most one account is active" invariant.
func (s *Store) SetActiveAccount(pubkey string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin set active account: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE accounts SET is_active = 0`); err != nil {
		return fmt.Errorf("store: clear active accounts: %w", err)
	}
	res, err := tx.Exec(`UPDATE accounts SET is_active = 1 WHERE pubkey = ?`, pubkey)
	if err != nil {
		return fmt.Errorf("store: set active account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

// GetAccount loads a single account by pubkey.
func (s *Store) GetAccount(pubkey string) (*AccountRow, error) {
	row := s.db.QueryRow(`SELECT pubkey, encrypted_secret, display_name, settings_json, onboarding_json, last_used_at, is_active FROM accounts WHERE pubkey = ?`, pubkey)
	return scanAccount(row)
}

// GetActiveAccount returns the sole active account, or sql.ErrNoRows if none.
func (s *Store) GetActiveAccount() (*AccountRow, error) {
	row := s.db.QueryRow(`SELECT pubkey, encrypted_secret, display_name, settings_json, onboarding_json, last_used_at, is_active FROM accounts WHERE is_active = 1`)
	return scanAccount(row)
}

func scanAccount(row *sql.Row) (*AccountRow, error) {
	var a AccountRow
	var active int
	if err := row.Scan(&a.PubKey, &a.EncryptedSecret, &a.DisplayName, &a.SettingsJSON, &a.OnboardingJSON, &a.LastUsedAt, &active); err != nil {
		return nil, err
	}
	a.IsActive = active != 0
	return &a, nil
}

// ListAccounts returns all accounts sorted by pubkey, matching the
// get_accounts command-surface contract (§6).
func (s *Store) ListAccounts() ([]AccountRow, error) {
	rows, err := s.db.Query(`SELECT pubkey, encrypted_secret, display_name, settings_json, onboarding_json, last_used_at, is_active FROM accounts ORDER BY pubkey ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []AccountRow
	for rows.Next() {
		var a AccountRow
		var active int
		if err := rows.Scan(&a.PubKey, &a.EncryptedSecret, &a.DisplayName, &a.SettingsJSON, &a.OnboardingJSON, &a.LastUsedAt, &active); err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		a.IsActive = active != 0
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes an account and all derived MLS/group/transcript
// state atomically, per §4.1 ("logout removes the account record and all
// derived MLS state atomically").
func (s *Store) DeleteAccount(pubkey string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin delete account: %w", err)
	}
	defer tx.Rollback()

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{`DELETE FROM accounts WHERE pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM relays WHERE account_pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM key_packages WHERE account_pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM reactions WHERE target_id IN (SELECT event_id FROM transcripts WHERE nostr_group_id IN (SELECT nostr_group_id FROM mls_groups WHERE account_pubkey = ?))`, []interface{}{pubkey}},
		{`DELETE FROM transcripts WHERE nostr_group_id IN (SELECT nostr_group_id FROM mls_groups WHERE account_pubkey = ?)`, []interface{}{pubkey}},
		{`DELETE FROM mls_epoch_state WHERE mls_group_id IN (SELECT mls_group_id FROM mls_groups WHERE account_pubkey = ?)`, []interface{}{pubkey}},
		{`DELETE FROM mls_groups WHERE account_pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM invites WHERE account_pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM processed_invites_ledger WHERE account_pubkey = ?`, []interface{}{pubkey}},
		{`DELETE FROM seen_events WHERE account_pubkey = ?`, []interface{}{pubkey}},
	}
	for _, st := range stmts {
		if _, err := tx.Exec(st.query, st.args...); err != nil {
			return fmt.Errorf("store: delete account cascade (%s): %w", st.query, err)
		}
	}
	return tx.Commit()
}

// Onboarding is the parsed onboarding checklist (§3 Account).
type Onboarding struct {
	InboxRelaysPublished     bool `json:"inbox_relays_published"`
	KeyPackageRelaysPublished bool `json:"key_package_relays_published"`
	KeyPackagePublished      bool `json:"key_package_published"`
}

// ParseOnboarding decodes an account's onboarding_json column.
func ParseOnboarding(raw string) Onboarding {
	var o Onboarding
	if raw == "" {
		return o
	}
	_ = json.Unmarshal([]byte(raw), &o)
	return o
}

// MarshalOnboarding encodes an Onboarding checklist for storage.
func MarshalOnboarding(o Onboarding) string {
	b, _ := json.Marshal(o)
	return string(b)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
