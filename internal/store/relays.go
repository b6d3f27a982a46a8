package store

import "fmt"

// RelayRow is a persisted relay entry, scoped to one account and one of the
// three relay lists (general kind 10002, inbox kind 10050, key-package kind 10051).
type RelayRow struct {
	AccountPubKey string
	URL           string
	ListKind      int
	Policy        string // read, write, readwrite
	Status        string
}

// UpsertRelay inserts or updates a relay row for an account's relay list.
func (s *Store) UpsertRelay(r RelayRow) error {
	_, err := s.db.Exec(`
		INSERT INTO relays (account_pubkey, url, list_kind, policy, status)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_pubkey, url, list_kind) DO UPDATE SET
			policy=excluded.policy, status=excluded.status
	`, r.AccountPubKey, r.URL, r.ListKind, r.Policy, r.Status)
	if err != nil {
		return fmt.Errorf("store: upsert relay: %w", err)
	}
	return nil
}

// UpdateRelayStatus updates only the connection-status column (§3 Relay FSM).
func (s *Store) UpdateRelayStatus(accountPubKey, url string, listKind int, status string) error {
	_, err := s.db.Exec(`UPDATE relays SET status = ? WHERE account_pubkey = ? AND url = ? AND list_kind = ?`,
		status, accountPubKey, url, listKind)
	if err != nil {
		return fmt.Errorf("store: update relay status: %w", err)
	}
	return nil
}

// ListRelays returns every relay row for an account across all three lists.
func (s *Store) ListRelays(accountPubKey string) ([]RelayRow, error) {
	rows, err := s.db.Query(`SELECT account_pubkey, url, list_kind, policy, status FROM relays WHERE account_pubkey = ?`, accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("store: list relays: %w", err)
	}
	defer rows.Close()

	var out []RelayRow
	for rows.Next() {
		var r RelayRow
		if err := rows.Scan(&r.AccountPubKey, &r.URL, &r.ListKind, &r.Policy, &r.Status); err != nil {
			return nil, fmt.Errorf("store: scan relay: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRelaysByKind filters ListRelays to a single list kind (10002/10050/10051).
func (s *Store) ListRelaysByKind(accountPubKey string, listKind int) ([]RelayRow, error) {
	rows, err := s.db.Query(`SELECT account_pubkey, url, list_kind, policy, status FROM relays WHERE account_pubkey = ? AND list_kind = ?`, accountPubKey, listKind)
	if err != nil {
		return nil, fmt.Errorf("store: list relays by kind: %w", err)
	}
	defer rows.Close()

	var out []RelayRow
	for rows.Next() {
		var r RelayRow
		if err := rows.Scan(&r.AccountPubKey, &r.URL, &r.ListKind, &r.Policy, &r.Status); err != nil {
			return nil, fmt.Errorf("store: scan relay: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RemoveRelay deletes a relay row.
func (s *Store) RemoveRelay(accountPubKey, url string, listKind int) error {
	_, err := s.db.Exec(`DELETE FROM relays WHERE account_pubkey = ? AND url = ? AND list_kind = ?`, accountPubKey, url, listKind)
	if err != nil {
		return fmt.Errorf("store: remove relay: %w", err)
	}
	return nil
}
