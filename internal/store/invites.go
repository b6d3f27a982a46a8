package store

import "fmt"

// InviteRow is a persisted pending/accepted/declined welcome (§3 Invite).
type InviteRow struct {
	WelcomeEventID string
	AccountPubKey  string
	GroupMetaJSON  string
	InviterPubKey  string
	MemberCount    int
	State          string // pending, accepted, declined
}

// UpsertInvite inserts or updates an invite row.
func (s *Store) UpsertInvite(inv InviteRow) error {
	_, err := s.db.Exec(`
		INSERT INTO invites (welcome_event_id, account_pubkey, group_meta_json, inviter_pubkey, member_count, state)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(welcome_event_id, account_pubkey) DO UPDATE SET state = excluded.state
	`, inv.WelcomeEventID, inv.AccountPubKey, inv.GroupMetaJSON, inv.InviterPubKey, inv.MemberCount, inv.State)
	if err != nil {
		return fmt.Errorf("store: upsert invite: %w", err)
	}
	return nil
}

// GetInvite loads a single invite row by (welcome event, account), whatever
// its state — used before overwriting state so a redelivered welcome never
// regresses an already-decided invite back to pending.
func (s *Store) GetInvite(welcomeEventID, accountPubKey string) (*InviteRow, error) {
	var inv InviteRow
	err := s.db.QueryRow(`SELECT welcome_event_id, account_pubkey, group_meta_json, inviter_pubkey, member_count, state
		FROM invites WHERE welcome_event_id = ? AND account_pubkey = ?`, welcomeEventID, accountPubKey).
		Scan(&inv.WelcomeEventID, &inv.AccountPubKey, &inv.GroupMetaJSON, &inv.InviterPubKey, &inv.MemberCount, &inv.State)
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

// ListPendingInvites returns every pending invite for an account.
func (s *Store) ListPendingInvites(accountPubKey string) ([]InviteRow, error) {
	rows, err := s.db.Query(`SELECT welcome_event_id, account_pubkey, group_meta_json, inviter_pubkey, member_count, state
		FROM invites WHERE account_pubkey = ? AND state = 'pending'`, accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("store: list pending invites: %w", err)
	}
	defer rows.Close()

	var out []InviteRow
	for rows.Next() {
		var inv InviteRow
		if err := rows.Scan(&inv.WelcomeEventID, &inv.AccountPubKey, &inv.GroupMetaJSON, &inv.InviterPubKey, &inv.MemberCount, &inv.State); err != nil {
			return nil, fmt.Errorf("store: scan invite: %w", err)
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// LedgerRow is one terminal outcome row in the processed-invite ledger (§3).
type LedgerRow struct {
	WelcomeEventID string
	AccountPubKey  string
	State          string // processed, failed
	FailureReason  string
	GroupID        string
}

// GetLedgerEntry looks up the ledger row for a (welcome event, account) pair.
// The ledger MUST be consulted before any welcome processing attempt (§3).
func (s *Store) GetLedgerEntry(welcomeEventID, accountPubKey string) (*LedgerRow, error) {
	var l LedgerRow
	err := s.db.QueryRow(`SELECT welcome_event_id, account_pubkey, state, failure_reason, group_id
		FROM processed_invites_ledger WHERE welcome_event_id = ? AND account_pubkey = ?`, welcomeEventID, accountPubKey).
		Scan(&l.WelcomeEventID, &l.AccountPubKey, &l.State, &l.FailureReason, &l.GroupID)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// WriteLedgerEntry writes the single terminal row for a welcome's processing
// outcome. Per §3, this is written exactly once per terminal outcome — the
// ON CONFLICT DO NOTHING clause makes any later write for the same
// (welcome event, account) pair a silent no-op, whatever its state, so the
// first terminal row always stands; no error is returned for a differing
// state (the engine never writes a second one).
func (s *Store) WriteLedgerEntry(l LedgerRow) error {
	_, err := s.db.Exec(`
		INSERT INTO processed_invites_ledger (welcome_event_id, account_pubkey, state, failure_reason, group_id)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(welcome_event_id, account_pubkey) DO NOTHING
	`, l.WelcomeEventID, l.AccountPubKey, l.State, l.FailureReason, l.GroupID)
	if err != nil {
		return fmt.Errorf("store: write ledger entry: %w", err)
	}
	return nil
}
