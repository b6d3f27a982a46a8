package store

import (
	"encoding/json"
	"fmt"
)

// GroupRow is a persisted MLS group (§3 MLS Group).
type GroupRow struct {
	MLSGroupID    string // binary MLS group id, hex-encoded for storage
	NostrGroupID  string
	AccountPubKey string
	Name          string
	Description   string
	GroupType     string // direct_message, group
	AdminPubKeys  []string
	MemberPubKeys []string
	Epoch         uint64
	State         string // creating, active, epoch_buffered, leaving, closed, forked
	Relays        []string
	LastMessageID string
	LastMessageAt int64
}

// UpsertGroup inserts or updates a group row.
func (s *Store) UpsertGroup(g GroupRow) error {
	admins, _ := json.Marshal(g.AdminPubKeys)
	members, _ := json.Marshal(g.MemberPubKeys)
	relays, _ := json.Marshal(g.Relays)
	_, err := s.db.Exec(`
		INSERT INTO mls_groups (mls_group_id, nostr_group_id, account_pubkey, name, description, group_type,
			admin_pubkeys, member_pubkeys, epoch, state, relays_json, last_message_id, last_message_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(mls_group_id) DO UPDATE SET
			name=excluded.name, description=excluded.description, group_type=excluded.group_type,
			admin_pubkeys=excluded.admin_pubkeys, member_pubkeys=excluded.member_pubkeys,
			epoch=excluded.epoch, state=excluded.state, relays_json=excluded.relays_json,
			last_message_id=excluded.last_message_id, last_message_at=excluded.last_message_at
	`, g.MLSGroupID, g.NostrGroupID, g.AccountPubKey, g.Name, g.Description, g.GroupType,
		string(admins), string(members), g.Epoch, g.State, string(relays), g.LastMessageID, g.LastMessageAt)
	if err != nil {
		return fmt.Errorf("store: upsert group: %w", err)
	}
	return nil
}

func scanGroupRow(scan func(dest ...interface{}) error) (*GroupRow, error) {
	var g GroupRow
	var admins, members, relays string
	if err := scan(&g.MLSGroupID, &g.NostrGroupID, &g.AccountPubKey, &g.Name, &g.Description, &g.GroupType,
		&admins, &members, &g.Epoch, &g.State, &relays, &g.LastMessageID, &g.LastMessageAt); err != nil {
		return nil, err
	}
	_ = json.Unmarshal([]byte(admins), &g.AdminPubKeys)
	_ = json.Unmarshal([]byte(members), &g.MemberPubKeys)
	_ = json.Unmarshal([]byte(relays), &g.Relays)
	return &g, nil
}

const groupColumns = `mls_group_id, nostr_group_id, account_pubkey, name, description, group_type,
			admin_pubkeys, member_pubkeys, epoch, state, relays_json, last_message_id, last_message_at`

// GetGroup loads a group by its MLS group id.
func (s *Store) GetGroup(mlsGroupID string) (*GroupRow, error) {
	row := s.db.QueryRow(`SELECT `+groupColumns+` FROM mls_groups WHERE mls_group_id = ?`, mlsGroupID)
	return scanGroupRow(row.Scan)
}

// GetGroupByNostrID loads a group by its Nostr group id (the `h` tag value).
func (s *Store) GetGroupByNostrID(nostrGroupID string) (*GroupRow, error) {
	row := s.db.QueryRow(`SELECT `+groupColumns+` FROM mls_groups WHERE nostr_group_id = ?`, nostrGroupID)
	return scanGroupRow(row.Scan)
}

// ListGroups returns all groups an account belongs to.
func (s *Store) ListGroups(accountPubKey string) ([]GroupRow, error) {
	rows, err := s.db.Query(`SELECT `+groupColumns+` FROM mls_groups WHERE account_pubkey = ?`, accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("store: list groups: %w", err)
	}
	defer rows.Close()

	var out []GroupRow
	for rows.Next() {
		g, err := scanGroupRow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("store: scan group: %w", err)
		}
		out = append(out, *g)
	}
	return out, rows.Err()
}

// PutEpochState persists the opaque MLS state blob for one (group, epoch)
// pair — the mls_epoch_state table of §6.
func (s *Store) PutEpochState(mlsGroupID string, epoch uint64, blob []byte) error {
	_, err := s.db.Exec(`
		INSERT INTO mls_epoch_state (mls_group_id, epoch, state_blob) VALUES (?, ?, ?)
		ON CONFLICT(mls_group_id, epoch) DO UPDATE SET state_blob = excluded.state_blob
	`, mlsGroupID, epoch, blob)
	if err != nil {
		return fmt.Errorf("store: put epoch state: %w", err)
	}
	return nil
}

// GetEpochState loads the opaque state blob for one (group, epoch) pair.
func (s *Store) GetEpochState(mlsGroupID string, epoch uint64) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(`SELECT state_blob FROM mls_epoch_state WHERE mls_group_id = ? AND epoch = ?`, mlsGroupID, epoch).Scan(&blob)
	if err != nil {
		return nil, err
	}
	return blob, nil
}
