package store

import (
	"database/sql"
	"fmt"
)

// KeyPackageRow is a persisted MLS key package (§3 Key Package).
type KeyPackageRow struct {
	EventID       string
	AccountPubKey string
	Ciphersuite   uint16
	InitKey       []byte
	LeafNode      []byte
	Consumed      bool
	CreatedAt     int64
}

// InsertKeyPackage records a freshly generated key package.
func (s *Store) InsertKeyPackage(kp KeyPackageRow) error {
	_, err := s.db.Exec(`
		INSERT INTO key_packages (event_id, account_pubkey, ciphersuite, init_key, leaf_node, consumed, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)
	`, kp.EventID, kp.AccountPubKey, kp.Ciphersuite, kp.InitKey, kp.LeafNode, kp.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert key package: %w", err)
	}
	return nil
}

// MarkKeyPackageConsumed marks a key package consumed inside a write
// transaction, failing if it is already consumed — the persistence-level
// enforcement of "a key package is consumed at most once" (§8).
func (s *Store) MarkKeyPackageConsumed(eventID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin mark consumed: %w", err)
	}
	defer tx.Rollback()

	var consumed int
	err = tx.QueryRow(`SELECT consumed FROM key_packages WHERE event_id = ?`, eventID).Scan(&consumed)
	if err == sql.ErrNoRows {
		return fmt.Errorf("store: key package %s not found", eventID)
	}
	if err != nil {
		return fmt.Errorf("store: lookup key package: %w", err)
	}
	if consumed != 0 {
		return errAlreadyConsumed
	}
	if _, err := tx.Exec(`UPDATE key_packages SET consumed = 1 WHERE event_id = ?`, eventID); err != nil {
		return fmt.Errorf("store: mark key package consumed: %w", err)
	}
	return tx.Commit()
}

var errAlreadyConsumed = fmt.Errorf("key package already consumed")

// IsKeyPackageAlreadyConsumedErr reports whether err is the sentinel
// returned by MarkKeyPackageConsumed for a double-consume attempt.
func IsKeyPackageAlreadyConsumedErr(err error) bool { return err == errAlreadyConsumed }

// ListUnconsumedKeyPackages returns every non-consumed key package owned by
// an account, used by revoke_all (§4.4).
func (s *Store) ListUnconsumedKeyPackages(accountPubKey string) ([]KeyPackageRow, error) {
	rows, err := s.db.Query(`SELECT event_id, account_pubkey, ciphersuite, init_key, leaf_node, consumed, created_at
		FROM key_packages WHERE account_pubkey = ? AND consumed = 0`, accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("store: list key packages: %w", err)
	}
	defer rows.Close()

	var out []KeyPackageRow
	for rows.Next() {
		var kp KeyPackageRow
		var consumed int
		if err := rows.Scan(&kp.EventID, &kp.AccountPubKey, &kp.Ciphersuite, &kp.InitKey, &kp.LeafNode, &consumed, &kp.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan key package: %w", err)
		}
		kp.Consumed = consumed != 0
		out = append(out, kp)
	}
	return out, rows.Err()
}

// GetKeyPackage loads a single key package by event id.
func (s *Store) GetKeyPackage(eventID string) (*KeyPackageRow, error) {
	var kp KeyPackageRow
	var consumed int
	err := s.db.QueryRow(`SELECT event_id, account_pubkey, ciphersuite, init_key, leaf_node, consumed, created_at
		FROM key_packages WHERE event_id = ?`, eventID).
		Scan(&kp.EventID, &kp.AccountPubKey, &kp.Ciphersuite, &kp.InitKey, &kp.LeafNode, &consumed, &kp.CreatedAt)
	if err != nil {
		return nil, err
	}
	kp.Consumed = consumed != 0
	return &kp, nil
}
