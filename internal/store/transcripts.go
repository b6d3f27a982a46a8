package store

import "fmt"

// TranscriptRow is a persisted transcript entry (§3 Transcript Entry).
type TranscriptRow struct {
	EventID      string
	NostrGroupID string
	Author       string
	ReplyToID    string
	Content      string
	CreatedAt    int64
	Kind         int
	IsMine       bool
	IsInsecure   bool
	IsHidden     bool
	InvoiceJSON  string // "" when no lightning-invoice annotation
	PaymentJSON  string // "" when no lightning-payment annotation
	EventJSON    string // the underlying signed event, serialized
}

// InsertTranscriptEntry appends an entry. Entries are uniquely keyed by
// event id (§3 invariant); re-insertion of the same id is an upsert so a
// re-delivered event (at-least-once delivery, §4.6) is idempotent.
func (s *Store) InsertTranscriptEntry(t TranscriptRow) error {
	_, err := s.db.Exec(`
		INSERT INTO transcripts (event_id, nostr_group_id, author, reply_to_id, content, created_at, kind,
			is_mine, is_insecure, is_hidden, invoice_json, payment_json, event_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO UPDATE SET
			reply_to_id=excluded.reply_to_id, content=excluded.content,
			invoice_json=excluded.invoice_json, payment_json=excluded.payment_json,
			event_json=excluded.event_json
	`, t.EventID, t.NostrGroupID, t.Author, t.ReplyToID, t.Content, t.CreatedAt, t.Kind,
		boolToInt(t.IsMine), boolToInt(t.IsInsecure), boolToInt(t.IsHidden), t.InvoiceJSON, t.PaymentJSON, t.EventJSON)
	if err != nil {
		return fmt.Errorf("store: insert transcript entry: %w", err)
	}
	return nil
}

// ReplaceTranscriptEntryID renames a "temp" optimistic entry to its real
// event id once the server acknowledgement arrives (§3 Transcript Entry
// invariant, §9 Open Question (i)).
func (s *Store) ReplaceTranscriptEntryID(tempID, realID string) error {
	_, err := s.db.Exec(`UPDATE transcripts SET event_id = ? WHERE event_id = ?`, realID, tempID)
	if err != nil {
		return fmt.Errorf("store: replace transcript entry id: %w", err)
	}
	return nil
}

// SetTranscriptHidden marks an entry hidden (a matching deletion arrived)
// without removing it, per "retained for audit" (§3 Lifecycle).
func (s *Store) SetTranscriptHidden(eventID string, hidden bool) error {
	_, err := s.db.Exec(`UPDATE transcripts SET is_hidden = ? WHERE event_id = ?`, boolToInt(hidden), eventID)
	if err != nil {
		return fmt.Errorf("store: set transcript hidden: %w", err)
	}
	return nil
}

// SetTranscriptAnnotations updates the invoice/payment annotation columns,
// used when a later event (e.g. a payment referencing an earlier invoice)
// needs to mark isPaid on the original entry.
func (s *Store) SetTranscriptAnnotations(eventID, invoiceJSON, paymentJSON string) error {
	_, err := s.db.Exec(`UPDATE transcripts SET invoice_json = ?, payment_json = ? WHERE event_id = ?`, invoiceJSON, paymentJSON, eventID)
	if err != nil {
		return fmt.Errorf("store: set transcript annotations: %w", err)
	}
	return nil
}

// GetTranscriptEntry loads a single entry by event id, hidden or not —
// backs query_message (§6), which must still find deleted messages.
func (s *Store) GetTranscriptEntry(eventID string) (*TranscriptRow, error) {
	return scanTranscriptRow(s.db.QueryRow(`SELECT event_id, nostr_group_id, author, reply_to_id, content, created_at, kind,
		is_mine, is_insecure, is_hidden, invoice_json, payment_json, event_json FROM transcripts WHERE event_id = ?`, eventID))
}

func scanTranscriptRow(row interface{ Scan(dest ...interface{}) error }) (*TranscriptRow, error) {
	var t TranscriptRow
	var isMine, isInsecure, isHidden int
	if err := row.Scan(&t.EventID, &t.NostrGroupID, &t.Author, &t.ReplyToID, &t.Content, &t.CreatedAt, &t.Kind,
		&isMine, &isInsecure, &isHidden, &t.InvoiceJSON, &t.PaymentJSON, &t.EventJSON); err != nil {
		return nil, err
	}
	t.IsMine = isMine != 0
	t.IsInsecure = isInsecure != 0
	t.IsHidden = isHidden != 0
	return &t, nil
}

// ListTranscript lists non-hidden entries for a group, in ascending
// (created_at, event_id) order, optionally bounded by since/until/limit —
// backs C7's list() query.
func (s *Store) ListTranscript(nostrGroupID string, since, until *int64, limit int) ([]TranscriptRow, error) {
	query := `SELECT event_id, nostr_group_id, author, reply_to_id, content, created_at, kind,
		is_mine, is_insecure, is_hidden, invoice_json, payment_json, event_json
		FROM transcripts WHERE nostr_group_id = ? AND is_hidden = 0`
	args := []interface{}{nostrGroupID}
	if since != nil {
		query += ` AND created_at >= ?`
		args = append(args, *since)
	}
	if until != nil {
		query += ` AND created_at <= ?`
		args = append(args, *until)
	}
	query += ` ORDER BY created_at ASC, event_id ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list transcript: %w", err)
	}
	defer rows.Close()

	var out []TranscriptRow
	for rows.Next() {
		t, err := scanTranscriptRow(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan transcript row: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// ReplyChain walks reply_to_id pointers back to the root, backing
// reply_chain(event_id) (§4.7).
func (s *Store) ReplyChain(eventID string) ([]TranscriptRow, error) {
	var chain []TranscriptRow
	seen := map[string]bool{}
	current := eventID
	for current != "" && !seen[current] {
		seen[current] = true
		t, err := s.GetTranscriptEntry(current)
		if err != nil {
			break
		}
		chain = append(chain, *t)
		current = t.ReplyToID
	}
	return chain, nil
}

// ReactionRow is a persisted reaction (§3 Reaction).
type ReactionRow struct {
	ID        string
	TargetID  string
	Author    string
	Content   string
	CreatedAt int64
}

// InsertReaction appends a reaction to its target's reactions list.
func (s *Store) InsertReaction(r ReactionRow) error {
	_, err := s.db.Exec(`
		INSERT INTO reactions (id, target_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, r.ID, r.TargetID, r.Author, r.Content, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert reaction: %w", err)
	}
	return nil
}

// ListReactions returns every reaction for a target entry.
func (s *Store) ListReactions(targetID string) ([]ReactionRow, error) {
	rows, err := s.db.Query(`SELECT id, target_id, author, content, created_at FROM reactions WHERE target_id = ?`, targetID)
	if err != nil {
		return nil, fmt.Errorf("store: list reactions: %w", err)
	}
	defer rows.Close()

	var out []ReactionRow
	for rows.Next() {
		var r ReactionRow
		if err := rows.Scan(&r.ID, &r.TargetID, &r.Author, &r.Content, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan reaction: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
