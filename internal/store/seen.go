package store

import "fmt"

// MarkSeen records (account, event id) in both the in-memory LRU and the
// persistent seen_events table, per §4.6 ("a bounded LRU ... and a
// persistent 'seen' set"). Returns true if the event was newly marked
// (i.e. was not already seen), false if it was a duplicate.
func (s *Store) MarkSeen(accountPubKey, eventID string, seenAt int64) (bool, error) {
	key := accountPubKey + "\x00" + eventID

	s.seenMu.Lock()
	if _, ok := s.seenSet[key]; ok {
		for i, k := range s.seenOrder {
			if k == key {
				copy(s.seenOrder[i:], s.seenOrder[i+1:])
				s.seenOrder[len(s.seenOrder)-1] = key
				break
			}
		}
		s.seenMu.Unlock()
		return false, nil
	}
	s.seenSet[key] = struct{}{}
	s.seenOrder = append(s.seenOrder, key)
	if len(s.seenOrder) > s.seenCap {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seenSet, oldest)
	}
	s.seenMu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO seen_events (account_pubkey, event_id, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(account_pubkey, event_id) DO NOTHING
	`, accountPubKey, eventID, seenAt)
	if err != nil {
		return true, fmt.Errorf("store: persist seen event: %w", err)
	}
	return true, nil
}

// HasSeen reports whether (account, event id) was previously marked seen,
// consulting the persistent table when the in-memory LRU has evicted it —
// this is what makes dedup durable across process restarts.
func (s *Store) HasSeen(accountPubKey, eventID string) (bool, error) {
	key := accountPubKey + "\x00" + eventID
	s.seenMu.Lock()
	_, inMemory := s.seenSet[key]
	s.seenMu.Unlock()
	if inMemory {
		return true, nil
	}

	var count int
	err := s.db.QueryRow(`SELECT COUNT(1) FROM seen_events WHERE account_pubkey = ? AND event_id = ?`, accountPubKey, eventID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check seen event: %w", err)
	}
	return count > 0, nil
}
