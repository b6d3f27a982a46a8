// Package transcript implements the Group Transcript (C7): the per-group
// ordered message log built from delivered MLS application messages, with
// reply-chains, reactions, lightning invoice/payment annotations, and
// deletion-hides-but-retains semantics. Grounded on spec.md §4.7 and the
// query shapes already present in internal/store/transcripts.go.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"unicode/utf8"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/store"
)

// Invoice mirrors codec.Invoice in millisat-derived sat form (§4.7:
// "amount = millisat / 1000").
type Invoice struct {
	Bolt11      string `json:"bolt11"`
	AmountSat   int64  `json:"amount_sat"`
	Description string `json:"description,omitempty"`
	IsPaid      bool   `json:"is_paid"`
}

// Payment annotates an entry that carried a "preimage" tag.
type Payment struct {
	Preimage string `json:"preimage"`
	IsPaid   bool   `json:"is_paid"`
}

// Entry is the public view of one transcript row.
type Entry struct {
	EventID   string
	GroupID   string
	Author    string
	ReplyToID string
	Content   string
	CreatedAt int64
	Kind      int
	IsMine    bool
	IsHidden  bool
	Invoice   *Invoice
	Payment   *Payment
	Reactions []Reaction
}

// Reaction is a single emoji reaction on an entry.
type Reaction struct {
	Author    string
	Content   string
	CreatedAt int64
}

// ReactionCount is one row of a reactions_summary() result.
type ReactionCount struct {
	Emoji string
	Count int
}

// Store is the subset of *store.Store the transcript component needs.
type Store interface {
	InsertTranscriptEntry(store.TranscriptRow) error
	ReplaceTranscriptEntryID(tempID, realID string) error
	SetTranscriptHidden(eventID string, hidden bool) error
	SetTranscriptAnnotations(eventID, invoiceJSON, paymentJSON string) error
	GetTranscriptEntry(eventID string) (*store.TranscriptRow, error)
	ListTranscript(nostrGroupID string, since, until *int64, limit int) ([]store.TranscriptRow, error)
	ReplyChain(eventID string) ([]store.TranscriptRow, error)
	InsertReaction(store.ReactionRow) error
	ListReactions(targetID string) ([]store.ReactionRow, error)
}

// Service implements C7.
type Service struct {
	store Store
}

func New(st Store) *Service {
	return &Service{store: st}
}

// Append classifies and persists a decrypted application-message event.
// Reactions (kind 7) are filed against their target and never produce a
// standalone transcript row; deletions (kind 5) hide their targets.
func (s *Service) Append(ctx context.Context, ev *codec.Event, isMine bool) error {
	groupID, _ := codec.FirstH(ev.Tags)

	switch ev.Kind {
	case codec.KindReaction:
		return s.appendReaction(ev)
	case codec.KindDeletion:
		return s.appendDeletion(ev)
	default:
		return s.appendMessage(ctx, ev, groupID, isMine)
	}
}

func (s *Service) appendReaction(ev *codec.Event) error {
	targetID, ok := codec.FirstE(ev.Tags)
	if !ok {
		return fmt.Errorf("transcript: reaction missing e tag")
	}
	return s.store.InsertReaction(store.ReactionRow{
		ID:        ev.ID,
		TargetID:  targetID,
		Author:    ev.PubKey,
		Content:   ev.Content,
		CreatedAt: ev.CreatedAt,
	})
}

func (s *Service) appendDeletion(ev *codec.Event) error {
	for _, targetID := range codec.AllE(ev.Tags) {
		target, err := s.store.GetTranscriptEntry(targetID)
		if err != nil {
			continue // unknown target: nothing to hide
		}
		if target.Author != ev.PubKey {
			continue // only the original author's deletion hides an entry
		}
		if err := s.store.SetTranscriptHidden(targetID, true); err != nil {
			return fmt.Errorf("transcript: hide deleted entry: %w", err)
		}
	}
	return nil
}

func (s *Service) appendMessage(ctx context.Context, ev *codec.Event, groupID string, isMine bool) error {
	replyTo, _ := codec.FirstQ(ev.Tags)

	row := store.TranscriptRow{
		EventID:      ev.ID,
		NostrGroupID: groupID,
		Author:       ev.PubKey,
		ReplyToID:    replyTo,
		Content:      ev.Content,
		CreatedAt:    ev.CreatedAt,
		Kind:         ev.Kind,
		IsMine:       isMine,
	}

	var invoice *Invoice
	if inv, ok := codec.FirstBolt11(ev.Tags); ok {
		invoice = &Invoice{Bolt11: inv.Bolt11, Description: inv.Description}
		if inv.HasAmount {
			invoice.AmountSat = inv.AmountMsat / 1000
		}
		b, _ := json.Marshal(invoice)
		row.InvoiceJSON = string(b)
	}

	var payment *Payment
	if preimage, ok := codec.FirstPreimage(ev.Tags); ok {
		payment = &Payment{Preimage: preimage}
		b, _ := json.Marshal(payment)
		row.PaymentJSON = string(b)
	}

	if err := s.store.InsertTranscriptEntry(row); err != nil {
		return fmt.Errorf("transcript: insert entry: %w", err)
	}

	if payment != nil && replyTo != "" {
		if err := s.markPaidPair(ev.ID, replyTo, payment); err != nil {
			return err
		}
	}
	return nil
}

// markPaidPair cross-marks a payment and the invoice it replies to as paid,
// per §4.7: "If the payment event's reply target references an invoice in
// the same group, both the payment and the invoice are marked isPaid=true."
func (s *Service) markPaidPair(paymentID, invoiceEventID string, payment *Payment) error {
	target, err := s.store.GetTranscriptEntry(invoiceEventID)
	if err != nil || target.InvoiceJSON == "" {
		return nil // reply target is not an invoice: payment stands alone, unpaid
	}

	var invoice Invoice
	if err := json.Unmarshal([]byte(target.InvoiceJSON), &invoice); err != nil {
		return nil
	}
	invoice.IsPaid = true
	invoiceJSON, _ := json.Marshal(invoice)
	if err := s.store.SetTranscriptAnnotations(invoiceEventID, string(invoiceJSON), target.PaymentJSON); err != nil {
		return fmt.Errorf("transcript: mark invoice paid: %w", err)
	}

	payment.IsPaid = true
	paymentJSON, _ := json.Marshal(payment)
	current, err := s.store.GetTranscriptEntry(paymentID)
	if err != nil {
		return nil
	}
	if err := s.store.SetTranscriptAnnotations(paymentID, current.InvoiceJSON, string(paymentJSON)); err != nil {
		return fmt.Errorf("transcript: mark payment paid: %w", err)
	}
	return nil
}

// AppendOptimistic inserts a locally-created pending entry under the
// reserved id "temp" (§4.7), before the signed event is acknowledged.
func (s *Service) AppendOptimistic(groupID, author, content string, createdAt int64, kind int) error {
	return s.store.InsertTranscriptEntry(store.TranscriptRow{
		EventID:      "temp",
		NostrGroupID: groupID,
		Author:       author,
		Content:      content,
		CreatedAt:    createdAt,
		Kind:         kind,
		IsMine:       true,
	})
}

// ReconcileTemp replaces the optimistic "temp" entry with its real,
// server-acknowledged id.
func (s *Service) ReconcileTemp(realID string) error {
	return s.store.ReplaceTranscriptEntryID("temp", realID)
}

// List returns non-hidden entries for a group in (created_at, event_id)
// ascending order, each populated with its reactions.
func (s *Service) List(groupID string, since, until *int64, limit int) ([]Entry, error) {
	rows, err := s.store.ListTranscript(groupID, since, until, limit)
	if err != nil {
		return nil, fmt.Errorf("transcript: list: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := s.toEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Find loads a single entry by event id, hidden or not.
func (s *Service) Find(eventID string) (*Entry, error) {
	row, err := s.store.GetTranscriptEntry(eventID)
	if err != nil {
		return nil, fmt.Errorf("transcript: find: %w", err)
	}
	e, err := s.toEntry(*row)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// ReplyChain walks reply-to pointers from eventID back to the root.
func (s *Service) ReplyChain(eventID string) ([]Entry, error) {
	rows, err := s.store.ReplyChain(eventID)
	if err != nil {
		return nil, fmt.Errorf("transcript: reply chain: %w", err)
	}
	out := make([]Entry, 0, len(rows))
	for _, r := range rows {
		e, err := s.toEntry(r)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// ReactionsSummary returns a multiset of an entry's reactions sorted by
// count descending, then emoji code-point ascending, per §4.7.
func (s *Service) ReactionsSummary(eventID string) ([]ReactionCount, error) {
	rows, err := s.store.ListReactions(eventID)
	if err != nil {
		return nil, fmt.Errorf("transcript: reactions summary: %w", err)
	}
	counts := map[string]int{}
	for _, r := range rows {
		counts[r.Content]++
	}
	out := make([]ReactionCount, 0, len(counts))
	for emoji, n := range counts {
		out = append(out, ReactionCount{Emoji: emoji, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return firstCodepoint(out[i].Emoji) < firstCodepoint(out[j].Emoji)
	})
	return out, nil
}

func firstCodepoint(s string) rune {
	r, _ := utf8.DecodeRuneInString(s)
	return r
}

func (s *Service) toEntry(r store.TranscriptRow) (Entry, error) {
	e := Entry{
		EventID:   r.EventID,
		GroupID:   r.NostrGroupID,
		Author:    r.Author,
		ReplyToID: r.ReplyToID,
		Content:   r.Content,
		CreatedAt: r.CreatedAt,
		Kind:      r.Kind,
		IsMine:    r.IsMine,
		IsHidden:  r.IsHidden,
	}
	if r.InvoiceJSON != "" {
		var inv Invoice
		if err := json.Unmarshal([]byte(r.InvoiceJSON), &inv); err == nil {
			e.Invoice = &inv
		}
	}
	if r.PaymentJSON != "" {
		var pay Payment
		if err := json.Unmarshal([]byte(r.PaymentJSON), &pay); err == nil {
			e.Payment = &pay
		}
	}
	reactions, err := s.store.ListReactions(r.EventID)
	if err != nil {
		return Entry{}, fmt.Errorf("transcript: list reactions: %w", err)
	}
	for _, rx := range reactions {
		e.Reactions = append(e.Reactions, Reaction{Author: rx.Author, Content: rx.Content, CreatedAt: rx.CreatedAt})
	}
	return e, nil
}
