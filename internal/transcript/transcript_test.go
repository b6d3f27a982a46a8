package transcript

import (
	"context"
	"testing"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/store"
)

type fakeStore struct {
	entries   map[string]store.TranscriptRow
	byOrder   []string
	reactions map[string][]store.ReactionRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: map[string]store.TranscriptRow{}, reactions: map[string][]store.ReactionRow{}}
}

func (f *fakeStore) InsertTranscriptEntry(t store.TranscriptRow) error {
	if _, exists := f.entries[t.EventID]; !exists {
		f.byOrder = append(f.byOrder, t.EventID)
	}
	f.entries[t.EventID] = t
	return nil
}

func (f *fakeStore) ReplaceTranscriptEntryID(tempID, realID string) error {
	row, ok := f.entries[tempID]
	if !ok {
		return nil
	}
	delete(f.entries, tempID)
	row.EventID = realID
	f.entries[realID] = row
	for i, id := range f.byOrder {
		if id == tempID {
			f.byOrder[i] = realID
		}
	}
	return nil
}

func (f *fakeStore) SetTranscriptHidden(eventID string, hidden bool) error {
	row, ok := f.entries[eventID]
	if !ok {
		return nil
	}
	row.IsHidden = hidden
	f.entries[eventID] = row
	return nil
}

func (f *fakeStore) SetTranscriptAnnotations(eventID, invoiceJSON, paymentJSON string) error {
	row, ok := f.entries[eventID]
	if !ok {
		return nil
	}
	row.InvoiceJSON = invoiceJSON
	row.PaymentJSON = paymentJSON
	f.entries[eventID] = row
	return nil
}

func (f *fakeStore) GetTranscriptEntry(eventID string) (*store.TranscriptRow, error) {
	row, ok := f.entries[eventID]
	if !ok {
		return nil, fakeErr("not found")
	}
	return &row, nil
}

func (f *fakeStore) ListTranscript(groupID string, since, until *int64, limit int) ([]store.TranscriptRow, error) {
	var out []store.TranscriptRow
	for _, id := range f.byOrder {
		row := f.entries[id]
		if row.NostrGroupID == groupID && !row.IsHidden {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeStore) ReplyChain(eventID string) ([]store.TranscriptRow, error) {
	var chain []store.TranscriptRow
	current := eventID
	seen := map[string]bool{}
	for current != "" && !seen[current] {
		seen[current] = true
		row, ok := f.entries[current]
		if !ok {
			break
		}
		chain = append(chain, row)
		current = row.ReplyToID
	}
	return chain, nil
}

func (f *fakeStore) InsertReaction(r store.ReactionRow) error {
	f.reactions[r.TargetID] = append(f.reactions[r.TargetID], r)
	return nil
}

func (f *fakeStore) ListReactions(targetID string) ([]store.ReactionRow, error) {
	return f.reactions[targetID], nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

func TestAppendMessageAndList(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	ev := &codec.Event{ID: "ev1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "hi", CreatedAt: 100, Tags: [][]string{{"h", "g1"}}}
	if err := svc.Append(context.Background(), ev, true); err != nil {
		t.Fatalf("Append: %v", err)
	}

	entries, err := svc.List("g1", nil, nil, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 || entries[0].Content != "hi" {
		t.Fatalf("expected one entry with content 'hi', got %+v", entries)
	}
}

func TestReactionAttachesToTargetNotTranscript(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	msg := &codec.Event{ID: "ev1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "hi", CreatedAt: 100, Tags: [][]string{{"h", "g1"}}}
	if err := svc.Append(context.Background(), msg, true); err != nil {
		t.Fatalf("Append message: %v", err)
	}
	reaction := &codec.Event{ID: "r1", PubKey: "bob", Kind: codec.KindReaction, Content: "👍", CreatedAt: 101, Tags: [][]string{{"e", "ev1"}}}
	if err := svc.Append(context.Background(), reaction, false); err != nil {
		t.Fatalf("Append reaction: %v", err)
	}

	entries, err := svc.List("g1", nil, nil, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("reaction must not produce its own transcript row, got %d entries", len(entries))
	}
	if len(entries[0].Reactions) != 1 || entries[0].Reactions[0].Content != "👍" {
		t.Fatalf("expected the reaction attached to its target, got %+v", entries[0].Reactions)
	}
}

func TestDeletionHidesButRetains(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	msg := &codec.Event{ID: "ev1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "oops", CreatedAt: 100, Tags: [][]string{{"h", "g1"}}}
	if err := svc.Append(context.Background(), msg, true); err != nil {
		t.Fatalf("Append message: %v", err)
	}
	del := &codec.Event{ID: "d1", PubKey: "alice", Kind: codec.KindDeletion, CreatedAt: 101, Tags: [][]string{{"e", "ev1"}}}
	if err := svc.Append(context.Background(), del, true); err != nil {
		t.Fatalf("Append deletion: %v", err)
	}

	entries, err := svc.List("g1", nil, nil, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected hidden entry excluded from list, got %d", len(entries))
	}
	found, err := svc.Find("ev1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if !found.IsHidden {
		t.Fatalf("expected entry retained and marked hidden")
	}
}

func TestDeletionByOtherAuthorIsIgnored(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	msg := &codec.Event{ID: "ev1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "hi", CreatedAt: 100, Tags: [][]string{{"h", "g1"}}}
	if err := svc.Append(context.Background(), msg, true); err != nil {
		t.Fatalf("Append message: %v", err)
	}
	del := &codec.Event{ID: "d1", PubKey: "mallory", Kind: codec.KindDeletion, CreatedAt: 101, Tags: [][]string{{"e", "ev1"}}}
	if err := svc.Append(context.Background(), del, false); err != nil {
		t.Fatalf("Append deletion: %v", err)
	}

	found, err := svc.Find("ev1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found.IsHidden {
		t.Fatalf("a deletion from a non-author must not hide the entry")
	}
}

func TestInvoicePaymentCrossMarking(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	invoice := &codec.Event{
		ID: "inv1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "pay me", CreatedAt: 100,
		Tags: [][]string{{"h", "g1"}, {"bolt11", "lnbc1...", "5000", "coffee"}},
	}
	if err := svc.Append(context.Background(), invoice, true); err != nil {
		t.Fatalf("Append invoice: %v", err)
	}

	payment := &codec.Event{
		ID: "pay1", PubKey: "bob", Kind: codec.KindApplicationChat, Content: "paid", CreatedAt: 101,
		Tags: [][]string{{"h", "g1"}, {"q", "inv1"}, {"preimage", "deadbeef"}},
	}
	if err := svc.Append(context.Background(), payment, false); err != nil {
		t.Fatalf("Append payment: %v", err)
	}

	invEntry, err := svc.Find("inv1")
	if err != nil {
		t.Fatalf("Find invoice: %v", err)
	}
	if invEntry.Invoice == nil || !invEntry.Invoice.IsPaid {
		t.Fatalf("expected invoice marked paid, got %+v", invEntry.Invoice)
	}
	if invEntry.Invoice.AmountSat != 5 {
		t.Fatalf("expected amount_sat = millisat/1000 = 5, got %d", invEntry.Invoice.AmountSat)
	}

	payEntry, err := svc.Find("pay1")
	if err != nil {
		t.Fatalf("Find payment: %v", err)
	}
	if payEntry.Payment == nil || !payEntry.Payment.IsPaid {
		t.Fatalf("expected payment marked paid, got %+v", payEntry.Payment)
	}
}

func TestPaymentWithoutInvoiceReplyStandsUnpaid(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	payment := &codec.Event{
		ID: "pay1", PubKey: "bob", Kind: codec.KindApplicationChat, Content: "paid", CreatedAt: 101,
		Tags: [][]string{{"h", "g1"}, {"preimage", "deadbeef"}},
	}
	if err := svc.Append(context.Background(), payment, false); err != nil {
		t.Fatalf("Append payment: %v", err)
	}

	entry, err := svc.Find("pay1")
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if entry.Payment == nil || entry.Payment.IsPaid {
		t.Fatalf("a payment with no invoice reply target must stand unpaid")
	}
}

func TestReactionsSummarySortedByCountThenCodepoint(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	msg := &codec.Event{ID: "ev1", PubKey: "alice", Kind: codec.KindApplicationChat, Content: "hi", CreatedAt: 100, Tags: [][]string{{"h", "g1"}}}
	if err := svc.Append(context.Background(), msg, true); err != nil {
		t.Fatalf("Append message: %v", err)
	}

	reactions := []struct {
		id, author, emoji string
	}{
		{"r1", "bob", "😀"},
		{"r2", "carol", "👍"},
		{"r3", "dave", "👍"},
		{"r4", "erin", "😀"},
		{"r5", "frank", "😀"},
	}
	for _, r := range reactions {
		ev := &codec.Event{ID: r.id, PubKey: r.author, Kind: codec.KindReaction, Content: r.emoji, CreatedAt: 102, Tags: [][]string{{"e", "ev1"}}}
		if err := svc.Append(context.Background(), ev, false); err != nil {
			t.Fatalf("Append reaction %s: %v", r.id, err)
		}
	}

	summary, err := svc.ReactionsSummary("ev1")
	if err != nil {
		t.Fatalf("ReactionsSummary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("expected 2 distinct emoji, got %d", len(summary))
	}
	if summary[0].Emoji != "😀" || summary[0].Count != 3 {
		t.Fatalf("expected 😀 x3 first, got %+v", summary[0])
	}
	if summary[1].Emoji != "👍" || summary[1].Count != 2 {
		t.Fatalf("expected 👍 x2 second, got %+v", summary[1])
	}
}

func TestOptimisticEntryReconciledByRealID(t *testing.T) {
	st := newFakeStore()
	svc := New(st)

	if err := svc.AppendOptimistic("g1", "alice", "sending...", 100, codec.KindApplicationChat); err != nil {
		t.Fatalf("AppendOptimistic: %v", err)
	}
	if _, err := svc.Find("temp"); err != nil {
		t.Fatalf("expected temp entry to exist: %v", err)
	}

	if err := svc.ReconcileTemp("ev-real"); err != nil {
		t.Fatalf("ReconcileTemp: %v", err)
	}
	if _, err := svc.Find("temp"); err == nil {
		t.Fatalf("expected temp entry to no longer exist after reconciliation")
	}
	real, err := svc.Find("ev-real")
	if err != nil {
		t.Fatalf("expected reconciled entry under its real id: %v", err)
	}
	if real.Content != "sending..." {
		t.Fatalf("reconciled entry lost its content")
	}
}
