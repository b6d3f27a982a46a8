package invite

import (
	"context"
	"testing"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
)

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeStore struct {
	rows map[string]store.InviteRow
}

func newFakeStore() *fakeStore { return &fakeStore{rows: map[string]store.InviteRow{}} }

func key(welcomeEventID, accountPubKey string) string { return welcomeEventID + "|" + accountPubKey }

func (f *fakeStore) UpsertInvite(inv store.InviteRow) error {
	f.rows[key(inv.WelcomeEventID, inv.AccountPubKey)] = inv
	return nil
}

func (f *fakeStore) GetInvite(welcomeEventID, accountPubKey string) (*store.InviteRow, error) {
	row, ok := f.rows[key(welcomeEventID, accountPubKey)]
	if !ok {
		return nil, fakeErr("not found")
	}
	return &row, nil
}

func (f *fakeStore) ListPendingInvites(accountPubKey string) ([]store.InviteRow, error) {
	var out []store.InviteRow
	for _, r := range f.rows {
		if r.AccountPubKey == accountPubKey && r.State == "pending" {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeEngine struct {
	group  *mlsengine.Group
	err    error
	calls  int
}

func (f *fakeEngine) ProcessWelcome(_ context.Context, _ string, _ *codec.Event) (*mlsengine.Group, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.group, nil
}

func TestRecordPendingThenAccept(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{group: &mlsengine.Group{NostrGroupID: "g1"}}
	bus := signals.New()
	svc := New(st, engine, bus)

	if err := svc.RecordPending("alice", "w1", "bob", GroupMeta{Name: "room", MemberCount: 2}); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	pending, err := svc.ListPending("alice")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].Meta.Name != "room" {
		t.Fatalf("expected one pending invite named 'room', got %+v", pending)
	}

	group, err := svc.Accept(context.Background(), "alice", "w1", &codec.Event{ID: "w1"})
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if group.NostrGroupID != "g1" {
		t.Fatalf("unexpected group returned from Accept")
	}

	pending, err = svc.ListPending("alice")
	if err != nil {
		t.Fatalf("ListPending after accept: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected no pending invites after accept, got %d", len(pending))
	}
}

func TestDeclineDoesNotTouchEngine(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{}
	bus := signals.New()
	svc := New(st, engine, bus)

	if err := svc.RecordPending("alice", "w1", "bob", GroupMeta{Name: "room"}); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	if err := svc.Decline("alice", "w1"); err != nil {
		t.Fatalf("Decline: %v", err)
	}
	if engine.calls != 0 {
		t.Fatalf("Decline must never call process_welcome, got %d calls", engine.calls)
	}

	row, err := st.GetInvite("w1", "alice")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if row.State != "declined" {
		t.Fatalf("expected state 'declined', got %q", row.State)
	}
}

func TestRecordPendingDoesNotRegressDecidedInvite(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{group: &mlsengine.Group{NostrGroupID: "g1"}}
	bus := signals.New()
	svc := New(st, engine, bus)

	if err := svc.RecordPending("alice", "w1", "bob", GroupMeta{Name: "room"}); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	if _, err := svc.Accept(context.Background(), "alice", "w1", &codec.Event{ID: "w1"}); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// A redelivered welcome must not regress the invite back to pending.
	if err := svc.RecordPending("alice", "w1", "bob", GroupMeta{Name: "room"}); err != nil {
		t.Fatalf("second RecordPending: %v", err)
	}
	row, err := st.GetInvite("w1", "alice")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if row.State != "accepted" {
		t.Fatalf("expected state to remain 'accepted', got %q", row.State)
	}
}

func TestAcceptSurfacesEngineFailure(t *testing.T) {
	st := newFakeStore()
	engine := &fakeEngine{err: fakeErr("decrypt failed")}
	bus := signals.New()
	svc := New(st, engine, bus)

	if err := svc.RecordPending("alice", "w1", "bob", GroupMeta{Name: "room"}); err != nil {
		t.Fatalf("RecordPending: %v", err)
	}
	if _, err := svc.Accept(context.Background(), "alice", "w1", &codec.Event{ID: "w1"}); err == nil {
		t.Fatalf("expected Accept to surface the engine's failure")
	}

	row, err := st.GetInvite("w1", "alice")
	if err != nil {
		t.Fatalf("GetInvite: %v", err)
	}
	if row.State != "pending" {
		t.Fatalf("a failed accept must leave the invite pending, got %q", row.State)
	}
}
