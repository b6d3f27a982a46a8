package inbox

import (
	"context"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/invite"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/relaypool"
	"github.com/nostrmls/core/internal/signals"
)

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakeStore struct {
	seen map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{seen: map[string]bool{}} }

func (f *fakeStore) HasSeen(accountPubKey, eventID string) (bool, error) {
	return f.seen[accountPubKey+"|"+eventID], nil
}

func (f *fakeStore) MarkSeen(accountPubKey, eventID string, seenAt int64) (bool, error) {
	already := f.seen[accountPubKey+"|"+eventID]
	f.seen[accountPubKey+"|"+eventID] = true
	return !already, nil
}

type fakeEngine struct {
	groups        map[string]mlsengine.Group // nostrGroupID -> group
	previews      map[string]mlsengine.WelcomePreview
	incomingCalls int
	incomingErr   error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{groups: map[string]mlsengine.Group{}, previews: map[string]mlsengine.WelcomePreview{}}
}

func (f *fakeEngine) ProcessIncoming(_ context.Context, _ string, _ *codec.Event) error {
	f.incomingCalls++
	return f.incomingErr
}

func (f *fakeEngine) PeekWelcome(_ string, ev *codec.Event) (mlsengine.WelcomePreview, error) {
	p, ok := f.previews[ev.ID]
	if !ok {
		return mlsengine.WelcomePreview{}, fakeErr("no preview registered")
	}
	return p, nil
}

func (f *fakeEngine) GetGroup(nostrGroupID string) (*mlsengine.Group, error) {
	g, ok := f.groups[nostrGroupID]
	if !ok {
		return nil, fakeErr("group not found")
	}
	return &g, nil
}

func (f *fakeEngine) ListGroups(_ string) ([]mlsengine.Group, error) {
	out := make([]mlsengine.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

type fakeInvites struct {
	pendingCalls int
	acceptCalls  int
	acceptErr    error
	lastMeta     invite.GroupMeta
}

func (f *fakeInvites) RecordPending(_, _, _ string, meta invite.GroupMeta) error {
	f.pendingCalls++
	f.lastMeta = meta
	return nil
}

func (f *fakeInvites) Accept(_ context.Context, _, _ string, _ *codec.Event) (*mlsengine.Group, error) {
	f.acceptCalls++
	if f.acceptErr != nil {
		return nil, f.acceptErr
	}
	return &mlsengine.Group{NostrGroupID: "g1"}, nil
}

type fakeTranscript struct {
	appended []*codec.Event
}

func (f *fakeTranscript) Append(_ context.Context, ev *codec.Event, _ bool) error {
	f.appended = append(f.appended, ev)
	return nil
}

type fakeSignals struct {
	emitted []signals.Name
}

func (f *fakeSignals) Emit(name signals.Name, _ interface{}) {
	f.emitted = append(f.emitted, name)
}

func signedEvent(t *testing.T, kind int, tags [][]string, content string) (*codec.Event, string) {
	t.Helper()
	sec := gonostr.GeneratePrivateKey()
	ev := &codec.Event{CreatedAt: time.Now().Unix(), Kind: kind, Tags: tags, Content: content}
	if err := codec.Sign(ev, sec); err != nil {
		t.Fatalf("sign: %v", err)
	}
	return ev, sec
}

func TestDispatchGroupMessageRoutesToEngine(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindGroupMessage, [][]string{{"h", "g1"}}, "ciphertext")
	svc.dispatch(context.Background(), "alice", ev)

	if engine.incomingCalls != 1 {
		t.Fatalf("expected ProcessIncoming called once, got %d", engine.incomingCalls)
	}
	seen, _ := st.HasSeen("alice", ev.ID)
	if !seen {
		t.Fatalf("expected event marked seen after dispatch")
	}
	if len(sig.emitted) != 2 || sig.emitted[0] != signals.MLSMessageReceived || sig.emitted[1] != signals.MLSMessageProcessed {
		t.Fatalf("expected received-then-processed signals, got %v", sig.emitted)
	}
}

func TestDispatchGroupMessageSkipsProcessedSignalOnEngineFailure(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	engine.incomingErr = fakeErr("decrypt failed")
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindGroupMessage, [][]string{{"h", "g1"}}, "ciphertext")
	svc.dispatch(context.Background(), "alice", ev)

	if len(sig.emitted) != 1 || sig.emitted[0] != signals.MLSMessageReceived {
		t.Fatalf("expected only the received signal on engine failure, got %v", sig.emitted)
	}
}

func TestDispatchDropsAlreadySeenEvent(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindGroupMessage, [][]string{{"h", "g1"}}, "ciphertext")
	svc.dispatch(context.Background(), "alice", ev)
	svc.dispatch(context.Background(), "alice", ev)

	if engine.incomingCalls != 1 {
		t.Fatalf("expected dedup to prevent a second dispatch, got %d calls", engine.incomingCalls)
	}
}

func TestDispatchRejectsInvalidSignature(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindGroupMessage, [][]string{{"h", "g1"}}, "ciphertext")
	ev.Content = "tampered"
	svc.dispatch(context.Background(), "alice", ev)

	if engine.incomingCalls != 0 {
		t.Fatalf("expected tampered event to be rejected before dispatch")
	}
}

func TestDispatchWelcomeRecordsPendingForUnjoinedGroup(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindWelcome, [][]string{{"p", "alice"}}, "encrypted-payload")
	engine.previews[ev.ID] = mlsengine.WelcomePreview{
		NostrGroupID: "new-group", Name: "room", MemberCount: 3, InviterPubKey: ev.PubKey,
	}

	svc.dispatch(context.Background(), "alice", ev)

	if invites.pendingCalls != 1 {
		t.Fatalf("expected RecordPending called once, got %d", invites.pendingCalls)
	}
	if invites.acceptCalls != 0 {
		t.Fatalf("expected Accept not called for an unjoined group")
	}
	if invites.lastMeta.Name != "room" || invites.lastMeta.MemberCount != 3 {
		t.Fatalf("unexpected meta recorded: %+v", invites.lastMeta)
	}
}

func TestDispatchWelcomeAutoAcceptsForJoinedGroup(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	engine.groups["existing-group"] = mlsengine.Group{NostrGroupID: "existing-group"}
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindWelcome, [][]string{{"p", "alice"}}, "encrypted-payload")
	engine.previews[ev.ID] = mlsengine.WelcomePreview{NostrGroupID: "existing-group", Name: "room"}

	svc.dispatch(context.Background(), "alice", ev)

	if invites.acceptCalls != 1 {
		t.Fatalf("expected auto-accept for an already-joined group, got %d calls", invites.acceptCalls)
	}
	if invites.pendingCalls != 0 {
		t.Fatalf("expected no pending invite recorded for an already-joined group")
	}
}

func TestDispatchLegacyDMAppendsReadOnly(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	ev, _ := signedEvent(t, codec.KindLegacyDM, [][]string{{"p", "alice"}}, "legacy-ciphertext")
	svc.dispatch(context.Background(), "alice", ev)

	if len(transcript.appended) != 1 {
		t.Fatalf("expected legacy DM filed to transcript, got %d", len(transcript.appended))
	}
	if engine.incomingCalls != 0 {
		t.Fatalf("legacy DM must never reach the MLS engine")
	}
}

func TestFiltersScopeApplicationTrafficByJoinedGroups(t *testing.T) {
	st := newFakeStore()
	engine := newFakeEngine()
	engine.groups["g1"] = mlsengine.Group{NostrGroupID: "g1"}
	engine.groups["g2"] = mlsengine.Group{NostrGroupID: "g2"}
	invites := &fakeInvites{}
	transcript := &fakeTranscript{}
	sig := &fakeSignals{}
	svc := New(DefaultConfig(), st, engine, invites, transcript, sig)

	filters := svc.Filters("alice")()
	var foundAppFilter bool
	for _, f := range filters {
		if len(f.Kinds) == 1 && f.Kinds[0] == codec.KindGroupMessage {
			foundAppFilter = true
			hs := f.Tags["h"]
			if len(hs) != 2 {
				t.Fatalf("expected h-tag scope to include both joined groups, got %v", hs)
			}
		}
	}
	if !foundAppFilter {
		t.Fatalf("expected an application-message filter scoped by joined groups")
	}
}

var _ relaypool.FilterFunc // sanity: Filters returns a value assignable to this type
