package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/signals"
)

// fakeCommand implements Command by hand, in the same fakeable-leaf-package
// idiom as every other component's tests — no real store/engine/pool
// behind it.
type fakeCommand struct {
	accounts     map[string]Account
	loginErr     error
	groups       map[string]Group
	createErr    error
	deleteMsgErr error
}

func newFakeCommand() *fakeCommand {
	return &fakeCommand{accounts: map[string]Account{}, groups: map[string]Group{}}
}

func (f *fakeCommand) CreateIdentity(name string) (Account, error) {
	acct := Account{PubKey: "pk-" + name, DisplayName: name, IsActive: false}
	f.accounts[acct.PubKey] = acct
	return acct, nil
}

func (f *fakeCommand) Login(nsecOrHex string) (Account, error) {
	if f.loginErr != nil {
		return Account{}, f.loginErr
	}
	acct := Account{PubKey: nsecOrHex, IsActive: true}
	f.accounts[acct.PubKey] = acct
	return acct, nil
}

func (f *fakeCommand) Logout(pubkey string) error { return nil }

func (f *fakeCommand) SetActiveAccount(pubkey string) (Account, error) {
	acct, ok := f.accounts[pubkey]
	if !ok {
		return Account{}, coreerr.New(coreerr.NoAccount, "unknown: "+pubkey)
	}
	acct.IsActive = true
	return acct, nil
}

func (f *fakeCommand) GetAccounts() ([]Account, error) {
	out := make([]Account, 0, len(f.accounts))
	for _, a := range f.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (f *fakeCommand) FetchRelays(pubkey string) map[string]string { return map[string]string{} }

func (f *fakeCommand) PublishRelayList(ctx context.Context, pubkey string, kind int, entries []RelayEntry) error {
	return nil
}

func (f *fakeCommand) PublishKeyPackage(ctx context.Context, pubkey string) (string, error) {
	return "evt-1", nil
}

func (f *fakeCommand) DeleteKeyPackages(ctx context.Context, pubkey string) error { return nil }

func (f *fakeCommand) ParseKeyPackage(hexEncoded string) (KeyPackageView, error) {
	return KeyPackageView{Ciphersuite: 1, SigPubHex: "ab", InitPubHex: "cd"}, nil
}

func (f *fakeCommand) FetchEnrichedContacts(ctx context.Context, pubkey string) (map[string]Contact, error) {
	return map[string]Contact{}, nil
}

func (f *fakeCommand) QueryEnrichedContact(ctx context.Context, pubkey, contactPubKey string, updateAccount bool) Contact {
	return Contact{PubKey: contactPubKey}
}

func (f *fakeCommand) SearchForEnrichedContacts(pubkey, query string) map[string]Contact {
	return map[string]Contact{}
}

func (f *fakeCommand) CreateGroup(ctx context.Context, creatorPubKey string, memberPubKeys, adminPubKeys []string, name, description string) (*Group, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	g := Group{NostrGroupID: "g1", Name: name, Members: memberPubKeys, Admins: adminPubKeys}
	f.groups[g.NostrGroupID] = g
	return &g, nil
}

func (f *fakeCommand) GetGroups(accountPubKey string) ([]Group, error) {
	out := make([]Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out, nil
}

func (f *fakeCommand) GetGroup(nostrGroupID string) (GroupWithRelays, error) {
	g, ok := f.groups[nostrGroupID]
	if !ok {
		return GroupWithRelays{}, coreerr.New(coreerr.GroupNotFound, "no such group")
	}
	return GroupWithRelays{Group: g}, nil
}

func (f *fakeCommand) GetGroupAndMessages(nostrGroupID string, since, until *int64, limit int) (*Group, []Entry, error) {
	g, ok := f.groups[nostrGroupID]
	if !ok {
		return nil, nil, coreerr.New(coreerr.GroupNotFound, "no such group")
	}
	return &g, []Entry{{EventID: "e1", GroupID: nostrGroupID, Author: "alice", Content: "hi"}}, nil
}

func (f *fakeCommand) GetGroupMembers(nostrGroupID string) ([]string, error) {
	return f.groups[nostrGroupID].Members, nil
}

func (f *fakeCommand) GetGroupAdmins(nostrGroupID string) ([]string, error) {
	return f.groups[nostrGroupID].Admins, nil
}

func (f *fakeCommand) SendMlsMessage(ctx context.Context, accountPubKey, nostrGroupID, message string, kind int, tags [][]string) (*Event, error) {
	return &Event{ID: "e2", PubKey: accountPubKey, Content: message, Kind: codec.KindApplicationChat}, nil
}

func (f *fakeCommand) PayInvoice(ctx context.Context, accountPubKey, nostrGroupID string, tags [][]string, bolt11 string) (*Event, error) {
	return &Event{ID: "e3", PubKey: accountPubKey}, nil
}

func (f *fakeCommand) DeleteMessage(ctx context.Context, accountPubKey, nostrGroupID, messageID string) (*Event, error) {
	if f.deleteMsgErr != nil {
		return nil, f.deleteMsgErr
	}
	return &Event{ID: "e4", PubKey: accountPubKey, Kind: codec.KindDeletion}, nil
}

func (f *fakeCommand) QueryMessage(eventID string) (*Entry, error) {
	if eventID == "missing" {
		return nil, nil
	}
	return &Entry{EventID: eventID}, nil
}

func (f *fakeCommand) FetchInvitesForUser(pubkey string) ([]Invite, error) { return nil, nil }

func (f *fakeCommand) AcceptInvite(ctx context.Context, accountPubKey, welcomeEventID string, welcomeEvent *Event) (*Group, error) {
	g := Group{NostrGroupID: "g1"}
	return &g, nil
}

func (f *fakeCommand) DeclineInvite(accountPubKey, welcomeEventID string) error { return nil }

func (f *fakeCommand) FetchAndProcessMLSMessages(accountPubKey string) {}

func (f *fakeCommand) UpdateAccountOnboarding(pubkey string, flags Onboarding) error {
	if _, ok := f.accounts[pubkey]; !ok {
		return coreerr.New(coreerr.NoAccount, "unknown: "+pubkey)
	}
	return nil
}

func (f *fakeCommand) DeleteData(pubkey string) error { return nil }

type fakeSignalsBus struct{}

func (fakeSignalsBus) Recent() []signals.Signal { return []signals.Signal{{Name: signals.NostrReady}} }

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode request body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	return rec
}

func TestCreateIdentityReturnsCreatedAccount(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodPost, "/api/identity/create", map[string]string{"name": "alice"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var got accountResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.PubKey != "pk-alice" || got.DisplayName != "alice" {
		t.Fatalf("unexpected response: %+v", got)
	}
}

func TestSetActiveAccountMapsNoAccountTo404(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodPost, "/api/identity/activate", map[string]string{"pubkey": "does-not-exist"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for NoAccount, got %d: %s", rec.Code, rec.Body.String())
	}
	var body errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Kind != string(coreerr.NoAccount) {
		t.Fatalf("expected NoAccount kind, got %q", body.Kind)
	}
}

func TestDeleteMessageMapsNotAuthorTo403(t *testing.T) {
	cmd := newFakeCommand()
	cmd.deleteMsgErr = coreerr.New(coreerr.NotAuthor, "not the author")
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodPost, "/api/messages/delete", map[string]string{
		"account_pubkey": "alice", "group_id": "g1", "message_id": "m1",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestQueryMessageReturnsNoContentForMissingEntry(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodGet, "/api/messages/missing", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestCreateGroupThenGetGroupRoundTrips(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodPost, "/api/groups/", map[string]interface{}{
		"creator_pubkey": "alice", "member_pubkeys": []string{"bob"}, "name": "room",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/groups/g1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got groupResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.Name != "room" {
		t.Fatalf("unexpected group: %+v", got)
	}
}

func TestGetGroupUnknownMapsGroupNotFoundTo404(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodGet, "/api/groups/no-such-group", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestSignalsSnapshotReturnsRecentHistory(t *testing.T) {
	cmd := newFakeCommand()
	srv := New(cmd, fakeSignalsBus{})

	rec := doRequest(t, srv, http.MethodGet, "/api/signals", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got []struct {
		Name string `json:"Name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(got) != 1 || got[0].Name != string(signals.NostrReady) {
		t.Fatalf("unexpected signals snapshot: %+v", got)
	}
}
