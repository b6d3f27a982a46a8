package mlsengine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/keypackage"
	"github.com/nostrmls/core/internal/store"
)

// ─── fakes ───────────────────────────────────────────────────────────────

type fakeSealer struct{ key [32]byte }

func newFakeSealer() *fakeSealer {
	var k [32]byte
	_, _ = rand.Read(k[:])
	return &fakeSealer{key: k}
}

func (f *fakeSealer) Seal(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(f.key[:])
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	_, _ = rand.Read(nonce)
	return hex.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func (f *fakeSealer) Open(wrapped string) ([]byte, error) {
	raw, err := hex.DecodeString(wrapped)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(f.key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

type fakeSigner struct{ secrets map[string]string }

func newFakeSigner() *fakeSigner { return &fakeSigner{secrets: map[string]string{}} }

func (f *fakeSigner) register(secHex string) string {
	pub, _ := gonostr.GetPublicKey(secHex)
	f.secrets[pub] = secHex
	return pub
}

func (f *fakeSigner) SignWith(pubkey string, fn func(secretKeyHex string) error) error {
	sec, ok := f.secrets[pubkey]
	if !ok {
		return fakeErr("unknown account " + pubkey)
	}
	return fn(sec)
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

type fakePublisher struct {
	published []*codec.Event
	failNext  bool
}

func (f *fakePublisher) Publish(_ context.Context, ev *codec.Event) error {
	if f.failNext {
		f.failNext = false
		return fakeErr("publish failed")
	}
	f.published = append(f.published, ev)
	return nil
}

type fakeTranscript struct {
	appended []*codec.Event
}

func (f *fakeTranscript) Append(_ context.Context, ev *codec.Event, isMine bool) error {
	f.appended = append(f.appended, ev)
	return nil
}

type fakeStore struct {
	groupsByMLS   map[string]store.GroupRow
	groupsByNostr map[string]string // nostrGroupID -> mlsGroupID
	epochState    map[string][]byte // mlsGroupID|epoch -> blob
	ledger        map[string]store.LedgerRow
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		groupsByMLS:   map[string]store.GroupRow{},
		groupsByNostr: map[string]string{},
		epochState:    map[string][]byte{},
		ledger:        map[string]store.LedgerRow{},
	}
}

func epochKey(mlsGroupID string, epoch uint64) string {
	return fmt.Sprintf("%s|%d", mlsGroupID, epoch)
}

func (f *fakeStore) UpsertGroup(g store.GroupRow) error {
	f.groupsByMLS[g.MLSGroupID] = g
	f.groupsByNostr[g.NostrGroupID] = g.MLSGroupID
	return nil
}

func (f *fakeStore) GetGroup(mlsGroupID string) (*store.GroupRow, error) {
	g, ok := f.groupsByMLS[mlsGroupID]
	if !ok {
		return nil, fakeErr("group not found")
	}
	return &g, nil
}

func (f *fakeStore) GetGroupByNostrID(nostrGroupID string) (*store.GroupRow, error) {
	mlsID, ok := f.groupsByNostr[nostrGroupID]
	if !ok {
		return nil, fakeErr("group not found")
	}
	return f.GetGroup(mlsID)
}

func (f *fakeStore) ListGroups(accountPubKey string) ([]store.GroupRow, error) {
	var out []store.GroupRow
	for _, g := range f.groupsByMLS {
		if g.AccountPubKey == accountPubKey {
			out = append(out, g)
		}
	}
	return out, nil
}

func (f *fakeStore) PutEpochState(mlsGroupID string, epoch uint64, blob []byte) error {
	f.epochState[epochKey(mlsGroupID, epoch)] = blob
	return nil
}

func (f *fakeStore) GetEpochState(mlsGroupID string, epoch uint64) ([]byte, error) {
	b, ok := f.epochState[epochKey(mlsGroupID, epoch)]
	if !ok {
		return nil, fakeErr("epoch state not found")
	}
	return b, nil
}

func (f *fakeStore) GetLedgerEntry(welcomeEventID, accountPubKey string) (*store.LedgerRow, error) {
	l, ok := f.ledger[welcomeEventID+"|"+accountPubKey]
	if !ok {
		return nil, fakeErr("not found")
	}
	return &l, nil
}

func (f *fakeStore) WriteLedgerEntry(l store.LedgerRow) error {
	key := l.WelcomeEventID + "|" + l.AccountPubKey
	if _, exists := f.ledger[key]; !exists {
		f.ledger[key] = l
	}
	return nil
}

type fakeKeyPackages struct {
	secrets  map[string]keypackage.Secrets
	consumed map[string]bool
}

func newFakeKeyPackages() *fakeKeyPackages {
	return &fakeKeyPackages{secrets: map[string]keypackage.Secrets{}, consumed: map[string]bool{}}
}

func (f *fakeKeyPackages) Consume(eventID string) error {
	if f.consumed[eventID] {
		return fakeErr("already consumed")
	}
	f.consumed[eventID] = true
	return nil
}

func (f *fakeKeyPackages) Secrets(eventID string) (keypackage.Secrets, error) {
	s, ok := f.secrets[eventID]
	if !ok {
		return keypackage.Secrets{}, fakeErr("no secrets for " + eventID)
	}
	return s, nil
}

// buildKeyPackageEvent mints a fresh kind-443 event for pubkey, registering
// its private material in kp so a later ProcessWelcome can load it.
func buildKeyPackageEvent(t *testing.T, kp *fakeKeyPackages, secHex string) *codec.Event {
	t.Helper()
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate sig key: %v", err)
	}
	initPriv := make([]byte, 32)
	_, _ = rand.Read(initPriv)
	initPubSum := sha256.Sum256(initPriv)

	data := keypackage.Data{
		Ciphersuite: keypackage.CiphersuiteEd25519X25519AESGCMSHA256,
		SigPub:      sigPub,
		InitPub:     initPubSum[:],
	}
	content, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal key package data: %v", err)
	}

	ev := &codec.Event{CreatedAt: time.Now().Unix(), Kind: codec.KindKeyPackage, Content: string(content)}
	if err := codec.Sign(ev, secHex); err != nil {
		t.Fatalf("sign key package: %v", err)
	}

	kp.secrets[ev.ID] = keypackage.Secrets{SigPriv: sigPriv, InitPriv: initPriv}
	return ev
}

// ─── test setup ──────────────────────────────────────────────────────────

type harness struct {
	engine     *Engine
	st         *fakeStore
	signer     *fakeSigner
	pub        *fakePublisher
	transcript *fakeTranscript
	kp         *fakeKeyPackages
	creator    string
	invitee    string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	signer := newFakeSigner()
	creatorSec := gonostr.GeneratePrivateKey()
	inviteeSec := gonostr.GeneratePrivateKey()
	creator := signer.register(creatorSec)
	invitee := signer.register(inviteeSec)

	st := newFakeStore()
	pub := &fakePublisher{}
	tr := &fakeTranscript{}
	kp := newFakeKeyPackages()

	engine := New(Config{}, st, newFakeSealer(), signer, pub, tr, kp)
	return &harness{engine: engine, st: st, signer: signer, pub: pub, transcript: tr, kp: kp, creator: creator, invitee: invitee}
}

func (h *harness) fetch(t *testing.T) KeyPackageFetcher {
	return func(_ context.Context, pubkey string) (*codec.Event, string, error) {
		sec := h.signer.secrets[pubkey]
		ev := buildKeyPackageEvent(t, h.kp, sec)
		return ev, ev.ID, nil
	}
}

// ─── tests ───────────────────────────────────────────────────────────────

func TestCreateGroupAndProcessWelcome(t *testing.T) {
	h := newHarness(t)

	group, welcomes, err := h.engine.CreateGroup(context.Background(), h.creator, []string{h.invitee}, []string{h.creator}, "room", "desc", h.fetch(t))
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if len(welcomes) != 1 {
		t.Fatalf("expected one welcome, got %d", len(welcomes))
	}
	if group.Epoch != 1 {
		t.Fatalf("expected epoch 1 after create, got %d", group.Epoch)
	}

	joined, err := h.engine.ProcessWelcome(context.Background(), h.invitee, welcomes[0].Event)
	if err != nil {
		t.Fatalf("ProcessWelcome: %v", err)
	}
	if joined.NostrGroupID != group.NostrGroupID {
		t.Fatalf("invitee joined a different group: %s vs %s", joined.NostrGroupID, group.NostrGroupID)
	}

	// Re-processing the same welcome must return the cached outcome, not reapply.
	again, err := h.engine.ProcessWelcome(context.Background(), h.invitee, welcomes[0].Event)
	if err != nil {
		t.Fatalf("second ProcessWelcome: %v", err)
	}
	if again.NostrGroupID != joined.NostrGroupID {
		t.Fatalf("replayed welcome produced a different group view")
	}
}

func TestSendApplicationAndProcessIncoming(t *testing.T) {
	h := newHarness(t)

	group, welcomes, err := h.engine.CreateGroup(context.Background(), h.creator, []string{h.invitee}, []string{h.creator}, "room", "desc", h.fetch(t))
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := h.engine.ProcessWelcome(context.Background(), h.invitee, welcomes[0].Event); err != nil {
		t.Fatalf("ProcessWelcome: %v", err)
	}

	ev, err := h.engine.SendApplication(context.Background(), h.creator, group.NostrGroupID, codec.KindApplicationChat, nil, "hello")
	if err != nil {
		t.Fatalf("SendApplication: %v", err)
	}

	if err := h.engine.ProcessIncoming(context.Background(), h.invitee, ev); err != nil {
		t.Fatalf("ProcessIncoming: %v", err)
	}
	if len(h.transcript.appended) != 1 {
		t.Fatalf("expected one transcript append, got %d", len(h.transcript.appended))
	}
	if h.transcript.appended[0].Content != "hello" {
		t.Fatalf("expected decrypted content %q, got %q", "hello", h.transcript.appended[0].Content)
	}
}

func TestAddMemberRollsBackOnPublishFailure(t *testing.T) {
	h := newHarness(t)

	group, _, err := h.engine.CreateGroup(context.Background(), h.creator, nil, []string{h.creator}, "solo", "", h.fetch(t))
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	beforeEpoch := group.Epoch

	thirdSec := gonostr.GeneratePrivateKey()
	third := h.signer.register(thirdSec)

	h.pub.failNext = true
	if _, _, err := h.engine.AddMember(context.Background(), h.creator, group.NostrGroupID, third, h.fetch(t)); err == nil {
		t.Fatalf("expected AddMember to fail when publish fails")
	}

	got, err := h.engine.GetGroup(group.NostrGroupID)
	if err != nil {
		t.Fatalf("GetGroup: %v", err)
	}
	if got.Epoch != beforeEpoch {
		t.Fatalf("epoch advanced despite rolled-back commit: got %d want %d", got.Epoch, beforeEpoch)
	}

	updated, _, err := h.engine.AddMember(context.Background(), h.creator, group.NostrGroupID, third, h.fetch(t))
	if err != nil {
		t.Fatalf("AddMember retry: %v", err)
	}
	if updated.Epoch != beforeEpoch+1 {
		t.Fatalf("expected epoch to advance by one on successful add, got %d", updated.Epoch)
	}
}

func TestRemoveMemberAdvancesEpochAndDeactivates(t *testing.T) {
	h := newHarness(t)

	group, welcomes, err := h.engine.CreateGroup(context.Background(), h.creator, []string{h.invitee}, []string{h.creator}, "room", "", h.fetch(t))
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if _, err := h.engine.ProcessWelcome(context.Background(), h.invitee, welcomes[0].Event); err != nil {
		t.Fatalf("ProcessWelcome: %v", err)
	}

	updated, err := h.engine.RemoveMember(context.Background(), h.creator, group.NostrGroupID, h.invitee)
	if err != nil {
		t.Fatalf("RemoveMember: %v", err)
	}
	if updated.Epoch != group.Epoch+1 {
		t.Fatalf("expected epoch to advance after remove")
	}
	for _, m := range updated.Members {
		if m == h.invitee {
			t.Fatalf("removed member still listed active")
		}
	}
}
