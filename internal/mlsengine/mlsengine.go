// Package mlsengine owns all MLS group state (C5): group creation,
// application message encryption/decryption, welcome processing, and
// membership changes. Grounded on the simplified Ed25519+X25519-like MLS
// semantics in other_examples/f3aea00d_germtb-mlsgit__internal-mls-group.go.go
// (groupState, advanceEpoch, AddMember/RemoveMember/ApplyCommit), extended
// with per-group serialization, out-of-epoch buffering, Forked terminal
// state, and welcome wrapping via the teacher's own nip04 shared-secret
// pattern (internal/nostr/signer.go's CreateDMToSelf).
package mlsengine

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr/nip04"
	"golang.org/x/crypto/hkdf"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/keypackage"
	"github.com/nostrmls/core/internal/store"
)

// GroupType distinguishes a two-member group from a general group, per §4.5.
type GroupType string

const (
	DirectMessage GroupType = "direct_message"
	GroupChat     GroupType = "group"
)

// LifecycleState is a group's position in the §4.9 state machine:
// Creating -> Active <-> EpochBuffered -> Active -> Leaving -> Closed,
// with the exceptional terminal Forked.
type LifecycleState string

const (
	Creating      LifecycleState = "creating"
	Active        LifecycleState = "active"
	EpochBuffered LifecycleState = "epoch_buffered"
	Leaving       LifecycleState = "leaving"
	Closed        LifecycleState = "closed"
	Forked        LifecycleState = "forked"
)

// Group is the public view of an MLS group.
type Group struct {
	MLSGroupID   string
	NostrGroupID string
	Name         string
	Description  string
	Type         GroupType
	Admins       []string
	Members      []string
	Epoch        uint64
	State        LifecycleState
	Relays       []string
}

// Welcome is a signed kind-444 event addressed to one invitee.
type Welcome struct {
	InviteePubKey string
	Event         *codec.Event
}

// memberEntry mirrors the reference groupState's per-member record, keyed
// additionally by the member's Nostr identity pubkey.
type memberEntry struct {
	PubKey  string `json:"pubkey"`
	SigPub  []byte `json:"sig_pub"`
	InitPub []byte `json:"init_pub"`
	Active  bool   `json:"active"`
}

// engineState is the full internal MLS state for one group, sealed and
// persisted as an opaque blob per (group, epoch) via C10.
type engineState struct {
	MLSGroupID     string             `json:"mls_group_id"`
	NostrGroupID   string             `json:"nostr_group_id"`
	Name           string             `json:"name"`
	Description    string             `json:"description"`
	Type           GroupType          `json:"type"`
	Admins         []string           `json:"admins"`
	Relays         []string           `json:"relays"`
	Epoch          uint64             `json:"epoch"`
	EpochSecret    []byte             `json:"epoch_secret"`
	Members        []memberEntry      `json:"members"`
	OwnLeafIndex   int                `json:"own_leaf_index"`
	OwnSigPriv     ed25519.PrivateKey `json:"own_sig_priv"`
	Lifecycle      LifecycleState     `json:"lifecycle"`
}

func (s *engineState) toGroup() *Group {
	var members, admins []string
	for _, m := range s.Members {
		if m.Active {
			members = append(members, m.PubKey)
		}
	}
	admins = append(admins, s.Admins...)
	typ := DirectMessage
	if len(members) > 2 {
		typ = GroupChat
	}
	if s.Type != "" {
		typ = s.Type
	}
	return &Group{
		MLSGroupID:   s.MLSGroupID,
		NostrGroupID: s.NostrGroupID,
		Name:         s.Name,
		Description:  s.Description,
		Type:         typ,
		Admins:       admins,
		Members:      members,
		Epoch:        s.Epoch,
		State:        s.Lifecycle,
		Relays:       s.Relays,
	}
}

// clone deep-copies the slice fields so a caller can safely mutate the
// original and restore this snapshot on failure. A shallow `preCommit := *s`
// would share backing arrays with s: an in-place element mutation (e.g.
// deactivating a member) corrupts the snapshot too, defeating rollback.
func (s *engineState) clone() engineState {
	cp := *s
	cp.Admins = append([]string(nil), s.Admins...)
	cp.Relays = append([]string(nil), s.Relays...)
	cp.EpochSecret = append([]byte(nil), s.EpochSecret...)
	cp.Members = make([]memberEntry, len(s.Members))
	for i, m := range s.Members {
		cp.Members[i] = memberEntry{
			PubKey:  m.PubKey,
			SigPub:  append([]byte(nil), m.SigPub...),
			InitPub: append([]byte(nil), m.InitPub...),
			Active:  m.Active,
		}
	}
	return cp
}

// advanceEpoch derives the next epoch secret via HKDF, matching the
// reference implementation's advanceEpoch exactly.
func (s *engineState) advanceEpoch() {
	epochBytes := make([]byte, 8)
	binary.BigEndian.PutUint64(epochBytes, s.Epoch)
	r := hkdf.New(sha256.New, s.EpochSecret, epochBytes, []byte("nostrmls-epoch-advance"))
	newSecret := make([]byte, 32)
	if _, err := hkdfReadFull(r, newSecret); err != nil {
		panic(fmt.Sprintf("mlsengine: hkdf advance: %v", err))
	}
	s.EpochSecret = newSecret
	s.Epoch++
}

// applicationKey derives the symmetric key application messages in the
// current epoch are encrypted under (the "exporter secret" of §4.5).
func (s *engineState) applicationKey() []byte {
	r := hkdf.New(sha256.New, s.EpochSecret, nil, []byte("nostrmls-application-key"))
	key := make([]byte, 32)
	if _, err := hkdfReadFull(r, key); err != nil {
		panic(fmt.Sprintf("mlsengine: hkdf export: %v", err))
	}
	return key
}

func hkdfReadFull(r interface{ Read([]byte) (int, error) }, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			return total, fmt.Errorf("hkdf: short read")
		}
	}
	return total, nil
}

// Sealer matches internal/identity.Manager's at-rest encryption methods.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(wrapped string) ([]byte, error)
}

// Signer hands a callback the account's raw secp256k1 secret key for the
// duration of one call, matching internal/identity.Manager.SignWith.
type Signer interface {
	SignWith(pubkey string, fn func(secretKeyHex string) error) error
}

// Publisher matches internal/relaypool.Pool.Publish.
type Publisher interface {
	Publish(ctx context.Context, ev *codec.Event) error
}

// Transcript is the append surface the MLS engine feeds decrypted
// application messages into (C7), kept as a narrow interface so mlsengine
// does not depend on the transcript package's concrete type.
type Transcript interface {
	Append(ctx context.Context, ev *codec.Event, isMine bool) error
}

// Store is the subset of *store.Store the engine needs.
type Store interface {
	UpsertGroup(store.GroupRow) error
	GetGroup(mlsGroupID string) (*store.GroupRow, error)
	GetGroupByNostrID(nostrGroupID string) (*store.GroupRow, error)
	ListGroups(accountPubKey string) ([]store.GroupRow, error)
	PutEpochState(mlsGroupID string, epoch uint64, blob []byte) error
	GetEpochState(mlsGroupID string, epoch uint64) ([]byte, error)
	GetLedgerEntry(welcomeEventID, accountPubKey string) (*store.LedgerRow, error)
	WriteLedgerEntry(store.LedgerRow) error
}

// KeyPackages is the subset of *keypackage.Service the engine needs:
// consuming a key package and reading back sealed private material.
type KeyPackages interface {
	Consume(eventID string) error
	Secrets(eventID string) (keypackage.Secrets, error)
}

// KeyPackageFetcher fetches a member's current kind-443 key-package event,
// typically over the relay pool; injected so the engine stays decoupled
// from C2/C6.
type KeyPackageFetcher func(ctx context.Context, pubkey string) (*codec.Event, string, error)

const defaultBufferWindow = 64

// Config bundles engine tunables.
type Config struct {
	BufferWindow int
}

// Engine implements C5.
type Engine struct {
	cfg        Config
	store      Store
	sealer     Sealer
	signer     Signer
	publisher  Publisher
	transcript Transcript
	keypkgs    KeyPackages

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex // nostrGroupID -> exclusive section

	bufMu   sync.Mutex
	buffers map[string][]bufferedEvent // nostrGroupID -> pending out-of-epoch messages
	dropped map[string]int64
}

type bufferedEvent struct {
	ev     *codec.Event
	viewer string
}

func New(cfg Config, st Store, sealer Sealer, signer Signer, pub Publisher, transcript Transcript, kp KeyPackages) *Engine {
	if cfg.BufferWindow <= 0 {
		cfg.BufferWindow = defaultBufferWindow
	}
	return &Engine{
		cfg:        cfg,
		store:      st,
		sealer:     sealer,
		signer:     signer,
		publisher:  pub,
		transcript: transcript,
		keypkgs:    kp,
		locks:      make(map[string]*sync.Mutex),
		buffers:    make(map[string][]bufferedEvent),
		dropped:    make(map[string]int64),
	}
}

func (e *Engine) groupLock(nostrGroupID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()
	l, ok := e.locks[nostrGroupID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[nostrGroupID] = l
	}
	return l
}

func newNostrGroupID() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ─── persistence ────────────────────────────────────────────────────────

func (e *Engine) save(accountPubKey string, s *engineState) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("mlsengine: marshal state: %w", err)
	}
	sealed, err := e.sealer.Seal(blob)
	if err != nil {
		return fmt.Errorf("mlsengine: seal state: %w", err)
	}
	if err := e.store.PutEpochState(s.MLSGroupID, s.Epoch, []byte(sealed)); err != nil {
		return err
	}

	members := make([]string, 0, len(s.Members))
	for _, m := range s.Members {
		if m.Active {
			members = append(members, m.PubKey)
		}
	}
	g := s.toGroup()
	return e.store.UpsertGroup(store.GroupRow{
		MLSGroupID:    s.MLSGroupID,
		NostrGroupID:  s.NostrGroupID,
		AccountPubKey: accountPubKey,
		Name:          s.Name,
		Description:   s.Description,
		GroupType:     string(g.Type),
		AdminPubKeys:  s.Admins,
		MemberPubKeys: members,
		Epoch:         s.Epoch,
		State:         string(s.Lifecycle),
		Relays:        s.Relays,
	})
}

func (e *Engine) loadByMLSID(mlsGroupID string, epoch uint64) (*engineState, error) {
	row, err := e.store.GetGroup(mlsGroupID)
	if err != nil {
		return nil, coreerr.New(coreerr.GroupNotFound, mlsGroupID)
	}
	blob, err := e.store.GetEpochState(mlsGroupID, epoch)
	if err != nil {
		return nil, coreerr.New(coreerr.GroupNotFound, fmt.Sprintf("%s epoch %d", mlsGroupID, epoch))
	}
	raw, err := e.sealer.Open(string(blob))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DecryptFailed, err)
	}
	var s engineState
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, coreerr.Wrap(coreerr.GroupNotFound, err)
	}
	_ = row
	return &s, nil
}

func (e *Engine) loadCurrent(nostrGroupID string) (*engineState, error) {
	row, err := e.store.GetGroupByNostrID(nostrGroupID)
	if err != nil {
		return nil, coreerr.New(coreerr.GroupNotFound, nostrGroupID)
	}
	return e.loadByMLSID(row.MLSGroupID, row.Epoch)
}

// ─── create_group ───────────────────────────────────────────────────────

// CreateGroup builds the initial group state, fetches a fresh key package
// per invitee, and returns the group plus one welcome per invitee.
func (e *Engine) CreateGroup(ctx context.Context, creatorPubKey string, memberPubKeys, adminPubKeys []string,
	name, description string, fetch KeyPackageFetcher) (*Group, []Welcome, error) {

	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("mlsengine: generate own signing key: %w", err)
	}
	initPriv := make([]byte, 32)
	if _, err := rand.Read(initPriv); err != nil {
		return nil, nil, fmt.Errorf("mlsengine: generate own init key: %w", err)
	}
	initPubSum := sha256.Sum256(initPriv)

	mlsGroupID := newNostrGroupID()
	nostrGroupID := mlsGroupID

	epochSecret := make([]byte, 32)
	if _, err := rand.Read(epochSecret); err != nil {
		return nil, nil, fmt.Errorf("mlsengine: generate epoch secret: %w", err)
	}

	s := &engineState{
		MLSGroupID:   mlsGroupID,
		NostrGroupID: nostrGroupID,
		Name:         name,
		Description:  description,
		Admins:       adminPubKeys,
		Epoch:        0,
		EpochSecret:  epochSecret,
		OwnLeafIndex: 0,
		OwnSigPriv:   sigPriv,
		Lifecycle:    Creating,
		Members: []memberEntry{{
			PubKey:  creatorPubKey,
			SigPub:  sigPub,
			InitPub: initPubSum[:],
			Active:  true,
		}},
	}
	if len(memberPubKeys) == 1 {
		s.Type = DirectMessage
	} else {
		s.Type = GroupChat
	}

	var welcomes []Welcome
	for _, invitee := range memberPubKeys {
		kpEvent, kpEventID, err := fetch(ctx, invitee)
		if err != nil {
			return nil, nil, coreerr.Wrap(coreerr.NoKeyPackage, err)
		}
		data, err := keypackage.ParseFromEvent(kpEvent)
		if err != nil {
			return nil, nil, err
		}
		if err := codec.Verify(kpEvent); err != nil {
			return nil, nil, coreerr.Wrap(coreerr.KeyPackageInvalid, err)
		}

		leafIndex := len(s.Members)
		s.Members = append(s.Members, memberEntry{
			PubKey:  invitee,
			SigPub:  data.SigPub,
			InitPub: data.InitPub,
			Active:  true,
		})

		w, err := e.buildWelcome(ctx, creatorPubKey, invitee, s, leafIndex, kpEventID)
		if err != nil {
			return nil, nil, err
		}
		welcomes = append(welcomes, *w)
	}

	s.advanceEpoch()
	s.Lifecycle = Active

	if err := e.save(creatorPubKey, s); err != nil {
		return nil, nil, err
	}
	return s.toGroup(), welcomes, nil
}

// welcomePayload is the plaintext handed to the invitee, NIP-04-wrapped
// into the kind-444 event's content (§3 "gift-wrapped").
type welcomePayload struct {
	MLSGroupID   string        `json:"mls_group_id"`
	NostrGroupID string        `json:"nostr_group_id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	Type         GroupType     `json:"type"`
	Admins       []string      `json:"admins"`
	Relays       []string      `json:"relays"`
	Epoch        uint64        `json:"epoch"`
	EpochSecret  []byte        `json:"epoch_secret"`
	Members      []memberEntry `json:"members"`
	LeafIndex    int           `json:"leaf_index"`
	KeyPackageID string        `json:"key_package_id"`
}

// decryptWelcome unwraps a kind-444 event's NIP-04-shared-secret-encrypted
// content into its structural payload, without any side effect on engine
// or ledger state — the single decrypt path both ProcessWelcome and
// PeekWelcome build on.
func (e *Engine) decryptWelcome(accountPubKey string, ev *codec.Event) (welcomePayload, error) {
	var payload welcomePayload
	var decryptErr error
	err := e.signer.SignWith(accountPubKey, func(secretHex string) error {
		shared, err := nip04.ComputeSharedSecret(ev.PubKey, secretHex)
		if err != nil {
			decryptErr = err
			return nil
		}
		plain, err := nip04.Decrypt(ev.Content, shared)
		if err != nil {
			decryptErr = err
			return nil
		}
		decryptErr = json.Unmarshal([]byte(plain), &payload)
		return nil
	})
	if err != nil {
		return welcomePayload{}, err
	}
	if decryptErr != nil {
		return welcomePayload{}, decryptErr
	}
	return payload, nil
}

// WelcomePreview is the display-only summary of a welcome's group, read
// without committing any join state — used by the invite manager to show
// a pending invite before the user decides to accept it.
type WelcomePreview struct {
	NostrGroupID string
	Name         string
	Description  string
	MemberCount  int
	InviterPubKey string
}

// PeekWelcome decrypts a kind-444 event just far enough to describe the
// group it invites into, without consuming the key package or persisting
// any state (§4.8's Invite is written from this, not from a join).
func (e *Engine) PeekWelcome(accountPubKey string, ev *codec.Event) (WelcomePreview, error) {
	payload, err := e.decryptWelcome(accountPubKey, ev)
	if err != nil {
		return WelcomePreview{}, coreerr.Wrap(coreerr.DecryptFailed, err)
	}
	return WelcomePreview{
		NostrGroupID:  payload.NostrGroupID,
		Name:          payload.Name,
		Description:   payload.Description,
		MemberCount:   len(payload.Members),
		InviterPubKey: ev.PubKey,
	}, nil
}

func (e *Engine) buildWelcome(ctx context.Context, creatorPubKey, invitee string, s *engineState, leafIndex int, kpEventID string) (*Welcome, error) {
	next := s.clone()
	next.advanceEpoch()
	payload := welcomePayload{
		MLSGroupID:   s.MLSGroupID,
		NostrGroupID: s.NostrGroupID,
		Name:         s.Name,
		Description:  s.Description,
		Type:         s.Type,
		Admins:       s.Admins,
		Relays:       s.Relays,
		Epoch:        next.Epoch, // the epoch after this add commits
		EpochSecret:  next.EpochSecret,
		Members:      s.Members,
		LeafIndex:    leafIndex,
		KeyPackageID: kpEventID,
	}
	plain, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: marshal welcome: %w", err)
	}

	ev := &codec.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      codec.KindWelcome,
		Tags:      [][]string{{"p", invitee}},
	}
	if err := e.signer.SignWith(creatorPubKey, func(secretHex string) error {
		shared, err := nip04.ComputeSharedSecret(invitee, secretHex)
		if err != nil {
			return fmt.Errorf("compute shared secret: %w", err)
		}
		ciphertext, err := nip04.Encrypt(string(plain), shared)
		if err != nil {
			return fmt.Errorf("encrypt welcome: %w", err)
		}
		ev.Content = ciphertext
		return codec.Sign(ev, secretHex)
	}); err != nil {
		return nil, err
	}

	return &Welcome{InviteePubKey: invitee, Event: ev}, nil
}

// ─── process_welcome ─────────────────────────────────────────────────────

// ProcessWelcome decrypts a kind-444 event addressed to accountPubKey,
// applies it, persists the new group, marks the referenced key package
// consumed, and writes the terminal ledger entry. Duplicate or
// previously-failed welcomes return the cached outcome without reapplying.
func (e *Engine) ProcessWelcome(ctx context.Context, accountPubKey string, ev *codec.Event) (*Group, error) {
	if entry, err := e.store.GetLedgerEntry(ev.ID, accountPubKey); err == nil {
		switch entry.State {
		case "processed":
			row, err := e.store.GetGroup(entry.GroupID)
			if err != nil {
				return nil, coreerr.New(coreerr.GroupNotFound, entry.GroupID)
			}
			s, err := e.loadByMLSID(row.MLSGroupID, row.Epoch)
			if err != nil {
				return nil, err
			}
			return s.toGroup(), nil
		case "failed":
			return nil, coreerr.New(coreerr.WelcomeReplay, entry.FailureReason)
		}
	}

	payload, err := e.decryptWelcome(accountPubKey, ev)
	if err != nil {
		_ = e.store.WriteLedgerEntry(store.LedgerRow{
			WelcomeEventID: ev.ID, AccountPubKey: accountPubKey, State: "failed",
			FailureReason: err.Error(),
		})
		return nil, coreerr.Wrap(coreerr.DecryptFailed, err)
	}

	secrets, err := e.keypkgs.Secrets(payload.KeyPackageID)
	if err != nil {
		_ = e.store.WriteLedgerEntry(store.LedgerRow{
			WelcomeEventID: ev.ID, AccountPubKey: accountPubKey, State: "failed",
			FailureReason: err.Error(),
		})
		return nil, err
	}

	s := &engineState{
		MLSGroupID:   payload.MLSGroupID,
		NostrGroupID: payload.NostrGroupID,
		Name:         payload.Name,
		Description:  payload.Description,
		Type:         payload.Type,
		Admins:       payload.Admins,
		Relays:       payload.Relays,
		Epoch:        payload.Epoch,
		EpochSecret:  payload.EpochSecret,
		Members:      payload.Members,
		OwnLeafIndex: payload.LeafIndex,
		OwnSigPriv:   secrets.SigPriv,
		Lifecycle:    Active,
	}

	if err := e.keypkgs.Consume(payload.KeyPackageID); err != nil {
		_ = e.store.WriteLedgerEntry(store.LedgerRow{
			WelcomeEventID: ev.ID, AccountPubKey: accountPubKey, State: "failed",
			FailureReason: err.Error(),
		})
		return nil, err
	}

	if err := e.save(accountPubKey, s); err != nil {
		return nil, err
	}
	if err := e.store.WriteLedgerEntry(store.LedgerRow{
		WelcomeEventID: ev.ID, AccountPubKey: accountPubKey, State: "processed", GroupID: s.MLSGroupID,
	}); err != nil {
		return nil, err
	}
	return s.toGroup(), nil
}

// ─── send_application ───────────────────────────────────────────────────

// commitInnerKind marks a membership-commit marker's inner payload so
// ProcessIncoming can recognize and skip it rather than filing it into the
// transcript as chat content. It is not a Nostr kind and never appears on
// the wire — every commit and application message is wire-wrapped as kind
// 445 (codec.KindGroupMessage), per the Glossary's "Application message
// (kind 9/445 wrapper)": the outer event is always 445 and carries the
// semantic kind (9/7/5/commit marker) inside the encrypted payload.
const commitInnerKind = -1

// buildApplicationEvent wraps an inner event (the semantic kind, tags, and
// plaintext content) in JSON, encrypts it under the group's current epoch
// application key, and signs the resulting wire-level kind-445 event. This
// is the one and only encoding used for both member-visible application
// traffic and internal commit markers, so the Inbox Pipeline's single
// kind-445-by-`h`-tag subscription delivers both to every member.
func (e *Engine) buildApplicationEvent(s *engineState, accountPubKey, nostrGroupID string, kind int, tags [][]string, content string) (*codec.Event, error) {
	now := time.Now().Unix()
	inner := &codec.Event{
		PubKey:    accountPubKey,
		CreatedAt: now,
		Kind:      kind,
		Tags:      tags,
		Content:   content,
	}
	innerJSON, err := json.Marshal(inner)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: marshal inner event: %w", err)
	}

	ciphertext, err := encryptApplication(s.applicationKey(), string(innerJSON))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.DecryptFailed, err)
	}

	ev := &codec.Event{
		CreatedAt: now,
		Kind:      codec.KindGroupMessage,
		Tags:      [][]string{{"h", nostrGroupID}},
		Content:   ciphertext,
	}
	if err := e.signer.SignWith(accountPubKey, func(secretHex string) error {
		return codec.Sign(ev, secretHex)
	}); err != nil {
		return nil, err
	}
	return ev, nil
}

// SendApplication encrypts plaintext under the current epoch's application
// key, wraps it as an MLS application message, and signs the resulting
// Nostr event. kind is one of 9 (chat), 7 (reaction), 5 (deletion), or a
// wallet-payment wrapper kind — carried in the encrypted inner payload,
// not the outer wire event (see buildApplicationEvent).
func (e *Engine) SendApplication(ctx context.Context, accountPubKey, nostrGroupID string, kind int, tags [][]string, plaintext string) (*codec.Event, error) {
	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, err
	}
	if s.Lifecycle == Closed || s.Lifecycle == Forked {
		return nil, coreerr.New(coreerr.GroupClosed, nostrGroupID)
	}

	return e.buildApplicationEvent(s, accountPubKey, nostrGroupID, kind, tags, plaintext)
}

// ─── process_incoming ────────────────────────────────────────────────────

// ProcessIncoming decrypts an MLS application-message event for a group
// the account belongs to, serialized per-group, buffering out-of-epoch
// messages up to the configured window.
func (e *Engine) ProcessIncoming(ctx context.Context, accountPubKey string, ev *codec.Event) error {
	nostrGroupID, ok := codec.FirstH(ev.Tags)
	if !ok {
		return coreerr.New(coreerr.EventMalformed, "application message missing h tag")
	}

	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return err
	}

	plaintext, bufferedNow, err := e.decryptForEpoch(s, ev)
	if err != nil {
		return err
	}
	if bufferedNow {
		return nil
	}

	decoded := &codec.Event{}
	if err := json.Unmarshal([]byte(plaintext), decoded); err != nil {
		// Not a wrapped inner event: treat the plaintext itself as chat content.
		decoded = ev
		decoded.Content = plaintext
	} else {
		// The inner event carries the semantic kind and tags; the real,
		// network-agreed event id is the outer kind-445 wrapper's.
		decoded.ID = ev.ID
		decoded.Sig = ev.Sig
	}

	if decoded.Kind != commitInnerKind {
		if err := e.transcript.Append(ctx, decoded, decoded.PubKey == accountPubKey); err != nil {
			return fmt.Errorf("mlsengine: append to transcript: %w", err)
		}
	}

	e.drainBuffer(ctx, accountPubKey, s, nostrGroupID)
	return nil
}

func (e *Engine) decryptForEpoch(s *engineState, ev *codec.Event) (plaintext string, buffered bool, err error) {
	pt, decErr := decryptApplication(s.applicationKey(), ev.Content)
	if decErr == nil {
		return pt, false, nil
	}

	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	buf := e.buffers[s.NostrGroupID]
	if len(buf) >= e.cfg.BufferWindow {
		buf = buf[1:]
		e.dropped[s.NostrGroupID]++
	}
	e.buffers[s.NostrGroupID] = append(buf, bufferedEvent{ev: ev})
	return "", true, nil
}

func (e *Engine) drainBuffer(ctx context.Context, accountPubKey string, s *engineState, nostrGroupID string) {
	e.bufMu.Lock()
	pending := e.buffers[nostrGroupID]
	e.buffers[nostrGroupID] = nil
	e.bufMu.Unlock()

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].ev.CreatedAt != pending[j].ev.CreatedAt {
			return pending[i].ev.CreatedAt < pending[j].ev.CreatedAt
		}
		return pending[i].ev.ID < pending[j].ev.ID
	})

	for _, b := range pending {
		pt, decErr := decryptApplication(s.applicationKey(), b.ev.Content)
		if decErr != nil {
			e.bufMu.Lock()
			e.buffers[nostrGroupID] = append(e.buffers[nostrGroupID], b)
			e.bufMu.Unlock()
			continue
		}
		decoded := &codec.Event{}
		if err := json.Unmarshal([]byte(pt), decoded); err != nil {
			decoded = b.ev
			decoded.Content = pt
		} else {
			decoded.ID = b.ev.ID
			decoded.Sig = b.ev.Sig
		}
		if decoded.Kind == commitInnerKind {
			continue
		}
		_ = e.transcript.Append(ctx, decoded, decoded.PubKey == accountPubKey)
	}
}

// BufferDroppedCount reports how many buffered out-of-epoch messages were
// dropped for a group due to window overflow (§4.5).
func (e *Engine) BufferDroppedCount(nostrGroupID string) int64 {
	e.bufMu.Lock()
	defer e.bufMu.Unlock()
	return e.dropped[nostrGroupID]
}

// ─── membership changes ─────────────────────────────────────────────────

// AddMember adds pubkey to the group via a fetched key package, publishes
// the resulting commit, and applies it locally only after at least one
// relay acknowledges — on publish failure the pre-commit epoch state
// remains authoritative (§4.5).
func (e *Engine) AddMember(ctx context.Context, accountPubKey, nostrGroupID, newMember string, fetch KeyPackageFetcher) (*Group, *Welcome, error) {
	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, nil, err
	}

	kpEvent, kpEventID, err := fetch(ctx, newMember)
	if err != nil {
		return nil, nil, coreerr.Wrap(coreerr.NoKeyPackage, err)
	}
	data, err := keypackage.ParseFromEvent(kpEvent)
	if err != nil {
		return nil, nil, err
	}

	preCommit := s.clone()
	leafIndex := len(s.Members)
	s.Members = append(s.Members, memberEntry{PubKey: newMember, SigPub: data.SigPub, InitPub: data.InitPub, Active: true})

	welcome, err := e.buildWelcome(ctx, accountPubKey, newMember, s, leafIndex, kpEventID)
	if err != nil {
		*s = preCommit
		return nil, nil, err
	}

	s.advanceEpoch()

	if err := e.publishCommit(ctx, accountPubKey, nostrGroupID, s, "commit:add"); err != nil {
		*s = preCommit
		return nil, nil, err
	}

	if err := e.save(accountPubKey, s); err != nil {
		return nil, nil, err
	}
	return s.toGroup(), welcome, nil
}

// RemoveMember deactivates pubkey's membership and advances the epoch.
func (e *Engine) RemoveMember(ctx context.Context, accountPubKey, nostrGroupID, member string) (*Group, error) {
	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, err
	}
	preCommit := s.clone()

	found := false
	for i := range s.Members {
		if s.Members[i].PubKey == member {
			s.Members[i].Active = false
			found = true
		}
	}
	if !found {
		return nil, coreerr.New(coreerr.GroupNotFound, "member not in group: "+member)
	}
	s.advanceEpoch()

	if err := e.publishCommit(ctx, accountPubKey, nostrGroupID, s, "commit:remove"); err != nil {
		*s = preCommit
		return nil, err
	}
	if err := e.save(accountPubKey, s); err != nil {
		return nil, err
	}
	return s.toGroup(), nil
}

// RotateKey advances the epoch with a fresh secret without changing
// membership (a self-update commit).
func (e *Engine) RotateKey(ctx context.Context, accountPubKey, nostrGroupID string) (*Group, error) {
	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, err
	}
	preCommit := s.clone()
	s.advanceEpoch()

	if err := e.publishCommit(ctx, accountPubKey, nostrGroupID, s, "commit:rotate"); err != nil {
		*s = preCommit
		return nil, err
	}
	if err := e.save(accountPubKey, s); err != nil {
		return nil, err
	}
	return s.toGroup(), nil
}

// Leave marks the account's own membership inactive and transitions the
// group to Leaving then Closed once the leave commit is acknowledged.
func (e *Engine) Leave(ctx context.Context, accountPubKey, nostrGroupID string) (*Group, error) {
	lock := e.groupLock(nostrGroupID)
	lock.Lock()
	defer lock.Unlock()

	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, err
	}
	preCommit := s.clone()
	s.Lifecycle = Leaving
	if s.OwnLeafIndex >= 0 && s.OwnLeafIndex < len(s.Members) {
		s.Members[s.OwnLeafIndex].Active = false
	}
	s.advanceEpoch()

	if err := e.publishCommit(ctx, accountPubKey, nostrGroupID, s, "commit:leave"); err != nil {
		*s = preCommit
		return nil, err
	}
	s.Lifecycle = Closed
	if err := e.save(accountPubKey, s); err != nil {
		return nil, err
	}
	return s.toGroup(), nil
}

// publishCommit wire-wraps marker the same way as any other application
// message (buildApplicationEvent), tagged with commitInnerKind so
// ProcessIncoming recognizes it as a control marker rather than chat
// content once decrypted on the receiving end.
func (e *Engine) publishCommit(ctx context.Context, accountPubKey, nostrGroupID string, s *engineState, marker string) error {
	ev, err := e.buildApplicationEvent(s, accountPubKey, nostrGroupID, commitInnerKind, nil, marker)
	if err != nil {
		return err
	}
	if err := e.publisher.Publish(ctx, ev); err != nil {
		return coreerr.Wrap(coreerr.PublishUnreachable, err)
	}
	return nil
}

// GetGroup returns the current view of a group by its Nostr group id.
func (e *Engine) GetGroup(nostrGroupID string) (*Group, error) {
	s, err := e.loadCurrent(nostrGroupID)
	if err != nil {
		return nil, err
	}
	return s.toGroup(), nil
}

// ListGroups returns every group an account belongs to.
func (e *Engine) ListGroups(accountPubKey string) ([]Group, error) {
	rows, err := e.store.ListGroups(accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: list groups: %w", err)
	}
	out := make([]Group, 0, len(rows))
	for _, r := range rows {
		s, err := e.loadByMLSID(r.MLSGroupID, r.Epoch)
		if err != nil {
			continue
		}
		out = append(out, *s.toGroup())
	}
	return out, nil
}

// ─── application-message symmetric encryption ───────────────────────────

// encryptApplication/decryptApplication implement the MLS "application
// message" wrapping under the epoch's derived key (AES-256-GCM), the
// same HKDF-derived-key-then-AEAD idiom the reference implementation uses
// for its epoch secret/export secret split.
func encryptApplication(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ct := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(ct), nil
}

func decryptApplication(key []byte, hexCiphertext string) (string, error) {
	raw, err := hex.DecodeString(hexCiphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("mlsengine: ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}
