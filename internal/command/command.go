// Package command implements the Command Surface (C9): the request/response
// contract of spec.md §6, wiring every other component together behind one
// synchronous API the UI bridge calls into. Grounded on the teacher's
// internal/server handlers, which play the same role of a thin contract
// layer over the bridge's internal services.
package command

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/identity"
	"github.com/nostrmls/core/internal/invite"
	"github.com/nostrmls/core/internal/keypackage"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/relaypool"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
	"github.com/nostrmls/core/internal/transcript"
	"github.com/nostrmls/core/internal/walletclient"
)

// KeyPackageView is the display form of a parsed key package (§6
// parse_key_package).
type KeyPackageView struct {
	Ciphersuite uint16
	SigPubHex   string
	InitPubHex  string
}

// Contact is an enriched kind-0 profile, merged with any locally-known
// onboarding state — the "Contact" output of §6's fetch/query/search
// enriched-contact commands.
type Contact struct {
	PubKey      string
	Name        string
	About       string
	Picture     string
	Nip05       string
	IsLocal     bool
	LastFetched time.Time
}

// GroupWithRelays is get_group's output: a group plus the relay URLs it is
// reachable over (§6).
type GroupWithRelays struct {
	mlsengine.Group
}

// RelayEntry is one entry of a publish_relay_list call.
type RelayEntry struct {
	URL  string
	Mode string // "read", "write", or "" for both
}

const keyPackagePublishRetries = 3

// Service implements C9, composing C1 (identity), C2 (relay pools, one per
// active account), C4 (key packages), C5 (MLS engine), C6 (inbox pipeline),
// C7 (transcript), C8 (invites) and the wallet client into the single
// contract surface of spec.md §6.
type Service struct {
	identity   *identity.Manager
	store      Store
	signals    *signals.Bus
	engine     *mlsengine.Engine
	keypkgs    *keypackage.Service
	invites    *invite.Service
	transcript *transcript.Service
	wallet     *walletclient.Client
	relays     *Relays

	contactsMu sync.Mutex
	contacts   map[string]map[string]Contact // account pubkey -> contact pubkey -> Contact
}

// New assembles the command surface around an already-wired *Relays
// registry. Relays must be constructed first (see NewRelays) since engine
// and keypkgs themselves depend on it for their Publisher at their own
// construction time — see cmd/nostrmlsd's wiring order.
func New(
	id *identity.Manager,
	st Store,
	sig *signals.Bus,
	engine *mlsengine.Engine,
	keypkgs *keypackage.Service,
	invites *invite.Service,
	tr *transcript.Service,
	wallet *walletclient.Client,
	relays *Relays,
) *Service {
	return &Service{
		identity:   id,
		store:      st,
		signals:    sig,
		engine:     engine,
		keypkgs:    keypkgs,
		invites:    invites,
		transcript: tr,
		wallet:     wallet,
		relays:     relays,
		contacts:   make(map[string]map[string]Contact),
	}
}

// ─── identity commands ──────────────────────────────────────────────────

func (s *Service) CreateIdentity(name string) (identity.Account, error) {
	return s.identity.Create(name)
}

// Login imports a secret key (nsec or hex), persists it as an account if
// new, activates it, and starts its relay pool + inbox subscription.
func (s *Service) Login(nsecOrHex string) (identity.Account, error) {
	acct, err := s.identity.Import(nsecOrHex)
	if err != nil {
		return identity.Account{}, err
	}
	return s.activateAndStart(acct.PubKey)
}

func (s *Service) Logout(pubkey string) error {
	s.signals.Emit(signals.AccountChanging, pubkey)
	s.relays.StopPool(pubkey)
	noneRemain, err := s.identity.Logout(pubkey)
	if err != nil {
		return err
	}
	if noneRemain {
		s.signals.Emit(signals.AccountChanged, "")
	}
	return nil
}

func (s *Service) SetActiveAccount(pubkey string) (identity.Account, error) {
	return s.activateAndStart(pubkey)
}

func (s *Service) activateAndStart(pubkey string) (identity.Account, error) {
	s.signals.Emit(signals.AccountChanging, pubkey)
	acct, err := s.identity.Activate(pubkey)
	if err != nil {
		return identity.Account{}, err
	}
	s.relays.EnsurePool(pubkey)
	s.signals.Emit(signals.AccountChanged, pubkey)
	return acct, nil
}

func (s *Service) GetAccounts() ([]identity.Account, error) {
	return s.identity.List()
}

// ─── relay commands ──────────────────────────────────────────────────────

func (s *Service) FetchRelays(pubkey string) map[string]string {
	pool, ok := s.relays.PoolFor(pubkey)
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string)
	for _, st := range pool.Statuses() {
		out[st.URL] = string(st.State)
		s.signals.Emit(signals.RelayStatus, st)
	}
	return out
}

// PublishRelayList builds, signs, and publishes a relay-list event (kind
// 10002/10050/10051), persists the entries, and adds them to the
// account's running pool (§6 publish_relay_list).
func (s *Service) PublishRelayList(ctx context.Context, pubkey string, kind int, entries []RelayEntry) error {
	tags := make([][]string, 0, len(entries))
	for _, e := range entries {
		if e.Mode == "" {
			tags = append(tags, []string{"r", e.URL})
		} else {
			tags = append(tags, []string{"r", e.URL, e.Mode})
		}
	}

	ev := &codec.Event{CreatedAt: time.Now().Unix(), Kind: kind, Tags: tags}
	if err := s.identity.SignWith(pubkey, func(secretKeyHex string) error {
		return codec.Sign(ev, secretKeyHex)
	}); err != nil {
		return err
	}

	pool := s.relays.EnsurePool(pubkey)
	for _, e := range entries {
		read := e.Mode == "" || e.Mode == "read"
		write := e.Mode == "" || e.Mode == "write"
		pool.AddRelay(e.URL, read, write)
		policy := e.Mode
		if policy == "" {
			policy = "readwrite"
		}
		if err := s.store.UpsertRelay(store.RelayRow{
			AccountPubKey: pubkey, URL: e.URL, ListKind: kind, Policy: policy, Status: "pending",
		}); err != nil {
			slog.Warn("command: persist relay row failed", "url", e.URL, "err", err)
		}
	}

	if err := pool.Publish(ctx, ev); err != nil {
		return coreerr.Wrap(coreerr.PublishUnreachable, err)
	}

	s.markRelayListPublished(pubkey, kind)
	return nil
}

func (s *Service) markRelayListPublished(pubkey string, kind int) {
	row, err := s.store.GetAccount(pubkey)
	if err != nil {
		return
	}
	onboarding := store.ParseOnboarding(row.OnboardingJSON)
	switch kind {
	case codec.KindInboxRelayList:
		onboarding.InboxRelaysPublished = true
	case codec.KindKeyPackageRelayList:
		onboarding.KeyPackageRelaysPublished = true
	}
	row.OnboardingJSON = store.MarshalOnboarding(onboarding)
	if err := s.store.UpsertAccount(*row); err != nil {
		slog.Warn("command: persist onboarding flag failed", "account", pubkey, "err", err)
	}
}

// ─── key-package commands ──────────────────────────────────────────────────

// PublishKeyPackage wraps keypackage.GenerateAndPublish with the retry
// policy §4.9 specifies: up to 3 attempts before the failure is surfaced.
func (s *Service) PublishKeyPackage(ctx context.Context, pubkey string) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= keyPackagePublishRetries; attempt++ {
		eventID, err := s.keypkgs.GenerateAndPublish(ctx, pubkey)
		if err == nil {
			s.markKeyPackagePublished(pubkey)
			return eventID, nil
		}
		lastErr = err
		slog.Warn("command: publish_key_package attempt failed", "account", pubkey, "attempt", attempt, "err", err)
	}
	return "", coreerr.Wrap(coreerr.PublishUnreachable, lastErr)
}

func (s *Service) markKeyPackagePublished(pubkey string) {
	row, err := s.store.GetAccount(pubkey)
	if err != nil {
		return
	}
	onboarding := store.ParseOnboarding(row.OnboardingJSON)
	onboarding.KeyPackagePublished = true
	row.OnboardingJSON = store.MarshalOnboarding(onboarding)
	if err := s.store.UpsertAccount(*row); err != nil {
		slog.Warn("command: persist onboarding flag failed", "account", pubkey, "err", err)
	}
}

func (s *Service) DeleteKeyPackages(ctx context.Context, pubkey string) error {
	return s.keypkgs.RevokeAll(ctx, pubkey)
}

func (s *Service) ParseKeyPackage(hexEncoded string) (KeyPackageView, error) {
	data, err := keypackage.Parse(hexEncoded)
	if err != nil {
		return KeyPackageView{}, err
	}
	return KeyPackageView{
		Ciphersuite: uint16(data.Ciphersuite),
		SigPubHex:   hex.EncodeToString(data.SigPub),
		InitPubHex:  hex.EncodeToString(data.InitPub),
	}, nil
}

// keyPackageFetcher resolves a member's current kind-443 event by querying
// viewerPubKey's own relay pool, the shape mlsengine.KeyPackageFetcher
// needs for create_group/add_member.
func (s *Service) keyPackageFetcher(viewerPubKey string) mlsengine.KeyPackageFetcher {
	return func(ctx context.Context, pubkey string) (*codec.Event, string, error) {
		pool := s.relays.EnsurePool(viewerPubKey)
		relays := pool.Statuses()
		urls := make([]string, 0, len(relays))
		for _, r := range relays {
			urls = append(urls, r.URL)
		}
		ev, err := pool.QueryOne(ctx, urls, gonostr.Filter{
			Kinds:   []int{codec.KindKeyPackage},
			Authors: []string{pubkey},
			Limit:   1,
		})
		if err != nil {
			return nil, "", coreerr.Wrap(coreerr.NoKeyPackage, err)
		}
		return ev, ev.ID, nil
	}
}

// ─── contact enrichment (fetch/query/search_enriched_contacts) ────────────

func (s *Service) FetchEnrichedContacts(ctx context.Context, pubkey string) (map[string]Contact, error) {
	pool := s.relays.EnsurePool(pubkey)
	urls := poolURLs(pool)

	kind3, err := pool.QueryOne(ctx, urls, gonostr.Filter{Kinds: []int{3}, Authors: []string{pubkey}, Limit: 1})
	if err != nil {
		return map[string]Contact{}, nil
	}

	out := make(map[string]Contact)
	for _, t := range codec.AllTags(kind3.Tags, "p") {
		if len(t) < 2 {
			continue
		}
		contact := s.lookupContact(ctx, pool, urls, t[1])
		out[t[1]] = contact
	}

	s.contactsMu.Lock()
	s.contacts[pubkey] = out
	s.contactsMu.Unlock()
	return out, nil
}

func (s *Service) QueryEnrichedContact(ctx context.Context, pubkey, contactPubKey string, updateAccount bool) Contact {
	pool := s.relays.EnsurePool(pubkey)
	urls := poolURLs(pool)
	contact := s.lookupContact(ctx, pool, urls, contactPubKey)
	if updateAccount {
		s.contactsMu.Lock()
		if s.contacts[pubkey] == nil {
			s.contacts[pubkey] = make(map[string]Contact)
		}
		s.contacts[pubkey][contactPubKey] = contact
		s.contactsMu.Unlock()
	}
	return contact
}

func (s *Service) SearchForEnrichedContacts(pubkey, query string) map[string]Contact {
	s.contactsMu.Lock()
	cache := s.contacts[pubkey]
	s.contactsMu.Unlock()

	out := make(map[string]Contact)
	needle := strings.ToLower(query)
	for pk, c := range cache {
		if strings.Contains(strings.ToLower(c.Name), needle) ||
			strings.Contains(strings.ToLower(c.Nip05), needle) ||
			strings.Contains(pk, needle) {
			out[pk] = c
		}
	}
	return out
}

func (s *Service) lookupContact(ctx context.Context, pool *relaypool.Pool, urls []string, contactPubKey string) Contact {
	contact := Contact{PubKey: contactPubKey}
	ev, err := pool.QueryOne(ctx, urls, gonostr.Filter{Kinds: []int{codec.KindMetadata}, Authors: []string{contactPubKey}, Limit: 1})
	if err != nil {
		return contact
	}
	parseMetadataInto(&contact, ev.Content)
	contact.LastFetched = time.Unix(ev.CreatedAt, 0)
	if _, localErr := s.store.GetAccount(contactPubKey); localErr == nil {
		contact.IsLocal = true
	}
	return contact
}

func poolURLs(pool *relaypool.Pool) []string {
	statuses := pool.Statuses()
	urls := make([]string, 0, len(statuses))
	for _, st := range statuses {
		urls = append(urls, st.URL)
	}
	return urls
}

// ─── group / MLS commands ──────────────────────────────────────────────────

func (s *Service) CreateGroup(ctx context.Context, creatorPubKey string, memberPubKeys, adminPubKeys []string, name, description string) (*mlsengine.Group, error) {
	group, welcomes, err := s.engine.CreateGroup(ctx, creatorPubKey, memberPubKeys, adminPubKeys, name, description, s.keyPackageFetcher(creatorPubKey))
	if err != nil {
		return nil, err
	}
	for _, w := range welcomes {
		s.deliverWelcome(ctx, creatorPubKey, w)
	}
	return group, nil
}

func (s *Service) AddMember(ctx context.Context, accountPubKey, nostrGroupID, newMember string) (*mlsengine.Group, error) {
	group, welcome, err := s.engine.AddMember(ctx, accountPubKey, nostrGroupID, newMember, s.keyPackageFetcher(accountPubKey))
	if err != nil {
		return nil, err
	}
	if welcome != nil {
		s.deliverWelcome(ctx, accountPubKey, *welcome)
	}
	return group, nil
}

// deliverWelcome publishes a welcome event to its invitee's inbox relays
// (kind 10050), resolved from the local store if the invitee is a known
// account, or fetched live from the invitee's own kind-10050 list
// otherwise (§4.8: welcomes are delivered to the invitee's inbox relays,
// not the creator's own write set).
func (s *Service) deliverWelcome(ctx context.Context, senderPubKey string, w mlsengine.Welcome) {
	urls := s.inboxRelaysFor(ctx, senderPubKey, w.InviteePubKey)
	if len(urls) == 0 {
		slog.Warn("command: no inbox relays resolved for invitee, welcome undelivered", "invitee", w.InviteePubKey)
		return
	}
	pool := s.relays.EnsurePool(senderPubKey)
	if err := pool.PublishTo(ctx, urls, w.Event); err != nil {
		slog.Warn("command: welcome delivery failed", "invitee", w.InviteePubKey, "err", err)
	}
}

func (s *Service) inboxRelaysFor(ctx context.Context, senderPubKey, inviteePubKey string) []string {
	if rows, err := s.store.ListRelaysByKind(inviteePubKey, codec.KindInboxRelayList); err == nil && len(rows) > 0 {
		return relayURLs(rows)
	}

	pool := s.relays.EnsurePool(senderPubKey)
	ev, err := pool.QueryOne(ctx, poolURLs(pool), gonostr.Filter{
		Kinds:   []int{codec.KindInboxRelayList},
		Authors: []string{inviteePubKey},
		Limit:   1,
	})
	if err != nil {
		return nil
	}
	tags := codec.AllRelayTags(ev.Tags)
	urls := make([]string, 0, len(tags))
	for _, t := range tags {
		urls = append(urls, t.URL)
	}
	return urls
}

func (s *Service) GetGroups(accountPubKey string) ([]mlsengine.Group, error) {
	return s.engine.ListGroups(accountPubKey)
}

func (s *Service) GetGroup(nostrGroupID string) (GroupWithRelays, error) {
	g, err := s.engine.GetGroup(nostrGroupID)
	if err != nil {
		return GroupWithRelays{}, err
	}
	return GroupWithRelays{Group: *g}, nil
}

func (s *Service) GetGroupAndMessages(nostrGroupID string, since, until *int64, limit int) (*mlsengine.Group, []transcript.Entry, error) {
	g, err := s.engine.GetGroup(nostrGroupID)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.transcript.List(nostrGroupID, since, until, limit)
	if err != nil {
		return nil, nil, err
	}
	return g, entries, nil
}

func (s *Service) GetGroupMembers(nostrGroupID string) ([]string, error) {
	g, err := s.engine.GetGroup(nostrGroupID)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

func (s *Service) GetGroupAdmins(nostrGroupID string) ([]string, error) {
	g, err := s.engine.GetGroup(nostrGroupID)
	if err != nil {
		return nil, err
	}
	return g.Admins, nil
}

// ─── messaging commands ──────────────────────────────────────────────────

// SendMlsMessage encrypts message as a kind-445 MLS application event
// (the semantic kind, tags, and plaintext travel inside the encrypted
// payload — see mlsengine.SendApplication) and publishes it. Relays never
// echo an account's own events back to it, so the sender's copy is filed
// into the transcript locally, mirroring exactly the inner event every
// other member will decrypt off the wire (same id, kind, and content).
func (s *Service) SendMlsMessage(ctx context.Context, accountPubKey, nostrGroupID, message string, kind int, tags [][]string) (*codec.Event, error) {
	if kind == 0 {
		kind = codec.KindApplicationChat
	}
	ev, err := s.engine.SendApplication(ctx, accountPubKey, nostrGroupID, kind, tags, message)
	if err != nil {
		return nil, err
	}
	pool := s.relays.EnsurePool(accountPubKey)
	if err := pool.Publish(ctx, ev); err != nil {
		return nil, coreerr.Wrap(coreerr.PublishUnreachable, err)
	}
	localEntry := &codec.Event{
		ID:        ev.ID,
		PubKey:    accountPubKey,
		CreatedAt: ev.CreatedAt,
		Kind:      kind,
		Tags:      tags,
		Content:   message,
		Sig:       ev.Sig,
	}
	if err := s.transcript.Append(ctx, localEntry, true); err != nil {
		slog.Warn("command: append own message to transcript failed", "id", ev.ID, "err", err)
	}
	s.signals.Emit(signals.MLSMessageProcessed, ev)
	return localEntry, nil
}

// PayInvoice settles bolt11 via the configured wallet, then annotates the
// resulting payment onto the group as an application message carrying a
// "preimage" tag (§4.7).
func (s *Service) PayInvoice(ctx context.Context, accountPubKey, nostrGroupID string, tags [][]string, bolt11 string) (*codec.Event, error) {
	result, err := s.wallet.PayInvoice(ctx, bolt11)
	if err != nil {
		return nil, err
	}
	paymentTags := append(append([][]string{}, tags...), []string{"preimage", result.Preimage})
	return s.SendMlsMessage(ctx, accountPubKey, nostrGroupID, "", codec.KindApplicationChat, paymentTags)
}

// DeleteMessage publishes a kind-5 deletion referencing messageID. The
// engine/codec layer does not enforce authorship here; transcript.Append
// already ignores deletions from non-authors (§4.7), so NotAuthor is
// surfaced by checking the target entry up front.
func (s *Service) DeleteMessage(ctx context.Context, accountPubKey, nostrGroupID, messageID string) (*codec.Event, error) {
	entry, err := s.transcript.Find(messageID)
	if err != nil {
		return nil, err
	}
	if entry.Author != accountPubKey {
		return nil, coreerr.New(coreerr.NotAuthor, "only the author can delete message "+messageID)
	}
	tags := [][]string{{"e", messageID}, {"h", nostrGroupID}}
	return s.SendMlsMessage(ctx, accountPubKey, nostrGroupID, "", codec.KindDeletion, tags)
}

func (s *Service) QueryMessage(eventID string) (*transcript.Entry, error) {
	entry, err := s.transcript.Find(eventID)
	if err != nil {
		return nil, nil
	}
	return entry, nil
}

// ─── invite commands ──────────────────────────────────────────────────────

func (s *Service) FetchInvitesForUser(pubkey string) ([]invite.Invite, error) {
	return s.invites.ListPending(pubkey)
}

func (s *Service) AcceptInvite(ctx context.Context, accountPubKey, welcomeEventID string, welcomeEvent *codec.Event) (*mlsengine.Group, error) {
	return s.invites.Accept(ctx, accountPubKey, welcomeEventID, welcomeEvent)
}

func (s *Service) DeclineInvite(accountPubKey, welcomeEventID string) error {
	return s.invites.Decline(accountPubKey, welcomeEventID)
}

// FetchAndProcessMLSMessages makes sure accountPubKey's relay pool and its
// inbox subscription loop are running; it does not drain or process any
// queued events itself. The standing inbox subscription handles delivery,
// so this command is a best-effort manual nudge for callers that poll
// rather than subscribe to signals.
func (s *Service) FetchAndProcessMLSMessages(accountPubKey string) {
	s.relays.EnsurePool(accountPubKey)
}

// ─── account/data lifecycle ──────────────────────────────────────────────

func (s *Service) UpdateAccountOnboarding(pubkey string, flags store.Onboarding) error {
	row, err := s.store.GetAccount(pubkey)
	if err != nil {
		return coreerr.New(coreerr.NoAccount, "unknown account: "+pubkey)
	}
	row.OnboardingJSON = store.MarshalOnboarding(flags)
	if err := s.store.UpsertAccount(*row); err != nil {
		return fmt.Errorf("command: update onboarding: %w", err)
	}
	return nil
}

// DeleteData wipes pubkey's account and all derived local state (§6
// delete_data): the identity store cascades group/transcript/invite rows,
// and the running pool is torn down.
func (s *Service) DeleteData(pubkey string) error {
	s.relays.StopPool(pubkey)
	s.contactsMu.Lock()
	delete(s.contacts, pubkey)
	s.contactsMu.Unlock()
	_, err := s.identity.Logout(pubkey)
	return err
}

func parseMetadataInto(c *Contact, content string) {
	var meta struct {
		Name    string `json:"name"`
		About   string `json:"about"`
		Picture string `json:"picture"`
		Nip05   string `json:"nip05"`
	}
	if err := json.Unmarshal([]byte(content), &meta); err != nil {
		return
	}
	c.Name = meta.Name
	c.About = meta.About
	c.Picture = meta.Picture
	c.Nip05 = meta.Nip05
}
