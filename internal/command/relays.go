package command

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/inbox"
	"github.com/nostrmls/core/internal/keypackage"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/relaypool"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
)

// Store is the subset of *store.Store the command package needs. Declared
// locally (rather than holding a concrete *store.Store) in the same
// leaf-package idiom as mlsengine/keypackage/invite/transcript, so the
// command surface stays fakeable in tests.
type Store interface {
	GetAccount(pubkey string) (*store.AccountRow, error)
	UpsertAccount(store.AccountRow) error
	UpsertRelay(store.RelayRow) error
	ListRelays(accountPubKey string) ([]store.RelayRow, error)
	ListRelaysByKind(accountPubKey string, listKind int) ([]store.RelayRow, error)
}

// Relays owns the one-pool-per-account registry (Open Question decision
// #4: one relaypool.Pool per account spanning the union of its relay
// lists, rather than one pool per list). It is constructed before the MLS
// engine and key-package service, since both need it as their Publisher —
// command.Service wraps it alongside everything built on top of it.
type Relays struct {
	cfg     relaypool.Config
	store   Store
	signals *signals.Bus

	mu      sync.Mutex
	pools   map[string]*relaypool.Pool
	cancels map[string]context.CancelFunc
	inbox   *inbox.Service
}

func NewRelays(cfg relaypool.Config, st Store, sig *signals.Bus) *Relays {
	return &Relays{
		cfg:     cfg,
		store:   st,
		signals: sig,
		pools:   make(map[string]*relaypool.Pool),
		cancels: make(map[string]context.CancelFunc),
	}
}

// SetInbox wires the inbox pipeline in after construction, breaking the
// engine/inbox/relays initialization cycle: relays must exist before the
// engine (as its Publisher), the engine must exist before the inbox
// pipeline (as its MLSEngine), and the inbox pipeline must exist before
// any pool is started.
func (r *Relays) SetInbox(svc *inbox.Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = svc
}

// EnsurePool returns the running pool for pubkey, loading its persisted
// relay rows and starting its inbox subscription loop on first use.
func (r *Relays) EnsurePool(pubkey string) *relaypool.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pools[pubkey]; ok {
		return p
	}

	p := relaypool.New(r.cfg)
	rows, err := r.store.ListRelays(pubkey)
	if err != nil {
		slog.Warn("command: load relay rows failed", "account", pubkey, "err", err)
	}
	for _, row := range rows {
		read := row.Policy == "read" || row.Policy == "readwrite" || row.Policy == ""
		write := row.Policy == "write" || row.Policy == "readwrite" || row.Policy == ""
		p.AddRelay(row.URL, read, write)
	}
	r.pools[pubkey] = p

	ctx, cancel := context.WithCancel(context.Background())
	r.cancels[pubkey] = cancel
	if r.inbox != nil {
		go r.inbox.Run(ctx, pubkey, p)
	}

	r.signals.Emit(signals.NostrReady, pubkey)
	return p
}

func (r *Relays) PoolFor(pubkey string) (*relaypool.Pool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pools[pubkey]
	return p, ok
}

func (r *Relays) StopPool(pubkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[pubkey]; ok {
		cancel()
		delete(r.cancels, pubkey)
	}
	delete(r.pools, pubkey)
}

// PublishGeneral publishes ev to ev.PubKey's own write relays (§4.2,
// §4.5: MLS commits and application messages).
func (r *Relays) PublishGeneral(ctx context.Context, ev *codec.Event) error {
	pool := r.EnsurePool(ev.PubKey)
	return pool.Publish(ctx, ev)
}

// PublishKeyPackage publishes ev to ev.PubKey's key-package relays (kind
// 10051), not its general write set (§4.4).
func (r *Relays) PublishKeyPackage(ctx context.Context, ev *codec.Event) error {
	rows, err := r.store.ListRelaysByKind(ev.PubKey, codec.KindKeyPackageRelayList)
	if err != nil {
		return fmt.Errorf("command: list key-package relays: %w", err)
	}
	urls := relayURLs(rows)
	if len(urls) == 0 {
		return coreerr.New(coreerr.PublishUnreachable, "no key-package relays configured")
	}
	pool := r.EnsurePool(ev.PubKey)
	return pool.PublishTo(ctx, urls, ev)
}

func relayURLs(rows []store.RelayRow) []string {
	urls := make([]string, 0, len(rows))
	for _, row := range rows {
		urls = append(urls, row.URL)
	}
	return urls
}

// EnginePublisher adapts Relays into the mlsengine.Publisher shape.
func (r *Relays) EnginePublisher() mlsengine.Publisher { return enginePublisherAdapter{r} }

// KeyPackagePublisher adapts Relays into the keypackage.Publisher shape.
func (r *Relays) KeyPackagePublisher() keypackage.Publisher { return keyPackagePublisherAdapter{r} }

type enginePublisherAdapter struct{ r *Relays }

func (a enginePublisherAdapter) Publish(ctx context.Context, ev *codec.Event) error {
	return a.r.PublishGeneral(ctx, ev)
}

type keyPackagePublisherAdapter struct{ r *Relays }

func (a keyPackagePublisherAdapter) Publish(ctx context.Context, ev *codec.Event) error {
	return a.r.PublishKeyPackage(ctx, ev)
}
