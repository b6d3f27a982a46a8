// Package inbox implements the Inbox Pipeline (C6): per-account relay
// subscriptions, dedup, and classification-based dispatch to C8 (welcomes),
// C5 (application traffic) or C7 directly (read-only legacy DM traffic).
// Grounded on spec.md §4.6 and the teacher's subscription-and-dispatch loop
// in internal/nostr/relay.go + internal/server's event handlers.
package inbox

import (
	"context"
	"log/slog"
	"time"

	gonostr "github.com/nbd-wtf/go-nostr"
	"golang.org/x/time/rate"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/invite"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/relaypool"
	"github.com/nostrmls/core/internal/signals"
)

// Store is the subset of *store.Store the pipeline needs for dedup.
type Store interface {
	HasSeen(accountPubKey, eventID string) (bool, error)
	MarkSeen(accountPubKey, eventID string, seenAt int64) (bool, error)
}

// Pool is the subset of *relaypool.Pool the pipeline drives.
type Pool interface {
	Inbox() <-chan relaypool.InboundEvent
	Run(ctx context.Context, filters relaypool.FilterFunc)
}

// MLSEngine is the subset of *mlsengine.Engine the pipeline needs.
type MLSEngine interface {
	ProcessIncoming(ctx context.Context, accountPubKey string, ev *codec.Event) error
	PeekWelcome(accountPubKey string, ev *codec.Event) (mlsengine.WelcomePreview, error)
	GetGroup(nostrGroupID string) (*mlsengine.Group, error)
	ListGroups(accountPubKey string) ([]mlsengine.Group, error)
}

// Invites is the subset of *invite.Service the pipeline needs.
type Invites interface {
	RecordPending(accountPubKey, welcomeEventID, inviterPubKey string, meta invite.GroupMeta) error
	Accept(ctx context.Context, accountPubKey, welcomeEventID string, welcomeEvent *codec.Event) (*mlsengine.Group, error)
}

// Transcript is the subset of *transcript.Service the pipeline needs for
// read-only legacy DM traffic (kind 4/14 are never decrypted by this core;
// they are filed as-is, per spec.md's "read-only").
type Transcript interface {
	Append(ctx context.Context, ev *codec.Event, isMine bool) error
}

// Signals is the subset of *signals.Bus the pipeline needs to surface
// mls_message_received/mls_message_processed to the UI bridge (§6).
type Signals interface {
	Emit(name signals.Name, payload interface{})
}

// Config tunes the dispatch rate limit (§4.6, DOMAIN STACK). SeenCacheSize
// is carried here but the pipeline does not size any cache from it: the
// dedup cache lives in the store and is sized by store.Open.
type Config struct {
	SeenCacheSize  int
	DispatchRate   rate.Limit
	DispatchBurst  int
}

func DefaultConfig() Config {
	return Config{SeenCacheSize: 16384, DispatchRate: 200, DispatchBurst: 400}
}

// Service runs the per-account subscription loop and dispatch classifier.
type Service struct {
	cfg        Config
	store      Store
	engine     MLSEngine
	invites    Invites
	transcript Transcript
	signals    Signals
	limiter    *rate.Limiter
}

func New(cfg Config, st Store, engine MLSEngine, invites Invites, transcript Transcript, sig Signals) *Service {
	if cfg.SeenCacheSize <= 0 {
		cfg.SeenCacheSize = 16384
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = 200
	}
	return &Service{
		cfg:        cfg,
		store:      st,
		engine:     engine,
		invites:    invites,
		transcript: transcript,
		signals:    sig,
		limiter:    rate.NewLimiter(cfg.DispatchRate, cfg.DispatchBurst),
	}
}

// Filters builds the combined three-logical-subscription filter set for an
// account (§4.6 (a)(b)(c)): key-package requests are informational and
// included for visibility, welcomes are scoped by the account's pubkey in
// the `p` tag, and application traffic is scoped by the `h` tags of every
// currently-joined group. Re-evaluated on every (re)subscription so newly
// joined groups widen the scope without a pool restart.
func (s *Service) Filters(accountPubKey string) relaypool.FilterFunc {
	return func() gonostr.Filters {
		groups, err := s.engine.ListGroups(accountPubKey)
		if err != nil {
			slog.Warn("inbox: list groups for filter scope", "account", accountPubKey, "err", err)
		}
		groupIDs := make([]string, 0, len(groups))
		for _, g := range groups {
			groupIDs = append(groupIDs, g.NostrGroupID)
		}

		filters := gonostr.Filters{
			{Kinds: []int{codec.KindKeyPackage}},
			{Kinds: []int{codec.KindWelcome}, Tags: gonostr.TagMap{"p": {accountPubKey}}},
			{Kinds: []int{codec.KindLegacyDM, codec.KindGiftWrapLegacyDM}, Tags: gonostr.TagMap{"p": {accountPubKey}}},
		}
		if len(groupIDs) > 0 {
			filters = append(filters, gonostr.Filter{
				Kinds: []int{codec.KindGroupMessage},
				Tags:  gonostr.TagMap{"h": groupIDs},
			})
		}
		return filters
	}
}

// Run subscribes accountPubKey's relay pool and drains its inbox until ctx
// is cancelled. Intended to be started once per active account.
func (s *Service) Run(ctx context.Context, accountPubKey string, pool Pool) {
	go pool.Run(ctx, s.Filters(accountPubKey))

	for {
		select {
		case <-ctx.Done():
			return
		case inbound, ok := <-pool.Inbox():
			if !ok {
				return
			}
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
			s.dispatch(ctx, accountPubKey, inbound.Event)
		}
	}
}

// dispatch validates, deduplicates, and classifies a single inbound event.
// Delivery is at-least-once; idempotency for each consumer is its own
// responsibility (ledger for welcomes, seen-set here for everything else).
func (s *Service) dispatch(ctx context.Context, accountPubKey string, ev *codec.Event) {
	if err := codec.Verify(ev); err != nil {
		slog.Debug("inbox: rejected invalid event", "id", ev.ID, "err", err)
		return
	}

	seen, err := s.store.HasSeen(accountPubKey, ev.ID)
	if err != nil {
		slog.Warn("inbox: seen-set lookup failed", "id", ev.ID, "err", err)
	}
	if seen {
		return
	}

	switch ev.Kind {
	case codec.KindKeyPackage:
		// Informational only: another account's published key package.
		slog.Debug("inbox: observed key-package event", "id", ev.ID, "author", ev.PubKey)

	case codec.KindWelcome:
		s.dispatchWelcome(ctx, accountPubKey, ev)

	case codec.KindGroupMessage:
		s.signals.Emit(signals.MLSMessageReceived, ev)
		if err := s.engine.ProcessIncoming(ctx, accountPubKey, ev); err != nil {
			slog.Warn("inbox: process_incoming failed", "id", ev.ID, "err", err)
			return
		}
		s.signals.Emit(signals.MLSMessageProcessed, ev)

	case codec.KindLegacyDM, codec.KindGiftWrapLegacyDM:
		if err := s.transcript.Append(ctx, ev, ev.PubKey == accountPubKey); err != nil {
			slog.Warn("inbox: append legacy DM failed", "id", ev.ID, "err", err)
			return
		}

	default:
		return
	}

	if _, err := s.store.MarkSeen(accountPubKey, ev.ID, time.Now().Unix()); err != nil {
		slog.Warn("inbox: mark seen failed", "id", ev.ID, "err", err)
	}
}

// dispatchWelcome implements §4.8's auto-accept for already-joined groups
// and otherwise files a Pending invite previewed via PeekWelcome, never
// committing MLS state itself.
func (s *Service) dispatchWelcome(ctx context.Context, accountPubKey string, ev *codec.Event) {
	preview, err := s.engine.PeekWelcome(accountPubKey, ev)
	if err != nil {
		slog.Warn("inbox: peek welcome failed", "id", ev.ID, "err", err)
		return
	}

	if _, err := s.engine.GetGroup(preview.NostrGroupID); err == nil {
		if _, err := s.invites.Accept(ctx, accountPubKey, ev.ID, ev); err != nil {
			slog.Warn("inbox: auto-accept of already-joined welcome failed", "id", ev.ID, "err", err)
		}
		return
	}

	meta := invite.GroupMeta{Name: preview.Name, Description: preview.Description, MemberCount: preview.MemberCount}
	if err := s.invites.RecordPending(accountPubKey, ev.ID, preview.InviterPubKey, meta); err != nil {
		slog.Warn("inbox: record pending invite failed", "id", ev.ID, "err", err)
	}
}
