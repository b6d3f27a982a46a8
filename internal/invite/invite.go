// Package invite implements the Invite Manager (C8): pending/accepted/
// declined welcomes surfaced by the inbox pipeline, and the bridge into
// C5.process_welcome. Grounded on spec.md §4.8.
package invite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nostrmls/core/internal/codec"
	"github.com/nostrmls/core/internal/coreerr"
	"github.com/nostrmls/core/internal/mlsengine"
	"github.com/nostrmls/core/internal/signals"
	"github.com/nostrmls/core/internal/store"
)

// GroupMeta is the display-only group preview an invite carries before it
// is accepted (name/description/member count, decrypted by the inbox
// pipeline's lightweight peek at the welcome payload).
type GroupMeta struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	MemberCount int    `json:"member_count"`
}

func marshalMeta(m GroupMeta) string {
	b, _ := json.Marshal(m)
	return string(b)
}

func parseMeta(raw string) GroupMeta {
	var m GroupMeta
	_ = json.Unmarshal([]byte(raw), &m)
	return m
}

// Invite is the public view of a pending/accepted/declined welcome.
type Invite struct {
	WelcomeEventID string
	AccountPubKey  string
	InviterPubKey  string
	Meta           GroupMeta
	State          string // pending, accepted, declined
}

// Store is the subset of *store.Store the invite manager needs.
type Store interface {
	UpsertInvite(store.InviteRow) error
	GetInvite(welcomeEventID, accountPubKey string) (*store.InviteRow, error)
	ListPendingInvites(accountPubKey string) ([]store.InviteRow, error)
}

// MLSEngine is the subset of *mlsengine.Engine the invite manager needs.
// process_welcome is itself ledger-gated and idempotent, which is what
// makes auto-accepting a redelivered welcome for an already-joined group
// safe to call unconditionally (§4.8: "ledger returns the cached result").
type MLSEngine interface {
	ProcessWelcome(ctx context.Context, accountPubKey string, ev *codec.Event) (*mlsengine.Group, error)
}

// Signals is the subset of *signals.Bus the invite manager needs.
type Signals interface {
	Emit(name signals.Name, payload interface{})
}

// Service implements C8.
type Service struct {
	store   Store
	engine  MLSEngine
	signals Signals
}

func New(st Store, engine MLSEngine, sig Signals) *Service {
	return &Service{store: st, engine: engine, signals: sig}
}

// RecordPending writes a welcome surfaced by the inbox pipeline as a
// Pending invite, per §4.8. If the welcome has already been decided
// (accepted or declined) — e.g. redelivered by a relay — the existing
// decision is preserved rather than regressed back to pending.
func (s *Service) RecordPending(accountPubKey, welcomeEventID, inviterPubKey string, meta GroupMeta) error {
	if existing, err := s.store.GetInvite(welcomeEventID, accountPubKey); err == nil && existing.State != "pending" {
		return nil
	}
	return s.store.UpsertInvite(store.InviteRow{
		WelcomeEventID: welcomeEventID,
		AccountPubKey:  accountPubKey,
		GroupMetaJSON:  marshalMeta(meta),
		InviterPubKey:  inviterPubKey,
		MemberCount:    meta.MemberCount,
		State:          "pending",
	})
}

// ListPending returns every pending invite for an account.
func (s *Service) ListPending(accountPubKey string) ([]Invite, error) {
	rows, err := s.store.ListPendingInvites(accountPubKey)
	if err != nil {
		return nil, fmt.Errorf("invite: list pending: %w", err)
	}
	out := make([]Invite, len(rows))
	for i, r := range rows {
		out[i] = toInvite(r)
	}
	return out, nil
}

// Accept processes the welcome via the MLS engine and records the
// invite's terminal Accepted state. Idempotent: accepting an already-
// processed welcome (same id, e.g. for a group already joined) returns the
// engine's cached ledger outcome without reapplying anything.
func (s *Service) Accept(ctx context.Context, accountPubKey, welcomeEventID string, welcomeEvent *codec.Event) (*mlsengine.Group, error) {
	group, err := s.engine.ProcessWelcome(ctx, accountPubKey, welcomeEvent)
	if err != nil {
		return nil, err
	}

	existing, _ := s.store.GetInvite(welcomeEventID, accountPubKey)
	row := store.InviteRow{WelcomeEventID: welcomeEventID, AccountPubKey: accountPubKey, State: "accepted"}
	if existing != nil {
		row.GroupMetaJSON = existing.GroupMetaJSON
		row.InviterPubKey = existing.InviterPubKey
		row.MemberCount = existing.MemberCount
	}
	if err := s.store.UpsertInvite(row); err != nil {
		return nil, fmt.Errorf("invite: mark accepted: %w", err)
	}

	s.signals.Emit(signals.InviteAccepted, group)
	return group, nil
}

// Decline writes Declined without publishing anything to relays (§4.8).
func (s *Service) Decline(accountPubKey, welcomeEventID string) error {
	existing, err := s.store.GetInvite(welcomeEventID, accountPubKey)
	if err != nil {
		return coreerr.New(coreerr.GroupNotFound, "no such invite: "+welcomeEventID)
	}
	row := store.InviteRow{
		WelcomeEventID: welcomeEventID,
		AccountPubKey:  accountPubKey,
		GroupMetaJSON:  existing.GroupMetaJSON,
		InviterPubKey:  existing.InviterPubKey,
		MemberCount:    existing.MemberCount,
		State:          "declined",
	}
	if err := s.store.UpsertInvite(row); err != nil {
		return fmt.Errorf("invite: mark declined: %w", err)
	}
	return nil
}

func toInvite(r store.InviteRow) Invite {
	return Invite{
		WelcomeEventID: r.WelcomeEventID,
		AccountPubKey:  r.AccountPubKey,
		InviterPubKey:  r.InviterPubKey,
		Meta:           parseMeta(r.GroupMetaJSON),
		State:          r.State,
	}
}
